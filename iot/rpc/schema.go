package rpc

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// JSON schemas for the command methods that take parameters. Methods
// without an entry take no parameters.
var methodSchemas = map[string]string{
	"updateDiscreteTimer": `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "integer", "minimum": 1},
			"enabled": {"type": "boolean"},
			"schedule": {"type": "string"},
			"duration": {"type": "number", "minimum": 0},
			"channel": {"type": "integer", "minimum": 1}
		},
		"additionalProperties": false
	}`,
	"updateAnalogTimer": `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "integer", "minimum": 1},
			"enabled": {"type": "boolean"},
			"schedule": {"type": "string"},
			"value": {"type": "number"},
			"channel": {"type": "integer", "minimum": 1}
		},
		"additionalProperties": false
	}`,
	"updateDiscreteRegulator": `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "integer", "minimum": 1},
			"enabled": {"type": "boolean"},
			"sensor": {"type": "string", "enum": ["temperature", "humidity", "pressure"]},
			"target": {"type": "number"},
			"hysteresis": {"type": "number", "minimum": 0},
			"channel": {"type": "integer", "minimum": 1}
		},
		"additionalProperties": false
	}`,
	"updateAnalogRegulator": `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "integer", "minimum": 1},
			"enabled": {"type": "boolean"},
			"sensor": {"type": "string", "enum": ["temperature", "humidity", "pressure"]},
			"target": {"type": "number"},
			"pid": {
				"type": "object",
				"properties": {
					"p": {"type": "number"},
					"i": {"type": "number"},
					"d": {"type": "number"}
				},
				"additionalProperties": false
			},
			"channel": {"type": "integer", "minimum": 1}
		},
		"additionalProperties": false
	}`,
	"updateIrrigator": `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "integer", "minimum": 1},
			"enabled": {"type": "boolean"},
			"schedule": {"type": "string"},
			"duration": {"type": "number", "minimum": 0},
			"pump": {"type": "integer", "minimum": 1}
		},
		"additionalProperties": false
	}`,
}

var compiledSchemas = mustCompileSchemas()

func mustCompileSchemas() map[string]*gojsonschema.Schema {
	compiled := make(map[string]*gojsonschema.Schema)
	for method, document := range methodSchemas {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(document))
		if err != nil {
			panic(fmt.Sprintf("schema for %s: %v", method, err))
		}
		compiled[method] = s
	}
	return compiled
}

// ValidateParams checks a method's parameters against its schema.
// Methods without a schema accept any parameters.
func ValidateParams(method string, params []byte) error {
	s, ok := compiledSchemas[method]
	if !ok {
		return nil
	}
	if len(params) == 0 {
		params = []byte("{}")
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(params))
	if err != nil {
		return fmt.Errorf("validate %s params: %w", method, err)
	}
	if result.Valid() {
		return nil
	}
	var details []string
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return fmt.Errorf("invalid %s params: %s", method, strings.Join(details, "; "))
}
