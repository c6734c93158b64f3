// Package rpc implements request/response command calls over MQTT.
// Requests go out on the device's request topic, responses come back
// on the response topic and are matched to the caller by correlation
// id. A response nobody waits for is dropped.
package rpc

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Error codes carried in responses.
const (
	// CodeMethodNotFound is answered for an unknown method.
	CodeMethodNotFound = -32601
	// CodeInternalError is answered when the handler fails.
	CodeInternalError = -32603
)

var (
	// ErrTimeout is returned when a device does not answer in time.
	ErrTimeout = errors.New("rpc timeout")
	// ErrTransport is returned when the request never made it onto the wire.
	ErrTransport = errors.New("rpc transport failure")
)

// Request is a command sent to a device.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error is the failure part of a response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Response answers a request. Either Result or Error is set.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// RequestTopic is the topic a device listens on for commands.
func RequestTopic(userID, deviceID string) string {
	return "users/" + userID + "/devices/" + deviceID + "/rpc/request"
}

// ResponseTopic is the topic a device answers on.
func ResponseTopic(userID, deviceID string) string {
	return "users/" + userID + "/devices/" + deviceID + "/rpc/response"
}

// StatusTopic carries the device's retained online status.
func StatusTopic(userID, deviceID string) string {
	return "users/" + userID + "/devices/" + deviceID + "/status"
}
