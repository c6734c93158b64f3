package simulator

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/verdant-tech/iothub/core/logger"
	"github.com/verdant-tech/iothub/iot/rpc"
)

// rebootDuration is how long the simulated device pretends to be down.
const rebootDuration = 3 * time.Second

// Device is the simulated device. It is safe for concurrent use.
type Device struct {
	mu          sync.Mutex
	state       State
	startTime   time.Time
	rebootTimer *time.Timer
	random      *rand.Rand

	handlers map[string]func(params json.RawMessage) (any, error)
}

// NewDevice returns a device with its factory state.
func NewDevice() *Device {
	d := &Device{
		state:     initialState(),
		startTime: time.Now(),
		random:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	d.handlers = map[string]func(params json.RawMessage) (any, error){
		"getDeviceState":          func(json.RawMessage) (any, error) { return d.getDeviceState(), nil },
		"getSensors":              func(json.RawMessage) (any, error) { return d.getSensors(), nil },
		"reboot":                  func(json.RawMessage) (any, error) { return d.reboot(), nil },
		"updateDiscreteTimer":     d.updateDiscreteTimer,
		"updateAnalogTimer":       d.updateAnalogTimer,
		"updateDiscreteRegulator": d.updateDiscreteRegulator,
		"updateAnalogRegulator":   d.updateAnalogRegulator,
		"updateIrrigator":         d.updateIrrigator,
	}
	return d
}

// HandleRequest dispatches a command and always produces a response
// with the request's id. Unknown methods answer method-not-found,
// handler failures answer internal-error.
func (d *Device) HandleRequest(request rpc.Request) rpc.Response {
	response := rpc.Response{ID: request.ID}

	handler, ok := d.handlers[request.Method]
	if !ok {
		response.Error = &rpc.Error{
			Code:    rpc.CodeMethodNotFound,
			Message: fmt.Sprintf("method '%s' not found", request.Method),
		}
		return response
	}

	if err := rpc.ValidateParams(request.Method, request.Params); err != nil {
		response.Error = &rpc.Error{
			Code:    rpc.CodeInternalError,
			Message: err.Error(),
		}
		return response
	}

	result, err := handler(request.Params)
	if err != nil {
		response.Error = &rpc.Error{
			Code:    rpc.CodeInternalError,
			Message: err.Error(),
		}
		return response
	}

	raw, err := json.Marshal(result)
	if err != nil {
		response.Error = &rpc.Error{Code: rpc.CodeInternalError, Message: err.Error()}
		return response
	}
	response.Result = raw
	return response
}

// Close cancels a pending reboot.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rebootTimer != nil {
		d.rebootTimer.Stop()
		d.rebootTimer = nil
	}
}

// Status is the current device status.
func (d *Device) Status() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Status
}

// Drift advances the sensor simulation one step.
func (d *Device) Drift() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.drift(d.random)
}

func (d *Device) getDeviceState() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.drift(d.random)
	d.state.Uptime = time.Since(d.startTime).Milliseconds()
	d.state.LastUpdate = time.Now()
	return d.state
}

func (d *Device) getSensors() Sensors {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.drift(d.random)
	return Sensors{
		Temperature: d.state.Temperature,
		Humidity:    d.state.Humidity,
		Pressure:    d.state.Pressure,
		Timestamp:   time.Now(),
	}
}

type rebootResult struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	EstimatedTime int64  `json:"estimatedTime"`
}

// reboot resets the uptime and keeps the device in status "rebooting"
// for a few seconds. A second reboot while rebooting restarts the
// countdown.
func (d *Device) reboot() rebootResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.startTime = time.Now()
	d.state.Uptime = 0
	d.state.Status = StatusRebooting

	if d.rebootTimer != nil {
		d.rebootTimer.Stop()
	}
	d.rebootTimer = time.AfterFunc(rebootDuration, func() {
		d.mu.Lock()
		d.state.Status = StatusOnline
		d.rebootTimer = nil
		d.mu.Unlock()
		logger.Default().Info("device back online after reboot")
	})

	return rebootResult{
		Success:       true,
		Message:       "device is rebooting",
		EstimatedTime: rebootDuration.Milliseconds(),
	}
}

type discreteTimerUpdate struct {
	ID       int      `json:"id"`
	Enabled  *bool    `json:"enabled"`
	Schedule *string  `json:"schedule"`
	Duration *float64 `json:"duration"`
	Channel  *int     `json:"channel"`
}

func (d *Device) updateDiscreteTimer(params json.RawMessage) (any, error) {
	var update discreteTimerUpdate
	if err := json.Unmarshal(params, &update); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.state.DiscreteTimers {
		timer := &d.state.DiscreteTimers[i]
		if timer.ID != update.ID {
			continue
		}
		if update.Enabled != nil {
			timer.Enabled = *update.Enabled
		}
		if update.Schedule != nil {
			timer.Schedule = *update.Schedule
		}
		if update.Duration != nil {
			timer.Duration = *update.Duration
		}
		if update.Channel != nil {
			timer.Channel = *update.Channel
		}
		return *timer, nil
	}
	return nil, fmt.Errorf("discrete timer %d not found", update.ID)
}

type analogTimerUpdate struct {
	ID       int      `json:"id"`
	Enabled  *bool    `json:"enabled"`
	Schedule *string  `json:"schedule"`
	Value    *float64 `json:"value"`
	Channel  *int     `json:"channel"`
}

func (d *Device) updateAnalogTimer(params json.RawMessage) (any, error) {
	var update analogTimerUpdate
	if err := json.Unmarshal(params, &update); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.state.AnalogTimers {
		timer := &d.state.AnalogTimers[i]
		if timer.ID != update.ID {
			continue
		}
		if update.Enabled != nil {
			timer.Enabled = *update.Enabled
		}
		if update.Schedule != nil {
			timer.Schedule = *update.Schedule
		}
		if update.Value != nil {
			timer.Value = *update.Value
		}
		if update.Channel != nil {
			timer.Channel = *update.Channel
		}
		return *timer, nil
	}
	return nil, fmt.Errorf("analog timer %d not found", update.ID)
}

type discreteRegulatorUpdate struct {
	ID         int      `json:"id"`
	Enabled    *bool    `json:"enabled"`
	Sensor     *string  `json:"sensor"`
	Target     *float64 `json:"target"`
	Hysteresis *float64 `json:"hysteresis"`
	Channel    *int     `json:"channel"`
}

func (d *Device) updateDiscreteRegulator(params json.RawMessage) (any, error) {
	var update discreteRegulatorUpdate
	if err := json.Unmarshal(params, &update); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.state.DiscreteRegulators {
		regulator := &d.state.DiscreteRegulators[i]
		if regulator.ID != update.ID {
			continue
		}
		if update.Enabled != nil {
			regulator.Enabled = *update.Enabled
		}
		if update.Sensor != nil {
			regulator.Sensor = *update.Sensor
		}
		if update.Target != nil {
			regulator.Target = *update.Target
		}
		if update.Hysteresis != nil {
			regulator.Hysteresis = *update.Hysteresis
		}
		if update.Channel != nil {
			regulator.Channel = *update.Channel
		}
		return *regulator, nil
	}
	return nil, fmt.Errorf("discrete regulator %d not found", update.ID)
}

type analogRegulatorUpdate struct {
	ID      int        `json:"id"`
	Enabled *bool      `json:"enabled"`
	Sensor  *string    `json:"sensor"`
	Target  *float64   `json:"target"`
	PID     *pidUpdate `json:"pid"`
	Channel *int       `json:"channel"`
}

type pidUpdate struct {
	P *float64 `json:"p"`
	I *float64 `json:"i"`
	D *float64 `json:"d"`
}

func (d *Device) updateAnalogRegulator(params json.RawMessage) (any, error) {
	var update analogRegulatorUpdate
	if err := json.Unmarshal(params, &update); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.state.AnalogRegulators {
		regulator := &d.state.AnalogRegulators[i]
		if regulator.ID != update.ID {
			continue
		}
		if update.Enabled != nil {
			regulator.Enabled = *update.Enabled
		}
		if update.Sensor != nil {
			regulator.Sensor = *update.Sensor
		}
		if update.Target != nil {
			regulator.Target = *update.Target
		}
		if update.PID != nil {
			// gains merge individually
			if update.PID.P != nil {
				regulator.PID.P = *update.PID.P
			}
			if update.PID.I != nil {
				regulator.PID.I = *update.PID.I
			}
			if update.PID.D != nil {
				regulator.PID.D = *update.PID.D
			}
		}
		if update.Channel != nil {
			regulator.Channel = *update.Channel
		}
		return *regulator, nil
	}
	return nil, fmt.Errorf("analog regulator %d not found", update.ID)
}

type irrigatorUpdate struct {
	ID       int      `json:"id"`
	Enabled  *bool    `json:"enabled"`
	Schedule *string  `json:"schedule"`
	Duration *float64 `json:"duration"`
	Pump     *int     `json:"pump"`
}

func (d *Device) updateIrrigator(params json.RawMessage) (any, error) {
	var update irrigatorUpdate
	if err := json.Unmarshal(params, &update); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.state.Irrigators {
		irrigator := &d.state.Irrigators[i]
		if irrigator.ID != update.ID {
			continue
		}
		if update.Enabled != nil {
			irrigator.Enabled = *update.Enabled
		}
		if update.Schedule != nil {
			irrigator.Schedule = *update.Schedule
		}
		if update.Duration != nil {
			irrigator.Duration = *update.Duration
		}
		if update.Pump != nil {
			irrigator.Pump = *update.Pump
		}
		return *irrigator, nil
	}
	return nil, fmt.Errorf("irrigator %d not found", update.ID)
}
