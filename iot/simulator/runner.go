package simulator

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/goccy/go-json"

	"github.com/verdant-tech/iothub/core/logger"
	"github.com/verdant-tech/iothub/iot/rpc"
	"github.com/verdant-tech/iothub/iot/session"
)

// Transport is what the runner needs from the device's MQTT session.
type Transport interface {
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
	Subscribe(ctx context.Context, topic string, qos byte, handler func(topic string, payload []byte)) error
	Events() <-chan session.Event
}

// StatusPayload is the retained status message of a device.
type StatusPayload struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// MarshalStatus renders a retained status payload. The offline variant
// doubles as the session's last will.
func MarshalStatus(status string) []byte {
	payload, _ := json.Marshal(StatusPayload{Status: status, Timestamp: time.Now()})
	return payload
}

// Runner connects a device to the broker and serves commands until
// the context is done.
type Runner struct {
	transport Transport
	device    *Device
	userID    string
	deviceID  string
}

// RunnerBuilder is a builder helper for the Runner
type RunnerBuilder struct {
	// Transport is the device's broker session. This is mandatory.
	Transport Transport
	// Device is the simulated device. This is mandatory.
	Device *Device
	// UserID is the owning user. This is mandatory.
	UserID string
	// DeviceID is the device identity. This is mandatory.
	DeviceID string
}

// NewRunner realizes the runner.
func NewRunner(b *RunnerBuilder) *Runner {
	if b.Transport == nil {
		panic("Transport is missing")
	}
	if b.Device == nil {
		panic("Device is missing")
	}
	if len(b.UserID) == 0 {
		panic("UserID is missing")
	}
	if len(b.DeviceID) == 0 {
		panic("DeviceID is missing")
	}
	return &Runner{
		transport: b.Transport,
		device:    b.Device,
		userID:    b.UserID,
		deviceID:  b.DeviceID,
	}
}

// Run is blocking. It subscribes to the command topic, announces the
// device online with a retained status and keeps the sensors moving.
// On a terminal session failure Run returns the failure; on context
// cancellation it announces the device offline and returns nil.
func (r *Runner) Run(ctx context.Context) error {
	rlog := logger.Default().WithField("device_id", r.deviceID)

	if err := r.transport.Subscribe(ctx, rpc.RequestTopic(r.userID, r.deviceID), 1, r.handleRequest); err != nil {
		return err
	}

	statusTopic := rpc.StatusTopic(r.userID, r.deviceID)
	if err := r.transport.Publish(ctx, statusTopic, 1, true, MarshalStatus(StatusOnline)); err != nil {
		return err
	}
	rlog.Info("device online")

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.device.Drift()
		case event := <-r.transport.Events():
			switch event.Type {
			case session.EventFailed:
				rlog.WithError(event.Err).Error("session failed")
				return errors.New("session failed")
			case session.EventConnected:
				// re-announce after a reconnect, the retained status
				// may still say offline from the will
				r.transport.Publish(ctx, statusTopic, 1, true, MarshalStatus(r.device.Status()))
			case session.EventReconnecting:
				rlog.Info("session reconnecting, attempt ", event.Attempt)
			case session.EventDisconnected:
				rlog.Warn("session disconnected")
			}
		case <-ctx.Done():
			r.device.Close()
			publishCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			r.transport.Publish(publishCtx, statusTopic, 1, true, MarshalStatus(StatusOffline))
			rlog.Info("device offline")
			return nil
		}
	}
}

// handleRequest answers one command after a short simulated
// processing delay.
func (r *Runner) handleRequest(topic string, payload []byte) {
	var request rpc.Request
	if err := json.Unmarshal(payload, &request); err != nil {
		logger.Default().WithError(err).Warn("invalid command on ", topic)
		return
	}

	go func() {
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
		response := r.device.HandleRequest(request)
		body, _ := json.Marshal(response)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := r.transport.Publish(ctx, rpc.ResponseTopic(r.userID, r.deviceID), 1, false, body)
		if err != nil {
			logger.Default().WithError(err).Error("cannot publish response for ", request.ID)
		}
	}()
}
