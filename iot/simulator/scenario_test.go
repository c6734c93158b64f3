package simulator_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	cryptorand "crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdant-tech/iothub/iot/ca"
	"github.com/verdant-tech/iothub/iot/certificates"
	"github.com/verdant-tech/iothub/iot/gateway"
	"github.com/verdant-tech/iothub/iot/rpc"
	"github.com/verdant-tech/iothub/iot/session"
	"github.com/verdant-tech/iothub/iot/simulator"
)

// loopback is an in-process message bus. It stands in for the broker
// so a device runner and an rpc client can talk to each other without
// any network.
type loopback struct {
	mu       sync.Mutex
	handlers map[string][]func(topic string, payload []byte)
	retained map[string][]byte
	events   chan session.Event
}

func newLoopback() *loopback {
	return &loopback{
		handlers: make(map[string][]func(topic string, payload []byte)),
		retained: make(map[string][]byte),
		events:   make(chan session.Event, 16),
	}
}

func (l *loopback) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	l.mu.Lock()
	if retain {
		l.retained[topic] = payload
	}
	handlers := append([]func(string, []byte){}, l.handlers[topic]...)
	l.mu.Unlock()
	for _, handler := range handlers {
		handler(topic, payload)
	}
	return nil
}

func (l *loopback) Subscribe(ctx context.Context, topic string, qos byte, handler func(topic string, payload []byte)) error {
	l.mu.Lock()
	l.handlers[topic] = append(l.handlers[topic], handler)
	payload, ok := l.retained[topic]
	l.mu.Unlock()
	if ok {
		handler(topic, payload)
	}
	return nil
}

func (l *loopback) Unsubscribe(ctx context.Context, topic string) error {
	l.mu.Lock()
	delete(l.handlers, topic)
	l.mu.Unlock()
	return nil
}

func (l *loopback) Events() <-chan session.Event { return l.events }

func (l *loopback) retainedStatus(t *testing.T, topic string) string {
	l.mu.Lock()
	payload, ok := l.retained[topic]
	l.mu.Unlock()
	require.True(t, ok)
	var status simulator.StatusPayload
	require.NoError(t, json.Unmarshal(payload, &status))
	return status.Status
}

func deviceCSR(t *testing.T, commonName string) string {
	key, err := ecdsa.GenerateKey(elliptic.P256(), cryptorand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(cryptorand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: commonName},
	}, key)
	require.NoError(t, err)
	buffer := new(bytes.Buffer)
	pem.Encode(buffer, &pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
	return buffer.String()
}

// TestDeviceLifecycle walks a device through its whole life: enroll,
// get admitted by the gateway, answer a command, then lose access
// after revocation.
func TestDeviceLifecycle(t *testing.T) {
	ctx := context.Background()
	const userID, deviceID = "grower-1", "plot-1"

	dir := t.TempDir()
	caStore := ca.NewStore(ca.NewFileStore(
		filepath.Join(dir, "ca-cert.pem"),
		filepath.Join(dir, "ca-key.pem"),
	))
	store := certificates.NewMemoryStore()
	certService := certificates.NewService(caStore, store, nil)

	issued, err := certService.IssueCertificate(ctx, deviceID, deviceCSR(t, deviceID))
	require.NoError(t, err)

	authGateway := gateway.NewGateway(&gateway.Builder{Certificates: store})
	connect := gateway.AuthRequest{
		ClientID:    deviceID,
		Fingerprint: issued.Fingerprint,
		CommonName:  deviceID,
	}
	require.True(t, authGateway.Authorize(ctx, connect).Allow)

	bus := newLoopback()
	runner := simulator.NewRunner(&simulator.RunnerBuilder{
		Transport: bus,
		Device:    simulator.NewDevice(),
		UserID:    userID,
		DeviceID:  deviceID,
	})
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- runner.Run(runCtx) }()

	statusTopic := rpc.StatusTopic(userID, deviceID)
	require.Eventually(t, func() bool {
		bus.mu.Lock()
		_, ok := bus.retained[statusTopic]
		bus.mu.Unlock()
		return ok
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, simulator.StatusOnline, bus.retainedStatus(t, statusTopic))

	client := rpc.NewClient(&rpc.Builder{Transport: bus})
	defer client.Close()

	result, err := client.Call(ctx, userID, deviceID, "getSensors", nil, 5*time.Second)
	require.NoError(t, err)
	var sensors simulator.Sensors
	require.NoError(t, json.Unmarshal(result, &sensors))
	assert.GreaterOrEqual(t, sensors.Humidity, 0.0)
	assert.LessOrEqual(t, sensors.Humidity, 100.0)
	assert.NotZero(t, sensors.Pressure)

	// revocation closes the door for the next connection attempt
	require.NoError(t, certService.RevokeCertificate(ctx, deviceID))
	denied := authGateway.Authorize(ctx, connect)
	assert.False(t, denied.Allow)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, simulator.StatusOffline, bus.retainedStatus(t, statusTopic))
}
