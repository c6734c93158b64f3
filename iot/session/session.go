// Package session is the device-side MQTT transport. A session dials
// the broker over mutual TLS (or with a backend token), reports its
// lifecycle through an event channel, and gives up after a bounded
// number of reconnect attempts.
package session

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/verdant-tech/iothub/core/logger"
)

// ErrNotConnected is returned for operations on a session without a
// live broker connection.
var ErrNotConnected = errors.New("session not connected")

// EventType classifies a lifecycle event.
type EventType string

// Lifecycle events in the order a session typically emits them.
const (
	EventConnecting   EventType = "connecting"
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventReconnecting EventType = "reconnecting"
	EventFailed       EventType = "failed"
)

// Event is a lifecycle notification. Err is set for disconnects and
// terminal failures.
type Event struct {
	Type    EventType
	Attempt int
	Err     error
}

// Will is the last-will message the broker publishes when the session
// drops without a clean disconnect.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Session is a managed MQTT connection.
type Session struct {
	builder   Builder
	client    pahomqtt.Client
	connected atomic.Bool
	attempts  atomic.Int32
	events    chan Event
}

// Builder is a builder helper for the Session
type Builder struct {
	// BrokerURL is the broker address, e.g. "ssl://hub:8883". This is mandatory.
	BrokerURL string
	// ClientID identifies the session to the broker. This is mandatory.
	ClientID string

	// CertPEM, KeyPEM and CACertPEM configure mutual TLS. The server
	// certificate is always verified against CACertPEM.
	CertPEM   string
	KeyPEM    string
	CACertPEM string

	// Username and Password are the token credentials of backend
	// sessions that do not hold a client certificate.
	Username string
	Password string

	// KeepAlive defaults to 30 seconds.
	KeepAlive time.Duration
	// ConnectTimeout defaults to 10 seconds.
	ConnectTimeout time.Duration
	// ReconnectInterval caps the backoff between reconnect attempts.
	// Defaults to 5 seconds.
	ReconnectInterval time.Duration
	// MaxReconnects bounds reconnect attempts before the session gives
	// up with a failed event. Zero means 10; negative means unlimited.
	MaxReconnects int

	// Will is an optional last-will message.
	Will *Will
}

// NewSession returns a new session. The session will not dial until
// you call Connect().
func NewSession(b *Builder) *Session {

	if len(b.BrokerURL) == 0 {
		panic("BrokerURL is missing")
	}

	if len(b.ClientID) == 0 {
		panic("ClientID is missing")
	}

	builder := *b
	if builder.KeepAlive == 0 {
		builder.KeepAlive = 30 * time.Second
	}
	if builder.ConnectTimeout == 0 {
		builder.ConnectTimeout = 10 * time.Second
	}
	if builder.ReconnectInterval == 0 {
		builder.ReconnectInterval = 5 * time.Second
	}
	if builder.MaxReconnects == 0 {
		builder.MaxReconnects = 10
	}

	return &Session{
		builder: builder,
		events:  make(chan Event, 16),
	}
}

// Events is the lifecycle channel. Events are dropped when nobody
// listens; the channel is never closed.
func (s *Session) Events() <-chan Event {
	return s.events
}

// IsConnected reports whether the session currently has a broker
// connection.
func (s *Session) IsConnected() bool {
	return s.connected.Load()
}

func (s *Session) emit(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

// Connect dials the broker. It blocks until the connection is up, the
// connect timeout expires or the context is done.
func (s *Session) Connect(ctx context.Context) error {
	b := s.builder
	rlog := logger.Default().WithField("client_id", b.ClientID)

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(b.BrokerURL)
	opts.SetClientID(b.ClientID)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(b.KeepAlive)
	opts.SetConnectTimeout(b.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(b.ReconnectInterval)

	if len(b.Username) > 0 {
		opts.SetUsername(b.Username)
		opts.SetPassword(b.Password)
	}

	if len(b.CACertPEM) > 0 {
		tlsConfig, err := s.createTLSConfig()
		if err != nil {
			return err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	if b.Will != nil {
		opts.SetBinaryWill(b.Will.Topic, b.Will.Payload, b.Will.QoS, b.Will.Retain)
	}

	opts.SetOnConnectHandler(func(client pahomqtt.Client) {
		s.connected.Store(true)
		s.attempts.Store(0)
		rlog.Info("broker connection established")
		s.emit(Event{Type: EventConnected})
	})
	opts.SetConnectionLostHandler(func(client pahomqtt.Client, err error) {
		s.connected.Store(false)
		rlog.WithError(err).Warn("broker connection lost")
		s.emit(Event{Type: EventDisconnected, Err: err})
	})
	opts.SetReconnectingHandler(func(client pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		attempt := int(s.attempts.Add(1))
		if s.builder.MaxReconnects >= 0 && attempt > s.builder.MaxReconnects {
			rlog.Error("giving up after ", attempt-1, " reconnect attempts")
			s.emit(Event{Type: EventFailed, Attempt: attempt - 1, Err: errors.New("reconnect attempts exhausted")})
			go client.Disconnect(0)
			return
		}
		rlog.Info("reconnecting, attempt ", attempt)
		s.emit(Event{Type: EventReconnecting, Attempt: attempt})
	})

	s.client = pahomqtt.NewClient(opts)

	s.emit(Event{Type: EventConnecting})
	token := s.client.Connect()

	done := make(chan bool, 1)
	go func() {
		done <- token.WaitTimeout(b.ConnectTimeout)
	}()

	select {
	case ok := <-done:
		if !ok {
			return fmt.Errorf("connect to %s: timeout", b.BrokerURL)
		}
		if token.Error() != nil {
			return fmt.Errorf("connect to %s: %w", b.BrokerURL, token.Error())
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	s.connected.Store(true)
	return nil
}

// Disconnect cleanly closes the connection. The broker does not
// publish the last will on a clean disconnect.
func (s *Session) Disconnect() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(1000)
	}
	s.connected.Store(false)
}

// Publish sends a message and waits for the broker's acknowledgement.
func (s *Session) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	if s.client == nil {
		return ErrNotConnected
	}
	token := s.client.Publish(topic, qos, retain, payload)
	return s.await(ctx, token, "publish "+topic)
}

// Handler receives inbound messages for a subscription.
type Handler = func(topic string, payload []byte)

// Subscribe registers a handler for a topic filter and waits for the
// broker's acknowledgement.
func (s *Session) Subscribe(ctx context.Context, topic string, qos byte, handler Handler) error {
	if s.client == nil {
		return ErrNotConnected
	}
	token := s.client.Subscribe(topic, qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	return s.await(ctx, token, "subscribe "+topic)
}

// Unsubscribe removes a subscription.
func (s *Session) Unsubscribe(ctx context.Context, topic string) error {
	if s.client == nil {
		return ErrNotConnected
	}
	token := s.client.Unsubscribe(topic)
	return s.await(ctx, token, "unsubscribe "+topic)
}

func (s *Session) await(ctx context.Context, token pahomqtt.Token, what string) error {
	done := make(chan bool, 1)
	go func() {
		done <- token.WaitTimeout(s.builder.ConnectTimeout)
	}()
	select {
	case ok := <-done:
		if !ok {
			return fmt.Errorf("%s: timeout", what)
		}
		if token.Error() != nil {
			return fmt.Errorf("%s: %w", what, token.Error())
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) createTLSConfig() (*tls.Config, error) {
	b := s.builder
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM([]byte(b.CACertPEM)) {
		return nil, errors.New("cannot parse CA certificate")
	}
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    caCertPool,
	}
	if len(b.CertPEM) > 0 && len(b.KeyPEM) > 0 {
		cert, err := tls.X509KeyPair([]byte(b.CertPEM), []byte(b.KeyPEM))
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
