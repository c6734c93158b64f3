package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/verdant-tech/iothub/core/logger"
)

// Transport publishes and subscribes MQTT messages. session.Session
// satisfies this.
type Transport interface {
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
	Subscribe(ctx context.Context, topic string, qos byte, handler func(topic string, payload []byte)) error
	Unsubscribe(ctx context.Context, topic string) error
}

// DefaultTimeout bounds a call when the caller does not say otherwise.
const DefaultTimeout = 10 * time.Second

type pendingCall struct {
	ch    chan Response
	timer *time.Timer
}

// Client sends commands to devices and correlates their responses.
type Client struct {
	transport Transport

	mu      sync.Mutex
	pending map[string]*pendingCall

	subMu         sync.Mutex
	subscriptions map[string]int // response topic -> waiter count

	done chan struct{}
	once sync.Once
}

// Builder is a builder helper for the Client
type Builder struct {
	// Transport carries the MQTT traffic. This is mandatory.
	Transport Transport
}

// NewClient realizes the rpc client and starts its housekeeping.
func NewClient(b *Builder) *Client {
	if b.Transport == nil {
		panic("Transport is missing")
	}
	c := &Client{
		transport:     b.Transport,
		pending:       make(map[string]*pendingCall),
		subscriptions: make(map[string]int),
		done:          make(chan struct{}),
	}
	go c.housekeeping()
	return c
}

// Close stops the housekeeping. Outstanding calls still time out on
// their own.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

// Call sends a command and waits for the matching response. Timeout
// zero means DefaultTimeout. A response error becomes a *Error return.
func (c *Client) Call(ctx context.Context, userID, deviceID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	request, err := newRequest(method, params)
	if err != nil {
		return nil, err
	}

	responseTopic := ResponseTopic(userID, deviceID)
	if err := c.retainSubscription(ctx, responseTopic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer c.releaseSubscription(responseTopic)

	call := &pendingCall{ch: make(chan Response, 1)}
	call.timer = time.AfterFunc(timeout, func() {
		c.mu.Lock()
		delete(c.pending, request.ID)
		c.mu.Unlock()
	})
	c.mu.Lock()
	c.pending[request.ID] = call
	c.mu.Unlock()

	forget := func() {
		call.timer.Stop()
		c.mu.Lock()
		delete(c.pending, request.ID)
		c.mu.Unlock()
	}

	payload, _ := json.Marshal(request)
	if err := c.transport.Publish(ctx, RequestTopic(userID, deviceID), 1, false, payload); err != nil {
		forget()
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	select {
	case response := <-call.ch:
		forget()
		if response.Error != nil {
			return nil, response.Error
		}
		return response.Result, nil
	case <-time.After(timeout):
		forget()
		return nil, fmt.Errorf("%w: %s on %s", ErrTimeout, method, deviceID)
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// CallNoResponse sends a command without waiting for an answer.
func (c *Client) CallNoResponse(ctx context.Context, userID, deviceID, method string, params any) error {
	request, err := newRequest(method, params)
	if err != nil {
		return err
	}
	payload, _ := json.Marshal(request)
	if err := c.transport.Publish(ctx, RequestTopic(userID, deviceID), 1, false, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func newRequest(method string, params any) (Request, error) {
	request := Request{ID: uuid.NewString(), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Request{}, err
		}
		request.Params = raw
	}
	if err := ValidateParams(method, request.Params); err != nil {
		return Request{}, err
	}
	return request, nil
}

// retainSubscription subscribes to a response topic on first use and
// counts waiters. The lock is held across the transport call so that a
// concurrent release cannot unsubscribe a topic that just gained a
// waiter.
func (c *Client) retainSubscription(ctx context.Context, topic string) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subscriptions[topic] > 0 {
		c.subscriptions[topic]++
		return nil
	}
	if err := c.transport.Subscribe(ctx, topic, 1, c.handleResponse); err != nil {
		return err
	}
	c.subscriptions[topic] = 1
	return nil
}

func (c *Client) releaseSubscription(topic string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscriptions[topic]--
	if c.subscriptions[topic] <= 0 {
		delete(c.subscriptions, topic)
		c.transport.Unsubscribe(context.Background(), topic)
	}
}

// handleResponse matches a response to the waiting call. Responses
// without a waiter are dropped; they are late answers to calls that
// already timed out.
func (c *Client) handleResponse(topic string, payload []byte) {
	var response Response
	if err := json.Unmarshal(payload, &response); err != nil {
		logger.Default().WithError(err).Warn("invalid rpc response on ", topic)
		return
	}
	c.mu.Lock()
	call, ok := c.pending[response.ID]
	if ok {
		delete(c.pending, response.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	call.timer.Stop()
	call.ch <- response
}

// housekeeping periodically reports the pending table. The per-call
// timers already keep it from growing, this is visibility only.
func (c *Client) housekeeping() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			count := len(c.pending)
			c.mu.Unlock()
			if count > 0 {
				logger.Default().Info("rpc calls in flight: ", count)
			}
		}
	}
}
