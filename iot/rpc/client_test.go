package rpc_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdant-tech/iothub/iot/rpc"
)

// fakeTransport is an in-process broker good enough for one device.
type fakeTransport struct {
	mu           sync.Mutex
	handlers     map[string]func(topic string, payload []byte)
	subscribes   []string
	unsubscribes []string
	published    [][]byte
	publishErr   error

	// respond, when set, is invoked with every published request
	respond func(t *fakeTransport, topic string, payload []byte)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]func(string, []byte))}
}

func (f *fakeTransport) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	f.mu.Lock()
	f.published = append(f.published, payload)
	respond := f.respond
	err := f.publishErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if respond != nil {
		go respond(f, topic, payload)
	}
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, topic string, qos byte, handler func(topic string, payload []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	f.subscribes = append(f.subscribes, topic)
	return nil
}

func (f *fakeTransport) Unsubscribe(ctx context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	f.unsubscribes = append(f.unsubscribes, topic)
	return nil
}

func (f *fakeTransport) deliver(topic string, payload []byte) {
	f.mu.Lock()
	handler := f.handlers[topic]
	f.mu.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

// echoDevice answers every request with its params as result.
func echoDevice(f *fakeTransport, topic string, payload []byte) {
	var request rpc.Request
	if err := json.Unmarshal(payload, &request); err != nil {
		return
	}
	response, _ := json.Marshal(rpc.Response{ID: request.ID, Result: request.Params})
	f.deliver(rpc.ResponseTopic("u1", "d1"), response)
}

func TestCallRoundtrip(t *testing.T) {
	transport := newFakeTransport()
	transport.respond = echoDevice
	client := rpc.NewClient(&rpc.Builder{Transport: transport})
	defer client.Close()

	result, err := client.Call(context.Background(), "u1", "d1", "getSensors", nil, time.Second)
	require.NoError(t, err)
	assert.Nil(t, result)

	result, err = client.Call(context.Background(), "u1", "d1", "updateIrrigator",
		map[string]any{"id": 1, "enabled": true}, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"enabled":true}`, string(result))
}

func TestCallDeviceError(t *testing.T) {
	transport := newFakeTransport()
	transport.respond = func(f *fakeTransport, topic string, payload []byte) {
		var request rpc.Request
		json.Unmarshal(payload, &request)
		response, _ := json.Marshal(rpc.Response{
			ID:    request.ID,
			Error: &rpc.Error{Code: rpc.CodeMethodNotFound, Message: "method 'bogus' not found"},
		})
		f.deliver(rpc.ResponseTopic("u1", "d1"), response)
	}
	client := rpc.NewClient(&rpc.Builder{Transport: transport})
	defer client.Close()

	_, err := client.Call(context.Background(), "u1", "d1", "bogus", nil, time.Second)
	var rpcErr *rpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpc.CodeMethodNotFound, rpcErr.Code)
}

func TestCallTimeout(t *testing.T) {
	transport := newFakeTransport() // nobody answers
	client := rpc.NewClient(&rpc.Builder{Transport: transport})
	defer client.Close()

	start := time.Now()
	_, err := client.Call(context.Background(), "u1", "d1", "getSensors", nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, rpc.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCallIgnoresUnknownResponses(t *testing.T) {
	transport := newFakeTransport()
	transport.respond = func(f *fakeTransport, topic string, payload []byte) {
		var request rpc.Request
		json.Unmarshal(payload, &request)
		// a stale answer first, then the real one
		stale, _ := json.Marshal(rpc.Response{ID: "someone-elses-call"})
		f.deliver(rpc.ResponseTopic("u1", "d1"), stale)
		f.deliver(rpc.ResponseTopic("u1", "d1"), []byte("not even json"))
		response, _ := json.Marshal(rpc.Response{ID: request.ID, Result: json.RawMessage(`"ok"`)})
		f.deliver(rpc.ResponseTopic("u1", "d1"), response)
	}
	client := rpc.NewClient(&rpc.Builder{Transport: transport})
	defer client.Close()

	result, err := client.Call(context.Background(), "u1", "d1", "getSensors", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(result))
}

func TestCallTransportFailure(t *testing.T) {
	transport := newFakeTransport()
	transport.publishErr = assert.AnError
	client := rpc.NewClient(&rpc.Builder{Transport: transport})
	defer client.Close()

	_, err := client.Call(context.Background(), "u1", "d1", "getSensors", nil, time.Second)
	assert.ErrorIs(t, err, rpc.ErrTransport)
}

func TestCallContextCancelled(t *testing.T) {
	transport := newFakeTransport()
	client := rpc.NewClient(&rpc.Builder{Transport: transport})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Call(ctx, "u1", "d1", "getSensors", nil, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCallInvalidParams(t *testing.T) {
	transport := newFakeTransport()
	client := rpc.NewClient(&rpc.Builder{Transport: transport})
	defer client.Close()

	// id is required
	_, err := client.Call(context.Background(), "u1", "d1", "updateDiscreteTimer",
		map[string]any{"enabled": true}, time.Second)
	require.Error(t, err)
	assert.Empty(t, transport.published)
}

func TestCallNoResponse(t *testing.T) {
	transport := newFakeTransport()
	client := rpc.NewClient(&rpc.Builder{Transport: transport})
	defer client.Close()

	err := client.CallNoResponse(context.Background(), "u1", "d1", "reboot", nil)
	require.NoError(t, err)
	require.Len(t, transport.published, 1)
	assert.Empty(t, transport.subscribes)

	var request rpc.Request
	require.NoError(t, json.Unmarshal(transport.published[0], &request))
	assert.Equal(t, "reboot", request.Method)
	assert.NotEmpty(t, request.ID)
}

func TestConcurrentCallsShareSubscription(t *testing.T) {
	transport := newFakeTransport()
	transport.respond = echoDevice
	client := rpc.NewClient(&rpc.Builder{Transport: transport})
	defer client.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Call(context.Background(), "u1", "d1", "getSensors", nil, time.Second)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.GreaterOrEqual(t, len(transport.subscribes), 1)
	// every subscribe was eventually balanced by an unsubscribe
	assert.Equal(t, len(transport.subscribes), len(transport.unsubscribes))
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "users/u1/devices/d1/rpc/request", rpc.RequestTopic("u1", "d1"))
	assert.Equal(t, "users/u1/devices/d1/rpc/response", rpc.ResponseTopic("u1", "d1"))
	assert.Equal(t, "users/u1/devices/d1/status", rpc.StatusTopic("u1", "d1"))
}

func TestValidateParams(t *testing.T) {
	assert.NoError(t, rpc.ValidateParams("getSensors", nil))
	assert.NoError(t, rpc.ValidateParams("updateAnalogRegulator",
		[]byte(`{"id":1,"target":55,"pid":{"p":2}}`)))
	assert.Error(t, rpc.ValidateParams("updateAnalogRegulator",
		[]byte(`{"id":1,"sensor":"co2"}`)))
	assert.Error(t, rpc.ValidateParams("updateDiscreteTimer", []byte(`{}`)))
	assert.Error(t, rpc.ValidateParams("updateIrrigator",
		[]byte(`{"id":1,"bogus":true}`)))
}
