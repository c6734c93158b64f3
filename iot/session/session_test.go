package session_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/verdant-tech/iothub/iot/session"
)

func TestNewSessionRequiresBrokerAndClientID(t *testing.T) {
	assert.Panics(t, func() {
		session.NewSession(&session.Builder{ClientID: "d1"})
	})
	assert.Panics(t, func() {
		session.NewSession(&session.Builder{BrokerURL: "ssl://localhost:8883"})
	})
}

func TestOperationsBeforeConnect(t *testing.T) {
	s := session.NewSession(&session.Builder{
		BrokerURL: "ssl://localhost:8883",
		ClientID:  "d1",
	})
	ctx := context.Background()

	assert.ErrorIs(t, s.Publish(ctx, "t", 1, false, nil), session.ErrNotConnected)
	assert.ErrorIs(t, s.Subscribe(ctx, "t", 1, func(string, []byte) {}), session.ErrNotConnected)
	assert.ErrorIs(t, s.Unsubscribe(ctx, "t"), session.ErrNotConnected)
	assert.False(t, s.IsConnected())

	// a clean disconnect without a connection is a no-op
	s.Disconnect()
}

func TestEventsChannelNeverBlocks(t *testing.T) {
	s := session.NewSession(&session.Builder{
		BrokerURL: "ssl://localhost:8883",
		ClientID:  "d1",
	})
	// nobody reads; the channel must not fill up and block the session
	assert.NotNil(t, s.Events())
}
