package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeviceOwnsTopic(t *testing.T) {
	assert.True(t, deviceOwnsTopic("d1", "users/u1/devices/d1/rpc/request"))
	assert.True(t, deviceOwnsTopic("d1", "users/u1/devices/d1/rpc/response"))
	assert.True(t, deviceOwnsTopic("d1", "users/u1/devices/d1/status"))
	assert.True(t, deviceOwnsTopic("d1", "users/+/devices/d1/rpc/request"))

	// other devices, wildcards across devices, foreign prefixes
	assert.False(t, deviceOwnsTopic("d1", "users/u1/devices/d2/rpc/request"))
	assert.False(t, deviceOwnsTopic("d1", "users/u1/devices/+/rpc/request"))
	assert.False(t, deviceOwnsTopic("d1", "users/#/devices/d1/rpc/request"))
	assert.False(t, deviceOwnsTopic("d1", "users/u1/devices/d1"))
	assert.False(t, deviceOwnsTopic("d1", "admin/devices/d1/rpc/request"))
	assert.False(t, deviceOwnsTopic("d1", "users/u1/things/d1/rpc/request"))
}
