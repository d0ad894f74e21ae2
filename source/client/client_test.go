package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamenet/source/protocol"
)

func TestConnectRejectsInvalidConfig(t *testing.T) {
	cfg := protocol.DefaultConfig()
	cfg.Mtu = 0
	_, err := Connect("127.0.0.1:7777", cfg)
	assert.Error(t, err)
}

func TestConnectRejectsBadAddress(t *testing.T) {
	_, err := Connect("not-an-address:::", protocol.DefaultConfig())
	assert.Error(t, err)
}

func TestConnectStartsConnecting(t *testing.T) {
	cl, err := Connect("127.0.0.1:1", protocol.DefaultConfig())
	require.NoError(t, err)
	defer cl.Close()

	assert.Equal(t, protocol.StateConnecting, cl.State())
	assert.False(t, cl.IsConnected())
	assert.NotNil(t, cl.LocalAddr())
}

func TestSendBeforeConnectedFails(t *testing.T) {
	cl, err := Connect("127.0.0.1:1", protocol.DefaultConfig())
	require.NoError(t, err)
	defer cl.Close()

	assert.ErrorIs(t, cl.Send(0, []byte("too early")), protocol.ErrNotConnected)
}

func TestFreshSaltProperties(t *testing.T) {
	for i := 0; i < 100; i++ {
		salt := freshSalt(7)
		assert.NotZero(t, salt)
		assert.NotEqual(t, uint64(7), salt)
	}
}
