package hal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatPulseTogglesState(t *testing.T) {
	s, err := NewRaspberryPiStatus(17, 27)
	require.NoError(t, err)
	defer s.Close()

	assert.False(t, s.heartbeatOn)
	require.NoError(t, s.HeartbeatPulse())
	assert.True(t, s.heartbeatOn)
	require.NoError(t, s.HeartbeatPulse())
	assert.False(t, s.heartbeatOn)
}

func TestEStopAssertedDoesNotError(t *testing.T) {
	s, err := NewRaspberryPiStatus(17, 27)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.EStopAsserted()
	assert.NoError(t, err)
}
