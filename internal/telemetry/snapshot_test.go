package telemetry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotEntryRoundTrip(t *testing.T) {
	entry := snapshotEntry{Component: "heater-1", Value: 212.5, At: 1700000000}

	body, err := json.Marshal(entry)
	require.NoError(t, err)

	var decoded snapshotEntry
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, entry, decoded)
}

func TestNewSnapshotCacheFailsWithoutRedis(t *testing.T) {
	// Connecting requires a live Redis instance, which this unit test
	// suite does not stand up; instead this asserts that the PING check
	// rejects an address with nothing listening.
	cfg := SnapshotConfig{Addr: "127.0.0.1:0"}
	_, err := NewSnapshotCache(cfg, nil)
	assert.Error(t, err, "no redis listening on port 0")
}
