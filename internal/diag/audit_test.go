package diag

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(path, 5, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Record(ctx, "command", "c1", map[string]string{"kind": "open_valve"})
	s.Record(ctx, "execution", "e1", map[string]string{"status": "completed"})

	events, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "execution", events[0].Kind, "most recent first")
	assert.Equal(t, "command", events[1].Kind)
}

func TestPruneKeepsOnlyMaxRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		s.Record(ctx, "command", "c", nil)
	}

	deleted, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), deleted)

	events, err := s.Recent(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, events, 5)
}
