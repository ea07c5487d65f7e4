package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFlusher struct {
	calls int32
}

func (f *fakeFlusher) Flush(_ context.Context) error {
	atomic.AddInt32(&f.calls, 1)
	return nil
}

type fakePruner struct {
	calls   int32
	deleted int64
}

func (f *fakePruner) Prune(_ context.Context) (int64, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.deleted, nil
}

func TestRegisterArchiveFlushRunsOnSchedule(t *testing.T) {
	s := New(nil)
	flusher := &fakeFlusher{}
	require.NoError(t, s.RegisterArchiveFlush(DefaultArchiveFlushCron, flusher))

	// robfig/cron's standard parser is minute-resolution; exercise the
	// job function directly instead of waiting a full minute in a test.
	entries := s.cron.Entries()
	require.Len(t, entries, 1)
	entries[0].Job.Run()
	assert.Equal(t, int32(1), atomic.LoadInt32(&flusher.calls))
}

func TestRegisterAuditPruneRunsOnSchedule(t *testing.T) {
	s := New(nil)
	pruner := &fakePruner{deleted: 3}
	require.NoError(t, s.RegisterAuditPrune(DefaultAuditPruneCron, pruner))

	entries := s.cron.Entries()
	require.Len(t, entries, 1)
	entries[0].Job.Run()
	assert.Equal(t, int32(1), atomic.LoadInt32(&pruner.calls))
}

func TestStartAndStop(t *testing.T) {
	s := New(nil)
	flusher := &fakeFlusher{}
	require.NoError(t, s.RegisterArchiveFlush("@every 10ms", flusher))
	s.Start()
	time.Sleep(50 * time.Millisecond)
	s.Stop()
	assert.GreaterOrEqual(t, atomic.LoadInt32(&flusher.calls), int32(1))
}
