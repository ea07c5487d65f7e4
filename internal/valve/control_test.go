package valve

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu     sync.Mutex
	writes map[string][]float64
	valves map[int]db.Parameter
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		writes: make(map[string][]float64),
		valves: make(map[int]db.Parameter),
	}
}

func (f *fakeRegistry) Write(_ context.Context, id string, value float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes[id] = append(f.writes[id], value)
	return nil
}

func (f *fakeRegistry) ValveByNumber(n int) (db.Parameter, error) {
	return f.valves[n], nil
}

func (f *fakeRegistry) lastWrite(id string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws := f.writes[id]
	if len(ws) == 0 {
		return -1
	}
	return ws[len(ws)-1]
}

func TestControlValvePulseAndDeferredClose(t *testing.T) {
	r := newFakeRegistry()
	r.valves[3] = db.Parameter{ID: "valve-3"}
	c := New(r, "purge-actuator", nil)
	defer c.Close()

	require.NoError(t, c.ControlValve(context.Background(), 3, true, 50))
	assert.Equal(t, float64(1), r.lastWrite("valve-3"))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, float64(0), r.lastWrite("valve-3"))
}

func TestExecutePurgeRejectsConcurrent(t *testing.T) {
	r := newFakeRegistry()
	c := New(r, "purge-actuator", nil)
	defer c.Close()

	require.NoError(t, c.ExecutePurge(context.Background(), 100))
	err := c.ExecutePurge(context.Background(), 100)
	assert.ErrorIs(t, err, ErrPurgeInFlight)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, float64(0), r.lastWrite("purge-actuator"))

	require.NoError(t, c.ExecutePurge(context.Background(), 10))
}

func TestControlValveWithoutDurationDoesNotSchedule(t *testing.T) {
	r := newFakeRegistry()
	r.valves[1] = db.Parameter{ID: "valve-1"}
	c := New(r, "purge-actuator", nil)
	defer c.Close()

	require.NoError(t, c.ControlValve(context.Background(), 1, true, 0))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, float64(1), r.lastWrite("valve-1"), "no auto-close scheduled without a duration")
}
