package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu        sync.Mutex
	queue     []db.Command
	claimed   map[string]bool
	completed []string
	failed    map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{claimed: make(map[string]bool), failed: make(map[string]string)}
}

func (s *fakeStore) PendingCommands(_ context.Context, _ string) ([]db.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.Command, len(s.queue))
	copy(out, s.queue)
	return out, nil
}

func (s *fakeStore) TryClaim(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed[id] {
		return false, nil
	}
	s.claimed[id] = true
	return true, nil
}

func (s *fakeStore) CompleteCommand(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, id)
	return nil
}

func (s *fakeStore) FailCommand(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = reason
	return nil
}

type fakeParams struct {
	mu        sync.Mutex
	writes    map[string]float64
	direct    map[uint16]float64
	resolveID string
}

func (p *fakeParams) ResolveForCommand(cmd db.Command) (db.Parameter, error) {
	if p.resolveID == "" {
		return db.Parameter{}, ErrMissingTarget
	}
	return db.Parameter{ID: p.resolveID}, nil
}

func (p *fakeParams) Write(_ context.Context, id string, value float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writes == nil {
		p.writes = make(map[string]float64)
	}
	p.writes[id] = value
	return nil
}

func (p *fakeParams) WriteDirect(_ context.Context, addr uint16, _ db.DataType, value float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.direct == nil {
		p.direct = make(map[uint16]float64)
	}
	p.direct[addr] = value
	return nil
}

type fakeValves struct {
	mu      sync.Mutex
	control []string
	purged  bool
}

func (v *fakeValves) ControlValve(_ context.Context, n int, state bool, durationMS int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.control = append(v.control, "valve")
	return nil
}

func (v *fakeValves) ExecutePurge(_ context.Context, durationMS int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.purged = true
	return nil
}

type fakeRecipe struct {
	started    string
	cancelled  bool
}

func (r *fakeRecipe) Start(_ context.Context, recipeID, operatorID string) error {
	r.started = recipeID
	return nil
}

func (r *fakeRecipe) Cancel() {
	r.cancelled = true
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDispatcherDedupesAcrossPollAndPush(t *testing.T) {
	store := newFakeStore()
	store.queue = []db.Command{{ID: "c1", Kind: db.KindOpenValve, Payload: json.RawMessage(`{"valve_number":1}`)}}

	valves := &fakeValves{}
	d := New(store, &fakeParams{}, valves, &fakeRecipe{}, "machine-1", 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.completed) == 1
	})

	d.Notify(ctx)
	d.Notify(ctx)
	time.Sleep(50 * time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.completed, 1, "the same command id must execute at most once")
}

func TestDispatcherRoutesSetParameterByExplicitAddress(t *testing.T) {
	store := newFakeStore()
	addr := uint16(42)
	store.queue = []db.Command{{ID: "c2", Kind: db.KindSetParameter, WriteModbusAddress: &addr, TargetValue: 12.5}}

	params := &fakeParams{}
	d := New(store, params, &fakeValves{}, &fakeRecipe{}, "machine-1", 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.completed) == 1
	})

	params.mu.Lock()
	defer params.mu.Unlock()
	assert.Equal(t, 12.5, params.direct[42])
}

func TestDispatcherFailsCommandWithNoResolvableTarget(t *testing.T) {
	store := newFakeStore()
	store.queue = []db.Command{{ID: "c3", Kind: db.KindSetParameter, TargetValue: 1}}

	d := New(store, &fakeParams{}, &fakeValves{}, &fakeRecipe{}, "machine-1", 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		_, ok := store.failed["c3"]
		return ok
	})
}

func TestDispatcherStopRecipeCancels(t *testing.T) {
	store := newFakeStore()
	store.queue = []db.Command{{ID: "c4", Kind: db.KindStopRecipe}}

	recipe := &fakeRecipe{}
	d := New(store, &fakeParams{}, &fakeValves{}, recipe, "machine-1", 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	waitFor(t, func() bool { return recipe.cancelled })
	require.True(t, recipe.cancelled)
}

type fakeCommandHook struct {
	mu       sync.Mutex
	statuses map[string]db.CommandStatus
}

func newFakeCommandHook() *fakeCommandHook {
	return &fakeCommandHook{statuses: make(map[string]db.CommandStatus)}
}

func (h *fakeCommandHook) OnCommandFinished(_ context.Context, c db.Command, status db.CommandStatus, _ string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses[c.ID] = status
}

func TestDispatcherNotifiesCommandHookOnTerminalStatus(t *testing.T) {
	store := newFakeStore()
	store.queue = []db.Command{
		{ID: "c5", Kind: db.KindSetParameter, TargetValue: 1},
		{ID: "c6", Kind: db.KindOpenValve, Payload: json.RawMessage(`{"valve_number":1}`)},
	}

	hook := newFakeCommandHook()
	d := New(store, &fakeParams{}, &fakeValves{}, &fakeRecipe{}, "machine-1", 10*time.Millisecond, nil)
	d.AddHook(hook)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	waitFor(t, func() bool {
		hook.mu.Lock()
		defer hook.mu.Unlock()
		return len(hook.statuses) == 2
	})

	hook.mu.Lock()
	defer hook.mu.Unlock()
	assert.Equal(t, db.CommandFailed, hook.statuses["c5"], "no resolvable target must surface as failed")
	assert.Equal(t, db.CommandCompleted, hook.statuses["c6"])
}
