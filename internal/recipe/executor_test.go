package recipe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu         sync.Mutex
	recipe     *db.Recipe
	active     bool
	states     []db.ProcessExecutionState
	finishedAs db.ExecutionStatus
	finished   chan struct{}
}

func newFakeStore(r *db.Recipe) *fakeStore {
	return &fakeStore{recipe: r, finished: make(chan struct{}, 1)}
}

func (s *fakeStore) LoadRecipe(_ context.Context, id string) (*db.Recipe, error) {
	return s.recipe, nil
}

func (s *fakeStore) ActiveExecution(_ context.Context, _ string) (bool, error) {
	return s.active, nil
}

func (s *fakeStore) CreateExecution(_ context.Context, exec db.ProcessExecution, totalSteps int) (*db.ProcessExecutionState, error) {
	return &db.ProcessExecutionState{ExecutionID: exec.ID, TotalOverallSteps: totalSteps}, nil
}

func (s *fakeStore) UpdateExecutionState(_ context.Context, state db.ProcessExecutionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	return nil
}

func (s *fakeStore) FinishExecution(_ context.Context, _ string, status db.ExecutionStatus) error {
	s.mu.Lock()
	s.finishedAs = status
	s.mu.Unlock()
	select {
	case s.finished <- struct{}{}:
	default:
	}
	return nil
}

type fakeValves struct {
	mu     sync.Mutex
	opened []int
	closed []int
	purges int
}

func (v *fakeValves) ControlValve(_ context.Context, n int, state bool, _ int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if state {
		v.opened = append(v.opened, n)
	} else {
		v.closed = append(v.closed, n)
	}
	return nil
}

func (v *fakeValves) ExecutePurge(_ context.Context, _ int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.purges++
	return nil
}

type fakeParams struct {
	mu     sync.Mutex
	writes map[string]float64
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

func waitForFinish(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("execution did not finish in time")
	}
}

func TestExecutorRunsLoopStepsWithMultipliedStepCount(t *testing.T) {
	recipeRecipe := &db.Recipe{
		ID: "r1",
		Steps: []db.Step{
			{ID: "s1", Kind: db.StepValve, Valve: &db.ValveStepConfig{ValveNumber: 1, State: true}},
			{
				ID: "loop1", Kind: db.StepLoop,
				Loop: &db.LoopStepConfig{
					IterationCount: 3,
					Body: []db.Step{
						{ID: "s2", Kind: db.StepParameter, Parameter: &db.ParameterStepConfig{ParameterID: "p1", Value: 42}},
					},
				},
			},
		},
	}

	store := newFakeStore(recipeRecipe)
	valves := &fakeValves{}
	params := &fakeParams{}
	e := New(store, valves, params, "machine-1", nil)

	require.NoError(t, e.Start(context.Background(), "r1", "op-1"))
	waitForFinish(t, store.finished)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, db.ExecCompleted, store.finishedAs)

	last := store.states[len(store.states)-1]
	assert.Equal(t, 4, last.TotalOverallSteps, "1 valve step + 3 loop iterations")
	assert.Equal(t, 4, last.CurrentOverallStep)
}

func TestExecutorRejectsEmptyRecipe(t *testing.T) {
	recipeRecipe := &db.Recipe{ID: "r1", Steps: []db.Step{}}
	store := newFakeStore(recipeRecipe)
	e := New(store, &fakeValves{}, &fakeParams{}, "machine-1", nil)

	err := e.Start(context.Background(), "r1", "op-1")
	assert.ErrorIs(t, err, ErrEmptyRecipe)
	assert.False(t, e.Running())
}

func TestExecutorRejectsRecipeWithOnlyEmptyLoops(t *testing.T) {
	recipeRecipe := &db.Recipe{
		ID: "r1",
		Steps: []db.Step{
			{
				ID: "loop1", Kind: db.StepLoop,
				Loop: &db.LoopStepConfig{IterationCount: 5, Body: []db.Step{}},
			},
		},
	}
	store := newFakeStore(recipeRecipe)
	e := New(store, &fakeValves{}, &fakeParams{}, "machine-1", nil)

	err := e.Start(context.Background(), "r1", "op-1")
	assert.ErrorIs(t, err, ErrEmptyRecipe)
}

func TestExecutorRejectsConcurrentStart(t *testing.T) {
	recipeRecipe := &db.Recipe{
		ID: "r1",
		Steps: []db.Step{
			{ID: "s1", Kind: db.StepPurge, Purge: &db.PurgeStepConfig{DurationMS: 200}},
		},
	}
	store := newFakeStore(recipeRecipe)
	e := New(store, &fakeValves{}, &fakeParams{}, "machine-1", nil)

	require.NoError(t, e.Start(context.Background(), "r1", "op-1"))
	err := e.Start(context.Background(), "r1", "op-2")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	waitForFinish(t, store.finished)
}

func TestExecutorCancelClosesValvesBestEffort(t *testing.T) {
	recipeRecipe := &db.Recipe{
		ID: "r1",
		Steps: []db.Step{
			{ID: "s1", Kind: db.StepValve, Valve: &db.ValveStepConfig{ValveNumber: 2, State: true, DurationMS: 5000}},
		},
	}
	store := newFakeStore(recipeRecipe)
	valves := &fakeValves{}
	e := New(store, valves, &fakeParams{}, "machine-1", nil)

	require.NoError(t, e.Start(context.Background(), "r1", "op-1"))
	time.Sleep(50 * time.Millisecond)
	e.Cancel()
	waitForFinish(t, store.finished)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, db.ExecCancelled, store.finishedAs)

	valves.mu.Lock()
	defer valves.mu.Unlock()
	assert.Contains(t, valves.closed, 2, "cancellation best-effort closes any opened valve")
}
