package recipe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/db"
	"go.uber.org/zap"
)

// ErrAlreadyRunning enforces the single-active-execution invariant per
// machine.
var ErrAlreadyRunning = fmt.Errorf("an execution is already active on this machine")

// ErrEmptyRecipe is returned by Start when the recipe has no steps to
// run; validation fails before an execution row is ever created.
var ErrEmptyRecipe = fmt.Errorf("recipe has zero steps")

// Store is the subset of the persistence adapter the executor needs.
type Store interface {
	LoadRecipe(ctx context.Context, id string) (*db.Recipe, error)
	ActiveExecution(ctx context.Context, machineID string) (bool, error)
	CreateExecution(ctx context.Context, exec db.ProcessExecution, totalSteps int) (*db.ProcessExecutionState, error)
	UpdateExecutionState(ctx context.Context, state db.ProcessExecutionState) error
	FinishExecution(ctx context.Context, id string, status db.ExecutionStatus) error
}

// Valves is the valve/purge surface the executor drives.
type Valves interface {
	ControlValve(ctx context.Context, n int, state bool, durationMS int) error
	ExecutePurge(ctx context.Context, durationMS int) error
}

// Parameters is the registry write surface the executor drives.
type Parameters interface {
	Write(ctx context.Context, id string, value float64) error
}

// CompletionHook is notified, best-effort, when an execution reaches a
// terminal state. Used to fan out to the audit trail and the diagnostics
// hub without letting a slow subscriber stall the executor.
type CompletionHook interface {
	OnExecutionFinished(ctx context.Context, exec db.ProcessExecution)
}

// Executor runs one recipe's step tree at a time. It is not safe for
// concurrent Start calls from multiple machines; one Executor serves one
// machine, matching the agent's single-PLC-connection design.
type Executor struct {
	store  Store
	valves Valves
	params Parameters
	log    *zap.Logger

	machineID string
	hooks     []CompletionHook
	hookCh    chan db.ProcessExecution

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// New constructs an Executor for one machine.
func New(store Store, valves Valves, params Parameters, machineID string, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Executor{
		store:     store,
		valves:    valves,
		params:    params,
		machineID: machineID,
		log:       log,
		hookCh:    make(chan db.ProcessExecution, 32),
	}
	go e.runHooks()
	return e
}

// AddHook registers a best-effort completion subscriber.
func (e *Executor) AddHook(h CompletionHook) {
	e.hooks = append(e.hooks, h)
}

func (e *Executor) runHooks() {
	for exec := range e.hookCh {
		for _, h := range e.hooks {
			h.OnExecutionFinished(context.Background(), exec)
		}
	}
}

func (e *Executor) notifyFinished(exec db.ProcessExecution) {
	select {
	case e.hookCh <- exec:
	default:
		e.log.Warn("execution completion hook channel full, dropping oldest notification",
			zap.String("execution_id", exec.ID))
		select {
		case <-e.hookCh:
		default:
		}
		select {
		case e.hookCh <- exec:
		default:
		}
	}
}

// Start loads the named recipe and runs it to completion on its own
// goroutine. It returns once the execution row is created; the recipe
// itself runs asynchronously.
func (e *Executor) Start(ctx context.Context, recipeID, operatorID string) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.mu.Unlock()

	active, err := e.store.ActiveExecution(ctx, e.machineID)
	if err != nil {
		return fmt.Errorf("checking active execution: %w", err)
	}
	if active {
		return ErrAlreadyRunning
	}

	r, err := e.store.LoadRecipe(ctx, recipeID)
	if err != nil {
		return fmt.Errorf("loading recipe %s: %w", recipeID, err)
	}

	total := countSteps(r.Steps)
	if total == 0 {
		return fmt.Errorf("recipe %s: %w", recipeID, ErrEmptyRecipe)
	}

	exec := db.ProcessExecution{
		ID:         newExecutionID(),
		RecipeID:   recipeID,
		MachineID:  e.machineID,
		Status:     db.ExecPreparing,
		StartedAt:  time.Now(),
		OperatorID: operatorID,
	}
	state, err := e.store.CreateExecution(ctx, exec, total)
	if err != nil {
		return fmt.Errorf("creating execution: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.running = true
	e.cancel = cancel
	e.mu.Unlock()

	go e.run(runCtx, exec, r, state)
	return nil
}

// Cancel requests the running execution stop at the next step boundary
// and interrupts any in-progress sleep. It is a no-op if nothing is
// running.
func (e *Executor) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// Running reports whether an execution is currently in flight.
func (e *Executor) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Executor) run(ctx context.Context, exec db.ProcessExecution, r *db.Recipe, state *db.ProcessExecutionState) {
	log := e.log.With(zap.String("execution_id", exec.ID), zap.String("recipe_id", exec.RecipeID))
	defer func() {
		e.mu.Lock()
		e.running = false
		e.cancel = nil
		e.mu.Unlock()
	}()

	exec.Status = db.ExecRunning
	progress := &stepProgress{total: state.TotalOverallSteps}

	err := e.runSteps(ctx, log, r.Steps, exec.ID, progress)

	status := db.ExecCompleted
	switch {
	case ctx.Err() != nil:
		status = db.ExecCancelled
		e.bestEffortCloseValves(log, r.Steps)
	case err != nil:
		status = db.ExecFailed
		log.Error("recipe execution failed", zap.Error(err))
	}

	if ferr := e.store.FinishExecution(context.Background(), exec.ID, status); ferr != nil {
		log.Error("writing terminal execution status failed", zap.Error(ferr))
	}

	exec.Status = status
	now := time.Now()
	exec.CompletedAt = &now
	e.notifyFinished(exec)
}

// bestEffortCloseValves closes every valve step anywhere in the tree on
// cancellation. Failures are logged, never retried, and never block
// process shutdown.
func (e *Executor) bestEffortCloseValves(log *zap.Logger, steps []db.Step) {
	for _, st := range steps {
		switch st.Kind {
		case db.StepValve:
			if err := e.valves.ControlValve(context.Background(), st.Valve.ValveNumber, false, 0); err != nil {
				log.Warn("best-effort valve close on cancel failed",
					zap.Int("valve_number", st.Valve.ValveNumber), zap.Error(err))
			}
		case db.StepLoop:
			e.bestEffortCloseValves(log, st.Loop.Body)
		}
	}
}

// stepProgress tracks overall step count across nested loop bodies so
// progress_percentage reflects the flattened, loop-multiplied total.
type stepProgress struct {
	done  int
	total int
}

func (p *stepProgress) percent() float64 {
	if p.total == 0 {
		return 0
	}
	return 100 * float64(p.done) / float64(p.total)
}

// runSteps executes a step list depth-first, returning on the first
// error or on context cancellation (checked before every step so a
// cancel lands at a step boundary, not mid-write).
func (e *Executor) runSteps(ctx context.Context, log *zap.Logger, steps []db.Step, executionID string, progress *stepProgress) error {
	for i := range steps {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.runStep(ctx, log, &steps[i], executionID, progress); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runStep(ctx context.Context, log *zap.Logger, st *db.Step, executionID string, progress *stepProgress) error {
	switch st.Kind {
	case db.StepLoop:
		for iter := 0; iter < st.Loop.IterationCount; iter++ {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			i := iter
			state := db.ProcessExecutionState{
				ExecutionID:        executionID,
				CurrentStepID:      &st.ID,
				CurrentOverallStep: progress.done,
				TotalOverallSteps:  progress.total,
				ProgressPercentage: progress.percent(),
				LoopIteration:      &i,
				StepStartTime:      timePtr(time.Now()),
			}
			if err := e.store.UpdateExecutionState(ctx, state); err != nil {
				log.Error("updating execution state failed", zap.Error(err))
			}
			if err := e.runSteps(ctx, log, st.Loop.Body, executionID, progress); err != nil {
				return err
			}
		}
		return nil
	default:
		progress.done++
		state := db.ProcessExecutionState{
			ExecutionID:        executionID,
			CurrentStepID:      &st.ID,
			CurrentOverallStep: progress.done,
			TotalOverallSteps:  progress.total,
			ProgressPercentage: progress.percent(),
			StepStartTime:      timePtr(time.Now()),
		}
		if err := e.store.UpdateExecutionState(ctx, state); err != nil {
			log.Error("updating execution state failed", zap.Error(err))
		}
		return e.execLeaf(ctx, st)
	}
}

func (e *Executor) execLeaf(ctx context.Context, st *db.Step) error {
	switch st.Kind {
	case db.StepValve:
		dur := st.Valve.DurationMS
		if err := e.valves.ControlValve(ctx, st.Valve.ValveNumber, st.Valve.State, dur); err != nil {
			return fmt.Errorf("step %s: valve %d: %w", st.ID, st.Valve.ValveNumber, err)
		}
		if dur > 0 {
			return sleepInterruptible(ctx, time.Duration(dur)*time.Millisecond)
		}
		return nil
	case db.StepPurge:
		if err := e.valves.ExecutePurge(ctx, st.Purge.DurationMS); err != nil {
			return fmt.Errorf("step %s: purge: %w", st.ID, err)
		}
		return sleepInterruptible(ctx, time.Duration(st.Purge.DurationMS)*time.Millisecond)
	case db.StepParameter:
		if err := e.params.Write(ctx, st.Parameter.ParameterID, st.Parameter.Value); err != nil {
			return fmt.Errorf("step %s: parameter %s: %w", st.ID, st.Parameter.ParameterID, err)
		}
		return nil
	default:
		return fmt.Errorf("step %s: unknown kind %q", st.ID, st.Kind)
	}
}

// sleepInterruptible blocks for d or until ctx is cancelled, whichever
// comes first, so a cancellation lands immediately rather than waiting
// out the remainder of a step's duration.
func sleepInterruptible(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// countSteps flattens the step tree into the total number of leaf
// executions, multiplying loop bodies by their iteration count (nested
// loops multiply recursively).
func countSteps(steps []db.Step) int {
	total := 0
	for _, st := range steps {
		if st.Kind == db.StepLoop {
			total += st.Loop.IterationCount * countSteps(st.Loop.Body)
		} else {
			total++
		}
	}
	return total
}

func timePtr(t time.Time) *time.Time { return &t }

var executionSeq int64

// newExecutionID derives a process-local, time-ordered identifier. The
// database's own primary key remains authoritative; this just needs to
// be unique enough to correlate logs for one run.
func newExecutionID() string {
	executionSeq++
	return fmt.Sprintf("exec-%d-%d", time.Now().UnixNano(), executionSeq)
}
