package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/db"
	"go.uber.org/zap"
)

// ErrMissingTarget is the validation failure for a set_parameter command
// that names no resolvable target.
var ErrMissingTarget = errors.New("missing_target")

// Store is the subset of the persistence adapter the dispatcher needs.
type Store interface {
	PendingCommands(ctx context.Context, machineID string) ([]db.Command, error)
	TryClaim(ctx context.Context, id string) (bool, error)
	CompleteCommand(ctx context.Context, id string) error
	FailCommand(ctx context.Context, id, reason string) error
}

// ParameterWriter is the registry surface the dispatcher needs for
// set_parameter commands.
type ParameterWriter interface {
	ResolveForCommand(cmd db.Command) (db.Parameter, error)
	Write(ctx context.Context, id string, value float64) error
	WriteDirect(ctx context.Context, addr uint16, dataType db.DataType, value float64) error
}

// ValveController is the valve/purge surface the dispatcher routes to.
type ValveController interface {
	ControlValve(ctx context.Context, n int, state bool, durationMS int) error
	ExecutePurge(ctx context.Context, durationMS int) error
}

// RecipeRunner is the executor surface the dispatcher routes to.
type RecipeRunner interface {
	Start(ctx context.Context, recipeID, operatorID string) error
	Cancel()
}

// valvePayload, purgePayload, and recipePayload carry the kind-specific
// fields that ride along in a command's JSON payload column.
type valvePayload struct {
	ValveNumber int `json:"valve_number"`
	DurationMS  int `json:"duration_ms"`
}

type purgePayload struct {
	DurationMS int `json:"duration_ms"`
}

type recipePayload struct {
	RecipeID   string `json:"recipe_id"`
	OperatorID string `json:"operator_id"`
}

// CommandHook is notified, best-effort, when a dispatched command
// reaches a terminal status. Lets the diagnostics WebSocket hub observe
// command outcomes without the dispatcher importing it directly.
type CommandHook interface {
	OnCommandFinished(ctx context.Context, c db.Command, status db.CommandStatus, errMsg string)
}

// Dispatcher drains a deduplicated command queue fed by polling and push
// subscription sources, routing each command to its kind handler with a
// conditional pending->processing claim.
type Dispatcher struct {
	store  Store
	params ParameterWriter
	valves ValveController
	recipe RecipeRunner
	log    *zap.Logger

	machineID    string
	pollInterval time.Duration

	mu      sync.Mutex
	seen    map[string]struct{}
	pending chan db.Command
	hooks   []CommandHook
}

// AddHook registers a best-effort command-completion subscriber.
func (d *Dispatcher) AddHook(h CommandHook) {
	d.hooks = append(d.hooks, h)
}

func (d *Dispatcher) notifyFinished(ctx context.Context, c db.Command, status db.CommandStatus, errMsg string) {
	for _, h := range d.hooks {
		h.OnCommandFinished(ctx, c, status, errMsg)
	}
}

// New constructs a Dispatcher. pollInterval is the poller cadence;
// external push sources call Notify to wake an immediate poll.
func New(store Store, params ParameterWriter, valves ValveController, recipe RecipeRunner, machineID string, pollInterval time.Duration, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Dispatcher{
		store:        store,
		params:       params,
		valves:       valves,
		recipe:       recipe,
		log:          log,
		machineID:    machineID,
		pollInterval: pollInterval,
		seen:         make(map[string]struct{}),
		pending:      make(chan db.Command, 256),
	}
}

// SetPollInterval updates the poller cadence at runtime (fed by config
// live reload).
func (d *Dispatcher) SetPollInterval(interval time.Duration) {
	if interval > 0 {
		d.mu.Lock()
		d.pollInterval = interval
		d.mu.Unlock()
	}
}

// Run starts the poller and the serial drain loop. Both stop when ctx is
// cancelled. Commands are drained and handled one at a time — no two
// command handlers run concurrently.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		d.pollLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		d.drainLoop(ctx)
	}()

	wg.Wait()
}

func (d *Dispatcher) pollLoop(ctx context.Context) {
	for {
		d.poll(ctx)

		d.mu.Lock()
		interval := d.pollInterval
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	cmds, err := d.store.PendingCommands(ctx, d.machineID)
	if err != nil {
		d.log.Error("polling pending commands failed", zap.Error(err))
		return
	}
	for _, c := range cmds {
		d.enqueue(c)
	}
}

// Notify is called by a push source (LISTEN/NOTIFY, cloud tunnel) with a
// hint that something changed. The payload is never trusted as the
// command itself; it only triggers an immediate poll.
func (d *Dispatcher) Notify(ctx context.Context) {
	d.poll(ctx)
}

// enqueue adds a command to the in-process queue, deduplicating by id
// across the poll and push paths. At-most-one execution per id.
func (d *Dispatcher) enqueue(c db.Command) {
	d.mu.Lock()
	if _, ok := d.seen[c.ID]; ok {
		d.mu.Unlock()
		return
	}
	d.seen[c.ID] = struct{}{}
	d.mu.Unlock()

	select {
	case d.pending <- c:
	default:
		d.log.Warn("dispatcher queue full, dropping duplicate-safe re-poll will recover it", zap.String("command_id", c.ID))
		d.mu.Lock()
		delete(d.seen, c.ID)
		d.mu.Unlock()
	}
}

func (d *Dispatcher) drainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-d.pending:
			d.handle(ctx, c)
		}
	}
}

// handle claims, executes, and writes back the terminal status for one
// command. A command that fails mid-execution after writing to the PLC
// is still marked failed; PLC side effects are never rolled back.
func (d *Dispatcher) handle(ctx context.Context, c db.Command) {
	claimed, err := d.store.TryClaim(ctx, c.ID)
	if err != nil {
		d.log.Error("claiming command failed", zap.String("command_id", c.ID), zap.Error(err))
		return
	}
	if !claimed {
		return
	}

	log := d.log.With(zap.String("command_id", c.ID), zap.String("kind", string(c.Kind)))
	log.Info("dispatching command")

	if err := d.route(ctx, c); err != nil {
		log.Warn("command failed", zap.Error(err))
		if ferr := d.store.FailCommand(ctx, c.ID, err.Error()); ferr != nil {
			log.Error("writing failed status failed", zap.Error(ferr))
		}
		d.notifyFinished(ctx, c, db.CommandFailed, err.Error())
		return
	}

	if err := d.store.CompleteCommand(ctx, c.ID); err != nil {
		log.Error("writing completed status failed", zap.Error(err))
	}
	d.notifyFinished(ctx, c, db.CommandCompleted, "")
}

func (d *Dispatcher) route(ctx context.Context, c db.Command) error {
	switch c.Kind {
	case db.KindSetParameter:
		return d.handleSetParameter(ctx, c)
	case db.KindOpenValve:
		return d.handleValve(ctx, c, true, 0)
	case db.KindCloseValve:
		return d.handleValve(ctx, c, false, 0)
	case db.KindPulseValve:
		return d.handlePulseValve(ctx, c)
	case db.KindPurge:
		return d.handlePurge(ctx, c)
	case db.KindStartRecipe:
		return d.handleStartRecipe(ctx, c)
	case db.KindStopRecipe:
		d.recipe.Cancel()
		return nil
	default:
		return fmt.Errorf("unknown command kind %q", c.Kind)
	}
}

func (d *Dispatcher) handleSetParameter(ctx context.Context, c db.Command) error {
	if c.WriteModbusAddress != nil {
		dt := db.DataFloat32
		if c.DataType != nil {
			dt = *c.DataType
		}
		return d.params.WriteDirect(ctx, *c.WriteModbusAddress, dt, c.TargetValue)
	}

	p, err := d.params.ResolveForCommand(c)
	if err != nil {
		return ErrMissingTarget
	}
	return d.params.Write(ctx, p.ID, c.TargetValue)
}

func (d *Dispatcher) handleValve(ctx context.Context, c db.Command, state bool, durationMS int) error {
	payload := parseValvePayload(c)
	if durationMS == 0 {
		durationMS = payload.DurationMS
	}
	return d.valves.ControlValve(ctx, payload.ValveNumber, state, durationMS)
}

func (d *Dispatcher) handlePulseValve(ctx context.Context, c db.Command) error {
	payload := parseValvePayload(c)
	return d.valves.ControlValve(ctx, payload.ValveNumber, true, payload.DurationMS)
}

func (d *Dispatcher) handlePurge(ctx context.Context, c db.Command) error {
	payload := parsePurgePayload(c)
	return d.valves.ExecutePurge(ctx, payload.DurationMS)
}

func (d *Dispatcher) handleStartRecipe(ctx context.Context, c db.Command) error {
	payload := parseRecipePayload(c)
	if payload.RecipeID == "" {
		return fmt.Errorf("start_recipe command missing recipe_id")
	}
	return d.recipe.Start(ctx, payload.RecipeID, payload.OperatorID)
}

func parseValvePayload(c db.Command) valvePayload {
	var p valvePayload
	_ = json.Unmarshal(c.Payload, &p)
	return p
}

func parsePurgePayload(c db.Command) purgePayload {
	var p purgePayload
	_ = json.Unmarshal(c.Payload, &p)
	return p
}

func parseRecipePayload(c db.Command) recipePayload {
	var p recipePayload
	_ = json.Unmarshal(c.Payload, &p)
	return p
}
