package valve

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/db"
	"go.uber.org/zap"
)

// ErrPurgeInFlight is returned by ExecutePurge when a purge is already
// running; a second concurrent purge is rejected rather than queued.
var ErrPurgeInFlight = fmt.Errorf("purge already in progress")

// CoilWriter is the subset of the registry the controller needs.
type CoilWriter interface {
	Write(ctx context.Context, id string, value float64) error
	ValveByNumber(number int) (db.Parameter, error)
}

// Controller implements valve pulsing and purge sequencing (spec §4.D).
// Deferred closes run on the process's own goroutine scheduler and are
// cancelled as a group on Close, matching the executor's best-effort
// shutdown posture.
type Controller struct {
	r   CoilWriter
	log *zap.Logger

	purgeAddr   string // registry id of the purge actuator
	purgeInFlight atomic.Bool

	mu      sync.Mutex
	pending map[string]*time.Timer // valve parameter id -> scheduled close
	closed  bool
}

// New constructs a Controller. purgeParameterID names the registry
// parameter (coil or register) flagged as the purge actuator.
func New(r CoilWriter, purgeParameterID string, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		r:         r,
		purgeAddr: purgeParameterID,
		log:       log,
		pending:   make(map[string]*time.Timer),
	}
}

// ControlValve resolves valve n to its coil, writes state, and — when
// state is on and durationMS is non-zero — schedules a deferred close
// after durationMS. The deferred close is cancellable on Close and logs
// (never retries) on failure.
func (c *Controller) ControlValve(ctx context.Context, n int, state bool, durationMS int) error {
	p, err := c.r.ValveByNumber(n)
	if err != nil {
		return fmt.Errorf("resolving valve %d: %w", n, err)
	}

	value := 0.0
	if state {
		value = 1
	}
	if err := c.r.Write(ctx, p.ID, value); err != nil {
		return fmt.Errorf("writing valve %d: %w", n, err)
	}

	if state && durationMS > 0 {
		c.scheduleClose(p.ID, n, durationMS)
	}
	return nil
}

func (c *Controller) scheduleClose(parameterID string, valveNumber, durationMS int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if existing, ok := c.pending[parameterID]; ok {
		existing.Stop()
	}

	timer := time.AfterFunc(time.Duration(durationMS)*time.Millisecond, func() {
		c.mu.Lock()
		delete(c.pending, parameterID)
		c.mu.Unlock()

		if err := c.r.Write(context.Background(), parameterID, 0); err != nil {
			c.log.Error("deferred valve close failed",
				zap.Int("valve_number", valveNumber), zap.Error(err))
		}
	})
	c.pending[parameterID] = timer
}

// ExecutePurge activates the purge actuator, returning as soon as the
// activation write succeeds; the deactivation runs as a scheduled task.
// A second concurrent purge is rejected with ErrPurgeInFlight.
func (c *Controller) ExecutePurge(ctx context.Context, durationMS int) error {
	if !c.purgeInFlight.CompareAndSwap(false, true) {
		return ErrPurgeInFlight
	}

	if err := c.r.Write(ctx, c.purgeAddr, 1); err != nil {
		c.purgeInFlight.Store(false)
		return fmt.Errorf("activating purge: %w", err)
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.purgeInFlight.Store(false)
		return nil
	}

	time.AfterFunc(time.Duration(durationMS)*time.Millisecond, func() {
		defer c.purgeInFlight.Store(false)
		if err := c.r.Write(context.Background(), c.purgeAddr, 0); err != nil {
			c.log.Error("purge deactivation failed", zap.Error(err))
		}
	})
	return nil
}

// PurgeInFlight reports whether a purge is currently active.
func (c *Controller) PurgeInFlight() bool {
	return c.purgeInFlight.Load()
}

// Close stops all pending deferred-close timers without running them,
// for best-effort cleanup on process shutdown; it does not close valves
// (the recipe executor does that explicitly on cancellation).
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, timer := range c.pending {
		timer.Stop()
		delete(c.pending, id)
	}
}
