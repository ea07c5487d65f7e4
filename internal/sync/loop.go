package sync

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/db"
	"go.uber.org/zap"
)

// Reader is the subset of the PLC transport the loop needs.
type Reader interface {
	ReadFloat32(ctx context.Context, addr uint16) (float32, error)
	ReadInt32(ctx context.Context, addr uint16) (int32, error)
	ReadInt16(ctx context.Context, addr uint16) (int16, error)
	ReadCoils(ctx context.Context, addr, count uint16) ([]bool, error)
	WriteFloat32(ctx context.Context, addr uint16, value float32) error
	WriteInt32(ctx context.Context, addr uint16, value int32) error
	WriteInt16(ctx context.Context, addr uint16, value int16) error
	WriteCoil(ctx context.Context, addr uint16, value bool) error
}

// Registry is the subset of the parameter registry the loop needs.
type Registry interface {
	ListReadable() []db.Parameter
	ListWritable() []db.Parameter
}

// Store is the subset of the persistence adapter the loop needs.
type Store interface {
	WriteCurrentValues(ctx context.Context, updates []db.CurrentValueUpdate) error
	WriteSetValue(ctx context.Context, id string, value float64) error
}

// TelemetrySink receives a best-effort per-tick fan-out. A tick never
// fails or blocks because of a sink error.
type TelemetrySink interface {
	RecordTick(ctx context.Context, samples []Sample, summary TickSummary)
}

// Sample is one parameter's value at tick time, fed to telemetry sinks.
type Sample struct {
	ParameterID string
	Component   string
	Value       float64
}

// TickSummary is published to the diagnostics/telemetry layer after
// every tick.
type TickSummary struct {
	At          time.Time
	ParamsRead  int
	Errors      int
	Duration    time.Duration
	Reconciled  int
}

// parameterState tracks enough history per writable parameter to
// distinguish a DB-initiated set-point edit from an externally-driven
// PLC edit (spec §4.E).
type parameterState struct {
	lastDBSet    float64
	lastPLCValue float64
	haveLast     bool
}

// Loop is the parameter synchronization loop: fixed-cadence read-all,
// batched DB write-back, and bidirectional set-point reconciliation.
type Loop struct {
	plc   Reader
	reg   Registry
	store Store
	log   *zap.Logger

	hz       float64
	sinks    []TelemetrySink
	state    map[string]*parameterState

	skipOverrun bool
	lastTick    atomic.Int64 // unix nanoseconds of the last completed tick
}

// New constructs a Loop at the given cadence (ticks per second).
func New(plc Reader, reg Registry, store Store, hz float64, log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	if hz <= 0 {
		hz = 1
	}
	return &Loop{
		plc:   plc,
		reg:   reg,
		store: store,
		hz:    hz,
		log:   log,
		state: make(map[string]*parameterState),
	}
}

// LastTick returns when the most recent tick completed, or the zero
// value before the loop has run once. Used to drive a freshness health
// check independent of whether the loop is merely slow or fully stuck.
func (l *Loop) LastTick() time.Time {
	nanos := l.lastTick.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// AddSink registers a best-effort telemetry sink fed from every tick.
func (l *Loop) AddSink(sink TelemetrySink) {
	l.sinks = append(l.sinks, sink)
}

// SetHZ updates the tick cadence at runtime (fed by config live reload).
func (l *Loop) SetHZ(hz float64) {
	if hz > 0 {
		l.hz = hz
	}
}

// Run blocks ticking at the loop's cadence until ctx is cancelled. Ticks
// never overlap: if a tick overruns its period, the next tick is
// skipped rather than queued, per the ordering guarantees in spec §5.
func (l *Loop) Run(ctx context.Context) {
	for {
		period := time.Duration(float64(time.Second) / l.hz)
		start := time.Now()

		if err := l.tick(ctx); err != nil {
			l.log.Error("sync tick failed", zap.Error(err))
		}

		elapsed := time.Since(start)
		wait := period - elapsed
		if wait <= 0 {
			l.log.Warn("sync tick overran its period; skipping to next boundary",
				zap.Duration("elapsed", elapsed), zap.Duration("period", period))
			wait = period
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// tick runs exactly one iteration: read-all, batched write-back,
// reconciliation, and best-effort telemetry.
func (l *Loop) tick(ctx context.Context) error {
	start := time.Now()
	readable := l.reg.ListReadable()

	updates := make([]db.CurrentValueUpdate, 0, len(readable))
	samples := make([]Sample, 0, len(readable))
	plcValues := make(map[string]float64, len(readable))
	errCount := 0

	for _, p := range readable {
		value, err := l.readParameter(ctx, p)
		if err != nil {
			l.log.Warn("sync read failed, skipping parameter this tick",
				zap.String("parameter_id", p.ID), zap.Error(err))
			errCount++
			continue
		}
		plcValues[p.ID] = value
		updates = append(updates, db.CurrentValueUpdate{ID: p.ID, Value: value})
		samples = append(samples, Sample{ParameterID: p.ID, Component: p.Component, Value: value})
	}

	if err := l.store.WriteCurrentValues(ctx, updates); err != nil {
		l.log.Error("batched current-value write failed", zap.Error(err))
	}

	reconciled := l.reconcile(ctx, plcValues)

	summary := TickSummary{
		At:         start,
		ParamsRead: len(updates),
		Errors:     errCount,
		Duration:   time.Since(start),
		Reconciled: reconciled,
	}
	for _, sink := range l.sinks {
		sink.RecordTick(ctx, samples, summary)
	}

	l.lastTick.Store(time.Now().UnixNano())
	return nil
}

func (l *Loop) readParameter(ctx context.Context, p db.Parameter) (float64, error) {
	addr := *p.ModbusReadAddr
	switch p.DataType {
	case db.DataFloat32:
		v, err := l.plc.ReadFloat32(ctx, addr)
		return float64(v), err
	case db.DataInt32:
		v, err := l.plc.ReadInt32(ctx, addr)
		return float64(v), err
	case db.DataInt16:
		v, err := l.plc.ReadInt16(ctx, addr)
		return float64(v), err
	case db.DataBinary:
		bits, err := l.plc.ReadCoils(ctx, addr, 1)
		if err != nil {
			return 0, err
		}
		if len(bits) > 0 && bits[0] {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, nil
	}
}

// reconcile walks every writable parameter and resolves DB-edit vs
// external-PLC-edit, per the tolerance rule in spec §4.E. On ambiguity
// (both changed since the last tick), the database write wins.
func (l *Loop) reconcile(ctx context.Context, plcValues map[string]float64) int {
	reconciled := 0
	for _, p := range l.reg.ListWritable() {
		plcValue, havePLC := plcValues[p.ID]
		if !havePLC {
			continue
		}

		st, ok := l.state[p.ID]
		if !ok {
			st = &parameterState{}
			l.state[p.ID] = st
		}

		if !st.haveLast {
			st.lastDBSet = p.SetValue
			st.lastPLCValue = plcValue
			st.haveLast = true
			continue
		}

		tol := tolerance(p)
		dbChanged := !withinTolerance(p.SetValue, st.lastDBSet, tol)
		plcChanged := !withinTolerance(plcValue, st.lastPLCValue, tol)
		dbDiffersFromPLC := !withinTolerance(p.SetValue, plcValue, tol)

		switch {
		case dbChanged && plcChanged:
			l.log.Warn("ambiguous set-point reconciliation, database wins",
				zap.String("parameter_id", p.ID),
				zap.Float64("db_set_value", p.SetValue),
				zap.Float64("plc_value", plcValue))
			l.pushDBToPLC(ctx, p)
			reconciled++
		case dbChanged && dbDiffersFromPLC:
			l.pushDBToPLC(ctx, p)
			reconciled++
		case !dbChanged && plcChanged && dbDiffersFromPLC:
			if err := l.store.WriteSetValue(ctx, p.ID, plcValue); err != nil {
				l.log.Error("writing external set-point capture failed",
					zap.String("parameter_id", p.ID), zap.Error(err))
			} else {
				reconciled++
			}
			st.lastDBSet = plcValue
		}

		st.lastPLCValue = plcValue
		if dbChanged {
			st.lastDBSet = p.SetValue
		}
	}
	return reconciled
}

func (l *Loop) pushDBToPLC(ctx context.Context, p db.Parameter) {
	if !p.Writable() {
		return
	}
	addr := *p.ModbusWriteAddr
	var err error
	switch p.DataType {
	case db.DataFloat32:
		err = l.plc.WriteFloat32(ctx, addr, float32(p.SetValue))
	case db.DataInt32:
		err = l.plc.WriteInt32(ctx, addr, int32(p.SetValue))
	case db.DataInt16:
		err = l.plc.WriteInt16(ctx, addr, int16(p.SetValue))
	case db.DataBinary:
		err = l.plc.WriteCoil(ctx, addr, p.SetValue > 0)
	}
	if err != nil {
		l.log.Error("pushing db set-point to plc failed",
			zap.String("parameter_id", p.ID), zap.Error(err))
	}
}

// tolerance implements max(1e-2, 1e-4*|set_value|) for floating-point
// parameters and exact equality for integers and coils.
func tolerance(p db.Parameter) float64 {
	if p.DataType == db.DataFloat32 {
		return math.Max(1e-2, 1e-4*math.Abs(p.SetValue))
	}
	return 0
}

func withinTolerance(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}
