package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/db"
	"go.uber.org/zap"
)

// ErrNotWritable is returned by Write when the parameter has no write
// address or is flagged not writable.
var ErrNotWritable = fmt.Errorf("parameter not writable")

// ErrOutOfRange is returned by Write when value falls outside [min, max].
var ErrOutOfRange = fmt.Errorf("value out of range")

// ErrNotFound is returned when a lookup by id or name fails.
var ErrNotFound = fmt.Errorf("parameter not found")

// Writer is the subset of the PLC transport the registry needs to
// dispatch a typed write. internal/modbus.Transport satisfies it.
type Writer interface {
	WriteFloat32(ctx context.Context, addr uint16, value float32) error
	WriteInt32(ctx context.Context, addr uint16, value int32) error
	WriteInt16(ctx context.Context, addr uint16, value int16) error
	WriteCoil(ctx context.Context, addr uint16, value bool) error
}

// Registry is the in-memory catalog of addressable parameters, owned
// exclusively by it for the process lifetime. It is read-mostly after
// startup; Load acquires an exclusive lock to rebuild the map on
// reconnect or reconfiguration.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]db.Parameter
	byName  map[string][]string // name -> ids, to detect non-unique names
	writer  Writer
	log     *zap.Logger
}

// New constructs an empty registry. Load must be called before use.
func New(writer Writer, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		byID:   make(map[string]db.Parameter),
		byName: make(map[string][]string),
		writer: writer,
		log:    log,
	}
}

// Load replaces the registry's contents from a freshly queried
// parameter set. Safe to call again later (reconnect, reconfiguration)
// since it swaps the maps under an exclusive lock.
func (r *Registry) Load(params []db.Parameter) {
	byID := make(map[string]db.Parameter, len(params))
	byName := make(map[string][]string)

	for _, p := range params {
		byID[p.ID] = p
		byName[p.Name] = append(byName[p.Name], p.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = byID
	r.byName = byName
}

// Get returns the parameter by id.
func (r *Registry) Get(id string) (db.Parameter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return p, ok
}

// GetByName returns the parameter by name, warning on every call whose
// name resolves to more than one parameter (legacy data is not
// guaranteed unique).
func (r *Registry) GetByName(name string) (db.Parameter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids, ok := r.byName[name]
	if !ok || len(ids) == 0 {
		return db.Parameter{}, false
	}
	if len(ids) > 1 {
		r.log.Warn("parameter name is not unique, using first match",
			zap.String("name", name), zap.Int("candidates", len(ids)))
	}
	return r.byID[ids[0]], true
}

// ListReadable returns every parameter with a PLC read address.
func (r *Registry) ListReadable() []db.Parameter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]db.Parameter, 0, len(r.byID))
	for _, p := range r.byID {
		if p.Readable() {
			out = append(out, p)
		}
	}
	return out
}

// ListWritable returns every parameter eligible for a direct write.
func (r *Registry) ListWritable() []db.Parameter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]db.Parameter, 0, len(r.byID))
	for _, p := range r.byID {
		if p.Writable() {
			out = append(out, p)
		}
	}
	return out
}

// ResolveForCommand implements the set_parameter resolution priority:
// explicit write address on the command bypasses the registry entirely;
// otherwise resolve by component_parameter_id, then by parameter_name.
// Returns ErrNotFound (mapped by the caller to "missing_target") when
// none apply.
func (r *Registry) ResolveForCommand(cmd db.Command) (db.Parameter, error) {
	if cmd.ComponentParameterID != nil {
		p, ok := r.Get(*cmd.ComponentParameterID)
		if !ok {
			return db.Parameter{}, ErrNotFound
		}
		return p, nil
	}
	if cmd.ParameterName != nil {
		p, ok := r.GetByName(*cmd.ParameterName)
		if !ok {
			return db.Parameter{}, ErrNotFound
		}
		return p, nil
	}
	return db.Parameter{}, ErrNotFound
}

// Write validates and applies a value to a registry-resolved parameter.
// Range and writability are checked before any Modbus I/O is issued.
func (r *Registry) Write(ctx context.Context, id string, value float64) error {
	p, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	return r.writeParameter(ctx, p, value)
}

func (r *Registry) writeParameter(ctx context.Context, p db.Parameter, value float64) error {
	if !p.Writable() {
		return ErrNotWritable
	}
	if p.DataType != db.DataBinary && (value < p.Min || value > p.Max) {
		return ErrOutOfRange
	}

	addr := *p.ModbusWriteAddr
	switch p.DataType {
	case db.DataFloat32:
		return r.writer.WriteFloat32(ctx, addr, float32(value))
	case db.DataInt32:
		return r.writer.WriteInt32(ctx, addr, int32(value))
	case db.DataInt16:
		return r.writer.WriteInt16(ctx, addr, int16(value))
	case db.DataBinary:
		return r.writer.WriteCoil(ctx, addr, value > 0)
	default:
		return fmt.Errorf("unsupported data type %q", p.DataType)
	}
}

// WriteDirect bypasses registry resolution entirely, used when a command
// carries an explicit write_modbus_address — it writes straight to the
// address using the data type given on the command payload.
func (r *Registry) WriteDirect(ctx context.Context, addr uint16, dataType db.DataType, value float64) error {
	switch dataType {
	case db.DataFloat32:
		return r.writer.WriteFloat32(ctx, addr, float32(value))
	case db.DataInt32:
		return r.writer.WriteInt32(ctx, addr, int32(value))
	case db.DataInt16:
		return r.writer.WriteInt16(ctx, addr, int16(value))
	case db.DataBinary:
		return r.writer.WriteCoil(ctx, addr, value > 0)
	default:
		return fmt.Errorf("unsupported data type %q", dataType)
	}
}
