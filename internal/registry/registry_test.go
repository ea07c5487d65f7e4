package registry

import (
	"context"
	"testing"

	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	floats map[uint16]float32
	ints   map[uint16]int32
	ints16 map[uint16]int16
	coils  map[uint16]bool
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{
		floats: make(map[uint16]float32),
		ints:   make(map[uint16]int32),
		ints16: make(map[uint16]int16),
		coils:  make(map[uint16]bool),
	}
}

func (w *fakeWriter) WriteFloat32(_ context.Context, addr uint16, value float32) error {
	w.floats[addr] = value
	return nil
}
func (w *fakeWriter) WriteInt32(_ context.Context, addr uint16, value int32) error {
	w.ints[addr] = value
	return nil
}
func (w *fakeWriter) WriteInt16(_ context.Context, addr uint16, value int16) error {
	w.ints16[addr] = value
	return nil
}
func (w *fakeWriter) WriteCoil(_ context.Context, addr uint16, value bool) error {
	w.coils[addr] = value
	return nil
}

func addr(v uint16) *uint16 { return &v }

func sampleParams() []db.Parameter {
	return []db.Parameter{
		{
			ID: "p-temp", Name: "Chamber Temp", DataType: db.DataFloat32, ModbusType: db.ModbusHolding,
			ModbusReadAddr: addr(10), ModbusWriteAddr: addr(10), Min: 0, Max: 100, IsWritable: true,
		},
		{
			ID: "p-valve3", Name: "Valve 3", DataType: db.DataBinary, ModbusType: db.ModbusCoil,
			ModbusReadAddr: addr(3), ModbusWriteAddr: addr(3), IsWritable: true,
		},
		{
			ID: "p-override", Name: "Gas Line A", DataType: db.DataBinary, ModbusType: db.ModbusCoil,
			ModbusReadAddr: addr(7), ModbusWriteAddr: addr(7), IsWritable: true, ValveNumber: intPtr(9),
		},
		{
			ID: "p-readonly", Name: "Pressure", DataType: db.DataFloat32, ModbusType: db.ModbusHolding,
			ModbusReadAddr: addr(20),
		},
		{
			ID: "p-cycle-count", Name: "Cycle Count", DataType: db.DataInt16, ModbusType: db.ModbusHolding,
			ModbusReadAddr: addr(30), ModbusWriteAddr: addr(30), Min: 0, Max: 32767, IsWritable: true,
		},
	}
}

func intPtr(v int) *int { return &v }

func TestWriteRejectsOutOfRange(t *testing.T) {
	w := newFakeWriter()
	r := New(w, nil)
	r.Load(sampleParams())

	err := r.Write(context.Background(), "p-temp", 150)
	assert.ErrorIs(t, err, ErrOutOfRange)

	err = r.Write(context.Background(), "p-temp", -1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestWriteAcceptsBoundaryValues(t *testing.T) {
	w := newFakeWriter()
	r := New(w, nil)
	r.Load(sampleParams())

	require.NoError(t, r.Write(context.Background(), "p-temp", 0))
	require.NoError(t, r.Write(context.Background(), "p-temp", 100))
	assert.Equal(t, float32(100), w.floats[10])
}

func TestWriteRejectsNotWritable(t *testing.T) {
	w := newFakeWriter()
	r := New(w, nil)
	r.Load(sampleParams())

	err := r.Write(context.Background(), "p-readonly", 5)
	assert.ErrorIs(t, err, ErrNotWritable)
}

func TestWriteRoutesInt16ThroughSingleRegisterPath(t *testing.T) {
	w := newFakeWriter()
	r := New(w, nil)
	r.Load(sampleParams())

	require.NoError(t, r.Write(context.Background(), "p-cycle-count", 42))
	assert.Equal(t, int16(42), w.ints16[30])
	assert.Empty(t, w.ints, "int16 write must not go through the 2-register int32 path")
}

func TestWriteDirectRoutesInt16ThroughSingleRegisterPath(t *testing.T) {
	w := newFakeWriter()
	r := New(w, nil)

	require.NoError(t, r.WriteDirect(context.Background(), 55, db.DataInt16, 7))
	assert.Equal(t, int16(7), w.ints16[55])
	assert.Empty(t, w.ints, "int16 write must not go through the 2-register int32 path")
}

func TestResolveForCommandPriority(t *testing.T) {
	w := newFakeWriter()
	r := New(w, nil)
	r.Load(sampleParams())

	id := "p-temp"
	cmd := db.Command{ComponentParameterID: &id}
	p, err := r.ResolveForCommand(cmd)
	require.NoError(t, err)
	assert.Equal(t, "p-temp", p.ID)

	name := "Valve 3"
	cmd2 := db.Command{ParameterName: &name}
	p2, err := r.ResolveForCommand(cmd2)
	require.NoError(t, err)
	assert.Equal(t, "p-valve3", p2.ID)

	_, err = r.ResolveForCommand(db.Command{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestValvesMatchByNameAndExplicitOverride(t *testing.T) {
	w := newFakeWriter()
	r := New(w, nil)
	r.Load(sampleParams())

	valves, err := r.Valves()
	require.NoError(t, err)

	byNumber := make(map[int]Valve)
	for _, v := range valves {
		byNumber[v.Number] = v
	}

	require.Contains(t, byNumber, 3)
	assert.Equal(t, "p-valve3", byNumber[3].ParameterID)

	require.Contains(t, byNumber, 9)
	assert.Equal(t, "p-override", byNumber[9].ParameterID, "explicit valve_number wins over name regex")
}
