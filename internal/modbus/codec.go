package modbus

import (
	"encoding/binary"
	"math"
	"sync"
)

// ByteOrder names the four supported 32-bit word/byte layouts. The PLC's
// registers are always 16-bit; a 32-bit float or int occupies two
// consecutive registers, and the order in which their bytes and words are
// combined is a per-deployment configuration constant, not something the
// codec can detect from the wire.
type ByteOrder string

const (
	OrderABCD ByteOrder = "abcd" // big-endian
	OrderBADC ByteOrder = "badc" // word-swapped big-endian
	OrderCDAB ByteOrder = "cdab" // byte-swapped little-endian
	OrderDCBA ByteOrder = "dcba" // little-endian
)

var warnUnknownOrderOnce sync.Once

// onUnknownOrder is called the first time an unrecognized ByteOrder value
// is used; tests override it to observe the warn-once behavior without a
// logger dependency.
var onUnknownOrder = func(order ByteOrder) {}

// normalize defaults unknown orders to badc, warning exactly once per
// process regardless of how many distinct unknown strings are seen.
func normalize(order ByteOrder) ByteOrder {
	switch order {
	case OrderABCD, OrderBADC, OrderCDAB, OrderDCBA:
		return order
	default:
		warnUnknownOrderOnce.Do(func() {
			onUnknownOrder(order)
		})
		return OrderBADC
	}
}

// EncodeFloat32 packs a 32-bit float into two holding registers in the
// given byte order. registers[0] is written at the lower address.
func EncodeFloat32(v float32, order ByteOrder) [2]uint16 {
	bits := math.Float32bits(v)
	return encodeWords(bits, order)
}

// DecodeFloat32 reverses EncodeFloat32.
func DecodeFloat32(regs [2]uint16, order ByteOrder) float32 {
	return math.Float32frombits(decodeWords(regs, order))
}

// EncodeInt32 packs a signed 32-bit integer into two holding registers.
func EncodeInt32(v int32, order ByteOrder) [2]uint16 {
	return encodeWords(uint32(v), order)
}

// DecodeInt32 reverses EncodeInt32.
func DecodeInt32(regs [2]uint16, order ByteOrder) int32 {
	return int32(decodeWords(regs, order))
}

// encodeWords packs a 32-bit quantity into two registers. `abcd`/`badc`
// pack the value as big-endian bytes and differ only in which register
// carries the high word; `cdab`/`dcba` pack little-endian bytes and
// likewise differ only in word order. This mirrors the pack/unpack pairs
// of the reference PLC driver, register by register.
func encodeWords(bits uint32, order ByteOrder) [2]uint16 {
	var raw [4]byte

	switch normalize(order) {
	case OrderABCD:
		binary.BigEndian.PutUint32(raw[:], bits)
		return [2]uint16{binary.BigEndian.Uint16(raw[0:2]), binary.BigEndian.Uint16(raw[2:4])}
	case OrderBADC:
		binary.BigEndian.PutUint32(raw[:], bits)
		return [2]uint16{binary.BigEndian.Uint16(raw[2:4]), binary.BigEndian.Uint16(raw[0:2])}
	case OrderCDAB:
		binary.LittleEndian.PutUint32(raw[:], bits)
		return [2]uint16{binary.BigEndian.Uint16(raw[2:4]), binary.BigEndian.Uint16(raw[0:2])}
	case OrderDCBA:
		binary.LittleEndian.PutUint32(raw[:], bits)
		return [2]uint16{binary.BigEndian.Uint16(raw[0:2]), binary.BigEndian.Uint16(raw[2:4])}
	}
	// unreachable: normalize always returns one of the four above
	binary.BigEndian.PutUint32(raw[:], bits)
	return [2]uint16{binary.BigEndian.Uint16(raw[2:4]), binary.BigEndian.Uint16(raw[0:2])}
}

func decodeWords(regs [2]uint16, order ByteOrder) uint32 {
	var raw [4]byte

	switch normalize(order) {
	case OrderABCD:
		binary.BigEndian.PutUint16(raw[0:2], regs[0])
		binary.BigEndian.PutUint16(raw[2:4], regs[1])
		return binary.BigEndian.Uint32(raw[:])
	case OrderBADC:
		binary.BigEndian.PutUint16(raw[0:2], regs[1])
		binary.BigEndian.PutUint16(raw[2:4], regs[0])
		return binary.BigEndian.Uint32(raw[:])
	case OrderCDAB:
		binary.BigEndian.PutUint16(raw[2:4], regs[0])
		binary.BigEndian.PutUint16(raw[0:2], regs[1])
		return binary.LittleEndian.Uint32(raw[:])
	case OrderDCBA:
		binary.BigEndian.PutUint16(raw[0:2], regs[0])
		binary.BigEndian.PutUint16(raw[2:4], regs[1])
		return binary.LittleEndian.Uint32(raw[:])
	}
	// unreachable: normalize always returns one of the four above
	binary.BigEndian.PutUint16(raw[0:2], regs[1])
	binary.BigEndian.PutUint16(raw[2:4], regs[0])
	return binary.BigEndian.Uint32(raw[:])
}
