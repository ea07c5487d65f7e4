package modbus

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFloat32RoundTrip(t *testing.T) {
	orders := []ByteOrder{OrderABCD, OrderBADC, OrderCDAB, OrderDCBA}
	values := []float32{0, 1, -1, 3.14159, -273.15, 1e-6, 1e6, math.MaxFloat32, -math.MaxFloat32}

	for _, order := range orders {
		for _, v := range values {
			regs := EncodeFloat32(v, order)
			got := DecodeFloat32(regs, order)
			assert.Equal(t, v, got, "order=%s value=%v", order, v)
		}
	}
}

func TestInt32RoundTrip(t *testing.T) {
	orders := []ByteOrder{OrderABCD, OrderBADC, OrderCDAB, OrderDCBA}
	values := []int32{0, 1, -1, 42, -42, math.MaxInt32, math.MinInt32}

	for _, order := range orders {
		for _, v := range values {
			regs := EncodeInt32(v, order)
			got := DecodeInt32(regs, order)
			assert.Equal(t, v, got, "order=%s value=%v", order, v)
		}
	}
}

func TestUnknownOrderDefaultsToBADCOnce(t *testing.T) {
	var warned []ByteOrder
	prev := onUnknownOrder
	onUnknownOrder = func(o ByteOrder) { warned = append(warned, o) }
	defer func() { onUnknownOrder = prev }()

	warnUnknownOrderOnce = sync.Once{}

	regs1 := EncodeFloat32(1.5, "bogus")
	regs2 := EncodeFloat32(1.5, "also-bogus")
	expect := EncodeFloat32(1.5, OrderBADC)

	assert.Equal(t, expect, regs1)
	assert.Equal(t, expect, regs2)
	assert.Len(t, warned, 1, "warning fires exactly once per process")
}

func TestByteOrdersProduceDistinctEncodings(t *testing.T) {
	v := float32(123.456)
	abcd := EncodeFloat32(v, OrderABCD)
	badc := EncodeFloat32(v, OrderBADC)
	cdab := EncodeFloat32(v, OrderCDAB)
	dcba := EncodeFloat32(v, OrderDCBA)

	assert.NotEqual(t, abcd, badc)
	assert.NotEqual(t, abcd, cdab)
	assert.NotEqual(t, abcd, dcba)
}
