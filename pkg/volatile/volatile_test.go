package volatile

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWordSizes(t *testing.T) {
	assert.Equal(t, uintptr(4), unsafe.Sizeof(U32{}))
	assert.Equal(t, uintptr(8), unsafe.Sizeof(U64{}))
}

func TestU32_ReadWrite(t *testing.T) {
	var r U32
	r.Write(0xdeadbeef)
	assert.Equal(t, uint32(0xdeadbeef), r.Read())
}

func TestU32_WriteBitsRoundTrip(t *testing.T) {
	const background = uint32(0xa5a5_5a5a)
	values := []uint32{0, 1, 0x5, 0xffff_ffff, 0x1234_5678}

	for shift := uint(0); shift <= 32; shift++ {
		for width := uint(0); shift+width <= 32; width++ {
			for _, v := range values {
				var r U32
				r.Write(background)
				r.WriteBits(shift, width, v)

				m := uint32(mask(width))
				require.Equal(t, v&m, r.ReadBits(shift, width),
					"shift=%d width=%d v=%#x", shift, width, v)
				outside := ^(m << shift)
				require.Equal(t, background&outside, r.Read()&outside,
					"bits outside shift=%d width=%d changed", shift, width)
			}
		}
	}
}

func TestU64_WriteBitsRoundTrip(t *testing.T) {
	const background = uint64(0x0123_4567_89ab_cdef)
	values := []uint64{0, 1, 0x3f, ^uint64(0), 0xfeed_face_cafe_beef}

	for shift := uint(0); shift <= 64; shift++ {
		for width := uint(0); shift+width <= 64; width++ {
			for _, v := range values {
				var r U64
				r.Write(background)
				r.WriteBits(shift, width, v)

				m := mask(width)
				require.Equal(t, v&m, r.ReadBits(shift, width),
					"shift=%d width=%d v=%#x", shift, width, v)
				outside := ^(m << shift)
				require.Equal(t, background&outside, r.Read()&outside,
					"bits outside shift=%d width=%d changed", shift, width)
			}
		}
	}
}

func TestBitRangeOverflowPanics(t *testing.T) {
	var r32 U32
	var r64 U64

	assert.Panics(t, func() { r32.ReadBits(30, 3) })
	assert.Panics(t, func() { r32.WriteBits(0, 33, 1) })
	assert.Panics(t, func() { r32.ReadBits(33, 0) })
	assert.Panics(t, func() { r64.WriteBits(60, 5, 1) })
	assert.Panics(t, func() { r64.WriteBits(65, 0, 1) })
	assert.NotPanics(t, func() { r64.WriteBits(0, 64, 1) })
}

func TestZeroWidthRange(t *testing.T) {
	var r32 U32
	r32.Write(0xdeadbeef)
	for _, shift := range []uint{0, 5, 31, 32} {
		r32.WriteBits(shift, 0, 7)
		assert.Zero(t, r32.ReadBits(shift, 0), "shift=%d", shift)
		assert.Equal(t, uint32(0xdeadbeef), r32.Read(), "shift=%d", shift)
	}

	var r64 U64
	r64.Write(0xfeed_face_cafe_beef)
	for _, shift := range []uint{0, 33, 64} {
		r64.WriteBits(shift, 0, 7)
		assert.Zero(t, r64.ReadBits(shift, 0), "shift=%d", shift)
		assert.Equal(t, uint64(0xfeed_face_cafe_beef), r64.Read(), "shift=%d", shift)
	}
}

func TestField(t *testing.T) {
	typ := NewField(10, 6)
	assert.Equal(t, uint64(0x3f), typ.Max())
	assert.Equal(t, uint64(0xfc00), typ.Mask())

	w := Put(typ, uint32(0x0000_0001), 6)
	assert.Equal(t, uint32(0x1801), w)
	assert.Equal(t, uint32(6), Get(typ, w))

	assert.Panics(t, func() { Put(typ, uint32(0), 64) }, "value wider than field")
	assert.Panics(t, func() { NewField(60, 8) })
	assert.Panics(t, func() { NewField(0, 0) })
	assert.Panics(t, func() { Put(Field{Shift: 3}, uint32(0), 0) }, "empty field")
	assert.Panics(t, func() { Put(NewField(30, 4), uint32(0), 1) }, "field wider than word")
}

func TestU32_SetClear(t *testing.T) {
	var r U32
	r.Set(1<<0 | 1<<4)
	assert.True(t, r.IsSet(1<<4))
	r.Clear(1 << 0)
	assert.Equal(t, uint32(1<<4), r.Read())

	f := Bit(4)
	assert.Equal(t, uint32(1), r.Get(f))
	r.Put(f, 0)
	assert.Equal(t, uint32(0), r.Read())
}

func TestU32_Swap(t *testing.T) {
	var r U32
	r.Write(7)
	assert.Equal(t, uint32(7), r.Swap(^uint32(0)))
	assert.Equal(t, ^uint32(0), r.Read())

	assert.False(t, r.CompareAndSwap(7, 1))
	assert.True(t, r.CompareAndSwap(^uint32(0), 1))
	assert.Equal(t, uint32(1), r.Read())
}
