// Package volatile provides register words that are read and written with
// single, non-elidable memory accesses, plus bit-range helpers on top.
//
// Go has no volatile qualifier. Every access here goes through sync/atomic,
// which the compiler never merges, reorders across, or removes. That is the
// property memory-mapped registers and DMA descriptors shared with a device
// need: the other side may change the word at any time.
//
// The word types are meant to be overlaid on mapped memory, either as fields
// of a register block struct or by converting a pointer into a mapped region:
//
//	type regs struct {
//	    command volatile.U32
//	    status  volatile.U32
//	}
//	r := (*regs)(base)
//	r.command.Set(1 << 0)
package volatile

import (
	"fmt"
	"sync/atomic"
)

// Word is the set of storage types a Field can address.
type Word interface {
	~uint32 | ~uint64
}

// Field names a contiguous bit range [Shift, Shift+Width) of a register word.
type Field struct {
	Shift uint8
	Width uint8
}

// NewField returns the field covering width bits starting at shift.
// It panics if the range is empty or runs past bit 63; fields are declared
// once as package variables, so a bad declaration fails at init.
func NewField(shift, width uint8) Field {
	if width == 0 || uint(shift)+uint(width) > 64 {
		panic(fmt.Sprintf("volatile: invalid field shift=%d width=%d", shift, width))
	}
	return Field{Shift: shift, Width: width}
}

// Bit returns the single-bit field at position n.
func Bit(n uint8) Field { return NewField(n, 1) }

// Max returns the largest value the field can hold.
func (f Field) Max() uint64 { return mask(uint(f.Width)) }

// Mask returns the field's bits in position.
func (f Field) Mask() uint64 { return f.Max() << f.Shift }

// Get extracts the field from w.
func Get[T Word](f Field, w T) T {
	return T((uint64(w) >> f.Shift) & f.Max())
}

// Put returns w with the field replaced by v. It panics if v does not fit in
// the field or the field does not fit in T.
func Put[T Word](f Field, w T, v uint64) T {
	if f.Width == 0 {
		panic(fmt.Sprintf("volatile: empty field at bit %d", f.Shift))
	}
	checkRange(uint(f.Shift), uint(f.Width), bitsOf(w))
	if v > f.Max() {
		panic(fmt.Sprintf("volatile: value %#x exceeds %d-bit field at bit %d", v, f.Width, f.Shift))
	}
	return T((uint64(w) &^ f.Mask()) | v<<f.Shift)
}

func mask(width uint) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << width) - 1
}

func bitsOf[T Word](T) uint {
	var zero T
	if uint64(^zero) == uint64(^uint32(0)) {
		return 32
	}
	return 64
}

// checkRange panics if [shift, shift+width) runs past a bits-wide word.
// An empty range is valid anywhere up to and including bit position bits.
func checkRange(shift, width, bits uint) {
	if shift+width > bits {
		panic(fmt.Sprintf("volatile: bit range shift=%d width=%d exceeds %d-bit word", shift, width, bits))
	}
}

// U32 is a 32-bit word accessed only through atomic loads and stores.
type U32 struct{ v uint32 }

// Read performs a single load of the word.
func (r *U32) Read() uint32 { return atomic.LoadUint32(&r.v) }

// Write performs a single store of the word.
func (r *U32) Write(v uint32) { atomic.StoreUint32(&r.v, v) }

// Swap stores v and returns the previous value in one atomic exchange.
func (r *U32) Swap(v uint32) uint32 { return atomic.SwapUint32(&r.v, v) }

// CompareAndSwap stores v only if the word still holds old.
func (r *U32) CompareAndSwap(old, v uint32) bool { return atomic.CompareAndSwapUint32(&r.v, old, v) }

// ReadBits returns (Read() >> shift) & ((1<<width)-1), which is 0 for a
// zero width. It panics if shift+width exceeds 32.
func (r *U32) ReadBits(shift, width uint) uint32 {
	checkRange(shift, width, 32)
	if width == 0 {
		return 0
	}
	return (r.Read() >> shift) & uint32(mask(width))
}

// WriteBits replaces bits [shift, shift+width) with v, truncated to width
// bits, leaving every other bit as read. A zero width writes nothing.
// It panics if shift+width exceeds 32.
func (r *U32) WriteBits(shift, width uint, v uint32) {
	checkRange(shift, width, 32)
	if width == 0 {
		return
	}
	m := uint32(mask(width)) << shift
	r.Write((r.Read() &^ m) | ((v << shift) & m))
}

// Get reads field f.
func (r *U32) Get(f Field) uint32 { return r.ReadBits(uint(f.Shift), uint(f.Width)) }

// Put writes v into field f.
func (r *U32) Put(f Field, v uint32) { r.WriteBits(uint(f.Shift), uint(f.Width), v) }

// IsSet reports whether any bit of m is set.
func (r *U32) IsSet(m uint32) bool { return r.Read()&m != 0 }

// Set ORs m into the word and returns the value written.
func (r *U32) Set(m uint32) (x uint32) {
	x = r.Read() | m
	r.Write(x)
	return
}

// Clear clears the bits of m and returns the value written.
func (r *U32) Clear(m uint32) (x uint32) {
	x = r.Read() &^ m
	r.Write(x)
	return
}

// U64 is a 64-bit word accessed only through atomic loads and stores.
// It must be 8-byte aligned, which every xHCI 64-bit register and TRB
// parameter field is.
type U64 struct{ v uint64 }

// Read performs a single load of the word.
func (r *U64) Read() uint64 { return atomic.LoadUint64(&r.v) }

// Write performs a single store of the word.
func (r *U64) Write(v uint64) { atomic.StoreUint64(&r.v, v) }

// ReadBits returns (Read() >> shift) & ((1<<width)-1), which is 0 for a
// zero width. It panics if shift+width exceeds 64.
func (r *U64) ReadBits(shift, width uint) uint64 {
	checkRange(shift, width, 64)
	if width == 0 {
		return 0
	}
	return (r.Read() >> shift) & mask(width)
}

// WriteBits replaces bits [shift, shift+width) with v, truncated to width
// bits, leaving every other bit as read. A zero width writes nothing.
// It panics if shift+width exceeds 64.
func (r *U64) WriteBits(shift, width uint, v uint64) {
	checkRange(shift, width, 64)
	if width == 0 {
		return
	}
	m := mask(width) << shift
	r.Write((r.Read() &^ m) | ((v << shift) & m))
}

// Get reads field f.
func (r *U64) Get(f Field) uint64 { return r.ReadBits(uint(f.Shift), uint(f.Width)) }

// Put writes v into field f.
func (r *U64) Put(f Field, v uint64) { r.WriteBits(uint(f.Shift), uint(f.Width), v) }
