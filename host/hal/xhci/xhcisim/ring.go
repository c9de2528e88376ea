package xhcisim

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/ardnew/softxhci/host/hal/xhci/regs"
	"github.com/ardnew/softxhci/host/hal/xhci/ring"
	"github.com/ardnew/softxhci/host/hal/xhci/trb"
	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/dma"
)

// view returns a *T aliasing driver memory at phys.
func view[T any](alloc dma.Allocator, phys uint64) (*T, error) {
	var zero T
	b, err := alloc.Resolve(phys, unsafe.Sizeof(zero))
	if err != nil {
		return nil, err
	}
	p := unsafe.Pointer(unsafe.SliceData(b))
	if uintptr(p)%unsafe.Alignof(zero) != 0 {
		return nil, fmt.Errorf("xhcisim: %#x misaligned for %T: %w", phys, zero, pkg.ErrInvalidParameter)
	}
	return (*T)(p), nil
}

// reader consumes a ring the driver produces: the command ring or a
// transfer ring.
type reader struct {
	alloc dma.Allocator
	ptr   uint64
	ccs   bool
}

// newReader starts at dequeue, whose bit 0 is the consumer cycle state.
func newReader(alloc dma.Allocator, dequeue uint64) reader {
	return reader{alloc: alloc, ptr: dequeue &^ 0xf, ccs: dequeue&1 != 0}
}

// pointer returns the dequeue pointer with the cycle state in bit 0.
func (r *reader) pointer() uint64 {
	if r.ccs {
		return r.ptr | 1
	}
	return r.ptr
}

// peek returns the next TRB the driver has handed over and its address,
// following Link TRBs and toggling the cycle state where they say so.
func (r *reader) peek() (trb.TRB, uint64, bool, error) {
	if r.alloc == nil {
		return trb.TRB{}, 0, false, fmt.Errorf("xhcisim: ring not configured: %w", pkg.ErrInvalidState)
	}
	for range ring.Size {
		sl, err := view[trb.Slot](r.alloc, r.ptr)
		if err != nil {
			return trb.TRB{}, 0, false, err
		}
		t := sl.Load()
		if t.Cycle() != r.ccs {
			return trb.TRB{}, 0, false, nil
		}
		if t.Type() != trb.TypeLink {
			return t, r.ptr, true, nil
		}
		if t.ToggleCycle() {
			r.ccs = !r.ccs
		}
		r.ptr = t.Data() &^ 0xf
	}
	return trb.TRB{}, 0, false, fmt.Errorf("xhcisim: Link TRB loop at %#x: %w", r.ptr, pkg.ErrProtocol)
}

// next moves past the TRB peek returned.
func (r *reader) next() { r.ptr += trb.Size }

var errEventRingFull = errors.New("xhcisim: event ring full")

// eventWriter produces the event ring of one interrupter.
type eventWriter struct {
	alloc dma.Allocator
	intr  *regs.Interrupter
	base  uint64
	size  uint32
	index uint32
	pcs   bool
}

// init reads the first segment table entry. The producer cycle state
// starts at 1.
func (w *eventWriter) init(alloc dma.Allocator, intr *regs.Interrupter) error {
	*w = eventWriter{alloc: alloc, intr: intr, pcs: true}
	if intr.ERSTSZ.Read()&0xffff == 0 {
		return fmt.Errorf("xhcisim: ERSTSZ is 0: %w", pkg.ErrInvalidState)
	}
	e, err := view[ring.ERSTEntry](alloc, intr.ERSTBA.Read())
	if err != nil {
		return fmt.Errorf("xhcisim: segment table: %w", err)
	}
	if e.Size() == 0 {
		return fmt.Errorf("xhcisim: empty event ring segment: %w", pkg.ErrInvalidState)
	}
	w.base, w.size = e.Base(), e.Size()
	return nil
}

// post writes t at the enqueue position with the producer cycle state and
// sets IMAN.IP. The ring is full when the slot after the enqueue position
// is the one ERDP points at.
func (w *eventWriter) post(t trb.TRB) error {
	if w.size == 0 {
		return fmt.Errorf("xhcisim: no event ring: %w", pkg.ErrInvalidState)
	}
	next := (w.index + 1) % w.size
	if w.base+uint64(next)*trb.Size == w.intr.Dequeue() {
		return errEventRingFull
	}
	sl, err := view[trb.Slot](w.alloc, w.base+uint64(w.index)*trb.Size)
	if err != nil {
		return err
	}
	sl.Store(t.WithCycle(w.pcs))
	w.index = next
	if next == 0 {
		w.pcs = !w.pcs
	}
	w.intr.IMAN.Set(regs.ImanPending)
	return nil
}
