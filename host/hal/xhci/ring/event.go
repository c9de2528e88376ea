package ring

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/softxhci/host/hal/xhci/trb"
	"github.com/ardnew/softxhci/pkg/dma"
	"github.com/ardnew/softxhci/pkg/volatile"
)

// ERSTEntry is one Event Ring Segment Table entry.
type ERSTEntry struct {
	base volatile.U64
	size volatile.U32
	_    uint32
}

// ERSTEntrySize is the length of an ERSTEntry in bytes.
const ERSTEntrySize = 16

// Base returns the segment base address.
func (e *ERSTEntry) Base() uint64 { return e.base.Read() }

// Size returns the number of TRBs in the segment.
func (e *ERSTEntry) Size() uint32 { return e.size.Read() & 0xffff }

// Set installs a segment.
func (e *ERSTEntry) Set(base uint64, size uint32) {
	e.base.Write(base)
	e.size.Write(size)
}

// EventRing receives events from the controller. It has no Link TRB; the
// controller wraps after the last slot of the single segment and inverts
// its producer cycle state.
type EventRing struct {
	mu    sync.Mutex
	ring  *Ring
	erst  *dma.Region
	cycle bool
}

// NewEventRing allocates a single-segment event ring and its segment table.
func NewEventRing(alloc dma.Allocator) (*EventRing, error) {
	r, err := New(alloc)
	if err != nil {
		return nil, err
	}
	erst, err := alloc.Alloc(ERSTEntrySize, 64)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("ring: event ring segment table: %w", err), r.Free())
	}
	dma.Overlay[ERSTEntry](erst, 0).Set(r.PhysAddr(), Size)
	return &EventRing{ring: r, erst: erst, cycle: true}, nil
}

// Pop returns the next event if the controller has published one.
func (e *EventRing) Pop() (trb.TRB, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.ring.Current()
	if t.Cycle() != e.cycle {
		return trb.TRB{}, false
	}
	e.ring.AdvanceNoToggle(e.cycle)
	if e.ring.CurrentIndex() == 0 {
		e.cycle = !e.cycle
	}
	return t, true
}

// Reset clears the ring and restores the initial consumer cycle state.
func (e *EventRing) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ring.Reset()
	e.cycle = true
}

// DequeuePointer returns the address of the next event slot, for ERDP.
func (e *EventRing) DequeuePointer() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ring.CurrentPhysAddr()
}

// CycleState returns the consumer cycle state.
func (e *EventRing) CycleState() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cycle
}

// PhysAddr returns the bus address of the segment.
func (e *EventRing) PhysAddr() uint64 { return e.ring.PhysAddr() }

// ERSTBase returns the bus address of the segment table, for ERSTBA.
func (e *EventRing) ERSTBase() uint64 { return e.erst.PhysAddr() }

// ERSTSize returns the number of segment table entries, for ERSTSZ.
func (e *EventRing) ERSTSize() uint32 { return 1 }

// Free releases the ring and its segment table.
func (e *EventRing) Free() error {
	err := e.ring.alloc.Free(e.erst)
	if ferr := e.ring.Free(); err == nil {
		err = ferr
	}
	return err
}
