// Package ring implements the xHCI TRB rings shared between the driver and
// the host controller.
//
// Every ring is a fixed array of [Size] TRB slots in pinned DMA memory.
// Producer rings (command, transfer and control) reserve the last slot for
// a Link TRB pointing back at slot 0 with toggle-cycle set, leaving Size-1
// usable slots. The cycle bit of each slot says who owns it: a slot whose
// bit differs from the ring's cycle state belongs to the controller. The
// producer writes a TRB, then flips its cycle bit to hand it over; when it
// crosses the Link TRB it inverts its own cycle state.
//
// The event ring runs the protocol the other way round: the controller
// produces and the driver consumes.
package ring

import (
	"fmt"

	"github.com/ardnew/softxhci/host/hal/xhci/trb"
	"github.com/ardnew/softxhci/pkg/dma"
)

// Size is the number of TRB slots in a ring.
const Size = 16

// LinkIndex is the slot holding a producer ring's Link TRB.
const LinkIndex = Size - 1

// Ring is a circular array of TRB slots with a cursor. It is not safe for
// concurrent use; the typed rings wrap it with a lock.
type Ring struct {
	alloc   dma.Allocator
	region  *dma.Region
	slots   *[Size]trb.Slot
	current int
}

// New allocates a zeroed, page-aligned ring.
func New(alloc dma.Allocator) (*Ring, error) {
	region, err := alloc.Alloc(Size*trb.Size, dma.PageSize)
	if err != nil {
		return nil, fmt.Errorf("ring: %w", err)
	}
	return &Ring{
		alloc:  alloc,
		region: region,
		slots:  dma.Overlay[[Size]trb.Slot](region, 0),
	}, nil
}

// Free releases the ring memory. The controller must no longer reference it.
func (r *Ring) Free() error {
	r.slots = nil
	return r.alloc.Free(r.region)
}

// Advance hands the current slot to the other party by writing newCycle
// into its cycle bit, then moves the cursor. It panics if the slot's cycle
// bit already equals newCycle.
func (r *Ring) Advance(newCycle bool) {
	s := &r.slots[r.current]
	if s.Cycle() == newCycle {
		panic("cycle state does not change")
	}
	s.SetCycle(newCycle)
	r.current = (r.current + 1) % Size
}

// AdvanceNoToggle moves the cursor past a slot already owned by the caller.
// It panics unless the slot's cycle bit equals cycleOurs.
func (r *Ring) AdvanceNoToggle(cycleOurs bool) {
	if r.slots[r.current].Cycle() != cycleOurs {
		panic("cycle state mismatch")
	}
	r.current = (r.current + 1) % Size
}

// Reset moves the cursor to slot 0 and clears every cycle bit.
func (r *Ring) Reset() {
	r.current = 0
	for i := range r.slots {
		r.slots[i].SetCycle(false)
	}
}

// Write stores t into slot i, keeping the slot's current cycle bit so the
// record is not handed over until the next Advance. It panics if i is out
// of range.
func (r *Ring) Write(i int, t trb.TRB) {
	if i < 0 || i >= Size {
		panic("ring index out of range")
	}
	s := &r.slots[i]
	s.Store(t.WithCycle(s.Cycle()))
}

// WriteCurrent stores t into the slot under the cursor.
func (r *Ring) WriteCurrent(t trb.TRB) { r.Write(r.current, t) }

// Current returns a copy of the slot under the cursor.
func (r *Ring) Current() trb.TRB { return r.slots[r.current].Load() }

// CurrentIndex returns the cursor.
func (r *Ring) CurrentIndex() int { return r.current }

// TRB returns a copy of slot i.
func (r *Ring) TRB(i int) trb.TRB {
	if i < 0 || i >= Size {
		panic("ring index out of range")
	}
	return r.slots[i].Load()
}

// PhysAddr returns the bus address of slot 0.
func (r *Ring) PhysAddr() uint64 { return r.region.PhysAddr() }

// SlotPhysAddr returns the bus address of slot i.
func (r *Ring) SlotPhysAddr(i int) uint64 {
	if i < 0 || i >= Size {
		panic("ring index out of range")
	}
	return r.region.PhysAt(uintptr(i) * trb.Size)
}

// CurrentPhysAddr returns the bus address of the slot under the cursor.
func (r *Ring) CurrentPhysAddr() uint64 { return r.SlotPhysAddr(r.current) }

// IndexOf returns the slot index of bus address phys.
func (r *Ring) IndexOf(phys uint64) (int, bool) {
	base := r.PhysAddr()
	if phys < base || (phys-base)%trb.Size != 0 {
		return 0, false
	}
	i := int((phys - base) / trb.Size)
	return i, i < Size
}

// producer runs the producer half of the cycle-bit protocol over a Ring
// whose last slot is a Link TRB.
type producer struct {
	ring           *Ring
	cycleStateOurs bool
	wraps          uint64
}

func newProducer(alloc dma.Allocator) (producer, error) {
	r, err := New(alloc)
	if err != nil {
		return producer{}, err
	}
	p := producer{ring: r}
	p.installLink()
	return p, nil
}

func (p *producer) installLink() {
	p.ring.Write(LinkIndex, trb.Link(p.ring.PhysAddr()))
}

// reset clears the ring and the cycle state together.
func (p *producer) reset() {
	p.ring.Reset()
	p.cycleStateOurs = false
	p.installLink()
}

// handOver gives the current slot to the controller and steps over the
// Link TRB if the cursor lands on it.
func (p *producer) handOver() {
	p.ring.Advance(!p.cycleStateOurs)
	if p.ring.Current().Type() == trb.TypeLink {
		p.ring.Advance(!p.cycleStateOurs)
		p.cycleStateOurs = !p.cycleStateOurs
		p.wraps++
	}
}

// push writes t at the cursor, hands it over and returns its bus address.
func (p *producer) push(t trb.TRB) uint64 {
	phys := p.ring.CurrentPhysAddr()
	p.ring.WriteCurrent(t)
	p.handOver()
	return phys
}

// dequeuePointer is the value for a context or CRCR dequeue pointer: the
// address of the cursor with the consumer cycle state the controller must
// start with in bit 0.
func (p *producer) dequeuePointer() uint64 {
	ptr := p.ring.CurrentPhysAddr()
	if !p.cycleStateOurs {
		ptr |= 1
	}
	return ptr
}
