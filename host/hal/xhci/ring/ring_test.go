package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/xhci/trb"
	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/dma"
)

func newRing(t *testing.T) *Ring {
	t.Helper()
	r, err := New(dma.NewHeapAllocator())
	require.NoError(t, err)
	return r
}

func cycles(r *Ring) (out [Size]bool) {
	for i := range out {
		out[i] = r.TRB(i).Cycle()
	}
	return
}

func TestRing_Advance(t *testing.T) {
	r := newRing(t)
	assert.Zero(t, r.PhysAddr()%dma.PageSize)

	r.Advance(true)
	assert.Equal(t, 1, r.CurrentIndex())
	assert.True(t, r.TRB(0).Cycle())

	for i := 1; i < Size; i++ {
		r.Advance(true)
	}
	assert.Equal(t, 0, r.CurrentIndex(), "cursor wraps modulo Size")
	assert.PanicsWithValue(t, "cycle state does not change", func() { r.Advance(true) })
}

func TestRing_AdvanceNoToggle(t *testing.T) {
	r := newRing(t)
	r.AdvanceNoToggle(false)
	assert.Equal(t, 1, r.CurrentIndex())
	assert.False(t, r.TRB(0).Cycle(), "no-toggle advance leaves the bit")
	assert.PanicsWithValue(t, "cycle state mismatch", func() { r.AdvanceNoToggle(true) })
}

func TestRing_Write(t *testing.T) {
	r := newRing(t)
	r.Advance(true)
	r.Write(0, trb.NoOpCommand())
	got := r.TRB(0)
	assert.Equal(t, trb.TypeNoOpCommand, got.Type())
	assert.True(t, got.Cycle(), "write keeps the slot's cycle bit")

	r.Write(1, trb.NoOpCommand().WithCycle(true))
	assert.False(t, r.TRB(1).Cycle(), "write never hands a slot over")

	assert.PanicsWithValue(t, "ring index out of range", func() { r.Write(Size, trb.TRB{}) })
	assert.PanicsWithValue(t, "ring index out of range", func() { r.Write(-1, trb.TRB{}) })
}

func TestRing_ResetAndIndexOf(t *testing.T) {
	r := newRing(t)
	for i := 0; i < 5; i++ {
		r.Advance(true)
	}
	r.Reset()
	assert.Equal(t, 0, r.CurrentIndex())
	assert.Equal(t, [Size]bool{}, cycles(r))

	i, ok := r.IndexOf(r.SlotPhysAddr(7))
	assert.True(t, ok)
	assert.Equal(t, 7, i)
	_, ok = r.IndexOf(r.SlotPhysAddr(7) + 4)
	assert.False(t, ok)
	_, ok = r.IndexOf(r.PhysAddr() + Size*trb.Size)
	assert.False(t, ok)
}

func TestCommandRing_Link(t *testing.T) {
	c, err := NewCommandRing(dma.NewHeapAllocator())
	require.NoError(t, err)

	link := c.p.ring.TRB(LinkIndex)
	assert.Equal(t, trb.TypeLink, link.Type())
	assert.Equal(t, c.PhysAddr(), link.Data())
	assert.True(t, link.ToggleCycle())
	assert.Equal(t, c.PhysAddr()|1, c.CRCR())
	assert.False(t, c.CycleStateOurs())
}

func TestCommandRing_TwoTraversalsRestoreParity(t *testing.T) {
	c, err := NewCommandRing(dma.NewHeapAllocator())
	require.NoError(t, err)

	push := func() {
		phys, err := c.Push(trb.NoOpCommand())
		require.NoError(t, err)
		c.Complete(phys)
	}

	for i := 0; i < Size-1; i++ {
		push()
	}
	assert.True(t, c.CycleStateOurs(), "one traversal flips the cycle state")
	var all [Size]bool
	for i := range all {
		all[i] = true
	}
	assert.Equal(t, all, cycles(c.p.ring))

	for i := 0; i < Size-1; i++ {
		push()
	}
	assert.False(t, c.CycleStateOurs())
	assert.Equal(t, [Size]bool{}, cycles(c.p.ring))
	assert.Equal(t, 0, c.p.ring.CurrentIndex())
	assert.Equal(t, uint64(2), c.p.wraps)
}

func TestCommandRing_Busy(t *testing.T) {
	c, err := NewCommandRing(dma.NewHeapAllocator())
	require.NoError(t, err)

	var first uint64
	for i := 0; i < Size-1; i++ {
		phys, err := c.Push(trb.NoOpCommand())
		require.NoError(t, err)
		if i == 0 {
			first = phys
		}
	}
	_, err = c.Push(trb.NoOpCommand())
	assert.ErrorIs(t, err, pkg.ErrBusy)
	assert.Equal(t, Size-1, c.Pending())

	c.Complete(first)
	_, err = c.Push(trb.NoOpCommand())
	assert.NoError(t, err)
	assert.Equal(t, first, c.p.ring.SlotPhysAddr(0))
}

func TestCommandRing_Reset(t *testing.T) {
	c, err := NewCommandRing(dma.NewHeapAllocator())
	require.NoError(t, err)
	for i := 0; i < Size-1; i++ {
		phys, err := c.Push(trb.NoOpCommand())
		require.NoError(t, err)
		c.Complete(phys)
	}
	require.True(t, c.CycleStateOurs())

	c.Reset()
	assert.False(t, c.CycleStateOurs())
	assert.Zero(t, c.Pending())
	slots, cur := c.Snapshot()
	assert.Zero(t, cur)
	assert.Equal(t, trb.TypeLink, slots[LinkIndex].Type())
	for i, s := range slots {
		assert.False(t, s.Cycle(), "slot %d", i)
	}

	// Usable immediately after reset.
	_, err = c.Push(trb.NoOpCommand())
	assert.NoError(t, err)
}

func TestTransferRing_Fill(t *testing.T) {
	tr, err := NewTransferRing(dma.NewHeapAllocator(), 64)
	require.NoError(t, err)

	for i := 0; i < Size-1; i++ {
		s := tr.p.ring.TRB(i)
		assert.Equal(t, trb.TypeNormal, s.Type())
		assert.Equal(t, uint32(64), s.TransferLength())
		assert.Zero(t, s.Data()%BufferSize)
	}
	assert.Equal(t, trb.TypeLink, tr.p.ring.TRB(LinkIndex).Type())

	assert.Equal(t, 11, tr.FillRing())
	assert.Equal(t, 0, tr.FillRing(), "repeated fills hand nothing more")
	assert.Greater(t, tr.distance(), FillMargin)
	assert.Equal(t, tr.p.ring.SlotPhysAddr(0)|1, tr.DequeuePointer())
}

func TestTransferRing_DequeueNeverOverruns(t *testing.T) {
	h := dma.NewHeapAllocator()
	tr, err := NewTransferRing(h, 8)
	require.NoError(t, err)
	tr.FillRing()

	for i := 0; i < 4*(Size-1); i++ {
		phys := tr.DequeuePhysAddr()
		slot := tr.p.ring.TRB(tr.DequeueIndex())
		require.Equal(t, tr.DequeuePointer()&1 == 1, slot.Cycle(),
			"dequeue slot %d must carry the controller's cycle state", tr.DequeueIndex())

		buf, err := h.Resolve(slot.Data(), 8)
		require.NoError(t, err)
		buf[0] = byte(i)

		got := tr.Dequeue(phys, 8)
		assert.Equal(t, byte(i), got[0])
		assert.Len(t, got, 8)

		tr.FillRing()
		assert.Greater(t, tr.distance(), FillMargin, "iteration %d", i)
		assert.NotEqual(t, LinkIndex, tr.EnqueueIndex())
	}
}

func TestTransferRing_DequeueMismatch(t *testing.T) {
	tr, err := NewTransferRing(dma.NewHeapAllocator(), 8)
	require.NoError(t, err)
	tr.FillRing()
	assert.Panics(t, func() { tr.Dequeue(tr.p.ring.SlotPhysAddr(3), 8) })
}

func TestTransferRing_Errors(t *testing.T) {
	_, err := NewTransferRing(dma.NewHeapAllocator(), BufferSize+1)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	h := &dma.HeapAllocator{Limit: 4 * BufferSize}
	_, err = NewTransferRing(h, 8)
	assert.ErrorIs(t, err, pkg.ErrNoMemory)
	assert.Zero(t, h.InUse(), "partial allocations are released")
}

func TestNewRings_PartialAllocationReleased(t *testing.T) {
	// Room for the TRB segment only.
	h := &dma.HeapAllocator{Limit: Size * trb.Size}

	_, err := NewControlRing(h)
	assert.ErrorIs(t, err, pkg.ErrNoMemory)
	assert.Zero(t, h.InUse())

	_, err = NewEventRing(h)
	assert.ErrorIs(t, err, pkg.ErrNoMemory)
	assert.Zero(t, h.InUse())
}

func TestControlRing_Submit(t *testing.T) {
	h := dma.NewHeapAllocator()
	c, err := NewControlRing(h)
	require.NoError(t, err)
	assert.Equal(t, c.PhysAddr()|1, c.DequeuePointer())

	dataPhys, status, err := c.Submit(hal.GetDescriptor(hal.DescriptorDevice, 0, 18), nil)
	require.NoError(t, err)
	assert.Equal(t, c.p.ring.SlotPhysAddr(1), dataPhys)
	assert.Equal(t, c.p.ring.SlotPhysAddr(2), status)

	assert.Equal(t, trb.TypeSetupStage, c.p.ring.TRB(0).Type())
	assert.Equal(t, 3, c.p.ring.CurrentIndex())
	for i := 0; i < 3; i++ {
		assert.True(t, c.p.ring.TRB(i).Cycle(), "slot %d handed over", i)
	}

	data := c.p.ring.TRB(1)
	view, err := h.Resolve(data.Data(), 18)
	require.NoError(t, err)
	view[0] = 18
	out := make([]byte, 18)
	assert.Equal(t, 18, c.Data(out, 18))
	assert.Equal(t, byte(18), out[0])

	_, _, err = c.Submit(hal.SetupPacket{RequestType: 0x21, Request: 0x09, Length: 4}, []byte{1, 2})
	assert.ErrorIs(t, err, pkg.ErrBufferTooSmall)

	dataPhys, status, err = c.Submit(hal.SetConfiguration(1), nil)
	require.NoError(t, err)
	assert.Zero(t, dataPhys, "no data stage")
	assert.Equal(t, c.p.ring.SlotPhysAddr(4), status)

	_, _, err = c.Submit(hal.SetupPacket{RequestType: 0x21, Request: 0x09, Length: 2}, []byte{7, 9})
	require.NoError(t, err)
	view, err = h.Resolve(c.p.ring.TRB(6).Data(), 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 9}, view)
}

func TestEventRing(t *testing.T) {
	h := dma.NewHeapAllocator()
	e, err := NewEventRing(h)
	require.NoError(t, err)

	entry := dma.Overlay[ERSTEntry](e.erst, 0)
	assert.Equal(t, e.PhysAddr(), entry.Base())
	assert.Equal(t, uint32(Size), entry.Size())
	assert.Zero(t, e.ERSTBase()%64)

	_, ok := e.Pop()
	assert.False(t, ok, "zeroed ring holds no events")

	// Produce events the way the controller does, across two wraps.
	pcs, idx := true, 0
	for n := 0; n < 2*Size+3; n++ {
		ev := trb.PortStatusChangeEvent(uint8(n%200 + 1)).WithCycle(pcs)
		e.ring.slots[idx].Store(ev)
		idx++
		if idx == Size {
			idx, pcs = 0, !pcs
		}

		got, ok := e.Pop()
		require.True(t, ok, "event %d", n)
		assert.Equal(t, uint8(n%200+1), got.PortID())
		_, ok = e.Pop()
		assert.False(t, ok)
		assert.Equal(t, e.ring.SlotPhysAddr(idx), e.DequeuePointer())
	}
	assert.Equal(t, pcs, e.CycleState())

	e.Reset()
	assert.True(t, e.CycleState())
	require.NoError(t, e.Free())
}
