package ring

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/softxhci/host/hal/xhci/trb"
	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/dma"
)

// BufferSize is the size of each transfer ring data buffer.
const BufferSize = 4096

// FillMargin is the number of slots FillRing keeps between the next enqueue
// position and the dequeue position.
const FillMargin = 3

// TransferRing receives data from an endpoint into a fixed set of buffers.
// Each usable slot permanently holds a Normal TRB pointing at its own
// buffer; handing a slot to the controller only flips its cycle bit.
type TransferRing struct {
	mu           sync.Mutex
	p            producer
	dequeue      int
	buffers      [Size - 1]*dma.Region
	transferSize uint32
}

// NewTransferRing allocates the ring and one page-aligned buffer per usable
// slot, each armed with a Normal TRB of transferSize bytes.
func NewTransferRing(alloc dma.Allocator, transferSize int) (*TransferRing, error) {
	if transferSize <= 0 || transferSize > BufferSize {
		return nil, fmt.Errorf("ring: transfer size %d: %w", transferSize, pkg.ErrInvalidParameter)
	}
	p, err := newProducer(alloc)
	if err != nil {
		return nil, err
	}
	t := &TransferRing{p: p, transferSize: uint32(transferSize)}
	for i := range t.buffers {
		b, err := alloc.Alloc(BufferSize, BufferSize)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("ring: transfer buffer %d: %w", i, err), t.Free())
		}
		t.buffers[i] = b
		p.ring.Write(i, trb.Normal(b.PhysAddr(), t.transferSize))
	}
	return t, nil
}

// distance returns how many usable slots lie from the slot after the
// cursor up to the dequeue position.
func (t *TransferRing) distance() int {
	next := (t.p.ring.CurrentIndex() + 1) % (Size - 1)
	return (t.dequeue - next + Size - 1) % (Size - 1)
}

func (t *TransferRing) fillOne() bool {
	if t.distance() <= FillMargin {
		return false
	}
	t.p.handOver()
	return true
}

// FillRing hands slots to the controller until the next enqueue position
// would come within FillMargin of the dequeue position. It returns the
// number of slots handed over.
func (t *TransferRing) FillRing() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for t.fillOne() {
		n++
	}
	if n > 0 {
		pkg.LogDebug(pkg.ComponentRing, "transfer ring filled",
			"handed", n, "enqueue", t.p.ring.CurrentIndex(), "dequeue", t.dequeue)
	}
	return n
}

// Dequeue consumes the completed TRB at phys, returning a copy of the
// first n bytes of its buffer, and re-arms one slot. It panics if phys is
// not the slot at the dequeue position.
func (t *TransferRing) Dequeue(phys uint64, n uint32) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if want := t.p.ring.SlotPhysAddr(t.dequeue); phys != want {
		panic(fmt.Sprintf("dequeue address mismatch: got %#x, want %#x", phys, want))
	}
	n = min(n, t.transferSize)
	data := make([]byte, n)
	copy(data, t.buffers[t.dequeue].Slice(0, uintptr(n)))

	t.dequeue = (t.dequeue + 1) % (Size - 1)
	t.fillOne()
	return data
}

// TransferSize returns the length of every Normal TRB on the ring.
func (t *TransferRing) TransferSize() uint32 { return t.transferSize }

// Current returns a copy of the slot at the enqueue position.
func (t *TransferRing) Current() trb.TRB {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p.ring.Current()
}

// EnqueueIndex returns the enqueue position.
func (t *TransferRing) EnqueueIndex() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p.ring.CurrentIndex()
}

// DequeueIndex returns the dequeue position.
func (t *TransferRing) DequeueIndex() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dequeue
}

// PhysAddr returns the bus address of the ring.
func (t *TransferRing) PhysAddr() uint64 { return t.p.ring.PhysAddr() }

// DequeuePhysAddr returns the bus address of the slot the controller will
// complete next.
func (t *TransferRing) DequeuePhysAddr() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p.ring.SlotPhysAddr(t.dequeue)
}

// DequeuePointer returns the TR Dequeue Pointer for an endpoint context,
// with Dequeue Cycle State in bit 0.
func (t *TransferRing) DequeuePointer() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	dcs := !t.p.cycleStateOurs
	if t.dequeue > t.p.ring.CurrentIndex() {
		// The dequeue slot was handed over before the last wrap.
		dcs = !dcs
	}
	ptr := t.p.ring.SlotPhysAddr(t.dequeue)
	if dcs {
		ptr |= 1
	}
	return ptr
}

// CycleStateOurs returns the cycle bit value that marks driver-owned slots.
func (t *TransferRing) CycleStateOurs() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p.cycleStateOurs
}

// Snapshot returns a copy of every slot and the enqueue position.
func (t *TransferRing) Snapshot() ([Size]trb.TRB, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return snapshot(t.p.ring)
}

// Free releases the ring and its buffers.
func (t *TransferRing) Free() error {
	var errs []error
	for i, b := range t.buffers {
		if b != nil {
			errs = append(errs, t.p.ring.alloc.Free(b))
			t.buffers[i] = nil
		}
	}
	errs = append(errs, t.p.ring.Free())
	return errors.Join(errs...)
}
