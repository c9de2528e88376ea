package ring

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/xhci/trb"
	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/dma"
)

// ControlRing carries control transfers to a device's default endpoint.
// The data stage of every transfer uses one pinned page, so a caller must
// collect the result with Data before submitting the next transfer.
type ControlRing struct {
	mu   sync.Mutex
	p    producer
	data *dma.Region
}

// NewControlRing allocates the ring and its data page.
func NewControlRing(alloc dma.Allocator) (*ControlRing, error) {
	p, err := newProducer(alloc)
	if err != nil {
		return nil, err
	}
	data, err := alloc.Alloc(dma.PageSize, dma.PageSize)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("ring: control data page: %w", err), p.ring.Free())
	}
	return &ControlRing{p: p, data: data}, nil
}

// Submit enqueues one control transfer: Setup, a Data stage when
// setup.Length is non-zero, and Status. For OUT transfers out supplies the
// data. It returns the bus addresses of the Data Stage TRB (0 without a
// data stage), which reports short packets, and of the Status Stage TRB,
// whose transfer event signals completion.
func (c *ControlRing) Submit(setup hal.SetupPacket, out []byte) (data, status uint64, err error) {
	if uintptr(setup.Length) > c.data.Size() {
		return 0, 0, fmt.Errorf("ring: control transfer of %d bytes: %w", setup.Length, pkg.ErrBufferTooSmall)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if setup.Length > 0 && !setup.IsIn() {
		if len(out) < int(setup.Length) {
			return 0, 0, fmt.Errorf("ring: %d bytes for %d-byte OUT stage: %w",
				len(out), setup.Length, pkg.ErrBufferTooSmall)
		}
		copy(c.data.Bytes(), out[:setup.Length])
	}
	for _, t := range trb.ControlTransfer(setup, c.data.PhysAddr()) {
		phys := c.p.push(t)
		switch t.Type() {
		case trb.TypeDataStage:
			data = phys
		case trb.TypeStatusStage:
			status = phys
		}
	}
	return data, status, nil
}

// Data copies the first n bytes received by the last IN transfer into dst
// and returns the count copied.
func (c *ControlRing) Data(dst []byte, n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n = min(n, len(dst), int(c.data.Size()))
	return copy(dst, c.data.Slice(0, uintptr(n)))
}

// PhysAddr returns the bus address of the ring.
func (c *ControlRing) PhysAddr() uint64 { return c.p.ring.PhysAddr() }

// DequeuePointer returns the TR Dequeue Pointer for the endpoint 0 context.
func (c *ControlRing) DequeuePointer() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.p.dequeuePointer()
}

// Free releases the ring and its data page.
func (c *ControlRing) Free() error {
	err := c.p.ring.alloc.Free(c.data)
	if ferr := c.p.ring.Free(); err == nil {
		err = ferr
	}
	return err
}
