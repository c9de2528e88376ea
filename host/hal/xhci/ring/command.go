package ring

import (
	"fmt"
	"sync"

	"github.com/ardnew/softxhci/host/hal/xhci/trb"
	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/dma"
)

// CommandRing carries commands from the driver to the controller.
type CommandRing struct {
	mu      sync.Mutex
	p       producer
	pending int
}

// NewCommandRing allocates a command ring with its Link TRB installed.
func NewCommandRing(alloc dma.Allocator) (*CommandRing, error) {
	p, err := newProducer(alloc)
	if err != nil {
		return nil, err
	}
	return &CommandRing{p: p}, nil
}

// Reset returns the ring to its initial state. The controller must be
// halted.
func (c *CommandRing) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.p.reset()
	c.pending = 0
}

// PhysAddr returns the bus address of the ring.
func (c *CommandRing) PhysAddr() uint64 { return c.p.ring.PhysAddr() }

// CRCR returns the Command Ring Control Register value: the ring address
// with Ring Cycle State set.
func (c *CommandRing) CRCR() uint64 { return c.PhysAddr() | 1 }

// Push enqueues t and returns the bus address of its slot, which the
// command completion event will carry. It returns pkg.ErrBusy when every
// usable slot holds a command that has not completed yet.
func (c *CommandRing) Push(t trb.TRB) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending >= Size-1 {
		return 0, fmt.Errorf("ring: %d commands outstanding: %w", c.pending, pkg.ErrBusy)
	}
	phys := c.p.push(t)
	c.pending++
	pkg.LogDebug(pkg.ComponentRing, "command queued",
		"type", t.Type(), "phys", fmt.Sprintf("%#x", phys), "pending", c.pending)
	return phys, nil
}

// Complete retires the command at phys.
func (c *CommandRing) Complete(phys uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.p.ring.IndexOf(phys); !ok || c.pending == 0 {
		pkg.LogWarn(pkg.ComponentRing, "completion for unknown command",
			"phys", fmt.Sprintf("%#x", phys), "pending", c.pending)
		return
	}
	c.pending--
}

// Pending returns the number of commands issued but not completed.
func (c *CommandRing) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// CycleStateOurs returns the cycle bit value that currently marks a slot
// as owned by the driver.
func (c *CommandRing) CycleStateOurs() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.p.cycleStateOurs
}

// Snapshot returns a copy of every slot and the cursor position.
func (c *CommandRing) Snapshot() ([Size]trb.TRB, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return snapshot(c.p.ring)
}

// Free releases the ring memory.
func (c *CommandRing) Free() error { return c.p.ring.Free() }

func snapshot(r *Ring) (out [Size]trb.TRB, cur int) {
	for i := range out {
		out[i] = r.TRB(i)
	}
	return out, r.CurrentIndex()
}
