package xhci

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/xhci/devctx"
	"github.com/ardnew/softxhci/host/hal/xhci/regs"
	"github.com/ardnew/softxhci/host/hal/xhci/ring"
	"github.com/ardnew/softxhci/host/hal/xhci/trb"
	"github.com/ardnew/softxhci/pkg"
)

// ctxError maps a finished context to the package error for a timeout or
// a cancellation.
func ctxError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", pkg.ErrTimeout, ctx.Err())
	}
	return fmt.Errorf("%w: %w", pkg.ErrCancelled, ctx.Err())
}

// withTimeout bounds ctx by d unless it already has an earlier deadline.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= d {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// command enqueues t, rings the host controller doorbell and waits for
// its completion event. A completion code other than Success fails with an
// error wrapping the code's sentinel; the event is returned either way.
func (c *Controller) command(ctx context.Context, t trb.TRB) (trb.TRB, error) {
	stop := c.isRunning()
	if stop == nil {
		return trb.TRB{}, fmt.Errorf("xhci: %v: %w", t.Type(), pkg.ErrNotRunning)
	}
	phys, err := c.cmdRing.Push(t)
	if err != nil {
		return trb.TRB{}, fmt.Errorf("xhci: %v: %w", t.Type(), err)
	}
	w := c.waits.add(trb.CommandMatcher(phys))
	c.doorbell(0, 0)

	ctx, cancel := withTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	select {
	case ev := <-w.ch:
		if err := ev.CompletionCode().Err(); err != nil {
			return ev, fmt.Errorf("xhci: %v: %w", t.Type(), err)
		}
		return ev, nil
	case <-stop:
		c.waits.abandon(w)
		return trb.TRB{}, fmt.Errorf("xhci: %v: %w", t.Type(), pkg.ErrNotRunning)
	case <-ctx.Done():
		c.waits.abandon(w)
		c.log.Warn("command timed out", "type", t.Type(), "ptr", fmt.Sprintf("%#x", phys))
		return trb.TRB{}, fmt.Errorf("xhci: %v: %w", t.Type(), ctxError(ctx))
	}
}

// NoOp runs a No Op command, which exercises the command and event rings.
func (c *Controller) NoOp(ctx context.Context) error {
	_, err := c.command(ctx, trb.NoOpCommand())
	return err
}

// EnableSlot allocates a device slot and its contexts.
func (c *Controller) EnableSlot(ctx context.Context) (hal.SlotID, error) {
	ev, err := c.command(ctx, trb.EnableSlot(0))
	if err != nil {
		return 0, err
	}
	id := ev.SlotID()
	if _, err := c.newDevice(id); err != nil {
		if _, derr := c.command(context.WithoutCancel(ctx), trb.DisableSlot(id)); derr != nil {
			c.log.Warn("releasing slot", "slot", id, "err", derr)
		}
		return 0, err
	}
	c.log.Debug("slot enabled", "slot", id)
	return hal.SlotID(id), nil
}

// DisableSlot releases a device slot. Report channels of its endpoints are
// closed.
func (c *Controller) DisableSlot(ctx context.Context, slot hal.SlotID) error {
	dev, err := c.device(slot)
	if err != nil {
		return err
	}
	if _, err := c.command(ctx, trb.DisableSlot(uint8(slot))); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.devices, dev.slot)
	if c.dcbaa != nil {
		c.dcbaa.Unsafe()[dev.slot].Write(0)
	}
	c.log.Debug("slot disabled", "slot", slot)
	return c.freeDevice(dev)
}

// AddressDevice installs the slot and default endpoint contexts of the
// device on port and has the controller assign its bus address.
func (c *Controller) AddressDevice(ctx context.Context, slot hal.SlotID, port int, speed hal.Speed) error {
	if _, err := c.regs.Port(port); err != nil {
		return err
	}
	if speed == hal.SpeedUnknown {
		return fmt.Errorf("xhci: address device at unknown speed: %w", pkg.ErrInvalidParameter)
	}
	dev, err := c.device(slot)
	if err != nil {
		return err
	}
	dev.inMu.Lock()
	defer dev.inMu.Unlock()

	in := dev.in.Unsafe()
	in.Reset()
	in.Control.Add.Write(devctx.AddFlag(0) | devctx.AddFlag(1))
	sc := &in.Device.Slot
	sc.Info.Put(devctx.FieldContextEntries, 1)
	sc.Info.Put(devctx.FieldSpeed, regs.SpeedID(speed))
	sc.Port.Put(devctx.FieldRootHubPort, uint32(port))
	ep0 := in.Device.Endpoint(1)
	ep0.Info2.Put(devctx.FieldEPType, devctx.EPControl)
	ep0.Info2.Put(devctx.FieldErrorCount, 3)
	ep0.Info2.Put(devctx.FieldMaxPacket, uint32(speed.DefaultMaxPacketSize0()))
	ep0.Dequeue.Write(dev.ctl.DequeuePointer())
	ep0.Transfer.Put(devctx.FieldAvgTRBLength, 8)

	if _, err := c.command(ctx, trb.AddressDevice(dev.in.PhysAddr(), uint8(slot), false)); err != nil {
		return err
	}
	dev.port, dev.speed = port, speed
	c.log.Debug("device addressed", "slot", slot, "port", port, "speed", speed,
		"address", dev.out.Unsafe().Slot.State.Get(devctx.FieldDeviceAddress))
	return nil
}

// SetMaxPacketSize0 updates the default endpoint's max packet size with an
// Evaluate Context command.
func (c *Controller) SetMaxPacketSize0(ctx context.Context, slot hal.SlotID, size uint16) error {
	if size == 0 {
		return fmt.Errorf("xhci: max packet size 0: %w", pkg.ErrInvalidParameter)
	}
	dev, err := c.device(slot)
	if err != nil {
		return err
	}
	dev.inMu.Lock()
	defer dev.inMu.Unlock()

	in := dev.in.Unsafe()
	in.Reset()
	in.Control.Add.Write(devctx.AddFlag(1))
	ep0 := in.Device.Endpoint(1)
	ep0.CopyFrom(dev.out.Unsafe().Endpoint(1))
	ep0.Info2.Put(devctx.FieldMaxPacket, uint32(size))
	_, err = c.command(ctx, trb.EvaluateContext(dev.in.PhysAddr(), uint8(slot)))
	return err
}

// ConfigureInterruptIn adds an interrupt IN endpoint to the device in slot,
// fills its transfer ring and starts it. Reports arrive on the channel
// Reports returns.
func (c *Controller) ConfigureInterruptIn(ctx context.Context, slot hal.SlotID, ep hal.EndpointDescriptor) error {
	if !ep.IsIn() || ep.TransferType() != hal.TransferInterrupt || ep.Number() == 0 {
		return fmt.Errorf("xhci: endpoint %#02x is not interrupt IN: %w", ep.Address, pkg.ErrInvalidParameter)
	}
	mps := ep.MaxPacketSize & 0x7ff
	dev, err := c.device(slot)
	if err != nil {
		return err
	}
	dci := ep.DeviceContextIndex()

	dev.inMu.Lock()
	defer dev.inMu.Unlock()
	c.mu.Lock()
	_, busy := dev.eps[dci]
	c.mu.Unlock()
	if busy {
		return fmt.Errorf("xhci: slot %d endpoint %#02x already configured: %w", slot, ep.Address, pkg.ErrBusy)
	}

	tr, err := ring.NewTransferRing(c.alloc, int(mps))
	if err != nil {
		return err
	}
	tr.FillRing()

	out := dev.out.Unsafe()
	in := dev.in.Unsafe()
	in.Reset()
	in.Control.Add.Write(devctx.AddFlag(0) | devctx.AddFlag(dci))
	in.Device.Slot.CopyFrom(&out.Slot)
	entries := max(out.Slot.Info.Get(devctx.FieldContextEntries), uint32(dci))
	in.Device.Slot.Info.Put(devctx.FieldContextEntries, entries)
	epc := in.Device.Endpoint(dci)
	epc.Info.Put(devctx.FieldInterval, endpointInterval(dev.speed, ep.Interval))
	epc.Info2.Put(devctx.FieldEPType, devctx.EPInterruptIn)
	epc.Info2.Put(devctx.FieldErrorCount, 3)
	epc.Info2.Put(devctx.FieldMaxPacket, uint32(mps))
	epc.Dequeue.Write(tr.DequeuePointer())
	epc.Transfer.Put(devctx.FieldAvgTRBLength, uint32(mps))
	epc.Transfer.Put(devctx.FieldMaxESITLo, uint32(mps))

	if _, err := c.command(ctx, trb.ConfigureEndpoint(dev.in.PhysAddr(), uint8(slot))); err != nil {
		return errors.Join(err, tr.Free())
	}

	e := &endpoint{desc: ep, dci: dci, ring: tr, reports: make(chan []byte, c.cfg.ReportDepth)}
	c.mu.Lock()
	if c.devices[dev.slot] != dev {
		c.mu.Unlock()
		return errors.Join(fmt.Errorf("xhci: slot %d disabled: %w", slot, pkg.ErrInvalidState), tr.Free())
	}
	dev.eps[dci] = e
	c.mu.Unlock()

	c.doorbell(uint8(slot), dci)
	c.log.Debug("interrupt endpoint configured", "slot", slot, "endpoint", fmt.Sprintf("%#02x", ep.Address),
		"dci", dci, "mps", mps, "interval", epc.Info.Get(devctx.FieldInterval))
	return nil
}

// Reports returns the report channel of an interrupt IN endpoint, or nil
// if it is not configured. The channel is closed when the slot is
// disabled.
func (c *Controller) Reports(slot hal.SlotID, endpoint uint8) <-chan []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	dev := c.devices[uint8(slot)]
	if dev == nil {
		return nil
	}
	desc := hal.EndpointDescriptor{Address: endpoint}
	ep := dev.eps[desc.DeviceContextIndex()]
	if ep == nil {
		return nil
	}
	return ep.reports
}

// recoverEndpoint returns a halted interrupt endpoint to service: Reset
// Endpoint, then Set TR Dequeue Pointer to the next slot the driver
// expects, then the doorbell.
func (c *Controller) recoverEndpoint(dev *device, ep *endpoint) {
	defer c.wg.Done()
	defer ep.recovering.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*c.cfg.CommandTimeout)
	defer cancel()
	if err := c.resetEndpoint(ctx, dev, ep.dci, ep.ring.DequeuePointer()); err != nil {
		c.log.Error("endpoint recovery failed", "slot", dev.slot,
			"endpoint", fmt.Sprintf("%#02x", ep.desc.Address), "err", err)
		return
	}
	c.doorbell(dev.slot, ep.dci)
	c.log.Info("endpoint recovered", "slot", dev.slot, "endpoint", fmt.Sprintf("%#02x", ep.desc.Address))
}

// resetEndpoint moves endpoint dci of dev out of the Halted, Error or
// Running state and points its dequeue at ptr.
func (c *Controller) resetEndpoint(ctx context.Context, dev *device, dci uint8, ptr uint64) error {
	switch dev.endpointState(dci) {
	case devctx.EPHalted:
		if _, err := c.command(ctx, trb.ResetEndpoint(dev.slot, dci)); err != nil {
			return err
		}
	case devctx.EPRunning:
		if _, err := c.command(ctx, trb.StopEndpoint(dev.slot, dci)); err != nil {
			return err
		}
	}
	_, err := c.command(ctx, trb.SetTRDequeuePointer(ptr, dev.slot, dci))
	return err
}

// endpointInterval converts bInterval to the endpoint context Interval,
// the exponent of a period in 125 µs units. Full- and low-speed devices
// give the period in frames; faster devices give the exponent plus one.
func endpointInterval(speed hal.Speed, bInterval uint8) uint32 {
	switch speed {
	case hal.SpeedLow, hal.SpeedFull:
		exp := bits.Len(uint(bInterval)*8) - 1
		return uint32(min(max(exp, 3), 10))
	default:
		exp := int(bInterval) - 1
		return uint32(min(max(exp, 0), 15))
	}
}
