package xhci

import (
	"context"
	"fmt"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/xhci/trb"
	"github.com/ardnew/softxhci/pkg"
)

// ControlTransfer performs a control transfer on the default endpoint of
// slot. For IN requests data receives up to setup.Length bytes; for OUT
// requests it supplies them. It returns the data stage length, which is
// short when the device answered with fewer bytes than requested.
//
// A stalled or failed transfer leaves the endpoint running again: it is
// reset and its dequeue pointer moved past the failed TD before the error
// is returned.
func (c *Controller) ControlTransfer(ctx context.Context, slot hal.SlotID, setup *hal.SetupPacket, data []byte) (int, error) {
	if setup == nil {
		return 0, fmt.Errorf("xhci: nil setup packet: %w", pkg.ErrInvalidParameter)
	}
	if len(data) < int(setup.Length) {
		return 0, fmt.Errorf("xhci: %d-byte buffer for %d-byte data stage: %w",
			len(data), setup.Length, pkg.ErrBufferTooSmall)
	}
	dev, err := c.device(slot)
	if err != nil {
		return 0, err
	}
	dev.ctlMu.Lock()
	defer dev.ctlMu.Unlock()

	stop := c.isRunning()
	if stop == nil {
		return 0, pkg.ErrNotRunning
	}
	dataPhys, statusPhys, err := dev.ctl.Submit(*setup, data)
	if err != nil {
		return 0, err
	}
	var dataCh <-chan trb.TRB
	if dataPhys != 0 {
		w := c.waits.add(trb.TransferMatcher(dev.slot, dataPhys))
		defer c.waits.remove(w)
		dataCh = w.ch
	}
	sw := c.waits.add(trb.TransferMatcher(dev.slot, statusPhys))
	defer c.waits.remove(sw)
	c.doorbell(dev.slot, 1)

	tctx, cancel := withTimeout(ctx, c.cfg.TransferTimeout)
	defer cancel()

	n := int(setup.Length)
	for {
		var ev trb.TRB
		select {
		case ev = <-dataCh:
			dataCh = nil
			if ev.CompletionCode() == trb.CodeShortPacket {
				n -= int(min(ev.TransferLength(), uint32(setup.Length)))
				continue
			}
		case ev = <-sw.ch:
		case <-stop:
			return 0, pkg.ErrNotRunning
		case <-tctx.Done():
			err := fmt.Errorf("xhci: slot %d request %#02x: %w", slot, setup.Request, ctxError(tctx))
			c.recoverControl(dev)
			return 0, err
		}
		if err := ev.CompletionCode().Err(); err != nil {
			c.log.Debug("control transfer failed", "slot", slot, "request", fmt.Sprintf("%#02x", setup.Request),
				"code", ev.CompletionCode())
			c.recoverControl(dev)
			return 0, fmt.Errorf("xhci: slot %d request %#02x: %w", slot, setup.Request, err)
		}
		if ev.Data() != statusPhys {
			// Successful data stage event; the status stage follows.
			continue
		}
		break
	}
	if setup.IsIn() && n > 0 {
		n = dev.ctl.Data(data, n)
	}
	return n, nil
}

// recoverControl returns the default endpoint to service after a failed
// transfer, discarding what remains of the TD.
func (c *Controller) recoverControl(dev *device) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*c.cfg.CommandTimeout)
	defer cancel()
	if err := c.resetEndpoint(ctx, dev, 1, dev.ctl.DequeuePointer()); err != nil {
		c.log.Warn("default endpoint recovery failed", "slot", dev.slot, "err", err)
	}
}
