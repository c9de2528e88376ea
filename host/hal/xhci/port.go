package xhci

import (
	"context"
	"fmt"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// NumPorts returns the number of root hub ports.
func (c *Controller) NumPorts() int { return c.regs.NumPorts() }

// GetPortStatus returns the status of port n (1-indexed).
func (c *Controller) GetPortStatus(n int) (hal.PortStatus, error) {
	p, err := c.regs.Port(n)
	if err != nil {
		return hal.PortStatus{}, err
	}
	return p.Status(), nil
}

// ResetPort resets port n and waits until it is enabled.
func (c *Controller) ResetPort(ctx context.Context, n int) error {
	p, err := c.regs.Port(n)
	if err != nil {
		return err
	}
	if !p.Status().Connected {
		return fmt.Errorf("xhci: port %d: %w", n, pkg.ErrNoDevice)
	}
	p.Reset()
	err = c.cfg.waiter().Until(ctx, "port reset", func() bool {
		st := p.Status()
		return !st.Connected || (!st.Reset && st.Enabled)
	})
	if err != nil {
		return fmt.Errorf("xhci: port %d: %w", n, err)
	}
	st := p.Status()
	if !st.Connected {
		return fmt.Errorf("xhci: port %d disconnected during reset: %w", n, pkg.ErrNoDevice)
	}
	c.log.Debug("port reset", "port", n, "speed", st.Speed)
	return nil
}

// WaitForConnection blocks until a port reports a new connection. A port
// already connected when the controller started counts as a connection.
func (c *Controller) WaitForConnection(ctx context.Context) (int, error) {
	select {
	case n := <-c.connCh:
		return n, nil
	case <-ctx.Done():
		return 0, ctxError(ctx)
	}
}
