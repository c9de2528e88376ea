package xhci

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/ardnew/softxhci/host/hal/xhci/devctx"
	"github.com/ardnew/softxhci/host/hal/xhci/regs"
	"github.com/ardnew/softxhci/host/hal/xhci/trb"
)

// maxUnclaimed bounds the events kept for waiters not yet registered.
const maxUnclaimed = 16

// waiter receives the first event its matcher accepts.
type waiter struct {
	m  trb.Matcher
	ch chan trb.TRB
}

// waitList routes command completions and control transfer events to the
// goroutines blocked on them. An event that arrives before its waiter is
// registered is held in a short unclaimed list; one whose waiter gave up
// is discarded.
type waitList struct {
	mu        sync.Mutex
	waiters   []*waiter
	unclaimed []trb.TRB
	abandoned []trb.Matcher
}

func (l *waitList) add(m trb.Matcher) *waiter {
	w := &waiter{m: m, ch: make(chan trb.TRB, 1)}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, t := range l.unclaimed {
		if m.Match(t) {
			l.unclaimed = append(l.unclaimed[:i], l.unclaimed[i+1:]...)
			w.ch <- t
			return w
		}
	}
	l.waiters = append(l.waiters, w)
	return w
}

func (l *waitList) remove(w *waiter) {
	if w == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, v := range l.waiters {
		if v == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}

// abandon removes w after its caller stopped waiting. The event it was
// waiting for is discarded if it still arrives.
func (l *waitList) abandon(w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, v := range l.waiters {
		if v == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			if len(l.abandoned) == maxUnclaimed {
				l.abandoned = l.abandoned[1:]
			}
			l.abandoned = append(l.abandoned, w.m)
			return
		}
	}
}

// deliver hands t to the first matching waiter and reports whether one
// took it.
func (l *waitList) deliver(t trb.TRB) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, w := range l.waiters {
		if w.m.Match(t) {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			w.ch <- t
			return true
		}
	}
	for i, m := range l.abandoned {
		if m.Match(t) {
			l.abandoned = append(l.abandoned[:i], l.abandoned[i+1:]...)
			return false
		}
	}
	if len(l.unclaimed) == maxUnclaimed {
		l.unclaimed = l.unclaimed[1:]
	}
	l.unclaimed = append(l.unclaimed, t)
	return false
}

// HandleInterrupt acknowledges the interrupter, drains the event ring and
// dispatches every event. It returns the number of events handled. It is
// safe to call from an interrupt bottom half and from Run concurrently.
func (c *Controller) HandleInterrupt() int {
	c.drain.Lock()
	defer c.drain.Unlock()
	c.mu.Lock()
	events, intr := c.events, c.intr
	c.mu.Unlock()
	if events == nil {
		return 0
	}
	intr.AckPending()
	c.regs.Operational.AckEventInterrupt()

	n := 0
	for {
		t, ok := events.Pop()
		if !ok {
			break
		}
		c.dispatch(t)
		n++
	}
	if n > 0 {
		intr.SetDequeue(events.DequeuePointer())
	}
	return n
}

// Run polls the event ring until ctx is done, backing off between empty
// polls from Config.PollMin up to Config.PollMax.
func (c *Controller) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: c.cfg.PollMin, Max: c.cfg.PollMax, Factor: 2}
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if c.HandleInterrupt() > 0 {
			b.Reset()
		}
		t.Reset(b.Duration())
	}
}

func (c *Controller) dispatch(t trb.TRB) {
	switch t.Type() {
	case trb.TypeCommandCompletionEvent:
		c.cmdRing.Complete(t.Data())
		if !c.waits.deliver(t) {
			c.log.Debug("completion without waiter", "ptr", fmt.Sprintf("%#x", t.Data()), "code", t.CompletionCode())
		}
	case trb.TypeTransferEvent:
		if t.EndpointID() == 1 {
			c.waits.deliver(t)
			return
		}
		c.transferEvent(t)
	case trb.TypePortStatusChangeEvent:
		c.portEvent(int(t.PortID()))
	case trb.TypeHostControllerEvent:
		c.log.Error("host controller event", "code", t.CompletionCode())
	default:
		c.log.Debug("unhandled event", "event", t)
	}
}

// transferEvent completes an interrupt IN TRB and rings the endpoint's
// doorbell: a controller that ran out of TRBs stays idle until it is told
// the ring was extended.
func (c *Controller) transferEvent(t trb.TRB) {
	if c.completeReport(t) {
		c.doorbell(t.SlotID(), t.EndpointID())
	}
}

// completeReport delivers the payload of t to the endpoint's report
// channel and hands the slot back. It reports whether the endpoint is
// still running and needs its doorbell rung.
func (c *Controller) completeReport(t trb.TRB) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	dev := c.devices[t.SlotID()]
	if dev == nil {
		c.log.Warn("transfer event for unknown slot", "slot", t.SlotID())
		return false
	}
	ep := dev.eps[t.EndpointID()]
	if ep == nil {
		c.log.Warn("transfer event for unknown endpoint", "slot", t.SlotID(), "dci", t.EndpointID())
		return false
	}
	code := t.CompletionCode()
	n := ep.ring.TransferSize() - min(t.TransferLength(), ep.ring.TransferSize())
	data := ep.ring.Dequeue(t.Data(), n)
	if err := code.Err(); err != nil {
		c.log.Warn("interrupt transfer failed", "slot", t.SlotID(), "endpoint", fmt.Sprintf("%#02x", ep.desc.Address), "err", err)
		if dev.endpointState(ep.dci) == devctx.EPHalted {
			// recoverEndpoint rings the doorbell once the endpoint runs again.
			if c.running && ep.recovering.CompareAndSwap(false, true) {
				c.wg.Add(1)
				go c.recoverEndpoint(dev, ep)
			}
			return false
		}
		return c.running
	}
	select {
	case ep.reports <- data:
	default:
		c.log.Warn("report dropped", "slot", t.SlotID(), "endpoint", fmt.Sprintf("%#02x", ep.desc.Address))
	}
	return c.running
}

// portEvent acknowledges a port's change bits and reports new connections.
func (c *Controller) portEvent(n int) {
	p, err := c.regs.Port(n)
	if err != nil {
		c.log.Warn("port status change for unknown port", "port", n)
		return
	}
	c.regs.Operational.AckPortChange()
	chg := p.ClearChanges()
	st := p.Status()
	c.log.Debug("port status change", "port", n, "changes", fmt.Sprintf("%#x", chg),
		"connected", st.Connected, "enabled", st.Enabled)
	// A new connection is not enabled until its port is reset.
	if chg&regs.PortConnectChg != 0 && st.Connected && !st.Enabled {
		select {
		case c.connCh <- n:
		default:
			c.log.Warn("connection event dropped", "port", n)
		}
	}
}
