package regs

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/ardnew/softxhci/pkg"
)

// Waiter bounds and paces polling of controller status bits.
type Waiter struct {
	// Timeout applies when the context has no earlier deadline.
	Timeout time.Duration

	// Min and Max bound the delay between polls, which doubles after
	// each miss.
	Min time.Duration
	Max time.Duration
}

// DefaultWaiter is used for zero fields of a Waiter.
var DefaultWaiter = Waiter{
	Timeout: time.Second,
	Min:     time.Microsecond,
	Max:     time.Millisecond,
}

func (w Waiter) withDefaults() Waiter {
	if w.Timeout <= 0 {
		w.Timeout = DefaultWaiter.Timeout
	}
	if w.Min <= 0 {
		w.Min = DefaultWaiter.Min
	}
	if w.Max < w.Min {
		w.Max = max(DefaultWaiter.Max, w.Min)
	}
	return w
}

// Until polls cond until it reports true. It returns an error wrapping
// pkg.ErrHardwareUnresponsive, and the context error if any, when the
// deadline passes first. what names the awaited condition in the error.
func (w Waiter) Until(ctx context.Context, what string, cond func() bool) error {
	w = w.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, w.Timeout)
	defer cancel()

	b := &backoff.Backoff{
		Min:    w.Min,
		Max:    w.Max,
		Factor: 2,
		Jitter: false,
	}
	for {
		if cond() {
			return nil
		}
		t := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			t.Stop()
			if cond() {
				return nil
			}
			pkg.LogWarn(pkg.ComponentRegs, "controller unresponsive", "waiting for", what,
				"attempts", int(b.Attempt()))
			return fmt.Errorf("regs: waiting for %s: %w (%w)", what, pkg.ErrHardwareUnresponsive, ctx.Err())
		case <-t.C:
		}
	}
}
