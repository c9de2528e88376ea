package xhci

import (
	"log/slog"
	"time"

	"github.com/ardnew/softxhci/host/hal/xhci/regs"
	"github.com/ardnew/softxhci/pkg"
)

// Config configures a Controller. Zero fields other than PollEvents take
// the DefaultConfig value.
type Config struct {
	// MaxSlots caps CONFIG.MaxSlotsEn below the controller's own limit.
	MaxSlots uint8

	// CommandTimeout bounds each command when the caller's context has no
	// earlier deadline.
	CommandTimeout time.Duration

	// TransferTimeout bounds each control transfer likewise.
	TransferTimeout time.Duration

	// ResetTimeout bounds controller reset, start, stop and port reset.
	ResetTimeout time.Duration

	// PollMin and PollMax bound the delay between register polls and
	// between event ring polls in Run.
	PollMin time.Duration
	PollMax time.Duration

	// PollEvents makes Start run the event loop in its own goroutine. Set
	// it false when an interrupt handler calls HandleInterrupt instead.
	PollEvents bool

	// ReportDepth is the buffer of each interrupt IN report channel.
	ReportDepth int

	// Logger defaults to pkg.Logger(pkg.ComponentXHCI).
	Logger *slog.Logger
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		MaxSlots:        8,
		CommandTimeout:  time.Second,
		TransferTimeout: time.Second,
		ResetTimeout:    time.Second,
		PollMin:         time.Microsecond,
		PollMax:         time.Millisecond,
		PollEvents:      true,
		ReportDepth:     32,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSlots == 0 {
		c.MaxSlots = d.MaxSlots
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = d.TransferTimeout
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.PollMin <= 0 {
		c.PollMin = d.PollMin
	}
	if c.PollMax < c.PollMin {
		c.PollMax = max(d.PollMax, c.PollMin)
	}
	if c.ReportDepth <= 0 {
		c.ReportDepth = d.ReportDepth
	}
	if c.Logger == nil {
		c.Logger = pkg.Logger(pkg.ComponentXHCI)
	}
	return c
}

// waiter paces register polls for operations bounded by ResetTimeout.
func (c Config) waiter() regs.Waiter {
	return regs.Waiter{Timeout: c.ResetTimeout, Min: c.PollMin, Max: c.PollMax}
}
