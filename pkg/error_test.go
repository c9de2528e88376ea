package pkg

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	// Verify all sentinel errors are distinct
	errs := []error{
		ErrStall,
		ErrTimeout,
		ErrCancelled,
		ErrOverrun,
		ErrUnderrun,
		ErrBabble,
		ErrProtocol,
		ErrNoDevice,
		ErrBandwidth,
		ErrHardwareUnresponsive,
		ErrHostSystemError,
		ErrCommandFailed,
		ErrNoSlots,
		ErrInvalidState,
		ErrNotSupported,
		ErrBusy,
		ErrNoMemory,
		ErrBufferTooSmall,
		ErrAlreadyRunning,
		ErrNotRunning,
		ErrInvalidParameter,
	}

	for i, err1 := range errs {
		if err1 == nil {
			t.Errorf("error %d is nil", i)
			continue
		}
		for j, err2 := range errs {
			if i != j && errors.Is(err1, err2) {
				t.Errorf("error %d and %d are equal", i, j)
			}
		}
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err     error
		wantMsg string
	}{
		{ErrStall, "endpoint stalled"},
		{ErrTimeout, "transfer timeout"},
		{ErrNoDevice, "device not present"},
		{ErrHardwareUnresponsive, "hardware unresponsive"},
		{ErrNoSlots, "no device slots available"},
	}

	for _, tt := range tests {
		t.Run(tt.wantMsg, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("error.Error() = %v, want %v", got, tt.wantMsg)
			}
		})
	}
}

func TestWrappedErrors(t *testing.T) {
	err := fmt.Errorf("xhci: wait HCHalted: %w", ErrHardwareUnresponsive)
	if !errors.Is(err, ErrHardwareUnresponsive) {
		t.Errorf("errors.Is(%v, ErrHardwareUnresponsive) = false", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Errorf("errors.Is(%v, ErrTimeout) = true", err)
	}
}
