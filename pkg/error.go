package pkg

import "errors"

// USB protocol errors reported through transfer completions.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrTimeout indicates a transfer or command timeout.
	ErrTimeout = errors.New("transfer timeout")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrOverrun indicates a data overrun condition.
	ErrOverrun = errors.New("data overrun")

	// ErrUnderrun indicates a data underrun condition.
	ErrUnderrun = errors.New("data underrun")

	// ErrBabble indicates the device transmitted past the end of a packet.
	ErrBabble = errors.New("babble detected")

	// ErrProtocol indicates a USB transaction or TRB protocol error.
	ErrProtocol = errors.New("protocol error")

	// ErrNoDevice indicates the device is not present.
	ErrNoDevice = errors.New("device not present")

	// ErrBandwidth indicates insufficient bus bandwidth for an endpoint.
	ErrBandwidth = errors.New("insufficient bandwidth")
)

// Host controller errors.
var (
	// ErrHardwareUnresponsive indicates the controller did not reach an
	// expected register state before the deadline.
	ErrHardwareUnresponsive = errors.New("hardware unresponsive")

	// ErrHostSystemError indicates the controller flagged a host system error.
	ErrHostSystemError = errors.New("host system error")

	// ErrCommandFailed indicates a command completed with a failure code.
	ErrCommandFailed = errors.New("command failed")

	// ErrNoSlots indicates the controller has no free device slots.
	ErrNoSlots = errors.New("no device slots available")

	// ErrInvalidState indicates an invalid controller or device state for the operation.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrBusy indicates the resource is busy (for example, a full command ring).
	ErrBusy = errors.New("resource busy")

	// ErrNoMemory indicates a DMA allocation failure.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrAlreadyRunning indicates the controller is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the controller is not running.
	ErrNotRunning = errors.New("not running")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")
)
