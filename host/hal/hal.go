package hal

import (
	"context"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 and 3.x Specifications).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
	SpeedSuper                // SuperSpeed (5 Gbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	case SpeedSuper:
		return "SuperSpeed"
	default:
		return "Unknown"
	}
}

// DefaultMaxPacketSize0 returns the initial endpoint 0 max packet size a
// host assumes for a device of speed s before reading its descriptor.
func (s Speed) DefaultMaxPacketSize0() uint16 {
	switch s {
	case SpeedLow, SpeedFull:
		return 8
	case SpeedHigh:
		return 64
	case SpeedSuper:
		return 512
	default:
		return 8
	}
}

// PortStatus represents the status of a root hub port.
type PortStatus struct {
	Connected     bool  // Device is connected
	Enabled       bool  // Port is enabled
	OverCurrent   bool  // Over-current condition detected
	Reset         bool  // Port is being reset
	PowerOn       bool  // Port has power applied
	LinkState     uint8 // Port link state
	Speed         Speed // Connected device speed
	ConnectChange bool  // Connection status has changed
	EnableChange  bool  // Enable status has changed
	ResetChange   bool  // Reset has completed
}

// SetupPacket represents a USB SETUP packet.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// Standard requests used during enumeration.
const (
	RequestGetStatus        = 0x00
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
)

// Descriptor types for GET_DESCRIPTOR.
const (
	DescriptorDevice        = 0x01
	DescriptorConfiguration = 0x02
	DescriptorString        = 0x03
)

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// IsIn reports whether the data stage, if any, is device-to-host.
func (s *SetupPacket) IsIn() bool { return s.RequestType&0x80 != 0 }

// GetDescriptor returns the standard GET_DESCRIPTOR request for the
// descriptor of type typ and index idx.
func GetDescriptor(typ, idx uint8, length uint16) SetupPacket {
	return SetupPacket{
		RequestType: 0x80,
		Request:     RequestGetDescriptor,
		Value:       uint16(typ)<<8 | uint16(idx),
		Length:      length,
	}
}

// SetConfiguration returns the standard SET_CONFIGURATION request.
func SetConfiguration(value uint8) SetupPacket {
	return SetupPacket{Request: RequestSetConfiguration, Value: uint16(value)}
}

// TransferType indicates the type of USB transfer.
type TransferType uint8

// Transfer type constants.
const (
	TransferControl     TransferType = 0 // Control transfer
	TransferIsochronous TransferType = 1 // Isochronous transfer
	TransferBulk        TransferType = 2 // Bulk transfer
	TransferInterrupt   TransferType = 3 // Interrupt transfer
)

// EndpointDescriptor describes an endpoint to configure on a device.
type EndpointDescriptor struct {
	Address       uint8  // Endpoint address including direction bit
	Attributes    uint8  // Transfer type and sync/usage flags
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval for interrupt/isochronous
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointDescriptor) IsIn() bool {
	return e.Address&0x80 != 0
}

// TransferType returns the transfer type.
func (e *EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.Attributes & 0x03)
}

// DeviceContextIndex returns the xHCI device context index (DCI) of the
// endpoint: 1 for the default control endpoint, otherwise
// 2*number + direction.
func (e *EndpointDescriptor) DeviceContextIndex() uint8 {
	n := e.Number()
	if n == 0 {
		return 1
	}
	dci := 2 * n
	if e.IsIn() {
		dci++
	}
	return dci
}

// SlotID identifies a device slot allocated by the host controller (1-255).
type SlotID uint8

// HostController defines the interface a USB host controller driver exposes
// to the rest of the host stack.
//
// Devices are addressed by the slot the controller assigns them rather than
// by a bus address; the controller handles SET_ADDRESS itself as part of
// AddressDevice.
//
// All methods are safe for concurrent use.
type HostController interface {
	// Initialization and Lifecycle

	// Init resets the controller and installs its data structures.
	Init(ctx context.Context) error

	// Start sets the controller running.
	Start(ctx context.Context) error

	// Stop halts the controller.
	Stop(ctx context.Context) error

	// Close releases all resources held by the controller.
	Close() error

	// Port Operations

	// NumPorts returns the number of root hub ports.
	NumPorts() int

	// GetPortStatus returns the status of a port (1-indexed).
	GetPortStatus(port int) (PortStatus, error)

	// ResetPort resets a port (1-indexed) and waits for the reset to complete.
	ResetPort(ctx context.Context, port int) error

	// WaitForConnection blocks until a device connects or ctx is done.
	// Returns the port number (1-indexed) where the device connected.
	WaitForConnection(ctx context.Context) (int, error)

	// Device Management

	// EnableSlot allocates a device slot.
	EnableSlot(ctx context.Context) (SlotID, error)

	// DisableSlot releases a device slot.
	DisableSlot(ctx context.Context, slot SlotID) error

	// AddressDevice assigns a bus address to the device on port and
	// prepares its default control endpoint.
	AddressDevice(ctx context.Context, slot SlotID, port int, speed Speed) error

	// SetMaxPacketSize0 updates the default endpoint's max packet size once
	// the device descriptor has reported it.
	SetMaxPacketSize0(ctx context.Context, slot SlotID, size uint16) error

	// Transfers

	// ControlTransfer performs a control transfer on endpoint 0.
	// For OUT transfers, data contains the data to send.
	// For IN transfers, data is filled with received data.
	// Returns the number of bytes transferred in the data phase.
	ControlTransfer(ctx context.Context, slot SlotID, setup *SetupPacket, data []byte) (int, error)

	// ConfigureInterruptIn adds an interrupt IN endpoint to a device and
	// starts receiving reports from it.
	ConfigureInterruptIn(ctx context.Context, slot SlotID, ep EndpointDescriptor) error

	// Reports returns the channel of payloads received from an interrupt IN
	// endpoint, or nil if the endpoint is not configured.
	Reports(slot SlotID, endpoint uint8) <-chan []byte
}
