package host

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softxhci/host/hal"
)

// Device states as defined in USB 2.0 specification.
const (
	DeviceStateDetached   DeviceState = 0 // Device is not connected
	DeviceStateAttached   DeviceState = 1 // Device is attached but not addressed
	DeviceStateDefault    DeviceState = 2 // Device has a slot, no address
	DeviceStateAddress    DeviceState = 3 // Device has been assigned an address
	DeviceStateConfigured DeviceState = 4 // Device is configured
)

// DeviceState represents USB device state (from host perspective).
type DeviceState uint8

// String returns a human-readable state description.
func (s DeviceState) String() string {
	switch s {
	case DeviceStateDetached:
		return "Detached"
	case DeviceStateAttached:
		return "Attached"
	case DeviceStateDefault:
		return "Default"
	case DeviceStateAddress:
		return "Address"
	case DeviceStateConfigured:
		return "Configured"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}

// Limits for descriptor buffers.
const (
	// MaxDescriptorSize is the largest configuration tree read.
	MaxDescriptorSize = 512

	// MaxStringsPerDevice is the maximum string descriptors cached per device.
	MaxStringsPerDevice = 16

	// MaxInterfacesPerConfiguration bounds the interfaces kept per device.
	MaxInterfacesPerConfiguration = 8

	// MaxDevices is the number of enumerated devices WaitDevice buffers.
	MaxDevices = 16
)

// Descriptor types.
const (
	DescriptorTypeDevice        = 0x01
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeString        = 0x03
	DescriptorTypeInterface     = 0x04
	DescriptorTypeEndpoint      = 0x05
	DescriptorTypeHID           = 0x21
	DescriptorTypeReport        = 0x22
)

// Standard request codes.
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestGetDescriptor    = 0x06
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
)

// HID class requests.
const (
	RequestGetReport   = 0x01
	RequestGetIdle     = 0x02
	RequestGetProtocol = 0x03
	RequestSetReport   = 0x09
	RequestSetIdle     = 0x0A
	RequestSetProtocol = 0x0B
)

// HID report types (high byte of wValue in GET_REPORT and SET_REPORT).
const (
	ReportTypeInput   = 0x01
	ReportTypeOutput  = 0x02
	ReportTypeFeature = 0x03
)

// HID protocols selected with SET_PROTOCOL.
const (
	ProtocolBoot   = 0x00
	ProtocolReport = 0x01
)

// Interface class codes.
const ClassHID = 0x03

// Request types (bmRequestType).
const (
	RequestTypeOut       = 0x00 // Host to device
	RequestTypeIn        = 0x80 // Device to host
	RequestTypeStandard  = 0x00 // Standard request
	RequestTypeClass     = 0x20 // Class-specific request
	RequestTypeDevice    = 0x00 // Recipient: device
	RequestTypeInterface = 0x01 // Recipient: interface
	RequestTypeEndpoint  = 0x02 // Recipient: endpoint
)

// Feature selectors.
const FeatureEndpointHalt = 0x00

// LangIDUSEnglish is the default language ID.
const LangIDUSEnglish = 0x0409

// DeviceDescriptor represents a USB device descriptor.
type DeviceDescriptor struct {
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// DeviceDescriptorSize is the size of a device descriptor.
const DeviceDescriptorSize = 18

// ParseDeviceDescriptor parses device descriptor from data.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) bool {
	if len(data) < DeviceDescriptorSize || data[1] != DescriptorTypeDevice {
		return false
	}
	out.USBVersion = binary.LittleEndian.Uint16(data[2:])
	out.DeviceClass = data[4]
	out.DeviceSubClass = data[5]
	out.DeviceProtocol = data[6]
	out.MaxPacketSize0 = data[7]
	out.VendorID = binary.LittleEndian.Uint16(data[8:])
	out.ProductID = binary.LittleEndian.Uint16(data[10:])
	out.DeviceVersion = binary.LittleEndian.Uint16(data[12:])
	out.ManufacturerIndex = data[14]
	out.ProductIndex = data[15]
	out.SerialNumberIndex = data[16]
	out.NumConfigurations = data[17]
	return true
}

// AppendTo appends the wire form of d to buf.
func (d *DeviceDescriptor) AppendTo(buf []byte) []byte {
	buf = append(buf, DeviceDescriptorSize, DescriptorTypeDevice)
	buf = binary.LittleEndian.AppendUint16(buf, d.USBVersion)
	buf = append(buf, d.DeviceClass, d.DeviceSubClass, d.DeviceProtocol, d.MaxPacketSize0)
	buf = binary.LittleEndian.AppendUint16(buf, d.VendorID)
	buf = binary.LittleEndian.AppendUint16(buf, d.ProductID)
	buf = binary.LittleEndian.AppendUint16(buf, d.DeviceVersion)
	return append(buf, d.ManufacturerIndex, d.ProductIndex, d.SerialNumberIndex, d.NumConfigurations)
}

// ConfigurationDescriptor represents a USB configuration descriptor.
type ConfigurationDescriptor struct {
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8
}

// ConfigurationDescriptorSize is the size of a configuration descriptor header.
const ConfigurationDescriptorSize = 9

// ParseConfigurationDescriptor parses configuration descriptor from data.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) bool {
	if len(data) < ConfigurationDescriptorSize || data[1] != DescriptorTypeConfiguration {
		return false
	}
	out.TotalLength = binary.LittleEndian.Uint16(data[2:])
	out.NumInterfaces = data[4]
	out.ConfigurationValue = data[5]
	out.ConfigurationIndex = data[6]
	out.Attributes = data[7]
	out.MaxPower = data[8]
	return true
}

// AppendTo appends the configuration header to buf. TotalLength is written
// as stored.
func (c *ConfigurationDescriptor) AppendTo(buf []byte) []byte {
	buf = append(buf, ConfigurationDescriptorSize, DescriptorTypeConfiguration)
	buf = binary.LittleEndian.AppendUint16(buf, c.TotalLength)
	return append(buf, c.NumInterfaces, c.ConfigurationValue, c.ConfigurationIndex, c.Attributes, c.MaxPower)
}

// InterfaceDescriptor represents a USB interface descriptor.
type InterfaceDescriptor struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// InterfaceDescriptorSize is the size of an interface descriptor.
const InterfaceDescriptorSize = 9

// ParseInterfaceDescriptor parses interface descriptor from data.
func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) bool {
	if len(data) < InterfaceDescriptorSize || data[1] != DescriptorTypeInterface {
		return false
	}
	out.InterfaceNumber = data[2]
	out.AlternateSetting = data[3]
	out.NumEndpoints = data[4]
	out.InterfaceClass = data[5]
	out.InterfaceSubClass = data[6]
	out.InterfaceProtocol = data[7]
	out.InterfaceIndex = data[8]
	return true
}

// AppendTo appends the wire form of i to buf.
func (i *InterfaceDescriptor) AppendTo(buf []byte) []byte {
	return append(buf, InterfaceDescriptorSize, DescriptorTypeInterface,
		i.InterfaceNumber, i.AlternateSetting, i.NumEndpoints,
		i.InterfaceClass, i.InterfaceSubClass, i.InterfaceProtocol, i.InterfaceIndex)
}

// EndpointDescriptorSize is the size of an endpoint descriptor.
const EndpointDescriptorSize = 7

// ParseEndpointDescriptor parses endpoint descriptor from data.
func ParseEndpointDescriptor(data []byte, out *hal.EndpointDescriptor) bool {
	if len(data) < EndpointDescriptorSize || data[1] != DescriptorTypeEndpoint {
		return false
	}
	out.Address = data[2]
	out.Attributes = data[3]
	out.MaxPacketSize = binary.LittleEndian.Uint16(data[4:])
	out.Interval = data[6]
	return true
}

// AppendEndpoint appends the wire form of e to buf.
func AppendEndpoint(buf []byte, e hal.EndpointDescriptor) []byte {
	buf = append(buf, EndpointDescriptorSize, DescriptorTypeEndpoint, e.Address, e.Attributes)
	buf = binary.LittleEndian.AppendUint16(buf, e.MaxPacketSize)
	return append(buf, e.Interval)
}

// StringDescriptor encodes s as a string descriptor (UTF-16LE, BMP only).
func StringDescriptor(s string) []byte {
	buf := []byte{0, DescriptorTypeString}
	for _, r := range s {
		if r > 0xffff {
			r = '?'
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(r))
	}
	buf[0] = byte(len(buf))
	return buf
}

// ParseStringDescriptor decodes a string descriptor, keeping ASCII only.
func ParseStringDescriptor(data []byte) string {
	if len(data) < 2 || data[1] != DescriptorTypeString {
		return ""
	}
	length := min(int(data[0]), len(data))
	if length < 2 {
		return ""
	}
	out := make([]byte, 0, (length-2)/2)
	for i := 2; i+1 < length; i += 2 {
		c := binary.LittleEndian.Uint16(data[i:])
		if c < 0x80 {
			out = append(out, byte(c))
		}
	}
	return string(out)
}
