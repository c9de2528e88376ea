package xhcisim

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/ardnew/softxhci/host"
	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// KeyboardReportDescriptor describes the 8-byte boot keyboard report:
// [modifiers, reserved, key1, key2, key3, key4, key5, key6]. The device
// accepts a 1-byte LED output report.
var KeyboardReportDescriptor = []byte{
	0x05, 0x01, // Usage Page (Generic Desktop)
	0x09, 0x06, // Usage (Keyboard)
	0xA1, 0x01, // Collection (Application)
	0x05, 0x07, //   Usage Page (Keyboard/Keypad)
	0x19, 0xE0, //   Usage Minimum (Left Control)
	0x29, 0xE7, //   Usage Maximum (Right GUI)
	0x15, 0x00, //   Logical Minimum (0)
	0x25, 0x01, //   Logical Maximum (1)
	0x75, 0x01, //   Report Size (1)
	0x95, 0x08, //   Report Count (8)
	0x81, 0x02, //   Input (Data, Variable, Absolute)
	0x95, 0x01, //   Report Count (1)
	0x75, 0x08, //   Report Size (8)
	0x81, 0x01, //   Input (Constant)
	0x95, 0x05, //   Report Count (5)
	0x75, 0x01, //   Report Size (1)
	0x05, 0x08, //   Usage Page (LEDs)
	0x19, 0x01, //   Usage Minimum (Num Lock)
	0x29, 0x05, //   Usage Maximum (Kana)
	0x91, 0x02, //   Output (Data, Variable, Absolute)
	0x95, 0x01, //   Report Count (1)
	0x75, 0x03, //   Report Size (3)
	0x91, 0x01, //   Output (Constant)
	0x95, 0x06, //   Report Count (6)
	0x75, 0x08, //   Report Size (8)
	0x15, 0x00, //   Logical Minimum (0)
	0x26, 0xFF, 0x00, // Logical Maximum (255)
	0x05, 0x07, //   Usage Page (Keyboard/Keypad)
	0x19, 0x00, //   Usage Minimum (0)
	0x2A, 0xFF, 0x00, // Usage Maximum (255)
	0x81, 0x00, //   Input (Data, Array)
	0xC0, // End Collection
}

// Device is a USB function attached to a simulated root hub port. It
// answers the standard requests used during enumeration and the HID class
// requests a boot keyboard receives; anything else stalls.
type Device struct {
	Speed      hal.Speed
	Descriptor host.DeviceDescriptor
	Interface  host.InterfaceDescriptor

	// Class is the class-specific descriptor placed between the interface
	// and its endpoints (the HID descriptor for a keyboard).
	Class []byte

	Endpoints []hal.EndpointDescriptor

	// Strings holds string descriptors 1..n; index 0 reports US English.
	Strings []string

	// ReportDescriptor answers GET_DESCRIPTOR(Report) on interface 0.
	ReportDescriptor []byte

	mu       sync.Mutex
	address  uint8
	config   uint8
	protocol uint8
	idle     uint8
	halted   map[uint8]bool
	output   []byte
}

// BootKeyboard returns a HID boot keyboard at speed with one interrupt IN
// endpoint (0x81) carrying 8-byte reports.
func BootKeyboard(speed hal.Speed) *Device {
	mps0 := uint8(speed.DefaultMaxPacketSize0())
	interval := uint8(10)
	switch speed {
	case hal.SpeedSuper:
		mps0 = 9 // 2^9 = 512
		interval = 7
	case hal.SpeedHigh:
		interval = 7 // 2^(7-1) microframes = 8 ms
	}
	hid := []byte{9, host.DescriptorTypeHID, 0x11, 0x01, 0, 1, host.DescriptorTypeReport, 0, 0}
	binary.LittleEndian.PutUint16(hid[7:], uint16(len(KeyboardReportDescriptor)))
	return &Device{
		Speed: speed,
		Descriptor: host.DeviceDescriptor{
			USBVersion:        0x0200,
			MaxPacketSize0:    mps0,
			VendorID:          0x1209,
			ProductID:         0x0001,
			DeviceVersion:     0x0100,
			ManufacturerIndex: 1,
			ProductIndex:      2,
			SerialNumberIndex: 3,
			NumConfigurations: 1,
		},
		Interface: host.InterfaceDescriptor{
			NumEndpoints:      1,
			InterfaceClass:    0x03, // HID
			InterfaceSubClass: 0x01, // boot
			InterfaceProtocol: 0x01, // keyboard
		},
		Class: hid,
		Endpoints: []hal.EndpointDescriptor{{
			Address:       0x81,
			Attributes:    uint8(hal.TransferInterrupt),
			MaxPacketSize: 8,
			Interval:      interval,
		}},
		Strings:          []string{"softxhci", "Boot Keyboard", "0001"},
		ReportDescriptor: KeyboardReportDescriptor,
		protocol:         1,
	}
}

// Address returns the bus address the controller assigned.
func (d *Device) Address() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.address
}

// Configuration returns the active configuration value, 0 if unconfigured.
func (d *Device) Configuration() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// Output returns the last output report received with SET_REPORT.
func (d *Device) Output() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bytes.Clone(d.output)
}

// Protocol returns the HID protocol selected with SET_PROTOCOL: 0 for boot,
// 1 for report.
func (d *Device) Protocol() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.protocol
}

// Idle returns the idle rate set with SET_IDLE, in 4 ms units.
func (d *Device) Idle() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idle
}

func (d *Device) setAddress(a uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.address = a
}

// busReset returns the device to the Default state.
func (d *Device) busReset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.address, d.config, d.halted = 0, 0, nil
}

// configuration returns the full configuration descriptor tree.
func (d *Device) configuration() []byte {
	cfg := host.ConfigurationDescriptor{
		NumInterfaces:      1,
		ConfigurationValue: 1,
		Attributes:         0xa0, // bus powered, remote wakeup
		MaxPower:           50,
	}
	buf := cfg.AppendTo(nil)
	buf = d.Interface.AppendTo(buf)
	buf = append(buf, d.Class...)
	for _, ep := range d.Endpoints {
		buf = host.AppendEndpoint(buf, ep)
	}
	binary.LittleEndian.PutUint16(buf[2:], uint16(len(buf)))
	return buf
}

// control handles one request. For OUT requests data holds the data
// stage. It returns the IN response, truncated to setup.Length, and false
// if the device stalls.
func (d *Device) control(setup hal.SetupPacket, data []byte) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	resp, err := d.handle(setup, data)
	if err != nil {
		return nil, false
	}
	if len(resp) > int(setup.Length) {
		resp = resp[:setup.Length]
	}
	return resp, true
}

func (d *Device) handle(setup hal.SetupPacket, data []byte) ([]byte, error) {
	if setup.RequestType&0x60 == host.RequestTypeClass {
		return d.handleClass(setup, data)
	}
	switch setup.RequestType & 0x1f {
	case host.RequestTypeDevice:
		return d.handleDevice(setup)
	case host.RequestTypeInterface:
		return d.handleInterface(setup)
	case host.RequestTypeEndpoint:
		return d.handleEndpoint(setup)
	default:
		return nil, pkg.ErrNotSupported
	}
}

func (d *Device) handleDevice(setup hal.SetupPacket) ([]byte, error) {
	switch setup.Request {
	case host.RequestGetStatus:
		return []byte{0, 0}, nil
	case host.RequestGetDescriptor:
		return d.descriptor(uint8(setup.Value>>8), uint8(setup.Value))
	case host.RequestGetConfiguration:
		if d.address == 0 {
			return nil, pkg.ErrInvalidState
		}
		return []byte{d.config}, nil
	case host.RequestSetConfiguration:
		if d.address == 0 || setup.Value > uint16(d.Descriptor.NumConfigurations) {
			return nil, pkg.ErrInvalidState
		}
		d.config = uint8(setup.Value)
		return nil, nil
	default:
		return nil, pkg.ErrNotSupported
	}
}

func (d *Device) descriptor(typ, idx uint8) ([]byte, error) {
	switch typ {
	case host.DescriptorTypeDevice:
		return d.Descriptor.AppendTo(nil), nil
	case host.DescriptorTypeConfiguration:
		if idx >= d.Descriptor.NumConfigurations {
			return nil, pkg.ErrInvalidParameter
		}
		return d.configuration(), nil
	case host.DescriptorTypeString:
		if idx == 0 {
			return []byte{4, host.DescriptorTypeString, 0x09, 0x04}, nil
		}
		if int(idx) > len(d.Strings) {
			return nil, pkg.ErrInvalidParameter
		}
		return host.StringDescriptor(d.Strings[idx-1]), nil
	default:
		return nil, pkg.ErrNotSupported
	}
}

func (d *Device) handleInterface(setup hal.SetupPacket) ([]byte, error) {
	if setup.Index != uint16(d.Interface.InterfaceNumber) {
		return nil, pkg.ErrInvalidParameter
	}
	switch setup.Request {
	case host.RequestGetStatus:
		return []byte{0, 0}, nil
	case host.RequestGetDescriptor:
		if uint8(setup.Value>>8) != host.DescriptorTypeReport || d.ReportDescriptor == nil {
			return nil, pkg.ErrNotSupported
		}
		return d.ReportDescriptor, nil
	default:
		return nil, pkg.ErrNotSupported
	}
}

func (d *Device) handleEndpoint(setup hal.SetupPacket) ([]byte, error) {
	addr := uint8(setup.Index)
	if addr&0x0f != 0 && !d.hasEndpoint(addr) {
		return nil, pkg.ErrInvalidParameter
	}
	switch setup.Request {
	case host.RequestGetStatus:
		if d.halted[addr] {
			return []byte{1, 0}, nil
		}
		return []byte{0, 0}, nil
	case host.RequestClearFeature:
		if setup.Value != host.FeatureEndpointHalt {
			return nil, pkg.ErrNotSupported
		}
		delete(d.halted, addr)
		return nil, nil
	case host.RequestSetFeature:
		if setup.Value != host.FeatureEndpointHalt {
			return nil, pkg.ErrNotSupported
		}
		if d.halted == nil {
			d.halted = make(map[uint8]bool)
		}
		d.halted[addr] = true
		return nil, nil
	default:
		return nil, pkg.ErrNotSupported
	}
}

func (d *Device) hasEndpoint(addr uint8) bool {
	for _, ep := range d.Endpoints {
		if ep.Address == addr {
			return true
		}
	}
	return false
}

// handleClass handles the HID class requests a boot keyboard receives.
func (d *Device) handleClass(setup hal.SetupPacket, data []byte) ([]byte, error) {
	if d.Interface.InterfaceClass != 0x03 || setup.Index != uint16(d.Interface.InterfaceNumber) {
		return nil, pkg.ErrNotSupported
	}
	switch setup.Request {
	case host.RequestSetIdle:
		d.idle = uint8(setup.Value >> 8)
		return nil, nil
	case host.RequestSetProtocol:
		if setup.Value > 1 {
			return nil, pkg.ErrInvalidParameter
		}
		d.protocol = uint8(setup.Value)
		return nil, nil
	case host.RequestSetReport:
		if len(data) == 0 {
			return nil, pkg.ErrInvalidParameter
		}
		d.output = bytes.Clone(data)
		return nil, nil
	default:
		return nil, pkg.ErrNotSupported
	}
}
