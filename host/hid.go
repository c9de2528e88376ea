package host

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// HIDDescriptor is the class descriptor of a HID interface.
type HIDDescriptor struct {
	HIDVersion       uint16
	CountryCode      uint8
	NumDescriptors   uint8
	ReportDescType   uint8
	ReportDescLength uint16
}

// HIDDescriptorSize is the size of a HID descriptor naming one report
// descriptor.
const HIDDescriptorSize = 9

// ParseHIDDescriptor parses a HID descriptor from data.
func ParseHIDDescriptor(data []byte, out *HIDDescriptor) bool {
	if len(data) < HIDDescriptorSize || data[1] != DescriptorTypeHID {
		return false
	}
	out.HIDVersion = binary.LittleEndian.Uint16(data[2:])
	out.CountryCode = data[4]
	out.NumDescriptors = data[5]
	out.ReportDescType = data[6]
	out.ReportDescLength = binary.LittleEndian.Uint16(data[7:])
	return true
}

// KeyboardReport is a boot protocol keyboard input report.
type KeyboardReport struct {
	Modifiers uint8
	Keys      [6]uint8
}

// KeyboardReportSize is the size of a boot protocol keyboard report.
const KeyboardReportSize = 8

// ParseKeyboardReport parses a boot protocol keyboard report.
func ParseKeyboardReport(data []byte, out *KeyboardReport) bool {
	if len(data) < KeyboardReportSize {
		return false
	}
	out.Modifiers = data[0]
	copy(out.Keys[:], data[2:8])
	return true
}

// Pressed returns the usage IDs of the keys held down, in report order.
func (r *KeyboardReport) Pressed() []uint8 {
	var keys []uint8
	for _, k := range r.Keys {
		if k > 0x03 { // 1-3 are error codes
			keys = append(keys, k)
		}
	}
	return keys
}

// HIDDescriptor returns the HID descriptor of interface num.
func (d *Device) HIDDescriptor(num uint8) (HIDDescriptor, error) {
	iface := d.GetInterface(num)
	if iface == nil || iface.InterfaceClass != ClassHID {
		return HIDDescriptor{}, fmt.Errorf("interface %d is not HID: %w", num, pkg.ErrInvalidParameter)
	}
	var hid HIDDescriptor
	for _, desc := range d.ClassDescriptors(num) {
		if ParseHIDDescriptor(desc, &hid) {
			return hid, nil
		}
	}
	return HIDDescriptor{}, fmt.Errorf("interface %d has no HID descriptor: %w", num, pkg.ErrNotSupported)
}

// GetReportDescriptor reads the report descriptor of HID interface num into
// data.
func (d *Device) GetReportDescriptor(ctx context.Context, num uint8, data []byte) (int, error) {
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeInterface,
		Request:     RequestGetDescriptor,
		Value:       uint16(DescriptorTypeReport) << 8,
		Index:       uint16(num),
		Length:      uint16(len(data)),
	}
	return d.ControlTransfer(ctx, &setup, data)
}

// SetIdle sets the idle rate of HID interface num, in 4 ms units, for all
// reports. Zero reports only on change.
func (d *Device) SetIdle(ctx context.Context, num, rate uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeClass | RequestTypeInterface,
		Request:     RequestSetIdle,
		Value:       uint16(rate) << 8,
		Index:       uint16(num),
	}
	_, err := d.ControlTransfer(ctx, &setup, nil)
	return err
}

// SetProtocol selects ProtocolBoot or ProtocolReport on HID interface num.
func (d *Device) SetProtocol(ctx context.Context, num, protocol uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeClass | RequestTypeInterface,
		Request:     RequestSetProtocol,
		Value:       uint16(protocol),
		Index:       uint16(num),
	}
	_, err := d.ControlTransfer(ctx, &setup, nil)
	return err
}

// SetReport sends report id of reportType to HID interface num, e.g. the
// LED output report of a keyboard.
func (d *Device) SetReport(ctx context.Context, num, reportType, id uint8, data []byte) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeClass | RequestTypeInterface,
		Request:     RequestSetReport,
		Value:       uint16(reportType)<<8 | uint16(id),
		Index:       uint16(num),
		Length:      uint16(len(data)),
	}
	_, err := d.ControlTransfer(ctx, &setup, data)
	return err
}
