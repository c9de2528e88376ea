package host

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// ErrEnumerationFailed reports a device that answered enumeration with a
// malformed or truncated descriptor.
var ErrEnumerationFailed = errors.New("enumeration failed")

// enumerateDevice performs the USB enumeration sequence for a device newly
// connected to port. On failure the slot it was given is released.
func (h *Host) enumerateDevice(ctx context.Context, port int) (*Device, error) {
	pkg.LogDebug(pkg.ComponentHost, "starting enumeration", "port", port)

	if err := h.hal.ResetPort(ctx, port); err != nil {
		return nil, err
	}

	// Speed is only valid once the reset has enabled the port.
	st, err := h.hal.GetPortStatus(port)
	if err != nil {
		return nil, err
	}

	slot, err := h.hal.EnableSlot(ctx)
	if err != nil {
		return nil, err
	}

	dev := newDevice(h, port, slot, st.Speed)
	if err := h.configureDevice(ctx, dev); err != nil {
		if derr := h.hal.DisableSlot(context.WithoutCancel(ctx), slot); derr != nil {
			pkg.LogWarn(pkg.ComponentHost, "slot release failed",
				"slot", slot,
				"error", derr)
		}
		return nil, fmt.Errorf("port %d: %w", port, err)
	}
	return dev, nil
}

// configureDevice addresses dev, reads its descriptors, selects its first
// configuration and starts its interrupt IN endpoints.
func (h *Host) configureDevice(ctx context.Context, dev *Device) error {
	if err := h.hal.AddressDevice(ctx, dev.slot, dev.port, dev.speed); err != nil {
		return err
	}
	dev.setState(DeviceStateAddress)

	pkg.LogDebug(pkg.ComponentHost, "assigned address", "slot", dev.slot, "speed", dev.speed)

	var buf [MaxDescriptorSize]byte

	// The first 8 bytes carry bMaxPacketSize0.
	n, err := dev.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:8])
	if err != nil {
		return err
	}
	if n < 8 {
		return fmt.Errorf("%w: %d-byte device descriptor", ErrEnumerationFailed, n)
	}

	mps0 := maxPacketSize0(dev.speed, buf[7])
	if mps0 == 0 {
		return fmt.Errorf("%w: bMaxPacketSize0 %d", ErrEnumerationFailed, buf[7])
	}
	if mps0 != dev.speed.DefaultMaxPacketSize0() {
		if err := h.hal.SetMaxPacketSize0(ctx, dev.slot, mps0); err != nil {
			return err
		}
	}

	pkg.LogDebug(pkg.ComponentHost, "got max packet size", "size", mps0)

	n, err = dev.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:DeviceDescriptorSize])
	if err != nil {
		return err
	}
	if !dev.parseDeviceDescriptor(buf[:n]) {
		return fmt.Errorf("%w: %d-byte device descriptor", ErrEnumerationFailed, n)
	}

	pkg.LogDebug(pkg.ComponentHost, "device descriptor",
		"vendorID", dev.descriptor.VendorID,
		"productID", dev.descriptor.ProductID,
		"class", dev.descriptor.DeviceClass)

	// Read the configuration header for its total length, then the tree.
	n, err = dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:ConfigurationDescriptorSize])
	if err != nil {
		return err
	}
	if n < ConfigurationDescriptorSize || buf[1] != DescriptorTypeConfiguration {
		return fmt.Errorf("%w: %d-byte configuration descriptor", ErrEnumerationFailed, n)
	}
	total := int(binary.LittleEndian.Uint16(buf[2:]))
	if total < ConfigurationDescriptorSize {
		return fmt.Errorf("%w: configuration total length %d", ErrEnumerationFailed, total)
	}
	total = min(total, len(buf))

	n, err = dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:total])
	if err != nil {
		return err
	}
	if !dev.parseConfigurationTree(buf[:n]) {
		return fmt.Errorf("%w: malformed configuration descriptor", ErrEnumerationFailed)
	}

	pkg.LogDebug(pkg.ComponentHost, "configuration descriptor",
		"numInterfaces", dev.config.NumInterfaces,
		"numEndpoints", len(dev.endpoints),
		"configValue", dev.config.ConfigurationValue)

	if err := h.readStringDescriptors(ctx, dev, buf[:255]); err != nil {
		// Non-fatal, continue without strings
		pkg.LogDebug(pkg.ComponentHost, "string descriptor read failed", "error", err)
	}

	if dev.config.ConfigurationValue > 0 {
		if err := dev.SetConfiguration(ctx, dev.config.ConfigurationValue); err != nil {
			return err
		}
	}

	for _, ep := range dev.endpoints {
		if !ep.IsIn() || ep.TransferType() != hal.TransferInterrupt {
			continue
		}
		if err := h.hal.ConfigureInterruptIn(ctx, dev.slot, ep); err != nil {
			return fmt.Errorf("endpoint %#02x: %w", ep.Address, err)
		}
	}
	return nil
}

// maxPacketSize0 decodes bMaxPacketSize0, which SuperSpeed devices report
// as an exponent.
func maxPacketSize0(speed hal.Speed, b uint8) uint16 {
	if speed == hal.SpeedSuper {
		if b == 0 || b > 15 {
			return 0
		}
		return 1 << b
	}
	return uint16(b)
}

// readStringDescriptors reads and caches the manufacturer, product and
// serial number strings of dev.
func (h *Host) readStringDescriptors(ctx context.Context, dev *Device, buf []byte) error {
	// String 0 lists the supported language IDs.
	langID := uint16(LangIDUSEnglish)
	n, err := dev.GetDescriptor(ctx, DescriptorTypeString, 0, 0, buf)
	if err != nil {
		return err
	}
	if n >= 4 && buf[1] == DescriptorTypeString {
		langID = binary.LittleEndian.Uint16(buf[2:])
	}

	var errs []error
	for _, index := range []uint8{
		dev.descriptor.ManufacturerIndex,
		dev.descriptor.ProductIndex,
		dev.descriptor.SerialNumberIndex,
	} {
		if index == 0 || int(index) >= len(dev.strings) {
			continue
		}
		n, err := dev.GetDescriptor(ctx, DescriptorTypeString, index, langID, buf)
		if err != nil {
			errs = append(errs, fmt.Errorf("string %d: %w", index, err))
			continue
		}
		dev.strings[index] = ParseStringDescriptor(buf[:n])
		pkg.LogDebug(pkg.ComponentHost, "string descriptor", "index", index, "value", dev.strings[index])
	}
	return errors.Join(errs...)
}
