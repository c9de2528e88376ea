package host

import (
	"context"
	"sync"

	"github.com/ardnew/softxhci/host/hal"
)

// Device represents a connected USB device from the host's perspective.
type Device struct {
	host  *Host
	slot  hal.SlotID
	port  int
	speed hal.Speed

	// Device descriptor
	descriptor DeviceDescriptor

	// Configuration descriptor (current)
	config ConfigurationDescriptor

	// Interface descriptors (current configuration)
	interfaces []InterfaceDescriptor

	// Endpoint descriptors of the default alternate settings
	endpoints []hal.EndpointDescriptor

	// Current configuration value
	configurationValue uint8

	// State
	state DeviceState
	mutex sync.RWMutex

	// String descriptors cache (indexed by string index)
	strings [MaxStringsPerDevice]string

	// Class-specific descriptors, parallel to interfaces
	classDescriptors [][][]byte
}

// newDevice creates a device in the Default state.
func newDevice(host *Host, port int, slot hal.SlotID, speed hal.Speed) *Device {
	return &Device{
		host:  host,
		slot:  slot,
		port:  port,
		speed: speed,
		state: DeviceStateDefault,
	}
}

// Slot returns the controller slot addressing the device.
func (d *Device) Slot() hal.SlotID {
	return d.slot
}

// Port returns the port number the device is connected to.
func (d *Device) Port() int {
	return d.port
}

// Speed returns the device speed.
func (d *Device) Speed() hal.Speed {
	return d.speed
}

// VendorID returns the device vendor ID.
func (d *Device) VendorID() uint16 {
	return d.descriptor.VendorID
}

// ProductID returns the device product ID.
func (d *Device) ProductID() uint16 {
	return d.descriptor.ProductID
}

// DeviceClass returns the device class.
func (d *Device) DeviceClass() uint8 {
	return d.descriptor.DeviceClass
}

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor {
	return d.descriptor
}

// Configuration returns the current configuration descriptor.
func (d *Device) Configuration() ConfigurationDescriptor {
	return d.config
}

// Interfaces returns the interface descriptors for the current configuration.
// The returned slice references internal storage; do not modify.
func (d *Device) Interfaces() []InterfaceDescriptor {
	return d.interfaces
}

// Endpoints returns the endpoint descriptors of each interface's default
// alternate setting. The returned slice references internal storage; do not
// modify.
func (d *Device) Endpoints() []hal.EndpointDescriptor {
	return d.endpoints
}

// GetInterface returns the default alternate setting of interface num.
func (d *Device) GetInterface(num uint8) *InterfaceDescriptor {
	for i := range d.interfaces {
		if d.interfaces[i].InterfaceNumber == num && d.interfaces[i].AlternateSetting == 0 {
			return &d.interfaces[i]
		}
	}
	return nil
}

// GetEndpoint returns the endpoint descriptor for the given address.
func (d *Device) GetEndpoint(address uint8) *hal.EndpointDescriptor {
	for i := range d.endpoints {
		if d.endpoints[i].Address == address {
			return &d.endpoints[i]
		}
	}
	return nil
}

// ClassDescriptors returns the class-specific descriptors that follow the
// default alternate setting of interface num, in order.
func (d *Device) ClassDescriptors(num uint8) [][]byte {
	for i := range d.interfaces {
		if d.interfaces[i].InterfaceNumber == num && d.interfaces[i].AlternateSetting == 0 {
			return d.classDescriptors[i]
		}
	}
	return nil
}

// GetString returns a cached string descriptor.
func (d *Device) GetString(index uint8) string {
	if index == 0 || int(index) >= len(d.strings) {
		return ""
	}
	return d.strings[index]
}

// Manufacturer returns the manufacturer string.
func (d *Device) Manufacturer() string {
	return d.GetString(d.descriptor.ManufacturerIndex)
}

// Product returns the product string.
func (d *Device) Product() string {
	return d.GetString(d.descriptor.ProductIndex)
}

// SerialNumber returns the serial number string.
func (d *Device) SerialNumber() string {
	return d.GetString(d.descriptor.SerialNumberIndex)
}

// State returns the current device state.
func (d *Device) State() DeviceState {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

func (d *Device) setState(s DeviceState) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.state = s
}

// SetConfiguration sets the device configuration.
func (d *Device) SetConfiguration(ctx context.Context, value uint8) error {
	setup := hal.SetConfiguration(value)
	if _, err := d.ControlTransfer(ctx, &setup, nil); err != nil {
		return err
	}

	d.mutex.Lock()
	d.configurationValue = value
	if value > 0 {
		d.state = DeviceStateConfigured
	} else {
		d.state = DeviceStateAddress
	}
	d.mutex.Unlock()

	return nil
}

// GetConfiguration returns the current configuration value.
func (d *Device) GetConfiguration() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.configurationValue
}

// ControlTransfer performs a control transfer on the default endpoint.
func (d *Device) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	return d.host.hal.ControlTransfer(ctx, d.slot, setup, data)
}

// Reports returns the payloads received from interrupt IN endpoint
// address, or nil if the endpoint was not started during enumeration. The
// channel is closed when the device is released.
func (d *Device) Reports(address uint8) <-chan []byte {
	return d.host.hal.Reports(d.slot, address)
}

// Close releases the device and its slot.
func (d *Device) Close() error {
	return d.host.release(context.Background(), d)
}

// parseDeviceDescriptor parses a device descriptor from raw bytes.
// Returns true if successful.
func (d *Device) parseDeviceDescriptor(data []byte) bool {
	return ParseDeviceDescriptor(data, &d.descriptor)
}

// parseConfigurationTree parses the full configuration descriptor tree.
// Interfaces past MaxInterfacesPerConfiguration are ignored, as are the
// endpoints of alternate settings other than 0.
func (d *Device) parseConfigurationTree(data []byte) bool {
	if !ParseConfigurationDescriptor(data, &d.config) {
		return false
	}

	d.interfaces = make([]InterfaceDescriptor, 0, d.config.NumInterfaces)
	d.classDescriptors = make([][][]byte, 0, d.config.NumInterfaces)
	d.endpoints = d.endpoints[:0]

	// Parse child descriptors
	offset := ConfigurationDescriptorSize
	end := min(len(data), int(d.config.TotalLength))
	current := -1
	skip := false

	for offset+2 <= end {
		length := int(data[offset])
		descType := data[offset+1]

		if length < 2 || offset+length > end {
			return false
		}

		switch descType {
		case DescriptorTypeInterface:
			var iface InterfaceDescriptor
			if !ParseInterfaceDescriptor(data[offset:offset+length], &iface) {
				return false
			}
			skip = len(d.interfaces) >= MaxInterfacesPerConfiguration
			if !skip {
				d.interfaces = append(d.interfaces, iface)
				d.classDescriptors = append(d.classDescriptors, nil)
				current = len(d.interfaces) - 1
			}

		case DescriptorTypeEndpoint:
			var ep hal.EndpointDescriptor
			if !ParseEndpointDescriptor(data[offset:offset+length], &ep) {
				return false
			}
			if !skip && current >= 0 && d.interfaces[current].AlternateSetting == 0 {
				d.endpoints = append(d.endpoints, ep)
			}

		default:
			// Class-specific or other descriptor
			if !skip && current >= 0 {
				descData := make([]byte, length)
				copy(descData, data[offset:offset+length])
				d.classDescriptors[current] = append(d.classDescriptors[current], descData)
			}
		}

		offset += length
	}
	return true
}

// GetDescriptor performs a GET_DESCRIPTOR request.
func (d *Device) GetDescriptor(ctx context.Context, descType, descIndex uint8, langID uint16, data []byte) (int, error) {
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(descIndex),
		Index:       langID,
		Length:      uint16(len(data)),
	}

	return d.ControlTransfer(ctx, &setup, data)
}

// GetStatus performs a GET_STATUS request.
func (d *Device) GetStatus(ctx context.Context) (uint16, error) {
	var buf [2]byte
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetStatus,
		Length:      2,
	}

	if _, err := d.ControlTransfer(ctx, &setup, buf[:]); err != nil {
		return 0, err
	}

	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

// GetEndpointStatus performs a GET_STATUS request on an endpoint. Bit 0 of
// the result is the halt feature.
func (d *Device) GetEndpointStatus(ctx context.Context, endpoint uint8) (uint16, error) {
	var buf [2]byte
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeEndpoint,
		Request:     RequestGetStatus,
		Index:       uint16(endpoint),
		Length:      2,
	}

	if _, err := d.ControlTransfer(ctx, &setup, buf[:]); err != nil {
		return 0, err
	}

	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

// ClearFeature performs a CLEAR_FEATURE request.
func (d *Device) ClearFeature(ctx context.Context, feature uint16) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestClearFeature,
		Value:       feature,
	}

	_, err := d.ControlTransfer(ctx, &setup, nil)
	return err
}

// SetFeature performs a SET_FEATURE request.
func (d *Device) SetFeature(ctx context.Context, feature uint16) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetFeature,
		Value:       feature,
	}

	_, err := d.ControlTransfer(ctx, &setup, nil)
	return err
}

// ClearEndpointHalt clears the halt condition on an endpoint.
func (d *Device) ClearEndpointHalt(ctx context.Context, endpoint uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeEndpoint,
		Request:     RequestClearFeature,
		Value:       FeatureEndpointHalt,
		Index:       uint16(endpoint),
	}

	_, err := d.ControlTransfer(ctx, &setup, nil)
	return err
}
