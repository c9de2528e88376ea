package host

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softxhci/host/hal"
)

// =============================================================================
// DeviceState Tests
// =============================================================================

func TestDeviceState_String(t *testing.T) {
	tests := []struct {
		state    DeviceState
		expected string
	}{
		{DeviceStateDetached, "Detached"},
		{DeviceStateAttached, "Attached"},
		{DeviceStateDefault, "Default"},
		{DeviceStateAddress, "Address"},
		{DeviceStateConfigured, "Configured"},
		{DeviceState(99), "Unknown State (99)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

// =============================================================================
// Descriptor Tests
// =============================================================================

func TestParseDeviceDescriptor(t *testing.T) {
	var d DeviceDescriptor
	require.True(t, ParseDeviceDescriptor(keyboardDevice, &d))
	assert.Equal(t, DeviceDescriptor{
		USBVersion:        0x0200,
		MaxPacketSize0:    64,
		VendorID:          0x1234,
		ProductID:         0x5678,
		DeviceVersion:     0x0100,
		ManufacturerIndex: 1,
		ProductIndex:      2,
		NumConfigurations: 1,
	}, d)
	assert.Equal(t, keyboardDevice, d.AppendTo(nil))

	assert.False(t, ParseDeviceDescriptor(keyboardDevice[:17], &d))
	bad := append([]byte(nil), keyboardDevice...)
	bad[1] = DescriptorTypeConfiguration
	assert.False(t, ParseDeviceDescriptor(bad, &d))
}

func TestConfigurationDescriptor_RoundTrip(t *testing.T) {
	var c ConfigurationDescriptor
	require.True(t, ParseConfigurationDescriptor(keyboardConfig, &c))
	assert.Equal(t, uint16(len(keyboardConfig)), c.TotalLength)
	assert.Equal(t, uint8(1), c.ConfigurationValue)
	assert.Equal(t, keyboardConfig[:ConfigurationDescriptorSize], c.AppendTo(nil))

	var i InterfaceDescriptor
	require.True(t, ParseInterfaceDescriptor(keyboardConfig[9:], &i))
	assert.Equal(t, uint8(ClassHID), i.InterfaceClass)
	assert.Equal(t, keyboardConfig[9:18], i.AppendTo(nil))
	assert.False(t, ParseInterfaceDescriptor(keyboardConfig[:9], &i))

	var e hal.EndpointDescriptor
	require.True(t, ParseEndpointDescriptor(keyboardConfig[27:], &e))
	assert.Equal(t, hal.EndpointDescriptor{Address: 0x81, Attributes: 0x03, MaxPacketSize: 8, Interval: 10}, e)
	assert.Equal(t, keyboardConfig[27:34], AppendEndpoint(nil, e))
	assert.False(t, ParseEndpointDescriptor(keyboardConfig[27:33], &e))
}

func TestStringDescriptor(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"ascii", "Boot Keyboard", "Boot Keyboard"},
		{"empty", "", ""},
		{"non-ascii dropped", "Café", "Caf"},
		{"outside BMP", "a\U0001F600b", "a?b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := StringDescriptor(tt.in)
			assert.Equal(t, byte(len(desc)), desc[0])
			assert.Equal(t, byte(DescriptorTypeString), desc[1])
			assert.Equal(t, tt.want, ParseStringDescriptor(desc))
		})
	}

	assert.Empty(t, ParseStringDescriptor(nil))
	assert.Empty(t, ParseStringDescriptor([]byte{2, DescriptorTypeDevice}))

	// bLength shorter than the buffer bounds the string.
	desc := StringDescriptor("abcd")
	desc[0] = 6
	assert.Equal(t, "ab", ParseStringDescriptor(desc))
}

// =============================================================================
// HID Tests
// =============================================================================

func TestParseHIDDescriptor(t *testing.T) {
	var h HIDDescriptor
	require.True(t, ParseHIDDescriptor(keyboardConfig[18:27], &h))
	assert.Equal(t, HIDDescriptor{
		HIDVersion:       0x0111,
		NumDescriptors:   1,
		ReportDescType:   DescriptorTypeReport,
		ReportDescLength: 63,
	}, h)
	assert.False(t, ParseHIDDescriptor(keyboardConfig[18:26], &h))
	assert.False(t, ParseHIDDescriptor(keyboardConfig[9:18], &h))
}

func TestParseKeyboardReport(t *testing.T) {
	var r KeyboardReport
	require.True(t, ParseKeyboardReport([]byte{0x22, 0, 0x04, 0x01, 0x1d, 0, 0, 0}, &r))
	assert.Equal(t, uint8(0x22), r.Modifiers)
	assert.Equal(t, []uint8{0x04, 0x1d}, r.Pressed())

	require.True(t, ParseKeyboardReport(make([]byte, 8), &r))
	assert.Empty(t, r.Pressed())

	assert.False(t, ParseKeyboardReport(make([]byte, 7), &r))
}

func TestDevice_HIDDescriptor_NotHID(t *testing.T) {
	dev := &Device{}
	_, err := dev.HIDDescriptor(0)
	assert.Error(t, err)

	dev.interfaces = []InterfaceDescriptor{{InterfaceClass: ClassHID}}
	dev.classDescriptors = [][][]byte{nil}
	_, err = dev.HIDDescriptor(0)
	assert.Error(t, err)
}
