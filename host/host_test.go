package host

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// =============================================================================
// Mock Controller for Testing
// =============================================================================

// mockHC implements hal.HostController for testing. Control transfers are
// answered by the control function.
type mockHC struct {
	initErr  error
	startErr error
	closeErr error
	numPorts int
	status   hal.PortStatus

	connectCh chan int
	control   func(setup *hal.SetupPacket, data []byte) (int, error)

	mu         sync.Mutex
	running    bool
	closed     int
	nextSlot   hal.SlotID
	disabled   []hal.SlotID
	mps0       uint16
	configured []hal.EndpointDescriptor
	requests   []hal.SetupPacket
}

func newMockHC() *mockHC {
	return &mockHC{
		numPorts:  4,
		status:    hal.PortStatus{Connected: true, Enabled: true, PowerOn: true, Speed: hal.SpeedFull},
		connectCh: make(chan int, 16),
		nextSlot:  1,
	}
}

func (m *mockHC) Init(ctx context.Context) error { return m.initErr }

func (m *mockHC) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
	return m.startErr
}

func (m *mockHC) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	return nil
}

func (m *mockHC) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.closed++
	return m.closeErr
}

func (m *mockHC) NumPorts() int { return m.numPorts }

func (m *mockHC) GetPortStatus(port int) (hal.PortStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, nil
}

func (m *mockHC) ResetPort(ctx context.Context, port int) error { return nil }

func (m *mockHC) WaitForConnection(ctx context.Context) (int, error) {
	select {
	case port := <-m.connectCh:
		return port, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (m *mockHC) EnableSlot(ctx context.Context) (hal.SlotID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := m.nextSlot
	m.nextSlot++
	return slot, nil
}

func (m *mockHC) DisableSlot(ctx context.Context, slot hal.SlotID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabled = append(m.disabled, slot)
	return nil
}

func (m *mockHC) AddressDevice(ctx context.Context, slot hal.SlotID, port int, speed hal.Speed) error {
	return nil
}

func (m *mockHC) SetMaxPacketSize0(ctx context.Context, slot hal.SlotID, size uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mps0 = size
	return nil
}

func (m *mockHC) ControlTransfer(ctx context.Context, slot hal.SlotID, setup *hal.SetupPacket, data []byte) (int, error) {
	m.mu.Lock()
	m.requests = append(m.requests, *setup)
	m.mu.Unlock()
	if m.control == nil {
		return int(setup.Length), nil
	}
	return m.control(setup, data)
}

func (m *mockHC) ConfigureInterruptIn(ctx context.Context, slot hal.SlotID, ep hal.EndpointDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configured = append(m.configured, ep)
	return nil
}

func (m *mockHC) Reports(slot hal.SlotID, endpoint uint8) <-chan []byte { return nil }

func (m *mockHC) disabledSlots() []hal.SlotID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]hal.SlotID(nil), m.disabled...)
}

// Ensure mockHC implements hal.HostController
var _ hal.HostController = (*mockHC)(nil)

// keyboardConfig is the configuration tree of a boot keyboard with an
// alternate setting carrying a second endpoint.
var keyboardConfig = []byte{
	// Configuration descriptor
	9, 0x02, // Length, Type
	50, 0x00, // TotalLength = 50
	1,    // NumInterfaces
	1,    // ConfigurationValue
	0,    // ConfigurationIndex
	0xa0, // Attributes
	50,   // MaxPower

	// Interface descriptor
	9, 0x04, // Length, Type
	0,    // InterfaceNumber
	0,    // AlternateSetting
	1,    // NumEndpoints
	0x03, // InterfaceClass (HID)
	0x01, // InterfaceSubClass (boot)
	0x01, // InterfaceProtocol (keyboard)
	0,    // InterfaceIndex

	// HID descriptor
	9, 0x21, 0x11, 0x01, 0, 1, 0x22, 63, 0,

	// Endpoint descriptor
	7, 0x05, // Length, Type
	0x81,       // EndpointAddress (IN)
	0x03,       // Attributes (Interrupt)
	0x08, 0x00, // MaxPacketSize
	10, // Interval

	// Alternate setting
	9, 0x04, 0, 1, 1, 0x03, 0x01, 0x01, 0,

	// Endpoint descriptor
	7, 0x05, 0x82, 0x03, 0x40, 0x00, 1,
}

// keyboardDevice is the device descriptor matching keyboardConfig.
var keyboardDevice = []byte{
	18, 0x01, 0x00, 0x02, 0, 0, 0, 64,
	0x34, 0x12, 0x78, 0x56, 0x00, 0x01,
	1, 2, 0, 1,
}

// answer returns a control function that serves keyboardDevice,
// keyboardConfig and two strings.
func answer() func(setup *hal.SetupPacket, data []byte) (int, error) {
	return func(setup *hal.SetupPacket, data []byte) (int, error) {
		if setup.Request != RequestGetDescriptor {
			return 0, nil
		}
		var resp []byte
		switch uint8(setup.Value >> 8) {
		case DescriptorTypeDevice:
			resp = keyboardDevice
		case DescriptorTypeConfiguration:
			resp = keyboardConfig
		case DescriptorTypeString:
			switch uint8(setup.Value) {
			case 0:
				resp = []byte{4, 0x03, 0x09, 0x04}
			case 1:
				resp = StringDescriptor("Acme")
			case 2:
				resp = StringDescriptor("Keys")
			default:
				return 0, pkg.ErrStall
			}
		default:
			return 0, pkg.ErrStall
		}
		return copy(data[:setup.Length], resp), nil
	}
}

// =============================================================================
// Host Tests
// =============================================================================

func TestNew(t *testing.T) {
	mock := newMockHC()
	h := New(mock)

	if h == nil {
		t.Fatal("New returned nil")
	}
	if h.hal != mock {
		t.Error("controller not set correctly")
	}
	if h.deviceConnected == nil {
		t.Error("deviceConnected channel is nil")
	}
	if len(h.Devices()) != 0 {
		t.Errorf("len(Devices()) = %d, want 0", len(h.Devices()))
	}
}

func TestHost_StartStop(t *testing.T) {
	mock := newMockHC()
	h := New(mock)

	ctx := context.Background()

	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if !h.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}

	if err := h.Start(ctx); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}

	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if h.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}

	// Stop is idempotent
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
}

func TestHost_StartErrors(t *testing.T) {
	errInit := errors.New("init")
	mock := newMockHC()
	mock.initErr = errInit
	h := New(mock)

	if err := h.Start(context.Background()); !errors.Is(err, errInit) {
		t.Errorf("Start = %v, want init error", err)
	}
	if h.IsRunning() {
		t.Error("IsRunning() = true after failed Start")
	}
}

func TestHost_StartFailureClosesController(t *testing.T) {
	errStart := errors.New("start")
	errClose := errors.New("close")
	mock := newMockHC()
	mock.startErr = errStart
	mock.closeErr = errClose
	h := New(mock)

	err := h.Start(context.Background())
	if !errors.Is(err, errStart) || !errors.Is(err, errClose) {
		t.Errorf("Start = %v, want start and close errors", err)
	}
	if mock.closed != 1 {
		t.Errorf("Close called %d times, want 1", mock.closed)
	}
	if h.IsRunning() {
		t.Error("IsRunning() = true after failed Start")
	}

	// An Init failure leaves nothing to release.
	mock = newMockHC()
	mock.initErr = errors.New("init")
	if err := New(mock).Start(context.Background()); err == nil {
		t.Error("Start succeeded with failing Init")
	}
	if mock.closed != 0 {
		t.Errorf("Close called %d times after Init failure, want 0", mock.closed)
	}
}

func TestHost_NumPorts(t *testing.T) {
	mock := newMockHC()
	mock.numPorts = 8
	h := New(mock)

	if got := h.NumPorts(); got != 8 {
		t.Errorf("NumPorts() = %d, want 8", got)
	}
}

func TestHost_WaitDevice_NotRunning(t *testing.T) {
	h := New(newMockHC())
	if _, err := h.WaitDevice(context.Background()); !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("WaitDevice = %v, want ErrNotRunning", err)
	}
}

func TestHost_WaitDevice_Timeout(t *testing.T) {
	h := New(newMockHC())
	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.WaitDevice(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitDevice = %v, want DeadlineExceeded", err)
	}
}

// =============================================================================
// Enumeration Tests
// =============================================================================

func TestHost_Enumerate(t *testing.T) {
	mock := newMockHC()
	mock.control = answer()
	h := New(mock)

	dev, err := h.enumerateDevice(context.Background(), 2)
	if err != nil {
		t.Fatalf("enumerateDevice failed: %v", err)
	}

	if dev.Slot() != 1 || dev.Port() != 2 || dev.Speed() != hal.SpeedFull {
		t.Errorf("slot/port/speed = %d/%d/%v, want 1/2/Full Speed", dev.Slot(), dev.Port(), dev.Speed())
	}
	if dev.State() != DeviceStateConfigured {
		t.Errorf("State() = %v, want Configured", dev.State())
	}
	if dev.GetConfiguration() != 1 {
		t.Errorf("GetConfiguration() = %d, want 1", dev.GetConfiguration())
	}
	if dev.VendorID() != 0x1234 || dev.ProductID() != 0x5678 {
		t.Errorf("VID:PID = %04x:%04x, want 1234:5678", dev.VendorID(), dev.ProductID())
	}
	if dev.Manufacturer() != "Acme" || dev.Product() != "Keys" || dev.SerialNumber() != "" {
		t.Errorf("strings = %q %q %q", dev.Manufacturer(), dev.Product(), dev.SerialNumber())
	}

	// bMaxPacketSize0 of 64 differs from the full speed default of 8.
	if mock.mps0 != 64 {
		t.Errorf("SetMaxPacketSize0 = %d, want 64", mock.mps0)
	}

	// Only the default alternate setting's endpoint is started.
	if len(mock.configured) != 1 || mock.configured[0].Address != 0x81 {
		t.Errorf("configured endpoints = %+v, want [0x81]", mock.configured)
	}
	if len(mock.disabledSlots()) != 0 {
		t.Errorf("disabled slots = %v, want none", mock.disabledSlots())
	}
}

func TestHost_Enumerate_RequestSequence(t *testing.T) {
	mock := newMockHC()
	mock.control = answer()
	h := New(mock)

	if _, err := h.enumerateDevice(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	want := []struct {
		request uint8
		value   uint16
		length  uint16
	}{
		{RequestGetDescriptor, 0x0100, 8},
		{RequestGetDescriptor, 0x0100, DeviceDescriptorSize},
		{RequestGetDescriptor, 0x0200, ConfigurationDescriptorSize},
		{RequestGetDescriptor, 0x0200, 50},
		{RequestGetDescriptor, 0x0300, 255},
		{RequestGetDescriptor, 0x0301, 255},
		{RequestGetDescriptor, 0x0302, 255},
		{RequestSetConfiguration, 1, 0},
	}
	if len(mock.requests) != len(want) {
		t.Fatalf("%d requests, want %d: %+v", len(mock.requests), len(want), mock.requests)
	}
	for i, w := range want {
		got := mock.requests[i]
		if got.Request != w.request || got.Value != w.value || got.Length != w.length {
			t.Errorf("request %d = %#02x/%#04x/%d, want %#02x/%#04x/%d",
				i, got.Request, got.Value, got.Length, w.request, w.value, w.length)
		}
	}
	if mock.requests[6].Index != LangIDUSEnglish {
		t.Errorf("string request language = %#04x, want %#04x", mock.requests[6].Index, LangIDUSEnglish)
	}
}

func TestHost_Enumerate_FailureReleasesSlot(t *testing.T) {
	tests := []struct {
		name    string
		control func(setup *hal.SetupPacket, data []byte) (int, error)
		want    error
	}{
		{
			name: "stall",
			control: func(*hal.SetupPacket, []byte) (int, error) {
				return 0, pkg.ErrStall
			},
			want: pkg.ErrStall,
		},
		{
			name: "short descriptor",
			control: func(*hal.SetupPacket, []byte) (int, error) {
				return 4, nil
			},
			want: ErrEnumerationFailed,
		},
		{
			name: "zero max packet size",
			control: func(setup *hal.SetupPacket, data []byte) (int, error) {
				clear(data)
				return int(setup.Length), nil
			},
			want: ErrEnumerationFailed,
		},
		{
			name: "bad configuration",
			control: func(setup *hal.SetupPacket, data []byte) (int, error) {
				if uint8(setup.Value>>8) == DescriptorTypeConfiguration {
					return copy(data, []byte{9, 0x02, 4, 0, 1, 1, 0, 0, 0}), nil
				}
				return answer()(setup, data)
			},
			want: ErrEnumerationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockHC()
			mock.control = tt.control
			h := New(mock)

			_, err := h.enumerateDevice(context.Background(), 1)
			if !errors.Is(err, tt.want) {
				t.Fatalf("enumerateDevice = %v, want %v", err, tt.want)
			}
			if got := mock.disabledSlots(); len(got) != 1 || got[0] != 1 {
				t.Errorf("disabled slots = %v, want [1]", got)
			}
		})
	}
}

func TestHost_MonitorDevices(t *testing.T) {
	mock := newMockHC()
	mock.control = answer()
	h := New(mock)

	connected := make(chan *Device, 1)
	h.SetOnDeviceConnect(func(d *Device) { connected <- d })
	disconnected := make(chan *Device, 1)
	h.SetOnDeviceDisconnect(func(d *Device) { disconnected <- d })

	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer h.Stop(ctx)

	mock.connectCh <- 3

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	dev, err := h.WaitDevice(wctx)
	if err != nil {
		t.Fatalf("WaitDevice failed: %v", err)
	}
	if dev.Port() != 3 {
		t.Errorf("Port() = %d, want 3", dev.Port())
	}
	if cb := <-connected; cb != dev {
		t.Error("connect callback got a different device")
	}
	if h.GetDevice(dev.Slot()) != dev {
		t.Error("GetDevice did not return the enumerated device")
	}

	// Disconnection is noticed by polling the port.
	mock.mu.Lock()
	mock.status.Connected = false
	mock.mu.Unlock()

	select {
	case d := <-disconnected:
		if d != dev {
			t.Error("disconnect callback got a different device")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect callback")
	}
	if dev.State() != DeviceStateDetached {
		t.Errorf("State() = %v, want Detached", dev.State())
	}
	if len(h.Devices()) != 0 {
		t.Errorf("len(Devices()) = %d, want 0", len(h.Devices()))
	}
	if got := mock.disabledSlots(); len(got) != 1 || got[0] != dev.Slot() {
		t.Errorf("disabled slots = %v, want [%d]", got, dev.Slot())
	}
}

func TestHost_StopReleasesDevices(t *testing.T) {
	mock := newMockHC()
	mock.control = answer()
	h := New(mock)

	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatal(err)
	}
	mock.connectCh <- 1
	mock.connectCh <- 2

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for range 2 {
		if _, err := h.WaitDevice(wctx); err != nil {
			t.Fatal(err)
		}
	}

	devices := h.Devices()
	if len(devices) != 2 || devices[0].Slot() > devices[1].Slot() {
		t.Fatalf("Devices() = %v, want two ordered by slot", devices)
	}

	if err := h.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if len(h.Devices()) != 0 {
		t.Errorf("len(Devices()) = %d after Stop, want 0", len(h.Devices()))
	}
	if got := mock.disabledSlots(); len(got) != 2 {
		t.Errorf("disabled slots = %v, want 2", got)
	}
	for _, dev := range devices {
		if dev.State() != DeviceStateDetached {
			t.Errorf("slot %d State() = %v, want Detached", dev.Slot(), dev.State())
		}
	}
}

func TestMaxPacketSize0(t *testing.T) {
	tests := []struct {
		speed hal.Speed
		b     uint8
		want  uint16
	}{
		{hal.SpeedLow, 8, 8},
		{hal.SpeedFull, 64, 64},
		{hal.SpeedHigh, 64, 64},
		{hal.SpeedSuper, 9, 512},
		{hal.SpeedSuper, 0, 0},
		{hal.SpeedSuper, 16, 0},
	}
	for _, tt := range tests {
		if got := maxPacketSize0(tt.speed, tt.b); got != tt.want {
			t.Errorf("maxPacketSize0(%v, %d) = %d, want %d", tt.speed, tt.b, got, tt.want)
		}
	}
}

// =============================================================================
// Device Tests
// =============================================================================

func TestDevice_Close(t *testing.T) {
	mock := newMockHC()
	h := New(mock)
	dev := newDevice(h, 1, 5, hal.SpeedHigh)
	h.devices[dev.slot] = dev

	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}
	if dev.State() != DeviceStateDetached {
		t.Errorf("State() = %v, want Detached", dev.State())
	}
	if h.GetDevice(5) != nil {
		t.Error("device still registered after Close")
	}

	// A second Close does not disable the slot again.
	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}
	if got := mock.disabledSlots(); len(got) != 1 || got[0] != 5 {
		t.Errorf("disabled slots = %v, want [5]", got)
	}
}

func TestDevice_ParseConfigurationTree(t *testing.T) {
	dev := &Device{}

	if !dev.parseConfigurationTree(keyboardConfig) {
		t.Fatal("parseConfigurationTree failed")
	}

	if dev.config.NumInterfaces != 1 {
		t.Errorf("NumInterfaces = %d, want 1", dev.config.NumInterfaces)
	}
	if len(dev.interfaces) != 2 {
		t.Fatalf("len(interfaces) = %d, want 2", len(dev.interfaces))
	}
	if dev.interfaces[1].AlternateSetting != 1 {
		t.Errorf("AlternateSetting = %d, want 1", dev.interfaces[1].AlternateSetting)
	}
	if len(dev.endpoints) != 1 {
		t.Fatalf("len(endpoints) = %d, want 1", len(dev.endpoints))
	}
	if dev.endpoints[0].Address != 0x81 {
		t.Errorf("Address = 0x%02X, want 0x81", dev.endpoints[0].Address)
	}
	if dev.GetEndpoint(0x82) != nil {
		t.Error("alternate setting endpoint was recorded")
	}
	if iface := dev.GetInterface(0); iface == nil || iface.AlternateSetting != 0 {
		t.Errorf("GetInterface(0) = %+v, want alternate setting 0", iface)
	}

	class := dev.ClassDescriptors(0)
	if len(class) != 1 || class[0][1] != DescriptorTypeHID {
		t.Fatalf("ClassDescriptors(0) = %v, want one HID descriptor", class)
	}
	hid, err := dev.HIDDescriptor(0)
	if err != nil {
		t.Fatal(err)
	}
	if hid.ReportDescLength != 63 {
		t.Errorf("ReportDescLength = %d, want 63", hid.ReportDescLength)
	}
}

func TestDevice_ParseConfigurationTree_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"short header", keyboardConfig[:5]},
		{"wrong type", append([]byte{9, 0x01}, keyboardConfig[2:]...)},
		{"zero length child", append(append([]byte(nil), keyboardConfig[:9]...), 0, 0x04, 0, 0)},
		{"child past end", keyboardConfig[:12]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := &Device{}
			data := append([]byte(nil), tt.data...)
			if len(data) >= 4 {
				data[2], data[3] = byte(len(data)), 0
			}
			if tt.name == "child past end" {
				data[2] = 50
			}
			if dev.parseConfigurationTree(data) {
				t.Error("parseConfigurationTree succeeded")
			}
		})
	}
}

func TestDevice_ParseConfigurationTree_InterfaceLimit(t *testing.T) {
	data := []byte{9, 0x02, 0, 0, MaxInterfacesPerConfiguration + 1, 1, 0, 0x80, 50}
	for i := range MaxInterfacesPerConfiguration + 1 {
		data = append(data, 9, 0x04, byte(i), 0, 1, 0xff, 0, 0, 0)
		data = append(data, 7, 0x05, 0x81+byte(i), 0x03, 8, 0, 1)
	}
	data[2], data[3] = byte(len(data)), byte(len(data)>>8)

	dev := &Device{}
	if !dev.parseConfigurationTree(data) {
		t.Fatal("parseConfigurationTree failed")
	}
	if len(dev.interfaces) != MaxInterfacesPerConfiguration {
		t.Errorf("len(interfaces) = %d, want %d", len(dev.interfaces), MaxInterfacesPerConfiguration)
	}
	if len(dev.endpoints) != MaxInterfacesPerConfiguration {
		t.Errorf("len(endpoints) = %d, want %d", len(dev.endpoints), MaxInterfacesPerConfiguration)
	}
}

func TestDevice_GetString(t *testing.T) {
	dev := &Device{}
	dev.strings[1] = "Manufacturer"
	dev.descriptor.ManufacturerIndex = 1

	if got := dev.GetString(1); got != "Manufacturer" {
		t.Errorf("GetString(1) = %q, want %q", got, "Manufacturer")
	}
	if got := dev.GetString(0); got != "" {
		t.Errorf("GetString(0) = %q, want empty", got)
	}
	if got := dev.GetString(MaxStringsPerDevice); got != "" {
		t.Errorf("GetString(%d) = %q, want empty", MaxStringsPerDevice, got)
	}
	if got := dev.Manufacturer(); got != "Manufacturer" {
		t.Errorf("Manufacturer() = %q", got)
	}
}

func TestDevice_Requests(t *testing.T) {
	mock := newMockHC()
	mock.control = func(setup *hal.SetupPacket, data []byte) (int, error) {
		if setup.Request == RequestGetStatus {
			data[0] = 1
			return 2, nil
		}
		return int(setup.Length), nil
	}
	h := New(mock)
	dev := newDevice(h, 1, 1, hal.SpeedFull)
	ctx := context.Background()

	if st, err := dev.GetEndpointStatus(ctx, 0x81); err != nil || st != 1 {
		t.Errorf("GetEndpointStatus = %d, %v, want 1", st, err)
	}
	if err := dev.ClearEndpointHalt(ctx, 0x81); err != nil {
		t.Fatal(err)
	}
	if err := dev.SetIdle(ctx, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := dev.SetProtocol(ctx, 0, ProtocolBoot); err != nil {
		t.Fatal(err)
	}
	if err := dev.SetReport(ctx, 0, ReportTypeOutput, 0, []byte{0x02}); err != nil {
		t.Fatal(err)
	}

	want := []hal.SetupPacket{
		{RequestType: 0x82, Request: RequestGetStatus, Index: 0x81, Length: 2},
		{RequestType: 0x02, Request: RequestClearFeature, Value: FeatureEndpointHalt, Index: 0x81},
		{RequestType: 0x21, Request: RequestSetIdle},
		{RequestType: 0x21, Request: RequestSetProtocol, Value: ProtocolBoot},
		{RequestType: 0x21, Request: RequestSetReport, Value: 0x0200, Length: 1},
	}
	if len(mock.requests) != len(want) {
		t.Fatalf("%d requests, want %d", len(mock.requests), len(want))
	}
	for i := range want {
		if mock.requests[i] != want[i] {
			t.Errorf("request %d = %+v, want %+v", i, mock.requests[i], want[i])
		}
	}
}
