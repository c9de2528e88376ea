package host

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// portPollInterval is how often a running Host checks the ports of its
// devices for disconnection.
const portPollInterval = 20 * time.Millisecond

// Host manages a USB host controller and the devices attached to it.
type Host struct {
	hal hal.HostController

	// Enumerated devices by slot
	devices map[hal.SlotID]*Device

	// State
	running bool
	mutex   sync.RWMutex
	wg      sync.WaitGroup

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc

	// Event channel
	deviceConnected chan *Device

	// Callbacks
	onDeviceConnect    func(*Device)
	onDeviceDisconnect func(*Device)
}

// New creates a new USB host on the given controller.
func New(hc hal.HostController) *Host {
	return &Host{
		hal:             hc,
		devices:         make(map[hal.SlotID]*Device),
		deviceConnected: make(chan *Device, MaxDevices),
	}
}

// Start initializes and starts the host controller, then enumerates each
// device that connects until ctx is done or Stop is called.
func (h *Host) Start(ctx context.Context) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.running {
		return pkg.ErrAlreadyRunning
	}

	if err := h.hal.Init(ctx); err != nil {
		return err
	}
	if err := h.hal.Start(ctx); err != nil {
		return errors.Join(err, h.hal.Close())
	}

	h.ctx, h.cancel = context.WithCancel(ctx)
	h.running = true

	h.wg.Add(2)
	go h.monitorDevices()
	go h.monitorPorts()

	pkg.LogInfo(pkg.ComponentHost, "host started", "ports", h.hal.NumPorts())
	return nil
}

// Stop stops device monitoring, releases every device and halts the
// controller.
func (h *Host) Stop(ctx context.Context) error {
	h.mutex.Lock()
	if !h.running {
		h.mutex.Unlock()
		return nil
	}
	h.running = false
	h.cancel()
	h.mutex.Unlock()

	h.wg.Wait()

	var errs []error
	for _, dev := range h.Devices() {
		errs = append(errs, h.release(ctx, dev))
	}
	errs = append(errs, h.hal.Stop(ctx))

	pkg.LogInfo(pkg.ComponentHost, "host stopped")
	return errors.Join(errs...)
}

// Close stops the host and releases the controller.
func (h *Host) Close() error {
	return errors.Join(h.Stop(context.Background()), h.hal.Close())
}

// IsRunning returns true if the host is running.
func (h *Host) IsRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// Devices returns the enumerated devices ordered by slot.
func (h *Host) Devices() []*Device {
	h.mutex.RLock()
	result := make([]*Device, 0, len(h.devices))
	for _, dev := range h.devices {
		result = append(result, dev)
	}
	h.mutex.RUnlock()

	slices.SortFunc(result, func(a, b *Device) int { return cmp.Compare(a.slot, b.slot) })
	return result
}

// GetDevice returns the device in slot, or nil.
func (h *Host) GetDevice(slot hal.SlotID) *Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.devices[slot]
}

// deviceOnPort returns the device attached to port, or nil.
func (h *Host) deviceOnPort(port int) *Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for _, dev := range h.devices {
		if dev.port == port {
			return dev
		}
	}
	return nil
}

// WaitDevice blocks until a device connects and is enumerated.
func (h *Host) WaitDevice(ctx context.Context) (*Device, error) {
	h.mutex.RLock()
	hctx := h.ctx
	h.mutex.RUnlock()
	if hctx == nil {
		return nil, pkg.ErrNotRunning
	}

	select {
	case dev := <-h.deviceConnected:
		return dev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-hctx.Done():
		return nil, pkg.ErrCancelled
	}
}

// SetOnDeviceConnect sets the callback for device connection. It runs on
// the monitoring goroutine once the device is configured.
func (h *Host) SetOnDeviceConnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceConnect = cb
}

// SetOnDeviceDisconnect sets the callback for device disconnection. It
// also runs for each device released by Stop or Device.Close.
func (h *Host) SetOnDeviceDisconnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceDisconnect = cb
}

// monitorDevices enumerates each device that connects.
func (h *Host) monitorDevices() {
	defer h.wg.Done()
	for {
		port, err := h.hal.WaitForConnection(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			pkg.LogWarn(pkg.ComponentHost, "error waiting for connection",
				"error", err)
			continue
		}

		pkg.LogInfo(pkg.ComponentHost, "device connected", "port", port)

		// A connection on a port that still has a device means it was
		// replaced before the disconnect was seen.
		if old := h.deviceOnPort(port); old != nil {
			if err := h.release(h.ctx, old); err != nil {
				pkg.LogWarn(pkg.ComponentHost, "release failed",
					"slot", old.slot,
					"error", err)
			}
		}

		dev, err := h.enumerateDevice(h.ctx, port)
		if err != nil {
			pkg.LogWarn(pkg.ComponentHost, "enumeration failed",
				"port", port,
				"error", err)
			continue
		}

		h.mutex.Lock()
		h.devices[dev.slot] = dev
		cb := h.onDeviceConnect
		h.mutex.Unlock()

		select {
		case h.deviceConnected <- dev:
		default:
		}

		if cb != nil {
			cb(dev)
		}

		pkg.LogInfo(pkg.ComponentHost, "device enumerated",
			"slot", dev.slot,
			"port", port,
			"vendor", dev.descriptor.VendorID,
			"product", dev.descriptor.ProductID)
	}
}

// monitorPorts releases devices whose port no longer reports a connection.
func (h *Host) monitorPorts() {
	defer h.wg.Done()
	ticker := time.NewTicker(portPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
		}
		for _, dev := range h.Devices() {
			st, err := h.hal.GetPortStatus(dev.port)
			if err == nil && st.Connected {
				continue
			}
			pkg.LogInfo(pkg.ComponentHost, "device disconnected",
				"port", dev.port,
				"slot", dev.slot)
			if err := h.release(h.ctx, dev); err != nil {
				pkg.LogDebug(pkg.ComponentHost, "release failed",
					"slot", dev.slot,
					"error", err)
			}
		}
	}
}

// release forgets dev and frees its slot. Releasing a device twice is a
// no-op.
func (h *Host) release(ctx context.Context, dev *Device) error {
	h.mutex.Lock()
	if h.devices[dev.slot] != dev {
		h.mutex.Unlock()
		return nil
	}
	delete(h.devices, dev.slot)
	cb := h.onDeviceDisconnect
	h.mutex.Unlock()

	dev.setState(DeviceStateDetached)
	err := h.hal.DisableSlot(ctx, dev.slot)

	if cb != nil {
		cb(dev)
	}
	return err
}

// NumPorts returns the number of root hub ports.
func (h *Host) NumPorts() int {
	return h.hal.NumPorts()
}

// GetPortStatus returns the status of a port.
func (h *Host) GetPortStatus(port int) (hal.PortStatus, error) {
	return h.hal.GetPortStatus(port)
}
