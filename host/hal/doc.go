// Package hal defines the interface between a USB host stack and a host
// controller driver.
//
// The HAL provides a platform-agnostic contract for the operations a host
// stack needs from controller hardware: bringing the controller up, watching
// root hub ports, assigning device slots, and moving data over control and
// interrupt endpoints.
//
// # Design Principles
//
// The HAL is designed to be:
//   - Minimal: Only expose operations essential for USB host functionality
//   - Generic: No controller-specific register or memory layout leaks out
//   - Slot-addressed: Devices are named by the slot the controller assigns
//
// # Interface Overview
//
// The [HostController] interface defines the contract:
//   - Initialization and lifecycle (Init, Start, Stop, Close)
//   - Port status, reset and connection detection
//   - Slot management and device addressing
//   - Control transfers and interrupt IN report delivery
//
// Shared wire types ([SetupPacket], [EndpointDescriptor], [Speed],
// [PortStatus]) live here so that drivers and the stack agree on them.
//
// # Example
//
//	var hc hal.HostController = xhci.New(regs, alloc, xhci.DefaultConfig())
//	if err := hc.Init(ctx); err != nil {
//	    return err
//	}
//	if err := hc.Start(ctx); err != nil {
//	    return err
//	}
//	port, err := hc.WaitForConnection(ctx)
//
// The xHCI driver is in [github.com/ardnew/softxhci/host/hal/xhci]; a
// register-level simulated controller for tests is in
// [github.com/ardnew/softxhci/host/hal/xhci/xhcisim].
package hal
