// Package host implements a pure-Go USB host stack over a
// [hal.HostController].
//
// The controller does the slot and address bookkeeping (see package
// github.com/ardnew/softxhci/host/hal/xhci); this package drives
// enumeration, caches what the device reports about itself and exposes it
// as a [Device].
//
// # Architecture
//
//   - Host starts the controller, enumerates each device that connects and
//     releases devices whose port loses its connection
//   - Device holds the descriptors of one enumerated device and issues
//     standard and HID class requests on its default endpoint
//   - descriptor.go parses and encodes the standard descriptors
//
// # Enumeration
//
// For each new connection the host resets the port, enables a slot and
// addresses the device, then reads the first 8 bytes of the device
// descriptor and corrects the default endpoint's max packet size if the
// device reports a different one. It reads the full device descriptor, the
// configuration tree and the manufacturer, product and serial strings,
// selects the first configuration and starts every interrupt IN endpoint
// of the default alternate settings. Any failure releases the slot.
//
// # Example
//
//	h := host.New(xhci.New(r, alloc, xhci.DefaultConfig()))
//	if err := h.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Close()
//
//	// Wait for a device to connect
//	dev, err := h.WaitDevice(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Read boot keyboard reports
//	for r := range dev.Reports(0x81) {
//	    var rep host.KeyboardReport
//	    if host.ParseKeyboardReport(r, &rep) {
//	        fmt.Println(rep.Pressed())
//	    }
//	}
package host
