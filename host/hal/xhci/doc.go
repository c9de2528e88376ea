// Package xhci implements hal.HostController for an xHCI host controller.
//
// A [Controller] owns the structures the controller reads from memory:
// the Device Context Base Address Array and scratchpad buffers, the
// command ring, the primary event ring and, per device, the input and
// output contexts, the default control ring and one receive ring per
// interrupt IN endpoint. It talks to the hardware only through
// [regs.Registers], so it runs unmodified against a memory-mapped BAR or
// the in-memory emulator in package xhcisim.
//
// # Events
//
// Every command, control transfer and report completes through the event
// ring. [Controller.HandleInterrupt] drains it; with Config.PollEvents,
// Start runs [Controller.Run], which polls it with exponential backoff.
// Command and control transfer callers wait for the event that names
// their TRB. Interrupt IN payloads are copied out of the receive ring,
// the slot is re-armed and the payload is sent on the endpoint's report
// channel; a full channel drops the report.
//
// # Errors
//
// Completion codes map onto the sentinels of package pkg (see
// trb.CompletionCode.Err). A stalled control transfer returns an error
// wrapping pkg.ErrStall after the endpoint has been reset, so the next
// request goes through. A halted interrupt endpoint is recovered in the
// background.
//
// # Usage
//
//	hc := xhci.New(r, alloc, xhci.DefaultConfig())
//	if err := hc.Init(ctx); err != nil {
//	    return err
//	}
//	if err := hc.Start(ctx); err != nil {
//	    return err
//	}
//	defer hc.Close()
//
//	port, _ := hc.WaitForConnection(ctx)
//	_ = hc.ResetPort(ctx, port)
//	st, _ := hc.GetPortStatus(port)
//	slot, _ := hc.EnableSlot(ctx)
//	_ = hc.AddressDevice(ctx, slot, port, st.Speed)
package xhci
