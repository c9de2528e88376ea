// Package xhcisim emulates an xHCI host controller in memory.
//
// A [Sim] owns a register window laid out like a real controller's BAR and
// plays the controller side of every shared structure: it reacts to
// USBCMD, consumes the command ring and transfer rings through their cycle
// bits, writes events to the event ring with its own producer cycle state
// and raises IMAN.IP. Physical addresses the driver hands over are resolved
// through the same [dma.Allocator] the driver allocates from, so the
// driver under test runs unmodified against it.
//
// # Architecture
//
//	+-----------------------+         +------------------------------+
//	| xhci.Controller       |  MMIO   | Sim                          |
//	|  regs.Registers  -----+-------->|  register window (pinned)    |
//	|  command/event rings  |  DMA    |  command, transfer consumers |
//	|  transfer rings  <----+---------+  event producer              |
//	+-----------------------+         |  ports, emulated devices     |
//	                                  +------------------------------+
//
// The simulator advances one [Sim.Step] at a time; [Sim.Run] steps on a
// ticker until its context is done.
//
// # Register Semantics
//
// Memory cannot tell a read from a write, so a few register behaviors are
// approximated:
//   - Doorbells are preset to 0xFFFFFFFF and consumed with an atomic swap;
//     any other value is a ring. An interrupt endpoint is serviced only
//     after its doorbell and parks when it reaches a TRB the driver still
//     owns, until the next ring.
//   - PORTSC values published by the simulator carry reserved bit 28. A
//     driver write never does, which marks it as a write whose change bits
//     are then cleared write-1-to-clear style. Two driver writes between
//     steps merge into the later one.
//   - USBSTS.EINT and IMAN.IP are set on every event and never cleared by
//     the simulator; a driver drains the event ring by cycle bit.
//
// # Usage
//
//	alloc := dma.NewHeapAllocator()
//	sim, err := xhcisim.New(alloc, xhcisim.Config{Ports: 2})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go sim.Run(ctx)
//
//	hc := xhci.New(sim.Registers(), alloc, xhci.DefaultConfig())
//	if err := hc.Init(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	sim.Attach(1, xhcisim.BootKeyboard(hal.SpeedFull))
//	sim.InjectReport(1, 0x81, []byte{0, 0, 0x04, 0, 0, 0, 0, 0})
package xhcisim
