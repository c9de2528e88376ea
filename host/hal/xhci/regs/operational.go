package regs

import (
	"context"
	"fmt"

	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/volatile"
)

// Operational is the operational register block at CAPLENGTH. Port
// register sets follow at PortsOffset and are reached through Registers.
type Operational struct {
	USBCMD   volatile.U32
	USBSTS   volatile.U32
	PAGESIZE volatile.U32
	_        [2]uint32
	DNCTRL   volatile.U32
	CRCR     volatile.U64
	_        [4]uint32
	DCBAAP   volatile.U64
	CONFIG   volatile.U32
}

// PortsOffset is the offset of port register set 1 from the operational
// base.
const PortsOffset = 0x400

// USBCMD bits.
const (
	CmdRun       uint32 = 1 << 0
	CmdReset     uint32 = 1 << 1
	CmdIntEnable uint32 = 1 << 2
	CmdHSEEnable uint32 = 1 << 3
)

// USBSTS bits. All but Halted and NotReady are write-1-to-clear.
const (
	StsHalted          uint32 = 1 << 0
	StsHostSystemError uint32 = 1 << 2
	StsEventInterrupt  uint32 = 1 << 3
	StsPortChange      uint32 = 1 << 4
	StsNotReady        uint32 = 1 << 11
	StsHostCtrlError   uint32 = 1 << 12
)

// FieldMaxSlotsEn is the CONFIG field enabling device slots.
var FieldMaxSlotsEn = volatile.NewField(0, 8)

// Halted reports USBSTS.HCH.
func (o *Operational) Halted() bool { return o.USBSTS.IsSet(StsHalted) }

// Running reports USBCMD.R/S.
func (o *Operational) Running() bool { return o.USBCMD.IsSet(CmdRun) }

// HostSystemError reports USBSTS.HSE.
func (o *Operational) HostSystemError() bool { return o.USBSTS.IsSet(StsHostSystemError) }

// ResetXHC stops the controller, waits for it to halt, then resets it and
// waits for the reset to finish and the controller to become ready.
func (o *Operational) ResetXHC(ctx context.Context, w Waiter) error {
	o.USBCMD.Clear(CmdRun)
	if err := w.Until(ctx, "HCHalted", o.Halted); err != nil {
		return err
	}
	o.USBCMD.Set(CmdReset)
	if err := w.Until(ctx, "HCRST clear", func() bool { return !o.USBCMD.IsSet(CmdReset) }); err != nil {
		return err
	}
	if err := w.Until(ctx, "CNR clear", func() bool { return !o.USBSTS.IsSet(StsNotReady) }); err != nil {
		return err
	}
	pkg.LogDebug(pkg.ComponentRegs, "controller reset")
	return nil
}

// StartXHC sets Run/Stop and waits for HCHalted to clear.
func (o *Operational) StartXHC(ctx context.Context, w Waiter) error {
	if o.HostSystemError() {
		return fmt.Errorf("regs: start: %w", pkg.ErrHostSystemError)
	}
	o.USBCMD.Set(CmdRun)
	if err := w.Until(ctx, "HCHalted clear", func() bool { return !o.Halted() }); err != nil {
		return err
	}
	pkg.LogDebug(pkg.ComponentRegs, "controller running")
	return nil
}

// StopXHC clears Run/Stop and waits for HCHalted.
func (o *Operational) StopXHC(ctx context.Context, w Waiter) error {
	o.USBCMD.Clear(CmdRun)
	return w.Until(ctx, "HCHalted", o.Halted)
}

// SetDCBAAPtr installs the Device Context Base Address Array.
func (o *Operational) SetDCBAAPtr(phys uint64) {
	o.DCBAAP.Write(phys &^ 0x3f)
}

// SetCmdRingCtrl writes CRCR: the command ring address with the Ring
// Cycle State in bit 0.
func (o *Operational) SetCmdRingCtrl(v uint64) {
	o.CRCR.Write(v)
}

// SetNumDeviceSlots sets CONFIG.MaxSlotsEn.
func (o *Operational) SetNumDeviceSlots(n uint8) {
	o.CONFIG.Put(FieldMaxSlotsEn, uint32(n))
}

// NumDeviceSlots returns CONFIG.MaxSlotsEn.
func (o *Operational) NumDeviceSlots() uint8 {
	return uint8(o.CONFIG.Get(FieldMaxSlotsEn))
}

// PageSize returns the controller page size in bytes.
func (o *Operational) PageSize() uint32 {
	return (o.PAGESIZE.Read() & 0xffff) << 12
}

// EnableInterrupts sets or clears USBCMD.INTE.
func (o *Operational) EnableInterrupts(on bool) {
	if on {
		o.USBCMD.Set(CmdIntEnable)
	} else {
		o.USBCMD.Clear(CmdIntEnable)
	}
}

// AckEventInterrupt clears USBSTS.EINT and reports whether it was set.
func (o *Operational) AckEventInterrupt() bool {
	if !o.USBSTS.IsSet(StsEventInterrupt) {
		return false
	}
	o.USBSTS.Write(StsEventInterrupt)
	return true
}

// AckPortChange clears USBSTS.PCD.
func (o *Operational) AckPortChange() {
	o.USBSTS.Write(StsPortChange)
}
