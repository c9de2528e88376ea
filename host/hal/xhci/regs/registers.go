// Package regs overlays the xHCI memory-mapped register blocks.
//
// Each block is a struct whose fields sit at the byte offsets the xHCI
// specification assigns and are accessed only through [volatile.U32] and
// [volatile.U64]. [Map] locates the blocks inside a mapped BAR using the
// offsets the capability registers advertise.
//
// Write-1-to-clear registers (USBSTS, PORTSC change bits, IMAN.IP,
// ERDP.EHB) are only ever written with the bits to clear, or with the
// change bits masked out when another field is being updated.
package regs

import (
	"fmt"
	"unsafe"

	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/dma"
	"github.com/ardnew/softxhci/pkg/volatile"
)

// Registers is the set of register blocks of one controller.
type Registers struct {
	Capability  *Capability
	Operational *Operational
	Runtime     *Runtime

	ports        []*Port
	interrupters []*Interrupter
	doorbells    []Doorbell
}

// MaxDoorbells is the number of doorbell registers: one for the command
// ring plus one per device slot.
const MaxDoorbells = 256

// Map carves the register blocks out of r. It fails if a block the
// capability registers describe does not fit in r.
func Map(r *dma.Region) (*Registers, error) {
	if r.Size() < CapabilitySize {
		return nil, fmt.Errorf("regs: %d-byte window: %w", r.Size(), pkg.ErrInvalidParameter)
	}
	cp := dma.Overlay[Capability](r, 0)
	op := uintptr(cp.Length())
	rt := uintptr(cp.RuntimeOffset())
	db := uintptr(cp.DoorbellOffset())

	nports := uintptr(cp.MaxPorts())
	nintr := uintptr(cp.MaxInterrupters())
	nbells := uintptr(cp.MaxSlots()) + 1

	if op%8 != 0 {
		return nil, fmt.Errorf("regs: CAPLENGTH %#x misaligned: %w", op, pkg.ErrInvalidParameter)
	}
	for _, b := range []struct {
		name      string
		off, size uintptr
	}{
		{"operational", op, PortsOffset + nports*PortSize},
		{"runtime", rt, InterruptersOffset + nintr*InterrupterSize},
		{"doorbell", db, nbells * DoorbellSize},
	} {
		if b.off < CapabilitySize || b.off+b.size > r.Size() {
			return nil, fmt.Errorf("regs: %s block [%#x, %#x) outside %#x-byte window: %w",
				b.name, b.off, b.off+b.size, r.Size(), pkg.ErrInvalidParameter)
		}
	}

	regs := &Registers{
		Capability:  cp,
		Operational: dma.Overlay[Operational](r, op),
		Runtime:     dma.Overlay[Runtime](r, rt),
	}
	for i := uintptr(0); i < nports; i++ {
		regs.ports = append(regs.ports, dma.Overlay[Port](r, op+PortsOffset+i*PortSize))
	}
	for i := uintptr(0); i < nintr; i++ {
		regs.interrupters = append(regs.interrupters,
			dma.Overlay[Interrupter](r, rt+InterruptersOffset+i*InterrupterSize))
	}
	regs.doorbells = make([]Doorbell, nbells)
	for i := range regs.doorbells {
		regs.doorbells[i].reg = dma.Overlay[volatile.U32](r, db+uintptr(i)*DoorbellSize)
	}
	pkg.LogDebug(pkg.ComponentRegs, "registers mapped",
		"version", fmt.Sprintf("%#04x", cp.Version()),
		"ports", nports, "interrupters", nintr, "slots", nbells-1)
	return regs, nil
}

// NumPorts returns the number of root hub ports.
func (r *Registers) NumPorts() int { return len(r.ports) }

// Port returns port register set n (1-indexed).
func (r *Registers) Port(n int) (*Port, error) {
	if n < 1 || n > len(r.ports) {
		return nil, fmt.Errorf("regs: port %d of %d: %w", n, len(r.ports), pkg.ErrInvalidParameter)
	}
	return r.ports[n-1], nil
}

// NumInterrupters returns the number of interrupter register sets.
func (r *Registers) NumInterrupters() int { return len(r.interrupters) }

// Interrupter returns interrupter register set i.
func (r *Registers) Interrupter(i int) (*Interrupter, error) {
	if i < 0 || i >= len(r.interrupters) {
		return nil, fmt.Errorf("regs: interrupter %d of %d: %w", i, len(r.interrupters), pkg.ErrInvalidParameter)
	}
	return r.interrupters[i], nil
}

// NumDoorbells returns the number of doorbell registers.
func (r *Registers) NumDoorbells() int { return len(r.doorbells) }

// Doorbell returns doorbell i: 0 for the command ring, otherwise the
// device slot id.
func (r *Registers) Doorbell(i int) (*Doorbell, error) {
	if i < 0 || i >= len(r.doorbells) {
		return nil, fmt.Errorf("regs: doorbell %d of %d: %w", i, len(r.doorbells), pkg.ErrInvalidParameter)
	}
	return &r.doorbells[i], nil
}

var (
	_ [CapabilitySize]byte     = [unsafe.Sizeof(Capability{})]byte{}
	_ [PortSize]byte           = [unsafe.Sizeof(Port{})]byte{}
	_ [InterrupterSize]byte    = [unsafe.Sizeof(Interrupter{})]byte{}
	_ [InterruptersOffset]byte = [unsafe.Sizeof(Runtime{})]byte{}
)
