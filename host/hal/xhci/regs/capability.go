package regs

import (
	"github.com/ardnew/softxhci/pkg/volatile"
)

// Capability is the read-only capability register block at the start of
// the controller's MMIO space.
type Capability struct {
	CAPLENGTH  volatile.U32 // CAPLENGTH (7:0), HCIVERSION (31:16)
	HCSPARAMS1 volatile.U32
	HCSPARAMS2 volatile.U32
	HCSPARAMS3 volatile.U32
	HCCPARAMS1 volatile.U32
	DBOFF      volatile.U32
	RTSOFF     volatile.U32
	HCCPARAMS2 volatile.U32
}

// Capability register fields.
var (
	FieldCapLength  = volatile.NewField(0, 8)
	FieldHCIVersion = volatile.NewField(16, 16)

	FieldMaxSlots = volatile.NewField(0, 8)
	FieldMaxIntrs = volatile.NewField(8, 11)
	FieldMaxPorts = volatile.NewField(24, 8)

	FieldIST          = volatile.NewField(0, 4)
	FieldERSTMax      = volatile.NewField(4, 4)
	FieldScratchpadHi = volatile.NewField(21, 5)
	FieldScratchpadLo = volatile.NewField(27, 5)

	FieldAC64 = volatile.Bit(0)
	FieldCSZ  = volatile.Bit(2)
)

// CapabilitySize is the length of the Capability block.
const CapabilitySize = 0x20

// Length returns CAPLENGTH, the offset of the operational registers.
func (c *Capability) Length() uint8 { return uint8(c.CAPLENGTH.Get(FieldCapLength)) }

// Version returns HCIVERSION as BCD, for example 0x0110.
func (c *Capability) Version() uint16 { return uint16(c.CAPLENGTH.Get(FieldHCIVersion)) }

// MaxSlots returns the number of device slots.
func (c *Capability) MaxSlots() uint8 { return uint8(c.HCSPARAMS1.Get(FieldMaxSlots)) }

// MaxInterrupters returns the number of interrupters.
func (c *Capability) MaxInterrupters() uint16 { return uint16(c.HCSPARAMS1.Get(FieldMaxIntrs)) }

// MaxPorts returns the number of root hub ports.
func (c *Capability) MaxPorts() uint8 { return uint8(c.HCSPARAMS1.Get(FieldMaxPorts)) }

// MaxScratchpadBuffers returns the number of scratchpad pages the
// controller needs, reassembled from its high and low fields.
func (c *Capability) MaxScratchpadBuffers() uint16 {
	v := c.HCSPARAMS2.Read()
	hi := volatile.Get(FieldScratchpadHi, v)
	lo := volatile.Get(FieldScratchpadLo, v)
	return uint16(hi<<5 | lo)
}

// ERSTMax returns the log2 of the maximum event ring segment table size.
func (c *Capability) ERSTMax() uint8 { return uint8(c.HCSPARAMS2.Get(FieldERSTMax)) }

// AddressCapability64 reports whether the controller can address 64 bits.
func (c *Capability) AddressCapability64() bool { return c.HCCPARAMS1.Get(FieldAC64) != 0 }

// ContextSize64 reports whether contexts are 64 bytes rather than 32.
func (c *Capability) ContextSize64() bool { return c.HCCPARAMS1.Get(FieldCSZ) != 0 }

// DoorbellOffset returns the offset of the doorbell array.
func (c *Capability) DoorbellOffset() uint32 { return c.DBOFF.Read() &^ 0x3 }

// RuntimeOffset returns the offset of the runtime registers.
func (c *Capability) RuntimeOffset() uint32 { return c.RTSOFF.Read() &^ 0x1f }

// ScratchpadFields returns HCSPARAMS2 with the scratchpad count n encoded.
func ScratchpadFields(w uint32, n uint16) uint32 {
	w = volatile.Put(FieldScratchpadHi, w, uint64(n>>5))
	return volatile.Put(FieldScratchpadLo, w, uint64(n&0x1f))
}
