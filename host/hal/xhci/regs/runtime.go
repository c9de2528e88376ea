package regs

import (
	"github.com/ardnew/softxhci/pkg/volatile"
)

// Runtime is the runtime register block at RTSOFF. Interrupter register
// sets follow at InterruptersOffset and are reached through Registers.
type Runtime struct {
	MFINDEX volatile.U32
	_       [7]uint32
}

// InterruptersOffset is the offset of interrupter 0 from the runtime base.
const InterruptersOffset = 0x20

// InterrupterSize is the length of an interrupter register set.
const InterrupterSize = 0x20

// Interrupter is one interrupter register set.
type Interrupter struct {
	IMAN   volatile.U32
	IMOD   volatile.U32
	ERSTSZ volatile.U32
	_      uint32
	ERSTBA volatile.U64
	ERDP   volatile.U64
}

// IMAN bits.
const (
	ImanPending uint32 = 1 << 0 // IP, write 1 to clear
	ImanEnable  uint32 = 1 << 1 // IE
)

// ErdpBusy is ERDP.EHB, the event handler busy flag (write 1 to clear).
const ErdpBusy uint64 = 1 << 3

// ErdpPointerMask selects the dequeue pointer bits of ERDP.
const ErdpPointerMask = ^uint64(0xf)

// MicroframeIndex returns MFINDEX.
func (r *Runtime) MicroframeIndex() uint32 { return r.MFINDEX.Read() & 0x3fff }

// Enable sets or clears IMAN.IE.
func (i *Interrupter) Enable(on bool) {
	v := i.IMAN.Read() &^ ImanPending
	if on {
		v |= ImanEnable
	} else {
		v &^= ImanEnable
	}
	i.IMAN.Write(v)
}

// Enabled reports IMAN.IE.
func (i *Interrupter) Enabled() bool { return i.IMAN.IsSet(ImanEnable) }

// AckPending clears IMAN.IP, keeping IE, and reports whether it was set.
func (i *Interrupter) AckPending() bool {
	v := i.IMAN.Read()
	if v&ImanPending == 0 {
		return false
	}
	i.IMAN.Write(v)
	return true
}

// SetModeration writes the IMOD interval in 250ns units.
func (i *Interrupter) SetModeration(interval uint16) {
	i.IMOD.WriteBits(0, 16, uint32(interval))
}

// SetEventRing installs an event ring segment table. The size must be
// written before the base, which starts event ring operation.
func (i *Interrupter) SetEventRing(erstBase uint64, erstSize uint32, dequeue uint64) {
	i.ERSTSZ.WriteBits(0, 16, erstSize)
	i.ERDP.Write(dequeue & ErdpPointerMask)
	i.ERSTBA.Write(erstBase &^ 0x3f)
}

// SetDequeue writes the event ring dequeue pointer and clears EHB.
func (i *Interrupter) SetDequeue(phys uint64) {
	i.ERDP.Write(phys&ErdpPointerMask | ErdpBusy)
}

// Dequeue returns the event ring dequeue pointer.
func (i *Interrupter) Dequeue() uint64 { return i.ERDP.Read() & ErdpPointerMask }
