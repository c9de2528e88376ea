package regs

import (
	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg/volatile"
)

// Port is one port register set.
type Port struct {
	PORTSC    volatile.U32
	PORTPMSC  volatile.U32
	PORTLI    volatile.U32
	PORTHLPMC volatile.U32
}

// PortSize is the length of a port register set.
const PortSize = 0x10

// PORTSC bits.
const (
	PortConnected   uint32 = 1 << 0  // CCS
	PortEnabled     uint32 = 1 << 1  // PED, write 1 to disable
	PortOverCurrent uint32 = 1 << 3  // OCA
	PortReset       uint32 = 1 << 4  // PR
	PortPower       uint32 = 1 << 9  // PP
	PortConnectChg  uint32 = 1 << 17 // CSC
	PortEnableChg   uint32 = 1 << 18 // PEC
	PortWarmResetCh uint32 = 1 << 19 // WRC
	PortOverCurChg  uint32 = 1 << 20 // OCC
	PortResetChg    uint32 = 1 << 21 // PRC
	PortLinkChg     uint32 = 1 << 22 // PLC
	PortConfigErr   uint32 = 1 << 23 // CEC

	// PortChangeMask covers every write-1-to-clear change bit.
	PortChangeMask = PortConnectChg | PortEnableChg | PortWarmResetCh |
		PortOverCurChg | PortResetChg | PortLinkChg | PortConfigErr

	// PortWritable covers the read/write bits a write must carry over:
	// PP, the port indicator and the wake enables.
	PortWritable = PortPower | 3<<14 | 7<<25
)

// PORTSC fields.
var (
	FieldPortLinkState = volatile.NewField(5, 4)
	FieldPortSpeed     = volatile.NewField(10, 4)
)

// Protocol speed IDs reported in PORTSC.
const (
	SpeedIDFull  = 1
	SpeedIDLow   = 2
	SpeedIDHigh  = 3
	SpeedIDSuper = 4
)

// SpeedFromID maps a protocol speed ID to a hal.Speed.
func SpeedFromID(id uint32) hal.Speed {
	switch id {
	case SpeedIDFull:
		return hal.SpeedFull
	case SpeedIDLow:
		return hal.SpeedLow
	case SpeedIDHigh:
		return hal.SpeedHigh
	case SpeedIDSuper:
		return hal.SpeedSuper
	default:
		return hal.SpeedUnknown
	}
}

// SpeedID maps a hal.Speed to its protocol speed ID, or 0.
func SpeedID(s hal.Speed) uint32 {
	switch s {
	case hal.SpeedFull:
		return SpeedIDFull
	case hal.SpeedLow:
		return SpeedIDLow
	case hal.SpeedHigh:
		return SpeedIDHigh
	case hal.SpeedSuper:
		return SpeedIDSuper
	default:
		return 0
	}
}

// preserve returns the read/write bits of v. Writing the result back
// leaves the port state alone: PED, the change bits and the read-only and
// reserved bits are written as 0.
func preserve(v uint32) uint32 { return v & PortWritable }

// Status decodes PORTSC.
func (p *Port) Status() hal.PortStatus {
	v := p.PORTSC.Read()
	return hal.PortStatus{
		Connected:     v&PortConnected != 0,
		Enabled:       v&PortEnabled != 0,
		OverCurrent:   v&PortOverCurrent != 0,
		Reset:         v&PortReset != 0,
		PowerOn:       v&PortPower != 0,
		LinkState:     uint8(volatile.Get(FieldPortLinkState, v)),
		Speed:         SpeedFromID(volatile.Get(FieldPortSpeed, v)),
		ConnectChange: v&PortConnectChg != 0,
		EnableChange:  v&PortEnableChg != 0,
		ResetChange:   v&PortResetChg != 0,
	}
}

// Reset starts a port reset without disturbing the change bits.
func (p *Port) Reset() {
	p.PORTSC.Write(preserve(p.PORTSC.Read()) | PortReset)
}

// ClearChanges acknowledges every change bit currently set and returns
// them.
func (p *Port) ClearChanges() uint32 {
	v := p.PORTSC.Read()
	chg := v & PortChangeMask
	if chg != 0 {
		p.PORTSC.Write(preserve(v) | chg)
	}
	return chg
}

// PowerOn sets PORTSC.PP.
func (p *Port) PowerOn() {
	p.PORTSC.Write(preserve(p.PORTSC.Read()) | PortPower)
}
