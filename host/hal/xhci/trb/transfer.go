package trb

import (
	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg/volatile"
)

// TransferType is the Setup Stage TRT field: which data stage follows.
type TransferType uint8

// Setup Stage transfer types.
const (
	NoDataStage  TransferType = 0
	OutDataStage TransferType = 2
	InDataStage  TransferType = 3
)

// String returns the transfer type name.
func (t TransferType) String() string {
	switch t {
	case NoDataStage:
		return "No Data"
	case OutDataStage:
		return "OUT Data"
	case InDataStage:
		return "IN Data"
	default:
		return "Reserved"
	}
}

func length(n uint32) uint32 {
	return volatile.Put(FieldTransferLength, uint32(0), uint64(n))
}

// Normal returns a Normal TRB for length bytes at buffer, interrupting on
// completion and on a short packet.
func Normal(buffer uint64, n uint32) TRB {
	return TRB{
		Parameter: buffer,
		Status:    length(n),
		Control: NewControl(TypeNormal).
			WithFlag(FieldIOC, true).
			WithFlag(FieldISP, true),
	}
}

// Link returns a Link TRB pointing at target with toggle-cycle set.
func Link(target uint64) TRB {
	return TRB{
		Parameter: target,
		Control:   NewControl(TypeLink).WithFlag(FieldToggleCycle, true),
	}
}

// SetupTransferType derives the TRT field from a setup packet.
func SetupTransferType(requestType uint8, wLength uint16) TransferType {
	switch {
	case wLength == 0:
		return NoDataStage
	case requestType&0x80 != 0:
		return InDataStage
	default:
		return OutDataStage
	}
}

// SetupStage returns a Setup Stage TRB carrying setup as immediate data.
func SetupStage(setup hal.SetupPacket) TRB {
	var b [hal.SetupPacketSize]byte
	setup.MarshalTo(b[:])
	var param uint64
	for i := len(b) - 1; i >= 0; i-- {
		param = param<<8 | uint64(b[i])
	}
	return TRB{
		Parameter: param,
		Status:    length(hal.SetupPacketSize),
		Control: NewControl(TypeSetupStage).
			WithFlag(FieldIDT, true).
			With(FieldTransferType, uint64(SetupTransferType(setup.RequestType, setup.Length))),
	}
}

// NewSetupStage returns a Setup Stage TRB from the raw setup fields.
func NewSetupStage(bmRequestType, bRequest uint8, wValue, wIndex, wLength uint16) TRB {
	return SetupStage(hal.SetupPacket{
		RequestType: bmRequestType,
		Request:     bRequest,
		Value:       wValue,
		Index:       wIndex,
		Length:      wLength,
	})
}

// SetupPacket decodes the immediate setup data of a Setup Stage TRB.
func (t TRB) SetupPacket() hal.SetupPacket {
	var b [hal.SetupPacketSize]byte
	for i := range b {
		b[i] = byte(t.Parameter >> (8 * i))
	}
	var s hal.SetupPacket
	hal.ParseSetupPacket(b[:], &s)
	return s
}

// DataStage returns a Data Stage TRB for n bytes at buffer.
func DataStage(buffer uint64, n uint32, in bool) TRB {
	return TRB{
		Parameter: buffer,
		Status:    length(n),
		Control: NewControl(TypeDataStage).
			WithFlag(FieldDirection, in).
			WithFlag(FieldISP, true),
	}
}

// StatusStage returns a Status Stage TRB that interrupts on completion.
func StatusStage(in bool) TRB {
	return TRB{
		Control: NewControl(TypeStatusStage).
			WithFlag(FieldDirection, in).
			WithFlag(FieldIOC, true),
	}
}

// ControlTransfer returns the TRBs of one control transfer: Setup, an
// optional Data stage at buffer, and Status. The status stage runs
// opposite the data stage, or IN when there is none.
func ControlTransfer(setup hal.SetupPacket, buffer uint64) []TRB {
	trbs := []TRB{SetupStage(setup)}
	statusIn := true
	if setup.Length > 0 {
		in := setup.IsIn()
		trbs = append(trbs, DataStage(buffer, uint32(setup.Length), in))
		statusIn = !in
	}
	return append(trbs, StatusStage(statusIn))
}

// Direction reports the direction bit of a Data or Status Stage TRB.
func (t TRB) Direction() (in bool) { return t.Control.Flag(FieldDirection) }
