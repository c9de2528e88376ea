package trb

import (
	"fmt"

	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/volatile"
)

// CompletionCode reports the outcome of a command or transfer.
type CompletionCode uint8

// Completion codes.
const (
	CodeInvalid            CompletionCode = 0
	CodeSuccess            CompletionCode = 1
	CodeDataBuffer         CompletionCode = 2
	CodeBabble             CompletionCode = 3
	CodeUSBTransaction     CompletionCode = 4
	CodeTRB                CompletionCode = 5
	CodeStall              CompletionCode = 6
	CodeResource           CompletionCode = 7
	CodeBandwidth          CompletionCode = 8
	CodeNoSlots            CompletionCode = 9
	CodeSlotNotEnabled     CompletionCode = 11
	CodeEndpointNotEnabled CompletionCode = 12
	CodeShortPacket        CompletionCode = 13
	CodeRingUnderrun       CompletionCode = 14
	CodeRingOverrun        CompletionCode = 15
	CodeParameter          CompletionCode = 17
	CodeContextState       CompletionCode = 19
	CodeCommandRingStopped CompletionCode = 24
	CodeCommandAborted     CompletionCode = 25
	CodeStopped            CompletionCode = 26
)

var codes = map[CompletionCode]struct {
	name string
	err  error
}{
	CodeInvalid:            {"Invalid", pkg.ErrProtocol},
	CodeSuccess:            {"Success", nil},
	CodeDataBuffer:         {"Data Buffer Error", pkg.ErrOverrun},
	CodeBabble:             {"Babble Detected", pkg.ErrBabble},
	CodeUSBTransaction:     {"USB Transaction Error", pkg.ErrProtocol},
	CodeTRB:                {"TRB Error", pkg.ErrInvalidParameter},
	CodeStall:              {"Stall Error", pkg.ErrStall},
	CodeResource:           {"Resource Error", pkg.ErrNoMemory},
	CodeBandwidth:          {"Bandwidth Error", pkg.ErrBandwidth},
	CodeNoSlots:            {"No Slots Available", pkg.ErrNoSlots},
	CodeSlotNotEnabled:     {"Slot Not Enabled", pkg.ErrInvalidState},
	CodeEndpointNotEnabled: {"Endpoint Not Enabled", pkg.ErrInvalidState},
	CodeShortPacket:        {"Short Packet", nil},
	CodeRingUnderrun:       {"Ring Underrun", pkg.ErrUnderrun},
	CodeRingOverrun:        {"Ring Overrun", pkg.ErrOverrun},
	CodeParameter:          {"Parameter Error", pkg.ErrInvalidParameter},
	CodeContextState:       {"Context State Error", pkg.ErrInvalidState},
	CodeCommandRingStopped: {"Command Ring Stopped", pkg.ErrCancelled},
	CodeCommandAborted:     {"Command Aborted", pkg.ErrCancelled},
	CodeStopped:            {"Stopped", pkg.ErrCancelled},
}

// String returns the completion code name.
func (c CompletionCode) String() string {
	if e, ok := codes[c]; ok {
		return e.name
	}
	return fmt.Sprintf("CompletionCode(%d)", uint8(c))
}

// Err returns nil for Success and Short Packet, otherwise an error wrapping
// the matching sentinel from package pkg. Unknown codes wrap
// pkg.ErrCommandFailed.
func (c CompletionCode) Err() error {
	e, ok := codes[c]
	switch {
	case !ok:
		return fmt.Errorf("%v: %w", c, pkg.ErrCommandFailed)
	case e.err == nil:
		return nil
	default:
		return fmt.Errorf("%v: %w", c, e.err)
	}
}

func eventStatus(code CompletionCode, residual uint32) uint32 {
	w := volatile.Put(FieldEventLength, uint32(0), uint64(residual))
	return volatile.Put(FieldCompletionCode, w, uint64(code))
}

// TransferEvent returns a Transfer Event for the TRB at ptr.
func TransferEvent(ptr uint64, residual uint32, code CompletionCode, slot, ep uint8) TRB {
	return TRB{
		Parameter: ptr,
		Status:    eventStatus(code, residual),
		Control: NewControl(TypeTransferEvent).
			With(FieldEndpointID, uint64(ep)).
			With(FieldSlotID, uint64(slot)),
	}
}

// CommandCompletionEvent returns a Command Completion Event for the command
// TRB at ptr. slot is the slot assigned or addressed by the command.
func CommandCompletionEvent(ptr uint64, code CompletionCode, slot uint8) TRB {
	return TRB{
		Parameter: ptr,
		Status:    eventStatus(code, 0),
		Control:   NewControl(TypeCommandCompletionEvent).With(FieldSlotID, uint64(slot)),
	}
}

// PortStatusChangeEvent returns a Port Status Change Event for port.
func PortStatusChangeEvent(port uint8) TRB {
	return TRB{
		Parameter: uint64(port) << 24,
		Status:    eventStatus(CodeSuccess, 0),
		Control:   NewControl(TypePortStatusChangeEvent),
	}
}

// HostControllerEvent returns a Host Controller Event.
func HostControllerEvent(code CompletionCode) TRB {
	return TRB{
		Status:  eventStatus(code, 0),
		Control: NewControl(TypeHostControllerEvent),
	}
}

// Matcher selects events. Zero fields match anything; a TRB type of 0,
// slot id of 0 and pointer of 0 are never valid in a real event.
type Matcher struct {
	Type    Type
	SlotID  uint8
	Pointer uint64
}

// Match reports whether t satisfies every set condition of m.
func (m Matcher) Match(t TRB) bool {
	if m.Type != 0 && t.Type() != m.Type {
		return false
	}
	if m.SlotID != 0 && t.SlotID() != m.SlotID {
		return false
	}
	if m.Pointer != 0 && t.Data() != m.Pointer {
		return false
	}
	return true
}

// CommandMatcher matches the completion event of the command TRB at ptr.
func CommandMatcher(ptr uint64) Matcher {
	return Matcher{Type: TypeCommandCompletionEvent, Pointer: ptr}
}

// TransferMatcher matches the transfer event of the TRB at ptr on slot.
func TransferMatcher(slot uint8, ptr uint64) Matcher {
	return Matcher{Type: TypeTransferEvent, SlotID: slot, Pointer: ptr}
}
