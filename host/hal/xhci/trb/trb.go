package trb

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/volatile"
)

// Size is the length of a TRB in bytes. It is also the required alignment.
const Size = 16

// Type is the 6-bit TRB type field.
type Type uint8

// TRB types.
const (
	TypeNormal                   Type = 1
	TypeSetupStage               Type = 2
	TypeDataStage                Type = 3
	TypeStatusStage              Type = 4
	TypeIsoch                    Type = 5
	TypeLink                     Type = 6
	TypeEventData                Type = 7
	TypeNoOp                     Type = 8
	TypeEnableSlotCommand        Type = 9
	TypeDisableSlotCommand       Type = 10
	TypeAddressDeviceCommand     Type = 11
	TypeConfigureEndpointCommand Type = 12
	TypeEvaluateContextCommand   Type = 13
	TypeResetEndpointCommand     Type = 14
	TypeStopEndpointCommand      Type = 15
	TypeSetTRDequeueCommand      Type = 16
	TypeNoOpCommand              Type = 23
	TypeTransferEvent            Type = 32
	TypeCommandCompletionEvent   Type = 33
	TypePortStatusChangeEvent    Type = 34
	TypeHostControllerEvent      Type = 37
)

var typeNames = map[Type]string{
	TypeNormal:                   "Normal",
	TypeSetupStage:               "SetupStage",
	TypeDataStage:                "DataStage",
	TypeStatusStage:              "StatusStage",
	TypeIsoch:                    "Isoch",
	TypeLink:                     "Link",
	TypeEventData:                "EventData",
	TypeNoOp:                     "NoOp",
	TypeEnableSlotCommand:        "EnableSlotCommand",
	TypeDisableSlotCommand:       "DisableSlotCommand",
	TypeAddressDeviceCommand:     "AddressDeviceCommand",
	TypeConfigureEndpointCommand: "ConfigureEndpointCommand",
	TypeEvaluateContextCommand:   "EvaluateContextCommand",
	TypeResetEndpointCommand:     "ResetEndpointCommand",
	TypeStopEndpointCommand:      "StopEndpointCommand",
	TypeSetTRDequeueCommand:      "SetTRDequeueCommand",
	TypeNoOpCommand:              "NoOpCommand",
	TypeTransferEvent:            "TransferEvent",
	TypeCommandCompletionEvent:   "CommandCompletionEvent",
	TypePortStatusChangeEvent:    "PortStatusChangeEvent",
	TypeHostControllerEvent:      "HostControllerEvent",
}

// String returns the TRB type name.
func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// IsCommand reports whether t is a command TRB type.
func (t Type) IsCommand() bool {
	return (t >= TypeEnableSlotCommand && t <= 22) || t == TypeNoOpCommand
}

// IsEvent reports whether t is an event TRB type.
func (t Type) IsEvent() bool { return t >= TypeTransferEvent && t <= 39 }

// Control word fields. Some bit positions are shared by fields that apply
// to different TRB types.
var (
	FieldCycle        = volatile.Bit(0)
	FieldToggleCycle  = volatile.Bit(1) // Link; Evaluate Next TRB elsewhere
	FieldISP          = volatile.Bit(2)
	FieldChain        = volatile.Bit(4)
	FieldIOC          = volatile.Bit(5)
	FieldIDT          = volatile.Bit(6)
	FieldBSR          = volatile.Bit(9)
	FieldType         = volatile.NewField(10, 6)
	FieldTransferType = volatile.NewField(16, 2) // Setup Stage
	FieldDirection    = volatile.Bit(16)         // Data and Status Stage
	FieldEndpointID   = volatile.NewField(16, 5)
	FieldSlotType     = volatile.NewField(16, 5) // Enable Slot
	FieldSlotID       = volatile.NewField(24, 8)
)

// Status word fields.
var (
	FieldTransferLength    = volatile.NewField(0, 17)
	FieldTDSize            = volatile.NewField(17, 5)
	FieldInterrupterTarget = volatile.NewField(22, 10)
	FieldEventLength       = volatile.NewField(0, 24) // residual, in events
	FieldCompletionCode    = volatile.NewField(24, 8)
)

// Control is a TRB control word.
type Control uint32

// NewControl returns a control word with only the type field set.
func NewControl(t Type) Control {
	return Control(0).With(FieldType, uint64(t))
}

// With returns c with field f set to v. It panics if v does not fit in f.
func (c Control) With(f volatile.Field, v uint64) Control {
	return volatile.Put(f, c, v)
}

// WithFlag sets a single-bit field to b.
func (c Control) WithFlag(f volatile.Field, b bool) Control {
	return c.With(f, flag(b))
}

// Get returns the value of field f.
func (c Control) Get(f volatile.Field) uint64 { return uint64(volatile.Get(f, c)) }

// Flag reports whether single-bit field f is set.
func (c Control) Flag(f volatile.Field) bool { return c.Get(f) != 0 }

func flag(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// TRB is a Transfer Request Block value. It is a plain copy; ring memory is
// accessed through Slot.
type TRB struct {
	Parameter uint64
	Status    uint32
	Control   Control
}

// Cycle returns the cycle bit.
func (t TRB) Cycle() bool { return t.Control.Flag(FieldCycle) }

// WithCycle returns t with the cycle bit set to c.
func (t TRB) WithCycle(c bool) TRB {
	t.Control = t.Control.WithFlag(FieldCycle, c)
	return t
}

// Type returns the TRB type.
func (t TRB) Type() Type { return Type(t.Control.Get(FieldType)) }

// SlotID returns the slot id field.
func (t TRB) SlotID() uint8 { return uint8(t.Control.Get(FieldSlotID)) }

// Data returns the parameter field: a buffer pointer, a ring pointer, or
// immediate data depending on type.
func (t TRB) Data() uint64 { return t.Parameter }

// ToggleCycle reports the toggle-cycle bit of a Link TRB.
func (t TRB) ToggleCycle() bool { return t.Control.Flag(FieldToggleCycle) }

// EndpointID returns the endpoint id of a transfer event.
func (t TRB) EndpointID() uint8 { return uint8(t.Control.Get(FieldEndpointID)) }

// CompletionCode returns the completion code of an event.
func (t TRB) CompletionCode() CompletionCode {
	return CompletionCode(volatile.Get(FieldCompletionCode, t.Status))
}

// TransferLength returns the length field: the requested length for a
// transfer TRB, or the residual byte count for a transfer event.
func (t TRB) TransferLength() uint32 {
	if t.Type().IsEvent() {
		return volatile.Get(FieldEventLength, t.Status)
	}
	return volatile.Get(FieldTransferLength, t.Status)
}

// PortID returns the port number of a port status change event.
func (t TRB) PortID() uint8 { return uint8(t.Parameter >> 24) }

// Bytes returns the 16-byte little-endian encoding of t.
func (t TRB) Bytes() [Size]byte {
	var b [Size]byte
	binary.LittleEndian.PutUint64(b[0:], t.Parameter)
	binary.LittleEndian.PutUint32(b[8:], t.Status)
	binary.LittleEndian.PutUint32(b[12:], uint32(t.Control))
	return b
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (t TRB) MarshalBinary() ([]byte, error) {
	b := t.Bytes()
	return b[:], nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (t *TRB) UnmarshalBinary(data []byte) error {
	if len(data) < Size {
		return fmt.Errorf("trb: decode %d bytes: %w", len(data), pkg.ErrBufferTooSmall)
	}
	t.Parameter = binary.LittleEndian.Uint64(data[0:])
	t.Status = binary.LittleEndian.Uint32(data[8:])
	t.Control = Control(binary.LittleEndian.Uint32(data[12:]))
	return nil
}

// String formats the TRB for logs.
func (t TRB) String() string {
	return fmt.Sprintf("%v{param=%#x status=%#x control=%#x cycle=%d}",
		t.Type(), t.Parameter, t.Status, uint32(t.Control), flag(t.Cycle()))
}

// Slot is one TRB in memory shared with the controller. Every access is a
// single atomic load or store.
type Slot struct {
	parameter volatile.U64
	status    volatile.U32
	control   volatile.U32
}

var _ [Size]byte = [unsafe.Sizeof(Slot{})]byte{}

// Load reads the slot. The control word is read first so that a consumer
// observing a valid cycle bit reads content published before it.
func (s *Slot) Load() TRB {
	c := s.control.Read()
	return TRB{
		Parameter: s.parameter.Read(),
		Status:    s.status.Read(),
		Control:   Control(c),
	}
}

// Store writes the slot, control word last.
func (s *Slot) Store(t TRB) {
	s.parameter.Write(t.Parameter)
	s.status.Write(t.Status)
	s.control.Write(uint32(t.Control))
}

// Control reads the control word.
func (s *Slot) Control() Control { return Control(s.control.Read()) }

// Cycle reads the cycle bit.
func (s *Slot) Cycle() bool { return s.control.Get(FieldCycle) != 0 }

// SetCycle writes the cycle bit, leaving the rest of the control word.
func (s *Slot) SetCycle(c bool) { s.control.Put(FieldCycle, uint32(flag(c))) }
