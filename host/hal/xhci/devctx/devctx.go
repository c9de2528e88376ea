// Package devctx lays out the xHCI device, input and endpoint contexts and
// the Device Context Base Address Array.
//
// Only 32-byte contexts (HCCPARAMS1.CSZ = 0) are described.
package devctx

import (
	"github.com/ardnew/softxhci/pkg/volatile"
)

// Size is the length of one context entry.
const Size = 32

// NumEndpoints is the number of endpoint contexts in a device context.
const NumEndpoints = 31

// Slot context fields.
var (
	FieldRouteString    = volatile.NewField(0, 20)
	FieldSpeed          = volatile.NewField(20, 4)
	FieldContextEntries = volatile.NewField(27, 5)
	FieldRootHubPort    = volatile.NewField(16, 8)
	FieldIntrTarget     = volatile.NewField(22, 10)
	FieldDeviceAddress  = volatile.NewField(0, 8)
	FieldSlotState      = volatile.NewField(27, 5)
)

// Slot states.
const (
	SlotDisabled   = 0
	SlotDefault    = 1
	SlotAddressed  = 2
	SlotConfigured = 3
)

// SlotContext describes a device.
type SlotContext struct {
	Info  volatile.U32 // route string, speed, context entries
	Port  volatile.U32 // max exit latency, root hub port, number of ports
	TT    volatile.U32 // TT info, interrupter target
	State volatile.U32 // device address, slot state
	_     [4]uint32
}

// Endpoint context fields.
var (
	FieldEPState      = volatile.NewField(0, 3)
	FieldInterval     = volatile.NewField(16, 8)
	FieldErrorCount   = volatile.NewField(1, 2)
	FieldEPType       = volatile.NewField(3, 3)
	FieldMaxBurst     = volatile.NewField(8, 8)
	FieldMaxPacket    = volatile.NewField(16, 16)
	FieldAvgTRBLength = volatile.NewField(0, 16)
	FieldMaxESITLo    = volatile.NewField(16, 16)
)

// Endpoint types.
const (
	EPIsochOut     = 1
	EPBulkOut      = 2
	EPInterruptOut = 3
	EPControl      = 4
	EPIsochIn      = 5
	EPBulkIn       = 6
	EPInterruptIn  = 7
)

// Endpoint states.
const (
	EPDisabled = 0
	EPRunning  = 1
	EPHalted   = 2
	EPStopped  = 3
	EPError    = 4
)

// EndpointContext describes one endpoint of a device.
type EndpointContext struct {
	Info     volatile.U32 // state, mult, streams, interval
	Info2    volatile.U32 // error count, type, burst, max packet size
	Dequeue  volatile.U64 // TR dequeue pointer, DCS in bit 0
	Transfer volatile.U32 // average TRB length, max ESIT payload
	_        [3]uint32
}

// DeviceContext is the output context the controller owns once a slot is
// addressed.
type DeviceContext struct {
	Slot      SlotContext
	Endpoints [NumEndpoints]EndpointContext
}

// Endpoint returns the context at device context index dci (1-31).
func (d *DeviceContext) Endpoint(dci uint8) *EndpointContext {
	return &d.Endpoints[dci-1]
}

// InputControlContext selects which contexts a command drops or adds.
type InputControlContext struct {
	Drop   volatile.U32
	Add    volatile.U32
	_      [5]uint32
	Config volatile.U32
}

// InputContext is the argument of Address Device, Configure Endpoint and
// Evaluate Context commands.
type InputContext struct {
	Control InputControlContext
	Device  DeviceContext
}

// Reset clears the input context.
func (in *InputContext) Reset() {
	in.Control.Drop.Write(0)
	in.Control.Add.Write(0)
	in.Control.Config.Write(0)
	in.Device.Slot.copyFrom(&SlotContext{})
	for i := range in.Device.Endpoints {
		in.Device.Endpoints[i].copyFrom(&EndpointContext{})
	}
}

// AddFlag returns the Add Context flag of device context index dci; index
// 0 is the slot context.
func AddFlag(dci uint8) uint32 { return 1 << dci }

// CopyFrom copies a slot context word by word.
func (s *SlotContext) CopyFrom(src *SlotContext) { s.copyFrom(src) }

func (s *SlotContext) copyFrom(src *SlotContext) {
	s.Info.Write(src.Info.Read())
	s.Port.Write(src.Port.Read())
	s.TT.Write(src.TT.Read())
	s.State.Write(src.State.Read())
}

// CopyFrom copies an endpoint context word by word.
func (e *EndpointContext) CopyFrom(src *EndpointContext) { e.copyFrom(src) }

func (e *EndpointContext) copyFrom(src *EndpointContext) {
	e.Info.Write(src.Info.Read())
	e.Info2.Write(src.Info2.Read())
	e.Dequeue.Write(src.Dequeue.Read())
	e.Transfer.Write(src.Transfer.Read())
}

// DCBAA is the Device Context Base Address Array. Entry 0 points at the
// scratchpad buffer array; entry n at the device context of slot n.
type DCBAA [256]volatile.U64

// ScratchpadArray holds the page addresses of the scratchpad buffers.
type ScratchpadArray [1024]volatile.U64
