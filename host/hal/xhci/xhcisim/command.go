package xhcisim

import (
	"github.com/ardnew/softxhci/host/hal/xhci/devctx"
	"github.com/ardnew/softxhci/host/hal/xhci/regs"
	"github.com/ardnew/softxhci/host/hal/xhci/trb"
)

// slot is an enabled device slot.
type slot struct {
	id   uint8
	port *port
	out  *devctx.DeviceContext
	eps  map[uint8]*endpoint
}

func (sl *slot) state() uint32 {
	if sl.out == nil {
		return devctx.SlotDisabled
	}
	return sl.out.Slot.State.Get(devctx.FieldSlotState)
}

// endpoint is a running transfer ring consumer.
type endpoint struct {
	dci     uint8
	ctx     *devctx.EndpointContext
	ring    reader
	reports [][]byte

	// armed is set by a doorbell and cleared when the ring runs out of
	// TRBs the driver handed over. A parked endpoint waits for the next
	// doorbell even after the driver extends its ring.
	armed bool
}

func (e *endpoint) state() uint32 { return e.ctx.Info.Get(devctx.FieldEPState) }

func (e *endpoint) setState(v uint32) { e.ctx.Info.Put(devctx.FieldEPState, v) }

// runCommands executes every command the driver has handed over.
func (s *Sim) runCommands() {
	for s.running {
		t, phys, ok, err := s.cmd.peek()
		if err != nil {
			s.hostSystemError(err)
			return
		}
		if !ok {
			return
		}
		s.cmd.next()
		code, id := s.execute(t)
		s.stats.Commands++
		s.log.Debug("command", "type", t.Type(), "code", code, "slot", id)
		s.post(trb.CommandCompletionEvent(phys, code, id))
	}
}

func (s *Sim) execute(t trb.TRB) (trb.CompletionCode, uint8) {
	id := t.SlotID()
	switch t.Type() {
	case trb.TypeNoOpCommand:
		return trb.CodeSuccess, 0
	case trb.TypeEnableSlotCommand:
		return s.enableSlot()
	case trb.TypeDisableSlotCommand:
		return s.disableSlot(id), id
	case trb.TypeAddressDeviceCommand:
		return s.addressDevice(t), id
	case trb.TypeConfigureEndpointCommand:
		return s.configureEndpoint(t), id
	case trb.TypeEvaluateContextCommand:
		return s.evaluateContext(t), id
	case trb.TypeResetEndpointCommand:
		return s.resetEndpoint(t), id
	case trb.TypeStopEndpointCommand:
		return s.stopEndpoint(t), id
	case trb.TypeSetTRDequeueCommand:
		return s.setTRDequeue(t), id
	default:
		return trb.CodeTRB, 0
	}
}

func (s *Sim) enableSlot() (trb.CompletionCode, uint8) {
	n := int(s.regs.Operational.NumDeviceSlots())
	for id := 1; id <= n; id++ {
		if s.slots[uint8(id)] == nil {
			s.slots[uint8(id)] = &slot{id: uint8(id), eps: make(map[uint8]*endpoint)}
			return trb.CodeSuccess, uint8(id)
		}
	}
	return trb.CodeNoSlots, 0
}

func (s *Sim) disableSlot(id uint8) trb.CompletionCode {
	sl := s.slots[id]
	if sl == nil {
		return trb.CodeSlotNotEnabled
	}
	if sl.out != nil {
		sl.out.Slot.State.Put(devctx.FieldSlotState, devctx.SlotDisabled)
	}
	delete(s.slots, id)
	return trb.CodeSuccess
}

// outputContext returns the device context DCBAA entry id points at.
func (s *Sim) outputContext(id uint8) (*devctx.DeviceContext, error) {
	dcbaa, err := view[devctx.DCBAA](s.alloc, s.regs.Operational.DCBAAP.Read())
	if err != nil {
		return nil, err
	}
	return view[devctx.DeviceContext](s.alloc, dcbaa[id].Read())
}

func (s *Sim) addressDevice(t trb.TRB) trb.CompletionCode {
	sl := s.slots[t.SlotID()]
	if sl == nil {
		return trb.CodeSlotNotEnabled
	}
	bsr := t.Control.Flag(trb.FieldBSR)
	if sl.state() >= devctx.SlotAddressed {
		return trb.CodeContextState
	}
	in, err := view[devctx.InputContext](s.alloc, t.Data())
	if err != nil {
		return trb.CodeTRB
	}
	want := devctx.AddFlag(0) | devctx.AddFlag(1)
	if in.Control.Add.Read()&want != want {
		return trb.CodeParameter
	}
	p, err := s.port(int(in.Device.Slot.Port.Get(devctx.FieldRootHubPort)))
	if err != nil || p.dev == nil || p.sc&regs.PortEnabled == 0 {
		return trb.CodeUSBTransaction
	}
	out, err := s.outputContext(sl.id)
	if err != nil {
		return trb.CodeTRB
	}

	out.Slot.CopyFrom(&in.Device.Slot)
	ep0 := out.Endpoint(1)
	ep0.CopyFrom(in.Device.Endpoint(1))
	ep0.Info.Put(devctx.FieldEPState, devctx.EPRunning)

	state, addr := uint32(devctx.SlotAddressed), sl.id
	if bsr {
		state, addr = devctx.SlotDefault, 0
	}
	out.Slot.State.Put(devctx.FieldSlotState, state)
	out.Slot.State.Put(devctx.FieldDeviceAddress, uint32(addr))
	p.dev.setAddress(addr)

	sl.out, sl.port = out, p
	sl.eps[1] = &endpoint{dci: 1, ctx: ep0, ring: newReader(s.alloc, ep0.Dequeue.Read())}
	return trb.CodeSuccess
}

func (s *Sim) configureEndpoint(t trb.TRB) trb.CompletionCode {
	sl := s.slots[t.SlotID()]
	if sl == nil {
		return trb.CodeSlotNotEnabled
	}
	if sl.state() < devctx.SlotAddressed {
		return trb.CodeContextState
	}
	in, err := view[devctx.InputContext](s.alloc, t.Data())
	if err != nil {
		return trb.CodeTRB
	}
	add, drop := in.Control.Add.Read(), in.Control.Drop.Read()
	if add&devctx.AddFlag(1) != 0 || drop&(devctx.AddFlag(0)|devctx.AddFlag(1)) != 0 {
		return trb.CodeParameter
	}
	for dci := uint8(2); dci <= devctx.NumEndpoints; dci++ {
		if add&devctx.AddFlag(dci) != 0 && in.Device.Endpoint(dci).Info2.Get(devctx.FieldEPType) == 0 {
			return trb.CodeParameter
		}
	}

	for dci := uint8(2); dci <= devctx.NumEndpoints; dci++ {
		if drop&devctx.AddFlag(dci) != 0 {
			if ep := sl.eps[dci]; ep != nil {
				ep.setState(devctx.EPDisabled)
				delete(sl.eps, dci)
			}
		}
		if add&devctx.AddFlag(dci) != 0 {
			dst := sl.out.Endpoint(dci)
			dst.CopyFrom(in.Device.Endpoint(dci))
			dst.Info.Put(devctx.FieldEPState, devctx.EPRunning)
			sl.eps[dci] = &endpoint{dci: dci, ctx: dst, ring: newReader(s.alloc, dst.Dequeue.Read())}
		}
	}
	if add&devctx.AddFlag(0) != 0 {
		sl.out.Slot.Info.Put(devctx.FieldContextEntries, in.Device.Slot.Info.Get(devctx.FieldContextEntries))
	}
	sl.out.Slot.State.Put(devctx.FieldSlotState, devctx.SlotConfigured)
	return trb.CodeSuccess
}

func (s *Sim) evaluateContext(t trb.TRB) trb.CompletionCode {
	sl := s.slots[t.SlotID()]
	if sl == nil {
		return trb.CodeSlotNotEnabled
	}
	if sl.out == nil {
		return trb.CodeContextState
	}
	in, err := view[devctx.InputContext](s.alloc, t.Data())
	if err != nil {
		return trb.CodeTRB
	}
	if in.Control.Add.Read()&devctx.AddFlag(1) != 0 {
		mps := in.Device.Endpoint(1).Info2.Get(devctx.FieldMaxPacket)
		sl.out.Endpoint(1).Info2.Put(devctx.FieldMaxPacket, mps)
	}
	return trb.CodeSuccess
}

// endpointOf returns the endpoint a Reset, Stop or Set TR Dequeue
// command names.
func (s *Sim) endpointOf(t trb.TRB) (*endpoint, trb.CompletionCode) {
	sl := s.slots[t.SlotID()]
	if sl == nil {
		return nil, trb.CodeSlotNotEnabled
	}
	ep := sl.eps[t.EndpointID()]
	if ep == nil {
		return nil, trb.CodeEndpointNotEnabled
	}
	return ep, trb.CodeSuccess
}

func (s *Sim) resetEndpoint(t trb.TRB) trb.CompletionCode {
	ep, code := s.endpointOf(t)
	if ep == nil {
		return code
	}
	if ep.state() != devctx.EPHalted {
		return trb.CodeContextState
	}
	ep.setState(devctx.EPStopped)
	return trb.CodeSuccess
}

func (s *Sim) stopEndpoint(t trb.TRB) trb.CompletionCode {
	ep, code := s.endpointOf(t)
	if ep == nil {
		return code
	}
	if ep.state() != devctx.EPRunning {
		return trb.CodeContextState
	}
	ep.setState(devctx.EPStopped)
	ep.armed = false
	ep.ctx.Dequeue.Write(ep.ring.pointer())
	return trb.CodeSuccess
}

func (s *Sim) setTRDequeue(t trb.TRB) trb.CompletionCode {
	ep, code := s.endpointOf(t)
	if ep == nil {
		return code
	}
	if st := ep.state(); st != devctx.EPStopped && st != devctx.EPError {
		return trb.CodeContextState
	}
	ep.ring = newReader(s.alloc, t.Data())
	ep.armed = false
	ep.ctx.Dequeue.Write(ep.ring.pointer())
	return trb.CodeSuccess
}
