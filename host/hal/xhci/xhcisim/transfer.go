package xhcisim

import (
	"bytes"
	"fmt"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/xhci/devctx"
	"github.com/ardnew/softxhci/host/hal/xhci/trb"
	"github.com/ardnew/softxhci/pkg"
)

// MaxQueuedReports bounds the reports waiting on one endpoint.
const MaxQueuedReports = 64

// ringEndpoint handles a doorbell for endpoint dci of slot id. A stopped
// endpoint restarts; a halted one ignores the doorbell. An interrupt
// endpoint is armed until its ring runs dry.
func (s *Sim) ringEndpoint(id, dci uint8) {
	sl := s.slots[id]
	if sl == nil {
		s.log.Debug("doorbell for disabled slot", "slot", id)
		return
	}
	ep := sl.eps[dci]
	if ep == nil {
		s.log.Debug("doorbell for disabled endpoint", "slot", id, "dci", dci)
		return
	}
	switch ep.state() {
	case devctx.EPStopped:
		ep.setState(devctx.EPRunning)
	case devctx.EPRunning:
	default:
		return
	}
	if dci == 1 {
		s.runControl(sl, ep)
		return
	}
	ep.armed = true
	s.runReports(sl, ep)
}

func (s *Sim) transferEvent(sl *slot, ep *endpoint, ptr uint64, residual uint32, code trb.CompletionCode) {
	s.post(trb.TransferEvent(ptr, residual, code, sl.id, ep.dci))
}

// runControl executes every complete control TD on the default endpoint.
func (s *Sim) runControl(sl *slot, ep *endpoint) {
	for ep.state() == devctx.EPRunning {
		setup, setupPhys, ok, err := ep.ring.peek()
		if err != nil {
			s.log.Warn("control ring unreadable", "slot", sl.id, "err", err)
			return
		}
		if !ok {
			return
		}
		ep.ring.next()
		if setup.Type() != trb.TypeSetupStage {
			s.transferEvent(sl, ep, setupPhys, 0, trb.CodeTRB)
			continue
		}

		var data trb.TRB
		var dataPhys uint64
		t, phys, ok, err := ep.ring.peek()
		if ok && t.Type() == trb.TypeDataStage {
			data, dataPhys = t, phys
			ep.ring.next()
			t, phys, ok, err = ep.ring.peek()
		}
		if err != nil || !ok || t.Type() != trb.TypeStatusStage {
			s.log.Warn("incomplete control TD", "slot", sl.id, "setup", fmt.Sprintf("%#x", setupPhys), "err", err)
			ep.setState(devctx.EPError)
			return
		}
		ep.ring.next()
		s.control(sl, ep, setup.SetupPacket(), data, dataPhys, phys)
	}
}

// control runs one request against the attached device and reports a
// short data stage, then the status stage. A stall halts the endpoint.
func (s *Sim) control(sl *slot, ep *endpoint, setup hal.SetupPacket, data trb.TRB, dataPhys, statusPhys uint64) {
	s.stats.Transfers++
	failAt := statusPhys
	if dataPhys != 0 {
		failAt = dataPhys
	}
	dev := sl.port.dev
	if dev == nil {
		ep.setState(devctx.EPHalted)
		s.transferEvent(sl, ep, failAt, 0, trb.CodeUSBTransaction)
		return
	}
	var buf []byte
	if dataPhys != 0 {
		var err error
		buf, err = s.alloc.Resolve(data.Data(), uintptr(data.TransferLength()))
		if err != nil {
			s.transferEvent(sl, ep, dataPhys, data.TransferLength(), trb.CodeDataBuffer)
			return
		}
	}
	resp, ok := dev.control(setup, buf)
	if !ok {
		s.log.Debug("request stalled", "slot", sl.id, "request", setup.Request, "value", setup.Value)
		ep.setState(devctx.EPHalted)
		s.transferEvent(sl, ep, failAt, uint32(len(buf)), trb.CodeStall)
		return
	}
	if dataPhys != 0 && setup.IsIn() {
		n := copy(buf, resp)
		if residual := uint32(len(buf) - n); residual > 0 {
			s.transferEvent(sl, ep, dataPhys, residual, trb.CodeShortPacket)
		}
	}
	s.transferEvent(sl, ep, statusPhys, 0, trb.CodeSuccess)
}

// runReports completes Normal TRBs on an armed interrupt IN endpoint with
// queued reports, one report per TRB. Reaching a TRB the driver still owns
// parks the endpoint until its doorbell rings again.
func (s *Sim) runReports(sl *slot, ep *endpoint) {
	for len(ep.reports) > 0 && ep.armed && ep.state() == devctx.EPRunning {
		t, phys, ok, err := ep.ring.peek()
		if err != nil {
			s.log.Warn("transfer ring unreadable", "slot", sl.id, "dci", ep.dci, "err", err)
			ep.setState(devctx.EPError)
			ep.armed = false
			return
		}
		if !ok {
			s.log.Debug("transfer ring empty", "slot", sl.id, "dci", ep.dci, "queued", len(ep.reports))
			ep.armed = false
			return
		}
		ep.ring.next()
		if t.Type() != trb.TypeNormal {
			s.transferEvent(sl, ep, phys, 0, trb.CodeTRB)
			continue
		}
		buf, err := s.alloc.Resolve(t.Data(), uintptr(t.TransferLength()))
		if err != nil {
			s.transferEvent(sl, ep, phys, t.TransferLength(), trb.CodeDataBuffer)
			continue
		}
		report := ep.reports[0]
		ep.reports = ep.reports[1:]
		s.stats.Transfers++

		n := copy(buf, report)
		residual := uint32(len(buf) - n)
		switch {
		case len(report) > len(buf):
			ep.setState(devctx.EPHalted)
			s.transferEvent(sl, ep, phys, 0, trb.CodeBabble)
		case residual > 0:
			s.transferEvent(sl, ep, phys, residual, trb.CodeShortPacket)
		default:
			s.transferEvent(sl, ep, phys, 0, trb.CodeSuccess)
		}
	}
}

func (s *Sim) stepReports() {
	for _, sl := range s.slots {
		for dci, ep := range sl.eps {
			if dci > 1 && ep.armed && len(ep.reports) > 0 {
				s.runReports(sl, ep)
			}
		}
	}
}

// InjectReport queues report on the interrupt IN endpoint address of the
// device on port. It is delivered into the next Normal TRB the driver
// hands over, once the endpoint's doorbell has been rung.
func (s *Sim) InjectReport(port int, address uint8, report []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.port(port)
	if err != nil {
		return err
	}
	if p.dev == nil {
		return fmt.Errorf("xhcisim: port %d: %w", port, pkg.ErrNoDevice)
	}
	var sl *slot
	for _, v := range s.slots {
		if v.port == p {
			sl = v
			break
		}
	}
	if sl == nil {
		return fmt.Errorf("xhcisim: port %d has no addressed device: %w", port, pkg.ErrInvalidState)
	}
	desc := hal.EndpointDescriptor{Address: address}
	ep := sl.eps[desc.DeviceContextIndex()]
	if ep == nil || !desc.IsIn() || ep.dci == 1 {
		return fmt.Errorf("xhcisim: endpoint %#02x not configured: %w", address, pkg.ErrInvalidState)
	}
	if len(ep.reports) >= MaxQueuedReports {
		return fmt.Errorf("xhcisim: %d reports queued: %w", len(ep.reports), pkg.ErrBusy)
	}
	ep.reports = append(ep.reports, bytes.Clone(report))
	return nil
}
