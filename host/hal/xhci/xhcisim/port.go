package xhcisim

import (
	"fmt"

	"github.com/ardnew/softxhci/host/hal/xhci/regs"
	"github.com/ardnew/softxhci/host/hal/xhci/trb"
	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/volatile"
)

// published marks PORTSC values written by the simulator (bit 28 is
// RsvdZ, so a driver write always clears it).
const published uint32 = 1 << 28

// Port link states.
const (
	linkU0       = 0
	linkDisabled = 4
	linkRxDetect = 5
	linkPolling  = 7
)

// port is one root hub port and the device attached to it.
type port struct {
	num int
	reg *regs.Port
	dev *Device
	sc  uint32 // state last published, without the marker
}

// apply merges a driver write w into port state sc.
func apply(sc, w uint32) uint32 {
	sc &^= w & regs.PortChangeMask
	if w&regs.PortEnabled != 0 {
		sc &^= regs.PortEnabled
	}
	sc = sc&^regs.PortWritable | w&regs.PortWritable
	if w&regs.PortReset != 0 {
		sc |= regs.PortReset
	}
	return sc
}

// settle derives the connection, speed and link state bits from the
// attached device and port power.
func (p *port) settle(sc uint32) uint32 {
	connected := p.dev != nil && sc&regs.PortPower != 0
	if connected != (sc&regs.PortConnected != 0) {
		sc ^= regs.PortConnected
		sc |= regs.PortConnectChg
		if !connected && sc&regs.PortEnabled != 0 {
			sc = sc&^regs.PortEnabled | regs.PortEnableChg
		}
	}
	var speed uint32
	link := uint32(linkDisabled)
	switch {
	case sc&regs.PortEnabled != 0:
		link = linkU0
	case connected:
		link = linkPolling
	case sc&regs.PortPower != 0:
		link = linkRxDetect
	}
	if connected {
		speed = regs.SpeedID(p.dev.Speed)
	}
	sc = volatile.Put(regs.FieldPortSpeed, sc, uint64(speed))
	return volatile.Put(regs.FieldPortLinkState, sc, uint64(link))
}

// publish folds any pending driver write into the port state, applies
// update and stores the result. It returns the state before and after.
func (p *port) publish(update func(uint32) uint32) (old, sc uint32) {
	for {
		v := p.reg.PORTSC.Read()
		sc = p.sc
		if v&published == 0 {
			sc = apply(sc, v)
		}
		if update != nil {
			sc = update(sc)
		}
		sc = p.settle(sc)
		if p.reg.PORTSC.CompareAndSwap(v, sc|published) {
			old, p.sc = p.sc, sc
			return old, sc
		}
	}
}

// powerOnReset discards any driver write and powers the port off.
func (p *port) powerOnReset() {
	p.sc = 0
	p.reg.PORTSC.Write(published)
	p.publish(nil)
}

func (s *Sim) port(n int) (*port, error) {
	if n < 1 || n > len(s.ports) {
		return nil, fmt.Errorf("xhcisim: port %d of %d: %w", n, len(s.ports), pkg.ErrInvalidParameter)
	}
	return s.ports[n-1], nil
}

// stepPort picks up driver writes and completes a port reset one step
// after it was requested.
func (s *Sim) stepPort(p *port) {
	old, sc := p.publish(nil)
	if old&sc&regs.PortReset != 0 {
		_, sc = p.publish(func(v uint32) uint32 {
			v = v&^regs.PortReset | regs.PortResetChg
			if v&regs.PortConnected != 0 {
				v |= regs.PortEnabled
			}
			return v
		})
		if p.dev != nil {
			p.dev.busReset()
		}
		s.log.Debug("port reset", "port", p.num, "enabled", sc&regs.PortEnabled != 0)
	}
	if (sc&^old)&regs.PortChangeMask != 0 {
		s.portEvent(p)
	}
}

// portEvent posts a Port Status Change Event while running.
func (s *Sim) portEvent(p *port) {
	if !s.running {
		return
	}
	s.regs.Operational.USBSTS.Set(regs.StsPortChange)
	s.post(trb.PortStatusChangeEvent(uint8(p.num)))
}

// Attach connects dev to port n (1-indexed).
func (s *Sim) Attach(n int, dev *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.port(n)
	if err != nil {
		return err
	}
	if p.dev != nil {
		return fmt.Errorf("xhcisim: port %d occupied: %w", n, pkg.ErrBusy)
	}
	p.dev = dev
	old, sc := p.publish(nil)
	s.log.Info("device attached", "port", n, "speed", dev.Speed)
	if (sc&^old)&regs.PortChangeMask != 0 {
		s.portEvent(p)
	}
	return nil
}

// Detach disconnects the device on port n.
func (s *Sim) Detach(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.port(n)
	if err != nil {
		return err
	}
	if p.dev == nil {
		return fmt.Errorf("xhcisim: port %d: %w", n, pkg.ErrNoDevice)
	}
	p.dev = nil
	old, sc := p.publish(nil)
	s.log.Info("device detached", "port", n)
	if (sc&^old)&regs.PortChangeMask != 0 {
		s.portEvent(p)
	}
	return nil
}

// Device returns the device attached to port n, or nil.
func (s *Sim) Device(n int) *Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.port(n)
	if err != nil {
		return nil
	}
	return p.dev
}
