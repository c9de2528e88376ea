package xhcisim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ardnew/softxhci/host/hal/xhci/regs"
	"github.com/ardnew/softxhci/host/hal/xhci/trb"
	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/dma"
	"github.com/ardnew/softxhci/pkg/volatile"
)

// Register window layout.
const (
	WindowSize = 0x3000

	opOffset = 0x20
	rtOffset = 0x1000
	dbOffset = 0x2000

	hciVersion = 0x0110
)

// doorbellIdle is the doorbell value meaning "not rung".
const doorbellIdle = ^uint32(0)

// Config configures a Sim.
type Config struct {
	// Ports is the number of root hub ports (default 4).
	Ports int

	// MaxSlots is the number of device slots (default 8).
	MaxSlots uint8

	// Interrupters is the number of interrupter register sets (default 1).
	Interrupters int

	// Scratchpads is the number of scratchpad buffers requested.
	Scratchpads uint16

	// ResetLatency delays completion of a controller reset.
	ResetLatency time.Duration

	// Hung leaves USBCMD.HCRST set forever.
	Hung bool

	// Tick is the Run step interval (default 20µs).
	Tick time.Duration

	// Logger defaults to pkg.Logger(pkg.ComponentSim).
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Ports == 0 {
		c.Ports = 4
	}
	if c.MaxSlots == 0 {
		c.MaxSlots = 8
	}
	if c.Interrupters == 0 {
		c.Interrupters = 1
	}
	if c.Tick <= 0 {
		c.Tick = 20 * time.Microsecond
	}
	if c.Logger == nil {
		c.Logger = pkg.Logger(pkg.ComponentSim)
	}
	return c
}

// Stats counts simulator activity.
type Stats struct {
	Commands  int // commands completed
	Transfers int // transfer descriptors completed
	Events    int // events written
	Deferred  int // events held back while the event ring was full
	Dropped   int // events lost to a missing ring or a full backlog
}

// maxBacklog bounds the events held back while the event ring is full.
const maxBacklog = 256

// Sim is an emulated xHCI controller.
type Sim struct {
	cfg    Config
	alloc  dma.Allocator
	window *dma.Region
	regs   *regs.Registers
	bells  []*volatile.U32
	log    *slog.Logger

	mu      sync.Mutex
	running bool
	resetAt time.Time
	cmd     reader
	events  eventWriter
	backlog []trb.TRB
	slots   map[uint8]*slot
	ports   []*port
	stats   Stats
}

// New builds a halted controller whose register window and every
// structure it reads are allocated from, and resolved through, alloc.
func New(alloc dma.Allocator, cfg Config) (*Sim, error) {
	cfg = cfg.withDefaults()
	if cfg.Ports < 1 || opOffset+regs.PortsOffset+cfg.Ports*regs.PortSize > rtOffset {
		return nil, fmt.Errorf("xhcisim: %d ports: %w", cfg.Ports, pkg.ErrInvalidParameter)
	}
	if cfg.Interrupters < 1 || regs.InterruptersOffset+cfg.Interrupters*regs.InterrupterSize > dbOffset-rtOffset {
		return nil, fmt.Errorf("xhcisim: %d interrupters: %w", cfg.Interrupters, pkg.ErrInvalidParameter)
	}

	w, err := alloc.Alloc(WindowSize, dma.PageSize)
	if err != nil {
		return nil, fmt.Errorf("xhcisim: register window: %w", err)
	}
	cp := dma.Overlay[regs.Capability](w, 0)
	cp.CAPLENGTH.Write(hciVersion<<16 | opOffset)
	cp.HCSPARAMS1.Write(uint32(cfg.Ports)<<24 | uint32(cfg.Interrupters)<<8 | uint32(cfg.MaxSlots))
	cp.HCSPARAMS2.Write(regs.ScratchpadFields(0, cfg.Scratchpads))
	cp.HCCPARAMS1.Write(1) // AC64
	cp.DBOFF.Write(dbOffset)
	cp.RTSOFF.Write(rtOffset)

	r, err := regs.Map(w)
	if err != nil {
		return nil, errors.Join(err, alloc.Free(w))
	}
	s := &Sim{
		cfg:    cfg,
		alloc:  alloc,
		window: w,
		regs:   r,
		log:    cfg.Logger,
	}
	for i := 0; i < r.NumDoorbells(); i++ {
		s.bells = append(s.bells, dma.Overlay[volatile.U32](w, dbOffset+uintptr(i)*regs.DoorbellSize))
	}
	for n := 1; n <= r.NumPorts(); n++ {
		p, _ := r.Port(n)
		s.ports = append(s.ports, &port{num: n, reg: p})
	}
	s.hardReset()
	return s, nil
}

// Registers returns the register blocks a driver maps.
func (s *Sim) Registers() *regs.Registers { return s.regs }

// Window returns the register window.
func (s *Sim) Window() *dma.Region { return s.window }

// Close releases the register window.
func (s *Sim) Close() error { return s.alloc.Free(s.window) }

// Stats returns a snapshot of the activity counters.
func (s *Sim) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Running reports whether the controller is running.
func (s *Sim) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Run steps the controller every Config.Tick until ctx is done.
func (s *Sim) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Step()
		}
	}
}

// Step performs one round of controller work: USBCMD transitions, port
// state, doorbells and pending interrupt reports.
func (s *Sim) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepCommand()
	for _, p := range s.ports {
		s.stepPort(p)
	}
	if !s.running {
		return
	}
	s.flushEvents()
	s.stepDoorbells()
	s.stepReports()
}

func (s *Sim) stepCommand() {
	op := s.regs.Operational
	cmd := op.USBCMD.Read()
	if cmd&regs.CmdReset != 0 {
		if s.cfg.Hung {
			return
		}
		now := time.Now()
		if s.resetAt.IsZero() {
			s.resetAt = now
			op.USBSTS.Set(regs.StsNotReady)
		}
		if now.Sub(s.resetAt) < s.cfg.ResetLatency {
			return
		}
		s.resetAt = time.Time{}
		s.hardReset()
		s.log.Debug("controller reset")
		return
	}
	switch run := cmd&regs.CmdRun != 0; {
	case run && !s.running:
		if op.HostSystemError() {
			return
		}
		s.start()
	case !run && s.running:
		s.running = false
		s.log.Debug("controller halted")
	}
	if !s.running {
		// A driver write to USBSTS must not clear HCH.
		op.USBSTS.Set(regs.StsHalted)
	}
}

// hardReset returns every register and internal structure to its
// power-on state. USBCMD is cleared last, which completes HCRST.
func (s *Sim) hardReset() {
	op := s.regs.Operational
	op.DNCTRL.Write(0)
	op.CRCR.Write(0)
	op.DCBAAP.Write(0)
	op.CONFIG.Write(0)
	op.PAGESIZE.Write(1)
	for i := 0; i < s.regs.NumInterrupters(); i++ {
		in, _ := s.regs.Interrupter(i)
		in.IMAN.Write(0)
		in.IMOD.Write(4000)
		in.ERSTSZ.Write(0)
		in.ERSTBA.Write(0)
		in.ERDP.Write(0)
	}
	for _, b := range s.bells {
		b.Write(doorbellIdle)
	}
	s.running = false
	s.cmd = reader{}
	s.events = eventWriter{}
	s.backlog = nil
	s.slots = make(map[uint8]*slot)
	for _, p := range s.ports {
		p.powerOnReset()
	}
	op.USBSTS.Write(regs.StsHalted)
	op.USBCMD.Write(0)
}

func (s *Sim) start() {
	op := s.regs.Operational
	s.cmd = newReader(s.alloc, op.CRCR.Read()&^0x3e)
	in, _ := s.regs.Interrupter(0)
	if err := s.events.init(s.alloc, in); err != nil {
		s.log.Warn("event ring not configured", "err", err)
	}
	s.running = true
	op.USBSTS.Clear(regs.StsHalted)
	s.log.Debug("controller running",
		"cmdRing", fmt.Sprintf("%#x", s.cmd.ptr), "eventRing", fmt.Sprintf("%#x", s.events.base))
	for _, p := range s.ports {
		if p.sc&regs.PortChangeMask != 0 {
			s.portEvent(p)
		}
	}
}

// hostSystemError halts the controller with USBSTS.HSE set.
func (s *Sim) hostSystemError(err error) {
	s.log.Error("host system error", "err", err)
	s.running = false
	s.regs.Operational.USBSTS.Set(regs.StsHostSystemError | regs.StsHalted)
}

func (s *Sim) stepDoorbells() {
	for i, b := range s.bells {
		v := b.Swap(doorbellIdle)
		if v == doorbellIdle {
			continue
		}
		target, _ := regs.ParseDoorbell(v)
		if i == 0 {
			s.runCommands()
			continue
		}
		s.ringEndpoint(uint8(i), target)
	}
}

// post writes an event and raises USBSTS.EINT. While the event ring is
// full, events queue in order until the driver advances ERDP.
func (s *Sim) post(t trb.TRB) {
	if len(s.backlog) == 0 {
		err := s.events.post(t)
		if err == nil {
			s.stats.Events++
			s.regs.Operational.USBSTS.Set(regs.StsEventInterrupt)
			return
		}
		if !errors.Is(err, errEventRingFull) {
			s.stats.Dropped++
			s.log.Warn("event dropped", "type", t.Type(), "err", err)
			return
		}
	}
	if len(s.backlog) >= maxBacklog {
		s.stats.Dropped++
		s.log.Warn("event dropped", "type", t.Type(), "err", errEventRingFull)
		return
	}
	s.stats.Deferred++
	s.backlog = append(s.backlog, t)
}

// flushEvents posts held-back events the event ring has room for.
func (s *Sim) flushEvents() {
	for len(s.backlog) > 0 {
		if err := s.events.post(s.backlog[0]); err != nil {
			return
		}
		s.stats.Events++
		s.regs.Operational.USBSTS.Set(regs.StsEventInterrupt)
		s.backlog = s.backlog[1:]
	}
}
