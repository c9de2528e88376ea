package xhci

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/xhci/devctx"
	"github.com/ardnew/softxhci/host/hal/xhci/regs"
	"github.com/ardnew/softxhci/host/hal/xhci/ring"
	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/dma"
)

// Controller drives one xHCI host controller through its register window.
// It implements hal.HostController.
type Controller struct {
	regs  *regs.Registers
	alloc dma.Allocator
	cfg   Config
	log   *slog.Logger

	// drain serializes event ring consumers.
	drain sync.Mutex

	mu          sync.Mutex
	initialized bool
	running     bool
	stop        chan struct{}
	cancel      context.CancelFunc
	cmdRing     *ring.CommandRing
	events      *ring.EventRing
	intr        *regs.Interrupter
	dcbaa       *dma.Box[devctx.DCBAA]
	scratch     *dma.Box[devctx.ScratchpadArray]
	scratchBufs []*dma.Region
	devices     map[uint8]*device

	wg     sync.WaitGroup
	waits  waitList
	connCh chan int
}

var _ hal.HostController = (*Controller)(nil)

// device is the driver state of one enabled slot.
type device struct {
	slot  uint8
	port  int
	speed hal.Speed
	out   *dma.Box[devctx.DeviceContext]
	in    *dma.Box[devctx.InputContext]
	ctl   *ring.ControlRing

	// ctlMu serializes control transfers; inMu guards the input context.
	ctlMu sync.Mutex
	inMu  sync.Mutex

	// eps is guarded by Controller.mu.
	eps map[uint8]*endpoint
}

// endpointState returns the state the controller last wrote for dci.
func (d *device) endpointState(dci uint8) uint32 {
	return d.out.Unsafe().Endpoint(dci).Info.Get(devctx.FieldEPState)
}

// endpoint is a configured interrupt IN endpoint.
type endpoint struct {
	desc       hal.EndpointDescriptor
	dci        uint8
	ring       *ring.TransferRing
	reports    chan []byte
	recovering atomic.Bool
}

// New returns a controller for the registers r. Structures the controller
// reads are allocated from alloc. Call Init before anything else.
func New(r *regs.Registers, alloc dma.Allocator, cfg Config) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		regs:    r,
		alloc:   alloc,
		cfg:     cfg,
		log:     cfg.Logger,
		devices: make(map[uint8]*device),
		connCh:  make(chan int, 2*max(r.NumPorts(), 1)),
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Init resets the controller and installs the DCBAA, scratchpad buffers,
// command ring and primary event ring. Any previous state is released.
func (c *Controller) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return pkg.ErrAlreadyRunning
	}
	if c.initialized {
		if err := c.release(); err != nil {
			c.log.Warn("releasing previous state", "err", err)
		}
	}

	cp := c.regs.Capability
	if cp.ContextSize64() {
		return fmt.Errorf("xhci: 64-byte contexts: %w", pkg.ErrNotSupported)
	}
	op := c.regs.Operational
	if err := op.ResetXHC(ctx, c.cfg.waiter()); err != nil {
		return fmt.Errorf("xhci: reset: %w", err)
	}

	slots := min(c.cfg.MaxSlots, cp.MaxSlots())
	if slots == 0 {
		return fmt.Errorf("xhci: controller reports no slots: %w", pkg.ErrNoSlots)
	}
	op.SetNumDeviceSlots(slots)

	if err := c.install(); err != nil {
		return errors.Join(err, c.release())
	}
	op.SetDCBAAPtr(c.dcbaa.PhysAddr())
	op.SetCmdRingCtrl(c.cmdRing.CRCR())

	intr, err := c.regs.Interrupter(0)
	if err != nil {
		return errors.Join(err, c.release())
	}
	c.intr = intr
	intr.SetModeration(0)
	intr.SetEventRing(c.events.ERSTBase(), c.events.ERSTSize(), c.events.PhysAddr())
	intr.Enable(true)
	op.EnableInterrupts(true)

	for n := 1; n <= c.regs.NumPorts(); n++ {
		p, _ := c.regs.Port(n)
		p.PowerOn()
	}
	c.initialized = true
	c.log.Info("controller initialized",
		"version", fmt.Sprintf("%#04x", cp.Version()),
		"slots", slots, "ports", c.regs.NumPorts(),
		"scratchpads", len(c.scratchBufs))
	return nil
}

// install allocates the controller-wide data structures.
func (c *Controller) install() error {
	var err error
	if c.dcbaa, err = dma.NewBox[devctx.DCBAA](c.alloc, 64); err != nil {
		return fmt.Errorf("xhci: DCBAA: %w", err)
	}
	if n := int(c.regs.Capability.MaxScratchpadBuffers()); n > 0 {
		if c.scratch, err = dma.NewBox[devctx.ScratchpadArray](c.alloc, 64); err != nil {
			return fmt.Errorf("xhci: scratchpad array: %w", err)
		}
		arr := c.scratch.Unsafe()
		for i := 0; i < n; i++ {
			buf, err := c.alloc.Alloc(dma.PageSize, dma.PageSize)
			if err != nil {
				return fmt.Errorf("xhci: scratchpad buffer %d: %w", i, err)
			}
			c.scratchBufs = append(c.scratchBufs, buf)
			arr[i].Write(buf.PhysAddr())
		}
		c.dcbaa.Unsafe()[0].Write(c.scratch.PhysAddr())
	}
	if c.cmdRing, err = ring.NewCommandRing(c.alloc); err != nil {
		return err
	}
	if c.events, err = ring.NewEventRing(c.alloc); err != nil {
		return err
	}
	return nil
}

// release frees everything install and the device commands allocated.
// The controller must be halted.
func (c *Controller) release() error {
	var errs []error
	for id, dev := range c.devices {
		c.dcbaa.Unsafe()[id].Write(0)
		errs = append(errs, c.freeDevice(dev))
		delete(c.devices, id)
	}
	if c.events != nil {
		errs = append(errs, c.events.Free())
		c.events = nil
	}
	if c.cmdRing != nil {
		errs = append(errs, c.cmdRing.Free())
		c.cmdRing = nil
	}
	for _, buf := range c.scratchBufs {
		errs = append(errs, c.alloc.Free(buf))
	}
	c.scratchBufs = nil
	if c.scratch != nil {
		errs = append(errs, c.alloc.Free(c.scratch.Region()))
		c.scratch = nil
	}
	if c.dcbaa != nil {
		errs = append(errs, c.alloc.Free(c.dcbaa.Region()))
		c.dcbaa = nil
	}
	c.intr = nil
	c.initialized = false
	return errors.Join(errs...)
}

// Start sets the controller running. With Config.PollEvents it also starts
// the event loop, which lives until Stop.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return fmt.Errorf("xhci: start before init: %w", pkg.ErrInvalidState)
	}
	if c.running {
		return pkg.ErrAlreadyRunning
	}
	if err := c.regs.Operational.StartXHC(ctx, c.cfg.waiter()); err != nil {
		return fmt.Errorf("xhci: start: %w", err)
	}
	c.running = true
	c.stop = make(chan struct{})
	if c.cfg.PollEvents {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c.cancel = cancel
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			_ = c.Run(runCtx)
		}()
	}
	c.log.Info("controller running")
	return nil
}

// Stop halts the controller. Commands and transfers in flight fail with
// pkg.ErrNotRunning.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	close(c.stop)
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	c.wg.Wait()

	if err := c.regs.Operational.StopXHC(ctx, c.cfg.waiter()); err != nil {
		return fmt.Errorf("xhci: stop: %w", err)
	}
	c.log.Info("controller halted")
	return nil
}

// Close stops the controller and releases every structure it allocated.
func (c *Controller) Close() error {
	err := c.Stop(context.Background())
	c.drain.Lock()
	defer c.drain.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	return errors.Join(err, c.release())
}

// isRunning returns the channel closed by the next Stop, or nil when the
// controller is not running.
func (c *Controller) isRunning() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	return c.stop
}

// =============================================================================
// Devices
// =============================================================================

// newDevice allocates the contexts and control ring of slot id and
// installs its output context in the DCBAA.
func (c *Controller) newDevice(id uint8) (*device, error) {
	dev := &device{slot: id, eps: make(map[uint8]*endpoint)}
	var err error
	if dev.out, err = dma.NewBox[devctx.DeviceContext](c.alloc, 64); err != nil {
		return nil, fmt.Errorf("xhci: slot %d output context: %w", id, err)
	}
	if dev.in, err = dma.NewBox[devctx.InputContext](c.alloc, 64); err != nil {
		return nil, errors.Join(fmt.Errorf("xhci: slot %d input context: %w", id, err), c.freeDevice(dev))
	}
	if dev.ctl, err = ring.NewControlRing(c.alloc); err != nil {
		return nil, errors.Join(err, c.freeDevice(dev))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dcbaa == nil {
		return nil, errors.Join(pkg.ErrNotRunning, c.freeDevice(dev))
	}
	c.dcbaa.Unsafe()[id].Write(dev.out.PhysAddr())
	c.devices[id] = dev
	return dev, nil
}

// freeDevice closes the report channels of dev and frees its memory. The
// caller holds c.mu and has removed dev from c.devices and the DCBAA.
func (c *Controller) freeDevice(dev *device) error {
	var errs []error
	for dci, ep := range dev.eps {
		close(ep.reports)
		errs = append(errs, ep.ring.Free())
		delete(dev.eps, dci)
	}
	if dev.ctl != nil {
		errs = append(errs, dev.ctl.Free())
	}
	if dev.in != nil {
		errs = append(errs, c.alloc.Free(dev.in.Region()))
	}
	if dev.out != nil {
		errs = append(errs, c.alloc.Free(dev.out.Region()))
	}
	return errors.Join(errs...)
}

// device returns the state of an enabled slot.
func (c *Controller) device(slot hal.SlotID) (*device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dev := c.devices[uint8(slot)]
	if dev == nil {
		return nil, fmt.Errorf("xhci: slot %d not enabled: %w", slot, pkg.ErrInvalidState)
	}
	return dev, nil
}

// doorbell rings the doorbell of slot for target, 0 meaning the command
// ring.
func (c *Controller) doorbell(slot, target uint8) {
	db, err := c.regs.Doorbell(int(slot))
	if err != nil {
		c.log.Error("no doorbell", "slot", slot, "err", err)
		return
	}
	db.Notify(target, 0)
}
