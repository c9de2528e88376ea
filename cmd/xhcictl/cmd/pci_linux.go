//go:build linux

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ardnew/softxhci/host/hal/xhci"
	"github.com/ardnew/softxhci/host/hal/xhci/regs"
	"github.com/ardnew/softxhci/pkg/dma"
)

var (
	pciBAR     string
	pciSize    uint64
	pciInit    bool
	pciPagemap bool
	pciTimeout time.Duration
)

var pciCmd = &cobra.Command{
	Use:   "pci RESOURCE",
	Short: "Inspect a real xHCI controller through its PCI BAR",
	Long: `Map the register window of an xHCI controller, typically
/sys/bus/pci/devices/<address>/resource0, and print its capability registers
and root hub ports. With --init the driver resets the controller, installs
its rings and runs a No Op command before shutting it down again.

--bar gives the BAR's bus address so regions can be reported by the address
the controller sees. --init allocates DMA memory with locked mappings; with
--pagemap their bus addresses come from /proc/self/pagemap, which needs
CAP_SYS_ADMIN and an IOMMU in passthrough mode.`,
	Args: cobra.ExactArgs(1),
	RunE: runPCI,
}

func init() {
	pciCmd.Flags().StringVar(&pciBAR, "bar", "0", "bus address of the register BAR")
	pciCmd.Flags().Uint64Var(&pciSize, "size", 0, "bytes to map (default: size of RESOURCE)")
	pciCmd.Flags().BoolVar(&pciInit, "init", false, "initialize the controller and run a No Op command")
	pciCmd.Flags().BoolVar(&pciPagemap, "pagemap", false, "translate DMA addresses through /proc/self/pagemap")
	pciCmd.Flags().DurationVar(&pciTimeout, "timeout", 2*time.Second, "deadline for --init")
	rootCmd.AddCommand(pciCmd)
}

func runPCI(cmd *cobra.Command, args []string) (err error) {
	path := args[0]
	bar, err := strconv.ParseUint(pciBAR, 0, 64)
	if err != nil {
		return fmt.Errorf("--bar: %w", err)
	}
	size := pciSize
	if size == 0 {
		fi, err := os.Stat(path)
		if err != nil {
			return err
		}
		size = uint64(fi.Size())
	}
	if size < regs.CapabilitySize {
		return fmt.Errorf("%s: %d-byte window too small for capability registers", path, size)
	}

	window, err := dma.MapDevice(path, bar, uintptr(size))
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, dma.Unmap(window)) }()

	r, err := regs.Map(window)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	cp := r.Capability
	fmt.Fprintf(out, "window:       %#x (%d bytes)\n", window.PhysAddr(), window.Size())
	fmt.Fprintf(out, "version:      %#04x\n", cp.Version())
	fmt.Fprintf(out, "slots:        %d\n", cp.MaxSlots())
	fmt.Fprintf(out, "interrupters: %d\n", cp.MaxInterrupters())
	fmt.Fprintf(out, "scratchpads:  %d\n", cp.MaxScratchpadBuffers())
	fmt.Fprintf(out, "ac64:         %t\n", cp.AddressCapability64())
	fmt.Fprintf(out, "csz64:        %t\n", cp.ContextSize64())
	fmt.Fprintf(out, "halted:       %t\n", r.Operational.Halted())
	for n := 1; n <= r.NumPorts(); n++ {
		p, err := r.Port(n)
		if err != nil {
			return err
		}
		st := p.Status()
		fmt.Fprintf(out, "port %-2d       connected=%t enabled=%t power=%t speed=%s link=%d\n",
			n, st.Connected, st.Enabled, st.PowerOn, st.Speed, st.LinkState)
	}
	if !pciInit {
		return nil
	}

	translate := dma.Translator(dma.IdentityTranslator)
	if pciPagemap {
		if translate, err = dma.PagemapTranslator(); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), pciTimeout)
	defer cancel()

	cfg := xhci.DefaultConfig()
	cfg.ResetTimeout = pciTimeout
	hc := xhci.New(r, dma.NewMmapAllocator(translate), cfg)
	defer func() { err = errors.Join(err, hc.Close()) }()

	if err := hc.Init(ctx); err != nil {
		return err
	}
	if err := hc.Start(ctx); err != nil {
		return err
	}
	if err := hc.NoOp(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "no-op:        completed")
	return hc.Stop(ctx)
}
