package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ardnew/softxhci/host"
	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/xhci"
	"github.com/ardnew/softxhci/host/hal/xhci/xhcisim"
	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/dma"
	"github.com/ardnew/softxhci/pkg/usbid"
)

var (
	simPorts   int
	simPort    int
	simSpeed   string
	simTimeout time.Duration
	simKeys    string
	simUSBIDs  string
)

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Enumerate a keyboard on the simulated controller",
	Long: `Bring up a simulated xHCI controller and the driver on top of it, attach a
HID boot keyboard and print what enumeration learned about it. With --keys
the keyboard types the given lowercase letters and digits, and the reports
the driver receives are decoded and printed.`,
	Args: cobra.NoArgs,
	RunE: runSim,
}

func init() {
	simCmd.Flags().IntVar(&simPorts, "ports", 4, "number of root hub ports")
	simCmd.Flags().IntVar(&simPort, "port", 1, "port to attach the keyboard to")
	simCmd.Flags().StringVar(&simSpeed, "speed", "full", "keyboard speed (low, full, high or super)")
	simCmd.Flags().DurationVar(&simTimeout, "timeout", 5*time.Second, "overall deadline")
	simCmd.Flags().StringVar(&simKeys, "keys", "", "keys to type after enumeration")
	simCmd.Flags().StringVar(&simUSBIDs, "usb-ids", "", "usb.ids database for vendor and product names (default: system locations)")
	rootCmd.AddCommand(simCmd)
}

func parseSpeed(s string) (hal.Speed, error) {
	switch strings.ToLower(s) {
	case "low":
		return hal.SpeedLow, nil
	case "full":
		return hal.SpeedFull, nil
	case "high":
		return hal.SpeedHigh, nil
	case "super":
		return hal.SpeedSuper, nil
	default:
		return hal.SpeedUnknown, fmt.Errorf("unknown speed %q", s)
	}
}

// usage returns the keyboard usage ID of a lowercase letter or digit.
func usage(r rune) (uint8, bool) {
	switch {
	case r >= 'a' && r <= 'z':
		return 0x04 + uint8(r-'a'), true
	case r >= '1' && r <= '9':
		return 0x1e + uint8(r-'1'), true
	case r == '0':
		return 0x27, true
	case r == ' ':
		return 0x2c, true
	default:
		return 0, false
	}
}

// character is the inverse of usage.
func character(u uint8) rune {
	switch {
	case u >= 0x04 && u <= 0x1d:
		return 'a' + rune(u-0x04)
	case u >= 0x1e && u <= 0x26:
		return '1' + rune(u-0x1e)
	case u == 0x27:
		return '0'
	case u == 0x2c:
		return ' '
	default:
		return '?'
	}
}

func runSim(cmd *cobra.Command, args []string) (err error) {
	speed, err := parseSpeed(simSpeed)
	if err != nil {
		return err
	}
	var keys []uint8
	for _, r := range simKeys {
		u, ok := usage(r)
		if !ok {
			return fmt.Errorf("--keys: cannot type %q", r)
		}
		keys = append(keys, u)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), simTimeout)
	defer cancel()

	alloc := dma.NewHeapAllocator()
	sim, err := xhcisim.New(alloc, xhcisim.Config{Ports: simPorts})
	if err != nil {
		return err
	}
	simCtx, stopSim := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(simCtx) }()
	defer func() {
		stopSim()
		if rerr := <-done; rerr != nil && !errors.Is(rerr, context.Canceled) {
			err = errors.Join(err, rerr)
		}
		err = errors.Join(err, sim.Close())
	}()

	h := host.New(xhci.New(sim.Registers(), alloc, xhci.DefaultConfig()))
	if err := h.Start(simCtx); err != nil {
		return err
	}
	defer func() { err = errors.Join(err, h.Close()) }()

	kb := xhcisim.BootKeyboard(speed)
	if err := sim.Attach(simPort, kb); err != nil {
		return err
	}
	dev, err := h.WaitDevice(ctx)
	if err != nil {
		return fmt.Errorf("waiting for device: %w", err)
	}

	out := cmd.OutOrStdout()
	printDevice(out, dev)
	printNames(out, dev)

	if len(keys) == 0 {
		return nil
	}
	return typeKeys(ctx, out, sim, dev, keys)
}

func printDevice(w io.Writer, dev *host.Device) {
	d := dev.Descriptor()
	fmt.Fprintf(w, "port %d slot %d: %04x:%04x %s\n", dev.Port(), dev.Slot(), d.VendorID, d.ProductID, dev.Speed())
	fmt.Fprintf(w, "  usb %x.%02x, max packet size 0 %d, %d configuration(s)\n",
		d.USBVersion>>8, d.USBVersion&0xff, d.MaxPacketSize0, d.NumConfigurations)
	fmt.Fprintf(w, "  manufacturer %q product %q serial %q\n", dev.Manufacturer(), dev.Product(), dev.SerialNumber())
	c := dev.Configuration()
	fmt.Fprintf(w, "  configuration %d: %d interface(s), %d bytes, %d mA\n",
		c.ConfigurationValue, c.NumInterfaces, c.TotalLength, 2*int(c.MaxPower))
	for _, i := range dev.Interfaces() {
		fmt.Fprintf(w, "  interface %d alt %d: class %02x/%02x/%02x\n",
			i.InterfaceNumber, i.AlternateSetting, i.InterfaceClass, i.InterfaceSubClass, i.InterfaceProtocol)
	}
	for _, ep := range dev.Endpoints() {
		dir := "OUT"
		if ep.IsIn() {
			dir = "IN"
		}
		fmt.Fprintf(w, "  endpoint %#02x %s type %d max packet %d interval %d\n",
			ep.Address, dir, ep.TransferType(), ep.MaxPacketSize, ep.Interval)
	}
	fmt.Fprintf(w, "  state %v\n", dev.State())
}

// printNames prints the vendor and product names of dev if a usb.ids
// database is available and knows them.
func printNames(w io.Writer, dev *host.Device) {
	var paths []string
	if simUSBIDs != "" {
		paths = []string{simUSBIDs}
	}
	db, err := usbid.Load(paths...)
	if err != nil {
		pkg.LogDebug(pkg.ComponentHost, "no usb.ids", "err", err)
		return
	}
	vendor, product := db.Name(dev.VendorID(), dev.ProductID())
	if vendor == "" && product == "" {
		return
	}
	fmt.Fprintf(w, "  usb.ids: %s / %s\n", orUnknown(vendor), orUnknown(product))
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// typeKeys presses and releases each key on the simulated keyboard and
// prints the characters decoded from the reports the driver receives.
func typeKeys(ctx context.Context, w io.Writer, sim *xhcisim.Sim, dev *host.Device, keys []uint8) error {
	ep := dev.Endpoints()[0].Address
	reports := dev.Reports(ep)
	if reports == nil {
		return fmt.Errorf("endpoint %#02x has no reports", ep)
	}
	if err := dev.SetProtocol(ctx, 0, host.ProtocolBoot); err != nil {
		return err
	}

	var typed strings.Builder
	for _, k := range keys {
		for _, report := range [][]byte{{0, 0, k, 0, 0, 0, 0, 0}, make([]byte, host.KeyboardReportSize)} {
			if err := sim.InjectReport(dev.Port(), ep, report); err != nil {
				return err
			}
			select {
			case r, ok := <-reports:
				if !ok {
					return fmt.Errorf("endpoint %#02x closed", ep)
				}
				var rep host.KeyboardReport
				if !host.ParseKeyboardReport(r, &rep) {
					return fmt.Errorf("%d-byte report", len(r))
				}
				for _, u := range rep.Pressed() {
					typed.WriteRune(character(u))
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	fmt.Fprintf(w, "typed %q\n", typed.String())
	return nil
}
