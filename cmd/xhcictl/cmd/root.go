package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ardnew/softxhci/pkg"
)

var (
	// Global flags
	verbose   bool
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "xhcictl",
	Short: "xHCI TRB and ring toolkit",
	Long: `Encode and decode Transfer Request Blocks, walk a command ring through
its cycle states, enumerate a device on the simulated xHCI controller, and
inspect a real controller through its PCI register window.

Examples:
  xhcictl trb decode 000000000000000000000000015c0000   # decode a No Op Command
  xhcictl trb setup 0x80 6 0x0100 0 18                    # GET_DESCRIPTOR(Device)
  xhcictl ring walk --passes 2                            # two ring traversals
  xhcictl sim --speed high --keys hello                   # enumerate a keyboard
  xhcictl pci /sys/bus/pci/devices/0000:00:14.0/resource0 # read capabilities`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		format, ok := pkg.ParseLogFormat(logFormat)
		if !ok {
			return fmt.Errorf("unknown log format %q", logFormat)
		}
		pkg.SetLogFormat(format)
		if verbose {
			pkg.SetLogLevel(slog.LevelDebug)
		}
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
}
