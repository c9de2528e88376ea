package cmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ardnew/softxhci/host/hal/xhci/trb"
)

var trbCmd = &cobra.Command{
	Use:   "trb",
	Short: "Encode and decode Transfer Request Blocks",
}

var trbDecodeCmd = &cobra.Command{
	Use:   "decode <hex>",
	Short: "Decode a 16-byte TRB",
	Long: `Decode a TRB given as 32 hex digits in memory order (little-endian:
parameter, status, control) and print its fields.`,
	Args: cobra.ExactArgs(1),
	RunE: runTRBDecode,
}

var trbSetupCmd = &cobra.Command{
	Use:   "setup <bmRequestType> <bRequest> <wValue> <wIndex> <wLength>",
	Short: "Build a Setup Stage TRB",
	Long: `Build a Setup Stage TRB from the five setup packet fields and print its
bytes and transfer type. Numbers accept 0x, 0o and 0b prefixes.`,
	Args: cobra.ExactArgs(5),
	RunE: runTRBSetup,
}

func init() {
	trbCmd.AddCommand(trbDecodeCmd, trbSetupCmd)
	rootCmd.AddCommand(trbCmd)
}

func runTRBDecode(cmd *cobra.Command, args []string) error {
	s := strings.TrimPrefix(strings.ReplaceAll(args[0], " ", ""), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("decode %q: %w", args[0], err)
	}
	if len(b) != trb.Size {
		return fmt.Errorf("decode: %d bytes, want %d", len(b), trb.Size)
	}
	var t trb.TRB
	if err := t.UnmarshalBinary(b); err != nil {
		return err
	}
	printTRB(cmd.OutOrStdout(), t)
	return nil
}

func runTRBSetup(cmd *cobra.Command, args []string) error {
	var v [5]uint64
	for i, bits := range []int{8, 8, 16, 16, 16} {
		n, err := strconv.ParseUint(args[i], 0, bits)
		if err != nil {
			return fmt.Errorf("argument %d: %w", i+1, err)
		}
		v[i] = n
	}
	t := trb.NewSetupStage(uint8(v[0]), uint8(v[1]), uint16(v[2]), uint16(v[3]), uint16(v[4]))
	b := t.Bytes()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "bytes:     %s\n", hex.EncodeToString(b[:]))
	printTRB(out, t)
	return nil
}

// printTRB writes the common fields of t and those its type defines.
func printTRB(w io.Writer, t trb.TRB) {
	fmt.Fprintf(w, "type:      %v (%d)\n", t.Type(), t.Type())
	fmt.Fprintf(w, "cycle:     %d\n", flag(t.Cycle()))
	fmt.Fprintf(w, "parameter: %#018x\n", t.Parameter)
	fmt.Fprintf(w, "status:    %#010x\n", t.Status)
	fmt.Fprintf(w, "control:   %#010x\n", uint32(t.Control))

	switch typ := t.Type(); {
	case typ == trb.TypeSetupStage:
		s := t.SetupPacket()
		fmt.Fprintf(w, "setup:     bmRequestType=%#02x bRequest=%#02x wValue=%#04x wIndex=%#04x wLength=%d\n",
			s.RequestType, s.Request, s.Value, s.Index, s.Length)
		fmt.Fprintf(w, "trt:       %v\n", trb.TransferType(t.Control.Get(trb.FieldTransferType)))
		fmt.Fprintf(w, "length:    %d\n", t.TransferLength())
	case typ == trb.TypeLink:
		fmt.Fprintf(w, "target:    %#x\n", t.Data())
		fmt.Fprintf(w, "toggle:    %d\n", flag(t.ToggleCycle()))
	case typ == trb.TypePortStatusChangeEvent:
		fmt.Fprintf(w, "port:      %d\n", t.PortID())
		fmt.Fprintf(w, "code:      %v\n", t.CompletionCode())
	case typ.IsEvent():
		fmt.Fprintf(w, "pointer:   %#x\n", t.Data())
		fmt.Fprintf(w, "code:      %v\n", t.CompletionCode())
		fmt.Fprintf(w, "slot:      %d\n", t.SlotID())
		if typ == trb.TypeTransferEvent {
			fmt.Fprintf(w, "endpoint:  %d\n", t.EndpointID())
			fmt.Fprintf(w, "residual:  %d\n", t.TransferLength())
		}
	default:
		if t.SlotID() != 0 {
			fmt.Fprintf(w, "slot:      %d\n", t.SlotID())
		}
	}
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}
