package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ardnew/softxhci/host/hal/xhci/ring"
	"github.com/ardnew/softxhci/host/hal/xhci/trb"
	"github.com/ardnew/softxhci/pkg/dma"
)

var passes int

var ringCmd = &cobra.Command{
	Use:   "ring",
	Short: "Inspect TRB ring behavior",
}

var ringWalkCmd = &cobra.Command{
	Use:   "walk",
	Short: "Walk a command ring through its cycle states",
	Long: `Push No Op commands onto a command ring and retire each one as a
controller would, printing the slot written, its cycle bit and the ring's
cycle state after every step. Each pass crosses the Link TRB once and
inverts the cycle state.`,
	Args: cobra.NoArgs,
	RunE: runRingWalk,
}

func init() {
	ringWalkCmd.Flags().IntVar(&passes, "passes", 1, "number of ring traversals")
	ringCmd.AddCommand(ringWalkCmd)
	rootCmd.AddCommand(ringCmd)
}

func runRingWalk(cmd *cobra.Command, args []string) (err error) {
	if passes < 1 {
		return fmt.Errorf("--passes must be at least 1, got %d", passes)
	}
	alloc := dma.NewHeapAllocator()
	cr, err := ring.NewCommandRing(alloc)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, cr.Free()) }()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "crcr\t%#x\n", cr.CRCR())
	fmt.Fprintln(w, "step\tslot\tphys\tslot cycle\tcycle state\tpending")

	base := cr.PhysAddr()
	for step := 1; step <= passes*(ring.Size-1); step++ {
		phys, err := cr.Push(trb.NoOpCommand())
		if err != nil {
			return err
		}
		slots, _ := cr.Snapshot()
		i := int(phys-base) / trb.Size
		pending := cr.Pending()
		cr.Complete(phys)
		fmt.Fprintf(w, "%d\t%d\t%#x\t%d\t%d\t%d\n",
			step, i, phys, flag(slots[i].Cycle()), flag(cr.CycleStateOurs()), pending)
	}
	return w.Flush()
}
