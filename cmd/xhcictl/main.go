// Command xhcictl inspects TRBs and rings and exercises the xHCI driver
// against the simulated controller.
package main

import "github.com/ardnew/softxhci/cmd/xhcictl/cmd"

func main() {
	cmd.Execute()
}
