package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the root command with args and returns its output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestTRBDecode(t *testing.T) {
	out, err := run(t, "trb", "decode", "000000000000000000000000015c0000")
	require.NoError(t, err)
	assert.Contains(t, out, "type:      NoOpCommand (23)")
	assert.Contains(t, out, "cycle:     1")

	out, err = run(t, "trb", "decode", "0x40000000000000000000000000000000"+"0000000000000000")
	assert.Error(t, err)
	assert.Empty(t, out)

	_, err = run(t, "trb", "decode", "zz")
	assert.Error(t, err)
}

func TestTRBDecode_Event(t *testing.T) {
	// Transfer Event: pointer 0x1000, residual 5, Stall, slot 2, endpoint 3.
	out, err := run(t, "trb", "decode", "0010000000000000"+"05000006"+"01810302")
	require.NoError(t, err)
	assert.Contains(t, out, "type:      TransferEvent (32)")
	assert.Contains(t, out, "pointer:   0x1000")
	assert.Contains(t, out, "slot:      2")
	assert.Contains(t, out, "endpoint:  3")
	assert.Contains(t, out, "residual:  5")
}

func TestTRBSetup(t *testing.T) {
	out, err := run(t, "trb", "setup", "0x80", "6", "0x0100", "0", "18")
	require.NoError(t, err)
	assert.Contains(t, out, "bytes:     8006000100001200"+"08000000"+"40080300")
	assert.Contains(t, out, "type:      SetupStage (2)")
	assert.Contains(t, out, "trt:       IN Data")
	assert.Contains(t, out, "wLength=18")

	out, err = run(t, "trb", "setup", "0", "9", "1", "0", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "trt:       No Data")

	_, err = run(t, "trb", "setup", "0x100", "6", "0", "0", "0")
	assert.Error(t, err)
}

func TestRingWalk(t *testing.T) {
	out, err := run(t, "ring", "walk", "--passes", "2")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2+2*15)
	assert.True(t, strings.HasPrefix(lines[0], "crcr"))

	// The cycle state inverts when the cursor crosses the Link TRB at the
	// end of each pass.
	fields := func(i int) []string { return strings.Fields(lines[i]) }
	assert.Equal(t, []string{"1", "0"}, fields(2)[3:5])
	assert.Equal(t, "14", fields(16)[1])
	assert.Equal(t, []string{"1", "1"}, fields(16)[3:5])
	assert.Equal(t, "0", fields(17)[1])
	assert.Equal(t, []string{"0", "1"}, fields(17)[3:5])
	assert.Equal(t, []string{"0", "0"}, fields(31)[3:5])

	_, err = run(t, "ring", "walk", "--passes", "0")
	assert.Error(t, err)
}

func TestSim(t *testing.T) {
	out, err := run(t, "sim", "--ports", "2", "--port", "2", "--speed", "high", "--keys", "hi 42")
	require.NoError(t, err)
	assert.Contains(t, out, "port 2 slot 1: 1209:0001 High Speed")
	assert.Contains(t, out, `manufacturer "softxhci" product "Boot Keyboard" serial "0001"`)
	assert.Contains(t, out, "endpoint 0x81 IN type 3 max packet 8 interval 7")
	assert.Contains(t, out, "state Configured")
	assert.Contains(t, out, `typed "hi 42"`)
}

func TestSim_USBIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usb.ids")
	require.NoError(t, os.WriteFile(path, []byte("1209  Generic\n\t0001  pid.codes Test PID\n"), 0o644))
	t.Cleanup(func() { simUSBIDs = "" })

	out, err := run(t, "sim", "--ports", "1", "--port", "1", "--speed", "full", "--keys", "", "--usb-ids", path)
	require.NoError(t, err)
	assert.Contains(t, out, "port 1 slot 1: 1209:0001 Full Speed")
	assert.Contains(t, out, "usb.ids: Generic / pid.codes Test PID")
}

func TestSim_BadFlags(t *testing.T) {
	_, err := run(t, "sim", "--speed", "warp", "--keys", "")
	assert.Error(t, err)

	_, err = run(t, "sim", "--speed", "full", "--keys", "A")
	assert.Error(t, err)

	_, err = run(t, "--log-format", "xml", "trb", "setup", "0", "9", "1", "0", "0")
	assert.Error(t, err)
	_, err = run(t, "--log-format", "text", "trb", "setup", "0", "9", "1", "0", "0")
	assert.NoError(t, err)
}
