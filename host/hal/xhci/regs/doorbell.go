package regs

import (
	"sync"

	"github.com/ardnew/softxhci/pkg/volatile"
)

// Doorbell is one doorbell register. Writes are serialized per register.
type Doorbell struct {
	mu  sync.Mutex
	reg *volatile.U32
}

// DoorbellSize is the length of a doorbell register.
const DoorbellSize = 4

// Notify rings the doorbell: target selects the endpoint (or 0 for the
// command ring on doorbell 0) and streamID the stream.
func (d *Doorbell) Notify(target uint8, streamID uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reg.Write(DoorbellValue(target, streamID))
}

// DoorbellValue returns the word Notify writes.
func DoorbellValue(target uint8, streamID uint16) uint32 {
	return uint32(target) | uint32(streamID)<<16
}

// ParseDoorbell splits a doorbell word into target and stream id.
func ParseDoorbell(v uint32) (target uint8, streamID uint16) {
	return uint8(v), uint16(v >> 16)
}
