package dma

import (
	"fmt"
	"unsafe"

	"github.com/ardnew/softxhci/pkg"
)

// HeapAllocator hands out Go heap memory. The physical address of a region
// is its virtual address, which matches an identity-mapped kernel heap and
// is what the simulated controller expects.
//
// The Go collector does not relocate heap objects. The allocator keeps every
// live region reachable until Free, so an address handed to the device stays
// valid even if the driver drops its own reference.
type HeapAllocator struct {
	// Limit caps the total bytes allocated at once. Zero means no limit.
	Limit uintptr

	registry
}

// NewHeapAllocator returns an allocator with no limit.
func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{}
}

// Alloc returns a zeroed, pinned region of size bytes aligned to align.
func (h *HeapAllocator) Alloc(size, align uintptr) (*Region, error) {
	align, err := checkAlign(size, align)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size+align)
	base := uintptr(unsafe.Pointer(&buf[0]))
	off := (align - base%align) % align

	mem := buf[off : off+size : off+size]
	r := &Region{
		mem:     mem,
		phys:    uint64(uintptr(unsafe.Pointer(&mem[0]))),
		release: func() error { return nil },
	}
	if !h.add(r, h.Limit) {
		pkg.LogWarn(pkg.ComponentDMA, "allocation over limit", "size", size, "limit", h.Limit)
		return nil, fmt.Errorf("dma: alloc %d bytes: %w", size, pkg.ErrNoMemory)
	}
	pkg.LogDebug(pkg.ComponentDMA, "heap region", "phys", fmt.Sprintf("%#x", r.phys), "size", size)
	return r, nil
}

// Free forgets a region; the memory is reclaimed once unreferenced.
func (h *HeapAllocator) Free(r *Region) error {
	if !h.remove(r) {
		return fmt.Errorf("dma: free of unknown region %#x: %w", r.phys, pkg.ErrInvalidParameter)
	}
	err := r.release()
	r.mem = nil
	return err
}

// Resolve returns a view of size bytes at phys.
func (h *HeapAllocator) Resolve(phys uint64, size uintptr) ([]byte, error) {
	return h.resolve(phys, size)
}

// InUse returns the number of bytes currently allocated.
func (h *HeapAllocator) InUse() uintptr { return h.inUse() }
