// Package dma provides pinned memory regions whose addresses may be handed
// to a bus-mastering device.
//
// A [Region] never moves for as long as it is allocated. The only thing a
// driver ever gives the device is [Region.PhysAddr]; the device then holds
// an alias the Go type system cannot see, which is why typed access to the
// contents goes through [Overlay] and the explicitly unsafe
// [Region.Pointer].
//
// Two allocators are provided: [HeapAllocator], backed by pinned Go heap
// memory with an identity physical mapping (suitable for simulation and for
// kernels that identity-map their heap), and MmapAllocator on Linux, backed
// by locked anonymous mappings with optional /proc/self/pagemap translation.
package dma

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"github.com/ardnew/softxhci/pkg"
)

// PageSize is the allocation granule and default alignment for memory
// shared with a host controller.
const PageSize = 4096

// ErrUnmapped is returned by Resolve for addresses outside every live region.
var ErrUnmapped = errors.New("dma: address not mapped")

// Allocator yields physically contiguous, pinned, zero-initialized memory.
type Allocator interface {
	// Alloc returns a zeroed region of size bytes aligned to align.
	// An align of 0 means PageSize.
	Alloc(size, align uintptr) (*Region, error)

	// Free releases a region. The device must no longer reference it.
	Free(r *Region) error

	// Resolve returns a view of size bytes at physical address phys.
	// It fails if the range is not wholly inside one live region.
	Resolve(phys uint64, size uintptr) ([]byte, error)
}

// Region is a fixed-address block of memory.
type Region struct {
	mem     []byte
	phys    uint64
	release func() error
}

// PhysAddr returns the bus address of the first byte of the region.
func (r *Region) PhysAddr() uint64 { return r.phys }

// PhysAt returns the bus address of byte off.
func (r *Region) PhysAt(off uintptr) uint64 {
	r.check(off, 0)
	return r.phys + uint64(off)
}

// Size returns the region length in bytes.
func (r *Region) Size() uintptr { return uintptr(len(r.mem)) }

// Bytes returns the region contents. The slice aliases device-visible memory.
func (r *Region) Bytes() []byte { return r.mem }

// Slice returns n bytes starting at off. It panics if the range is out of
// bounds.
func (r *Region) Slice(off, n uintptr) []byte {
	r.check(off, n)
	return r.mem[off : off+n : off+n]
}

// Pointer returns the address of the first byte of the region.
//
// This is unsafe in the plain sense: the device holds its own reference to
// this memory through the physical address, and may write it at any time.
// Callers must use volatile (atomic) accesses for anything the device can
// observe or modify.
func (r *Region) Pointer() unsafe.Pointer {
	if len(r.mem) == 0 {
		return nil
	}
	return unsafe.Pointer(&r.mem[0])
}

// Zero clears the region.
func (r *Region) Zero() {
	clear(r.mem)
}

// Contains reports whether [phys, phys+size) lies inside the region.
func (r *Region) Contains(phys uint64, size uintptr) bool {
	return phys >= r.phys && phys+uint64(size) <= r.phys+uint64(len(r.mem))
}

func (r *Region) check(off, n uintptr) {
	if off > uintptr(len(r.mem)) || n > uintptr(len(r.mem))-off {
		panic(fmt.Sprintf("dma: range [%#x, %#x) outside %d-byte region", off, off+n, len(r.mem)))
	}
}

// Overlay returns a *T aliasing the region at byte offset off.
// It panics if T does not fit or the address is misaligned for T.
func Overlay[T any](r *Region, off uintptr) *T {
	var zero T
	r.check(off, unsafe.Sizeof(zero))
	p := unsafe.Add(r.Pointer(), off)
	if uintptr(p)%unsafe.Alignof(zero) != 0 {
		panic(fmt.Sprintf("dma: offset %#x misaligned for %T", off, zero))
	}
	return (*T)(p)
}

// Box is a pinned, zeroed value of type T.
type Box[T any] struct {
	region *Region
	value  *T
}

// NewBox allocates a zeroed T in pinned memory aligned to align
// (0 means PageSize).
func NewBox[T any](a Allocator, align uintptr) (*Box[T], error) {
	var zero T
	r, err := a.Alloc(unsafe.Sizeof(zero), align)
	if err != nil {
		return nil, err
	}
	return &Box[T]{region: r, value: Overlay[T](r, 0)}, nil
}

// PhysAddr returns the bus address of the boxed value.
func (b *Box[T]) PhysAddr() uint64 { return b.region.PhysAddr() }

// Region returns the backing region.
func (b *Box[T]) Region() *Region { return b.region }

// Unsafe returns the boxed value. The device may alias it; see
// [Region.Pointer].
func (b *Box[T]) Unsafe() *T { return b.value }

// registry tracks live regions for Resolve.
type registry struct {
	mu      sync.RWMutex
	regions []*Region // sorted by phys
}

// add records r. With a non-zero limit it refuses r, and reports false,
// when the regions already recorded plus r would exceed limit.
func (g *registry) add(r *Region, limit uintptr) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if limit > 0 {
		n := r.Size()
		for _, x := range g.regions {
			n += x.Size()
		}
		if n > limit {
			return false
		}
	}
	i := sort.Search(len(g.regions), func(i int) bool { return g.regions[i].phys >= r.phys })
	g.regions = append(g.regions, nil)
	copy(g.regions[i+1:], g.regions[i:])
	g.regions[i] = r
	return true
}

func (g *registry) remove(r *Region) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, x := range g.regions {
		if x == r {
			g.regions = append(g.regions[:i], g.regions[i+1:]...)
			return true
		}
	}
	return false
}

func (g *registry) resolve(phys uint64, size uintptr) ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	i := sort.Search(len(g.regions), func(i int) bool { return g.regions[i].phys > phys })
	if i > 0 {
		if r := g.regions[i-1]; r.Contains(phys, size) {
			off := uintptr(phys - r.phys)
			return r.mem[off : off+size : off+size], nil
		}
	}
	return nil, fmt.Errorf("%w: %#x+%d", ErrUnmapped, phys, size)
}

func (g *registry) inUse() (n uintptr) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, r := range g.regions {
		n += r.Size()
	}
	return
}

func checkAlign(size, align uintptr) (uintptr, error) {
	if size == 0 {
		return 0, fmt.Errorf("dma: zero-length allocation: %w", pkg.ErrInvalidParameter)
	}
	if align == 0 {
		align = PageSize
	}
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("dma: alignment %d not a power of two: %w", align, pkg.ErrInvalidParameter)
	}
	return align, nil
}
