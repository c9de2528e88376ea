//go:build linux

package dma

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softxhci/pkg"
)

// Translator maps a virtual address in this process to a bus address.
type Translator func(virt uintptr) (uint64, error)

// IdentityTranslator returns virt unchanged.
func IdentityTranslator(virt uintptr) (uint64, error) { return uint64(virt), nil }

// MmapAllocator hands out locked anonymous mappings. Each region is
// populated and locked at allocation so its frames cannot be swapped or
// migrated while a device holds the address.
type MmapAllocator struct {
	// Translate converts virtual to physical addresses. Nil means identity.
	Translate Translator

	registry
}

// NewMmapAllocator returns an allocator using translate (nil for identity).
func NewMmapAllocator(translate Translator) *MmapAllocator {
	return &MmapAllocator{Translate: translate}
}

// Alloc maps size bytes (rounded up to whole pages) aligned to align.
func (m *MmapAllocator) Alloc(size, align uintptr) (*Region, error) {
	align, err := checkAlign(size, align)
	if err != nil {
		return nil, err
	}
	page := uintptr(unix.Getpagesize())
	length := roundUp(size, page)
	if align > page {
		length += align
	}

	buf, err := unix.Mmap(-1, 0, int(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE|unix.MAP_LOCKED)
	if err != nil {
		return nil, fmt.Errorf("dma: mmap %d bytes: %v: %w", length, err, pkg.ErrNoMemory)
	}

	base := uintptr(unsafe.Pointer(&buf[0]))
	off := (align - base%align) % align
	mem := buf[off : off+size : off+size]

	translate := m.Translate
	if translate == nil {
		translate = IdentityTranslator
	}
	phys, err := contiguous(translate, uintptr(unsafe.Pointer(&mem[0])), size, page)
	if err != nil {
		return nil, errors.Join(err, unix.Munmap(buf))
	}

	r := &Region{
		mem:     mem,
		phys:    phys,
		release: func() error { return unix.Munmap(buf) },
	}
	m.add(r, 0)
	pkg.LogDebug(pkg.ComponentDMA, "mmap region", "phys", fmt.Sprintf("%#x", phys), "size", size)
	return r, nil
}

// Free unmaps a region.
func (m *MmapAllocator) Free(r *Region) error {
	if !m.remove(r) {
		return fmt.Errorf("dma: free of unknown region %#x: %w", r.phys, pkg.ErrInvalidParameter)
	}
	err := r.release()
	r.mem = nil
	return err
}

// Resolve returns a view of size bytes at phys.
func (m *MmapAllocator) Resolve(phys uint64, size uintptr) ([]byte, error) {
	return m.resolve(phys, size)
}

// contiguous translates every page of [virt, virt+size) and fails unless the
// frames are physically adjacent.
func contiguous(translate Translator, virt, size, page uintptr) (uint64, error) {
	first, err := translate(virt)
	if err != nil {
		return 0, err
	}
	for off := page - virt%page; off < size; off += page {
		p, err := translate(virt + off)
		if err != nil {
			return 0, err
		}
		if p != first+uint64(off) {
			return 0, fmt.Errorf("dma: region at %#x not physically contiguous at +%#x: %w",
				virt, off, pkg.ErrNoMemory)
		}
	}
	return first, nil
}

func roundUp(n, to uintptr) uintptr { return (n + to - 1) &^ (to - 1) }

// pagemapPath is the kernel's per-process page table view.
const pagemapPath = "/proc/self/pagemap"

// PagemapTranslator returns a Translator reading /proc/self/pagemap. The
// file is opened for each translation and closed again. Reading frame
// numbers requires CAP_SYS_ADMIN; without it the kernel reports zero
// frames and translation fails.
func PagemapTranslator() (Translator, error) {
	f, err := os.Open(pagemapPath)
	if err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	page := uint64(unix.Getpagesize())
	return func(virt uintptr) (uint64, error) {
		f, err := os.Open(pagemapPath)
		if err != nil {
			return 0, fmt.Errorf("dma: pagemap: %w", err)
		}
		defer f.Close()

		var entry [8]byte
		if _, err := f.ReadAt(entry[:], int64(uint64(virt)/page*8)); err != nil {
			return 0, fmt.Errorf("dma: pagemap read: %w", err)
		}
		e := binary.LittleEndian.Uint64(entry[:])
		const present = 1 << 63
		pfn := e & (1<<55 - 1)
		if e&present == 0 || pfn == 0 {
			return 0, fmt.Errorf("dma: page %#x not resident or frame hidden: %w", virt, pkg.ErrNoMemory)
		}
		return pfn*page + uint64(virt)%page, nil
	}, nil
}

// MapDevice maps size bytes of a device resource file, such as
// /sys/bus/pci/devices/0000:00:14.0/resource0, for register access.
// phys is the BAR address reported by the bus and is only recorded.
func MapDevice(path string, phys uint64, size uintptr) (*Region, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("dma: open %s: %w", path, err)
	}
	defer unix.Close(fd)

	buf, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("dma: mmap %s: %w", path, err)
	}
	pkg.LogInfo(pkg.ComponentDMA, "mapped device registers", "path", path, "size", size)
	return &Region{
		mem:     buf,
		phys:    phys,
		release: func() error { return unix.Munmap(buf) },
	}, nil
}

// Unmap releases a region returned by MapDevice.
func Unmap(r *Region) error {
	err := r.release()
	r.mem = nil
	return err
}
