// Package platform defines the services the attach substrate borrows from
// the surrounding system: a contiguous physical allocator, an uncached
// device-memory mapper, and a virtual-to-physical translator. Every field is
// optional; a missing capability surfaces as ErrNotSupported when an
// operation needs it.
package platform

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument reports a nil buffer, a zero size, a
	// non-power-of-two alignment, or an out-of-range index.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrOutOfMemory reports that the physical allocator is exhausted.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrNotFound reports that a required virtio capability is missing.
	ErrNotFound = errors.New("not found")

	// ErrNotSupported reports a feature absent on this platform, such as an
	// I/O-port BAR or a missing collaborator.
	ErrNotSupported = errors.New("not supported")
)

// PageSize is the allocation granule for DMA regions and MMIO windows.
const PageSize = 4096

// PageAlign rounds n up to the next multiple of PageSize.
func PageAlign(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// Window is a mapped view over a physical range of device memory. Mem
// aliases the range byte for byte; Phys is the bus address of Mem[0].
type Window struct {
	Mem  []byte
	Phys uint64
}

// Valid reports whether the window refers to a mapped range.
func (w Window) Valid() bool {
	return len(w.Mem) > 0
}

// Len returns the length of the mapped range in bytes.
func (w Window) Len() uint64 {
	return uint64(len(w.Mem))
}

// Platform carries the collaborator capabilities as plain nullable fields.
// Construct one by hand, or use Hosted for a self-contained backend.
type Platform struct {
	// AllocContig reserves a physically contiguous run of memory and
	// returns its physical base address.
	AllocContig func(size, align uint64) (uint64, error)

	// FreeContig returns a run obtained from AllocContig.
	FreeContig func(phys, size uint64)

	// IOMap maps a physical range as uncached device memory and returns a
	// byte view over it.
	IOMap func(phys, length uint64) ([]byte, error)

	// VirtToPhys translates the start of buf to a physical address.
	VirtToPhys func(buf []byte) (uint64, error)

	// AllowIdentityMap enables the bring-up fallback where MapWindow treats
	// the physical address as directly dereferenceable when IOMap is nil.
	// Only valid while low memory is identity-mapped; integrators must
	// install a real mapper before production use.
	AllowIdentityMap bool

	// liveBytes is installed by backends that track allocation totals.
	liveBytes func() uint64
}

// LiveBytes reports the bytes currently allocated through this platform,
// when the backend keeps accounting (Hosted does).
func (p *Platform) LiveBytes() (uint64, bool) {
	if p == nil || p.liveBytes == nil {
		return 0, false
	}
	return p.liveBytes(), true
}

// MapWindow maps [phys, phys+length) and returns a window over it.
func (p *Platform) MapWindow(phys, length uint64) (Window, error) {
	if phys == 0 || length == 0 {
		return Window{}, fmt.Errorf("map %#x+%#x: %w", phys, length, ErrInvalidArgument)
	}
	if p != nil && p.IOMap != nil {
		mem, err := p.IOMap(phys, length)
		if err != nil {
			return Window{}, fmt.Errorf("iomap %#x+%#x: %w", phys, length, err)
		}
		if uint64(len(mem)) < length {
			return Window{}, fmt.Errorf("iomap %#x: short mapping (%d < %d): %w",
				phys, len(mem), length, ErrInvalidArgument)
		}
		return Window{Mem: mem[:length], Phys: phys}, nil
	}
	if p != nil && p.AllowIdentityMap {
		return identityWindow(phys, length)
	}
	return Window{}, fmt.Errorf("map %#x+%#x: no mapper: %w", phys, length, ErrNotSupported)
}
