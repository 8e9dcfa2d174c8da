// Package dma manages physically contiguous, device-visible buffers:
// allocation, wrapping of caller memory, coherency fences, and bounce
// buffers for staging non-contiguous transfers.
package dma

import (
	"fmt"

	"github.com/tinyrange/virtioprobe/internal/platform"
)

// Region is a contiguous span of physical memory with a kernel-visible byte
// view. Regions from Alloc own their pages and must be freed exactly once;
// regions from Map wrap caller memory and must not be freed.
type Region struct {
	mem   []byte
	phys  uint64
	align uint64
	owned bool
}

// Bytes returns the CPU view of the region.
func (r *Region) Bytes() []byte {
	if r == nil {
		return nil
	}
	return r.mem
}

// Phys returns the device-visible base address.
func (r *Region) Phys() uint64 {
	if r == nil {
		return 0
	}
	return r.phys
}

// Len returns the region length in bytes. For allocated regions this is the
// page-rounded length, not the requested one.
func (r *Region) Len() uint64 {
	if r == nil {
		return 0
	}
	return uint64(len(r.mem))
}

// Owned reports whether Free applies to this region.
func (r *Region) Owned() bool {
	return r != nil && r.owned
}

// Manager allocates and tracks DMA regions against one platform.
type Manager struct {
	plat *platform.Platform
}

// NewManager returns a manager over the supplied platform services.
func NewManager(plat *platform.Platform) *Manager {
	return &Manager{plat: plat}
}

// Alloc reserves a physically contiguous region of at least length bytes.
// The length is rounded up to a whole number of pages and the alignment is
// promoted to at least one page. Alignment must be a power of two.
func (m *Manager) Alloc(length, align uint64) (*Region, error) {
	if align == 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("dma alloc: alignment %#x: %w", align, platform.ErrInvalidArgument)
	}
	if align < platform.PageSize {
		align = platform.PageSize
	}
	padded := platform.PageAlign(length)
	if padded == 0 {
		padded = platform.PageSize
	}
	if m.plat == nil || m.plat.AllocContig == nil {
		return nil, fmt.Errorf("dma alloc: no physical allocator: %w", platform.ErrNotSupported)
	}

	phys, err := m.plat.AllocContig(padded, align)
	if err != nil {
		return nil, fmt.Errorf("dma alloc %d bytes: %w", padded, platform.ErrOutOfMemory)
	}
	win, err := m.plat.MapWindow(phys, padded)
	if err != nil {
		if m.plat.FreeContig != nil {
			m.plat.FreeContig(phys, padded)
		}
		return nil, fmt.Errorf("dma alloc: map %#x: %w", phys, err)
	}
	return &Region{mem: win.Mem, phys: phys, align: align, owned: true}, nil
}

// Free returns an allocated region's pages. Freeing a nil or zero-length
// region is a no-op; freeing a mapped (non-owned) region is an error. A
// region may be freed at most once.
func (m *Manager) Free(r *Region) error {
	if r == nil || len(r.mem) == 0 {
		return nil
	}
	if !r.owned {
		return fmt.Errorf("dma free: region wraps caller memory: %w", platform.ErrInvalidArgument)
	}
	if m.plat != nil && m.plat.FreeContig != nil {
		m.plat.FreeContig(r.phys, uint64(len(r.mem)))
	}
	r.mem = nil
	r.phys = 0
	r.owned = false
	return nil
}

// Map wraps an existing buffer as a DMA region. The buffer must be
// physically contiguous and stay pinned for the region's lifetime; when the
// platform has a translator, contiguity is checked page by page. The
// returned region shares buf and is not owned.
func (m *Manager) Map(buf []byte) (*Region, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("dma map: empty buffer: %w", platform.ErrInvalidArgument)
	}
	if m.plat == nil || m.plat.VirtToPhys == nil {
		return nil, fmt.Errorf("dma map: no translator: %w", platform.ErrNotSupported)
	}
	phys, err := m.plat.VirtToPhys(buf)
	if err != nil {
		return nil, fmt.Errorf("dma map: translate: %w", err)
	}
	for off := uint64(platform.PageSize); off < uint64(len(buf)); off += platform.PageSize {
		p, err := m.plat.VirtToPhys(buf[off:])
		if err != nil {
			return nil, fmt.Errorf("dma map: translate page %#x: %w", off, err)
		}
		if p != phys+off {
			return nil, fmt.Errorf("dma map: discontinuity at offset %#x: %w",
				off, platform.ErrInvalidArgument)
		}
	}
	return &Region{mem: buf, phys: phys, align: 1}, nil
}

// SyncForDevice publishes prior CPU stores to the device.
func (m *Manager) SyncForDevice(r *Region) {
	platform.StoreFence()
}

// SyncForCPU makes prior device writes visible to CPU loads.
func (m *Manager) SyncForCPU(r *Region) {
	platform.LoadFence()
}
