package dma

import "github.com/tinyrange/virtioprobe/internal/platform"

// Bounce buffers stage transfers whose source or destination is not
// physically contiguous. A bounce buffer is always an owned, page-aligned
// allocation.

// AllocBounce reserves a bounce buffer of at least length bytes.
func (m *Manager) AllocBounce(length uint64) (*Region, error) {
	return m.Alloc(platform.PageAlign(length), platform.PageSize)
}

// BounceToDevice copies the first n bytes of src into the region and
// publishes them to the device. Zero length or a length beyond the region
// leaves the region untouched.
func (m *Manager) BounceToDevice(r *Region, src []byte) {
	n := uint64(len(src))
	if r == nil || n == 0 || n > r.Len() {
		return
	}
	copy(r.mem[:n], src)
	m.SyncForDevice(r)
}

// BounceFromDevice copies the first len(dst) bytes out of the region after
// synchronizing with the device. Zero length or a length beyond the region
// copies nothing.
func (m *Manager) BounceFromDevice(r *Region, dst []byte) {
	n := uint64(len(dst))
	if r == nil || n == 0 || n > r.Len() {
		return
	}
	m.SyncForCPU(r)
	copy(dst, r.mem[:n])
}
