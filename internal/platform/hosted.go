//go:build unix

package platform

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// hostedBase is the first synthetic bus address handed out by the hosted
// backend. It sits above 4 GiB so tests exercising 64-bit address handling
// get realistic values.
const hostedBase = uint64(1) << 32

type hostedChunk struct {
	phys  uint64
	size  uint64
	mem   []byte
	start uintptr
}

type hostedState struct {
	mu     sync.Mutex
	next   uint64
	chunks []hostedChunk

	// live counts bytes currently allocated, for leak accounting.
	live uint64
}

// Hosted returns a self-contained platform backed by anonymous mappings.
// Physical addresses are synthetic: each allocation is assigned a unique bus
// address, and IOMap/VirtToPhys resolve against the same table, so windows
// and regions round-trip. Pages are locked best-effort so the host kernel
// does not move them while a simulated device holds their address.
func Hosted() *Platform {
	st := &hostedState{next: hostedBase}
	return &Platform{
		AllocContig: st.alloc,
		FreeContig:  st.free,
		IOMap:       st.iomap,
		VirtToPhys:  st.virtToPhys,
		liveBytes:   st.liveBytes,
	}
}

func (st *hostedState) liveBytes() uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.live
}

func (st *hostedState) alloc(size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("hosted alloc: %w", ErrInvalidArgument)
	}
	size = PageAlign(size)
	if align < PageSize {
		align = PageSize
	}

	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, fmt.Errorf("hosted alloc %d bytes: %w", size, ErrOutOfMemory)
	}
	// Best effort; an RLIMIT_MEMLOCK failure is not fatal for a simulated
	// device.
	_ = unix.Mlock(mem)

	st.mu.Lock()
	defer st.mu.Unlock()
	phys := (st.next + align - 1) &^ (align - 1)
	st.next = phys + size
	st.chunks = append(st.chunks, hostedChunk{
		phys:  phys,
		size:  size,
		mem:   mem,
		start: uintptr(unsafe.Pointer(&mem[0])),
	})
	st.live += size
	return phys, nil
}

func (st *hostedState) free(phys, size uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, c := range st.chunks {
		if c.phys == phys {
			_ = unix.Munmap(c.mem)
			st.live -= c.size
			st.chunks = append(st.chunks[:i], st.chunks[i+1:]...)
			return
		}
	}
}

func (st *hostedState) iomap(phys, length uint64) ([]byte, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, c := range st.chunks {
		if phys >= c.phys && phys+length <= c.phys+c.size {
			off := phys - c.phys
			return c.mem[off : off+length : off+length], nil
		}
	}
	return nil, fmt.Errorf("hosted iomap %#x+%#x: %w", phys, length, ErrNotFound)
}

func (st *hostedState) virtToPhys(buf []byte) (uint64, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("hosted virt_to_phys: %w", ErrInvalidArgument)
	}
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, c := range st.chunks {
		if ptr >= c.start && ptr < c.start+uintptr(c.size) {
			return c.phys + uint64(ptr-c.start), nil
		}
	}
	return 0, fmt.Errorf("hosted virt_to_phys: address outside managed memory: %w", ErrNotFound)
}
