package dma

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/tinyrange/virtioprobe/internal/platform"
)

// fakeAllocator hands out fake physical pages backed by ordinary slices and
// counts every allocator call so tests can assert on balance.
type fakeAllocator struct {
	next    uint64
	live    uint64
	allocs  int
	frees   int
	buffers map[uint64][]byte

	failAlloc bool
	failMap   bool
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{next: 0x10_0000, buffers: make(map[uint64][]byte)}
}

func (f *fakeAllocator) platform() *platform.Platform {
	return &platform.Platform{
		AllocContig: f.alloc,
		FreeContig:  f.free,
		IOMap:       f.iomap,
	}
}

func (f *fakeAllocator) alloc(length, align uint64) (uint64, error) {
	if f.failAlloc {
		return 0, fmt.Errorf("exhausted")
	}
	f.allocs++
	phys := (f.next + align - 1) &^ (align - 1)
	f.next = phys + length
	f.live += length
	f.buffers[phys] = make([]byte, length)
	return phys, nil
}

func (f *fakeAllocator) free(phys, length uint64) {
	f.frees++
	f.live -= length
	delete(f.buffers, phys)
}

func (f *fakeAllocator) iomap(phys, length uint64) ([]byte, error) {
	if f.failMap {
		return nil, fmt.Errorf("mmio window unavailable")
	}
	mem, ok := f.buffers[phys]
	if !ok || uint64(len(mem)) < length {
		return nil, fmt.Errorf("no backing for %#x", phys)
	}
	return mem[:length], nil
}

func TestAllocRoundsLengthAndAlignment(t *testing.T) {
	cases := []struct {
		name    string
		length  uint64
		align   uint64
		wantLen uint64
	}{
		{"sub-page", 1, 1, 4096},
		{"zero length", 0, 4096, 4096},
		{"small alignment promoted", 5000, 64, 8192},
		{"exact pages", 8192, 4096, 8192},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := newFakeAllocator()
			m := NewManager(fake.platform())
			r, err := m.Alloc(tc.length, tc.align)
			if err != nil {
				t.Fatal(err)
			}
			if r.Len() != tc.wantLen {
				t.Fatalf("len = %d, want %d", r.Len(), tc.wantLen)
			}
			if r.Phys()%platform.PageSize != 0 {
				t.Fatalf("phys %#x not page aligned", r.Phys())
			}
			if !r.Owned() {
				t.Fatalf("allocated region not owned")
			}
			if fake.live != tc.wantLen {
				t.Fatalf("allocator live = %d, want %d", fake.live, tc.wantLen)
			}
		})
	}
}

func TestAllocRejectsBadAlignment(t *testing.T) {
	fake := newFakeAllocator()
	m := NewManager(fake.platform())
	for _, align := range []uint64{0, 3, 24} {
		if _, err := m.Alloc(4096, align); !errors.Is(err, platform.ErrInvalidArgument) {
			t.Fatalf("align %d: err = %v", align, err)
		}
	}
	if fake.allocs != 0 {
		t.Fatalf("allocator called %d times for invalid requests", fake.allocs)
	}
}

func TestAllocWithoutAllocator(t *testing.T) {
	m := NewManager(&platform.Platform{})
	if _, err := m.Alloc(4096, 4096); !errors.Is(err, platform.ErrNotSupported) {
		t.Fatalf("err = %v", err)
	}
}

func TestAllocReportsExhaustion(t *testing.T) {
	fake := newFakeAllocator()
	fake.failAlloc = true
	m := NewManager(fake.platform())
	if _, err := m.Alloc(4096, 4096); !errors.Is(err, platform.ErrOutOfMemory) {
		t.Fatalf("err = %v", err)
	}
}

func TestAllocMapFailureReleasesPages(t *testing.T) {
	fake := newFakeAllocator()
	fake.failMap = true
	m := NewManager(fake.platform())
	if _, err := m.Alloc(4096, 4096); err == nil {
		t.Fatalf("expected map failure")
	}
	if fake.live != 0 {
		t.Fatalf("pages leaked: live = %d", fake.live)
	}
	if fake.frees != fake.allocs {
		t.Fatalf("allocs = %d, frees = %d", fake.allocs, fake.frees)
	}
}

func TestFreeBalancesAllocator(t *testing.T) {
	fake := newFakeAllocator()
	m := NewManager(fake.platform())
	r, err := m.Alloc(4096, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Free(r); err != nil {
		t.Fatal(err)
	}
	if fake.live != 0 {
		t.Fatalf("live = %d after free", fake.live)
	}
	// Second free and a nil free are both no-ops.
	if err := m.Free(r); err != nil {
		t.Fatalf("double free: %v", err)
	}
	if err := m.Free(nil); err != nil {
		t.Fatalf("nil free: %v", err)
	}
	if fake.frees != 1 {
		t.Fatalf("frees = %d, want 1", fake.frees)
	}
}

// contiguityTranslator resolves sub-slices of back to base+offset, with an
// optional hole to model physically discontiguous buffers.
type contiguityTranslator struct {
	back []byte
	base uint64
	hole bool
}

func (c *contiguityTranslator) virtToPhys(b []byte) (uint64, error) {
	if cap(b) > cap(c.back) {
		return 0, fmt.Errorf("unknown buffer")
	}
	off := uint64(cap(c.back) - cap(b))
	if c.hole && off >= platform.PageSize {
		return c.base + off + platform.PageSize, nil
	}
	return c.base + off, nil
}

func TestMapWrapsCallerMemory(t *testing.T) {
	tr := &contiguityTranslator{back: make([]byte, 3*platform.PageSize), base: 0x20_0000}
	m := NewManager(&platform.Platform{VirtToPhys: tr.virtToPhys})

	buf := tr.back[:2*platform.PageSize]
	r, err := m.Map(buf)
	if err != nil {
		t.Fatal(err)
	}
	if r.Phys() != 0x20_0000 {
		t.Fatalf("phys = %#x", r.Phys())
	}
	if r.Owned() {
		t.Fatalf("mapped region claims ownership")
	}
	r.Bytes()[0] = 0xa5
	if buf[0] != 0xa5 {
		t.Fatalf("region does not share caller memory")
	}
	if err := m.Free(r); !errors.Is(err, platform.ErrInvalidArgument) {
		t.Fatalf("free of mapped region: err = %v", err)
	}
}

func TestMapRejectsDiscontiguousBuffer(t *testing.T) {
	tr := &contiguityTranslator{back: make([]byte, 2*platform.PageSize), base: 0x20_0000, hole: true}
	m := NewManager(&platform.Platform{VirtToPhys: tr.virtToPhys})
	if _, err := m.Map(tr.back); !errors.Is(err, platform.ErrInvalidArgument) {
		t.Fatalf("err = %v", err)
	}
}

func TestMapWithoutTranslator(t *testing.T) {
	m := NewManager(&platform.Platform{})
	if _, err := m.Map(make([]byte, 16)); !errors.Is(err, platform.ErrNotSupported) {
		t.Fatalf("err = %v", err)
	}
	if _, err := NewManager(&platform.Platform{VirtToPhys: func([]byte) (uint64, error) {
		return 0, nil
	}}).Map(nil); !errors.Is(err, platform.ErrInvalidArgument) {
		t.Fatalf("empty buffer: expected invalid argument")
	}
}

func TestBounceRoundTrip(t *testing.T) {
	fake := newFakeAllocator()
	m := NewManager(fake.platform())
	r, err := m.AllocBounce(300)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Free(r)
	if r.Len() != platform.PageSize {
		t.Fatalf("bounce len = %d", r.Len())
	}

	src := make([]byte, 300)
	for i := range src {
		src[i] = byte(i * 37)
	}
	m.BounceToDevice(r, src)

	dst := make([]byte, 300)
	m.BounceFromDevice(r, dst)
	if !bytes.Equal(src, dst) {
		t.Fatalf("round trip mismatch")
	}
}

func TestBounceGuards(t *testing.T) {
	fake := newFakeAllocator()
	m := NewManager(fake.platform())
	r, err := m.AllocBounce(16)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Free(r)
	r.Bytes()[0] = 0x5a

	m.BounceToDevice(r, nil)
	m.BounceToDevice(r, make([]byte, r.Len()+1))
	if r.Bytes()[0] != 0x5a {
		t.Fatalf("guarded bounce modified region")
	}

	dst := []byte{0xee}
	m.BounceFromDevice(nil, dst)
	m.BounceFromDevice(r, make([]byte, 0))
	if dst[0] != 0xee {
		t.Fatalf("guarded bounce wrote destination")
	}
}
