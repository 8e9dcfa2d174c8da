package devmodel

import (
	"fmt"
	"sync"

	"github.com/tinyrange/virtioprobe/internal/pcicfg"
	"github.com/tinyrange/virtioprobe/internal/platform"
)

const (
	configAddressPort = 0x0cf8
	configDataPort    = 0x0cfc
)

type location struct {
	bus  uint8
	slot uint8
	fn   uint8
}

// Bus is a legacy host bridge plus a flat MMIO aperture. It implements the
// probing side's PortIO for configuration access, and its Platform resolves
// window mappings out of the aperture's backing store.
type Bus struct {
	mu      sync.Mutex
	address uint32

	endpoints map[location]*Endpoint

	mmioBase uint64
	mmio     []byte
	next     uint64
}

// NewBus creates a bus with an MMIO aperture at [base, base+size).
func NewBus(base, size uint64) *Bus {
	return &Bus{
		endpoints: make(map[location]*Endpoint),
		mmioBase:  base,
		mmio:      make([]byte, size),
		next:      base,
	}
}

// AddEndpoint registers a function at bus/slot/fn.
func (b *Bus) AddEndpoint(bus, slot, fn uint8, ep *Endpoint) error {
	if ep == nil {
		return fmt.Errorf("endpoint cannot be nil")
	}
	key := location{bus: bus, slot: slot, fn: fn}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.endpoints[key]; exists {
		return fmt.Errorf("endpoint already registered at %02x:%02x.%x", bus, slot, fn)
	}
	b.endpoints[key] = ep
	return nil
}

// ReadPort implements the probing side's port transport. Accesses are
// byte-granular: the address register occupies 0xCF8-0xCFB and the data
// window 0xCFC-0xCFF, exactly like the legacy mechanism.
func (b *Bus) ReadPort(port uint16, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range data {
		cur := port + uint16(i)
		switch {
		case cur >= configAddressPort && cur <= configAddressPort+3:
			shift := (cur - configAddressPort) * 8
			data[i] = byte(b.address >> shift)
		case cur >= configDataPort && cur <= configDataPort+3:
			data[i] = b.readConfigByte(cur - configDataPort)
		default:
			return fmt.Errorf("bus: unhandled read from I/O port %#04x", cur)
		}
	}
	return nil
}

// WritePort implements the probing side's port transport.
func (b *Bus) WritePort(port uint16, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, v := range data {
		cur := port + uint16(i)
		switch {
		case cur >= configAddressPort && cur <= configAddressPort+3:
			shift := (cur - configAddressPort) * 8
			mask := uint32(0xff) << shift
			b.address = (b.address &^ mask) | uint32(v)<<shift
		case cur >= configDataPort && cur <= configDataPort+3:
			b.writeConfigByte(cur-configDataPort, v)
		default:
			return fmt.Errorf("bus: unhandled write to I/O port %#04x", cur)
		}
	}
	return nil
}

func (b *Bus) target() (*Endpoint, uint16, bool) {
	if b.address&(1<<31) == 0 {
		return nil, 0, false
	}
	key := location{
		bus:  uint8(b.address >> 16),
		slot: uint8(b.address>>11) & 0x1f,
		fn:   uint8(b.address>>8) & 0x7,
	}
	ep, ok := b.endpoints[key]
	if !ok {
		return nil, 0, false
	}
	return ep, uint16(b.address & 0xfc), true
}

func (b *Bus) readConfigByte(lane uint16) byte {
	ep, reg, ok := b.target()
	if !ok {
		return 0xff
	}
	value, err := ep.ReadConfig(reg+lane, 1)
	if err != nil {
		return 0xff
	}
	return byte(value)
}

func (b *Bus) writeConfigByte(lane uint16, value byte) {
	ep, reg, ok := b.target()
	if !ok {
		return
	}
	_ = ep.WriteConfig(reg+lane, 1, uint32(value))
}

// AllocateWindow reserves an aligned range inside the MMIO aperture, for
// fixtures that do not pin BAR addresses.
func (b *Bus) AllocateWindow(size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("window size must be non-zero")
	}
	if align == 0 {
		align = size
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	base := (b.next + align - 1) &^ (align - 1)
	end := b.mmioBase + uint64(len(b.mmio))
	if base+size > end {
		return 0, fmt.Errorf("MMIO aperture exhausted")
	}
	b.next = base + size
	return base, nil
}

// WindowBytes returns the aperture backing for [phys, phys+length), letting
// tests seed register contents a mapped window will observe.
func (b *Bus) WindowBytes(phys, length uint64) ([]byte, error) {
	end := b.mmioBase + uint64(len(b.mmio))
	if phys < b.mmioBase || phys+length > end {
		return nil, fmt.Errorf("range %#x+%#x outside MMIO aperture: %w",
			phys, length, platform.ErrNotFound)
	}
	off := phys - b.mmioBase
	return b.mmio[off : off+length : off+length], nil
}

// Platform returns platform services whose mapper resolves windows from the
// MMIO aperture. No allocator or translator is included; DMA tests compose
// their own.
func (b *Bus) Platform() *platform.Platform {
	return &platform.Platform{IOMap: b.WindowBytes}
}

var _ pcicfg.PortIO = (*Bus)(nil)
