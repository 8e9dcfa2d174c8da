// Package pcicfg reads PCI configuration space through the legacy x86
// CF8/CFC mechanism. The port transport is an interface so the accessor runs
// unchanged against real hardware ports or an in-process device model.
package pcicfg

import (
	"fmt"
	"sync"
)

const (
	// ConfigAddressPort and ConfigDataPort are the legacy configuration
	// mechanism ports. The pair is a single process-wide resource; the
	// accessor serializes the address write and data read internally.
	ConfigAddressPort = 0x0cf8
	ConfigDataPort    = 0x0cfc

	configEnable = uint32(1) << 31
)

const (
	regVendorID   = 0x00
	regStatus     = 0x06
	regClass      = 0x08
	regHeaderType = 0x0e
	regCapPointer = 0x34

	statusCapList = 1 << 4

	type0BAROffset = 0x10
	type0BARCount  = 6
)

// PortIO is the transport under the accessor: byte-granular reads and
// writes of x86 I/O ports.
type PortIO interface {
	ReadPort(port uint16, data []byte) error
	WritePort(port uint16, data []byte) error
}

// DeviceHandle identifies a discovered PCI function. Vendor, Device and
// Class are cached at enumeration time; identity is (Bus, Slot, Fn).
type DeviceHandle struct {
	Bus  uint8
	Slot uint8
	Fn   uint8

	Vendor uint16
	Device uint16
	Class  uint32
}

func (d DeviceHandle) String() string {
	return fmt.Sprintf("%02x:%02x.%x", d.Bus, d.Slot, d.Fn)
}

// Accessor reads configuration space for any function behind a PortIO.
type Accessor struct {
	mu    sync.Mutex
	ports PortIO
}

// NewAccessor wraps the supplied port transport.
func NewAccessor(ports PortIO) *Accessor {
	return &Accessor{ports: ports}
}

// address composes the CF8 value: enable bit, bus/slot/function, and the
// register offset with its low two bits cleared.
func address(d DeviceHandle, reg uint16) uint32 {
	return configEnable |
		uint32(d.Bus)<<16 |
		uint32(d.Slot&0x1f)<<11 |
		uint32(d.Fn&0x7)<<8 |
		uint32(reg&0xfc)
}

// ReadDword returns the aligned dword containing offset. Reads never fail:
// an absent device or a transport error reads as all ones, which callers
// detect as vendor 0xFFFF.
func (a *Accessor) ReadDword(d DeviceHandle, offset uint16) uint32 {
	var addr [4]byte
	value := address(d, offset)
	for i := range addr {
		addr[i] = byte(value >> (8 * i))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ports.WritePort(ConfigAddressPort, addr[:]); err != nil {
		return 0xffff_ffff
	}
	var data [4]byte
	if err := a.ports.ReadPort(ConfigDataPort, data[:]); err != nil {
		return 0xffff_ffff
	}
	var out uint32
	for i, b := range data {
		out |= uint32(b) << (8 * i)
	}
	return out
}

// ReadWord returns the 16-bit value at offset.
func (a *Accessor) ReadWord(d DeviceHandle, offset uint16) uint16 {
	dword := a.ReadDword(d, offset)
	shift := (offset & 0x2) * 8
	return uint16(dword >> shift)
}

// ReadByte returns the byte at offset.
func (a *Accessor) ReadByte(d DeviceHandle, offset uint16) uint8 {
	dword := a.ReadDword(d, offset)
	shift := (offset & 0x3) * 8
	return uint8(dword >> shift)
}

// ReadBytes fills buf from configuration space starting at offset.
func (a *Accessor) ReadBytes(d DeviceHandle, offset uint16, buf []byte) {
	for i := range buf {
		buf[i] = a.ReadByte(d, offset+uint16(i))
	}
}

// Present reports whether a function answers at the handle's location.
func (a *Accessor) Present(d DeviceHandle) bool {
	return a.ReadWord(d, regVendorID) != 0xffff
}

// CapFirst returns the offset of the first capability record, or 0 when the
// function advertises no capability list.
func (a *Accessor) CapFirst(d DeviceHandle) uint8 {
	if a.ReadWord(d, regStatus)&statusCapList == 0 {
		return 0
	}
	return a.ReadByte(d, regCapPointer)
}

// CapNext follows a capability's next pointer. CapNext(d, 0) is 0.
func (a *Accessor) CapNext(d DeviceHandle, offset uint8) uint8 {
	if offset == 0 {
		return 0
	}
	return a.ReadByte(d, uint16(offset)+1)
}
