// Package devmodel is an in-process model of a modern virtio-pci function
// behind a legacy CF8/CFC host bridge. It backs the package tests and the
// virtioscan fixture runner: the probing code exercises the same record
// layouts and BAR protocol a real device presents, without hardware.
package devmodel

import (
	"encoding/binary"
	"fmt"
)

const (
	type0BAROffset = 0x10
	type0BARCount  = 6

	statusCapList = 1 << 4

	vendorCapID  = 0x09
	capLen       = 16
	notifyCapLen = 20
)

const invalidBARIndex = -1

type pciBAR struct {
	size    uint64
	is64    bool
	aliasOf int

	rawLow  uint32
	rawHigh uint32

	sizing bool
}

func (b *pciBAR) sizeMask() uint64 {
	if b == nil || b.size == 0 {
		return 0
	}
	return ^(b.size - 1) & 0xffff_ffff_ffff_fff0
}

type capRecord struct {
	offset uint8
	data   []byte
}

// Endpoint models one type-0 PCI function: identity registers, six BARs
// with the sizing protocol and 64-bit alias slots, and a capability chain
// assembled from raw records.
type Endpoint struct {
	VendorID          uint16
	DeviceID          uint16
	SubsystemVendorID uint16
	SubsystemDeviceID uint16
	ClassCode         uint32
	Revision          uint8

	command    uint16
	status     uint16
	capPointer uint8

	bars [type0BARCount]pciBAR
	caps []capRecord
}

// NewEndpoint returns an endpoint with all BAR slots empty.
func NewEndpoint(vendorID, deviceID uint16) *Endpoint {
	ep := &Endpoint{
		VendorID: vendorID,
		DeviceID: deviceID,
	}
	for i := range ep.bars {
		ep.bars[i] = pciBAR{aliasOf: invalidBARIndex}
	}
	return ep
}

// SetMemoryBAR installs a 32-bit memory BAR with a fixed base address.
func (ep *Endpoint) SetMemoryBAR(index int, base uint64, size uint64) error {
	if index < 0 || index >= type0BARCount {
		return fmt.Errorf("BAR index %d out of range", index)
	}
	ep.bars[index] = pciBAR{
		size:    size,
		aliasOf: invalidBARIndex,
		rawLow:  uint32(base) & 0xffff_fff0,
	}
	return nil
}

// SetMemoryBAR64 installs a 64-bit memory BAR; the following slot becomes
// its high-dword alias.
func (ep *Endpoint) SetMemoryBAR64(index int, base uint64, size uint64) error {
	if index < 0 || index+1 >= type0BARCount {
		return fmt.Errorf("64-bit BAR index %d out of range", index)
	}
	ep.bars[index] = pciBAR{
		size:    size,
		is64:    true,
		aliasOf: invalidBARIndex,
		rawLow:  (uint32(base) & 0xffff_fff0) | 0x4,
		rawHigh: uint32(base >> 32),
	}
	ep.bars[index+1] = pciBAR{aliasOf: index}
	return nil
}

// SetIOBAR installs an I/O-port BAR (bit 0 set), which the probing side
// must refuse to map.
func (ep *Endpoint) SetIOBAR(index int, base uint32) error {
	if index < 0 || index >= type0BARCount {
		return fmt.Errorf("BAR index %d out of range", index)
	}
	ep.bars[index] = pciBAR{
		size:    0x100,
		aliasOf: invalidBARIndex,
		rawLow:  (base & 0xffff_fffc) | 0x1,
	}
	return nil
}

// AddCapability places a raw capability record at a config-space offset and
// links it as the chain head if it is the lowest offset so far.
func (ep *Endpoint) AddCapability(offset uint8, data []byte) {
	ep.caps = append(ep.caps, capRecord{offset: offset, data: data})
	if ep.capPointer == 0 || offset < ep.capPointer {
		ep.capPointer = offset
	}
	ep.status |= statusCapList
}

// AddVirtioCapability builds the 16-byte virtio vendor record (20 bytes for
// notify) and installs it.
func (ep *Endpoint) AddVirtioCapability(offset, next, cfgType, bar uint8, barOff, length, multiplier uint32) {
	size := capLen
	if cfgType == 2 { // notify config carries the multiplier dword
		size = notifyCapLen
	}
	buf := make([]byte, size)
	buf[0] = vendorCapID
	buf[1] = next
	buf[2] = uint8(size)
	buf[3] = cfgType
	buf[4] = bar
	binary.LittleEndian.PutUint32(buf[8:12], barOff)
	binary.LittleEndian.PutUint32(buf[12:16], length)
	if size == notifyCapLen {
		binary.LittleEndian.PutUint32(buf[16:], multiplier)
	}
	ep.AddCapability(offset, buf)
}

// ReadConfig returns size bytes of configuration space at offset, composed
// from the containing aligned dword.
func (ep *Endpoint) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if size != 1 && size != 2 && size != 4 {
		return 0, fmt.Errorf("unsupported config read size %d", size)
	}
	base := offset &^ 0x3
	value := ep.readConfigDWord(base)
	shift := (offset - base) * 8
	value >>= shift
	mask := uint32((uint64(1) << (size * 8)) - 1)
	return value & mask, nil
}

// WriteConfig updates configuration space. Only the command register and
// the BAR sizing protocol react; everything else is ignored, matching a
// function with no writable vendor state.
func (ep *Endpoint) WriteConfig(offset uint16, size uint8, value uint32) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("unsupported config write size %d", size)
	}
	base := offset &^ 0x3
	if size == 4 && offset == base {
		return ep.writeConfigDWord(base, value)
	}
	current := ep.readConfigDWord(base)
	shift := (offset - base) * 8
	mask := uint32((uint64(1) << (size * 8)) - 1)
	return ep.writeConfigDWord(base, (current & ^(mask<<shift))|((value&mask)<<shift))
}

func (ep *Endpoint) readConfigDWord(offset uint16) uint32 {
	switch offset {
	case 0x00:
		return uint32(ep.VendorID) | uint32(ep.DeviceID)<<16
	case 0x04:
		return uint32(ep.command) | uint32(ep.status)<<16
	case 0x08:
		return uint32(ep.Revision) | ep.ClassCode<<8
	case 0x0c:
		return 0 // header type 0, single function
	case 0x2c:
		return uint32(ep.SubsystemVendorID) | uint32(ep.SubsystemDeviceID)<<16
	case 0x34:
		return uint32(ep.capPointer)
	}
	if offset >= type0BAROffset && offset < type0BAROffset+type0BARCount*4 {
		return ep.readBAR(int((offset - type0BAROffset) / 4))
	}
	if value, ok := ep.readCapRegion(offset); ok {
		return value
	}
	return 0
}

func (ep *Endpoint) writeConfigDWord(offset uint16, value uint32) error {
	switch {
	case offset == 0x04:
		ep.command = uint16(value)
		ep.status &^= uint16(value >> 16)
		if len(ep.caps) > 0 {
			ep.status |= statusCapList
		}
	case offset >= type0BAROffset && offset < type0BAROffset+type0BARCount*4:
		ep.writeBAR(int((offset-type0BAROffset)/4), value)
	}
	return nil
}

func (ep *Endpoint) baseBAR(index int) (*pciBAR, bool) {
	if index < 0 || index >= type0BARCount {
		return nil, false
	}
	if alias := ep.bars[index].aliasOf; alias >= 0 {
		return &ep.bars[alias], true
	}
	return &ep.bars[index], false
}

func (ep *Endpoint) readBAR(index int) uint32 {
	bar, isHigh := ep.baseBAR(index)
	if bar == nil {
		return 0
	}
	if bar.sizing {
		mask := bar.sizeMask()
		if isHigh {
			return uint32(mask >> 32)
		}
		return uint32(mask)
	}
	if isHigh {
		if !bar.is64 {
			return 0
		}
		return bar.rawHigh
	}
	return bar.rawLow
}

func (ep *Endpoint) writeBAR(index int, value uint32) {
	bar, isHigh := ep.baseBAR(index)
	if bar == nil {
		return
	}
	if value == 0xffff_ffff {
		if !isHigh {
			bar.sizing = true
		}
		return
	}
	if !isHigh {
		bar.sizing = false
	}
}

func (ep *Endpoint) readCapRegion(offset uint16) (uint32, bool) {
	for _, rec := range ep.caps {
		base := uint16(rec.offset)
		if offset < base || int(offset-base) >= len(rec.data) {
			continue
		}
		rel := int(offset-base) &^ 0x3
		var value uint32
		for i := 0; i < 4; i++ {
			if rel+i >= len(rec.data) {
				break
			}
			value |= uint32(rec.data[rel+i]) << (8 * i)
		}
		return value, true
	}
	return 0, false
}
