package pcicfg

// BAR memory-type encoding in bits [2:1] of a memory BAR.
const (
	barIOBit      = 0x1
	barTypeMask   = 0x6
	barType64     = 0x4
	barAddrMask32 = 0xffff_fff0
)

// BARPhys decodes BAR[index] to a physical base address. It returns 0 for
// an out-of-range index, an empty BAR, or an I/O-port BAR (unsupported). A
// 64-bit memory BAR consumes the following slot for its high dword. The
// result is always 0 or 16-byte aligned.
func (a *Accessor) BARPhys(d DeviceHandle, index int) uint64 {
	if index < 0 || index >= type0BARCount {
		return 0
	}
	low := a.ReadDword(d, uint16(type0BAROffset+4*index))
	if low&barIOBit != 0 {
		return 0
	}
	phys := uint64(low & barAddrMask32)
	if low&barTypeMask == barType64 {
		if index+1 >= type0BARCount {
			return 0
		}
		high := a.ReadDword(d, uint16(type0BAROffset+4*(index+1)))
		phys |= uint64(high) << 32
	}
	return phys
}
