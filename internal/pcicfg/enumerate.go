package pcicfg

const headerTypeMultiFn = 0x80

// Enumerate walks bus 0 and returns a handle per responding function, with
// the vendor/device/class triplet cached. Bridged buses are out of scope;
// every virtio transport this substrate serves sits on the root bus.
func Enumerate(a *Accessor) []DeviceHandle {
	var found []DeviceHandle
	for slot := uint8(0); slot < 32; slot++ {
		probe := DeviceHandle{Slot: slot}
		if !a.Present(probe) {
			continue
		}
		maxFn := uint8(0)
		if a.ReadByte(probe, regHeaderType)&headerTypeMultiFn != 0 {
			maxFn = 7
		}
		for fn := uint8(0); fn <= maxFn; fn++ {
			d := DeviceHandle{Slot: slot, Fn: fn}
			if !a.Present(d) {
				continue
			}
			id := a.ReadDword(d, regVendorID)
			d.Vendor = uint16(id)
			d.Device = uint16(id >> 16)
			d.Class = a.ReadDword(d, regClass) >> 8
			found = append(found, d)
		}
	}
	return found
}
