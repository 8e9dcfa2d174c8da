package platform

import "unsafe"

// identityWindow builds a window directly over the physical address. This
// assumes virtual == physical for the range, which only holds during
// bring-up on identity-mapped targets.
func identityWindow(phys, length uint64) (Window, error) {
	mem := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(phys))), int(length))
	return Window{Mem: mem, Phys: phys}, nil
}
