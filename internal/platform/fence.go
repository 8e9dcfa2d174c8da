package platform

import "sync/atomic"

var fenceWord uint32

// StoreFence orders all prior stores before any later access. Devices
// reading a DMA region or an MMIO window observe everything written before
// the fence.
func StoreFence() {
	atomic.AddUint32(&fenceWord, 1)
}

// LoadFence orders all later loads after any prior access, so CPU reads
// observe device writes that completed before the fence.
//
// Both fences issue a full barrier. That is stronger than the minimum the
// contract asks for on x86, and correct everywhere.
func LoadFence() {
	atomic.AddUint32(&fenceWord, 1)
}
