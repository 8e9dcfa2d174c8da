// Package virtiopci discovers the modern virtio-pci transport on an
// already-enumerated PCI function: it walks the capability list, maps the
// common/notify/device configuration windows, and exposes a typed view over
// the common configuration registers.
package virtiopci

const (
	// VendorID is the Red Hat virtio PCI vendor ID.
	VendorID = 0x1af4
	// DeviceIDBase is the first modern virtio PCI device ID.
	DeviceIDBase = 0x1040

	vendorCapID  = 0x09
	capLen       = 16
	notifyCapLen = 20

	// maxCapSteps bounds the capability walk so a malformed chain with a
	// cycle terminates.
	maxCapSteps = 256
)

// Virtio capability configuration types.
const (
	CapCommonCfg = 1
	CapNotifyCfg = 2
	CapISRCfg    = 3
	CapDeviceCfg = 4
	CapPCICfg    = 5
)

// Capability is one decoded virtio vendor capability record.
type Capability struct {
	Offset  uint8
	Next    uint8
	Type    uint8
	BAR     uint8
	BAROff  uint32
	Length  uint32

	// NotifyOffMultiplier is only meaningful for CapNotifyCfg records,
	// whose layout extends the common header by one dword.
	NotifyOffMultiplier uint32
}
