// Package virtioprobe binds a modern virtio-pci function to a driver: it
// reads PCI configuration space through the legacy CF8/CFC mechanism,
// decodes BARs, walks the virtio vendor capability chain, maps the
// common/notify/device configuration windows, and hands back a DMA manager
// for descriptor rings and data buffers. Feature negotiation and virtqueue
// construction sit above this package.
package virtioprobe

import (
	"github.com/tinyrange/virtioprobe/internal/dma"
	"github.com/tinyrange/virtioprobe/internal/pcicfg"
	"github.com/tinyrange/virtioprobe/internal/platform"
	"github.com/tinyrange/virtioprobe/internal/virtiopci"
)

// -----------------------------------------------------------------------------
// Type aliases - these re-export types from internal packages
// -----------------------------------------------------------------------------

// DeviceHandle identifies an enumerated PCI function.
type DeviceHandle = pcicfg.DeviceHandle

// PortIO is the x86 I/O-port transport under the config-space accessor.
type PortIO = pcicfg.PortIO

// Accessor reads PCI configuration space over a PortIO.
type Accessor = pcicfg.Accessor

// Platform carries the optional collaborator services: physical allocator,
// uncached mapper, and address translator.
type Platform = platform.Platform

// Window is a mapped MMIO range.
type Window = platform.Window

// Region is a physically contiguous DMA buffer.
type Region = dma.Region

// Manager allocates and synchronizes DMA regions.
type Manager = dma.Manager

// Attachment is the outcome of a successful device attach.
type Attachment = virtiopci.Attachment

// CommonConfig is the typed view over the common configuration window.
type CommonConfig = virtiopci.CommonConfig

// Common sentinel errors. Match with errors.Is.
var (
	ErrInvalidArgument = platform.ErrInvalidArgument
	ErrOutOfMemory     = platform.ErrOutOfMemory
	ErrNotFound        = platform.ErrNotFound
	ErrNotSupported    = platform.ErrNotSupported
)

// VirtioVendorID is the PCI vendor ID all virtio functions carry.
const VirtioVendorID = virtiopci.VendorID

// PageSize is the DMA allocation granule.
const PageSize = platform.PageSize

// NewAccessor wraps a port transport in a config-space accessor.
func NewAccessor(ports PortIO) *Accessor {
	return pcicfg.NewAccessor(ports)
}

// Enumerate lists the functions answering on the root bus.
func Enumerate(acc *Accessor) []DeviceHandle {
	return pcicfg.Enumerate(acc)
}

// Attach probes dev as a modern virtio-pci function and returns its mapped
// windows, notify multiplier, and a DMA manager over plat. Windows mapped
// before a failed attach stay mapped; the mapper's owner reclaims them.
func Attach(acc *Accessor, dev DeviceHandle, plat *Platform) (*Attachment, error) {
	return virtiopci.Attach(acc, dev, plat)
}

// NewCommonConfig types a mapped common-config window.
func NewCommonConfig(win Window) (*CommonConfig, error) {
	return virtiopci.NewCommonConfig(win)
}

// NewDMAManager returns a DMA manager over the supplied platform, for use
// without a device attach.
func NewDMAManager(plat *Platform) *Manager {
	return dma.NewManager(plat)
}

// HostedPlatform returns a self-contained platform backed by anonymous
// host memory, suitable for userspace integrations and tests.
func HostedPlatform() *Platform {
	return platform.Hosted()
}
