package virtiopci

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/virtioprobe/internal/platform"
)

// Common configuration structure offsets.
const (
	commonDFSelect      = 0x00 // device feature select
	commonDF            = 0x04 // device features (RO)
	commonGFSelect      = 0x08 // driver feature select
	commonGF            = 0x0c // driver features
	commonMSIX          = 0x10 // MSI-X config vector
	commonNumQueues     = 0x12 // number of queues (RO)
	commonStatus        = 0x14 // device status
	commonCfgGeneration = 0x15 // config generation (RO)
	commonQSelect       = 0x16 // queue select
	commonQSize         = 0x18 // queue size
	commonQMSIX         = 0x1a // queue MSI-X vector
	commonQEnable       = 0x1c // queue enable
	commonQNotifyOff    = 0x1e // queue notify off (RO)
	commonQDescLo       = 0x20
	commonQDescHi       = 0x24
	commonQAvailLo      = 0x28
	commonQAvailHi      = 0x2c
	commonQUsedLo       = 0x30
	commonQUsedHi       = 0x34

	// CommonCfgSize is the size of the common configuration structure.
	CommonCfgSize = 0x38
)

// CommonConfig is a typed view over a mapped common-config window. All
// accesses are little-endian and word-sized; every store is followed by a
// store fence so the device observes them in program order. Fields that the
// device may change concurrently should be read under a ConfigGeneration
// check.
type CommonConfig struct {
	win platform.Window
}

// NewCommonConfig validates the window covers the full structure.
func NewCommonConfig(win platform.Window) (*CommonConfig, error) {
	if win.Len() < CommonCfgSize {
		return nil, fmt.Errorf("common config window %d bytes, need %d: %w",
			win.Len(), CommonCfgSize, platform.ErrInvalidArgument)
	}
	return &CommonConfig{win: win}, nil
}

func (c *CommonConfig) read16(off int) uint16 {
	return binary.LittleEndian.Uint16(c.win.Mem[off:])
}

func (c *CommonConfig) read32(off int) uint32 {
	return binary.LittleEndian.Uint32(c.win.Mem[off:])
}

func (c *CommonConfig) write16(off int, v uint16) {
	binary.LittleEndian.PutUint16(c.win.Mem[off:], v)
	platform.StoreFence()
}

func (c *CommonConfig) write32(off int, v uint32) {
	binary.LittleEndian.PutUint32(c.win.Mem[off:], v)
	platform.StoreFence()
}

func (c *CommonConfig) write64(lo, hi int, v uint64) {
	binary.LittleEndian.PutUint32(c.win.Mem[lo:], uint32(v))
	binary.LittleEndian.PutUint32(c.win.Mem[hi:], uint32(v>>32))
	platform.StoreFence()
}

// SelectDeviceFeatureWord picks which 32-bit device feature word
// DeviceFeatures reads.
func (c *CommonConfig) SelectDeviceFeatureWord(word uint32) {
	c.write32(commonDFSelect, word)
}

// DeviceFeatures returns the selected device feature word.
func (c *CommonConfig) DeviceFeatures() uint32 {
	return c.read32(commonDF)
}

// SelectDriverFeatureWord picks which feature word SetDriverFeatures writes.
func (c *CommonConfig) SelectDriverFeatureWord(word uint32) {
	c.write32(commonGFSelect, word)
}

// SetDriverFeatures writes the selected driver feature word.
func (c *CommonConfig) SetDriverFeatures(features uint32) {
	c.write32(commonGF, features)
}

// NumQueues returns the device's queue count.
func (c *CommonConfig) NumQueues() uint16 {
	return c.read16(commonNumQueues)
}

// DeviceStatus returns the device status register.
func (c *CommonConfig) DeviceStatus() uint8 {
	return c.win.Mem[commonStatus]
}

// SetDeviceStatus writes the device status register.
func (c *CommonConfig) SetDeviceStatus(status uint8) {
	c.win.Mem[commonStatus] = status
	platform.StoreFence()
}

// ConfigGeneration returns the generation counter. Read it before and after
// a multi-field read; a change means the read must be retried.
func (c *CommonConfig) ConfigGeneration() uint8 {
	return c.win.Mem[commonCfgGeneration]
}

// SelectQueue targets the per-queue register group at the given queue.
func (c *CommonConfig) SelectQueue(q uint16) {
	c.write16(commonQSelect, q)
}

// QueueSize returns the selected queue's size register.
func (c *CommonConfig) QueueSize() uint16 {
	return c.read16(commonQSize)
}

// SetQueueSize writes the selected queue's size register.
func (c *CommonConfig) SetQueueSize(size uint16) {
	c.write16(commonQSize, size)
}

// QueueEnable reports whether the selected queue is enabled.
func (c *CommonConfig) QueueEnable() bool {
	return c.read16(commonQEnable) != 0
}

// SetQueueEnable enables or disables the selected queue.
func (c *CommonConfig) SetQueueEnable(enable bool) {
	v := uint16(0)
	if enable {
		v = 1
	}
	c.write16(commonQEnable, v)
}

// QueueNotifyOff returns the selected queue's notify offset index, used
// with the notify-offset multiplier to locate its doorbell.
func (c *CommonConfig) QueueNotifyOff() uint16 {
	return c.read16(commonQNotifyOff)
}

// SetQueueDesc writes the selected queue's descriptor ring address.
func (c *CommonConfig) SetQueueDesc(phys uint64) {
	c.write64(commonQDescLo, commonQDescHi, phys)
}

// SetQueueAvail writes the selected queue's available ring address.
func (c *CommonConfig) SetQueueAvail(phys uint64) {
	c.write64(commonQAvailLo, commonQAvailHi, phys)
}

// SetQueueUsed writes the selected queue's used ring address.
func (c *CommonConfig) SetQueueUsed(phys uint64) {
	c.write64(commonQUsedLo, commonQUsedHi, phys)
}
