package virtiopci

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/virtioprobe/internal/dma"
	"github.com/tinyrange/virtioprobe/internal/pcicfg"
	"github.com/tinyrange/virtioprobe/internal/platform"
)

// Attachment is the result of a successful scan: the three required MMIO
// windows, the notify-offset multiplier for doorbell arithmetic, the
// offsets of the recognized-but-unmapped capabilities, and a DMA manager
// bound to the same platform.
//
// On a failed scan no Attachment is returned, and any windows mapped before
// the failure stay mapped; releasing them is the mapper owner's concern.
type Attachment struct {
	Common platform.Window
	Notify platform.Window
	Device platform.Window

	NotifyOffMultiplier uint32

	// ISRCapOffset and PCICfgCapOffset record where the optional
	// capabilities live, for layers that subscribe to them. Zero when the
	// device does not present them.
	ISRCapOffset    uint8
	PCICfgCapOffset uint8

	DMA *dma.Manager
}

// DoorbellOffset returns the offset of a queue's doorbell within the notify
// window, given the queue's queue_notify_off register value.
func (at *Attachment) DoorbellOffset(queueNotifyOff uint16) uint64 {
	return uint64(queueNotifyOff) * uint64(at.NotifyOffMultiplier)
}

// readCapability decodes the virtio vendor capability at offset. For notify
// capabilities the record carries the extra multiplier dword.
func readCapability(acc *pcicfg.Accessor, dev pcicfg.DeviceHandle, offset uint8) Capability {
	var raw [notifyCapLen]byte
	acc.ReadBytes(dev, uint16(offset), raw[:capLen])
	rec := Capability{
		Offset: offset,
		Next:   raw[1],
		Type:   raw[3],
		BAR:    raw[4],
		BAROff: binary.LittleEndian.Uint32(raw[8:12]),
		Length: binary.LittleEndian.Uint32(raw[12:16]),
	}
	if rec.Type == CapNotifyCfg {
		acc.ReadBytes(dev, uint16(offset)+capLen, raw[capLen:])
		rec.NotifyOffMultiplier = binary.LittleEndian.Uint32(raw[capLen:])
	}
	return rec
}

// mapCapWindow maps the window a capability record points at. A record
// whose BAR is empty or decodes as an I/O-port BAR yields an invalid window
// and no error; the caller skips it.
func mapCapWindow(acc *pcicfg.Accessor, dev pcicfg.DeviceHandle, plat *platform.Platform, rec Capability) (platform.Window, error) {
	barBase := acc.BARPhys(dev, int(rec.BAR))
	if barBase == 0 || rec.Length == 0 {
		return platform.Window{}, nil
	}
	return plat.MapWindow(barBase+uint64(rec.BAROff), uint64(rec.Length))
}

// Scan walks the capability chain of a virtio function and maps the three
// required windows. Capabilities may appear in any order; the first record
// of each type wins. Records pointing at I/O-port BARs are skipped. The
// walk visits at most 256 records, so a self-referential chain terminates
// with ErrNotFound instead of looping.
func Scan(acc *pcicfg.Accessor, dev pcicfg.DeviceHandle, plat *platform.Platform) (*Attachment, error) {
	at := &Attachment{}
	haveNotify := false

	offset := acc.CapFirst(dev)
	for step := 0; offset != 0 && step < maxCapSteps; step++ {
		if acc.ReadByte(dev, uint16(offset)) != vendorCapID {
			offset = acc.CapNext(dev, offset)
			continue
		}
		rec := readCapability(acc, dev, offset)
		offset = rec.Next

		switch rec.Type {
		case CapCommonCfg:
			if at.Common.Valid() {
				continue
			}
			win, err := mapCapWindow(acc, dev, plat, rec)
			if err != nil {
				return nil, fmt.Errorf("virtio-pci %s: map common config: %w", dev, err)
			}
			if win.Valid() {
				at.Common = win
			}
		case CapNotifyCfg:
			if haveNotify {
				continue
			}
			win, err := mapCapWindow(acc, dev, plat, rec)
			if err != nil {
				return nil, fmt.Errorf("virtio-pci %s: map notify config: %w", dev, err)
			}
			if win.Valid() {
				at.Notify = win
				at.NotifyOffMultiplier = rec.NotifyOffMultiplier
				haveNotify = true
			}
		case CapDeviceCfg:
			if at.Device.Valid() {
				continue
			}
			win, err := mapCapWindow(acc, dev, plat, rec)
			if err != nil {
				return nil, fmt.Errorf("virtio-pci %s: map device config: %w", dev, err)
			}
			if win.Valid() {
				at.Device = win
			}
		case CapISRCfg:
			if at.ISRCapOffset == 0 {
				at.ISRCapOffset = rec.Offset
			}
		case CapPCICfg:
			if at.PCICfgCapOffset == 0 {
				at.PCICfgCapOffset = rec.Offset
			}
		}
	}

	if !at.Common.Valid() || !haveNotify || !at.Device.Valid() {
		return nil, fmt.Errorf("virtio-pci %s: incomplete modern capability set: %w",
			dev, platform.ErrNotFound)
	}
	return at, nil
}

// Attach verifies the handle is a virtio function, scans it, and binds a
// DMA manager over the same platform. This is the whole device-attach
// sequence a virtio driver runs before building its queues.
func Attach(acc *pcicfg.Accessor, dev pcicfg.DeviceHandle, plat *platform.Platform) (*Attachment, error) {
	if acc == nil || plat == nil {
		return nil, fmt.Errorf("virtio-pci attach: %w", platform.ErrInvalidArgument)
	}
	if dev.Vendor != VendorID {
		return nil, fmt.Errorf("virtio-pci %s: vendor %#04x is not virtio: %w",
			dev, dev.Vendor, platform.ErrNotSupported)
	}
	at, err := Scan(acc, dev, plat)
	if err != nil {
		return nil, err
	}
	at.DMA = dma.NewManager(plat)
	return at, nil
}
