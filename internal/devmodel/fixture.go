package devmodel

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Fixture is a declarative bus description. Fixtures drive the package
// tests and the virtioscan CLI; malformed devices (capability cycles,
// missing windows, I/O BARs) are expressible on purpose.
type Fixture struct {
	MMIOBase uint64          `yaml:"mmio_base"`
	MMIOSize uint64          `yaml:"mmio_size"`
	Devices  []DeviceFixture `yaml:"devices"`
}

// DeviceFixture describes one endpoint.
type DeviceFixture struct {
	Bus  uint8 `yaml:"bus"`
	Slot uint8 `yaml:"slot"`
	Fn   uint8 `yaml:"fn"`

	Vendor          uint16 `yaml:"vendor"`
	Device          uint16 `yaml:"device"`
	SubsystemVendor uint16 `yaml:"subsystem_vendor"`
	SubsystemDevice uint16 `yaml:"subsystem_device"`
	Class           uint32 `yaml:"class"`

	BARs []BARFixture `yaml:"bars"`
	Caps []CapFixture `yaml:"caps"`
}

// BARFixture pins one BAR. Omitting the value lets the bus allocate a
// window from its aperture.
type BARFixture struct {
	Index int     `yaml:"index"`
	Value *uint64 `yaml:"value"`
	Size  uint64  `yaml:"size"`
	Is64  bool    `yaml:"is64"`
	IO    bool    `yaml:"io"`
}

// CapFixture describes one capability record. Type names the virtio config
// type; a non-virtio record sets id instead. Next overrides the automatic
// chain link, which is how fixtures build cycles.
type CapFixture struct {
	Offset uint8  `yaml:"offset"`
	Next   *uint8 `yaml:"next"`
	ID     *uint8 `yaml:"id"`

	Type       string `yaml:"type"`
	BAR        uint8  `yaml:"bar"`
	BAROffset  uint32 `yaml:"bar_offset"`
	Length     uint32 `yaml:"length"`
	Multiplier uint32 `yaml:"multiplier"`
}

var capTypeNames = map[string]uint8{
	"common": 1,
	"notify": 2,
	"isr":    3,
	"device": 4,
	"pci":    5,
}

// ParseFixture decodes a YAML fixture.
func ParseFixture(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	return &f, nil
}

// LoadFixture reads and decodes a fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load fixture: %w", err)
	}
	return ParseFixture(data)
}

// Build assembles the bus and its endpoints.
func (f *Fixture) Build() (*Bus, error) {
	base := f.MMIOBase
	if base == 0 {
		base = 0xfeb0_0000
	}
	size := f.MMIOSize
	if size == 0 {
		size = 1 << 20
	}
	bus := NewBus(base, size)

	for i := range f.Devices {
		df := &f.Devices[i]
		ep := NewEndpoint(df.Vendor, df.Device)
		ep.SubsystemVendorID = df.SubsystemVendor
		ep.SubsystemDeviceID = df.SubsystemDevice
		ep.ClassCode = df.Class

		for _, bf := range df.BARs {
			if err := buildBAR(bus, ep, bf); err != nil {
				return nil, fmt.Errorf("device %02x:%02x.%x: %w", df.Bus, df.Slot, df.Fn, err)
			}
		}
		buildCaps(ep, df.Caps)

		if err := bus.AddEndpoint(df.Bus, df.Slot, df.Fn, ep); err != nil {
			return nil, err
		}
		slog.Debug("fixture endpoint registered",
			"addr", fmt.Sprintf("%02x:%02x.%x", df.Bus, df.Slot, df.Fn),
			"vendor", fmt.Sprintf("%#04x", df.Vendor),
			"device", fmt.Sprintf("%#04x", df.Device),
			"bars", len(df.BARs), "caps", len(df.Caps))
	}
	return bus, nil
}

func buildBAR(bus *Bus, ep *Endpoint, bf BARFixture) error {
	if bf.IO {
		value := uint32(0)
		if bf.Value != nil {
			value = uint32(*bf.Value)
		}
		return ep.SetIOBAR(bf.Index, value)
	}
	size := bf.Size
	if size == 0 {
		size = 0x1000
	}
	var base uint64
	if bf.Value != nil {
		base = *bf.Value
	} else {
		allocated, err := bus.AllocateWindow(size, 0x1000)
		if err != nil {
			return err
		}
		base = allocated
	}
	if bf.Is64 {
		return ep.SetMemoryBAR64(bf.Index, base, size)
	}
	return ep.SetMemoryBAR(bf.Index, base, size)
}

func buildCaps(ep *Endpoint, caps []CapFixture) {
	for i, cf := range caps {
		next := uint8(0)
		if i+1 < len(caps) {
			next = caps[i+1].Offset
		}
		if cf.Next != nil {
			next = *cf.Next
		}
		if cf.ID != nil && *cf.ID != vendorCapID {
			// Non-virtio capability: a bare two-byte header.
			ep.AddCapability(cf.Offset, []byte{*cf.ID, next})
			continue
		}
		ep.AddVirtioCapability(cf.Offset, next, capTypeNames[cf.Type],
			cf.BAR, cf.BAROffset, cf.Length, cf.Multiplier)
	}
}
