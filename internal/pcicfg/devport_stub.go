//go:build !(linux && amd64)

package pcicfg

import (
	"fmt"

	"github.com/tinyrange/virtioprobe/internal/platform"
)

// DevPort is unavailable off linux/amd64; the legacy configuration
// mechanism is an x86 construct.
type DevPort struct{}

// OpenDevPort reports ErrNotSupported on hosts without legacy port access.
func OpenDevPort() (*DevPort, error) {
	return nil, fmt.Errorf("port config access: %w", platform.ErrNotSupported)
}

// ReadPort implements PortIO.
func (p *DevPort) ReadPort(port uint16, data []byte) error {
	return fmt.Errorf("read port %#04x: %w", port, platform.ErrNotSupported)
}

// WritePort implements PortIO.
func (p *DevPort) WritePort(port uint16, data []byte) error {
	return fmt.Errorf("write port %#04x: %w", port, platform.ErrNotSupported)
}

// Close implements io.Closer.
func (p *DevPort) Close() error { return nil }

var _ PortIO = (*DevPort)(nil)
