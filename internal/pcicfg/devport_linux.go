//go:build linux && amd64

package pcicfg

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DevPort is a PortIO over /dev/port, for userspace use with CAP_SYS_RAWIO.
// The legacy configuration mechanism only exists on x86-family hosts, so
// this file does not build elsewhere.
type DevPort struct {
	fd int
}

// OpenDevPort opens the host port device.
func OpenDevPort() (*DevPort, error) {
	fd, err := unix.Open("/dev/port", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/port: %w", err)
	}
	return &DevPort{fd: fd}, nil
}

// ReadPort implements PortIO.
func (p *DevPort) ReadPort(port uint16, data []byte) error {
	n, err := unix.Pread(p.fd, data, int64(port))
	if err != nil {
		return fmt.Errorf("read port %#04x: %w", port, err)
	}
	if n != len(data) {
		return fmt.Errorf("read port %#04x: short read (%d of %d)", port, n, len(data))
	}
	return nil
}

// WritePort implements PortIO.
func (p *DevPort) WritePort(port uint16, data []byte) error {
	n, err := unix.Pwrite(p.fd, data, int64(port))
	if err != nil {
		return fmt.Errorf("write port %#04x: %w", port, err)
	}
	if n != len(data) {
		return fmt.Errorf("write port %#04x: short write (%d of %d)", port, n, len(data))
	}
	return nil
}

// Close releases the port device.
func (p *DevPort) Close() error {
	return unix.Close(p.fd)
}

var _ PortIO = (*DevPort)(nil)
