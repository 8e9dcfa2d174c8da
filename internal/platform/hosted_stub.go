//go:build !unix

package platform

import "fmt"

// Hosted needs anonymous memory mappings; on platforms without them every
// operation reports ErrNotSupported.
func Hosted() *Platform {
	return &Platform{
		AllocContig: func(size, align uint64) (uint64, error) {
			return 0, fmt.Errorf("hosted platform: %w", ErrNotSupported)
		},
		FreeContig: func(phys, size uint64) {},
		IOMap: func(phys, length uint64) ([]byte, error) {
			return nil, fmt.Errorf("hosted platform: %w", ErrNotSupported)
		},
		VirtToPhys: func(buf []byte) (uint64, error) {
			return 0, fmt.Errorf("hosted platform: %w", ErrNotSupported)
		},
	}
}
