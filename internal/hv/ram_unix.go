//go:build unix

package hv

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// NewRAM maps size bytes of anonymous, page aligned memory as guest RAM at
// base.
func NewRAM(base, size uint64) (*RAM, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size == 0 || size > maxInt {
		return nil, fmt.Errorf("allocate guest RAM: invalid size %#x", size)
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("allocate guest RAM: %w", err)
	}

	return &RAM{base: base, mem: mem, unmap: unix.Munmap}, nil
}
