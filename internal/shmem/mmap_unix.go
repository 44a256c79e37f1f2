//go:build linux || darwin

package shmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Map creates a region backed by an anonymous shared mapping, the closest
// userland equivalent of a statically mapped uncacheable window.
func Map(size uint32, opts Options) (*Region, error) {
	size = AlignUp(size)
	if size == 0 {
		return nil, fmt.Errorf("region size must be > 0")
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d-byte shared region: %w", size, err)
	}

	r, err := NewRegion(mem, opts)
	if err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}
	r.release = unix.Munmap
	return r, nil
}
