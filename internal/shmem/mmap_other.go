//go:build !linux && !darwin

package shmem

import "fmt"

// Map creates a heap-backed region on targets without anonymous shared
// mappings.
func Map(size uint32, opts Options) (*Region, error) {
	size = AlignUp(size)
	if size == 0 {
		return nil, fmt.Errorf("region size must be > 0")
	}
	return NewRegion(alignedBytes(int(size)), opts)
}
