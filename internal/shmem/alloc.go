package shmem

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrNoSpace = errors.New("shared memory exhausted")
	ErrBadFree = errors.New("offset was not allocated")
)

type span struct {
	off, size uint32
}

// Allocator is a first-fit allocator over a sub-range of a Region. Only the
// core that owns the layout (the controller) allocates and frees, so the
// bookkeeping lives in core-local memory and never in the window itself.
type Allocator struct {
	mu        sync.Mutex
	start     uint32
	end       uint32
	free      []span            // sorted by offset, coalesced
	allocated map[uint32]uint32 // offset -> size
}

// NewAllocator manages [start, end) of a window. Both bounds are rounded to
// word boundaries inward.
func NewAllocator(start, end uint32) (*Allocator, error) {
	start = AlignUp(start)
	end &^= WordSize - 1
	if end <= start {
		return nil, fmt.Errorf("empty allocator range [%#x, %#x)", start, end)
	}
	return &Allocator{
		start:     start,
		end:       end,
		free:      []span{{off: start, size: end - start}},
		allocated: make(map[uint32]uint32),
	}, nil
}

// Alloc reserves n bytes (rounded up to a word) and returns their offset.
func (a *Allocator) Alloc(n uint32) (uint32, error) {
	if n == 0 {
		return 0, fmt.Errorf("zero-sized allocation")
	}
	n = AlignUp(n)

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, s := range a.free {
		if s.size < n {
			continue
		}
		off := s.off
		if s.size == n {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = span{off: s.off + n, size: s.size - n}
		}
		a.allocated[off] = n
		return off, nil
	}
	return 0, fmt.Errorf("allocating %d bytes: %w", n, ErrNoSpace)
}

// Free returns the block at off.
func (a *Allocator) Free(off uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	size, ok := a.allocated[off]
	if !ok {
		return fmt.Errorf("free %#x: %w", off, ErrBadFree)
	}
	delete(a.allocated, off)

	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].off > off })
	a.free = append(a.free, span{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = span{off: off, size: size}

	// merge with successor, then predecessor
	if i+1 < len(a.free) && a.free[i].off+a.free[i].size == a.free[i+1].off {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].off+a.free[i-1].size == a.free[i].off {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
	return nil
}

// SizeOf returns the size of the live block at off.
func (a *Allocator) SizeOf(off uint32) (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	size, ok := a.allocated[off]
	return size, ok
}

// Available returns the number of free bytes.
func (a *Allocator) Available() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint32
	for _, s := range a.free {
		total += s.size
	}
	return total
}

// Live returns the number of outstanding allocations.
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocated)
}
