package isooshm

import (
	"fmt"

	"github.com/srg/isoshm/internal/shmem"
)

// gcList walks the intrusive pending/released lists. Links are stored as
// controller-space addresses; NilAddr ends a list. Every method expects the
// caller to hold the GC spinlock.
type gcList struct {
	region *shmem.Region
	off    uint32
}

func (l gcList) head(which uint32) uint32 { return l.off + which }

// push links item in front of the list.
func (l gcList) push(which, item uint32) {
	r := l.region
	r.StoreAddr(item+offItemNext, r.LoadAddr(l.head(which)))
	r.Barrier().Flush(item+offItemNext, shmem.WordSize)
	r.StoreAddr(l.head(which), r.CtrlAddr(item))
	r.Barrier().Flush(l.head(which), shmem.WordSize)
}

// unlink removes every item for which match returns true and returns them in
// list order. A link outside the region, or a list longer than the region
// could hold, is reported as corruption and stops the walk with the list
// left as it was at that point.
func (l gcList) unlink(which uint32, match func(item uint32) bool) ([]uint32, error) {
	r := l.region
	var out []uint32

	prev := l.head(which)
	limit := r.Size() / GCItemSize
	for steps := uint32(0); ; steps++ {
		r.Barrier().Invalidate(prev, shmem.WordSize)
		next := r.LoadAddr(prev)
		if next == shmem.NilAddr {
			return out, nil
		}
		if steps > limit {
			return out, fmt.Errorf("gc list loops: %w", ErrCorrupt)
		}
		item, err := r.Offset(next)
		if err != nil || item%shmem.WordSize != 0 || !r.Contains(item, GCItemSize) {
			return out, fmt.Errorf("gc link %#08x: %w", uint32(next), ErrCorrupt)
		}
		r.Barrier().Invalidate(item, GCItemSize)
		if !match(item) {
			prev = item + offItemNext
			continue
		}
		r.StoreAddr(prev, r.LoadAddr(item+offItemNext))
		r.Barrier().Flush(prev, shmem.WordSize)
		r.StoreAddr(item+offItemNext, shmem.NilAddr)
		out = append(out, item)
	}
}

// count returns the list length.
func (l gcList) count(which uint32) (int, error) {
	n := 0
	_, err := l.unlink(which, func(uint32) bool { n++; return false })
	return n, err
}
