// Package ipcqueue implements the lock-free single-producer/single-consumer
// ring used across the shared memory boundary.
//
// The queue lives entirely inside a shmem.Region:
//
//	0x00 item_size  (u32)
//	0x04 item_count (u32)
//	0x08 read_ind   (u32, written by the consumer only)
//	0x0C write_ind  (u32, written by the producer only)
//	0x10 item_count * item_size bytes of inline storage
//
// Indices run modulo 2*item_count, so empty (read == write) and full
// (write == read + item_count) are told apart with two indices and no shared
// counter. Each index has exactly one writer; that is the whole correctness
// argument, and no code path may write the other side's index.
package ipcqueue

import (
	"fmt"
	"math"

	"github.com/srg/isoshm/internal/shmem"
)

const (
	// HeaderSize is the size of the in-memory queue header.
	HeaderSize = 16

	// MaxItemCount keeps 2*item_count within a signed 16-bit index, as the
	// peer firmware stores them.
	MaxItemCount = 32767
)

const (
	offItemSize  = 0x00
	offItemCount = 0x04
	offReadInd   = 0x08
	offWriteInd  = 0x0C
)

// Queue is a core-local handle on a queue that lives in a shared region.
// Geometry is cached at Init/Open time; indices are always re-read from the
// window.
type Queue struct {
	region    *shmem.Region
	off       uint32
	itemSize  uint32
	itemCount uint32
}

// Footprint returns the bytes a queue of the given geometry occupies. It is
// only meaningful for geometry that passed Init or Open; anything larger
// wraps.
func Footprint(itemSize, itemCount uint32) uint32 {
	return HeaderSize + itemSize*itemCount
}

func validate(itemSize, itemCount uint32) error {
	if itemSize == 0 {
		return fmt.Errorf("item size must be > 0: %w", ErrSize)
	}
	if itemCount == 0 || itemCount > MaxItemCount {
		return fmt.Errorf("item count %d outside [1, %d]: %w", itemCount, MaxItemCount, ErrSize)
	}
	if HeaderSize+uint64(itemSize)*uint64(itemCount) > math.MaxUint32 {
		return fmt.Errorf("%d items of %d bytes overflow the address space: %w", itemCount, itemSize, ErrSize)
	}
	return nil
}

// Init lays out an empty queue at off. It is called once, by the allocating
// side, before the queue is published to the peer.
func Init(r *shmem.Region, off, itemSize, itemCount uint32) (*Queue, error) {
	if err := validate(itemSize, itemCount); err != nil {
		return nil, err
	}
	if off%shmem.WordSize != 0 || !r.Contains(off, Footprint(itemSize, itemCount)) {
		return nil, fmt.Errorf("queue at %#x (%d bytes) does not fit the region: %w", off, Footprint(itemSize, itemCount), ErrSize)
	}

	r.Store32(off+offItemSize, itemSize)
	r.Store32(off+offItemCount, itemCount)
	r.Store32(off+offReadInd, 0)
	r.Store32(off+offWriteInd, 0)
	r.Barrier().Flush(off, HeaderSize)

	return &Queue{region: r, off: off, itemSize: itemSize, itemCount: itemCount}, nil
}

// Open attaches to a queue initialised by the peer.
func Open(r *shmem.Region, off uint32) (*Queue, error) {
	if off%shmem.WordSize != 0 || !r.Contains(off, HeaderSize) {
		return nil, fmt.Errorf("queue header at %#x outside region: %w", off, ErrSize)
	}
	r.Barrier().Invalidate(off, HeaderSize)

	itemSize := r.Load32(off + offItemSize)
	itemCount := r.Load32(off + offItemCount)
	if err := validate(itemSize, itemCount); err != nil {
		return nil, fmt.Errorf("corrupt queue header at %#x: %w", off, err)
	}
	if !r.Contains(off, Footprint(itemSize, itemCount)) {
		return nil, fmt.Errorf("queue at %#x overruns the region: %w", off, ErrSize)
	}
	return &Queue{region: r, off: off, itemSize: itemSize, itemCount: itemCount}, nil
}

// Offset returns the header offset of the queue in its region.
func (q *Queue) Offset() uint32 { return q.off }

// ItemSize returns the size of one slot.
func (q *Queue) ItemSize() uint32 { return q.itemSize }

// ItemCount returns the number of slots.
func (q *Queue) ItemCount() uint32 { return q.itemCount }

func (q *Queue) readInd() uint32  { return q.region.Load32(q.off + offReadInd) }
func (q *Queue) writeInd() uint32 { return q.region.Load32(q.off + offWriteInd) }

func (q *Queue) next(ind uint32) uint32 {
	ind++
	if ind == 2*q.itemCount {
		return 0
	}
	return ind
}

func (q *Queue) slot(ind uint32) uint32 {
	if ind >= q.itemCount {
		ind -= q.itemCount
	}
	return q.off + HeaderSize + ind*q.itemSize
}

func (q *Queue) full(r, w uint32) bool {
	return w == (r+q.itemCount)%(2*q.itemCount)
}

// IsEmpty reports whether there is nothing to read.
func (q *Queue) IsEmpty() bool {
	return q.readInd() == q.writeInd()
}

// IsFull reports whether there is no slot to write.
func (q *Queue) IsFull() bool {
	return q.full(q.readInd(), q.writeInd())
}

// Len returns the number of committed, unread items. It is a snapshot: the
// peer may move its index right after.
func (q *Queue) Len() uint32 {
	r, w := q.readInd(), q.writeInd()
	return (w + 2*q.itemCount - r) % (2 * q.itemCount)
}

// Item returns the bytes of the slot at off, as returned by Alloc or Peek.
func (q *Queue) Item(off uint32) []byte {
	return q.region.Bytes(off, q.itemSize)
}

// Alloc returns the offset of the next slot to fill without publishing it.
// Producer side.
func (q *Queue) Alloc() (uint32, error) {
	w := q.writeInd()
	if q.full(q.readInd(), w) {
		return 0, ErrFull
	}
	return q.slot(w), nil
}

// Commit publishes the slot returned by Alloc. Calling it on a full queue is
// a caller bug and corrupts the queue. Producer side.
func (q *Queue) Commit() {
	w := q.writeInd()
	b := q.region.Barrier()
	b.Flush(q.slot(w), q.itemSize)
	b.Fence()
	q.region.Store32(q.off+offWriteInd, q.next(w))
	b.Flush(q.off+offWriteInd, shmem.WordSize)
}

// Write copies data into the next slot and commits it. Data shorter than the
// slot leaves the tail of the slot untouched; longer data is rejected.
func (q *Queue) Write(data []byte) error {
	if uint32(len(data)) > q.itemSize {
		return fmt.Errorf("%d bytes into %d-byte item: %w", len(data), q.itemSize, ErrSize)
	}
	off, err := q.Alloc()
	if err != nil {
		return err
	}
	copy(q.Item(off), data)
	q.Commit()
	return nil
}

// Peek returns the offset of the oldest unread slot. Consumer side.
func (q *Queue) Peek() (uint32, error) {
	r := q.readInd()
	if r == q.writeInd() {
		return 0, ErrEmpty
	}
	b := q.region.Barrier()
	b.Fence()
	off := q.slot(r)
	b.Invalidate(off, q.itemSize)
	return off, nil
}

// Pop releases the slot returned by Peek. Consumer side.
func (q *Queue) Pop() {
	r := q.readInd()
	q.region.Barrier().Fence()
	q.region.Store32(q.off+offReadInd, q.next(r))
	q.region.Barrier().Flush(q.off+offReadInd, shmem.WordSize)
}

// Read copies the oldest item into dst and pops it. dst may be shorter than
// the item; the remainder is dropped.
func (q *Queue) Read(dst []byte) error {
	off, err := q.Peek()
	if err != nil {
		return err
	}
	copy(dst, q.Item(off))
	q.Pop()
	return nil
}

// Flush discards every pending item by moving read_ind onto write_ind.
// Consumer side.
func (q *Queue) Flush() {
	q.region.Store32(q.off+offReadInd, q.writeInd())
	q.region.Barrier().Flush(q.off+offReadInd, shmem.WordSize)
}
