package shmem

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Addr is a 32-bit bus address in either the controller or the host address
// space. NilAddr marks an empty link.
type Addr uint32

const NilAddr Addr = 0

// WordSize is the access granularity shared by both cores.
const WordSize = 4

var (
	ErrOutOfRange = errors.New("address out of range")
	ErrMisaligned = errors.New("misaligned address")
)

// Barrier is the cache/ordering capability injected at the queue and DMA
// boundaries.
type Barrier interface {
	// Fence orders every prior access before every later one.
	Fence()
	// Flush writes back [off, off+n) so the other core can observe it.
	Flush(off, n uint32)
	// Invalidate drops stale copies of [off, off+n) before reading it.
	Invalidate(off, n uint32)
}

// Coherent is the Barrier of a cache-coherent target: every hook is a no-op.
// Ordering is carried by the atomic index accesses themselves.
type Coherent struct{}

func (Coherent) Fence()                   {}
func (Coherent) Flush(off, n uint32)      {}
func (Coherent) Invalidate(off, n uint32) {}

// Options configures a Region.
type Options struct {
	CtrlBase Addr    // base of the window in the controller address space
	HostBase Addr    // base of the window in the host address space
	Barrier  Barrier // nil means Coherent
}

// Region is a shared memory window. The Go value itself is core-local; only
// the bytes it points at are shared.
type Region struct {
	mem      []byte
	ctrlBase Addr
	hostBase Addr
	barrier  Barrier
	release  func([]byte) error
}

// NewRegion wraps mem, which must be non-empty, word aligned and a multiple
// of WordSize long.
func NewRegion(mem []byte, opts Options) (*Region, error) {
	if len(mem) == 0 || len(mem)%WordSize != 0 {
		return nil, fmt.Errorf("region size %d must be a non-zero multiple of %d", len(mem), WordSize)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%WordSize != 0 {
		return nil, fmt.Errorf("region memory: %w", ErrMisaligned)
	}
	if opts.CtrlBase%WordSize != 0 || opts.HostBase%WordSize != 0 {
		return nil, fmt.Errorf("region base: %w", ErrMisaligned)
	}
	if uint64(opts.CtrlBase)+uint64(len(mem)) > 1<<32 || uint64(opts.HostBase)+uint64(len(mem)) > 1<<32 {
		return nil, fmt.Errorf("region [%#x, +%d) exceeds 32-bit bus: %w", opts.CtrlBase, len(mem), ErrOutOfRange)
	}
	if opts.Barrier == nil {
		opts.Barrier = Coherent{}
	}
	return &Region{
		mem:      mem,
		ctrlBase: opts.CtrlBase,
		hostBase: opts.HostBase,
		barrier:  opts.Barrier,
	}, nil
}

// Size returns the window size in bytes.
func (r *Region) Size() uint32 { return uint32(len(r.mem)) }

// Barrier returns the cache/ordering capability of the window.
func (r *Region) Barrier() Barrier { return r.barrier }

// CtrlBase returns the controller-space base address.
func (r *Region) CtrlBase() Addr { return r.ctrlBase }

// HostBase returns the host-space base address.
func (r *Region) HostBase() Addr { return r.hostBase }

// Contains reports whether [off, off+n) lies inside the window.
func (r *Region) Contains(off, n uint32) bool {
	return uint64(off)+uint64(n) <= uint64(len(r.mem))
}

// Bytes returns a view of [off, off+n). It panics when the range is outside
// the window. Callers bounds-check anything derived from peer data with
// Contains first.
func (r *Region) Bytes(off, n uint32) []byte {
	if !r.Contains(off, n) {
		panic(fmt.Sprintf("shmem: bytes [%#x, +%d) outside %d-byte region", off, n, len(r.mem)))
	}
	return r.mem[off : off+n : off+n]
}

// Zero clears [off, off+n). Word-aligned ranges are cleared with word
// stores, so a peer polling a word inside the range never sees a torn value.
func (r *Region) Zero(off, n uint32) {
	b := r.Bytes(off, n)
	if off%WordSize != 0 || n%WordSize != 0 {
		clear(b)
		return
	}
	for o := off; o < off+n; o += WordSize {
		r.Store32(o, 0)
	}
}

func (r *Region) word(off uint32) *uint32 {
	if off%WordSize != 0 || !r.Contains(off, WordSize) {
		panic(fmt.Sprintf("shmem: word access at %#x in %d-byte region", off, len(r.mem)))
	}
	return (*uint32)(unsafe.Pointer(&r.mem[off]))
}

// Load32 performs a single aligned 32-bit read.
func (r *Region) Load32(off uint32) uint32 {
	return atomic.LoadUint32(r.word(off))
}

// Store32 performs a single aligned 32-bit write.
func (r *Region) Store32(off uint32, v uint32) {
	atomic.StoreUint32(r.word(off), v)
}

// LoadAddr reads a controller-space pointer stored at off.
func (r *Region) LoadAddr(off uint32) Addr { return Addr(r.Load32(off)) }

// StoreAddr writes a controller-space pointer at off.
func (r *Region) StoreAddr(off uint32, a Addr) { r.Store32(off, uint32(a)) }

// CtrlAddr converts a window offset to a controller-space address.
func (r *Region) CtrlAddr(off uint32) Addr { return r.ctrlBase + Addr(off) }

// HostAddr converts a window offset to a host-space address.
func (r *Region) HostAddr(off uint32) Addr { return r.hostBase + Addr(off) }

// Offset converts a controller-space address read from the window back to an
// offset.
func (r *Region) Offset(a Addr) (uint32, error) {
	return r.offsetIn(a, r.ctrlBase)
}

// HostOffset converts a host-space address to an offset.
func (r *Region) HostOffset(a Addr) (uint32, error) {
	return r.offsetIn(a, r.hostBase)
}

func (r *Region) offsetIn(a, base Addr) (uint32, error) {
	if a < base || uint64(a-base) >= uint64(len(r.mem)) {
		return 0, fmt.Errorf("%#08x: %w", uint32(a), ErrOutOfRange)
	}
	return uint32(a - base), nil
}

// ToHost translates a controller-space address into the host address space.
func (r *Region) ToHost(a Addr) (Addr, error) {
	off, err := r.Offset(a)
	if err != nil {
		return NilAddr, err
	}
	return r.HostAddr(off), nil
}

// Close releases the backing memory when the region owns it.
func (r *Region) Close() error {
	if r.release == nil {
		return nil
	}
	release := r.release
	r.release = nil
	return release(r.mem)
}

// AlignUp rounds n up to the next multiple of WordSize.
func AlignUp(n uint32) uint32 {
	return (n + WordSize - 1) &^ (WordSize - 1)
}

// alignedBytes returns n word-aligned heap bytes.
func alignedBytes(n int) []byte {
	words := make([]uint32, (n+WordSize-1)/WordSize)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}
