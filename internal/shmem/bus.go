package shmem

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrBusFault is returned when an access hits no mapped window.
var ErrBusFault = errors.New("bus fault")

type window struct {
	name string
	base Addr
	mem  []byte
}

func (w window) end() uint64 { return uint64(w.base) + uint64(len(w.mem)) }

// Bus is the host-side physical address map seen by the DMA engine.
type Bus struct {
	mu      sync.RWMutex
	windows []window // sorted by base
}

// NewBus returns an empty address map.
func NewBus() *Bus {
	return &Bus{}
}

// Map makes mem visible at [base, base+len(mem)).
func (b *Bus) Map(name string, base Addr, mem []byte) error {
	if len(mem) == 0 {
		return fmt.Errorf("window %q is empty", name)
	}
	w := window{name: name, base: base, mem: mem}
	if w.end() > 1<<32 {
		return fmt.Errorf("window %q [%#x, +%d) exceeds 32-bit bus: %w", name, base, len(mem), ErrOutOfRange)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range b.windows {
		if uint64(w.base) < o.end() && uint64(o.base) < w.end() {
			return fmt.Errorf("window %q overlaps %q", name, o.name)
		}
	}
	b.windows = append(b.windows, w)
	sort.Slice(b.windows, func(i, j int) bool { return b.windows[i].base < b.windows[j].base })
	return nil
}

// MapRegion maps a shared region at its host base.
func (b *Bus) MapRegion(name string, r *Region) error {
	return b.Map(name, r.HostBase(), r.mem)
}

// Slice resolves [a, a+n) to the backing bytes. A range straddling two
// windows is a fault even when both are mapped.
func (b *Bus) Slice(a Addr, n uint32) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	i := sort.Search(len(b.windows), func(i int) bool { return uint64(b.windows[i].base) > uint64(a) }) - 1
	if i < 0 {
		return nil, fmt.Errorf("%#08x+%d: %w", uint32(a), n, ErrBusFault)
	}
	w := b.windows[i]
	if uint64(a)+uint64(n) > w.end() {
		return nil, fmt.Errorf("%#08x+%d beyond window %q: %w", uint32(a), n, w.name, ErrBusFault)
	}
	off := a - w.base
	return w.mem[off : uint32(off)+n : uint32(off)+n], nil
}
