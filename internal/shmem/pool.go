package shmem

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPoolEmpty is returned when every block is in use.
var ErrPoolEmpty = errors.New("buffer pool exhausted")

// Block is one DMA-able buffer: its host bus address and its bytes.
type Block struct {
	Addr Addr
	Mem  []byte
}

// Pool hands out fixed-size, word-aligned host buffers mapped on a Bus so the
// DMA engine can reach them.
type Pool struct {
	base      Addr
	blockSize uint32
	mem       []byte

	mu    sync.Mutex
	free  []uint32 // block indices
	inUse []bool
}

// NewPool allocates count blocks of blockSize bytes (rounded up to a word)
// and maps them on bus at base.
func NewPool(bus *Bus, base Addr, blockSize, count uint32) (*Pool, error) {
	if blockSize == 0 || count == 0 {
		return nil, fmt.Errorf("pool needs a non-zero block size and count")
	}
	if base%WordSize != 0 {
		return nil, fmt.Errorf("pool base: %w", ErrMisaligned)
	}
	blockSize = AlignUp(blockSize)

	p := &Pool{
		base:      base,
		blockSize: blockSize,
		mem:       alignedBytes(int(blockSize * count)),
		free:      make([]uint32, count),
		inUse:     make([]bool, count),
	}
	for i := range p.free {
		// hand out low blocks first
		p.free[i] = count - 1 - uint32(i)
	}
	if err := bus.Map(fmt.Sprintf("pool@%#x", uint32(base)), base, p.mem); err != nil {
		return nil, err
	}
	return p, nil
}

// BlockSize returns the usable size of every block.
func (p *Pool) BlockSize() uint32 { return p.blockSize }

// Get takes a zeroed block.
func (p *Pool) Get() (Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return Block{}, ErrPoolEmpty
	}
	i := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse[i] = true

	b := p.block(i)
	clear(b.Mem)
	return b, nil
}

// Put returns a block obtained from Get.
func (p *Pool) Put(b Block) error {
	if b.Addr < p.base || (b.Addr-p.base)%Addr(p.blockSize) != 0 {
		return fmt.Errorf("block %#08x does not belong to pool: %w", uint32(b.Addr), ErrBadFree)
	}
	i := uint32(b.Addr-p.base) / p.blockSize

	p.mu.Lock()
	defer p.mu.Unlock()
	if int(i) >= len(p.inUse) || !p.inUse[i] {
		return fmt.Errorf("block %#08x: %w", uint32(b.Addr), ErrBadFree)
	}
	p.inUse[i] = false
	p.free = append(p.free, i)
	return nil
}

// Free returns the number of available blocks.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *Pool) block(i uint32) Block {
	off := i * p.blockSize
	return Block{
		Addr: p.base + Addr(off),
		Mem:  p.mem[off : off+p.blockSize : off+p.blockSize],
	}
}
