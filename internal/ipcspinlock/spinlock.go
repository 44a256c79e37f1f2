// Package ipcspinlock implements Peterson's two-party mutual exclusion over a
// shared region, for peers that share memory but no atomic read-modify-write
// instruction.
//
// Layout (12 bytes, word aligned):
//
//	0x00 flag[0]
//	0x04 flag[1]
//	0x08 turn
//
// Each participant only ever writes its own flag; both write turn. Every
// access is a single aligned 32-bit load or store. Stores are flushed and
// loads in the wait loop are invalidated through the region's Barrier, and
// a fence separates the two flag/turn stores from the first poll.
package ipcspinlock

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/srg/isoshm/internal/shmem"
)

// Size is the number of bytes a lock occupies in the region.
const Size = 12

const (
	offFlag0 = 0x00
	offFlag1 = 0x04
	offTurn  = 0x08
)

// Participant identifies one of the two fixed parties.
type Participant uint32

const (
	P0 Participant = 0
	P1 Participant = 1
)

// ErrParticipant is returned for an id other than P0 or P1.
var ErrParticipant = errors.New("spinlock: participant must be 0 or 1")

// Lock is a core-local handle on a lock in a shared region.
type Lock struct {
	region *shmem.Region
	off    uint32
}

// Init clears the lock at off. It must run before either party uses it.
func Init(r *shmem.Region, off uint32) (*Lock, error) {
	l, err := Open(r, off)
	if err != nil {
		return nil, err
	}
	r.Store32(off+offFlag0, 0)
	r.Store32(off+offFlag1, 0)
	r.Store32(off+offTurn, 0)
	r.Barrier().Flush(off, Size)
	return l, nil
}

// Open attaches to a lock initialised by the peer.
func Open(r *shmem.Region, off uint32) (*Lock, error) {
	if off%shmem.WordSize != 0 || !r.Contains(off, Size) {
		return nil, fmt.Errorf("spinlock at %#x: %w", off, shmem.ErrOutOfRange)
	}
	return &Lock{region: r, off: off}, nil
}

func flagOff(p Participant) uint32 {
	return offFlag0 + uint32(p)*shmem.WordSize
}

// Lock busy-waits until self owns the lock. The wait is bounded by how long
// the other party holds it.
func (l *Lock) Lock(self Participant) error {
	if self > P1 {
		return ErrParticipant
	}
	other := 1 - self

	l.store(flagOff(self), 1)
	l.store(offTurn, uint32(other))
	l.region.Barrier().Fence()
	for l.load(flagOff(other)) != 0 && Participant(l.load(offTurn)) == other {
		runtime.Gosched()
	}
	l.region.Barrier().Fence()
	return nil
}

func (l *Lock) store(off, v uint32) {
	l.region.Store32(l.off+off, v)
	l.region.Barrier().Flush(l.off+off, shmem.WordSize)
}

func (l *Lock) load(off uint32) uint32 {
	l.region.Barrier().Invalidate(l.off+off, shmem.WordSize)
	return l.region.Load32(l.off + off)
}

// Unlock releases the lock held by self.
func (l *Lock) Unlock(self Participant) error {
	if self > P1 {
		return ErrParticipant
	}
	// critical section writes must be visible before the flag drops
	l.region.Barrier().Fence()
	l.store(flagOff(self), 0)
	return nil
}

// Do runs fn while self holds the lock.
func (l *Lock) Do(self Participant, fn func()) error {
	if err := l.Lock(self); err != nil {
		return err
	}
	defer l.Unlock(self)
	fn()
	return nil
}
