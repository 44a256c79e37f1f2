package isooshm

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/srg/isoshm/internal/ipcspinlock"
	"github.com/srg/isoshm/internal/shmem"
)

const (
	// CoreA is the controller core, the side that owns the layout.
	CoreA = ipcspinlock.P0
	// CoreB is the host core.
	CoreB = ipcspinlock.P1
)

// Direction of an isochronous data path, seen from the host.
type Direction uint8

const (
	// DirTX carries SDUs from the host to the controller.
	DirTX Direction = 0
	// DirRX carries SDUs from the controller to the host.
	DirRX Direction = 1
)

func (d Direction) String() string {
	switch d {
	case DirTX:
		return "tx"
	case DirRX:
		return "rx"
	default:
		return fmt.Sprintf("dir(%d)", uint8(d))
	}
}

// Valid reports whether d names one of the two directions.
func (d Direction) Valid() bool { return d <= DirRX }

// EventKind identifies a controller to host event.
type EventKind uint8

const (
	// EventQueueRetired says a queue left the table and waits for Release.
	EventQueueRetired EventKind = 1
)

func (k EventKind) String() string {
	switch k {
	case EventQueueRetired:
		return "queue-retired"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is one entry of the controller to host event queue.
type Event struct {
	Kind   EventKind
	LinkID uint16
	Dir    Direction
	// Item is the controller-space address of the GC item to release.
	Item shmem.Addr
}

func (e Event) encode() (uint32, uint32) {
	return uint32(e.Kind) | uint32(e.Dir)<<8 | uint32(e.LinkID)<<16, uint32(e.Item)
}

func decodeEvent(header, item uint32) Event {
	return Event{
		Kind:   EventKind(header & 0xFF),
		Dir:    Direction(header >> 8 & 0xFF),
		LinkID: uint16(header >> 16),
		Item:   shmem.Addr(item),
	}
}

// TxSync is the last TX SDU synchronisation point reported by the controller.
type TxSync struct {
	// SDURef is the reference anchor of the SDU, controller clock.
	SDURef uint32
	// SDUAnchor is the anchor point the SDU was scheduled on.
	SDUAnchor uint32
	SeqNum    uint16
	Valid     bool
}

func packLinkDir(link uint16, dir Direction) uint32 {
	return uint32(link) | uint32(dir)<<16
}

func unpackLinkDir(v uint32) (uint16, Direction) {
	return uint16(v), Direction(v >> 16)
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// timeReached reports whether now is at or past deadline on a wrapping
// 32-bit microsecond clock.
func timeReached(now, deadline uint32) bool {
	return int32(now-deadline) >= 0
}
