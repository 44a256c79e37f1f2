package isooshm

import (
	"errors"
	"fmt"
)

var (
	ErrNotPublished   = errors.New("isooshm: descriptor not published")
	ErrVersion        = errors.New("isooshm: layout version mismatch")
	ErrCorrupt        = errors.New("isooshm: corrupt shared structure")
	ErrLink           = errors.New("isooshm: link id out of range")
	ErrGroup          = errors.New("isooshm: group id out of range")
	ErrDirection      = errors.New("isooshm: invalid direction")
	ErrNoQueue        = errors.New("isooshm: no queue")
	ErrQueueExists    = errors.New("isooshm: queue already exists")
	ErrEventQueueFull = errors.New("isooshm: event queue full")
	ErrNotPending     = errors.New("isooshm: item is not pending release")
	ErrSDUFormat      = errors.New("isooshm: malformed SDU")
)

// QueueError ties a failure to the queue it concerns.
type QueueError struct {
	LinkID uint16
	Dir    Direction
	Err    error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("link %d %s: %v", e.LinkID, e.Dir, e.Err)
}

func (e *QueueError) Unwrap() error { return e.Err }

func queueErr(link uint16, dir Direction, err error) error {
	return &QueueError{LinkID: link, Dir: dir, Err: err}
}
