package gapi

import (
	"errors"
	"fmt"

	"github.com/srg/isoshm/internal/isooshm"
	"github.com/srg/isoshm/internal/plf"
	"github.com/srg/isoshm/internal/shmem"
)

var (
	ErrNotInitialized      = errors.New("data path not initialized")
	ErrInvalidState        = errors.New("operation not allowed in this state")
	ErrInvalidParam        = errors.New("invalid parameter")
	ErrNoQueue             = errors.New("no queue registered for stream and direction")
	ErrQueueInUse          = errors.New("queue already bound to another data path")
	ErrQueueRetired        = errors.New("queue retired by the controller")
	ErrBufferTooSmall      = errors.New("buffer too small for queue item")
	ErrBusy                = errors.New("a buffer is already installed")
	ErrTransferOutstanding = errors.New("aborted transfer has not completed yet")
	ErrNotTx               = errors.New("operation requires a TX data path")
	ErrSyncInvalid         = errors.New("TX sync record not valid")
)

// Error reports a failed data-path operation.
type Error struct {
	Op        string
	StreamLID uint8
	State     State
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s stream %d (%s): %v", e.Op, e.StreamLID, e.State, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Status codes returned by Status, following the host stack's numbering.
const (
	StatusOK                uint16 = 0x00
	StatusInvalidParam      uint16 = 0x40
	StatusCommandDisallowed uint16 = 0x43
	StatusCanceled          uint16 = 0x44
	StatusNotFound          uint16 = 0x47
	StatusRejected          uint16 = 0x48
	StatusInsufficientRes   uint16 = 0x4B
	StatusUnexpected        uint16 = 0x4C
	StatusBusy              uint16 = 0x4E
)

// Status maps err onto the stack's numeric status code; nil is StatusOK.
func Status(err error) uint16 {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrInvalidParam), errors.Is(err, ErrBufferTooSmall):
		return StatusInvalidParam
	case errors.Is(err, ErrNotInitialized), errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrNotTx), errors.Is(err, ErrTransferOutstanding):
		return StatusCommandDisallowed
	case errors.Is(err, ErrQueueRetired), errors.Is(err, plf.ErrAborted):
		return StatusCanceled
	case errors.Is(err, ErrNoQueue):
		return StatusNotFound
	case errors.Is(err, ErrSyncInvalid):
		return StatusRejected
	case errors.Is(err, ErrQueueInUse), errors.Is(err, ErrBusy):
		return StatusBusy
	case errors.Is(err, isooshm.ErrGroup), errors.Is(err, isooshm.ErrLink):
		return StatusInvalidParam
	case errors.Is(err, shmem.ErrPoolEmpty), errors.Is(err, shmem.ErrNoSpace):
		return StatusInsufficientRes
	default:
		return StatusUnexpected
	}
}
