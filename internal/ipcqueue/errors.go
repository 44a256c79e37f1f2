package ipcqueue

import "errors"

// Code mirrors the IPC_QUEUE_ERR_* status values used by the peer firmware.
type Code uint8

const (
	CodeNone Code = iota
	CodeSize
	CodeEmpty
	CodeFull
)

func (c Code) String() string {
	switch c {
	case CodeNone:
		return "IPC_QUEUE_ERR_NONE"
	case CodeSize:
		return "IPC_QUEUE_ERR_SIZE"
	case CodeEmpty:
		return "IPC_QUEUE_ERR_EMPTY"
	case CodeFull:
		return "IPC_QUEUE_ERR_FULL"
	default:
		return "IPC_QUEUE_ERR_UNKNOWN"
	}
}

// Capacity errors are expected and recoverable; callers retry later.
var (
	ErrSize  = errors.New("ipc queue: invalid size")
	ErrEmpty = errors.New("ipc queue: empty")
	ErrFull  = errors.New("ipc queue: full")
)

// CodeOf maps an error returned by this package to its status code.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeNone
	case errors.Is(err, ErrFull):
		return CodeFull
	case errors.Is(err, ErrEmpty):
		return CodeEmpty
	default:
		return CodeSize
	}
}
