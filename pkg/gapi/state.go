package gapi

import "fmt"

// State of a data path.
type State uint8

const (
	// Uninitialized is the zero value: InitDataPath has not run.
	Uninitialized State = iota
	Initialized
	Bound
	// TransferPending holds a buffer waiting for queue room (TX) or data (RX).
	TransferPending
	// TransferOngoing has a DMA copy in flight.
	TransferOngoing
	// Destroyed was unbound; a second Unbind returns it to Initialized.
	Destroyed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Bound:
		return "bound"
	case TransferPending:
		return "transfer-pending"
	case TransferOngoing:
		return "transfer-ongoing"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// bound reports whether the path holds a live queue binding.
func (s State) bound() bool {
	return s == Bound || s == TransferPending || s == TransferOngoing
}
