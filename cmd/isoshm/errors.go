package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/isoshm/internal/isooshm"
	"github.com/srg/isoshm/internal/shmem"
	"github.com/srg/isoshm/internal/sim"
	"github.com/srg/isoshm/pkg/config"
	"github.com/srg/isoshm/pkg/gapi"
)

// Command-level errors
var (
	// ErrUnhealthy means the simulation finished but SDUs were lost,
	// corrupted or left shared memory behind.
	ErrUnhealthy = errors.New("simulation finished unhealthy")
)

// FormatUserError turns internal errors into one line a user can act on.
func FormatUserError(err error) string {
	var gerr *gapi.Error
	switch {
	case errors.Is(err, config.ErrInvalid):
		return fmt.Sprintf("configuration: %v", err)
	case errors.Is(err, shmem.ErrNoSpace):
		return "shared region too small for the configured queues (raise region.size or lower stream.queue_depth)"
	case errors.Is(err, isooshm.ErrNotPublished):
		return "controller never published the shared memory descriptor"
	case errors.Is(err, sim.ErrStalled):
		return fmt.Sprintf("%v (try a longer stream.interval or a smaller dma.latency)", err)
	case errors.Is(err, ErrUnhealthy):
		return "simulation finished with lost or corrupted SDUs; see the report above"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	case errors.As(err, &gerr):
		return fmt.Sprintf("%s on stream %d failed with status 0x%02X: %v", gerr.Op, gerr.StreamLID, gapi.Status(err), gerr.Err)
	default:
		return err.Error()
	}
}
