package sim

import (
	"time"

	"github.com/srg/isoshm/internal/irq"
	"github.com/srg/isoshm/internal/plf"
	"github.com/srg/isoshm/internal/trace"
)

// LinkReport is the traffic seen on one link.
type LinkReport struct {
	LinkID  uint16 `json:"link_id"`
	GroupID uint8  `json:"group_id"`

	TxSDUs    int64 `json:"tx_sdus"`    // delivered to the controller
	TxStamped int64 `json:"tx_stamped"` // carried a drift-corrected timestamp
	Uplinked  int64 `json:"uplinked"`   // taken off the TX queue by the controller
	RxSDUs    int64 `json:"rx_sdus"`
	RxBytes   int64 `json:"rx_bytes"`
	Corrupt   int64 `json:"corrupt"`
	Lost      int64 `json:"lost"`
	Returned  int64 `json:"returned"` // buffers handed back by retirement
}

// GCReport is the shared memory population after teardown.
type GCReport struct {
	Live      int    `json:"live"`
	Pending   int    `json:"pending"`
	Released  int    `json:"released"`
	Retired   uint64 `json:"retired"`
	Collected uint64 `json:"collected"`
	FreeBytes uint32 `json:"free_bytes"`
}

// Report summarizes one simulation run.
type Report struct {
	Elapsed time.Duration   `json:"elapsed"`
	Links   []LinkReport    `json:"links"`
	GC      GCReport        `json:"gc"`
	DMA     plf.EngineStats `json:"dma"`
	IRQ     []irq.LineStats `json:"irq"`
	Sync    plf.SyncStats   `json:"sync"`
	// ClockError is local time minus the controller clock, in
	// microseconds, sampled once while the streams were bound.
	ClockError int32          `json:"clock_error_us"`
	ClockValid bool           `json:"clock_valid"`
	Trace      trace.Metrics  `json:"trace"`
	Events     []trace.Record `json:"events,omitempty"`
}

// Healthy reports whether every SDU went through intact.
func (r *Report) Healthy(count int) bool {
	for _, l := range r.Links {
		if l.TxSDUs != int64(count) || l.RxSDUs < int64(count) || l.Corrupt != 0 || l.Lost != 0 {
			return false
		}
	}
	return r.GC.Pending == 0 && r.GC.Released == 0 && r.GC.Live == 0
}
