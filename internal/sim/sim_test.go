package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/isoshm/internal/testutils"
	"github.com/srg/isoshm/internal/trace"
	"github.com/srg/isoshm/pkg/config"
)

func fastConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Stream.Links = 2
	cfg.Stream.Groups = 2
	cfg.Stream.MaxSDU = 40
	cfg.Stream.Count = 20
	cfg.Stream.Interval = time.Millisecond
	cfg.DMA.Latency = 10 * time.Microsecond
	cfg.GC.Interval = time.Millisecond
	cfg.GC.Delay = 100
	cfg.Timer.CapturePeriod = 2 * time.Millisecond
	return cfg
}

func TestRun_LoopsEverySDU(t *testing.T) {
	// GOAL: Both cores stream a fixed number of SDUs per link, then tear
	// everything down and leave no shared memory behind
	//
	// TEST SCENARIO: 2 links x 20 SDUs looped TX → air → RX → retire all queues →
	// unbind → collector frees all four queues

	cfg := fastConfig()
	logger := testutils.NewLogger(t)
	defer testutils.Silence(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	rep, err := Run(ctx, Options{Config: cfg, Logger: logger, KeepEvents: true})
	require.NoError(t, err)

	require.Len(t, rep.Links, 2)
	for _, l := range rep.Links {
		assert.Equal(t, int64(20), l.TxSDUs, "link %d MUST deliver every TX SDU", l.LinkID)
		assert.Equal(t, int64(20), l.Uplinked, "controller MUST consume every TX SDU")
		assert.Equal(t, int64(20), l.RxSDUs, "host MUST receive every looped SDU")
		assert.Zero(t, l.Corrupt, "payloads MUST survive both DMA hops")
		assert.Zero(t, l.Lost)
		assert.Equal(t, int64(1), l.Returned, "the armed RX buffer MUST come back on retirement")
		assert.LessOrEqual(t, l.TxStamped, l.TxSDUs)
	}
	assert.Equal(t, uint8(1), rep.Links[1].GroupID)
	assert.True(t, rep.Healthy(cfg.Stream.Count))

	assert.Equal(t, uint64(4), rep.GC.Retired)
	assert.Equal(t, uint64(4), rep.GC.Collected, "collector MUST free every retired queue")
	assert.Zero(t, rep.GC.Live)

	assert.Equal(t, uint64(80), rep.DMA.Completed, "one DMA per SDU per direction")
	assert.Zero(t, rep.DMA.Faulted)
	if rep.ClockValid {
		assert.InDelta(t, 0, rep.ClockError, 1000, "local time MUST track the controller clock")
	}

	kinds := map[trace.Kind]bool{}
	for _, e := range rep.Events {
		kinds[e.Kind] = true
	}
	assert.True(t, kinds[trace.KindUnbind], "trace MUST keep the newest events")
	assert.True(t, kinds[trace.KindRelease])
}

func TestRun_RejectsBadConfig(t *testing.T) {
	cfg := fastConfig()
	cfg.OutputFormat = "xml"
	_, err := Run(context.Background(), Options{Config: cfg})
	assert.ErrorIs(t, err, config.ErrInvalid)

	cfg = fastConfig()
	cfg.Region.Size = 256
	_, err = Run(context.Background(), Options{Config: cfg})
	assert.Error(t, err, "queues that do not fit the region MUST fail setup")
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, Options{Config: fastConfig()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReport_Healthy(t *testing.T) {
	rep := &Report{Links: []LinkReport{{TxSDUs: 3, RxSDUs: 3}}}
	assert.True(t, rep.Healthy(3))
	rep.Links[0].Lost = 1
	assert.False(t, rep.Healthy(3))
	rep.Links[0].Lost = 0
	rep.GC.Pending = 1
	assert.False(t, rep.Healthy(3), "a queue stuck in pending MUST make the run unhealthy")
}
