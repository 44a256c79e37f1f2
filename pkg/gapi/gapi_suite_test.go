package gapi

import (
	"context"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/isoshm/internal/irq"
	"github.com/srg/isoshm/internal/isooshm"
	"github.com/srg/isoshm/internal/plf"
	"github.com/srg/isoshm/internal/shmem"
	"github.com/srg/isoshm/internal/trace"
)

const (
	streamA = uint8(1) // link 0, group 0
	streamB = uint8(2) // link 1, group 1
	maxSDU  = 40
)

type callbackCall struct {
	buf *SDUBuf
	err error
}

// DataPathTestSuite runs both cores in one process with interrupts and DMA
// stepped by hand, so every state between calls is observable.
type DataPathTestSuite struct {
	suite.Suite

	region *shmem.Region
	ctrl   *isooshm.Controller
	host   *isooshm.Host
	bus    *shmem.Bus
	pool   *shmem.Pool
	irq    *irq.Controller
	engine *plf.Engine
	timer  *plf.SimTimer
	api    *API
	trace  *trace.Recorder

	calls []callbackCall
	// onCallback, when set, runs inside the callback
	onCallback func(ctx CallbackContext, buf *SDUBuf, err error)
}

func (suite *DataPathTestSuite) SetupTest() {
	var err error
	suite.region, err = shmem.Map(16384, shmem.Options{CtrlBase: 0x20000000, HostBase: 0x60000000})
	suite.Require().NoError(err)

	suite.ctrl, err = isooshm.Init(suite.region, isooshm.Options{Links: 2, Groups: 2, EventDepth: 4}, func() {
		suite.api.SignalLine().Raise()
	})
	suite.Require().NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	suite.host, err = isooshm.Attach(ctx, suite.region, isooshm.AttachOptions{})
	suite.Require().NoError(err)

	suite.bus = shmem.NewBus()
	suite.Require().NoError(suite.bus.MapRegion("shared", suite.region))
	suite.pool, err = shmem.NewPool(suite.bus, 0x70000000, 64, 8)
	suite.Require().NoError(err)

	suite.irq = irq.NewController(nil)
	suite.timer = plf.NewSimTimer(plf.SimTimerOptions{Width: 32})
	sync := plf.NewSyncService(suite.irq, suite.timer)
	suite.timer.Connect(sync.OverflowLine(), sync.CaptureLine())
	suite.engine = plf.NewEngine(suite.bus, suite.irq, plf.EngineOptions{})
	suite.trace, err = trace.NewRecorder(256)
	suite.Require().NoError(err)

	suite.api, err = New(Options{
		Host:   suite.host,
		Engine: suite.engine,
		Sync:   sync,
		IRQ:    suite.irq,
		Resolver: StaticResolver{
			streamA: {LinkID: 0, GroupID: 0},
			streamB: {LinkID: 1, GroupID: 1},
		},
		Trace: suite.trace,
	})
	suite.Require().NoError(err)

	suite.calls = nil
	suite.onCallback = nil
}

func (suite *DataPathTestSuite) TearDownTest() {
	suite.Require().NoError(suite.region.Close())
}

func (suite *DataPathTestSuite) callback(ctx CallbackContext, buf *SDUBuf, err error) {
	suite.calls = append(suite.calls, callbackCall{buf: buf, err: err})
	if suite.onCallback != nil {
		suite.onCallback(ctx, buf, err)
	}
}

func (suite *DataPathTestSuite) newDataPath() *DataPath {
	dp := &DataPath{}
	suite.Require().NoError(suite.api.InitDataPath(dp, suite.callback))
	return dp
}

func (suite *DataPathTestSuite) bound(stream uint8, dir Direction) *DataPath {
	dp := suite.newDataPath()
	suite.Require().NoError(dp.Bind(stream, dir), "bind MUST succeed on a registered queue")
	return dp
}

func (suite *DataPathTestSuite) buffer(payload []byte, seq uint16) *SDUBuf {
	blk, err := suite.pool.Get()
	suite.Require().NoError(err)
	buf, err := isooshm.NewSDUBuf(blk)
	suite.Require().NoError(err)
	buf.SetSeqNum(seq)
	suite.Require().NoError(buf.SetData(payload))
	return buf
}

// produceRX commits one SDU into the controller's RX queue of link.
func (suite *DataPathTestSuite) produceRX(link uint16, payload []byte, seq uint16) {
	q, err := suite.ctrl.Queue(link, isooshm.DirRX)
	suite.Require().NoError(err)
	off, err := q.Alloc()
	suite.Require().NoError(err)
	suite.Require().NoError(isooshm.EncodeSDU(q.Item(off), isooshm.SDU{SeqNum: seq, Data: payload}))
	q.Commit()
	suite.ctrl.Notify()
}

// consumeTX pops one SDU from the controller's TX queue of link.
func (suite *DataPathTestSuite) consumeTX(link uint16) isooshm.SDU {
	q, err := suite.ctrl.Queue(link, isooshm.DirTX)
	suite.Require().NoError(err)
	off, err := q.Peek()
	suite.Require().NoError(err, "controller MUST find a committed SDU")
	sdu, err := isooshm.DecodeSDU(q.Item(off))
	suite.Require().NoError(err)
	sdu.Data = append([]byte(nil), sdu.Data...)
	q.Pop()
	return sdu
}

// dma runs one queued copy and delivers its completion.
func (suite *DataPathTestSuite) dma() {
	suite.Require().True(suite.engine.Step(), "a transfer MUST be queued")
	suite.irq.Service()
}

func (suite *DataPathTestSuite) stats() isooshm.Stats {
	st, err := suite.ctrl.Stats()
	suite.Require().NoError(err)
	return st
}
