package isooshm

import (
	"fmt"
	"unsafe"

	"github.com/srg/isoshm/internal/ipcqueue"
	"github.com/srg/isoshm/internal/ipcspinlock"
)

// Magic is published last by Init; "ISOM" read as a little-endian word.
const Magic uint32 = 0x4D4F5349

// LayoutVersion is bumped on any incompatible layout change.
const LayoutVersion uint32 = 1

// DescriptorOffset is where the global descriptor sits in the region.
const DescriptorOffset uint32 = 0

// The structs below mirror the shared-memory layout word for word. They are
// never instantiated on shared memory; offsets and sizes are taken from them
// so that the numbers cannot drift from the documented layout.

type descriptorLayout struct {
	Magic      uint32
	Capacity   uint32 // links | groups<<16
	Timestamp  uint32 // live controller clock, microseconds
	EventQueue uint32
	QueueTable uint32 // [links][2] queue pointers
	GCList     uint32
	TxSync     uint32 // [links] txSyncLayout
	PeerDrift  uint32 // [groups] peerDriftLayout
	Version    uint32
}

type gcListLayout struct {
	Lock     [ipcspinlock.Size / 4]uint32
	Pending  uint32
	Released uint32
}

type gcItemLayout struct {
	Next      uint32
	LinkDir   uint32 // link | dir<<16
	RetiredAt uint32
	Footprint uint32 // bytes allocated for the item, queue storage included
	Queue     [ipcqueue.HeaderSize / 4]uint32
}

type txSyncLayout struct {
	Lock      [ipcspinlock.Size / 4]uint32
	SDURef    uint32
	SDUAnchor uint32
	SeqValid  uint32 // seq_num | valid<<16
}

type peerDriftLayout struct {
	Drift   uint32 // int32 microseconds
	GroupID uint32
}

type eventLayout struct {
	Header uint32 // kind | dir<<8 | link<<16
	Item   uint32
}

type sduHeaderLayout struct {
	Timestamp uint32
	SeqLen    uint32 // seq_num | length<<16
	Status    uint32 // RX: packet status, TX: has-timestamp flag
}

const (
	DescriptorSize = uint32(unsafe.Sizeof(descriptorLayout{}))
	GCListSize     = uint32(unsafe.Sizeof(gcListLayout{}))
	GCItemSize     = uint32(unsafe.Sizeof(gcItemLayout{}))
	TxSyncSize     = uint32(unsafe.Sizeof(txSyncLayout{}))
	PeerDriftSize  = uint32(unsafe.Sizeof(peerDriftLayout{}))
	EventSize      = uint32(unsafe.Sizeof(eventLayout{}))
	SDUHeaderSize  = uint32(unsafe.Sizeof(sduHeaderLayout{}))

	// GCItemHeaderSize is the distance from an item to its embedded queue.
	GCItemHeaderSize = uint32(unsafe.Offsetof(gcItemLayout{}.Queue))
)

const (
	offMagic      = uint32(unsafe.Offsetof(descriptorLayout{}.Magic))
	offCapacity   = uint32(unsafe.Offsetof(descriptorLayout{}.Capacity))
	offTimestamp  = uint32(unsafe.Offsetof(descriptorLayout{}.Timestamp))
	offEventQueue = uint32(unsafe.Offsetof(descriptorLayout{}.EventQueue))
	offQueueTable = uint32(unsafe.Offsetof(descriptorLayout{}.QueueTable))
	offGCList     = uint32(unsafe.Offsetof(descriptorLayout{}.GCList))
	offTxSync     = uint32(unsafe.Offsetof(descriptorLayout{}.TxSync))
	offPeerDrift  = uint32(unsafe.Offsetof(descriptorLayout{}.PeerDrift))
	offVersion    = uint32(unsafe.Offsetof(descriptorLayout{}.Version))

	offGCLock     = uint32(unsafe.Offsetof(gcListLayout{}.Lock))
	offGCPending  = uint32(unsafe.Offsetof(gcListLayout{}.Pending))
	offGCReleased = uint32(unsafe.Offsetof(gcListLayout{}.Released))

	offItemNext      = uint32(unsafe.Offsetof(gcItemLayout{}.Next))
	offItemLinkDir   = uint32(unsafe.Offsetof(gcItemLayout{}.LinkDir))
	offItemRetiredAt = uint32(unsafe.Offsetof(gcItemLayout{}.RetiredAt))
	offItemFootprint = uint32(unsafe.Offsetof(gcItemLayout{}.Footprint))

	offSyncLock     = uint32(unsafe.Offsetof(txSyncLayout{}.Lock))
	offSyncRef      = uint32(unsafe.Offsetof(txSyncLayout{}.SDURef))
	offSyncAnchor   = uint32(unsafe.Offsetof(txSyncLayout{}.SDUAnchor))
	offSyncSeqValid = uint32(unsafe.Offsetof(txSyncLayout{}.SeqValid))

	offDriftValue = uint32(unsafe.Offsetof(peerDriftLayout{}.Drift))
	offDriftGroup = uint32(unsafe.Offsetof(peerDriftLayout{}.GroupID))

	offEvtHeader = uint32(unsafe.Offsetof(eventLayout{}.Header))
	offEvtItem   = uint32(unsafe.Offsetof(eventLayout{}.Item))

	offSDUTimestamp = uint32(unsafe.Offsetof(sduHeaderLayout{}.Timestamp))
	offSDUSeqLen    = uint32(unsafe.Offsetof(sduHeaderLayout{}.SeqLen))
	offSDUStatus    = uint32(unsafe.Offsetof(sduHeaderLayout{}.Status))
)

// Sizes a peer firmware build expects; a mismatch means the two sides cannot
// interoperate.
var expectedSizes = []struct {
	name      string
	got, want uint32
}{
	{"descriptor", DescriptorSize, 36},
	{"gc list", GCListSize, 20},
	{"gc item", GCItemSize, 32},
	{"tx sync", TxSyncSize, 24},
	{"peer drift", PeerDriftSize, 8},
	{"event", EventSize, 8},
	{"sdu header", SDUHeaderSize, 12},
	{"ipc queue header", ipcqueue.HeaderSize, 16},
	{"ipc spinlock", ipcspinlock.Size, 12},
}

func init() {
	for _, s := range expectedSizes {
		if s.got != s.want {
			panic(fmt.Sprintf("isooshm: %s is %d bytes, expected %d", s.name, s.got, s.want))
		}
		if s.got%4 != 0 {
			panic(fmt.Sprintf("isooshm: %s size %d is not word aligned", s.name, s.got))
		}
	}
}

// Field describes one word of the shared layout, for diagnostics.
type Field struct {
	Name   string
	Offset uint32
	Size   uint32
}

// Struct describes one shared structure.
type Struct struct {
	Name   string
	Size   uint32
	Fields []Field
}

// Layout returns the shared-memory layout in declaration order.
func Layout() []Struct {
	return []Struct{
		{"isooshm", DescriptorSize, []Field{
			{"magic", offMagic, 4}, {"capacity", offCapacity, 4}, {"timestamp", offTimestamp, 4},
			{"evt_queue", offEventQueue, 4}, {"queue_table", offQueueTable, 4}, {"gc_list", offGCList, 4},
			{"tx_sync", offTxSync, 4}, {"peer_drift", offPeerDrift, 4}, {"version", offVersion, 4},
		}},
		{"isooshm_gc_list", GCListSize, []Field{
			{"lock", offGCLock, ipcspinlock.Size}, {"pending", offGCPending, 4}, {"released", offGCReleased, 4},
		}},
		{"isooshm_gc_item", GCItemSize, []Field{
			{"next", offItemNext, 4}, {"link_dir", offItemLinkDir, 4}, {"retired_at", offItemRetiredAt, 4},
			{"footprint", offItemFootprint, 4}, {"queue", GCItemHeaderSize, ipcqueue.HeaderSize},
		}},
		{"isooshm_sdu_tx_sync", TxSyncSize, []Field{
			{"lock", offSyncLock, ipcspinlock.Size}, {"sdu_ref", offSyncRef, 4},
			{"sdu_anchor", offSyncAnchor, 4}, {"seq_valid", offSyncSeqValid, 4},
		}},
		{"isooshm_peer_drift", PeerDriftSize, []Field{
			{"drift", offDriftValue, 4}, {"iso_grp_id", offDriftGroup, 4},
		}},
		{"isooshm_evt", EventSize, []Field{
			{"header", offEvtHeader, 4}, {"item", offEvtItem, 4},
		}},
		{"isooshm_sdu_buf", SDUHeaderSize, []Field{
			{"timestamp", offSDUTimestamp, 4}, {"seq_len", offSDUSeqLen, 4}, {"status", offSDUStatus, 4},
		}},
	}
}
