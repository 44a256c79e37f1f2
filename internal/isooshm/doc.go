// Package isooshm defines the shared-memory descriptor through which the
// controller core (core A) hands isochronous SDU queues to the host core
// (core B), and the garbage-collection handshake that retires those queues.
//
// Core A owns the layout. Init lays every structure out, and its last store
// is the magic number. Core B polls for that magic before it reads anything
// else (Attach). After publication the descriptor is read-only to core B;
// the only structures both cores mutate are the GC list and the per-link TX
// sync records, and both sit behind a Peterson spinlock (core A is
// participant 0, core B participant 1).
//
// Queue lifecycle:
//
//	LIVE      referenced from the [link][dir] table
//	PENDING   unlinked from the table, on gc.pending, event posted to core B
//	RELEASED  core B no longer touches it, moved to gc.released (by core B)
//	freed     core A's collector unlinks it from gc.released
//
// Nothing is freed from LIVE or PENDING. If core B never releases an item it
// stays on the pending list forever; leaking beats freeing memory the peer
// might still read.
package isooshm
