// Package shmem models the statically mapped, uncacheable memory window that
// the controller core and the host core share.
//
// The two cores never exchange Go pointers. Everything that lives in the
// window is addressed by a 32-bit offset and touched only through aligned
// 32-bit loads and stores (Load32/Store32) or raw byte views (Bytes). Both
// cores see the same physical memory at different bus addresses, so a Region
// carries one base per address space:
//
//	ctrl address = CtrlBase + offset   (pointers stored inside the window)
//	host address = HostBase + offset   (what the host DMA engine uses)
//
// Cache maintenance is abstracted by Barrier. On a coherent target (the Go
// runtime, or uncacheable RAM) every call is a no-op; the hooks still mark the
// exact points where a weakly ordered target needs a flush, an invalidate or
// a fence.
package shmem
