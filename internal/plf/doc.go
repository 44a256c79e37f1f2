// Package plf is the host platform layer under the data path: a DMA engine
// that moves SDU records between the shared queues and host buffers,
// controller to host address translation, and the local time service that
// keeps a host timer aligned on the controller clock.
//
// Completions and timer events are delivered through irq lines, so every
// callback from this package runs in interrupt context.
package plf
