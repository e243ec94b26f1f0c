// Package device implements accelerator memory management for the render
// session: buffer and texture allocation, transparent fallback to pinned
// host memory, eviction of resident textures under memory pressure, peer
// access between accelerators, and kernel module loading.
//
// A Device wraps one physical accelerator exposed by a driver (see
// device/driver). Callers describe buffers with a Descriptor and receive
// an Allocation handle back; the device owns all memory it allocates and
// releases it on Free or Close.
//
// All calls are synchronous and block on the calling goroutine. The
// allocation map is mutex protected and a Device may be shared between
// goroutines, but the underlying driver context must not be made current
// from two goroutines at once.
package device
