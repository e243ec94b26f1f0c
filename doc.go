// Package blender provides the Cycles render device layer for Go.
//
// # Overview
//
// blender hosts the accelerator-facing pieces of the Cycles path tracer:
// device memory management (allocation, host-memory fallback, eviction),
// texture objects, peer-to-peer access between accelerators, and kernel
// compilation with an on-disk binary cache.
//
// # Quick Start
//
//	import (
//		"github.com/DonovaneH/blender/device"
//		"github.com/DonovaneH/blender/kernel"
//	)
//
//	// Open the first accelerator reported by the best available driver.
//	dev, err := device.New(device.Config{})
//	if err != nil {
//		// device unusable, fall back to CPU rendering
//	}
//	defer dev.Close()
//
//	// Resolve and load the render kernel (compiled on demand, cached).
//	cc := kernel.New(kernel.Config{SourcePath: "intern/cycles/kernel"})
//	if err := dev.LoadKernels(cc, kernel.FeatureHair|kernel.FeatureVolume); err != nil {
//		// kernel unavailable for this device
//	}
//
// # Architecture
//
// The module is organized into:
//   - device: allocator, eviction controller, texture manager, peer access
//   - device/driver: the native compute driver surface and its registry
//   - device/driver/sim: in-memory driver for tests and software fallback
//   - kernel: compiler invocation, capability search and binary cache
//
// Scene translation, the render loop and the kernels themselves live
// outside this module and consume it through device.Descriptor handles.
package blender
