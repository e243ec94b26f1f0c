package device

import "errors"

// Sentinel errors returned by device operations. Wrapped errors carry
// call-specific detail; use errors.Is against these to classify.
var (
	// ErrNoDriver indicates no compute driver is registered or available.
	ErrNoDriver = errors.New("device: no compute driver available")

	// ErrDeviceUnsupported indicates the accelerator's compute capability
	// is below the supported minimum.
	ErrDeviceUnsupported = errors.New("device: compute capability not supported")

	// ErrOutOfMemory indicates an allocation failed in both device memory
	// and shared host memory.
	ErrOutOfMemory = errors.New("device: out of device and host memory")

	// ErrUnsupportedType indicates an operation that does not apply to the
	// descriptor's memory type.
	ErrUnsupportedType = errors.New("device: operation not supported for memory type")

	// ErrNoKernelModule indicates a kernel launch or global lookup before
	// LoadKernels succeeded.
	ErrNoKernelModule = errors.New("device: no kernel module loaded")
)
