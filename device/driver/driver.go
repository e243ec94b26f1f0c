// Package driver defines the native compute driver surface consumed by the
// device layer: contexts, linear and pitched device memory, pinned host
// memory, texture arrays and objects, module loading and peer access.
//
// A driver manages one or more physical accelerators of the same family.
// Implementations register themselves with [Register], typically from an
// init function, and the device layer picks one via [Default] or [Get].
package driver

import (
	"errors"

	"github.com/gogpu/gputypes"
)

// Driver errors.
var (
	// ErrOutOfMemory is returned when a device allocation cannot be satisfied.
	ErrOutOfMemory = errors.New("driver: out of device memory")

	// ErrInvalidContext is returned when no context is current for an
	// operation that requires one, or when popping an empty context stack.
	ErrInvalidContext = errors.New("driver: invalid context")

	// ErrInvalidPointer is returned when a device pointer does not refer to
	// a live allocation.
	ErrInvalidPointer = errors.New("driver: invalid device pointer")

	// ErrNotSupported is returned for capabilities a driver does not
	// implement (host mapping, peer access, 3D arrays).
	ErrNotSupported = errors.New("driver: operation not supported")
)

// Ptr is a device-visible memory address. The zero value never refers to a
// live allocation.
type Ptr uint64

// Context is an opaque execution-context handle. Context-current state is
// per thread of the underlying driver; callers make a context current with
// PushContext and restore the previous one with PopContext.
type Context uint64

// Array is an opaque multi-dimensional texture array handle.
type Array uint64

// TexObject is an opaque bindless texture object handle, referenced by
// value from kernel code rather than through a bound texture unit.
type TexObject uint64

// Module is a loaded kernel binary handle.
type Module uint64

// Attribute identifies a queryable per-device property.
type Attribute int

const (
	// AttrComputeMajor is the major compute capability level.
	AttrComputeMajor Attribute = iota

	// AttrComputeMinor is the minor compute capability level.
	AttrComputeMinor

	// AttrCanMapHostMemory is nonzero when pinned host memory can be mapped
	// into the device address space.
	AttrCanMapHostMemory

	// AttrTexturePitchAlignment is the required row alignment in bytes for
	// pitched 2D texture memory.
	AttrTexturePitchAlignment

	// AttrMultiprocessorCount is the number of multiprocessors.
	AttrMultiprocessorCount

	// AttrMaxThreadsPerMultiprocessor is the thread capacity of one
	// multiprocessor.
	AttrMaxThreadsPerMultiprocessor
)

// Format is the element format of texture storage.
type Format int

const (
	// FormatUint8 is unsigned 8-bit integer data.
	FormatUint8 Format = iota
	// FormatUint16 is unsigned 16-bit integer data.
	FormatUint16
	// FormatUint32 is unsigned 32-bit integer data.
	FormatUint32
	// FormatInt32 is signed 32-bit integer data.
	FormatInt32
	// FormatFloat32 is 32-bit floating point data.
	FormatFloat32
	// FormatFloat16 is 16-bit floating point data.
	FormatFloat16
)

// AddressMode selects texture addressing outside the [0,1) coordinate range.
type AddressMode int

const (
	// AddressWrap repeats the texture.
	AddressWrap AddressMode = iota
	// AddressClamp extends the edge texels.
	AddressClamp
	// AddressBorder reads zero outside the texture.
	AddressBorder
)

// ResourceKind describes the backing storage of a texture object.
type ResourceKind int

const (
	// ResourceLinear is plain linear device memory.
	ResourceLinear ResourceKind = iota
	// ResourcePitch2D is pitch-aligned linear device memory.
	ResourcePitch2D
	// ResourceArray is an opaque array object.
	ResourceArray
)

// ArrayDescriptor describes a multi-dimensional texture array.
type ArrayDescriptor struct {
	// Dimension is the array shape. Only TextureDimension3D arrays are
	// created by the device layer; the field exists so drivers can reject
	// shapes they do not support.
	Dimension gputypes.TextureDimension

	// Width, Height, Depth are the array extents in elements.
	Width, Height, Depth uint64

	// Format is the element format.
	Format Format

	// Channels is the number of components per element (1, 2 or 4).
	Channels int
}

// ResourceDescriptor describes the memory backing a texture object.
type ResourceDescriptor struct {
	Kind ResourceKind

	// Array backs the resource when Kind is ResourceArray.
	Array Array

	// Ptr backs the resource when Kind is ResourceLinear or ResourcePitch2D.
	Ptr Ptr

	Format   Format
	Channels int

	// Width and Height are used by ResourcePitch2D.
	Width, Height uint64

	// Pitch is the aligned row stride in bytes for ResourcePitch2D.
	Pitch uint64

	// SizeBytes is the total size for ResourceLinear.
	SizeBytes uint64
}

// TextureDescriptor describes sampling of a texture object.
type TextureDescriptor struct {
	Address          AddressMode
	Filter           gputypes.FilterMode
	NormalizedCoords bool
}

// Pinned is page-locked host memory mapped into the device address space.
// The device pointer is valid in every context of the owning driver
// (unified addressing), which is what allows multiple devices to adopt the
// same pinned region.
type Pinned interface {
	// Bytes is the host-visible view of the region.
	Bytes() []byte

	// DevicePtr is the device-visible address of the region.
	DevicePtr() Ptr

	// Size is the region size in bytes.
	Size() uint64
}

// Driver is the native compute driver surface. Memory operations act on the
// current context; callers are responsible for making a context current
// around them.
//
// All methods are blocking. Implementations must be safe for use from a
// single goroutine per context; cross-goroutine use of one context is not
// part of the contract.
type Driver interface {
	// Name identifies the driver family ("cuda", "sim"). Peer access is
	// only negotiated between devices of the same family.
	Name() string

	// Init initializes the driver. Calling Init on an initialized driver
	// is a no-op.
	Init() error

	// DeviceCount reports the number of physical devices.
	DeviceCount() (int, error)

	// DeviceName reports a human-readable device name.
	DeviceName(dev int) (string, error)

	// Attribute queries a device property.
	Attribute(dev int, attr Attribute) (int, error)

	// CreateContext creates an execution context on a device. When mapHost
	// is true the context is created with host-mapping enabled.
	CreateContext(dev int, mapHost bool) (Context, error)

	// DestroyContext destroys a context and all memory allocated in it.
	DestroyContext(ctx Context) error

	// PushContext makes ctx current, saving the previous current context.
	PushContext(ctx Context) error

	// PopContext restores the previously current context and returns the
	// one that was popped.
	PopContext() (Context, error)

	// MemInfo reports free and total device memory of the current context.
	MemInfo() (free, total uint64, err error)

	// MemAlloc allocates linear device memory.
	MemAlloc(n uint64) (Ptr, error)

	// MemFree releases linear device memory.
	MemFree(p Ptr) error

	// MemcpyHtoD copies host bytes to device memory.
	MemcpyHtoD(dst Ptr, src []byte) error

	// MemcpyDtoH copies device memory to host bytes.
	MemcpyDtoH(dst []byte, src Ptr) error

	// Memcpy2D copies height rows of widthBytes each from src (rows
	// srcPitch bytes apart) to dst (rows dstPitch bytes apart).
	Memcpy2D(dst Ptr, dstPitch uint64, src []byte, srcPitch, widthBytes, height uint64) error

	// MemsetD8 fills n bytes of device memory with v.
	MemsetD8(dst Ptr, v byte, n uint64) error

	// HostAlloc allocates pinned host memory mapped for device access.
	HostAlloc(n uint64) (Pinned, error)

	// HostFree releases pinned host memory.
	HostFree(p Pinned) error

	// ArrayCreate creates an opaque texture array.
	ArrayCreate(desc ArrayDescriptor) (Array, error)

	// ArrayDestroy destroys a texture array and its storage.
	ArrayDestroy(a Array) error

	// MemcpyToArray copies host rows into an array in one block transfer.
	MemcpyToArray(a Array, src []byte, srcPitch, height, depth uint64) error

	// TexObjectCreate creates a bindless texture object over res.
	TexObjectCreate(res ResourceDescriptor, tex TextureDescriptor) (TexObject, error)

	// TexObjectDestroy destroys a bindless texture object.
	TexObjectDestroy(t TexObject) error

	// ModuleLoad loads a compiled kernel binary into the current context.
	ModuleLoad(data []byte) (Module, error)

	// ModuleUnload unloads a kernel module.
	ModuleUnload(m Module) error

	// ModuleGlobal resolves a named global in a loaded module to its
	// device address and size.
	ModuleGlobal(m Module, name string) (Ptr, uint64, error)

	// CanAccessPeer reports whether dev can directly access peer memory.
	CanAccessPeer(dev, peer int) (bool, error)

	// CanAccessPeerArrays reports whether array access over the peer link
	// is possible (required for 3D textures).
	CanAccessPeerArrays(dev, peer int) (bool, error)

	// EnablePeerAccess grants the current context direct access to memory
	// of peer. Access is one-directional; callers enable both directions.
	EnablePeerAccess(peer Context) error
}
