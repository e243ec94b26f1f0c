package device

import (
	"fmt"

	"github.com/DonovaneH/blender/device/driver"
)

// MemType classifies a buffer for allocation and eviction policy.
type MemType int

const (
	// MemGeneric is a plain device buffer (geometry, BVH nodes, work
	// tiles). Generic buffers are never evicted to host memory.
	MemGeneric MemType = iota

	// MemGlobal is a device buffer whose pointer is published into a
	// named module global after allocation. Global buffers participate
	// in eviction.
	MemGlobal

	// MemTexture is image or lookup data sampled through the texture
	// slot table. Texture buffers participate in eviction.
	MemTexture
)

// String returns the type name.
func (t MemType) String() string {
	switch t {
	case MemGeneric:
		return "generic"
	case MemGlobal:
		return "global"
	case MemTexture:
		return "texture"
	default:
		return fmt.Sprintf("MemType(%d)", int(t))
	}
}

// DataType is the per-channel element type of a buffer.
type DataType int

const (
	TypeUChar DataType = iota
	TypeUInt16
	TypeUInt
	TypeInt
	TypeFloat
	TypeHalf

	// NanoVDB grids are raw byte blobs addressed by pointer from the
	// kernel. They never get a bindless texture object.
	TypeNanoVDBFloat
	TypeNanoVDBFloat3
)

// Size returns the per-channel byte size.
func (t DataType) Size() uint64 {
	switch t {
	case TypeUChar, TypeNanoVDBFloat, TypeNanoVDBFloat3:
		return 1
	case TypeUInt16, TypeHalf:
		return 2
	case TypeUInt, TypeInt, TypeFloat:
		return 4
	default:
		return 1
	}
}

// String returns the data type name.
func (t DataType) String() string {
	switch t {
	case TypeUChar:
		return "uchar"
	case TypeUInt16:
		return "uint16"
	case TypeUInt:
		return "uint"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeHalf:
		return "half"
	case TypeNanoVDBFloat:
		return "nanovdb_float"
	case TypeNanoVDBFloat3:
		return "nanovdb_float3"
	default:
		return fmt.Sprintf("DataType(%d)", int(t))
	}
}

// Interpolation selects the texture sampling filter.
type Interpolation int

const (
	InterpolationLinear Interpolation = iota
	InterpolationClosest
)

// Extension selects texture behavior outside the [0,1) coordinate range.
type Extension int

const (
	ExtensionRepeat Extension = iota
	ExtensionExtend
	ExtensionClip
)

// Descriptor describes a logical buffer. The caller owns the Descriptor
// and keeps it alive for the lifetime of the allocation; the device keys
// its allocation map on the Descriptor's identity.
type Descriptor struct {
	// Name identifies the buffer in logs. For MemGlobal it is also the
	// kernel module global that receives the device pointer.
	Name string

	Type     MemType
	DataType DataType

	// Elements is the number of channels per element. Zero means one.
	Elements int

	// Width, Height and Depth give the logical extent in elements.
	// Height and Depth of zero mean a 1D buffer.
	Width  uint64
	Height uint64
	Depth  uint64

	// Host optionally holds host-resident content to upload. After a
	// host-mapped allocation adopts the content, writes must go through
	// Allocation.HostBytes instead.
	Host []byte

	// Texture sampling state (MemTexture only).
	Interpolation Interpolation
	Extension     Extension

	// Slot is the texture slot table index (MemTexture only).
	Slot int
}

// ElementSize returns the byte size of one element across all channels.
func (m *Descriptor) ElementSize() uint64 {
	n := uint64(m.Elements)
	if n == 0 {
		n = 1
	}
	return m.DataType.Size() * n
}

// Size returns the logical byte size of the buffer, without any pitch
// padding the device may add.
func (m *Descriptor) Size() uint64 {
	h := m.Height
	if h == 0 {
		h = 1
	}
	d := m.Depth
	if d == 0 {
		d = 1
	}
	return m.Width * h * d * m.ElementSize()
}

// Allocation is the live device-side state of a Descriptor. Handles are
// returned by Alloc, CopyToDevice and Lookup and are invalidated by Free:
// after Free the pointer and size read as zero.
type Allocation struct {
	desc *Descriptor

	ptr  driver.Ptr
	size uint64

	// hostMapped is set when the backing store is pinned host memory
	// mapped into the device address space.
	hostMapped bool
	pinned     driver.Pinned

	// resident is false when the memory is owned by a peer device and
	// only referenced here.
	resident bool

	array     driver.Array
	texObject driver.TexObject
}

// Ptr returns the device pointer, or zero after Free.
func (a *Allocation) Ptr() driver.Ptr { return a.ptr }

// Size returns the device byte size including padding, or zero after Free.
func (a *Allocation) Size() uint64 { return a.size }

// HostMapped reports whether the buffer lives in pinned host memory.
func (a *Allocation) HostMapped() bool { return a.hostMapped }

// HostBytes returns the pinned host backing store, or nil when the buffer
// lives in device memory.
func (a *Allocation) HostBytes() []byte {
	if a.pinned == nil {
		return nil
	}
	return a.pinned.Bytes()
}

// Stats is a snapshot of a device's memory accounting.
type Stats struct {
	// UsedBytes is the current total of live allocations, device and
	// host-mapped combined.
	UsedBytes uint64

	// PeakBytes is the high watermark of UsedBytes.
	PeakBytes uint64

	// HostMappedBytes is the portion of UsedBytes backed by pinned host
	// memory.
	HostMappedBytes uint64

	// Allocations is the number of live allocations.
	Allocations int

	// Evictions counts textures moved from device to host memory.
	Evictions uint64
}
