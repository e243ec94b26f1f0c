package device

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/DonovaneH/blender"
	"github.com/DonovaneH/blender/device/driver"
)

// TextureInfo is one slot table entry as read by kernels: the bindless
// handle (or raw device pointer for NanoVDB grids), the extent and the
// sampling state.
type TextureInfo struct {
	Data   uint64
	Width  uint64
	Height uint64
	Depth  uint64

	DataType      DataType
	Interpolation Interpolation
	Extension     Extension
}

// textureInfoSize is the encoded entry size, matching the kernel-side
// struct layout.
const textureInfoSize = 48

func encodeTextureInfo(entries []TextureInfo) []byte {
	buf := make([]byte, len(entries)*textureInfoSize)
	for i, e := range entries {
		b := buf[i*textureInfoSize:]
		binary.LittleEndian.PutUint64(b[0:], e.Data)
		binary.LittleEndian.PutUint64(b[8:], e.Width)
		binary.LittleEndian.PutUint64(b[16:], e.Height)
		binary.LittleEndian.PutUint64(b[24:], e.Depth)
		binary.LittleEndian.PutUint32(b[32:], uint32(e.DataType))
		binary.LittleEndian.PutUint32(b[36:], uint32(e.Interpolation))
		binary.LittleEndian.PutUint32(b[40:], uint32(e.Extension))
	}
	return buf
}

// slotChunk is the growth granularity of the slot table, so repeated
// uploads of consecutive slots do not reallocate every time.
const slotChunk = 128

// slotTable is the device-side texture info array. It is itself a global
// buffer, republished whenever an entry changes.
type slotTable struct {
	desc    *Descriptor
	entries []TextureInfo
	dirty   bool
}

func (t *slotTable) init() {
	t.desc = &Descriptor{
		Name:     "texture_info",
		Type:     MemGlobal,
		DataType: TypeUChar,
	}
}

func (t *slotTable) set(slot int, info TextureInfo) {
	if slot >= len(t.entries) {
		grown := make([]TextureInfo, slot+slotChunk)
		copy(grown, t.entries)
		t.entries = grown
	}
	t.entries[slot] = info
	t.dirty = true
}

// LoadTextureInfo uploads the slot table if any entry changed since the
// last upload. Call after a batch of texture uploads and before kernel
// launches.
func (d *Device) LoadTextureInfo() {
	d.loadTextureInfo()
}

func (d *Device) loadTextureInfo() {
	if !d.texInfo.dirty {
		return
	}
	// Clear the flag first: the upload below can move memory around and
	// mark the table dirty again, which must not recurse.
	d.texInfo.dirty = false

	buf := encodeTextureInfo(d.texInfo.entries)
	d.texInfo.desc.Host = buf
	d.texInfo.desc.Width = uint64(len(buf))
	if err := d.CopyToDevice(d.texInfo.desc); err != nil {
		blender.Logger().Debug("device: slot table upload failed",
			"device", d.name, "err", err)
	}
}

// texFormat maps a descriptor to the driver texel format. Three-channel
// formats have no bindless representation.
func texFormat(desc *Descriptor) (driver.Format, int, error) {
	channels := desc.Elements
	if channels == 0 {
		channels = 1
	}
	if channels != 1 && channels != 2 && channels != 4 {
		return 0, 0, fmt.Errorf("device: texture %q has %d channels, want 1, 2 or 4",
			desc.Name, channels)
	}
	var f driver.Format
	switch desc.DataType {
	case TypeUChar:
		f = driver.FormatUint8
	case TypeUInt16:
		f = driver.FormatUint16
	case TypeUInt:
		f = driver.FormatUint32
	case TypeInt:
		f = driver.FormatInt32
	case TypeFloat:
		f = driver.FormatFloat32
	case TypeHalf:
		f = driver.FormatFloat16
	default:
		return 0, 0, fmt.Errorf("device: texture %q has no texel format for %v",
			desc.Name, desc.DataType)
	}
	return f, channels, nil
}

func alignUp(x, align uint64) uint64 {
	if align == 0 {
		return x
	}
	return (x + align - 1) / align * align
}

// texAlloc places a texture on the device and fills its slot table
// entry. 3D data goes into an array, 2D data into pitched linear memory
// and 1D data into plain linear memory. NanoVDB grids are stored as raw
// bytes with their pointer in the slot table instead of a bindless
// handle.
func (d *Device) texAlloc(desc *Descriptor) error {
	size := desc.Size()
	nanovdb := desc.DataType == TypeNanoVDBFloat || desc.DataType == TypeNanoVDBFloat3
	resident := d.resident(desc)

	var (
		a        *Allocation
		dstPitch uint64
	)

	switch {
	case !resident:
		// Owned by a peer device; reference its memory.
		owner := d.coord.owner(desc)
		oa := owner.Lookup(desc)
		if oa == nil {
			err := fmt.Errorf("device: texture %q owned by %q but not allocated there",
				desc.Name, owner.Name())
			d.setError(err)
			return err
		}
		a = &Allocation{desc: desc, ptr: oa.ptr, array: oa.array}
		if desc.Height > 0 {
			srcPitch := desc.Width * desc.ElementSize()
			dstPitch = alignUp(srcPitch, d.pitchAlignment)
		}
		d.allocMu.Lock()
		d.allocs[desc] = a
		d.allocMu.Unlock()

	case desc.Depth > 1:
		format, channels, err := texFormat(desc)
		if err != nil {
			d.setError(err)
			return err
		}
		var arr driver.Array
		err = d.scoped(func() error {
			var err error
			arr, err = d.drv.ArrayCreate(driver.ArrayDescriptor{
				Dimension: gputypes.TextureDimension3D,
				Width:     desc.Width,
				Height:    desc.Height,
				Depth:     desc.Depth,
				Format:    format,
				Channels:  channels,
			})
			if err != nil {
				return err
			}
			if desc.Host != nil {
				srcPitch := desc.Width * desc.ElementSize()
				return d.drv.MemcpyToArray(arr, desc.Host[:size], srcPitch, desc.Height, desc.Depth)
			}
			return nil
		})
		if err != nil {
			err = fmt.Errorf("device: texture array %q: %w", desc.Name, err)
			d.setError(err)
			return err
		}
		a = &Allocation{
			desc:     desc,
			ptr:      driver.Ptr(arr),
			array:    arr,
			size:     size,
			resident: true,
		}
		d.allocMu.Lock()
		d.allocs[desc] = a
		d.statAlloc(size)
		d.allocMu.Unlock()
		blender.Logger().Debug("device: alloc texture array",
			"device", d.name, "name", desc.Name, "bytes", size)

	case desc.Height > 0:
		srcPitch := desc.Width * desc.ElementSize()
		dstPitch = alignUp(srcPitch, d.pitchAlignment)
		var err error
		a, err = d.genericAlloc(desc, dstPitch*desc.Height-size)
		if err != nil {
			return err
		}
		if desc.Host != nil {
			err = d.scoped(func() error {
				return d.drv.Memcpy2D(a.ptr, dstPitch, desc.Host[:size], srcPitch, srcPitch, desc.Height)
			})
			if err != nil {
				err = fmt.Errorf("device: upload texture %q: %w", desc.Name, err)
				d.setError(err)
				return err
			}
		}

	default:
		var err error
		a, err = d.genericAlloc(desc, 0)
		if err != nil {
			return err
		}
		if desc.Host != nil {
			err = d.scoped(func() error {
				return d.drv.MemcpyHtoD(a.ptr, desc.Host[:size])
			})
			if err != nil {
				err = fmt.Errorf("device: upload texture %q: %w", desc.Name, err)
				d.setError(err)
				return err
			}
		}
	}

	if resident {
		d.coord.claim(desc, d)
	}

	if desc.Type != MemTexture {
		return nil
	}

	info := TextureInfo{
		Width:         desc.Width,
		Height:        desc.Height,
		Depth:         desc.Depth,
		DataType:      desc.DataType,
		Interpolation: desc.Interpolation,
		Extension:     desc.Extension,
	}

	if nanovdb {
		info.Data = uint64(a.ptr)
	} else {
		format, channels, err := texFormat(desc)
		if err != nil {
			d.setError(err)
			return err
		}
		res := driver.ResourceDescriptor{
			Format:   format,
			Channels: channels,
		}
		switch {
		case a.array != 0:
			res.Kind = driver.ResourceArray
			res.Array = a.array
		case desc.Height > 0:
			res.Kind = driver.ResourcePitch2D
			res.Ptr = a.ptr
			res.Width = desc.Width
			res.Height = desc.Height
			res.Pitch = dstPitch
		default:
			res.Kind = driver.ResourceLinear
			res.Ptr = a.ptr
			res.SizeBytes = size
		}

		var addr driver.AddressMode
		switch desc.Extension {
		case ExtensionRepeat:
			addr = driver.AddressWrap
		case ExtensionExtend:
			addr = driver.AddressClamp
		case ExtensionClip:
			addr = driver.AddressBorder
		default:
			addr = driver.AddressWrap
		}
		filter := gputypes.FilterModeLinear
		if desc.Interpolation == InterpolationClosest {
			filter = gputypes.FilterModeNearest
		}

		err = d.scoped(func() error {
			t, err := d.drv.TexObjectCreate(res, driver.TextureDescriptor{
				Address:          addr,
				Filter:           filter,
				NormalizedCoords: true,
			})
			if err != nil {
				return err
			}
			a.texObject = t
			return nil
		})
		if err != nil {
			err = fmt.Errorf("device: texture object %q: %w", desc.Name, err)
			d.setError(err)
			return err
		}
		info.Data = uint64(a.texObject)
	}

	if desc.Slot >= 0 {
		d.texInfo.set(desc.Slot, info)
	}
	return nil
}

// texFree destroys desc's texture object and releases its memory. A
// reference to a peer device's texture drops only the local record.
func (d *Device) texFree(desc *Descriptor) error {
	d.allocMu.Lock()
	a := d.allocs[desc]
	d.allocMu.Unlock()
	if a == nil {
		return nil
	}

	var texErr error
	if a.texObject != 0 {
		texErr = d.scoped(func() error {
			return d.drv.TexObjectDestroy(a.texObject)
		})
		a.texObject = 0
	}

	switch {
	case !a.resident:
		d.allocMu.Lock()
		delete(d.allocs, desc)
		d.allocMu.Unlock()
		a.ptr = 0
		a.array = 0

	case a.array != 0:
		err := d.scoped(func() error {
			return d.drv.ArrayDestroy(a.array)
		})
		d.allocMu.Lock()
		delete(d.allocs, desc)
		d.statFree(a.size)
		d.allocMu.Unlock()
		a.ptr = 0
		a.array = 0
		a.size = 0
		d.coord.release(desc, d)
		if err != nil {
			err = fmt.Errorf("device: free texture array %q: %w", desc.Name, err)
			d.setError(err)
			return err
		}

	default:
		err := d.genericFree(desc)
		d.coord.release(desc, d)
		if err != nil {
			return err
		}
	}

	if texErr != nil {
		texErr = fmt.Errorf("device: destroy texture object %q: %w", desc.Name, texErr)
		d.setError(texErr)
	}
	return texErr
}
