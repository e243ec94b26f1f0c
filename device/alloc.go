package device

import (
	"encoding/binary"
	"fmt"

	"github.com/DonovaneH/blender"
	"github.com/DonovaneH/blender/device/driver"
)

// Alloc reserves device memory for desc without uploading content.
// Texture and global buffers are allocated through CopyToDevice instead.
func (d *Device) Alloc(desc *Descriptor) (*Allocation, error) {
	switch desc.Type {
	case MemGeneric:
		return d.genericAlloc(desc, 0)
	case MemGlobal, MemTexture:
		return nil, fmt.Errorf("%w: %v buffers are allocated by CopyToDevice", ErrUnsupportedType, desc.Type)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, desc.Type)
	}
}

// CopyToDevice uploads desc's host content, allocating as needed. Global
// and texture buffers are reallocated so changed extents or sampling
// state take effect.
func (d *Device) CopyToDevice(desc *Descriptor) error {
	switch desc.Type {
	case MemGlobal:
		if err := d.globalFree(desc); err != nil {
			return err
		}
		return d.globalAlloc(desc)
	case MemTexture:
		if err := d.texFree(desc); err != nil {
			return err
		}
		return d.texAlloc(desc)
	case MemGeneric:
		if d.Lookup(desc) == nil {
			if _, err := d.genericAlloc(desc, 0); err != nil {
				return err
			}
		}
		return d.genericCopyTo(desc)
	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedType, desc.Type)
	}
}

// Zero clears desc's buffer, allocating it first if needed. Both the
// device copy and any host content are cleared.
func (d *Device) Zero(desc *Descriptor) error {
	a := d.Lookup(desc)
	if a == nil {
		var err error
		a, err = d.Alloc(desc)
		if err != nil {
			return err
		}
	}
	if a.ptr == 0 {
		return nil
	}

	_, adopted := d.hostView(desc, a)
	if a.hostMapped && adopted {
		b := a.HostBytes()
		clear(b[:desc.Size()])
	} else {
		err := d.scoped(func() error {
			return d.drv.MemsetD8(a.ptr, 0, desc.Size())
		})
		if err != nil {
			err = fmt.Errorf("device: zero %q: %w", desc.Name, err)
			d.setError(err)
			return err
		}
	}
	if desc.Host != nil {
		clear(desc.Host)
	}
	return nil
}

// Free releases desc's allocation. Freeing a descriptor with no live
// allocation is a no-op.
func (d *Device) Free(desc *Descriptor) error {
	switch desc.Type {
	case MemGlobal:
		return d.globalFree(desc)
	case MemTexture:
		return d.texFree(desc)
	case MemGeneric:
		return d.genericFree(desc)
	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedType, desc.Type)
	}
}

// CopyFromDevice reads h rows of w elements starting at row y back into
// desc.Host. Rows of a buffer that was never allocated read as zero.
func (d *Device) CopyFromDevice(desc *Descriptor, y, w, h uint64) error {
	if desc.Type == MemTexture || desc.Type == MemGlobal {
		return fmt.Errorf("%w: reading back %v memory", ErrUnsupportedType, desc.Type)
	}
	if desc.Host == nil {
		return nil
	}
	elem := desc.ElementSize()
	size := elem * w * h
	offset := elem * y * w
	dst := desc.Host[offset : offset+size]

	a := d.Lookup(desc)
	if a == nil || a.ptr == 0 {
		clear(dst)
		return nil
	}
	err := d.scoped(func() error {
		return d.drv.MemcpyDtoH(dst, a.ptr+driver.Ptr(offset))
	})
	if err != nil {
		err = fmt.Errorf("device: copy %q from device: %w", desc.Name, err)
		d.setError(err)
	}
	return err
}

// ConstCopyTo writes data into the named kernel module global. Before a
// module is loaded the write is dropped; globals are republished after
// LoadKernels.
func (d *Device) ConstCopyTo(name string, data []byte) error {
	if d.module == 0 {
		blender.Logger().Debug("device: const copy before kernel load",
			"device", d.name, "global", name)
		return nil
	}
	err := d.scoped(func() error {
		ptr, size, err := d.drv.ModuleGlobal(d.module, name)
		if err != nil {
			return err
		}
		n := uint64(len(data))
		if size < n {
			n = size
		}
		return d.drv.MemcpyHtoD(ptr, data[:n])
	})
	if err != nil {
		err = fmt.Errorf("device: const copy to %q: %w", name, err)
		d.setError(err)
	}
	return err
}

// genericAlloc places desc in device memory, evicting textures and
// falling back to pinned host memory under pressure. padding bytes are
// reserved past the logical size for pitched uploads.
func (d *Device) genericAlloc(desc *Descriptor, padding uint64) (*Allocation, error) {
	size := desc.Size() + padding
	a := &Allocation{desc: desc, size: size, resident: true}
	status := ""

	err := d.scoped(func() error {
		isTexture := d.isTextureClass(desc)
		isImage := isTexture && desc.Height > 1

		headroom := d.workingHeadroom
		if isTexture {
			headroom = d.textureHeadroom
		}

		free, _, err := d.drv.MemInfo()
		if err != nil {
			return fmt.Errorf("device: query free memory: %w", err)
		}

		// Keep the headroom free by moving textures out first. Image
		// textures skip this and go to host memory directly below.
		if !d.movingToHost && !isImage && d.canMapHost && size+headroom >= free {
			d.moveTexturesToHost(size+headroom-free, isTexture)
			free, _, _ = d.drv.MemInfo()
		}

		if !d.movingToHost && size+headroom < free {
			ptr, err := d.drv.MemAlloc(size)
			if err == nil {
				a.ptr = ptr
				status = " in device memory"
				return nil
			}
		}

		if d.canMapHost && d.hostFallback(desc, a, size, padding) {
			status = " in host memory"
			return nil
		}
		return fmt.Errorf("%w: allocating %q, %d bytes", ErrOutOfMemory, desc.Name, size)
	})
	if err != nil {
		d.setError(err)
		return nil, err
	}

	blender.Logger().Debug("device: alloc"+status,
		"device", d.name, "name", desc.Name, "type", desc.Type, "bytes", size)

	d.allocMu.Lock()
	d.allocs[desc] = a
	d.statAlloc(size)
	d.allocMu.Unlock()
	return a, nil
}

// hostFallback backs a with pinned host memory, reusing the shared
// buffer if another device already created one for desc. Reports false
// when the host memory limit is reached or pinning fails.
func (d *Device) hostFallback(desc *Descriptor, a *Allocation, size, padding uint64) bool {
	c := d.coord
	c.sharedMu.Lock()
	defer c.sharedMu.Unlock()

	entry := c.shared[desc]
	if entry != nil {
		entry.refs++
	} else {
		if d.hostLimit == 0 || d.hostUsed+size >= d.hostLimit {
			return false
		}
		pinned, err := d.drv.HostAlloc(size)
		if err != nil {
			return false
		}
		entry = &sharedHost{pinned: pinned, refs: 1}
		c.shared[desc] = entry
	}

	// Converge the descriptor's host content into the pinned buffer so
	// every device and the host read one copy. Pitched buffers keep
	// their separate layout.
	if !d.movingToHost && padding == 0 && desc.Host != nil && !entry.adopted {
		copy(entry.pinned.Bytes(), desc.Host)
		entry.adopted = true
	}

	a.ptr = entry.pinned.DevicePtr()
	a.hostMapped = true
	a.pinned = entry.pinned
	d.hostUsed += size
	return true
}

// genericCopyTo uploads the authoritative host content to a's device
// memory. A host-mapped buffer whose content already converged needs no
// copy.
func (d *Device) genericCopyTo(desc *Descriptor) error {
	a := d.Lookup(desc)
	if a == nil || a.ptr == 0 {
		return nil
	}
	src, adopted := d.hostView(desc, a)
	if src == nil || desc.Size() == 0 {
		return nil
	}
	if a.hostMapped && adopted {
		return nil
	}
	err := d.scoped(func() error {
		return d.drv.MemcpyHtoD(a.ptr, src[:desc.Size()])
	})
	if err != nil {
		err = fmt.Errorf("device: copy %q to device: %w", desc.Name, err)
		d.setError(err)
	}
	return err
}

// hostView returns the authoritative host content for desc, and whether
// that content is the shared pinned buffer.
func (d *Device) hostView(desc *Descriptor, a *Allocation) ([]byte, bool) {
	if a != nil && a.hostMapped {
		d.coord.sharedMu.Lock()
		entry := d.coord.shared[desc]
		d.coord.sharedMu.Unlock()
		if entry != nil && entry.adopted {
			return entry.pinned.Bytes(), true
		}
	}
	return desc.Host, false
}

// genericFree releases desc's allocation and zeroes the handle. The
// shared pinned buffer is released when its last device reference drops.
func (d *Device) genericFree(desc *Descriptor) error {
	d.allocMu.Lock()
	a := d.allocs[desc]
	if a == nil {
		d.allocMu.Unlock()
		return nil
	}
	delete(d.allocs, desc)
	d.statFree(a.size)
	d.allocMu.Unlock()

	var err error
	if a.hostMapped {
		c := d.coord
		c.sharedMu.Lock()
		if entry := c.shared[desc]; entry != nil {
			entry.refs--
			if entry.refs == 0 {
				delete(c.shared, desc)
				err = d.scoped(func() error {
					return d.drv.HostFree(entry.pinned)
				})
			}
		}
		d.hostUsed -= a.size
		c.sharedMu.Unlock()
	} else if a.ptr != 0 {
		err = d.scoped(func() error {
			return d.drv.MemFree(a.ptr)
		})
	}

	a.ptr = 0
	a.size = 0
	a.pinned = nil
	a.hostMapped = false

	if err != nil {
		err = fmt.Errorf("device: free %q: %w", desc.Name, err)
		d.setError(err)
	}
	return err
}

// globalAlloc allocates a resident global buffer and publishes its
// device pointer into the module global named by the descriptor. For
// buffers owned by a peer device only the pointer is published.
func (d *Device) globalAlloc(desc *Descriptor) error {
	var ptr driver.Ptr
	if d.resident(desc) {
		a, err := d.genericAlloc(desc, 0)
		if err != nil {
			return err
		}
		d.coord.claim(desc, d)
		if err := d.genericCopyTo(desc); err != nil {
			return err
		}
		ptr = a.ptr
	} else if owner := d.coord.owner(desc); owner != nil {
		if oa := owner.Lookup(desc); oa != nil {
			ptr = oa.ptr
		}
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(ptr))
	return d.ConstCopyTo(desc.Name, buf[:])
}

func (d *Device) globalFree(desc *Descriptor) error {
	if d.Lookup(desc) == nil || !d.resident(desc) {
		return nil
	}
	err := d.genericFree(desc)
	d.coord.release(desc, d)
	return err
}
