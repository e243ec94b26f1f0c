package device

import (
	"sync"
	"sync/atomic"

	"github.com/DonovaneH/blender"
	"github.com/DonovaneH/blender/device/driver"
)

// defaultCoordinator serves devices created without an explicit one.
var defaultCoordinator = NewCoordinator()

// sharedHost is one pinned host buffer shared by every device that fell
// back to host memory for the same descriptor.
type sharedHost struct {
	pinned driver.Pinned
	refs   int

	// adopted is set once the descriptor's host content has been copied
	// into the pinned buffer, making it the authoritative host view.
	adopted bool
}

// Coordinator serializes texture eviction across a group of devices and
// tracks the pinned host buffers and buffer residency they share.
// Devices rendering the same scene must share a Coordinator.
type Coordinator struct {
	// moveMu serializes the realloc phase of eviction so two devices
	// never move textures at once.
	moveMu sync.Mutex

	// moving is set while any device holds moveMu for eviction. Other
	// devices skip their own eviction instead of queueing behind it.
	moving atomic.Bool

	sharedMu sync.Mutex
	shared   map[*Descriptor]*sharedHost

	residMu sync.Mutex
	owners  map[*Descriptor]*Device
}

// NewCoordinator returns an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		shared: make(map[*Descriptor]*sharedHost),
		owners: make(map[*Descriptor]*Device),
	}
}

// claim marks d as the owning device for desc if it has no owner yet and
// returns the current owner.
func (c *Coordinator) claim(desc *Descriptor, d *Device) *Device {
	c.residMu.Lock()
	defer c.residMu.Unlock()
	if c.owners[desc] == nil {
		c.owners[desc] = d
	}
	return c.owners[desc]
}

// owner returns the owning device for desc, or nil.
func (c *Coordinator) owner(desc *Descriptor) *Device {
	c.residMu.Lock()
	defer c.residMu.Unlock()
	return c.owners[desc]
}

// release clears ownership of desc if d holds it.
func (c *Coordinator) release(desc *Descriptor, d *Device) {
	c.residMu.Lock()
	if c.owners[desc] == d {
		delete(c.owners, desc)
	}
	c.residMu.Unlock()
}

// resident reports whether desc is owned by d or unowned.
func (d *Device) resident(desc *Descriptor) bool {
	owner := d.coord.owner(desc)
	return owner == nil || owner == d
}

// moveTexturesToHost evicts resident textures until size bytes of device
// memory have been reclaimed or no candidate remains. When forTexture is
// set only image textures qualify; lookup tables stay resident. Returns
// without evicting if another device is already moving.
func (d *Device) moveTexturesToHost(size uint64, forTexture bool) {
	if d.coord.moving.Load() {
		return
	}

	d.movingToHost = true

	for size > 0 {
		var (
			maxDesc    *Descriptor
			maxSize    uint64
			maxIsImage bool
		)
		d.allocMu.Lock()
		for desc, a := range d.allocs {
			// Arrays cannot live in host memory, and buffers owned by
			// a peer device are not ours to move.
			if a.hostMapped || a.array != 0 || !a.resident {
				continue
			}
			isTexture := d.isTextureClass(desc)
			if !isTexture {
				continue
			}
			isImage := desc.Height > 1
			if forTexture && !isImage {
				continue
			}
			// Prefer moving image textures, and the largest first.
			if (isImage && !maxIsImage) ||
				(isImage == maxIsImage && a.size > maxSize) {
				maxDesc = desc
				maxSize = a.size
				maxIsImage = isImage
			}
		}
		d.allocMu.Unlock()

		if maxDesc == nil {
			break
		}

		blender.Logger().Info("device: moving texture to host memory",
			"device", d.name, "name", maxDesc.Name, "bytes", maxSize)

		// Reallocating frees the device copy and, with movingToHost
		// set, lands the new one in pinned host memory.
		d.coord.moveMu.Lock()
		d.coord.moving.Store(true)
		err := d.CopyToDevice(maxDesc)
		d.coord.moving.Store(false)
		d.coord.moveMu.Unlock()

		if err != nil {
			blender.Logger().Debug("device: texture move failed",
				"device", d.name, "name", maxDesc.Name, "err", err)
			break
		}

		d.allocMu.Lock()
		d.evictions++
		d.allocMu.Unlock()

		if maxSize >= size {
			size = 0
		} else {
			size -= maxSize
		}
	}

	d.movingToHost = false

	// Slot table entries now point at host memory.
	d.loadTextureInfo()
}

// isTextureClass reports whether desc uses the texture headroom and may
// be evicted. The slot table itself is excluded.
func (d *Device) isTextureClass(desc *Descriptor) bool {
	if desc == d.texInfo.desc {
		return false
	}
	switch desc.Type {
	case MemTexture, MemGlobal:
		return true
	case MemGeneric:
		return false
	default:
		return false
	}
}
