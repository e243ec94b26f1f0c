package device

import (
	"fmt"
	"sync"

	"github.com/DonovaneH/blender"
	"github.com/DonovaneH/blender/device/driver"
)

const (
	// minComputeMajor is the oldest supported compute capability.
	minComputeMajor = 3

	// DefaultWorkingHeadroom is kept free on top of working memory
	// allocations so kernels retain scratch space.
	DefaultWorkingHeadroom = 32 << 20

	// DefaultTextureHeadroom is kept free on top of texture allocations.
	DefaultTextureHeadroom = 128 << 20
)

// Config configures a Device. The zero value selects the default driver,
// device index 0 and the process-wide eviction coordinator.
type Config struct {
	// Driver selects the compute driver. Nil uses the registry default.
	Driver driver.Driver

	// Index is the physical device index.
	Index int

	// Coordinator serializes eviction and shares pinned host memory
	// between devices. Nil uses the process-wide coordinator; devices
	// that should share host-mapped buffers must share a Coordinator.
	Coordinator *Coordinator

	// WorkingHeadroom and TextureHeadroom override the free-memory
	// margins kept during allocation. Zero selects the defaults.
	WorkingHeadroom uint64
	TextureHeadroom uint64

	// HostMapLimit caps pinned host memory used for fallback
	// allocations, in bytes. Zero derives the cap from system RAM.
	HostMapLimit uint64
}

// Device manages memory and kernels for one accelerator.
type Device struct {
	drv   driver.Driver
	index int
	name  string
	ctx   driver.Context
	coord *Coordinator

	major          int
	minor          int
	canMapHost     bool
	pitchAlignment uint64

	workingHeadroom uint64
	textureHeadroom uint64
	hostLimit       uint64

	allocMu sync.Mutex
	allocs  map[*Descriptor]*Allocation

	// movingToHost is set while this device evicts textures, so nested
	// allocations go straight to host memory. Only touched from the
	// goroutine driving the eviction.
	movingToHost bool

	texInfo slotTable

	module driver.Module

	statUsed  uint64
	statPeak  uint64
	evictions uint64

	// hostUsed tracks pinned host bytes charged to this device. Guarded
	// by the coordinator's shared-buffer mutex.
	hostUsed uint64

	errMu sync.Mutex
	err   error

	closed bool
}

// New opens the accelerator at cfg.Index and creates its context.
func New(cfg Config) (*Device, error) {
	drv := cfg.Driver
	if drv == nil {
		drv = driver.Default()
	}
	if drv == nil {
		return nil, ErrNoDriver
	}
	if err := drv.Init(); err != nil {
		return nil, fmt.Errorf("device: driver init: %w", err)
	}
	n, err := drv.DeviceCount()
	if err != nil {
		return nil, fmt.Errorf("device: device count: %w", err)
	}
	if cfg.Index < 0 || cfg.Index >= n {
		return nil, fmt.Errorf("device: index %d out of range, %d device(s) present", cfg.Index, n)
	}

	d := &Device{
		drv:             drv,
		index:           cfg.Index,
		coord:           cfg.Coordinator,
		workingHeadroom: cfg.WorkingHeadroom,
		textureHeadroom: cfg.TextureHeadroom,
		allocs:          make(map[*Descriptor]*Allocation),
	}
	if d.coord == nil {
		d.coord = defaultCoordinator
	}
	if d.workingHeadroom == 0 {
		d.workingHeadroom = DefaultWorkingHeadroom
	}
	if d.textureHeadroom == 0 {
		d.textureHeadroom = DefaultTextureHeadroom
	}

	d.name, err = drv.DeviceName(cfg.Index)
	if err != nil {
		return nil, fmt.Errorf("device: device name: %w", err)
	}
	d.major, err = drv.Attribute(cfg.Index, driver.AttrComputeMajor)
	if err != nil {
		return nil, fmt.Errorf("device: compute capability: %w", err)
	}
	d.minor, err = drv.Attribute(cfg.Index, driver.AttrComputeMinor)
	if err != nil {
		return nil, fmt.Errorf("device: compute capability: %w", err)
	}
	if d.major < minComputeMajor {
		return nil, fmt.Errorf("%w: device %q has compute capability %d.%d, minimum is %d.0",
			ErrDeviceUnsupported, d.name, d.major, d.minor, minComputeMajor)
	}

	canMap, err := drv.Attribute(cfg.Index, driver.AttrCanMapHostMemory)
	if err != nil {
		return nil, fmt.Errorf("device: host map attribute: %w", err)
	}
	d.canMapHost = canMap != 0
	align, err := drv.Attribute(cfg.Index, driver.AttrTexturePitchAlignment)
	if err != nil {
		return nil, fmt.Errorf("device: pitch alignment: %w", err)
	}
	d.pitchAlignment = uint64(align)

	if d.canMapHost {
		d.hostLimit = cfg.HostMapLimit
		if d.hostLimit == 0 {
			d.hostLimit = hostMapLimit(systemRAM())
		}
	}

	d.ctx, err = drv.CreateContext(cfg.Index, d.canMapHost)
	if err != nil {
		return nil, fmt.Errorf("device: create context for %q: %w", d.name, err)
	}

	d.texInfo.init()

	blender.Logger().Info("device: opened accelerator",
		"driver", drv.Name(),
		"device", d.name,
		"compute", fmt.Sprintf("%d.%d", d.major, d.minor),
		"host_map_limit", d.hostLimit)
	return d, nil
}

// Close releases the texture slot table and destroys the device context.
// Remaining allocations are released with the context.
func (d *Device) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	if d.texInfo.desc != nil {
		_ = d.Free(d.texInfo.desc)
	}
	if err := d.drv.DestroyContext(d.ctx); err != nil {
		return fmt.Errorf("device: destroy context: %w", err)
	}
	return nil
}

// Name returns the accelerator name reported by the driver.
func (d *Device) Name() string { return d.name }

// ComputeCapability returns the device's major and minor capability.
func (d *Device) ComputeCapability() (major, minor int) { return d.major, d.minor }

// MultiprocessorCount returns the number of multiprocessors, or def when
// the driver cannot report it.
func (d *Device) MultiprocessorCount(def int) int {
	return d.attributeDefault(driver.AttrMultiprocessorCount, def)
}

// MaxThreadsPerMultiprocessor returns the thread capacity per
// multiprocessor, or def when the driver cannot report it.
func (d *Device) MaxThreadsPerMultiprocessor(def int) int {
	return d.attributeDefault(driver.AttrMaxThreadsPerMultiprocessor, def)
}

func (d *Device) attributeDefault(attr driver.Attribute, def int) int {
	v, err := d.drv.Attribute(d.index, attr)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// Err returns the first error recorded on the device, or nil. Later
// errors are logged but do not replace the first.
func (d *Device) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.err
}

func (d *Device) setError(err error) {
	if err == nil {
		return
	}
	d.errMu.Lock()
	first := d.err == nil
	if first {
		d.err = err
	}
	d.errMu.Unlock()
	if first {
		blender.Logger().Error("device: error", "device", d.name, "err", err)
	} else {
		blender.Logger().Debug("device: suppressed error", "device", d.name, "err", err)
	}
}

// scoped makes the device context current for the duration of fn.
// Scopes nest.
func (d *Device) scoped(fn func() error) error {
	if err := d.drv.PushContext(d.ctx); err != nil {
		return fmt.Errorf("device: push context: %w", err)
	}
	defer func() {
		_, _ = d.drv.PopContext()
	}()
	return fn()
}

// Lookup returns the live allocation for desc, or nil.
func (d *Device) Lookup(desc *Descriptor) *Allocation {
	d.allocMu.Lock()
	defer d.allocMu.Unlock()
	return d.allocs[desc]
}

// Stats returns a snapshot of the device's memory accounting.
func (d *Device) Stats() Stats {
	d.allocMu.Lock()
	s := Stats{
		UsedBytes:   d.statUsed,
		PeakBytes:   d.statPeak,
		Allocations: len(d.allocs),
		Evictions:   d.evictions,
	}
	d.allocMu.Unlock()

	d.coord.sharedMu.Lock()
	s.HostMappedBytes = d.hostUsed
	d.coord.sharedMu.Unlock()
	return s
}

// statAlloc and statFree adjust accounting; callers hold allocMu.
func (d *Device) statAlloc(size uint64) {
	d.statUsed += size
	if d.statUsed > d.statPeak {
		d.statPeak = d.statUsed
	}
}

func (d *Device) statFree(size uint64) {
	d.statUsed -= size
}
