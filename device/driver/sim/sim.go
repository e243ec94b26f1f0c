// Package sim provides an in-memory simulated compute driver.
//
// The simulator implements the full driver surface over plain Go memory:
// a fixed-size device memory pool per simulated device, pinned host
// regions with unified addressing, opaque arrays and texture objects, and
// a configurable peer-access matrix. It backs the test suite and serves
// as the software fallback when no native driver is registered.
package sim

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/DonovaneH/blender/device/driver"
)

// Default simulated device properties.
const (
	// DefaultMemoryBytes is the device memory pool size (512 MB).
	DefaultMemoryBytes = 512 * 1024 * 1024

	// DefaultPitchAlignment is the pitched-memory row alignment.
	DefaultPitchAlignment = 32
)

// DeviceConfig describes one simulated device.
type DeviceConfig struct {
	// Name is the reported device name.
	Name string

	// MemoryBytes is the device memory pool size.
	// Defaults to DefaultMemoryBytes if 0.
	MemoryBytes uint64

	// ComputeMajor and ComputeMinor are the reported capability level.
	// Default to 7.0 if both are 0.
	ComputeMajor, ComputeMinor int

	// CanMapHost reports pinned host memory mapping support.
	CanMapHost bool

	// PitchAlignment is the pitched-memory row alignment.
	// Defaults to DefaultPitchAlignment if 0.
	PitchAlignment int

	// Multiprocessors is the reported multiprocessor count.
	Multiprocessors int

	// MaxThreadsPerMP is the reported thread capacity per multiprocessor.
	MaxThreadsPerMP int
}

// Config holds configuration for creating a simulated driver.
type Config struct {
	// Devices lists the simulated devices. Defaults to one device with
	// DefaultConfig properties if empty.
	Devices []DeviceConfig
}

// DefaultConfig returns a single-device configuration with host mapping
// enabled.
func DefaultConfig() Config {
	return Config{Devices: []DeviceConfig{{
		Name:       "Simulated Accelerator",
		CanMapHost: true,
	}}}
}

func init() {
	driver.Register(driver.DriverSim, func() driver.Driver {
		return New(DefaultConfig())
	})
}

// devAlloc is a linear device memory allocation.
type devAlloc struct {
	base driver.Ptr
	data []byte
}

// pinnedMem is a pinned host region with its device mapping.
// It implements driver.Pinned.
type pinnedMem struct {
	base driver.Ptr
	data []byte
}

func (p *pinnedMem) Bytes() []byte         { return p.data }
func (p *pinnedMem) DevicePtr() driver.Ptr { return p.base }
func (p *pinnedMem) Size() uint64          { return uint64(len(p.data)) }

// devArray is an opaque texture array with its storage.
type devArray struct {
	desc driver.ArrayDescriptor
	data []byte
}

// texObject is a bindless texture object.
type texObject struct {
	res driver.ResourceDescriptor
	tex driver.TextureDescriptor
}

// simDevice is the per-device state: a memory pool and its allocations.
type simDevice struct {
	cfg    DeviceConfig
	used   uint64
	allocs map[driver.Ptr]*devAlloc
	arrays map[driver.Array]*devArray
}

// simModule is a loaded kernel binary with lazily created globals.
type simModule struct {
	data    []byte
	globals map[string]driver.Ptr
}

// Driver is an in-memory simulated compute driver.
//
// Driver is safe for concurrent use; a single mutex guards all state,
// which is acceptable for a simulator.
type Driver struct {
	mu     sync.Mutex
	devs   []*simDevice
	inited bool

	// next is the handle and address counter. Never zero, so a zero Ptr
	// never refers to a live allocation.
	next uint64

	ctxs  map[driver.Context]int // context -> device index
	stack []driver.Context       // current-context stack, top is last

	pinned  map[driver.Ptr]*pinnedMem
	texObjs map[driver.TexObject]texObject
	modules map[driver.Module]*simModule

	peer       map[[2]int]bool
	peerArrays map[[2]int]bool
	peerOn     map[[2]driver.Context]bool

	// Fault injection.
	allocFailures int
	peerEnableErr error
}

// New creates a simulated driver. An empty config gets one default device.
func New(cfg Config) *Driver {
	if len(cfg.Devices) == 0 {
		cfg = DefaultConfig()
	}
	d := &Driver{
		next:       0x1000,
		ctxs:       make(map[driver.Context]int),
		pinned:     make(map[driver.Ptr]*pinnedMem),
		texObjs:    make(map[driver.TexObject]texObject),
		modules:    make(map[driver.Module]*simModule),
		peer:       make(map[[2]int]bool),
		peerArrays: make(map[[2]int]bool),
		peerOn:     make(map[[2]driver.Context]bool),
	}
	for _, dc := range cfg.Devices {
		if dc.MemoryBytes == 0 {
			dc.MemoryBytes = DefaultMemoryBytes
		}
		if dc.ComputeMajor == 0 && dc.ComputeMinor == 0 {
			dc.ComputeMajor = 7
		}
		if dc.PitchAlignment == 0 {
			dc.PitchAlignment = DefaultPitchAlignment
		}
		if dc.Name == "" {
			dc.Name = fmt.Sprintf("Simulated Accelerator %d", len(d.devs))
		}
		d.devs = append(d.devs, &simDevice{
			cfg:    dc,
			allocs: make(map[driver.Ptr]*devAlloc),
			arrays: make(map[driver.Array]*devArray),
		})
	}
	return d
}

// FailNextAllocs makes the next n device memory allocations fail with
// driver.ErrOutOfMemory regardless of pool headroom. For testing.
func (d *Driver) FailNextAllocs(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allocFailures = n
}

// SetPeerAccess configures the peer-access capability between two devices.
// Access is symmetric in the capability matrix.
func (d *Driver) SetPeerAccess(a, b int, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peer[[2]int{a, b}] = ok
	d.peer[[2]int{b, a}] = ok
}

// SetPeerArrayAccess configures array-access-over-link capability.
func (d *Driver) SetPeerArrayAccess(a, b int, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peerArrays[[2]int{a, b}] = ok
	d.peerArrays[[2]int{b, a}] = ok
}

// FailPeerEnable makes EnablePeerAccess fail with err. Pass nil to restore
// normal behavior. For testing.
func (d *Driver) FailPeerEnable(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peerEnableErr = err
}

// Name returns the driver family identifier.
func (d *Driver) Name() string { return driver.DriverSim }

// Init initializes the driver. Always succeeds for the simulator.
func (d *Driver) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inited = true
	return nil
}

// DeviceCount reports the number of simulated devices.
func (d *Driver) DeviceCount() (int, error) {
	return len(d.devs), nil
}

// DeviceName reports the configured device name.
func (d *Driver) DeviceName(dev int) (string, error) {
	sd, err := d.device(dev)
	if err != nil {
		return "", err
	}
	return sd.cfg.Name, nil
}

// Attribute queries a simulated device property.
func (d *Driver) Attribute(dev int, attr driver.Attribute) (int, error) {
	sd, err := d.device(dev)
	if err != nil {
		return 0, err
	}
	switch attr {
	case driver.AttrComputeMajor:
		return sd.cfg.ComputeMajor, nil
	case driver.AttrComputeMinor:
		return sd.cfg.ComputeMinor, nil
	case driver.AttrCanMapHostMemory:
		if sd.cfg.CanMapHost {
			return 1, nil
		}
		return 0, nil
	case driver.AttrTexturePitchAlignment:
		return sd.cfg.PitchAlignment, nil
	case driver.AttrMultiprocessorCount:
		return sd.cfg.Multiprocessors, nil
	case driver.AttrMaxThreadsPerMultiprocessor:
		return sd.cfg.MaxThreadsPerMP, nil
	default:
		return 0, fmt.Errorf("%w: unknown attribute %d", driver.ErrNotSupported, attr)
	}
}

func (d *Driver) device(dev int) (*simDevice, error) {
	if dev < 0 || dev >= len(d.devs) {
		return nil, fmt.Errorf("sim: no device %d", dev)
	}
	return d.devs[dev], nil
}

// current returns the device of the current context.
// Caller must hold d.mu.
func (d *Driver) current() (*simDevice, error) {
	if len(d.stack) == 0 {
		return nil, driver.ErrInvalidContext
	}
	idx, ok := d.ctxs[d.stack[len(d.stack)-1]]
	if !ok {
		return nil, driver.ErrInvalidContext
	}
	return d.devs[idx], nil
}

// handle returns a fresh opaque handle value. Caller must hold d.mu.
func (d *Driver) handle() uint64 {
	h := d.next
	d.next += 0x10
	return h
}

// CreateContext creates a context on a device.
func (d *Driver) CreateContext(dev int, mapHost bool) (driver.Context, error) {
	sd, err := d.device(dev)
	if err != nil {
		return 0, err
	}
	if mapHost && !sd.cfg.CanMapHost {
		return 0, fmt.Errorf("%w: host mapping", driver.ErrNotSupported)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx := driver.Context(d.handle())
	d.ctxs[ctx] = dev
	return ctx, nil
}

// DestroyContext destroys a context.
func (d *Driver) DestroyContext(ctx driver.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.ctxs[ctx]; !ok {
		return driver.ErrInvalidContext
	}
	delete(d.ctxs, ctx)
	return nil
}

// PushContext makes ctx current.
func (d *Driver) PushContext(ctx driver.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.ctxs[ctx]; !ok {
		return driver.ErrInvalidContext
	}
	d.stack = append(d.stack, ctx)
	return nil
}

// PopContext restores the previously current context.
func (d *Driver) PopContext() (driver.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.stack) == 0 {
		return 0, driver.ErrInvalidContext
	}
	ctx := d.stack[len(d.stack)-1]
	d.stack = d.stack[:len(d.stack)-1]
	return ctx, nil
}

// CurrentContext returns the current context, or zero when none is
// current. For testing scope nesting.
func (d *Driver) CurrentContext() driver.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.stack) == 0 {
		return 0
	}
	return d.stack[len(d.stack)-1]
}

// MemInfo reports free and total pool bytes of the current device.
func (d *Driver) MemInfo() (free, total uint64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sd, err := d.current()
	if err != nil {
		return 0, 0, err
	}
	return sd.cfg.MemoryBytes - sd.used, sd.cfg.MemoryBytes, nil
}

// MemAlloc allocates from the current device's pool.
func (d *Driver) MemAlloc(n uint64) (driver.Ptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sd, err := d.current()
	if err != nil {
		return 0, err
	}
	if d.allocFailures > 0 {
		d.allocFailures--
		return 0, driver.ErrOutOfMemory
	}
	if sd.used+n > sd.cfg.MemoryBytes {
		return 0, driver.ErrOutOfMemory
	}
	base := driver.Ptr(d.next)
	d.next += n + 0x100
	sd.allocs[base] = &devAlloc{base: base, data: make([]byte, n)}
	sd.used += n
	return base, nil
}

// MemFree releases a pool allocation.
func (d *Driver) MemFree(p driver.Ptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sd, err := d.current()
	if err != nil {
		return err
	}
	a, ok := sd.allocs[p]
	if !ok {
		return driver.ErrInvalidPointer
	}
	sd.used -= uint64(len(a.data))
	delete(sd.allocs, p)
	return nil
}

// resolve finds the backing bytes at p, which may point into the interior
// of a device allocation or a pinned host region. Addresses are unique
// across the whole driver, so under unified addressing every device's
// pool is visible from every context. Caller must hold d.mu.
func (d *Driver) resolve(p driver.Ptr) ([]byte, error) {
	for _, sd := range d.devs {
		for base, a := range sd.allocs {
			if p >= base && p < base+driver.Ptr(len(a.data)) {
				return a.data[p-base:], nil
			}
		}
	}
	for base, pm := range d.pinned {
		if p >= base && p < base+driver.Ptr(len(pm.data)) {
			return pm.data[p-base:], nil
		}
	}
	return nil, driver.ErrInvalidPointer
}

// MemcpyHtoD copies host bytes to device memory.
func (d *Driver) MemcpyHtoD(dst driver.Ptr, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.resolve(dst)
	if err != nil {
		return err
	}
	if len(src) > len(b) {
		return fmt.Errorf("%w: copy of %d bytes past end of allocation", driver.ErrInvalidPointer, len(src))
	}
	copy(b, src)
	return nil
}

// MemcpyDtoH copies device memory to host bytes.
func (d *Driver) MemcpyDtoH(dst []byte, src driver.Ptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.resolve(src)
	if err != nil {
		return err
	}
	if len(dst) > len(b) {
		return fmt.Errorf("%w: copy of %d bytes past end of allocation", driver.ErrInvalidPointer, len(dst))
	}
	copy(dst, b)
	return nil
}

// Memcpy2D copies rows between pitches.
func (d *Driver) Memcpy2D(dst driver.Ptr, dstPitch uint64, src []byte, srcPitch, widthBytes, height uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.resolve(dst)
	if err != nil {
		return err
	}
	if dstPitch*height > uint64(len(b)) {
		return fmt.Errorf("%w: pitched copy past end of allocation", driver.ErrInvalidPointer)
	}
	for row := uint64(0); row < height; row++ {
		copy(b[row*dstPitch:row*dstPitch+widthBytes], src[row*srcPitch:row*srcPitch+widthBytes])
	}
	return nil
}

// MemsetD8 fills device memory with v.
func (d *Driver) MemsetD8(dst driver.Ptr, v byte, n uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.resolve(dst)
	if err != nil {
		return err
	}
	if n > uint64(len(b)) {
		return fmt.Errorf("%w: memset past end of allocation", driver.ErrInvalidPointer)
	}
	for i := uint64(0); i < n; i++ {
		b[i] = v
	}
	return nil
}

// HostAlloc allocates a pinned host region with a unified device address.
func (d *Driver) HostAlloc(n uint64) (driver.Pinned, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	base := driver.Ptr(d.next)
	d.next += n + 0x100
	pm := &pinnedMem{base: base, data: make([]byte, n)}
	d.pinned[base] = pm
	return pm, nil
}

// HostFree releases a pinned host region.
func (d *Driver) HostFree(p driver.Pinned) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	pm, ok := p.(*pinnedMem)
	if !ok {
		return driver.ErrInvalidPointer
	}
	if _, ok := d.pinned[pm.base]; !ok {
		return driver.ErrInvalidPointer
	}
	delete(d.pinned, pm.base)
	return nil
}

// formatSize returns the element size in bytes for a format.
func formatSize(f driver.Format) uint64 {
	switch f {
	case driver.FormatUint8:
		return 1
	case driver.FormatUint16, driver.FormatFloat16:
		return 2
	case driver.FormatUint32, driver.FormatInt32, driver.FormatFloat32:
		return 4
	default:
		return 4
	}
}

// ArrayCreate creates an opaque 3D texture array.
func (d *Driver) ArrayCreate(desc driver.ArrayDescriptor) (driver.Array, error) {
	if desc.Dimension != gputypes.TextureDimension3D {
		return 0, fmt.Errorf("%w: only 3D arrays", driver.ErrNotSupported)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	sd, err := d.current()
	if err != nil {
		return 0, err
	}
	size := desc.Width * desc.Height * desc.Depth * formatSize(desc.Format) * uint64(desc.Channels)
	if sd.used+size > sd.cfg.MemoryBytes {
		return 0, driver.ErrOutOfMemory
	}
	a := driver.Array(d.handle())
	sd.arrays[a] = &devArray{desc: desc, data: make([]byte, size)}
	sd.used += size
	return a, nil
}

// ArrayDestroy destroys an array and returns its storage to the pool.
func (d *Driver) ArrayDestroy(a driver.Array) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sd, err := d.current()
	if err != nil {
		return err
	}
	arr, ok := sd.arrays[a]
	if !ok {
		return driver.ErrInvalidPointer
	}
	sd.used -= uint64(len(arr.data))
	delete(sd.arrays, a)
	return nil
}

// MemcpyToArray copies host rows into an array in one block transfer.
func (d *Driver) MemcpyToArray(a driver.Array, src []byte, srcPitch, height, depth uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sd, err := d.current()
	if err != nil {
		return err
	}
	arr, ok := sd.arrays[a]
	if !ok {
		return driver.ErrInvalidPointer
	}
	n := srcPitch * height * depth
	if n > uint64(len(src)) {
		n = uint64(len(src))
	}
	if n > uint64(len(arr.data)) {
		n = uint64(len(arr.data))
	}
	copy(arr.data, src[:n])
	return nil
}

// TexObjectCreate creates a bindless texture object over res.
func (d *Driver) TexObjectCreate(res driver.ResourceDescriptor, tex driver.TextureDescriptor) (driver.TexObject, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if res.Kind == driver.ResourceArray {
		sd, err := d.current()
		if err != nil {
			return 0, err
		}
		if _, ok := sd.arrays[res.Array]; !ok {
			return 0, driver.ErrInvalidPointer
		}
	} else if _, err := d.resolve(res.Ptr); err != nil {
		return 0, err
	}
	t := driver.TexObject(d.handle())
	d.texObjs[t] = texObject{res: res, tex: tex}
	return t, nil
}

// TexObjectDestroy destroys a bindless texture object.
func (d *Driver) TexObjectDestroy(t driver.TexObject) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.texObjs[t]; !ok {
		return driver.ErrInvalidPointer
	}
	delete(d.texObjs, t)
	return nil
}

// TexObjectCount reports live bindless objects. For testing.
func (d *Driver) TexObjectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.texObjs)
}

// ModuleLoad loads a kernel binary.
func (d *Driver) ModuleLoad(data []byte) (driver.Module, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.current(); err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, fmt.Errorf("sim: empty module data")
	}
	m := driver.Module(d.handle())
	d.modules[m] = &simModule{
		data:    append([]byte(nil), data...),
		globals: make(map[string]driver.Ptr),
	}
	return m, nil
}

// ModuleUnload unloads a kernel module.
func (d *Driver) ModuleUnload(m driver.Module) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.modules[m]; !ok {
		return driver.ErrInvalidPointer
	}
	delete(d.modules, m)
	return nil
}

// moduleGlobalSize is the fixed size of simulated module globals, large
// enough for the pointer-publishing the device layer does.
const moduleGlobalSize = 64

// ModuleGlobal resolves a named module global, creating it on first use.
func (d *Driver) ModuleGlobal(m driver.Module, name string) (driver.Ptr, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mod, ok := d.modules[m]
	if !ok {
		return 0, 0, driver.ErrInvalidPointer
	}
	if p, ok := mod.globals[name]; ok {
		return p, moduleGlobalSize, nil
	}
	sd, err := d.current()
	if err != nil {
		return 0, 0, err
	}
	base := driver.Ptr(d.next)
	d.next += moduleGlobalSize + 0x100
	sd.allocs[base] = &devAlloc{base: base, data: make([]byte, moduleGlobalSize)}
	sd.used += moduleGlobalSize
	mod.globals[name] = base
	return base, moduleGlobalSize, nil
}

// CanAccessPeer reports the configured peer capability.
func (d *Driver) CanAccessPeer(dev, peer int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peer[[2]int{dev, peer}], nil
}

// CanAccessPeerArrays reports the configured array-over-link capability.
func (d *Driver) CanAccessPeerArrays(dev, peer int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peerArrays[[2]int{dev, peer}], nil
}

// EnablePeerAccess grants the current context access to peer's memory.
func (d *Driver) EnablePeerAccess(peer driver.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.peerEnableErr != nil {
		return d.peerEnableErr
	}
	if len(d.stack) == 0 {
		return driver.ErrInvalidContext
	}
	if _, ok := d.ctxs[peer]; !ok {
		return driver.ErrInvalidContext
	}
	cur := d.stack[len(d.stack)-1]
	d.peerOn[[2]driver.Context{cur, peer}] = true
	return nil
}

// PeerEnabled reports whether access from a to b has been enabled.
// For testing.
func (d *Driver) PeerEnabled(a, b driver.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peerOn[[2]driver.Context{a, b}]
}
