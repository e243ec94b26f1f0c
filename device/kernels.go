package device

import (
	"fmt"
	"os"

	"github.com/DonovaneH/blender"
	"github.com/DonovaneH/blender/kernel"
)

// LoadKernels resolves a kernel binary for this device's compute
// capability through the compiler and loads it as the device module.
// Once a module is loaded, later calls are no-ops; changed feature sets
// need a new Device.
func (d *Device) LoadKernels(cc *kernel.Compiler, feat kernel.Features) error {
	if err := d.Err(); err != nil {
		return err
	}
	if d.module != 0 {
		blender.Logger().Debug("device: kernels already loaded", "device", d.name)
		return nil
	}

	path, err := cc.Resolve(kernel.Capability{Major: d.major, Minor: d.minor}, "kernel", feat)
	if err != nil {
		err = fmt.Errorf("device: resolve kernels for %q: %w", d.name, err)
		d.setError(err)
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		err = fmt.Errorf("device: read kernel binary %q: %w", path, err)
		d.setError(err)
		return err
	}

	err = d.scoped(func() error {
		m, err := d.drv.ModuleLoad(data)
		if err != nil {
			return err
		}
		d.module = m
		return nil
	})
	if err != nil {
		err = fmt.Errorf("device: load kernel module %q: %w", path, err)
		d.setError(err)
		return err
	}

	blender.Logger().Info("device: kernels loaded", "device", d.name, "path", path)

	// The module's globals exist now; republish the slot table.
	d.texInfo.dirty = true
	d.loadTextureInfo()
	return nil
}

// KernelsLoaded reports whether a kernel module is loaded.
func (d *Device) KernelsLoaded() bool { return d.module != 0 }
