package device

import (
	"fmt"

	"github.com/DonovaneH/blender"
)

// EnablePeerAccess makes a and b able to read each other's device
// memory, so large buffers need only one resident copy between them. It
// reports whether access was established. Devices from different
// drivers, or devices whose hardware cannot share arrays over the peer
// link, simply stay independent.
func EnablePeerAccess(a, b *Device) (bool, error) {
	if a == b {
		return false, nil
	}
	if a.drv.Name() != b.drv.Name() {
		return false, nil
	}

	can, err := a.drv.CanAccessPeer(a.index, b.index)
	if err != nil {
		err = fmt.Errorf("device: query peer access %q -> %q: %w", a.name, b.name, err)
		a.setError(err)
		return false, err
	}
	if !can {
		return false, nil
	}

	// Texture arrays must also work across the link, or textures would
	// need per-device copies anyway.
	canArrays, err := a.drv.CanAccessPeerArrays(a.index, b.index)
	if err != nil {
		err = fmt.Errorf("device: query peer array access %q -> %q: %w", a.name, b.name, err)
		a.setError(err)
		return false, err
	}
	if !canArrays {
		blender.Logger().Debug("device: peer link lacks array access",
			"device", a.name, "peer", b.name)
		return false, nil
	}

	// Enable both directions, each under its own device's context.
	err = a.scoped(func() error {
		return a.drv.EnablePeerAccess(b.ctx)
	})
	if err != nil {
		err = fmt.Errorf("device: enable peer access %q -> %q: %w", a.name, b.name, err)
		a.setError(err)
		return false, err
	}
	err = b.scoped(func() error {
		return b.drv.EnablePeerAccess(a.ctx)
	})
	if err != nil {
		err = fmt.Errorf("device: enable peer access %q -> %q: %w", b.name, a.name, err)
		a.setError(err)
		return false, err
	}

	blender.Logger().Info("device: peer access enabled",
		"device", a.name, "peer", b.name)
	return true, nil
}
