package device

import (
	"errors"
	"testing"

	"github.com/DonovaneH/blender/device/driver/sim"
)

// newSimDevice opens a device on drv with test defaults filled in.
func newSimDevice(t *testing.T, drv *sim.Driver, cfg Config) *Device {
	t.Helper()
	cfg.Driver = drv
	if cfg.Coordinator == nil {
		cfg.Coordinator = NewCoordinator()
	}
	if cfg.HostMapLimit == 0 {
		cfg.HostMapLimit = 1 << 30
	}
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestNewDefaults(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	d := newSimDevice(t, drv, Config{})

	if d.Name() != "Simulated Accelerator" {
		t.Errorf("Name() = %q", d.Name())
	}
	major, minor := d.ComputeCapability()
	if major != 7 || minor != 0 {
		t.Errorf("ComputeCapability() = %d.%d, want 7.0", major, minor)
	}
	if d.workingHeadroom != DefaultWorkingHeadroom {
		t.Errorf("workingHeadroom = %d", d.workingHeadroom)
	}
	if d.textureHeadroom != DefaultTextureHeadroom {
		t.Errorf("textureHeadroom = %d", d.textureHeadroom)
	}
}

func TestNewUnsupportedCapability(t *testing.T) {
	drv := sim.New(sim.Config{Devices: []sim.DeviceConfig{{
		ComputeMajor: 2, ComputeMinor: 1,
	}}})
	_, err := New(Config{Driver: drv, Coordinator: NewCoordinator()})
	if !errors.Is(err, ErrDeviceUnsupported) {
		t.Fatalf("New on compute 2.1 = %v, want ErrDeviceUnsupported", err)
	}
}

func TestNewBadIndex(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	if _, err := New(Config{Driver: drv, Index: 3}); err == nil {
		t.Fatal("New with index 3 on single-device driver succeeded")
	}
}

func TestScopeNesting(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	d := newSimDevice(t, drv, Config{})

	err := d.scoped(func() error {
		if drv.CurrentContext() != d.ctx {
			t.Error("outer scope: context not current")
		}
		return d.scoped(func() error {
			if drv.CurrentContext() != d.ctx {
				t.Error("inner scope: context not current")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("scoped: %v", err)
	}
	if drv.CurrentContext() != 0 {
		t.Error("context still current after scopes unwound")
	}
}

func TestAttributeDefaults(t *testing.T) {
	drv := sim.New(sim.Config{Devices: []sim.DeviceConfig{{
		CanMapHost:      true,
		Multiprocessors: 30,
	}}})
	d := newSimDevice(t, drv, Config{})

	if got := d.MultiprocessorCount(14); got != 30 {
		t.Errorf("MultiprocessorCount = %d, want 30", got)
	}
	// MaxThreadsPerMP unset in config: fall back to the default.
	if got := d.MaxThreadsPerMultiprocessor(1024); got != 1024 {
		t.Errorf("MaxThreadsPerMultiprocessor = %d, want default 1024", got)
	}
}

func TestHostMapLimit(t *testing.T) {
	tests := []struct {
		name  string
		total uint64
		want  uint64
	}{
		{"no ram probe", 0, 0},
		{"large machine keeps reserve", 16 << 30, 12 << 30},
		{"small machine caps at half", 6 << 30, 3 << 30},
		{"boundary at twice the reserve", 8 << 30, 4 << 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hostMapLimit(tt.total); got != tt.want {
				t.Errorf("hostMapLimit(%d) = %d, want %d", tt.total, got, tt.want)
			}
		})
	}
}

func TestStickyFirstError(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	d := newSimDevice(t, drv, Config{})

	first := errors.New("first failure")
	second := errors.New("second failure")
	d.setError(first)
	d.setError(second)
	if !errors.Is(d.Err(), first) {
		t.Errorf("Err() = %v, want first error", d.Err())
	}
}

func TestConstCopyBeforeKernelLoad(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	d := newSimDevice(t, drv, Config{})

	if err := d.ConstCopyTo("integrator_state", []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("ConstCopyTo before kernel load: %v", err)
	}
	if d.Err() != nil {
		t.Errorf("dropped const copy recorded an error: %v", d.Err())
	}
}

func TestCloseIdempotent(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	d, err := New(Config{Driver: drv, Coordinator: NewCoordinator()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
