package device

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/DonovaneH/blender/device/driver/sim"
)

func gaugeValue(t *testing.T, fams []*dto.MetricFamily, name, device string) float64 {
	t.Helper()
	for _, f := range fams {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "device" && l.GetValue() == device {
					if m.GetGauge() != nil {
						return m.GetGauge().GetValue()
					}
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{device=%q} not found", name, device)
	return 0
}

func TestCollector(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	d := newSimDevice(t, drv, Config{})

	desc := &Descriptor{Name: "buf", Type: MemGeneric, DataType: TypeUChar, Width: 2048}
	if _, err := d.Alloc(desc); err != nil {
		t.Fatal(err)
	}

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewCollector(d)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	fams, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	name := d.Name()
	if got := gaugeValue(t, fams, "device_memory_used_bytes", name); got != 2048 {
		t.Errorf("used bytes = %v, want 2048", got)
	}
	if got := gaugeValue(t, fams, "device_memory_allocations", name); got != 1 {
		t.Errorf("allocations = %v, want 1", got)
	}
	if got := gaugeValue(t, fams, "device_memory_evictions_total", name); got != 0 {
		t.Errorf("evictions = %v, want 0", got)
	}
}
