package device

import (
	"testing"

	"github.com/DonovaneH/blender/device/driver/sim"
)

func TestSlotTableGrowsInChunks(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	d := newSimDevice(t, drv, Config{})

	if err := d.CopyToDevice(texDesc("a", 16, 0, 0)); err != nil {
		t.Fatalf("CopyToDevice: %v", err)
	}
	if n := len(d.texInfo.entries); n != 128 {
		t.Errorf("entries after slot 0 = %d, want 128", n)
	}

	if err := d.CopyToDevice(texDesc("b", 16, 0, 130)); err != nil {
		t.Fatalf("CopyToDevice: %v", err)
	}
	if n := len(d.texInfo.entries); n != 258 {
		t.Errorf("entries after slot 130 = %d, want 258", n)
	}
}

func TestTextureBindlessObject(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	d := newSimDevice(t, drv, Config{})

	desc := texDesc("img", 64, 64, 5)
	desc.Interpolation = InterpolationClosest
	desc.Extension = ExtensionClip
	if err := d.CopyToDevice(desc); err != nil {
		t.Fatalf("CopyToDevice: %v", err)
	}

	a := d.Lookup(desc)
	if a == nil || a.texObject == 0 {
		t.Fatal("no bindless object created")
	}
	if d.texInfo.entries[5].Data != uint64(a.texObject) {
		t.Error("slot entry does not carry the bindless handle")
	}
	if e := d.texInfo.entries[5]; e.Width != 64 || e.Height != 64 ||
		e.Interpolation != InterpolationClosest || e.Extension != ExtensionClip {
		t.Errorf("slot entry = %+v", e)
	}
	if n := drv.TexObjectCount(); n != 1 {
		t.Errorf("TexObjectCount = %d, want 1", n)
	}

	if err := d.Free(desc); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if n := drv.TexObjectCount(); n != 0 {
		t.Errorf("TexObjectCount after Free = %d", n)
	}
}

func TestTextureReuploadReplacesObject(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	d := newSimDevice(t, drv, Config{})

	desc := texDesc("img", 32, 32, 0)
	if err := d.CopyToDevice(desc); err != nil {
		t.Fatal(err)
	}
	if err := d.CopyToDevice(desc); err != nil {
		t.Fatal(err)
	}
	if n := drv.TexObjectCount(); n != 1 {
		t.Errorf("TexObjectCount = %d, want 1 after re-upload", n)
	}
	if st := d.Stats(); st.Allocations != 1 || st.UsedBytes != 32*32 {
		t.Errorf("Stats = %+v, want one 1024-byte allocation", st)
	}
}

func TestTexture2DPitchPadding(t *testing.T) {
	drv := sim.New(sim.Config{Devices: []sim.DeviceConfig{{
		CanMapHost:     true,
		PitchAlignment: 32,
	}}})
	d := newSimDevice(t, drv, Config{})

	// 20-byte rows pad to the 32-byte pitch.
	desc := texDesc("narrow", 20, 4, 0)
	if err := d.CopyToDevice(desc); err != nil {
		t.Fatalf("CopyToDevice: %v", err)
	}
	a := d.Lookup(desc)
	if a == nil {
		t.Fatal("texture not allocated")
	}
	if a.Size() != 32*4 {
		t.Errorf("Size() = %d, want %d with pitch padding", a.Size(), 32*4)
	}
}

func TestNanoVDBTextureRawPointer(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	d := newSimDevice(t, drv, Config{})

	desc := &Descriptor{
		Name: "density_grid", Type: MemTexture, DataType: TypeNanoVDBFloat,
		Width: 4096, Slot: 2,
		Host: pattern(4096),
	}
	if err := d.CopyToDevice(desc); err != nil {
		t.Fatalf("CopyToDevice: %v", err)
	}
	a := d.Lookup(desc)
	if a == nil {
		t.Fatal("grid not allocated")
	}
	if a.texObject != 0 {
		t.Error("NanoVDB grid got a bindless object")
	}
	if d.texInfo.entries[2].Data != uint64(a.Ptr()) {
		t.Error("slot entry does not carry the raw device pointer")
	}
	if n := drv.TexObjectCount(); n != 0 {
		t.Errorf("TexObjectCount = %d, want 0", n)
	}
}

func TestTexture3DArray(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	d := newSimDevice(t, drv, Config{})

	desc := &Descriptor{
		Name: "volume", Type: MemTexture, DataType: TypeFloat,
		Width: 8, Height: 8, Depth: 4, Slot: 0,
		Host: pattern(8 * 8 * 4 * 4),
	}
	if err := d.CopyToDevice(desc); err != nil {
		t.Fatalf("CopyToDevice: %v", err)
	}
	a := d.Lookup(desc)
	if a == nil || a.array == 0 {
		t.Fatal("3D texture did not create an array")
	}
	if n := drv.TexObjectCount(); n != 1 {
		t.Errorf("TexObjectCount = %d, want 1", n)
	}

	used := d.Stats().UsedBytes
	if err := d.Free(desc); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if got := d.Stats().UsedBytes; got != used-1024 {
		t.Errorf("UsedBytes after Free = %d, want %d", got, used-1024)
	}
	if n := drv.TexObjectCount(); n != 0 {
		t.Errorf("TexObjectCount after Free = %d", n)
	}
}

func TestTextureThreeChannelsRejected(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	d := newSimDevice(t, drv, Config{})

	desc := &Descriptor{
		Name: "rgb", Type: MemTexture, DataType: TypeFloat,
		Elements: 3, Width: 16, Height: 16,
		Host: pattern(16 * 16 * 12),
	}
	if err := d.CopyToDevice(desc); err == nil {
		t.Fatal("three-channel texture accepted")
	}
}

func TestLoadTextureInfoFlushesOnce(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	d := newSimDevice(t, drv, Config{})

	if err := d.CopyToDevice(texDesc("img", 16, 16, 0)); err != nil {
		t.Fatalf("CopyToDevice: %v", err)
	}
	if !d.texInfo.dirty {
		t.Fatal("slot table not marked dirty by texture upload")
	}

	d.LoadTextureInfo()
	if d.texInfo.dirty {
		t.Error("slot table still dirty after flush")
	}
	if d.Lookup(d.texInfo.desc) == nil {
		t.Error("slot table has no device allocation after flush")
	}

	// A second flush with no changes does not reallocate.
	a := d.Lookup(d.texInfo.desc)
	d.LoadTextureInfo()
	if d.Lookup(d.texInfo.desc) != a {
		t.Error("clean flush reallocated the slot table")
	}
}

func TestPeerTextureReuse(t *testing.T) {
	drv := sim.New(sim.Config{Devices: []sim.DeviceConfig{
		{CanMapHost: true}, {CanMapHost: true},
	}})
	coord := NewCoordinator()
	d1 := newSimDevice(t, drv, Config{Index: 0, Coordinator: coord})
	d2 := newSimDevice(t, drv, Config{Index: 1, Coordinator: coord})

	desc := texDesc("img", 64, 64, 0)
	if err := d1.CopyToDevice(desc); err != nil {
		t.Fatalf("d1.CopyToDevice: %v", err)
	}
	a1 := d1.Lookup(desc)

	if err := d2.CopyToDevice(desc); err != nil {
		t.Fatalf("d2.CopyToDevice: %v", err)
	}
	a2 := d2.Lookup(desc)
	if a2 == nil {
		t.Fatal("no reference allocation on second device")
	}
	if a2.Ptr() != a1.Ptr() {
		t.Error("second device did not reuse the owner's memory")
	}
	if a2.resident {
		t.Error("reference allocation marked resident")
	}
	// Each device still samples through its own bindless object.
	if n := drv.TexObjectCount(); n != 2 {
		t.Errorf("TexObjectCount = %d, want 2", n)
	}
	// Reference memory is not charged to the second device.
	if st := d2.Stats(); st.UsedBytes != 0 {
		t.Errorf("d2 UsedBytes = %d, want 0", st.UsedBytes)
	}

	// Dropping the reference leaves the owner's allocation alone.
	if err := d2.Free(desc); err != nil {
		t.Fatalf("d2.Free: %v", err)
	}
	if d1.Lookup(desc) == nil {
		t.Error("owner's allocation disappeared")
	}
	if n := drv.TexObjectCount(); n != 1 {
		t.Errorf("TexObjectCount = %d, want 1", n)
	}
}
