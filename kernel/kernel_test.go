package kernel

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// fakeNvcc writes a shell script that copies its way to the -o argument
// and creates the output file, recording its arguments for inspection.
func fakeNvcc(t *testing.T) (script, argsFile string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake compiler script needs a POSIX shell")
	}
	dir := t.TempDir()
	script = filepath.Join(dir, "nvcc")
	argsFile = filepath.Join(dir, "args")
	body := "#!/bin/sh\n" +
		"echo \"$@\" > " + argsFile + "\n" +
		"while [ $# -gt 0 ]; do\n" +
		"  if [ \"$1\" = \"-o\" ]; then out=\"$2\"; fi\n" +
		"  shift\n" +
		"done\n" +
		"echo compiled > \"$out\"\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return script, argsFile
}

func TestResolvePrecompiledExact(t *testing.T) {
	lib := t.TempDir()
	bin := filepath.Join(lib, "kernel_sm_75.cubin")
	writeFile(t, bin, "binary")

	cc := New(Config{LibPath: lib})
	got, err := cc.Resolve(Capability{7, 5}, "kernel", 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != bin {
		t.Errorf("Resolve = %q, want %q", got, bin)
	}
}

func TestResolvePTXDegrades(t *testing.T) {
	lib := t.TempDir()
	ptx := filepath.Join(lib, "kernel_compute_61.ptx")
	writeFile(t, ptx, "ptx")

	// No exact 7.5 binary: walk down through 7.4 ... 6.1.
	cc := New(Config{LibPath: lib})
	got, err := cc.Resolve(Capability{7, 5}, "kernel", 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != ptx {
		t.Errorf("Resolve = %q, want degraded PTX %q", got, ptx)
	}
}

func TestResolvePrefersNativeBinary(t *testing.T) {
	lib := t.TempDir()
	bin := filepath.Join(lib, "kernel_sm_75.cubin")
	writeFile(t, bin, "binary")
	writeFile(t, filepath.Join(lib, "kernel_compute_75.ptx"), "ptx")

	cc := New(Config{LibPath: lib})
	got, err := cc.Resolve(Capability{7, 5}, "kernel", 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != bin {
		t.Errorf("Resolve = %q, want native %q", got, bin)
	}
}

func TestResolveUnsupportedCapability(t *testing.T) {
	cc := New(Config{LibPath: t.TempDir()})
	_, err := cc.Resolve(Capability{2, 1}, "kernel", 0)
	if !errors.Is(err, ErrUnsupportedCapability) {
		t.Fatalf("Resolve on 2.1 = %v, want ErrUnsupportedCapability", err)
	}
}

func TestHavePrecompiled(t *testing.T) {
	lib := t.TempDir()
	writeFile(t, filepath.Join(lib, "kernel_sm_70.cubin"), "binary")

	cc := New(Config{LibPath: lib})
	if !cc.HavePrecompiled(Capability{7, 0}, "kernel") {
		t.Error("HavePrecompiled(7.0) = false")
	}
	if cc.HavePrecompiled(Capability{7, 5}, "kernel") {
		t.Error("HavePrecompiled(7.5) = true without a binary")
	}
}

func TestCompileWithLocalCompiler(t *testing.T) {
	nvcc, argsFile := fakeNvcc(t)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "kernel.cu"), "__global__ void k() {}")
	cache := t.TempDir()

	cc := New(Config{
		SourcePath: src,
		LibPath:    filepath.Join(src, "empty"),
		CachePath:  cache,
		Compiler:   nvcc,
		VersionProbe: func(string) (int, error) {
			return 101, nil
		},
	})
	got, err := cc.Resolve(Capability{7, 5}, "kernel", FeatureHair)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if filepath.Dir(got) != cache {
		t.Errorf("compiled binary %q not in cache dir", got)
	}
	base := filepath.Base(got)
	if !strings.HasPrefix(base, "cycles_kernel_sm_75_") || !strings.HasSuffix(base, ".cubin") {
		t.Errorf("cache file name = %q", base)
	}

	args, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"-arch=sm_75", "--cubin", "--use_fast_math"} {
		if !strings.Contains(string(args), want) {
			t.Errorf("compiler args missing %q: %s", want, args)
		}
	}

	// A fresh Compiler reuses the on-disk cache without a compiler.
	cc2 := New(Config{
		SourcePath: src,
		CachePath:  cache,
		Compiler:   filepath.Join(t.TempDir(), "missing"),
		VersionProbe: func(string) (int, error) {
			t.Fatal("version probed despite cache hit")
			return 0, nil
		},
	})
	got2, err := cc2.Resolve(Capability{7, 5}, "kernel", FeatureHair)
	if err != nil {
		t.Fatalf("cached Resolve: %v", err)
	}
	if got2 != got {
		t.Errorf("cached Resolve = %q, want %q", got2, got)
	}
}

func TestCompileCacheKeySensitivity(t *testing.T) {
	nvcc, _ := fakeNvcc(t)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "kernel.cu"), "__global__ void k() {}")
	cache := t.TempDir()
	probe := func(string) (int, error) { return 101, nil }

	cc := New(Config{SourcePath: src, CachePath: cache, Compiler: nvcc, VersionProbe: probe})
	plain, err := cc.Resolve(Capability{7, 0}, "kernel", 0)
	if err != nil {
		t.Fatal(err)
	}

	// Different features compile to a different cache file.
	withHair, err := cc.Resolve(Capability{7, 0}, "kernel", FeatureHair)
	if err != nil {
		t.Fatal(err)
	}
	if withHair == plain {
		t.Error("feature change did not change the cache file")
	}

	// Changed source compiles to a different cache file.
	writeFile(t, filepath.Join(src, "kernel.cu"), "__global__ void k2() {}")
	cc2 := New(Config{SourcePath: src, CachePath: cache, Compiler: nvcc, VersionProbe: probe})
	changed, err := cc2.Resolve(Capability{7, 0}, "kernel", 0)
	if err != nil {
		t.Fatal(err)
	}
	if changed == plain {
		t.Error("source change did not change the cache file")
	}
}

func TestCompileExtraFlagsEnv(t *testing.T) {
	nvcc, argsFile := fakeNvcc(t)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "kernel.cu"), "__global__ void k() {}")

	t.Setenv("CYCLES_CUDA_EXTRA_CFLAGS", "-lineinfo -DDEBUG_ME")
	cc := New(Config{
		SourcePath: src,
		CachePath:  t.TempDir(),
		Compiler:   nvcc,
		VersionProbe: func(string) (int, error) {
			return 102, nil
		},
	})
	if _, err := cc.Resolve(Capability{8, 6}, "kernel", 0); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	args, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(args), "-lineinfo") || !strings.Contains(string(args), "-DDEBUG_ME") {
		t.Errorf("extra cflags not passed: %s", args)
	}
}

func TestCompilerVersionGates(t *testing.T) {
	nvcc, _ := fakeNvcc(t)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "kernel.cu"), "__global__ void k() {}")

	// Below the hard minimum: fails.
	old := New(Config{
		SourcePath: src, CachePath: t.TempDir(), Compiler: nvcc,
		VersionProbe: func(string) (int, error) { return 75, nil },
	})
	if _, err := old.Resolve(Capability{7, 0}, "kernel", 0); !errors.Is(err, ErrCompilerTooOld) {
		t.Errorf("Resolve with 7.5 toolkit = %v, want ErrCompilerTooOld", err)
	}

	// Past the minimum but untested: compiles with a warning only.
	odd := New(Config{
		SourcePath: src, CachePath: t.TempDir(), Compiler: nvcc,
		VersionProbe: func(string) (int, error) { return 110, nil },
	})
	if _, err := odd.Resolve(Capability{7, 0}, "kernel", 0); err != nil {
		t.Errorf("Resolve with untested toolkit: %v", err)
	}
}

func TestAdaptiveCompileSkipsPrecompiled(t *testing.T) {
	nvcc, argsFile := fakeNvcc(t)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "kernel.cu"), "__global__ void k() {}")
	lib := t.TempDir()
	writeFile(t, filepath.Join(lib, "kernel_sm_70.cubin"), "binary")

	cc := New(Config{
		SourcePath: src, LibPath: lib, CachePath: t.TempDir(), Compiler: nvcc,
		AdaptiveCompile: true,
		VersionProbe:    func(string) (int, error) { return 101, nil },
	})
	got, err := cc.Resolve(Capability{7, 0}, "kernel", 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if filepath.Dir(got) == lib {
		t.Error("adaptive compile used a precompiled binary")
	}
	if !strings.HasSuffix(got, ".ptx") {
		t.Errorf("adaptive compile output %q, want PTX", got)
	}
	args, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(args), "-arch=compute_70") || !strings.Contains(string(args), "--ptx") {
		t.Errorf("adaptive compile args: %s", args)
	}
}

func TestProbeVersion(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake compiler script needs a POSIX shell")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "nvcc")
	body := "#!/bin/sh\n" +
		"echo 'nvcc: NVIDIA (R) Cuda compiler driver'\n" +
		"echo 'Cuda compilation tools, release 10.1, V10.1.243'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	ver, err := probeVersion(script)
	if err != nil {
		t.Fatalf("probeVersion: %v", err)
	}
	if ver != 101 {
		t.Errorf("probeVersion = %d, want 101", ver)
	}
}

func TestSourceHash(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "kernel.cu"), "body")
	writeFile(t, filepath.Join(src, "util", "math.h"), "inline")

	h1, err := sourceHash(src, []string{"-m64"})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := sourceHash(src, []string{"-m64"})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("hash not deterministic")
	}

	h3, _ := sourceHash(src, []string{"-m32"})
	if h3 == h1 {
		t.Error("flag change did not change hash")
	}

	writeFile(t, filepath.Join(src, "util", "math.h"), "changed")
	h4, _ := sourceHash(src, []string{"-m64"})
	if h4 == h1 {
		t.Error("content change did not change hash")
	}
}
