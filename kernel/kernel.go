// Package kernel resolves compute kernel binaries for a device: it finds
// precompiled binaries shipped with the application, falls back to PTX
// that the driver can JIT for older capabilities, and as a last resort
// compiles the kernel source locally, caching the result on disk keyed
// by a source tree hash.
package kernel

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/DonovaneH/blender"
	"github.com/DonovaneH/blender/internal/cache"
)

// Sentinel errors returned by Resolve.
var (
	// ErrUnsupportedCapability indicates the device generation has no
	// kernel binary and cannot get one.
	ErrUnsupportedCapability = errors.New("kernel: compute capability not supported")

	// ErrCompilerNotFound indicates no precompiled kernel matched and no
	// compiler is installed to build one.
	ErrCompilerNotFound = errors.New("kernel: compiler not found, install the CUDA toolkit or use precompiled kernels")

	// ErrCompilerTooOld indicates the installed compiler is below the
	// hard minimum version.
	ErrCompilerTooOld = errors.New("kernel: compiler version too old")

	// ErrCompileFailed indicates local compilation ran but produced no
	// usable binary.
	ErrCompileFailed = errors.New("kernel: compilation failed")
)

// minCapabilityMajor is the oldest device generation with kernel support.
const minCapabilityMajor = 3

// Capability is a device compute capability.
type Capability struct {
	Major int
	Minor int
}

// String formats the capability as "major.minor".
func (c Capability) String() string {
	return fmt.Sprintf("%d.%d", c.Major, c.Minor)
}

// Features is a bitmask of kernel feature groups. It feeds the compile
// defines, so differing feature sets produce distinct cached binaries.
type Features uint32

const (
	FeatureObjectMotion Features = 1 << iota
	FeatureHair
	FeatureVolume
	FeaturePatchEvaluation
	FeatureSubsurface
	FeatureShadowCatcher
)

// Config configures a Compiler. Zero values select the defaults noted
// per field.
type Config struct {
	// Product prefixes cache file names. Default "cycles".
	Product string

	// SourcePath is the kernel source tree root. Kernel sources live at
	// <SourcePath>/<name>.cu; the tree's content hashes into the cache
	// key.
	SourcePath string

	// LibPath holds precompiled kernel binaries. Default
	// <SourcePath>/lib.
	LibPath string

	// CachePath holds locally compiled binaries. Default
	// <user cache dir>/<Product>/kernels.
	CachePath string

	// Compiler is the nvcc path. Empty looks up "nvcc" in PATH.
	Compiler string

	// MinVersion is the hard minimum compiler version as major*10+minor.
	// Older compilers fail. Default 80 (CUDA 8.0).
	MinVersion int

	// SupportedVersions lists compiler versions known to build every
	// kernel. Other versions past MinVersion compile with a warning.
	// Default CUDA 10.1 and 10.2.
	SupportedVersions []int

	// AdaptiveCompile always compiles locally with only the requested
	// features enabled, skipping precompiled binaries.
	AdaptiveCompile bool

	// ForcePTX emits PTX instead of a native binary.
	ForcePTX bool

	// ExtraFlagsEnv names an environment variable with extra compile
	// flags. Default "CYCLES_CUDA_EXTRA_CFLAGS".
	ExtraFlagsEnv string

	// VersionProbe reports a compiler's version as major*10+minor. The
	// default runs "<compiler> --version" and parses the release line.
	VersionProbe func(compilerPath string) (int, error)
}

// Compiler resolves kernel binaries. Safe for concurrent use.
type Compiler struct {
	cfg      Config
	resolved *cache.Cache[string, string]
}

// New returns a Compiler with cfg's defaults filled in.
func New(cfg Config) *Compiler {
	if cfg.Product == "" {
		cfg.Product = "cycles"
	}
	if cfg.LibPath == "" && cfg.SourcePath != "" {
		cfg.LibPath = filepath.Join(cfg.SourcePath, "lib")
	}
	if cfg.CachePath == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			cfg.CachePath = filepath.Join(dir, cfg.Product, "kernels")
		}
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = 80
	}
	if cfg.SupportedVersions == nil {
		cfg.SupportedVersions = []int{101, 102}
	}
	if cfg.ExtraFlagsEnv == "" {
		cfg.ExtraFlagsEnv = "CYCLES_CUDA_EXTRA_CFLAGS"
	}
	if cfg.VersionProbe == nil {
		cfg.VersionProbe = probeVersion
	}
	return &Compiler{
		cfg:      cfg,
		resolved: cache.New[string, string](0),
	}
}

// HavePrecompiled reports whether a native precompiled binary exists for
// the exact capability.
func (c *Compiler) HavePrecompiled(cap Capability, name string) bool {
	if c.cfg.LibPath == "" {
		return false
	}
	return fileExists(filepath.Join(c.cfg.LibPath,
		fmt.Sprintf("%s_sm_%d%d.cubin", name, cap.Major, cap.Minor)))
}

// Resolve returns the path of a kernel binary loadable on a device of
// the given capability, compiling one if necessary. Results are
// memoized per capability, name and feature set.
func (c *Compiler) Resolve(cap Capability, name string, feat Features) (string, error) {
	if cap.Major < minCapabilityMajor {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedCapability, cap)
	}
	key := fmt.Sprintf("%s/%s/%x", name, cap, uint32(feat))
	if path, ok := c.resolved.Get(key); ok {
		return path, nil
	}
	path, err := c.resolve(cap, name, feat)
	if err != nil {
		return "", err
	}
	c.resolved.Set(key, path)
	return path, nil
}

func (c *Compiler) resolve(cap Capability, name string, feat Features) (string, error) {
	usePTX := c.cfg.ForcePTX || c.cfg.AdaptiveCompile

	if !c.cfg.AdaptiveCompile && c.cfg.LibPath != "" {
		if !usePTX {
			bin := filepath.Join(c.cfg.LibPath,
				fmt.Sprintf("%s_sm_%d%d.cubin", name, cap.Major, cap.Minor))
			if fileExists(bin) {
				blender.Logger().Debug("kernel: using precompiled binary", "path", bin)
				return bin, nil
			}
		}

		// The driver can JIT PTX built for older generations; take the
		// closest one at or below this capability.
		major, minor := cap.Major, cap.Minor
		for major >= minCapabilityMajor {
			ptx := filepath.Join(c.cfg.LibPath,
				fmt.Sprintf("%s_compute_%d%d.ptx", name, major, minor))
			if fileExists(ptx) {
				blender.Logger().Debug("kernel: using precompiled PTX", "path", ptx)
				return ptx, nil
			}
			if minor > 0 {
				minor--
			} else {
				major--
				minor = 9
			}
		}
	}

	return c.compile(cap, name, feat, usePTX)
}

// compile builds name for cap in the on-disk cache. The cache key covers
// the source tree content and every compile flag, so stale binaries are
// never reused.
func (c *Compiler) compile(cap Capability, name string, feat Features, usePTX bool) (string, error) {
	ext, archWord := "cubin", "sm"
	if usePTX {
		ext, archWord = "ptx", "compute"
	}
	arch := fmt.Sprintf("%s_%d%d", archWord, cap.Major, cap.Minor)

	flags := c.commonFlags(feat)
	hash, err := sourceHash(c.cfg.SourcePath, flags)
	if err != nil {
		return "", fmt.Errorf("kernel: hash source tree: %w", err)
	}

	out := filepath.Join(c.cfg.CachePath,
		fmt.Sprintf("%s_%s_%s_%s.%s", c.cfg.Product, name, arch, hash, ext))
	if fileExists(out) {
		blender.Logger().Debug("kernel: using cached binary", "path", out)
		return out, nil
	}

	nvcc := c.cfg.Compiler
	if nvcc == "" {
		nvcc, err = exec.LookPath("nvcc")
		if err != nil {
			return "", ErrCompilerNotFound
		}
	}

	ver, err := c.cfg.VersionProbe(nvcc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCompilerNotFound, err)
	}
	if ver < c.cfg.MinVersion {
		return "", fmt.Errorf("%w: found %d.%d, need at least %d.%d",
			ErrCompilerTooOld, ver/10, ver%10, c.cfg.MinVersion/10, c.cfg.MinVersion%10)
	}
	if !slices.Contains(c.cfg.SupportedVersions, ver) {
		blender.Logger().Warn("kernel: untested compiler version, some kernels may fail to build",
			"version", fmt.Sprintf("%d.%d", ver/10, ver%10))
	}

	if err := os.MkdirAll(c.cfg.CachePath, 0o755); err != nil {
		return "", fmt.Errorf("kernel: create cache dir: %w", err)
	}

	src := filepath.Join(c.cfg.SourcePath, name+".cu")
	args := []string{"-arch=" + arch, "--" + ext, src, "-o", out}
	args = append(args, flags...)

	blender.Logger().Info("kernel: compiling", "name", name, "arch", arch)
	start := time.Now()
	cmd := exec.Command(nvcc, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %v\n%s", ErrCompileFailed, err, output)
	}
	if !fileExists(out) {
		return "", fmt.Errorf("%w: compiler produced no output\n%s", ErrCompileFailed, output)
	}
	blender.Logger().Info("kernel: compiled",
		"name", name, "arch", arch, "duration", time.Since(start))
	return out, nil
}

// commonFlags returns the flags shared by every compile, including any
// from the extra-flags environment variable.
func (c *Compiler) commonFlags(feat Features) []string {
	flags := []string{
		fmt.Sprintf("-m%d", strconv.IntSize),
		"--use_fast_math",
		"-DNVCC",
		fmt.Sprintf("-D__KERNEL_FEATURES__=%d", uint32(feat)),
	}
	if c.cfg.SourcePath != "" {
		flags = append(flags, "-I"+c.cfg.SourcePath)
	}
	if c.cfg.AdaptiveCompile {
		flags = append(flags, "-D__KERNEL_USE_ADAPTIVE_COMPILATION__")
	}
	if extra := os.Getenv(c.cfg.ExtraFlagsEnv); extra != "" {
		flags = append(flags, strings.Fields(extra)...)
	}
	return flags
}

// probeVersion runs the compiler and parses "release X.Y" from its
// version banner.
func probeVersion(compilerPath string) (int, error) {
	output, err := exec.Command(compilerPath, "--version").CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("run %s --version: %w", compilerPath, err)
	}
	for _, line := range strings.Split(string(output), "\n") {
		idx := strings.Index(line, "release ")
		if idx < 0 {
			continue
		}
		rest := line[idx+len("release "):]
		if end := strings.IndexAny(rest, ", "); end >= 0 {
			rest = rest[:end]
		}
		majorStr, minorStr, ok := strings.Cut(rest, ".")
		if !ok {
			continue
		}
		major, err1 := strconv.Atoi(majorStr)
		minor, err2 := strconv.Atoi(minorStr)
		if err1 != nil || err2 != nil {
			continue
		}
		return major*10 + minor, nil
	}
	return 0, fmt.Errorf("no release version in %s --version output", compilerPath)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
