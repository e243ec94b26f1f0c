package kernel

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gogpu/naga"
)

// CompileWGSL compiles a WGSL kernel source to SPIR-V for portable
// compute backends that take SPIR-V modules instead of vendor binaries.
// The result is cached on disk alongside the vendor kernel cache, keyed
// by the source content.
func (c *Compiler) CompileWGSL(source string) ([]byte, error) {
	hash, err := sourceHash("", []string{source})
	if err != nil {
		return nil, err
	}
	out := filepath.Join(c.cfg.CachePath,
		fmt.Sprintf("%s_wgsl_%s.spv", c.cfg.Product, hash))
	if data, err := os.ReadFile(out); err == nil {
		return data, nil
	}

	spirv, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("kernel: compile WGSL: %w", err)
	}

	if c.cfg.CachePath != "" {
		if err := os.MkdirAll(c.cfg.CachePath, 0o755); err == nil {
			// Write through a temp file so readers never see a partial
			// module.
			tmp, err := os.CreateTemp(c.cfg.CachePath, "wgsl-*.tmp")
			if err == nil {
				if _, err := tmp.Write(spirv); err == nil {
					tmp.Close()
					_ = os.Rename(tmp.Name(), out)
				} else {
					tmp.Close()
					_ = os.Remove(tmp.Name())
				}
			}
		}
	}
	return spirv, nil
}
