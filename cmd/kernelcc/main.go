// kernelcc compiles compute kernels ahead of time, filling the same
// on-disk cache the renderer resolves from at startup.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/DonovaneH/blender"
	"github.com/DonovaneH/blender/kernel"
)

var (
	verbose    bool
	sourcePath string
	libPath    string
	cachePath  string
	compiler   string
	features   uint32
	adaptive   bool
	forcePTX   bool
)

var rootCmd = &cobra.Command{
	Use:   "kernelcc",
	Short: "Ahead-of-time compute kernel compiler",
	Long: `kernelcc resolves and compiles compute kernels for specific device
generations ahead of time, so renderers start without a local compile.
Compiled binaries land in the same cache directory the renderer uses.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			blender.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelDebug,
			})))
		}
	},
}

var compileCmd = &cobra.Command{
	Use:   "compile <name> <major.minor> [major.minor...]",
	Short: "Compile a kernel for one or more compute capabilities",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cc := kernel.New(kernel.Config{
			SourcePath:      sourcePath,
			LibPath:         libPath,
			CachePath:       cachePath,
			Compiler:        compiler,
			AdaptiveCompile: adaptive,
			ForcePTX:        forcePTX,
		})
		name := args[0]
		for _, arg := range args[1:] {
			var capability kernel.Capability
			if _, err := fmt.Sscanf(arg, "%d.%d", &capability.Major, &capability.Minor); err != nil {
				return fmt.Errorf("bad capability %q, want major.minor", arg)
			}
			path, err := cc.Resolve(capability, name, kernel.Features(features))
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\n", capability, path)
		}
		return nil
	},
}

var wgslCmd = &cobra.Command{
	Use:   "wgsl <file.wgsl>",
	Short: "Compile a WGSL kernel to SPIR-V",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		cc := kernel.New(kernel.Config{CachePath: cachePath})
		spirv, err := cc.CompileWGSL(string(source))
		if err != nil {
			return err
		}
		out, err := cmd.Flags().GetString("output")
		if err != nil {
			return err
		}
		if out == "" {
			_, err = os.Stdout.Write(spirv)
			return err
		}
		return os.WriteFile(out, spirv, 0o644)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&cachePath, "cache", "", "kernel cache directory")

	compileCmd.Flags().StringVar(&sourcePath, "source", "", "kernel source tree")
	compileCmd.Flags().StringVar(&libPath, "lib", "", "precompiled kernel directory")
	compileCmd.Flags().StringVar(&compiler, "compiler", "", "compiler executable")
	compileCmd.Flags().Uint32Var(&features, "features", 0, "kernel feature bitmask")
	compileCmd.Flags().BoolVar(&adaptive, "adaptive", false, "adaptive compile, skip precompiled binaries")
	compileCmd.Flags().BoolVar(&forcePTX, "ptx", false, "emit PTX instead of a native binary")

	wgslCmd.Flags().StringP("output", "o", "", "output file (default stdout)")

	rootCmd.AddCommand(compileCmd)
	rootCmd.AddCommand(wgslCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
