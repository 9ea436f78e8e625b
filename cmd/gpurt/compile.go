package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gomlx/gpurt/dtypes"
	"github.com/gomlx/gpurt/gpurt"
	"github.com/gomlx/gpurt/internal/spirv"
	"github.com/gomlx/gpurt/kernels"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	flagCompileWGSL, flagCompileEntry, flagCompileParams, flagCompileOutput string
	flagCompileLink                                                        int
)

var compileCmd = &cobra.Command{
	Use:   "compile",
	Short: "Compile a WGSL kernel to SPIR-V, and describe its interface",
	Long: `Compile a WGSL kernel to SPIR-V, and describe its entry points and buffer bindings.

The parameters are given as a comma separated list of dtypes, prefixed by "mut " for
writable parameters, e.g. --params="f32,f32,mut f32".

With --link=<device index> the kernel is also linked on that device of the pool, which
validates the parameters against the kernel's bindings.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := os.ReadFile(flagCompileWGSL)
		if err != nil {
			return errors.Wrapf(err, "failed to read --wgsl=%q", flagCompileWGSL)
		}
		params, err := parseParams(flagCompileParams)
		if err != nil {
			return err
		}
		src := kernels.WGSL{Code: string(code), EntryPoint: flagCompileEntry, Params: params}
		program, err := kernels.WGSLCompiler{}.CompileToBytecode(src)
		if err != nil {
			return &gpurt.CompileError{Stage: gpurt.StageCompile, EntryPoint: flagCompileEntry, Err: err}
		}
		if err := describeProgram(cmd.OutOrStdout(), program); err != nil {
			return err
		}
		if flagCompileOutput != "" {
			if err := os.WriteFile(flagCompileOutput, spirv.BytesFromWords(program.Code), 0o644); err != nil {
				return errors.Wrapf(err, "failed to write --output=%q", flagCompileOutput)
			}
		}
		if flagCompileLink < 0 {
			return nil
		}
		config, err := loadConfig()
		if err != nil {
			return err
		}
		pool := config.NewPool()
		defer func() { _ = pool.Close() }()
		ec, err := pool.Select(func(index int, _ gpurt.DeviceDescriptor) bool { return index == flagCompileLink })
		if err != nil {
			return err
		}
		device, err := ec.Active()
		if err != nil {
			return err
		}
		kernel, err := device.Link(program.Code, program.EntryPoint, program.Params)
		if err != nil {
			return err
		}
		defer kernel.Release()
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Linked %s on %s\n", kernel, device)
		return err
	},
}

func init() {
	compileCmd.Flags().StringVar(&flagCompileWGSL, "wgsl", "", "WGSL file to compile.")
	compileCmd.Flags().StringVar(&flagCompileEntry, "entry", kernels.DefaultEntryPoint, "Entry point of the kernel.")
	compileCmd.Flags().StringVar(&flagCompileParams, "params", "", "Kernel parameters, e.g. \"f32,mut f32\".")
	compileCmd.Flags().StringVar(&flagCompileOutput, "output", "", "If set, write the SPIR-V code to this file.")
	compileCmd.Flags().IntVar(&flagCompileLink, "link", -1, "If >= 0, link the kernel on the device with this index.")
	_ = compileCmd.MarkFlagRequired("wgsl")
	rootCmd.AddCommand(compileCmd)
}

// parseParams parses a comma separated list of parameters: "f32,mut f32" is (Const f32, Mut f32).
// The dtype "any" leaves the parameter untagged.
func parseParams(list string) ([]gpurt.ParameterDescriptor, error) {
	builder := gpurt.Params()
	if strings.TrimSpace(list) == "" {
		return builder.Build(), nil
	}
	for ii, field := range strings.Split(list, ",") {
		field = strings.TrimSpace(field)
		mutable := false
		if rest, found := strings.CutPrefix(field, "mut "); found {
			mutable, field = true, strings.TrimSpace(rest)
		}
		dtype := dtypes.Invalid
		if field != "any" {
			var found bool
			dtype, found = dtypes.MapOfNames[field]
			if !found {
				return nil, errors.Wrapf(gpurt.ErrInvalidArgument, "parameter #%d: unknown dtype %q", ii, field)
			}
		}
		if mutable {
			builder.ParamMut(dtype)
		} else {
			builder.Param(dtype)
		}
	}
	return builder.Build(), nil
}

// describeProgram writes the size, entry points and bindings of the program to w.
func describeProgram(w io.Writer, program *gpurt.Program) error {
	module, err := spirv.Parse(program.Code)
	if err != nil {
		return errors.WithMessage(err, "compiled program")
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "SPIR-V %d.%d, %d words\n", module.Version>>16, (module.Version>>8)&0xff, len(program.Code))
	for _, ep := range module.EntryPoints {
		fmt.Fprintf(&sb, "Entry point %q: execution model %d, workgroup size %v\n", ep.Name, ep.Model, ep.LocalSize)
	}
	for _, b := range module.Bindings {
		access := "read-write"
		if b.NonWritable {
			access = "read-only"
		}
		fmt.Fprintf(&sb, "Binding set=%d binding=%d: %s\n", b.Set, b.Binding, access)
	}
	for ii, p := range program.Params {
		fmt.Fprintf(&sb, "Parameter #%d: %s\n", ii, p)
	}
	_, err = io.WriteString(w, sb.String())
	return err
}
