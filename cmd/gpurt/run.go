package main

import (
	"fmt"
	"io"
	"time"

	"github.com/gomlx/gpurt/dtypes"
	"github.com/gomlx/gpurt/gpurt"
	"github.com/gomlx/gpurt/gpurt/host"
	"github.com/gomlx/gpurt/kernels"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/x448/float16"
)

var (
	flagRunN      int
	flagRunDevice int
)

var runCmd = &cobra.Command{
	Use:   "run-builtin <kernel>",
	Short: "Run one of the builtin kernels of the host backend on generated data",
	Long: fmt.Sprintf(`Run one of the builtin kernels of the host backend on generated data, and print the
first elements of the result. Builtin kernels: %q.`, host.Builtins()),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		pool := config.NewPool()
		defer func() { _ = pool.Close() }()
		ec, err := pool.Select(func(index int, _ gpurt.DeviceDescriptor) bool { return index == flagRunDevice })
		if err != nil {
			return err
		}
		device, err := ec.Active()
		if err != nil {
			return err
		}
		return runBuiltin(cmd.OutOrStdout(), device, args[0], flagRunN)
	},
}

func init() {
	runCmd.Flags().IntVar(&flagRunN, "n", 1024, "Number of elements.")
	runCmd.Flags().IntVar(&flagRunDevice, "device", 0, "Index of the device to run on.")
	rootCmd.AddCommand(runCmd)
}

// maxPrinted is the number of result elements printed by run-builtin.
const maxPrinted = 8

// runBuiltin runs the builtin kernel on n generated elements, and writes the first results to w.
// Const parameters are filled with 1-element scalars when they come first (saxpy's and scale's factor).
func runBuiltin(w io.Writer, device *gpurt.Device, name string, n int) error {
	if n <= 0 {
		return errors.Wrapf(gpurt.ErrInvalidArgument, "number of elements must be positive, got %d", n)
	}
	src, err := host.BuiltinSource(name)
	if err != nil {
		return err
	}
	start := time.Now()
	kernel, err := gpurt.Compile(device, src, kernels.BuiltinCompiler{}, nil)
	if err != nil {
		return err
	}
	defer kernel.Release()
	compileTime := time.Since(start)

	args := make([]*gpurt.Buffer, len(src.Params))
	var output *gpurt.Buffer
	for ii, param := range src.Params {
		scalar := param.Mutability == gpurt.Const && ii == 0 && len(src.Params) > 1 && (name == "saxpy" || name == "scale")
		args[ii], err = generateBuffer(device, param, n, ii, scalar)
		if err != nil {
			return err
		}
		if param.Mutability == gpurt.Mut {
			output = args[ii]
		}
	}

	start = time.Now()
	numGroups := (n + host.BuiltinLocalSize - 1) / host.BuiltinLocalSize
	if err := gpurt.Spawn(uint32(numGroups)).Launch(kernel, args...); err != nil {
		return err
	}
	result, err := gpurt.BufferToArray[float32](output)
	if err != nil {
		return err
	}
	runTime := time.Since(start)

	_, err = fmt.Fprintf(w, "%s on %s: compiled in %s, ran %d workgroups in %s\n%v\n",
		name, device, compileTime, numGroups, runTime, result[:min(len(result), maxPrinted)])
	return err
}

// generateBuffer creates the buffer of one parameter filled with values depending on the parameter
// index: element i of parameter p is (i + p) / 4 - 1.
func generateBuffer(device *gpurt.Device, param gpurt.ParameterDescriptor, n, index int, scalar bool) (*gpurt.Buffer, error) {
	if scalar {
		n = 1
	}
	value := func(ii int) float32 { return float32(ii+index)/4 - 1 }
	switch param.DType {
	case dtypes.Float32:
		values := make([]float32, n)
		for ii := range values {
			values[ii] = value(ii)
		}
		return gpurt.ArrayToBuffer(device, values, param.Mutability)
	case dtypes.Float16:
		values := make([]float16.Float16, n)
		for ii := range values {
			values[ii] = float16.Fromfloat32(value(ii))
		}
		return gpurt.ArrayToBuffer(device, values, param.Mutability)
	}
	return nil, errors.Wrapf(gpurt.ErrInvalidArgument, "parameter #%d has unsupported dtype %s", index, param.DType)
}
