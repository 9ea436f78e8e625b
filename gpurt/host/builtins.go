package host

import (
	"slices"

	"github.com/chewxy/math32"
	"github.com/gomlx/gpurt/dtypes"
	"github.com/gomlx/gpurt/gpurt"
	kernelsrc "github.com/gomlx/gpurt/kernels"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// BuiltinLocalSize is the workgroup size the builtin kernels are meant to be linked with: a dispatch of
// n elements needs ceil(n/BuiltinLocalSize) workgroups.
const BuiltinLocalSize = 64

type builtin struct {
	params []gpurt.ParameterDescriptor
	kernel KernelFunc
}

// builtins are element-wise float32 kernels, all registered at init time.
// Scalar arguments are 1-element buffers.
var builtins = map[string]builtin{
	// saxpy(a, x, y): y = a*x + y
	"saxpy": {
		params: gpurt.Params().Param(dtypes.Float32).Param(dtypes.Float32).ParamMut(dtypes.Float32).Build(),
		kernel: func(inv *Invocation) error {
			a, x, y := View[float32](inv.Args[0]), View[float32](inv.Args[1]), View[float32](inv.Args[2])
			if len(a) != 1 || len(x) < len(y) {
				return errors.Errorf("saxpy: a must have 1 element (got %d), and x at least as many as y (got %d < %d)", len(a), len(x), len(y))
			}
			start, end := inv.Clamp(len(y))
			for ii := start; ii < end; ii++ {
				y[ii] += a[0] * x[ii]
			}
			return nil
		},
	},

	// scale(factor, x): x = factor*x
	"scale": {
		params: gpurt.Params().Param(dtypes.Float32).ParamMut(dtypes.Float32).Build(),
		kernel: func(inv *Invocation) error {
			factor, x := View[float32](inv.Args[0]), View[float32](inv.Args[1])
			if len(factor) != 1 {
				return errors.Errorf("scale: factor must have 1 element, got %d", len(factor))
			}
			start, end := inv.Clamp(len(x))
			for ii := start; ii < end; ii++ {
				x[ii] *= factor[0]
			}
			return nil
		},
	},

	// add(a, b, out): out = a + b
	"add": {
		params: gpurt.Params().Param(dtypes.Float32).Param(dtypes.Float32).ParamMut(dtypes.Float32).Build(),
		kernel: func(inv *Invocation) error {
			a, b, out := View[float32](inv.Args[0]), View[float32](inv.Args[1]), View[float32](inv.Args[2])
			if len(a) < len(out) || len(b) < len(out) {
				return errors.Errorf("add: inputs have %d and %d elements, output has %d", len(a), len(b), len(out))
			}
			start, end := inv.Clamp(len(out))
			for ii := start; ii < end; ii++ {
				out[ii] = a[ii] + b[ii]
			}
			return nil
		},
	},

	// relu(x): x = max(x, 0)
	"relu": {
		params: gpurt.Params().ParamMut(dtypes.Float32).Build(),
		kernel: func(inv *Invocation) error {
			x := View[float32](inv.Args[0])
			start, end := inv.Clamp(len(x))
			for ii := start; ii < end; ii++ {
				x[ii] = max(x[ii], 0)
			}
			return nil
		},
	},

	// sigmoid(x): x = 1/(1+exp(-x))
	"sigmoid": {
		params: gpurt.Params().ParamMut(dtypes.Float32).Build(),
		kernel: func(inv *Invocation) error {
			x := View[float32](inv.Args[0])
			start, end := inv.Clamp(len(x))
			for ii := start; ii < end; ii++ {
				x[ii] = 1 / (1 + math32.Exp(-x[ii]))
			}
			return nil
		},
	},

	// f16_to_f32(in, out): out = float32(in)
	"f16_to_f32": {
		params: gpurt.Params().Param(dtypes.Float16).ParamMut(dtypes.Float32).Build(),
		kernel: func(inv *Invocation) error {
			in, out := View[float16.Float16](inv.Args[0]), View[float32](inv.Args[1])
			if len(in) < len(out) {
				return errors.Errorf("f16_to_f32: input has %d elements, output has %d", len(in), len(out))
			}
			start, end := inv.Clamp(len(out))
			for ii := start; ii < end; ii++ {
				out[ii] = in[ii].Float32()
			}
			return nil
		},
	},
}

func init() {
	for name, b := range builtins {
		RegisterKernel(name, b.kernel)
	}
}

// Builtins returns the sorted names of the builtin kernels.
func Builtins() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// BuiltinParams returns the parameters of the builtin kernel with the given name.
func BuiltinParams(name string) ([]gpurt.ParameterDescriptor, bool) {
	b, found := builtins[name]
	if !found {
		return nil, false
	}
	return slices.Clone(b.params), true
}

// BuiltinSource returns the source to compile the builtin kernel with the given name,
// with kernels.BuiltinCompiler.
func BuiltinSource(name string) (kernelsrc.Builtin, error) {
	params, found := BuiltinParams(name)
	if !found {
		return kernelsrc.Builtin{}, errors.Wrapf(gpurt.ErrInvalidArgument, "unknown builtin kernel %q, builtins are %q", name, Builtins())
	}
	return kernelsrc.Builtin{EntryPoint: name, Params: params, LocalSize: [3]uint32{BuiltinLocalSize, 1, 1}}, nil
}
