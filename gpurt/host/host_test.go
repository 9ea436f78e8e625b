package host_test

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chewxy/math32"
	"github.com/gomlx/gpurt/dtypes"
	"github.com/gomlx/gpurt/gpurt"
	"github.com/gomlx/gpurt/gpurt/host"
	"github.com/gomlx/gpurt/kernels"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func newDevice(t *testing.T, config gpurt.Config) *gpurt.Device {
	device := host.NewDevice(0, config)
	t.Cleanup(func() { require.NoError(t, device.Close()) })
	return device
}

// compileBuiltin compiles a builtin kernel in a private cache.
func compileBuiltin(t *testing.T, device *gpurt.Device, name string) *gpurt.Kernel {
	src := must.M1(host.BuiltinSource(name))
	kernel, err := gpurt.Compile(device, src, kernels.BuiltinCompiler{}, gpurt.NewLRUCache(4))
	require.NoError(t, err)
	return kernel
}

func numGroups(n int) uint32 {
	return uint32((n + host.BuiltinLocalSize - 1) / host.BuiltinLocalSize)
}

func TestProbe(t *testing.T) {
	config := gpurt.DefaultConfig()
	config.HostDevices = 3
	devices := must.M1(host.Probe(config))
	require.Len(t, devices, 3)
	for ii, d := range devices {
		desc := d.Descriptor()
		require.Equal(t, fmt.Sprintf("Host CPU #%d", ii), desc.Name)
		require.Equal(t, gpurt.DeviceTypeCPU, desc.Type)
		require.Equal(t, host.BackendName, desc.Backend)
		require.NoError(t, d.Close())
	}
	require.Contains(t, gpurt.Probes(), host.BackendName)

	config.HostDevices = 2
	config.Backends = []string{host.BackendName}
	pool := config.NewPool()
	require.Equal(t, 2, pool.Len())
	require.NoError(t, pool.Close())
}

func TestSaxpy(t *testing.T) {
	device := newDevice(t, gpurt.DefaultConfig())
	kernel := compileBuiltin(t, device, "saxpy")
	const n = 100
	xs, ys := make([]float32, n), make([]float32, n)
	for ii := range n {
		xs[ii] = float32(ii)
		ys[ii] = 1
	}
	a := must.M1(gpurt.ScalarToBuffer(device, float32(2), gpurt.Const))
	x := must.M1(gpurt.ArrayToBuffer(device, xs, gpurt.Const))
	y := must.M1(gpurt.ArrayToBuffer(device, ys, gpurt.Mut))
	require.NoError(t, gpurt.Spawn(numGroups(n)).Launch(kernel, a, x, y))
	got := must.M1(gpurt.BufferToArray[float32](y))
	for ii := range n {
		require.Equal(t, 2*float32(ii)+1, got[ii], "y[%d]", ii)
	}

	// Dispatches execute in order: twice more is 3 times in total.
	require.NoError(t, gpurt.Spawn(numGroups(n)).Launch(kernel, a, x, y))
	require.NoError(t, gpurt.Spawn(numGroups(n)).Launch(kernel, a, x, y))
	got = must.M1(gpurt.BufferToArray[float32](y))
	require.Equal(t, float32(3*2*10+1), got[10])

	// y is Mut in the parameters: passing a Const buffer is rejected before anything runs.
	err := gpurt.Spawn(numGroups(n)).Launch(kernel, a, x, x)
	require.ErrorIs(t, err, gpurt.ErrParameterMismatch)
}

func TestElementWiseBuiltins(t *testing.T) {
	device := newDevice(t, gpurt.DefaultConfig())
	input := []float32{-2, -0.5, 0, 0.5, 3}

	testCases := []struct {
		name string
		want func(x float32) float32
	}{
		{"relu", func(x float32) float32 { return max(x, 0) }},
		{"sigmoid", func(x float32) float32 { return 1 / (1 + math32.Exp(-x)) }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			kernel := compileBuiltin(t, device, tc.name)
			x := must.M1(gpurt.ArrayToBuffer(device, input, gpurt.Mut))
			require.NoError(t, gpurt.Spawn(numGroups(len(input))).Launch(kernel, x))
			got := must.M1(gpurt.BufferToArray[float32](x))
			for ii, v := range input {
				require.InDelta(t, tc.want(v), got[ii], 1e-6)
			}
		})
	}

	t.Run("scale", func(t *testing.T) {
		kernel := compileBuiltin(t, device, "scale")
		factor := must.M1(gpurt.ScalarToBuffer(device, float32(-3), gpurt.Const))
		x := must.M1(gpurt.ArrayToBuffer(device, input, gpurt.Mut))
		require.NoError(t, gpurt.Spawn(1).Launch(kernel, factor, x))
		require.Equal(t, []float32{6, 1.5, 0, -1.5, -9}, must.M1(gpurt.BufferToArray[float32](x)))
	})

	t.Run("add", func(t *testing.T) {
		kernel := compileBuiltin(t, device, "add")
		a := must.M1(gpurt.ArrayToBuffer(device, input, gpurt.Const))
		b := must.M1(gpurt.ArrayToBuffer(device, []float32{1, 1, 1, 1, 1}, gpurt.Const))
		out := must.M1(gpurt.BufferWithSize[float32](device, len(input), gpurt.Mut))
		require.NoError(t, gpurt.Spawn(1).Launch(kernel, a, b, out))
		require.Equal(t, []float32{-1, 0.5, 1, 1.5, 4}, must.M1(gpurt.BufferToArray[float32](out)))
	})

	t.Run("f16_to_f32", func(t *testing.T) {
		kernel := compileBuiltin(t, device, "f16_to_f32")
		halfs := make([]float16.Float16, len(input))
		for ii, v := range input {
			halfs[ii] = float16.Fromfloat32(v)
		}
		in := must.M1(gpurt.ArrayToBuffer(device, halfs, gpurt.Const))
		out := must.M1(gpurt.BufferWithSize[float32](device, len(input), gpurt.Mut))
		require.NoError(t, gpurt.Spawn(1).Launch(kernel, in, out))
		require.Equal(t, input, must.M1(gpurt.BufferToArray[float32](out)))

		// Type tags are checked: float32 input for a float16 parameter.
		wrong := must.M1(gpurt.ArrayToBuffer(device, input, gpurt.Const))
		require.ErrorIs(t, gpurt.Spawn(1).Launch(kernel, wrong, out), gpurt.ErrParameterMismatch)
	})
}

func TestMultiDimensionalDispatch(t *testing.T) {
	device := newDevice(t, gpurt.DefaultConfig())
	var calls atomic.Int32
	host.RegisterKernel("test_iota", func(inv *host.Invocation) error {
		calls.Add(1)
		out := host.View[uint32](inv.Args[0])
		start, end := inv.Clamp(len(out))
		for ii := start; ii < end; ii++ {
			out[ii] = uint32(ii)
		}
		return nil
	})
	src := kernels.Builtin{EntryPoint: "test_iota", Params: gpurt.Params().ParamMut(dtypes.Uint32).Build(), LocalSize: [3]uint32{2, 2, 1}}
	kernel := must.M1(gpurt.Compile(device, src, kernels.BuiltinCompiler{}, gpurt.NewLRUCache(1)))
	out := must.M1(gpurt.BufferWithSize[uint32](device, 2*3*4*4, gpurt.Mut))
	require.NoError(t, gpurt.Spawn(2).Spawn(3).Spawn(4).Launch(kernel, out))
	got := must.M1(gpurt.BufferToArray[uint32](out))
	for ii := range got {
		require.Equal(t, uint32(ii), got[ii])
	}
	require.Equal(t, int32(24), calls.Load())
}

func TestKernelFailures(t *testing.T) {
	device := newDevice(t, gpurt.DefaultConfig())
	host.RegisterKernel("test_fails", func(inv *host.Invocation) error {
		return errors.Errorf("workgroup %v failed", inv.WorkGroupID)
	})
	host.RegisterKernel("test_panics", func(*host.Invocation) error {
		panic("out of bounds")
	})
	params := gpurt.Params().ParamMut(0).Build()
	for _, name := range []string{"test_fails", "test_panics"} {
		failed := must.M1(device.AllocateFrom([]byte{1, 2, 3, 4}, gpurt.Mut))
		untouched := must.M1(device.AllocateFrom([]byte{5, 6, 7, 8}, gpurt.Mut))
		kernel := must.M1(gpurt.Compile(device, kernels.Builtin{EntryPoint: name, Params: params}, kernels.BuiltinCompiler{}, gpurt.NewLRUCache(1)))
		// Dispatch is asynchronous: the failure is reported by downloads of the buffers the kernel was bound to.
		require.NoError(t, gpurt.Spawn(4).Launch(kernel, failed))
		require.Equal(t, []byte{5, 6, 7, 8}, must.M1(untouched.Download().Await()))
		for range 2 {
			_, err := failed.Download().Await()
			require.ErrorIs(t, err, gpurt.ErrCompletion)
		}

		// Uploading new contents clears the failure.
		require.NoError(t, failed.Upload([]byte{9, 9, 9, 9}))
		require.Equal(t, []byte{9, 9, 9, 9}, must.M1(failed.Download().Await()))
	}

	// Unknown entry points fail to link.
	_, err := gpurt.Compile(device, kernels.Builtin{EntryPoint: "test_unknown", Params: params}, kernels.BuiltinCompiler{}, gpurt.NewLRUCache(1))
	require.ErrorIs(t, err, gpurt.ErrCompileFailure)
	require.ErrorContains(t, err, "test_unknown")
}

func TestDownloadTimeout(t *testing.T) {
	config := gpurt.DefaultConfig()
	config.DownloadTimeout = 10 * time.Millisecond
	device := newDevice(t, config)
	release := make(chan struct{})
	host.RegisterKernel("test_blocks", func(*host.Invocation) error {
		<-release
		return nil
	})
	kernel := must.M1(gpurt.Compile(device, kernels.Builtin{EntryPoint: "test_blocks", Params: gpurt.Params().ParamMut(0).Build()},
		kernels.BuiltinCompiler{}, gpurt.NewLRUCache(1)))
	data := must.M1(device.Allocate(8, gpurt.Mut))
	require.NoError(t, gpurt.Spawn(1).Launch(kernel, data))
	_, err := data.Download().Await()
	require.ErrorIs(t, err, gpurt.ErrCompletion)
	require.ErrorContains(t, err, "timed out")
	close(release)
	require.Equal(t, make([]byte, 8), must.M1(data.Download().Await()))
}

func TestInvocation(t *testing.T) {
	inv := &host.Invocation{WorkGroupID: [3]uint32{1, 2, 0}, NumWorkGroups: [3]uint32{3, 4, 1}, LocalSize: [3]uint32{8, 1, 1}}
	start, end := inv.Range()
	require.Equal(t, 7*8, start)
	require.Equal(t, 8*8, end)
	start, end = inv.Clamp(60)
	require.Equal(t, 56, start)
	require.Equal(t, 60, end)
	start, end = inv.Clamp(10)
	require.Equal(t, start, end)

	data := gpurt.BytesOf([]float32{1, 2, 3})
	require.Equal(t, []float32{1, 2, 3}, host.View[float32](data))
	require.Len(t, host.View[float64](data), 1)
	require.Nil(t, host.View[float64](data[:4]))

	require.Equal(t, []string{"add", "f16_to_f32", "relu", "saxpy", "scale", "sigmoid"}, host.Builtins())
	_, err := host.BuiltinSource("gelu")
	require.ErrorIs(t, err, gpurt.ErrInvalidArgument)
}
