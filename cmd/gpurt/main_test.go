package main

import (
	"bytes"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gomlx/gpurt/dtypes"
	"github.com/gomlx/gpurt/gpurt"
	"github.com/gomlx/gpurt/gpurt/host"
	"github.com/gomlx/gpurt/kernels"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func TestParseParams(t *testing.T) {
	params := must.M1(parseParams("f32, mut Float16 ,any,mut any"))
	require.Equal(t, []gpurt.ParameterDescriptor{
		{Mutability: gpurt.Const, DType: dtypes.Float32},
		{Mutability: gpurt.Mut, DType: dtypes.Float16},
		{Mutability: gpurt.Const, DType: dtypes.Invalid},
		{Mutability: gpurt.Mut, DType: dtypes.Invalid},
	}, params)
	require.Empty(t, must.M1(parseParams(" ")))
	_, err := parseParams("f32,mut complex")
	require.ErrorIs(t, err, gpurt.ErrInvalidArgument)
}

func TestListDevices(t *testing.T) {
	infos := []gpurt.DeviceInfo{
		{Index: 0, Descriptor: gpurt.DeviceDescriptor{Name: "Host CPU #0", Type: gpurt.DeviceTypeCPU, Backend: "host"}},
		{Index: 1, Descriptor: gpurt.DeviceDescriptor{Name: "Big GPU", VendorID: 0x10de, DeviceID: 0x2204, Type: gpurt.DeviceTypeDiscreteGPU, Backend: "wgpu"}},
	}
	var buf bytes.Buffer
	require.NoError(t, listDevices(&buf, infos, "", false))
	require.Contains(t, buf.String(), "#1: Big GPU (vendor=0x10de, device=0x2204, type=DiscreteGPU, backend=wgpu)")

	buf.Reset()
	require.NoError(t, listDevices(&buf, infos, "DiscreteGPU", true))
	var devices []deviceJSON
	require.NoError(t, json.Unmarshal(buf.Bytes(), &devices))
	require.Len(t, devices, 1)
	require.Equal(t, deviceJSON{Index: 1, Name: "Big GPU", VendorID: 0x10de, DeviceID: 0x2204, Type: "DiscreteGPU", Backend: "wgpu"}, devices[0])
	require.Len(t, infos, 2, "filtering doesn't modify the input")

	buf.Reset()
	require.NoError(t, listDevices(&buf, infos, "VirtualGPU", false))
	require.Equal(t, "No devices found.\n", buf.String())

	require.ErrorIs(t, listDevices(&buf, infos, "Quantum", false), gpurt.ErrInvalidArgument)
}

func TestDescribeProgram(t *testing.T) {
	src := must.M1(host.BuiltinSource("saxpy"))
	program := must.M1(kernels.BuiltinCompiler{}.CompileToBytecode(src))
	var buf bytes.Buffer
	require.NoError(t, describeProgram(&buf, program))
	out := buf.String()
	require.Contains(t, out, `Entry point "saxpy"`)
	require.Contains(t, out, "workgroup size [64 1 1]")
	require.Contains(t, out, "Binding set=0 binding=2: read-write")
	require.Contains(t, out, "Parameter #2: Mut Float32")
}

func TestRunBuiltin(t *testing.T) {
	device := host.NewDevice(0, gpurt.DefaultConfig())
	defer func() { require.NoError(t, device.Close()) }()
	var buf bytes.Buffer
	for _, name := range host.Builtins() {
		buf.Reset()
		require.NoError(t, runBuiltin(&buf, device, name, 100), "builtin %q", name)
		require.Contains(t, buf.String(), name+" on ")
	}

	// relu over (i/4 - 1): the first 4 elements are clipped to 0.
	buf.Reset()
	require.NoError(t, runBuiltin(&buf, device, "relu", 8))
	require.Contains(t, buf.String(), "[0 0 0 0 0 0.25 0.5 0.75]")

	require.ErrorIs(t, runBuiltin(&buf, device, "gelu", 8), gpurt.ErrInvalidArgument)
	require.ErrorIs(t, runBuiltin(&buf, device, "relu", 0), gpurt.ErrInvalidArgument)
}
