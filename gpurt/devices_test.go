package gpurt

import (
	"testing"

	"github.com/gomlx/gpurt/internal/spirv"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestDeviceDescriptor(t *testing.T) {
	device, _ := newTestDevice(t, "RTX Fake")
	desc := device.Descriptor()
	require.Equal(t, "RTX Fake (vendor=0x10de, device=0x2204, type=DiscreteGPU, backend=fake)", desc.String())

	other, _ := newTestDevice(t, "RTX Fake")
	require.NotEqual(t, device.ID(), other.ID())

	dtype, err := DeviceTypeString("integratedgpu")
	require.NoError(t, err)
	require.Equal(t, DeviceTypeIntegratedGPU, dtype)
	_, err = DeviceTypeString("tpu")
	require.Error(t, err)
	require.Equal(t, "DeviceType(17)", DeviceType(17).String())
}

func TestDeviceLink(t *testing.T) {
	device, driver := newTestDevice(t, "link")
	params := Params().ParamMut(0).Param(0).Build()

	kernel := capture(device.Link(stubCode("main", params), "main", params)).Test(t)
	require.Equal(t, "main", kernel.EntryPoint())
	require.Equal(t, params, kernel.Params())
	require.Equal(t, device, kernel.Device())
	require.Equal(t, 1, driver.pipelinesLinked)

	testCases := []struct {
		name       string
		code       []uint32
		entryPoint string
		params     []ParameterDescriptor
		message    string
	}{
		{"bad magic", []uint32{1, 2, 3, 4, 5}, "main", params, "magic"},
		{"truncated", []uint32{spirv.Magic}, "main", params, "too short"},
		{"missing entry point", stubCode("main", params), "other", params, "no entry point"},
		{"too few parameters", stubCode("main", params), "main", params[:1], "declares 2 buffer bindings"},
		{"too many parameters", stubCode("main", params), "main", Params().ParamMut(0).Param(0).Param(0).Build(), "declares 2 buffer bindings"},
		{"Mut on read-only", stubCode("main", Params().Param(0).Param(0).Build()), "main", params, "declared read-only"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := device.Link(tc.code, tc.entryPoint, tc.params)
			require.Error(t, err)
			require.ErrorIs(t, err, ErrCompileFailure)
			require.ErrorContains(t, err, tc.message)
			var compileErr *CompileError
			require.True(t, errors.As(err, &compileErr))
			require.Equal(t, StageLink, compileErr.Stage)
		})
	}
	require.Equal(t, 1, driver.pipelinesLinked, "invalid code must not reach the driver")

	// Const parameters may be bound to writable bindings.
	allConst := Params().Param(0).Param(0).Build()
	_ = capture(device.Link(stubCode("main", params), "main", allConst)).Test(t)

	// Driver failures are link failures.
	driver.failLink = errors.New("out of pipeline slots")
	_, err := device.Link(stubCode("main", params), "main", params)
	require.ErrorIs(t, err, ErrCompileFailure)
	require.ErrorContains(t, err, "out of pipeline slots")
}

func TestDeviceClose(t *testing.T) {
	device, driver := newTestDevice(t, "closing")
	buffer := capture(device.Allocate(16, Mut)).Test(t)
	require.NoError(t, device.Close())
	require.True(t, driver.closed)
	require.NoError(t, device.Close(), "closing twice is a no-op")

	_, err := device.Allocate(16, Mut)
	require.ErrorIs(t, err, ErrReleased)
	require.ErrorIs(t, buffer.Upload(make([]byte, 16)), ErrReleased)
	_, err = buffer.Download().Await()
	require.ErrorIs(t, err, ErrReleased)

	// Destroying buffers of a closed device doesn't reach the driver.
	buffer.Destroy()
	require.Equal(t, 0, driver.released)
}
