package gpurt

// Common initialization and testing tools for all test files.

import (
	"slices"
	"sync"
	"testing"

	"github.com/gomlx/gpurt/internal/spirv"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

type errTester[T any] struct {
	value T
	err   error
}

// capture is a shortcut to test that there is no error and return the value.
func capture[T any](value T, err error) errTester[T] {
	return errTester[T]{value, err}
}

func (e errTester[T]) Test(t *testing.T) T {
	require.NoError(t, e.err)
	return e.value
}

// fakeMemory is the memory of the fake driver.
type fakeMemory struct {
	data []byte
}

type fakePipeline struct {
	entryPoint string
	params     []ParameterDescriptor
}

type fakeDispatch struct {
	entryPoint string
	groups     [3]uint32
	args       []Memory
}

// fakeDriver is an in-memory Driver whose operations complete immediately.
// Dispatches are recorded, and run onDispatch if set.
type fakeDriver struct {
	mu                sync.Mutex
	allocated         int
	released          int
	pipelinesLinked   int
	pipelinesReleased int
	dispatches        []fakeDispatch
	closed            bool

	failDownload, failDispatch, failLink error
	onDispatch                           func(entryPoint string, groups [3]uint32, args [][]byte)
}

var _ Driver = (*fakeDriver)(nil)

func (f *fakeDriver) Allocate(size int) (storage, staging Memory, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocated++
	return &fakeMemory{data: make([]byte, size)}, &fakeMemory{data: make([]byte, size)}, nil
}

func (f *fakeDriver) Upload(storage, staging Memory, data []byte) error {
	copy(staging.(*fakeMemory).data, data)
	copy(storage.(*fakeMemory).data, staging.(*fakeMemory).data)
	return nil
}

func (f *fakeDriver) Download(storage, staging Memory, size int) (func() ([]byte, error), error) {
	copy(staging.(*fakeMemory).data, storage.(*fakeMemory).data)
	data := slices.Clone(staging.(*fakeMemory).data[:size])
	failure := f.failDownload
	return func() ([]byte, error) {
		if failure != nil {
			return nil, failure
		}
		return data, nil
	}, nil
}

func (f *fakeDriver) Release(storage, staging Memory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

func (f *fakeDriver) Link(code []uint32, entryPoint string, params []ParameterDescriptor) (Pipeline, error) {
	if f.failLink != nil {
		return nil, f.failLink
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pipelinesLinked++
	return &fakePipeline{entryPoint: entryPoint, params: params}, nil
}

func (f *fakeDriver) ReleasePipeline(pipeline Pipeline) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pipelinesReleased++
}

func (f *fakeDriver) Dispatch(pipeline Pipeline, groups [3]uint32, args []Memory) error {
	if f.failDispatch != nil {
		return f.failDispatch
	}
	entryPoint := pipeline.(*fakePipeline).entryPoint
	f.mu.Lock()
	f.dispatches = append(f.dispatches, fakeDispatch{entryPoint: entryPoint, groups: groups, args: args})
	f.mu.Unlock()
	if f.onDispatch != nil {
		data := make([][]byte, len(args))
		for ii, arg := range args {
			data[ii] = arg.(*fakeMemory).data
		}
		f.onDispatch(entryPoint, groups, data)
	}
	return nil
}

func (f *fakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("fake driver closed twice")
	}
	f.closed = true
	return nil
}

// newTestDevice creates a device backed by a fakeDriver.
func newTestDevice(t *testing.T, name string) (*Device, *fakeDriver) {
	driver := &fakeDriver{}
	device := NewDevice(driver, DeviceDescriptor{Name: name, VendorID: 0x10de, DeviceID: 0x2204, Type: DeviceTypeDiscreteGPU, Backend: "fake"})
	t.Cleanup(func() { _ = device.Close() })
	return device, driver
}

// stubCode assembles a SPIR-V module declaring one storage buffer per parameter.
func stubCode(entryPoint string, params []ParameterDescriptor) []uint32 {
	b := spirv.NewBuilder(entryPoint)
	for _, p := range params {
		b.StorageBuffer(p.Mutability == Const)
	}
	return b.Assemble()
}

// testSource is a Source identified by its name; its program declares the given parameters.
type testSource struct {
	name   string
	params []ParameterDescriptor
}

func (s testSource) AppendHash(b []byte) []byte {
	b = AppendHashString(b, 1, s.name)
	return AppendHashParams(b, 2, s.params)
}

// countingCompiler compiles testSource values to stub programs, and counts its invocations.
type countingCompiler struct {
	mu    sync.Mutex
	calls int
	// block, if set, is waited on by every compilation.
	block chan struct{}
}

func (c *countingCompiler) CompileToBytecode(src testSource) (*Program, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.block != nil {
		<-c.block
	}
	if src.name == "" {
		return nil, errors.New("empty kernel name")
	}
	return &Program{Code: stubCode(src.name, src.params), EntryPoint: src.name, Params: slices.Clone(src.params)}, nil
}

func (c *countingCompiler) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
