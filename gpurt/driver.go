package gpurt

import (
	"slices"
	"sync"

	"github.com/pkg/errors"
)

// Memory is a backend specific handle to a region of device memory.
type Memory any

// Pipeline is a backend specific handle to a linked compute pipeline.
type Pipeline any

// Driver is the capability set a backend provides for one device. The runtime wraps it with a Device,
// which serializes all calls: a Driver is never called concurrently for the same device, except for
// the wait function returned by Download, which may run concurrently with any other call.
type Driver interface {
	// Allocate reserves zeroed storage memory of the given size, and a host visible staging region
	// of the same size.
	Allocate(size int) (storage, staging Memory, err error)

	// Upload replaces the staging contents with data, and copies staging to storage.
	// When it returns, data is no longer referenced.
	Upload(storage, staging Memory, data []byte) error

	// Download enqueues a copy of storage into staging, and returns a function that blocks until
	// the copy is finished and returns the contents read back from staging.
	//
	// The wait function is called exactly once.
	Download(storage, staging Memory, size int) (wait func() ([]byte, error), err error)

	// Release frees storage and staging regions.
	Release(storage, staging Memory)

	// Link lowers SPIR-V code into a dispatchable pipeline. The code was already checked to declare
	// a GLCompute entry point named entryPoint, with buffer bindings 0..len(params)-1 in set 0.
	Link(code []uint32, entryPoint string, params []ParameterDescriptor) (Pipeline, error)

	// ReleasePipeline frees a pipeline returned by Link.
	ReleasePipeline(pipeline Pipeline)

	// Dispatch enqueues the pipeline over the given number of workgroups, binding each argument's storage
	// to the binding of the same index. It returns as soon as the work is enqueued.
	Dispatch(pipeline Pipeline, groups [3]uint32, args []Memory) error

	// Close releases the device. No other method is called afterwards.
	Close() error
}

// Probe enumerates the devices of one backend.
// It returns an empty list, not an error, if the backend is supported but no device is present.
type Probe func(config Config) ([]*Device, error)

var (
	// probes registered, by name. Protected by muProbes.
	probes      = make(map[string]Probe)
	probesOrder []string
	muProbes    sync.Mutex
)

// RegisterProbe registers a backend device probe under the given name, typically from the
// backend package's init(). Registering the same name twice replaces the previous probe.
//
// Probes are used by pools, in registration order unless Config.Backends specify otherwise.
func RegisterProbe(name string, probe Probe) {
	muProbes.Lock()
	defer muProbes.Unlock()
	if _, found := probes[name]; !found {
		probesOrder = append(probesOrder, name)
	}
	probes[name] = probe
}

// GetProbe returns the probe registered with the given name.
func GetProbe(name string) (Probe, error) {
	muProbes.Lock()
	defer muProbes.Unlock()
	probe, found := probes[name]
	if !found {
		return nil, errors.Wrapf(ErrNoDevice, "backend %q not registered (registered backends: %q)", name, probesOrder)
	}
	return probe, nil
}

// Probes returns the names of the registered probes, in registration order.
func Probes() []string {
	muProbes.Lock()
	defer muProbes.Unlock()
	return slices.Clone(probesOrder)
}
