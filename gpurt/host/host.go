// Package host implements a software gpurt backend that runs kernels on the CPU.
//
// Kernels are Go functions registered with RegisterKernel under an entry point name. Linking SPIR-V code
// on a host device validates its interface as for any device, and then resolves the kernel body by entry
// point name: the SPIR-V function bodies are not interpreted.
//
// Importing the package registers the "host" probe, which creates Config.HostDevices devices:
//
//	import _ "github.com/gomlx/gpurt/gpurt/host"
package host

import (
	"fmt"
	"runtime"
	"slices"
	"time"
	"unsafe"

	"github.com/gomlx/gpurt/gpurt"
	"github.com/gomlx/gpurt/internal/spirv"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// BackendName is the name the host probe is registered with.
const BackendName = "host"

func init() {
	gpurt.RegisterProbe(BackendName, Probe)
}

// Probe creates config.HostDevices host devices.
func Probe(config gpurt.Config) ([]*gpurt.Device, error) {
	devices := make([]*gpurt.Device, config.HostDevices)
	for ii := range devices {
		devices[ii] = NewDevice(ii, config)
	}
	return devices, nil
}

// NewDevice creates a host device. The index is used to name it and as its device id.
func NewDevice(index int, config gpurt.Config) *gpurt.Device {
	d := &driver{
		index:       index,
		timeout:     config.DownloadTimeout,
		parallelism: runtime.GOMAXPROCS(0),
		tasks:       make(chan func(), 64),
		drained:     make(chan struct{}),
	}
	go d.run()
	return gpurt.NewDevice(d, gpurt.DeviceDescriptor{
		Name:     fmt.Sprintf("Host CPU #%d", index),
		DeviceID: uint32(index),
		Type:     gpurt.DeviceTypeCPU,
		Backend:  BackendName,
	})
}

// region is the memory of a host buffer. It is backed by uint64 words, so views of any
// supported dtype are aligned.
type region struct {
	words []uint64
	size  int

	// failure is set when a dispatch bound to the region fails, and cleared by the next upload.
	// Only accessed by the queue goroutine.
	failure error
}

func newRegion(size int) *region {
	return &region{words: make([]uint64, (size+7)/8), size: size}
}

func (r *region) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(r.words))), r.size)
}

type pipeline struct {
	entryPoint string
	kernel     KernelFunc
	localSize  [3]uint32
}

// driver implements gpurt.Driver. Transfers and dispatches are executed in order by the queue goroutine
// (run); the workgroups of one dispatch run in parallel.
type driver struct {
	index       int
	timeout     time.Duration
	parallelism int

	// tasks is the device queue. It is closed by Close, after which run drains it and closes drained.
	tasks   chan func()
	drained chan struct{}
}

var _ gpurt.Driver = (*driver)(nil)

func (d *driver) run() {
	defer close(d.drained)
	for task := range d.tasks {
		task()
	}
}

func (d *driver) Allocate(size int) (storage, staging gpurt.Memory, err error) {
	// Host memory is host visible: there is no staging region.
	return newRegion(size), nil, nil
}

func (d *driver) Upload(storage, _ gpurt.Memory, data []byte) error {
	dst := storage.(*region)
	data = slices.Clone(data)
	d.tasks <- func() {
		copy(dst.bytes(), data)
		dst.failure = nil
	}
	return nil
}

type downloadResult struct {
	data []byte
	err  error
}

func (d *driver) Download(storage, _ gpurt.Memory, size int) (func() ([]byte, error), error) {
	src := storage.(*region)
	result := make(chan downloadResult, 1)
	d.tasks <- func() {
		if src.failure != nil {
			result <- downloadResult{err: errors.WithMessage(src.failure, "a dispatch writing to the buffer failed")}
			return
		}
		result <- downloadResult{data: slices.Clone(src.bytes()[:size])}
	}
	timeout := d.timeout
	return func() ([]byte, error) {
		if timeout <= 0 {
			r := <-result
			return r.data, r.err
		}
		select {
		case r := <-result:
			return r.data, r.err
		case <-time.After(timeout):
			return nil, errors.Errorf("host device #%d: download timed out after %s", d.index, timeout)
		}
	}, nil
}

func (d *driver) Release(storage, _ gpurt.Memory) {
	// Pending tasks may still reference the region: it is reclaimed by the garbage collector.
	r := storage.(*region)
	klog.V(2).Infof("host device #%d: released %d bytes", d.index, r.size)
}

func (d *driver) Link(code []uint32, entryPoint string, params []gpurt.ParameterDescriptor) (gpurt.Pipeline, error) {
	kernel, found := lookupKernel(entryPoint)
	if !found {
		return nil, errors.Errorf("host backend has no kernel registered for entry point %q (registered: %q)",
			entryPoint, RegisteredKernels())
	}
	module, err := spirv.Parse(code)
	if err != nil {
		return nil, err
	}
	ep := module.EntryPoint(entryPoint, spirv.ExecutionModelGLCompute)
	if ep == nil {
		return nil, errors.Errorf("no GLCompute entry point %q", entryPoint)
	}
	for axis, size := range ep.LocalSize {
		if size == 0 {
			return nil, errors.Errorf("entry point %q has workgroup size 0 along axis %d", entryPoint, axis)
		}
	}
	return &pipeline{entryPoint: entryPoint, kernel: kernel, localSize: ep.LocalSize}, nil
}

func (d *driver) ReleasePipeline(gpurt.Pipeline) {}

func (d *driver) Dispatch(p gpurt.Pipeline, groups [3]uint32, args []gpurt.Memory) error {
	pipe := p.(*pipeline)
	regions := make([]*region, len(args))
	for ii, arg := range args {
		regions[ii] = arg.(*region)
	}
	d.tasks <- func() {
		if err := d.execute(pipe, groups, regions); err != nil {
			klog.Errorf("host device #%d: kernel %q failed: %+v", d.index, pipe.entryPoint, err)
			for _, r := range regions {
				if r.failure == nil {
					r.failure = err
				}
			}
		}
	}
	return nil
}

// execute runs all workgroups of a dispatch and waits for them.
func (d *driver) execute(pipe *pipeline, groups [3]uint32, regions []*region) error {
	views := make([][]byte, len(regions))
	for ii, r := range regions {
		views[ii] = r.bytes()
	}
	var g errgroup.Group
	g.SetLimit(d.parallelism)
	for z := range groups[2] {
		for y := range groups[1] {
			for x := range groups[0] {
				inv := &Invocation{
					WorkGroupID:   [3]uint32{x, y, z},
					NumWorkGroups: groups,
					LocalSize:     pipe.localSize,
					Args:          views,
				}
				g.Go(func() (err error) {
					defer func() {
						if r := recover(); r != nil {
							err = errors.Errorf("panic in workgroup %v: %v", inv.WorkGroupID, r)
						}
					}()
					return pipe.kernel(inv)
				})
			}
		}
	}
	return g.Wait()
}

// Close stops accepting work, and waits for the work already enqueued to finish.
func (d *driver) Close() error {
	close(d.tasks)
	<-d.drained
	klog.V(1).Infof("host device #%d closed", d.index)
	return nil
}
