package gpurt

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gomlx/gpurt/dtypes"
	"github.com/gomlx/gpurt/internal/spirv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DeviceType is the class of a compute device.
type DeviceType int

//go:generate go tool enumer -type=DeviceType -trimprefix=DeviceType devices.go

const (
	DeviceTypeOther DeviceType = iota
	DeviceTypeIntegratedGPU
	DeviceTypeDiscreteGPU
	DeviceTypeVirtualGPU
	DeviceTypeCPU
)

// DeviceDescriptor is the immutable description of a device, created when the device is enumerated.
type DeviceDescriptor struct {
	Name     string
	VendorID uint32
	DeviceID uint32
	Type     DeviceType

	// Backend is the name of the probe that enumerated the device.
	Backend string
}

// String implements fmt.Stringer.
func (desc DeviceDescriptor) String() string {
	return fmt.Sprintf("%s (vendor=0x%04x, device=0x%04x, type=%s, backend=%s)",
		desc.Name, desc.VendorID, desc.DeviceID, desc.Type, desc.Backend)
}

// Device is a handle to one compute device. It is created by a backend (see RegisterProbe) with NewDevice.
//
// All operations on a Device are mutually exclusive: concurrent calls from different goroutines serialize,
// and calls from the same goroutine execute in program order on the device queue.
type Device struct {
	mu         sync.Mutex
	id         uint64
	driver     Driver // nil after Close.
	descriptor DeviceDescriptor
}

var nextDeviceID atomic.Uint64

// NewDevice wraps a backend driver. It is meant to be used by backends.
func NewDevice(driver Driver, descriptor DeviceDescriptor) *Device {
	return &Device{
		id:         nextDeviceID.Add(1),
		driver:     driver,
		descriptor: descriptor,
	}
}

// ID is a process-unique identifier of the device. Kernel cache keys include it, so kernels
// compiled for one device are never returned for another.
func (d *Device) ID() uint64 {
	return d.id
}

// Descriptor returns the device description.
func (d *Device) Descriptor() DeviceDescriptor {
	return d.descriptor
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	return fmt.Sprintf("Device#%d[%s]", d.id, d.descriptor.Name)
}

// lock acquires exclusive access to the device, and fails if the device is closed.
// If it returns nil, the caller must call d.mu.Unlock.
func (d *Device) lock() error {
	d.mu.Lock()
	if d.driver == nil {
		d.mu.Unlock()
		return errors.Wrapf(ErrReleased, "%s is closed", d)
	}
	return nil
}

// Allocate reserves a zeroed buffer of the given size in bytes.
func (d *Device) Allocate(size int, mutability Mutability) (*Buffer, error) {
	return d.allocate(size, mutability, dtypes.Invalid)
}

// AllocateFrom reserves a buffer of len(data) bytes and uploads data to it.
// This is the one upload allowed on Const buffers.
func (d *Device) AllocateFrom(data []byte, mutability Mutability) (*Buffer, error) {
	return d.allocateFrom(data, mutability, dtypes.Invalid)
}

func (d *Device) allocate(size int, mutability Mutability, dtype dtypes.DType) (*Buffer, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "%s.Allocate(%d): buffer size must be positive", d, size)
	}
	if err := d.lock(); err != nil {
		return nil, err
	}
	storage, staging, err := d.driver.Allocate(size)
	d.mu.Unlock()
	if err != nil {
		return nil, errors.Wrapf(ErrCompletion, "%s.Allocate(%d): %v", d, size, err)
	}
	return newBuffer(d, storage, staging, size, mutability, dtype), nil
}

func (d *Device) allocateFrom(data []byte, mutability Mutability, dtype dtypes.DType) (*Buffer, error) {
	b, err := d.allocate(len(data), mutability, dtype)
	if err != nil {
		return nil, err
	}
	if err = b.upload(data); err != nil {
		b.Destroy()
		return nil, err
	}
	return b, nil
}

// Link turns SPIR-V code into a Kernel bound to this device.
//
// It fails with a CompileError (ErrCompileFailure) if the code is malformed, if it has no GLCompute
// entry point with the given name, or if its storage buffer bindings are not consistent with params:
// the bindings of descriptor set 0 must be numbered 0 to len(params)-1, and Mut parameters can't be
// bound to read-only (NonWritable) buffers.
func (d *Device) Link(code []uint32, entryPoint string, params []ParameterDescriptor) (*Kernel, error) {
	if err := validateBytecode(code, entryPoint, params); err != nil {
		return nil, &CompileError{Stage: StageLink, EntryPoint: entryPoint, Err: err}
	}
	if err := d.lock(); err != nil {
		return nil, err
	}
	pipeline, err := d.driver.Link(code, entryPoint, params)
	d.mu.Unlock()
	if err != nil {
		return nil, &CompileError{Stage: StageLink, EntryPoint: entryPoint, Err: err}
	}
	klog.V(1).Infof("%s: linked kernel %q with %d parameters", d, entryPoint, len(params))
	return newKernel(d, pipeline, entryPoint, params), nil
}

func validateBytecode(code []uint32, entryPoint string, params []ParameterDescriptor) error {
	module, err := spirv.Parse(code)
	if err != nil {
		return err
	}
	if module.EntryPoint(entryPoint, spirv.ExecutionModelGLCompute) == nil {
		var names []string
		for _, ep := range module.EntryPoints {
			if ep.Name == entryPoint {
				return errors.Errorf("entry point %q has execution model %d, only GLCompute (%d) can be dispatched",
					entryPoint, ep.Model, spirv.ExecutionModelGLCompute)
			}
			names = append(names, ep.Name)
		}
		return errors.Errorf("no entry point named %q, module declares [%s]", entryPoint, strings.Join(names, ", "))
	}
	bindings, err := module.BindingsInSet(0)
	if err != nil {
		return err
	}
	if len(bindings) != len(module.Bindings) {
		return errors.Errorf("module binds %d buffers outside descriptor set 0, only set 0 is supported",
			len(module.Bindings)-len(bindings))
	}
	if len(bindings) != len(params) {
		return errors.Errorf("module declares %d buffer bindings, but %d parameters were given", len(bindings), len(params))
	}
	for ii, param := range params {
		binding, found := bindings[uint32(ii)]
		if !found {
			return errors.Errorf("module has no buffer at binding %d: bindings must be numbered 0 to %d", ii, len(params)-1)
		}
		if param.Mutability == Mut && binding.NonWritable {
			return errors.Errorf("parameter #%d is Mut, but binding %d is declared read-only", ii, ii)
		}
	}
	return nil
}

// Dispatch enqueues the kernel over the workgroups given by shape, with the given arguments.
// It returns as soon as the work is enqueued: completion is only observable by a later Buffer.Download.
//
// It fails with ErrParameterMismatch if args don't match the kernel's parameters, and with ErrLaunchRuntime
// if the device rejects the dispatch. A shape with a zero-sized dimension is a no-op.
func (d *Device) Dispatch(kernel *Kernel, shape LaunchShape, args ArgumentBinding) error {
	if kernel == nil {
		return errors.Wrapf(ErrInvalidArgument, "%s.Dispatch(): nil kernel", d)
	}
	if kernel.device != d {
		return errors.Wrapf(ErrInvalidArgument, "%s.Dispatch(): kernel %q was linked for %s", d, kernel.entryPoint, kernel.device)
	}
	if err := kernel.Validate(args); err != nil {
		return err
	}
	groups, err := shape.Groups()
	if err != nil {
		return err
	}
	if shape.Size() == 0 {
		klog.V(2).Infof("%s: dispatch of %q with empty shape %v skipped", d, kernel.entryPoint, shape)
		return nil
	}

	if err := d.lock(); err != nil {
		return err
	}
	defer d.mu.Unlock()
	pipeline, err := kernel.pipelineHandle()
	if err != nil {
		return err
	}
	memories := make([]Memory, len(args))
	for ii, arg := range args {
		if !arg.Buffer.wrapper.IsValid() {
			return &ParameterMismatchError{Index: ii, Expected: kernel.params[ii], Got: arg.descriptor(),
				Reason: "buffer was already released"}
		}
		memories[ii] = arg.Buffer.wrapper.storage
	}
	klog.V(2).Infof("%s: dispatch %q over %v workgroups", d, kernel.entryPoint, groups)
	if err := d.driver.Dispatch(pipeline, groups, memories); err != nil {
		return errors.Wrapf(ErrLaunchRuntime, "%s.Dispatch(%q): %v", d, kernel.entryPoint, err)
	}
	return nil
}

// Close releases the device. Buffers and kernels of a closed device become invalid, and
// further operations on it fail with ErrReleased.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.driver == nil {
		return nil
	}
	err := d.driver.Close()
	d.driver = nil
	if err != nil {
		return errors.WithMessagef(err, "failed to close %s", d)
	}
	return nil
}
