package gpurt

import (
	"fmt"
	"runtime"
	"slices"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kernel is a compiled kernel linked for one device: the parameter list it was compiled with,
// plus the device pipeline that executes it.
//
// A Kernel is immutable and safe to share across goroutines. It is reference counted: the pipeline
// is released when the last reference is released (see Retain and Release), or when the Kernel is
// garbage collected, whichever happens first. Kernels returned by Compile and by LRUCache.Lookup hold
// a reference for the caller; callers that don't call Release simply leave it to the garbage collector.
type Kernel struct {
	id         uuid.UUID
	device     *Device
	entryPoint string
	params     []ParameterDescriptor
	wrapper    *kernelWrapper
}

// kernelWrapper holds what the garbage collection cleanup frees.
type kernelWrapper struct {
	device   *Device
	pipeline Pipeline
	refs     atomic.Int64
	released atomic.Bool
}

func (w *kernelWrapper) destroy() {
	if w.released.Swap(true) {
		return
	}
	kernelsAlive.Add(-1)
	d := w.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.driver != nil {
		d.driver.ReleasePipeline(w.pipeline)
	}
	w.pipeline = nil
}

var kernelsAlive atomic.Int64

// KernelsAlive returns the number of kernels whose pipeline hasn't been released yet, over all devices.
func KernelsAlive() int64 {
	return kernelsAlive.Load()
}

// newKernel creates a Kernel holding one reference, owned by the caller, and registers it for freeing.
func newKernel(device *Device, pipeline Pipeline, entryPoint string, params []ParameterDescriptor) *Kernel {
	k := &Kernel{
		id:         uuid.New(),
		device:     device,
		entryPoint: entryPoint,
		params:     slices.Clone(params),
		wrapper:    &kernelWrapper{device: device, pipeline: pipeline},
	}
	k.wrapper.refs.Store(1)
	kernelsAlive.Add(1)
	runtime.AddCleanup(k, func(wrapper *kernelWrapper) {
		wrapper.destroy()
	}, k.wrapper)
	return k
}

// ID is a unique identifier of this compiled kernel.
func (k *Kernel) ID() uuid.UUID {
	return k.id
}

// EntryPoint returns the name of the kernel's entry point.
func (k *Kernel) EntryPoint() string {
	return k.entryPoint
}

// Params returns a copy of the kernel's parameter list.
func (k *Kernel) Params() []ParameterDescriptor {
	return slices.Clone(k.params)
}

// NumParams returns the number of parameters (and hence of arguments) of the kernel.
func (k *Kernel) NumParams() int {
	return len(k.params)
}

// Device the kernel is linked for.
func (k *Kernel) Device() *Device {
	return k.device
}

// String implements fmt.Stringer.
func (k *Kernel) String() string {
	return fmt.Sprintf("Kernel[%s%v on %s]", k.entryPoint, k.params, k.device)
}

// Retain adds a reference to the kernel. It fails with ErrReleased if the kernel was already released.
func (k *Kernel) Retain() error {
	if !k.tryRetain() {
		return errors.Wrapf(ErrReleased, "%s.Retain()", k)
	}
	return nil
}

func (k *Kernel) tryRetain() bool {
	for {
		refs := k.wrapper.refs.Load()
		if refs <= 0 || k.wrapper.released.Load() {
			return false
		}
		if k.wrapper.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// Release drops a reference. The pipeline is released with the last reference.
func (k *Kernel) Release() {
	refs := k.wrapper.refs.Add(-1)
	if refs < 0 {
		panicf("%s released more times than retained", k)
	}
	if refs == 0 {
		klog.V(1).Infof("%s: last reference released", k)
		k.wrapper.destroy()
	}
}

// RefCount returns the current number of references.
func (k *Kernel) RefCount() int64 {
	return k.wrapper.refs.Load()
}

// IsValid returns whether the kernel pipeline wasn't released yet.
func (k *Kernel) IsValid() bool {
	return k != nil && !k.wrapper.released.Load()
}

// pipelineHandle must be called with the device lock held.
func (k *Kernel) pipelineHandle() (Pipeline, error) {
	if k.wrapper.released.Load() {
		return nil, errors.Wrapf(ErrReleased, "%s was already released", k)
	}
	return k.wrapper.pipeline, nil
}

// Validate checks that args can be bound to the kernel parameters:
//
//   - The number of arguments must match the number of parameters.
//   - Every buffer must be allocated on the kernel's device.
//   - Mut parameters require Mut arguments; Const parameters accept both.
//   - If both the parameter and the argument carry a dtype, they must be equal.
//
// It returns a *ParameterMismatchError (ErrParameterMismatch) otherwise.
func (k *Kernel) Validate(args ArgumentBinding) error {
	if len(args) != len(k.params) {
		return &ParameterMismatchError{
			Index:  -1,
			Reason: fmt.Sprintf("kernel %q takes %d arguments, %d were given", k.entryPoint, len(k.params), len(args)),
		}
	}
	for ii, arg := range args {
		param := k.params[ii]
		mismatch := func(reason string, reasonArgs ...any) error {
			return &ParameterMismatchError{Index: ii, Expected: param, Got: arg.descriptor(), Reason: fmt.Sprintf(reason, reasonArgs...)}
		}
		if arg.Buffer == nil {
			return mismatch("nil buffer")
		}
		if arg.Buffer.Device() != k.device {
			return mismatch("buffer is allocated on %s, kernel is linked for %s", arg.Buffer.Device(), k.device)
		}
		if arg.Mutability == Mut && arg.Buffer.Mutability() != Mut {
			return mismatch("Const buffer can't be bound as Mut")
		}
		if param.Mutability == Mut && arg.Mutability != Mut {
			return mismatch("Mut parameter requires a Mut argument")
		}
		if !param.DType.Compatible(arg.DType) {
			return mismatch("dtype mismatch")
		}
	}
	return nil
}
