package gpurt

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/gpurt/dtypes"
	"github.com/pkg/errors"
)

// LaunchShape is the number of workgroups along each dimension of a dispatch, with 1 to 3 dimensions.
type LaunchShape []uint32

// Rank is the number of dimensions.
func (s LaunchShape) Rank() int {
	return len(s)
}

// Size is the total number of workgroups.
func (s LaunchShape) Size() uint64 {
	if len(s) == 0 {
		return 0
	}
	size := uint64(1)
	for _, dim := range s {
		size *= uint64(dim)
	}
	return size
}

// Groups returns the shape padded to 3 dimensions with 1s. An empty shape yields {0, 0, 0}.
func (s LaunchShape) Groups() ([3]uint32, error) {
	switch len(s) {
	case 0:
		return [3]uint32{0, 0, 0}, nil
	case 1:
		return [3]uint32{s[0], 1, 1}, nil
	case 2:
		return [3]uint32{s[0], s[1], 1}, nil
	case 3:
		return [3]uint32{s[0], s[1], s[2]}, nil
	}
	return [3]uint32{}, errors.Wrapf(ErrLaunchRuntime, "launch shape %v has %d dimensions, at most 3 are supported", s, len(s))
}

// Spawner builds the LaunchShape of a dispatch, one dimension per Spawn call.
// It is immutable: every Spawn returns a new Spawner, so partial shapes can be reused.
type Spawner struct {
	dims []uint64
}

// Spawn starts a launch with n workgroups in the first dimension.
//
// Example:
//
//	err := gpurt.Spawn(uint32(numGroups)).Launch(kernel, x, y)
func Spawn(n uint32) *Spawner {
	return &Spawner{dims: []uint64{uint64(n)}}
}

// Spawn adds a dimension of n workgroups.
//
// Up to 3 calls yield a shape with that many dimensions. From the 4th call on, the whole shape
// collapses into a single dimension with the product of all sizes: Spawn(4).Spawn(5).Spawn(6).Spawn(7)
// yields the 1-dimensional shape (840).
func (s *Spawner) Spawn(n uint32) *Spawner {
	dims := slices.Clone(s.dims)
	return &Spawner{dims: append(dims, uint64(n))}
}

// Shape returns the LaunchShape built so far.
// It fails with ErrLaunchRuntime if a collapsed shape doesn't fit in 32 bits.
func (s *Spawner) Shape() (LaunchShape, error) {
	if len(s.dims) <= 3 {
		shape := make(LaunchShape, len(s.dims))
		for ii, dim := range s.dims {
			shape[ii] = uint32(dim)
		}
		return shape, nil
	}
	product := uint64(1)
	for _, dim := range s.dims {
		if dim != 0 && product > math.MaxUint32/dim {
			return nil, errors.Wrapf(ErrLaunchRuntime, "launch of %v workgroups collapses to more than %d workgroups", s.dims, uint64(math.MaxUint32))
		}
		product *= dim
	}
	return LaunchShape{uint32(product)}, nil
}

// Launch validates args against the kernel parameters and enqueues the kernel on its device.
// It returns as soon as the work is enqueued; completion is only observable with Buffer.Download.
//
// See Device.Dispatch for the errors it returns.
func (s *Spawner) Launch(kernel *Kernel, args ...*Buffer) error {
	if kernel == nil {
		return errors.Wrap(ErrInvalidArgument, "Launch(): nil kernel")
	}
	shape, err := s.Shape()
	if err != nil {
		return err
	}
	return kernel.device.Dispatch(kernel, shape, Bind(args...))
}

// Argument binds a buffer to a kernel parameter slot.
type Argument struct {
	Buffer     *Buffer
	Mutability Mutability
	DType      dtypes.DType
}

func (arg Argument) descriptor() ParameterDescriptor {
	return ParameterDescriptor{Mutability: arg.Mutability, DType: arg.DType}
}

// String implements fmt.Stringer.
func (arg Argument) String() string {
	return fmt.Sprintf("%s(%s)", arg.descriptor(), arg.Buffer)
}

// ArgumentBinding is the ordered list of arguments of one dispatch.
type ArgumentBinding []Argument

// Bind creates the ArgumentBinding for the given buffers, using each buffer's own mutability and dtype.
func Bind(buffers ...*Buffer) ArgumentBinding {
	args := make(ArgumentBinding, len(buffers))
	for ii, b := range buffers {
		args[ii].Buffer = b
		if b != nil {
			args[ii].Mutability = b.Mutability()
			args[ii].DType = b.DType()
		}
	}
	return args
}
