package host

import (
	"slices"
	"sync"
	"unsafe"

	"github.com/gomlx/gpurt/dtypes"
)

// KernelFunc executes one workgroup of a host kernel.
// Workgroups of the same dispatch run concurrently, so they must write to disjoint elements.
type KernelFunc func(inv *Invocation) error

// Invocation describes one workgroup of a dispatch.
type Invocation struct {
	WorkGroupID   [3]uint32
	NumWorkGroups [3]uint32
	LocalSize     [3]uint32

	// Args are the contents of the bound buffers, in binding order.
	Args [][]byte
}

// Range returns the linear indices [start, end) of the invocations of this workgroup, over all workgroups
// of the dispatch flattened in x, y, z order.
func (inv *Invocation) Range() (start, end int) {
	group := int(inv.WorkGroupID[0]) +
		int(inv.NumWorkGroups[0])*(int(inv.WorkGroupID[1])+int(inv.NumWorkGroups[1])*int(inv.WorkGroupID[2]))
	count := int(inv.LocalSize[0]) * int(inv.LocalSize[1]) * int(inv.LocalSize[2])
	return group * count, (group + 1) * count
}

// Clamp returns the Range of the workgroup limited to n elements. It returns an empty range for workgroups
// past the end.
func (inv *Invocation) Clamp(n int) (start, end int) {
	start, end = inv.Range()
	return min(start, n), min(end, n)
}

// View returns the contents of a bound buffer as a slice of T. Trailing bytes that don't fill a T are
// not part of the view.
func View[T dtypes.Supported](data []byte) []T {
	var zero T
	n := len(data) / int(unsafe.Sizeof(zero))
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(data))), n)
}

var (
	muKernels sync.RWMutex
	kernels   = make(map[string]KernelFunc)
)

// RegisterKernel registers the body of the host kernel with the given entry point name.
// Registering the same name twice replaces the previous kernel for pipelines linked afterwards.
func RegisterKernel(entryPoint string, kernel KernelFunc) {
	muKernels.Lock()
	defer muKernels.Unlock()
	kernels[entryPoint] = kernel
}

func lookupKernel(entryPoint string) (KernelFunc, bool) {
	muKernels.RLock()
	defer muKernels.RUnlock()
	kernel, found := kernels[entryPoint]
	return kernel, found
}

// RegisteredKernels returns the sorted entry point names of the registered kernels.
func RegisteredKernels() []string {
	muKernels.RLock()
	defer muKernels.RUnlock()
	names := make([]string, 0, len(kernels))
	for name := range kernels {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
