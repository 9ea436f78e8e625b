package gpurt

import (
	"fmt"
	"hash/fnv"
	"slices"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/klog/v2"
)

// Source is a kernel source that can be hashed for the kernel cache.
//
// AppendHash appends a deterministic encoding of the source to b: equal sources must append equal bytes,
// and different sources should append different bytes. The helpers AppendHashString, AppendHashBytes,
// AppendHashUint and AppendHashParams build such an encoding.
type Source interface {
	AppendHash(b []byte) []byte
}

// HashSource returns the 64-bit content hash of a source.
func HashSource(src Source) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(src.AppendHash(nil))
	return h.Sum64()
}

// AppendHashString appends a string field to a hash encoding.
func AppendHashString(b []byte, field protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// AppendHashBytes appends a bytes field to a hash encoding.
func AppendHashBytes(b []byte, field protowire.Number, data []byte) []byte {
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, data)
}

// AppendHashUint appends an integer field to a hash encoding.
func AppendHashUint(b []byte, field protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, field, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendHashParams appends a parameter list field to a hash encoding.
func AppendHashParams(b []byte, field protowire.Number, params []ParameterDescriptor) []byte {
	var packed []byte
	for _, p := range params {
		packed = protowire.AppendVarint(packed, uint64(p.Mutability))
		packed = protowire.AppendVarint(packed, uint64(p.DType))
	}
	return AppendHashBytes(b, field, packed)
}

// cacheKey combines the source hash with the device identity, so one cache can be shared by all devices.
func cacheKey(sourceHash uint64, device *Device) uint64 {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, sourceHash)
	b = AppendHashUint(b, 2, device.ID())
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Program is the output of a Compiler: SPIR-V code and the description of its entry point.
type Program struct {
	Code       []uint32
	EntryPoint string
	Params     []ParameterDescriptor
}

// Clone returns a deep copy of the program.
func (p *Program) Clone() *Program {
	return &Program{
		Code:       slices.Clone(p.Code),
		EntryPoint: p.EntryPoint,
		Params:     slices.Clone(p.Params),
	}
}

// Compiler turns sources of type S into SPIR-V programs.
type Compiler[S Source] interface {
	CompileToBytecode(src S) (*Program, error)
}

// CompilerFunc adapts a function to the Compiler interface.
type CompilerFunc[S Source] func(src S) (*Program, error)

// CompileToBytecode implements Compiler.
func (f CompilerFunc[S]) CompileToBytecode(src S) (*Program, error) {
	return f(src)
}

// Prepared is the first phase of a compilation: either the kernel was found in the cache,
// or the program was compiled but not yet linked.
//
// Between Prepare and Finish the program can be inspected and modified (e.g. for instrumentation).
// The cache key is computed from the source, not from the program, so a modified program is
// cached under its original source.
type Prepared struct {
	device  *Device
	cache   KernelCache
	key     uint64
	program *Program
	kernel  *Kernel

	// finished is set once Finish handed out the first reference to kernel.
	finished bool
}

// Cached returns whether the kernel was found in the cache, in which case there is no program.
func (p *Prepared) Cached() bool {
	return p.kernel != nil
}

// Program returns the compiled program to be linked by Finish, or nil if the kernel was cached.
// It can be modified in place before calling Finish.
func (p *Prepared) Program() *Program {
	return p.program
}

// Key returns the cache key of the compilation.
func (p *Prepared) Key() uint64 {
	return p.key
}

// Finish links the program on the device and inserts the kernel in the cache.
// If the kernel was cached, it is returned directly.
//
// The returned kernel holds a reference for the caller, see Kernel. Calling Finish again returns the
// same kernel with a new reference.
func (p *Prepared) Finish() (*Kernel, error) {
	if p.finished {
		if err := p.kernel.Retain(); err != nil {
			return nil, err
		}
		return p.kernel, nil
	}
	if p.kernel != nil {
		p.finished = true
		return p.kernel, nil
	}
	if p.program == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "Prepared.Finish(): no program to link")
	}
	kernel, err := p.device.Link(p.program.Code, p.program.EntryPoint, p.program.Params)
	if err != nil {
		return nil, err
	}
	p.cache.Insert(p.key, kernel)
	p.kernel, p.program, p.finished = kernel, nil, true
	return kernel, nil
}

// Prepare runs the first phase of a compilation: it hashes the source and looks it up in the cache and,
// on a miss, compiles it to a Program. A nil cache means DefaultCache().
//
// Compiler failures are returned as a CompileError (ErrCompileFailure).
func Prepare[S Source](device *Device, src S, compiler Compiler[S], cache KernelCache) (*Prepared, error) {
	if device == nil || compiler == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "Prepare(): device and compiler must be given")
	}
	if cache == nil {
		cache = DefaultCache()
	}
	p := &Prepared{
		device: device,
		cache:  cache,
		key:    cacheKey(HashSource(src), device),
	}
	if kernel, found := cache.Lookup(p.key); found {
		p.kernel = kernel
		return p, nil
	}
	klog.V(1).Infof("%s: kernel cache miss for key %016x, compiling", device, p.key)
	program, err := compiler.CompileToBytecode(src)
	if err != nil {
		return nil, &CompileError{Stage: StageCompile, Err: err}
	}
	if program == nil || len(program.Code) == 0 {
		return nil, &CompileError{Stage: StageCompile, Err: errors.New("compiler returned an empty program")}
	}
	p.program = program
	return p, nil
}

// compileFlights de-duplicates concurrent compilations of the same source for the same cache.
var compileFlights singleflight.Group

// Compile returns the kernel for src on device: from the cache if present, otherwise compiling it
// with compiler, linking it on device and inserting it in the cache. A nil cache means DefaultCache().
//
// Concurrent calls with equal sources, for the same device and cache, compile only once.
//
// The returned kernel holds a reference for the caller, see Kernel.
func Compile[S Source](device *Device, src S, compiler Compiler[S], cache KernelCache) (*Kernel, error) {
	if cache == nil {
		cache = DefaultCache()
	}
	for {
		leader := false
		var key uint64
		if device != nil {
			key = cacheKey(HashSource(src), device)
		}
		// The cache identity is part of the flight key: different caches don't share compilations.
		flightKey := fmt.Sprintf("%016x@%p", key, cache)
		result, err, _ := compileFlights.Do(flightKey, func() (any, error) {
			leader = true
			prepared, err := Prepare(device, src, compiler, cache)
			if err != nil {
				return nil, err
			}
			return prepared.Finish()
		})
		if err != nil {
			return nil, err
		}
		kernel := result.(*Kernel)
		if leader || kernel.tryRetain() {
			return kernel, nil
		}
		// The kernel was evicted and released before this follower could take a reference: try again.
	}
}
