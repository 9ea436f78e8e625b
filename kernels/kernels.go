// Package kernels provides kernel sources and their compilers for gpurt.Compile:
//
//   - SPIRV: precompiled SPIR-V code, passed through as is.
//   - WGSL: WGSL shader code, compiled to SPIR-V with github.com/gogpu/naga.
//   - Builtin: a kernel interface without a body, for backends that resolve kernels by entry point
//     (see package gpurt/host).
//
// Example:
//
//	src := kernels.WGSL{Code: shader, Params: gpurt.Params().Param(dtypes.Float32).ParamMut(dtypes.Float32).Build()}
//	kernel, err := gpurt.Compile(device, src, kernels.WGSLCompiler{}, nil)
package kernels

import (
	"github.com/gogpu/naga"
	"github.com/gomlx/gpurt/gpurt"
	"github.com/gomlx/gpurt/internal/spirv"
	"github.com/pkg/errors"
)

// DefaultEntryPoint is used by sources that don't specify an entry point.
const DefaultEntryPoint = "main"

// Source kinds, hashed first so sources of different kinds never share a cache key.
const (
	kindSPIRV   = "spirv"
	kindWGSL    = "wgsl"
	kindBuiltin = "builtin"
)

// Field numbers of the hash encoding.
const (
	fieldKind = iota + 1
	fieldCode
	fieldEntryPoint
	fieldParams
	fieldLocalSize
)

func entryPointOrDefault(entryPoint string) string {
	if entryPoint == "" {
		return DefaultEntryPoint
	}
	return entryPoint
}

// SPIRV is a precompiled SPIR-V kernel.
type SPIRV struct {
	Code []uint32

	// EntryPoint defaults to DefaultEntryPoint.
	EntryPoint string
	Params     []gpurt.ParameterDescriptor
}

// AppendHash implements gpurt.Source.
func (s SPIRV) AppendHash(b []byte) []byte {
	b = gpurt.AppendHashString(b, fieldKind, kindSPIRV)
	b = gpurt.AppendHashBytes(b, fieldCode, spirv.BytesFromWords(s.Code))
	b = gpurt.AppendHashString(b, fieldEntryPoint, entryPointOrDefault(s.EntryPoint))
	return gpurt.AppendHashParams(b, fieldParams, s.Params)
}

// SPIRVCompiler passes SPIRV sources through.
type SPIRVCompiler struct{}

var _ gpurt.Compiler[SPIRV] = SPIRVCompiler{}

// CompileToBytecode implements gpurt.Compiler.
func (SPIRVCompiler) CompileToBytecode(src SPIRV) (*gpurt.Program, error) {
	if len(src.Code) == 0 {
		return nil, errors.New("empty SPIR-V code")
	}
	program := &gpurt.Program{Code: src.Code, EntryPoint: entryPointOrDefault(src.EntryPoint), Params: src.Params}
	return program.Clone(), nil
}

// WGSL is a kernel written in WGSL. The entry point must be a @compute function, and its storage buffers
// must be declared in @group(0) with bindings 0 to len(Params)-1.
type WGSL struct {
	Code string

	// EntryPoint defaults to DefaultEntryPoint.
	EntryPoint string
	Params     []gpurt.ParameterDescriptor
}

// AppendHash implements gpurt.Source.
func (s WGSL) AppendHash(b []byte) []byte {
	b = gpurt.AppendHashString(b, fieldKind, kindWGSL)
	b = gpurt.AppendHashString(b, fieldCode, s.Code)
	b = gpurt.AppendHashString(b, fieldEntryPoint, entryPointOrDefault(s.EntryPoint))
	return gpurt.AppendHashParams(b, fieldParams, s.Params)
}

// WGSLCompiler compiles WGSL sources to SPIR-V.
type WGSLCompiler struct{}

var _ gpurt.Compiler[WGSL] = WGSLCompiler{}

// CompileToBytecode implements gpurt.Compiler.
func (WGSLCompiler) CompileToBytecode(src WGSL) (*gpurt.Program, error) {
	if src.Code == "" {
		return nil, errors.New("empty WGSL code")
	}
	spirvBytes, err := naga.Compile(src.Code)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile WGSL")
	}
	code, err := spirv.WordsFromBytes(spirvBytes)
	if err != nil {
		return nil, errors.WithMessage(err, "WGSL compiler output")
	}
	return &gpurt.Program{
		Code:       code,
		EntryPoint: entryPointOrDefault(src.EntryPoint),
		Params:     append([]gpurt.ParameterDescriptor(nil), src.Params...),
	}, nil
}

// Builtin is a kernel known to the backend by its entry point, like the host backend kernels.
// Its program declares one storage buffer per parameter (read-only for Const parameters) and an empty body.
type Builtin struct {
	EntryPoint string
	Params     []gpurt.ParameterDescriptor

	// LocalSize is the workgroup size. Zero values default to 1.
	LocalSize [3]uint32
}

func (s Builtin) localSize() [3]uint32 {
	size := s.LocalSize
	for axis := range size {
		size[axis] = max(size[axis], 1)
	}
	return size
}

// AppendHash implements gpurt.Source.
func (s Builtin) AppendHash(b []byte) []byte {
	b = gpurt.AppendHashString(b, fieldKind, kindBuiltin)
	b = gpurt.AppendHashString(b, fieldEntryPoint, entryPointOrDefault(s.EntryPoint))
	b = gpurt.AppendHashParams(b, fieldParams, s.Params)
	for _, size := range s.localSize() {
		b = gpurt.AppendHashUint(b, fieldLocalSize, uint64(size))
	}
	return b
}

// BuiltinCompiler assembles the programs of Builtin sources.
type BuiltinCompiler struct{}

var _ gpurt.Compiler[Builtin] = BuiltinCompiler{}

// CompileToBytecode implements gpurt.Compiler.
func (BuiltinCompiler) CompileToBytecode(src Builtin) (*gpurt.Program, error) {
	entryPoint := entryPointOrDefault(src.EntryPoint)
	size := src.localSize()
	builder := spirv.NewBuilder(entryPoint).WithLocalSize(size[0], size[1], size[2])
	for _, param := range src.Params {
		builder.StorageBuffer(param.Mutability == gpurt.Const)
	}
	return &gpurt.Program{
		Code:       builder.Assemble(),
		EntryPoint: entryPoint,
		Params:     append([]gpurt.ParameterDescriptor(nil), src.Params...),
	}, nil
}
