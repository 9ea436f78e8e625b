package gpurt

import (
	"fmt"
	"slices"

	"github.com/gomlx/gpurt/dtypes"
)

// Mutability of a buffer or of a kernel parameter. It is fixed at construction.
type Mutability int

const (
	// Const buffers are written once at construction, and are never uploaded to nor downloaded from again.
	// Const parameters accept both Const and Mut buffers.
	Const Mutability = iota

	// Mut buffers can be uploaded to and downloaded from. Mut parameters require Mut buffers.
	Mut
)

func (m Mutability) String() string {
	switch m {
	case Const:
		return "Const"
	case Mut:
		return "Mut"
	}
	return fmt.Sprintf("Mutability(%d)", int(m))
}

// ParameterDescriptor describes one kernel parameter slot.
//
// DType is only used for compatibility checks: dtypes.Invalid means untagged, and accepts buffers of any dtype.
type ParameterDescriptor struct {
	Mutability Mutability
	DType      dtypes.DType
}

func (p ParameterDescriptor) String() string {
	if p.DType == dtypes.Invalid {
		return p.Mutability.String()
	}
	return fmt.Sprintf("%s %s", p.Mutability, p.DType)
}

// ParamBuilder accumulates the ordered parameter list of a kernel. Create it with Params.
type ParamBuilder struct {
	params []ParameterDescriptor
}

// Params starts an empty parameter list.
//
// Example:
//
//	params := gpurt.Params().Param(dtypes.Float32).ParamMut(dtypes.Float32).Build()
func Params() *ParamBuilder {
	return &ParamBuilder{}
}

// Param appends a Const parameter with the given dtype (dtypes.Invalid for untagged).
func (b *ParamBuilder) Param(dtype dtypes.DType) *ParamBuilder {
	b.params = append(b.params, ParameterDescriptor{Mutability: Const, DType: dtype})
	return b
}

// ParamMut appends a Mut parameter with the given dtype (dtypes.Invalid for untagged).
func (b *ParamBuilder) ParamMut(dtype dtypes.DType) *ParamBuilder {
	b.params = append(b.params, ParameterDescriptor{Mutability: Mut, DType: dtype})
	return b
}

// Build returns the parameter list. The builder can still be used afterwards.
func (b *ParamBuilder) Build() []ParameterDescriptor {
	return slices.Clone(b.params)
}
