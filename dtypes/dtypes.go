// Package dtypes defines the element types used to tag device buffers and kernel parameters.
//
// A DType is only an identity used for compatibility checks between the arguments given to a
// kernel launch and the parameters the kernel was compiled with: it is never used to generate code.
// The zero value, Invalid, means "untagged" and is compatible with anything.
package dtypes

import (
	"math"
	"reflect"
	"strings"

	"github.com/chewxy/math32"
	"github.com/x448/float16"
)

// DType is the element type of a buffer or of a kernel parameter.
type DType int32

const (
	// Invalid represents an invalid (or not set) dtype. Buffers and parameters with an Invalid dtype
	// are untagged, and match any other dtype.
	Invalid DType = iota

	// Bool is stored as one byte per element.
	Bool

	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64

	// Float16 is the IEEE 754 half-precision float, represented in Go by float16.Float16.
	Float16
	Float32
	Float64

	numDTypes
)

// InvalidDType is an alias to Invalid.
const InvalidDType = Invalid

var dtypeNames = [numDTypes]string{
	Invalid: "InvalidDType",
	Bool:    "Bool",
	Int8:    "Int8",
	Int16:   "Int16",
	Int32:   "Int32",
	Int64:   "Int64",
	Uint8:   "Uint8",
	Uint16:  "Uint16",
	Uint32:  "Uint32",
	Uint64:  "Uint64",
	Float16: "Float16",
	Float32: "Float32",
	Float64: "Float64",
}

var dtypeShortNames = [numDTypes]string{
	Bool:    "pred",
	Int8:    "s8",
	Int16:   "s16",
	Int32:   "s32",
	Int64:   "s64",
	Uint8:   "u8",
	Uint16:  "u16",
	Uint32:  "u32",
	Uint64:  "u64",
	Float16: "f16",
	Float32: "f32",
	Float64: "f64",
}

var dtypeSizes = [numDTypes]int{
	Bool:    1,
	Int8:    1,
	Int16:   2,
	Int32:   4,
	Int64:   8,
	Uint8:   1,
	Uint16:  2,
	Uint32:  4,
	Uint64:  8,
	Float16: 2,
	Float32: 4,
	Float64: 8,
}

var goTypes = [numDTypes]reflect.Type{
	Bool:    reflect.TypeOf(false),
	Int8:    reflect.TypeOf(int8(0)),
	Int16:   reflect.TypeOf(int16(0)),
	Int32:   reflect.TypeOf(int32(0)),
	Int64:   reflect.TypeOf(int64(0)),
	Uint8:   reflect.TypeOf(uint8(0)),
	Uint16:  reflect.TypeOf(uint16(0)),
	Uint32:  reflect.TypeOf(uint32(0)),
	Uint64:  reflect.TypeOf(uint64(0)),
	Float16: reflect.TypeOf(float16.Float16(0)),
	Float32: reflect.TypeOf(float32(0)),
	Float64: reflect.TypeOf(float64(0)),
}

// MapOfNames maps the long name, the short name and their lower/upper case variations to the DType.
var MapOfNames = make(map[string]DType)

func init() {
	for dtype := Bool; dtype < numDTypes; dtype++ {
		for _, name := range []string{dtypeNames[dtype], dtypeShortNames[dtype]} {
			MapOfNames[name] = dtype
			MapOfNames[strings.ToLower(name)] = dtype
			MapOfNames[strings.ToUpper(name)] = dtype
		}
	}
}

// IsValid returns whether the dtype is one of the known element types.
func (dtype DType) IsValid() bool {
	return dtype > Invalid && dtype < numDTypes
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if dtype < 0 || dtype >= numDTypes {
		return "InvalidDType"
	}
	return dtypeNames[dtype]
}

// Size returns the number of bytes of one element of the dtype, or 0 for Invalid.
func (dtype DType) Size() int {
	if !dtype.IsValid() {
		return 0
	}
	return dtypeSizes[dtype]
}

// SizeForElements returns the number of bytes needed to store numElements of dtype.
func (dtype DType) SizeForElements(numElements int) int {
	return dtype.Size() * numElements
}

// GoType returns the Go type used to represent one element of dtype, or nil for Invalid.
func (dtype DType) GoType() reflect.Type {
	if !dtype.IsValid() {
		return nil
	}
	return goTypes[dtype]
}

// IsFloat returns whether dtype is a floating point type.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == Float32 || dtype == Float64
}

// IsInt returns whether dtype is a signed or unsigned integer type.
func (dtype DType) IsInt() bool {
	return (dtype >= Int8 && dtype <= Int64) || (dtype >= Uint8 && dtype <= Uint64)
}

// IsUnsigned returns whether dtype is an unsigned integer type.
func (dtype DType) IsUnsigned() bool {
	return dtype >= Uint8 && dtype <= Uint64
}

// Compatible returns whether a buffer tagged with dtype can be bound to a parameter tagged with other.
// Untagged (Invalid) dtypes are compatible with anything.
func (dtype DType) Compatible(other DType) bool {
	return dtype == Invalid || other == Invalid || dtype == other
}

// Supported lists the Go types that map to a DType.
type Supported interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float16.Float16 | float32 | float64
}

// FromGoType returns the DType for the given Go type, or Invalid if there isn't one.
func FromGoType(t reflect.Type) DType {
	if t == nil {
		return Invalid
	}
	if t == goTypes[Float16] {
		return Float16
	}
	switch t.Kind() {
	case reflect.Bool:
		return Bool
	case reflect.Int8:
		return Int8
	case reflect.Int16:
		return Int16
	case reflect.Int32:
		return Int32
	case reflect.Int64:
		return Int64
	case reflect.Uint8:
		return Uint8
	case reflect.Uint16:
		return Uint16
	case reflect.Uint32:
		return Uint32
	case reflect.Uint64:
		return Uint64
	case reflect.Float32:
		return Float32
	case reflect.Float64:
		return Float64
	}
	return Invalid
}

// FromGenericsType returns the DType corresponding to the generic type T.
func FromGenericsType[T Supported]() DType {
	var v T
	return FromGoType(reflect.TypeOf(v))
}

// FromAny returns the DType of the value v, or Invalid.
func FromAny(v any) DType {
	return FromGoType(reflect.TypeOf(v))
}

// HighestValue returns the highest value representable by dtype, as a value of its Go type.
// For floats it is +Inf.
func (dtype DType) HighestValue() any {
	switch dtype {
	case Bool:
		return true
	case Int8:
		return int8(math.MaxInt8)
	case Int16:
		return int16(math.MaxInt16)
	case Int32:
		return int32(math.MaxInt32)
	case Int64:
		return int64(math.MaxInt64)
	case Uint8:
		return uint8(math.MaxUint8)
	case Uint16:
		return uint16(math.MaxUint16)
	case Uint32:
		return uint32(math.MaxUint32)
	case Uint64:
		return uint64(math.MaxUint64)
	case Float16:
		return float16.Inf(1)
	case Float32:
		return math32.Inf(1)
	case Float64:
		return math.Inf(1)
	}
	return nil
}

// LowestValue returns the lowest value representable by dtype, as a value of its Go type.
// For floats it is -Inf.
func (dtype DType) LowestValue() any {
	switch dtype {
	case Bool:
		return false
	case Int8:
		return int8(math.MinInt8)
	case Int16:
		return int16(math.MinInt16)
	case Int32:
		return int32(math.MinInt32)
	case Int64:
		return int64(math.MinInt64)
	case Uint8:
		return uint8(0)
	case Uint16:
		return uint16(0)
	case Uint32:
		return uint32(0)
	case Uint64:
		return uint64(0)
	case Float16:
		return float16.Inf(-1)
	case Float32:
		return math32.Inf(-1)
	case Float64:
		return math.Inf(-1)
	}
	return nil
}

// SmallestNonZeroValueForDType returns the smallest positive value of dtype.
// For integer types it is 1, for Bool it is true.
func (dtype DType) SmallestNonZeroValueForDType() any {
	switch dtype {
	case Bool:
		return true
	case Int8:
		return int8(1)
	case Int16:
		return int16(1)
	case Int32:
		return int32(1)
	case Int64:
		return int64(1)
	case Uint8:
		return uint8(1)
	case Uint16:
		return uint16(1)
	case Uint32:
		return uint32(1)
	case Uint64:
		return uint64(1)
	case Float16:
		// Smallest subnormal.
		return float16.Frombits(0x0001)
	case Float32:
		return float32(math.SmallestNonzeroFloat32)
	case Float64:
		return math.SmallestNonzeroFloat64
	}
	return nil
}
