// Package spirv scans SPIR-V modules for the information needed to link a compute kernel:
// its entry points, their workgroup sizes and the storage buffers it binds.
//
// It is not a validator: it only decodes the handful of instructions the runtime cares about,
// and otherwise only checks that the instruction stream is well-formed.
package spirv

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Magic number that starts every SPIR-V module, in the module's native endianness.
const Magic uint32 = 0x07230203

// HeaderWords is the number of words in a SPIR-V module header.
const HeaderWords = 5

// Version13 is the SPIR-V 1.3 version word, the one emitted by Builder.
const Version13 uint32 = 0x00010300

// Opcodes decoded (or emitted) by this package.
const (
	OpName             uint32 = 5
	OpExtension        uint32 = 10
	OpMemoryModel      uint32 = 14
	OpEntryPoint       uint32 = 15
	OpExecutionMode    uint32 = 16
	OpCapability       uint32 = 17
	OpTypeVoid         uint32 = 19
	OpTypeInt          uint32 = 21
	OpTypeFloat        uint32 = 22
	OpTypeRuntimeArray uint32 = 29
	OpTypeStruct       uint32 = 30
	OpTypePointer      uint32 = 32
	OpTypeFunction     uint32 = 33
	OpFunction         uint32 = 54
	OpFunctionEnd      uint32 = 56
	OpVariable         uint32 = 59
	OpDecorate         uint32 = 71
	OpMemberDecorate   uint32 = 72
	OpLabel            uint32 = 248
	OpReturn           uint32 = 253
)

// ExecutionModel of an entry point. Only GLCompute is dispatchable by this runtime.
type ExecutionModel uint32

const (
	ExecutionModelVertex    ExecutionModel = 0
	ExecutionModelFragment  ExecutionModel = 4
	ExecutionModelGLCompute ExecutionModel = 5
	ExecutionModelKernel    ExecutionModel = 6
)

// StorageClass of a variable.
type StorageClass uint32

const (
	StorageClassUniformConstant StorageClass = 0
	StorageClassInput           StorageClass = 1
	StorageClassUniform         StorageClass = 2
	StorageClassOutput          StorageClass = 3
	StorageClassWorkgroup       StorageClass = 4
	StorageClassPrivate         StorageClass = 6
	StorageClassFunction        StorageClass = 7
	StorageClassPushConstant    StorageClass = 9
	StorageClassStorageBuffer   StorageClass = 12
)

// Decorations decoded (or emitted) by this package.
const (
	DecorationBlock         uint32 = 2
	DecorationBufferBlock   uint32 = 3
	DecorationArrayStride   uint32 = 6
	DecorationNonWritable   uint32 = 24
	DecorationBinding       uint32 = 33
	DecorationDescriptorSet uint32 = 34
	DecorationOffset        uint32 = 35
)

const (
	executionModeLocalSize uint32 = 17
	capabilityShader       uint32 = 1
	addressingLogical      uint32 = 0
	memoryModelGLSL450     uint32 = 1
)

// EntryPoint declared by an OpEntryPoint instruction.
type EntryPoint struct {
	Model ExecutionModel
	ID    uint32
	Name  string

	// LocalSize is the workgroup size declared with the LocalSize execution mode.
	// It is {1, 1, 1} if the module doesn't declare one.
	LocalSize [3]uint32
}

// Binding is a buffer variable bound to a descriptor set.
type Binding struct {
	VariableID   uint32
	Set          uint32
	Binding      uint32
	StorageClass StorageClass

	// NonWritable is set for read-only buffers: the variable is decorated NonWritable, or all the
	// members of its block are (as emitted for GLSL "readonly buffer" blocks).
	NonWritable bool
}

// Module is the summary of a scanned SPIR-V module.
type Module struct {
	Version     uint32
	Generator   uint32
	Bound       uint32
	EntryPoints []EntryPoint

	// Bindings of buffer variables (storage class StorageBuffer or Uniform), in declaration order.
	Bindings []Binding
}

// EntryPoint returns the entry point with the given name and model, or nil if not present.
func (m *Module) EntryPoint(name string, model ExecutionModel) *EntryPoint {
	for ii := range m.EntryPoints {
		if m.EntryPoints[ii].Name == name && m.EntryPoints[ii].Model == model {
			return &m.EntryPoints[ii]
		}
	}
	return nil
}

// BindingsInSet returns the bindings of the given descriptor set indexed by binding number.
// It returns an error if the same binding number is used twice.
func (m *Module) BindingsInSet(set uint32) (map[uint32]Binding, error) {
	bySlot := make(map[uint32]Binding)
	for _, b := range m.Bindings {
		if b.Set != set {
			continue
		}
		if prev, found := bySlot[b.Binding]; found {
			return nil, errors.Errorf("binding %d of set %d is used by variables %%%d and %%%d", b.Binding, set, prev.VariableID, b.VariableID)
		}
		bySlot[b.Binding] = b
	}
	return bySlot, nil
}

// WordsFromBytes converts a little-endian SPIR-V byte stream to words.
func WordsFromBytes(data []byte) ([]uint32, error) {
	if len(data)%4 != 0 {
		return nil, errors.Errorf("SPIR-V byte stream has length %d, which is not a multiple of 4", len(data))
	}
	words := make([]uint32, len(data)/4)
	for ii := range words {
		words[ii] = binary.LittleEndian.Uint32(data[ii*4:])
	}
	return words, nil
}

// BytesFromWords converts SPIR-V words to a little-endian byte stream.
func BytesFromWords(words []uint32) []byte {
	data := make([]byte, 0, len(words)*4)
	for _, w := range words {
		data = binary.LittleEndian.AppendUint32(data, w)
	}
	return data
}

// decodeString decodes a nul-terminated literal string packed in words, and returns the string
// and the number of words it used.
func decodeString(words []uint32) (string, int, error) {
	buf := make([]byte, 0, len(words)*4)
	for ii, w := range words {
		for shift := 0; shift < 32; shift += 8 {
			c := byte(w >> shift)
			if c == 0 {
				return string(buf), ii + 1, nil
			}
			buf = append(buf, c)
		}
	}
	return "", 0, errors.New("literal string is not nul-terminated")
}

// Parse scans the module in code.
func Parse(code []uint32) (*Module, error) {
	if len(code) < HeaderWords {
		return nil, errors.Errorf("SPIR-V module too short: %d words, header alone is %d words", len(code), HeaderWords)
	}
	if code[0] != Magic {
		return nil, errors.Errorf("invalid SPIR-V magic number 0x%08x, expected 0x%08x", code[0], Magic)
	}
	m := &Module{
		Version:   code[1],
		Generator: code[2],
		Bound:     code[3],
	}

	type decorations struct {
		set, binding uint32
		hasBinding   bool
		nonWritable  bool
	}
	decorated := make(map[uint32]*decorations)
	decorationsOf := func(id uint32) *decorations {
		d, found := decorated[id]
		if !found {
			d = &decorations{}
			decorated[id] = d
		}
		return d
	}
	type variable struct {
		id, pointerType uint32
		class           StorageClass
	}
	var variables []variable
	// Struct ids to their number of members and to the members decorated NonWritable;
	// pointer type ids to their pointee type.
	structMembers := make(map[uint32]int)
	nonWritableMembers := make(map[uint32]map[uint32]bool)
	pointees := make(map[uint32]uint32)
	localSizes := make(map[uint32][3]uint32)

	pos := HeaderWords
	for pos < len(code) {
		wordCount := int(code[pos] >> 16)
		opcode := code[pos] & 0xFFFF
		if wordCount == 0 {
			return nil, errors.Errorf("instruction at word %d has word count 0", pos)
		}
		if pos+wordCount > len(code) {
			return nil, errors.Errorf("instruction (opcode %d) at word %d with %d words goes past the end of the module (%d words)",
				opcode, pos, wordCount, len(code))
		}
		operands := code[pos+1 : pos+wordCount]
		switch opcode {
		case OpEntryPoint:
			if len(operands) < 3 {
				return nil, errors.Errorf("OpEntryPoint at word %d is truncated", pos)
			}
			name, _, err := decodeString(operands[2:])
			if err != nil {
				return nil, errors.WithMessagef(err, "OpEntryPoint at word %d", pos)
			}
			m.EntryPoints = append(m.EntryPoints, EntryPoint{
				Model:     ExecutionModel(operands[0]),
				ID:        operands[1],
				Name:      name,
				LocalSize: [3]uint32{1, 1, 1},
			})
		case OpExecutionMode:
			if len(operands) >= 5 && operands[1] == executionModeLocalSize {
				localSizes[operands[0]] = [3]uint32{operands[2], operands[3], operands[4]}
			}
		case OpDecorate:
			if len(operands) < 2 {
				return nil, errors.Errorf("OpDecorate at word %d is truncated", pos)
			}
			target, decoration := operands[0], operands[1]
			switch decoration {
			case DecorationDescriptorSet, DecorationBinding:
				if len(operands) < 3 {
					return nil, errors.Errorf("OpDecorate at word %d is missing its literal", pos)
				}
				d := decorationsOf(target)
				if decoration == DecorationDescriptorSet {
					d.set = operands[2]
				} else {
					d.binding, d.hasBinding = operands[2], true
				}
			case DecorationNonWritable:
				decorationsOf(target).nonWritable = true
			}
		case OpMemberDecorate:
			if len(operands) < 3 {
				return nil, errors.Errorf("OpMemberDecorate at word %d is truncated", pos)
			}
			if operands[2] == DecorationNonWritable {
				members := nonWritableMembers[operands[0]]
				if members == nil {
					members = make(map[uint32]bool)
					nonWritableMembers[operands[0]] = members
				}
				members[operands[1]] = true
			}
		case OpTypeStruct:
			if len(operands) < 1 {
				return nil, errors.Errorf("OpTypeStruct at word %d is truncated", pos)
			}
			structMembers[operands[0]] = len(operands) - 1
		case OpTypePointer:
			if len(operands) < 3 {
				return nil, errors.Errorf("OpTypePointer at word %d is truncated", pos)
			}
			pointees[operands[0]] = operands[2]
		case OpVariable:
			if len(operands) < 3 {
				return nil, errors.Errorf("OpVariable at word %d is truncated", pos)
			}
			variables = append(variables, variable{id: operands[1], pointerType: operands[0], class: StorageClass(operands[2])})
		}
		pos += wordCount
	}

	for ii := range m.EntryPoints {
		if size, found := localSizes[m.EntryPoints[ii].ID]; found {
			m.EntryPoints[ii].LocalSize = size
		}
	}
	readOnlyBlock := func(pointerType uint32) bool {
		block, found := pointees[pointerType]
		if !found {
			return false
		}
		numMembers := structMembers[block]
		return numMembers > 0 && len(nonWritableMembers[block]) >= numMembers
	}
	for _, v := range variables {
		if v.class != StorageClassStorageBuffer && v.class != StorageClassUniform {
			continue
		}
		d, found := decorated[v.id]
		if !found || !d.hasBinding {
			continue
		}
		m.Bindings = append(m.Bindings, Binding{
			VariableID:   v.id,
			Set:          d.set,
			Binding:      d.binding,
			StorageClass: v.class,
			NonWritable:  d.nonWritable || readOnlyBlock(v.pointerType),
		})
	}
	return m, nil
}
