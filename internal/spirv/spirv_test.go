package spirv

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func TestBuilderRoundTrip(t *testing.T) {
	code := NewBuilder("saxpy").WithLocalSize(64, 1, 1).
		StorageBuffer(true).
		StorageBuffer(true).
		StorageBuffer(false).
		Assemble()
	require.Equal(t, Magic, code[0])
	require.Equal(t, Version13, code[1])

	m := must.M1(Parse(code))
	require.Len(t, m.EntryPoints, 1)
	ep := m.EntryPoint("saxpy", ExecutionModelGLCompute)
	require.NotNil(t, ep)
	require.Equal(t, [3]uint32{64, 1, 1}, ep.LocalSize)
	require.Nil(t, m.EntryPoint("saxpy", ExecutionModelVertex))
	require.Nil(t, m.EntryPoint("main", ExecutionModelGLCompute))

	require.Len(t, m.Bindings, 3)
	for ii, b := range m.Bindings {
		require.Equal(t, uint32(0), b.Set)
		require.Equal(t, uint32(ii), b.Binding)
		require.Equal(t, StorageClassStorageBuffer, b.StorageClass)
	}
	require.True(t, m.Bindings[0].NonWritable)
	require.True(t, m.Bindings[1].NonWritable)
	require.False(t, m.Bindings[2].NonWritable)

	bySlot := must.M1(m.BindingsInSet(0))
	require.Len(t, bySlot, 3)
	require.Empty(t, must.M1(m.BindingsInSet(1)))
}

func TestEntryPointNamePadding(t *testing.T) {
	// Names whose length is a multiple of 4 need a whole extra word for the terminator.
	for _, name := range []string{"a", "ab", "abc", "abcd", "main", "f16_to_f32"} {
		m := must.M1(Parse(NewBuilder(name).Assemble()))
		require.NotNil(t, m.EntryPoint(name, ExecutionModelGLCompute), "entry point %q", name)
		require.Equal(t, [3]uint32{1, 1, 1}, m.EntryPoints[0].LocalSize)
	}
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]uint32{Magic, Version13})
	require.ErrorContains(t, err, "too short")

	_, err = Parse([]uint32{0xdeadbeef, Version13, 0, 1, 0})
	require.ErrorContains(t, err, "magic")

	// Instruction claiming more words than available.
	_, err = Parse([]uint32{Magic, Version13, 0, 1, 0, 10<<16 | OpCapability, 1})
	require.ErrorContains(t, err, "past the end")

	// Zero word count would loop forever.
	_, err = Parse([]uint32{Magic, Version13, 0, 1, 0, OpCapability})
	require.ErrorContains(t, err, "word count 0")

	// Entry point name without terminator.
	code := []uint32{Magic, Version13, 0, 2, 0}
	code = append(code, instruction(OpEntryPoint, uint32(ExecutionModelGLCompute), 1, 0x61616161)...)
	_, err = Parse(code)
	require.ErrorContains(t, err, "nul-terminated")
}

func TestDuplicateBinding(t *testing.T) {
	m := &Module{Bindings: []Binding{
		{VariableID: 10, Set: 0, Binding: 0},
		{VariableID: 11, Set: 0, Binding: 0},
	}}
	_, err := m.BindingsInSet(0)
	require.Error(t, err)
}

func TestReadOnlyBlockMembers(t *testing.T) {
	// Blocks as emitted for GLSL "readonly buffer": NonWritable is set on the members, not the variable.
	const (
		fn, float, readOnly, partial, ptrReadOnly, ptrPartial, varReadOnly, varPartial = 1, 2, 3, 4, 5, 6, 7, 8
	)
	code := []uint32{Magic, Version13, 0, 9, 0}
	for _, inst := range [][]uint32{
		instruction(OpCapability, capabilityShader),
		instruction(OpMemoryModel, addressingLogical, memoryModelGLSL450),
		instruction(OpEntryPoint, append([]uint32{uint32(ExecutionModelGLCompute), fn}, encodeString("main")...)...),
		instruction(OpDecorate, readOnly, DecorationBufferBlock),
		instruction(OpMemberDecorate, readOnly, 0, DecorationNonWritable),
		instruction(OpMemberDecorate, readOnly, 0, DecorationOffset, 0),
		instruction(OpMemberDecorate, readOnly, 1, DecorationNonWritable),
		instruction(OpMemberDecorate, readOnly, 1, DecorationOffset, 4),
		instruction(OpDecorate, partial, DecorationBufferBlock),
		instruction(OpMemberDecorate, partial, 0, DecorationNonWritable),
		instruction(OpDecorate, varReadOnly, DecorationDescriptorSet, 0),
		instruction(OpDecorate, varReadOnly, DecorationBinding, 0),
		instruction(OpDecorate, varPartial, DecorationDescriptorSet, 0),
		instruction(OpDecorate, varPartial, DecorationBinding, 1),
		instruction(OpTypeFloat, float, 32),
		instruction(OpTypeStruct, readOnly, float, float),
		instruction(OpTypeStruct, partial, float, float),
		instruction(OpTypePointer, ptrReadOnly, uint32(StorageClassUniform), readOnly),
		instruction(OpTypePointer, ptrPartial, uint32(StorageClassUniform), partial),
		instruction(OpVariable, ptrReadOnly, varReadOnly, uint32(StorageClassUniform)),
		instruction(OpVariable, ptrPartial, varPartial, uint32(StorageClassUniform)),
	} {
		code = append(code, inst...)
	}

	m := must.M1(Parse(code))
	require.Len(t, m.Bindings, 2)
	require.Equal(t, uint32(varReadOnly), m.Bindings[0].VariableID)
	require.Equal(t, StorageClassUniform, m.Bindings[0].StorageClass)
	require.True(t, m.Bindings[0].NonWritable, "all members are NonWritable")
	require.Equal(t, uint32(varPartial), m.Bindings[1].VariableID)
	require.False(t, m.Bindings[1].NonWritable, "only one of two members is NonWritable")
}

func TestWordsAndBytes(t *testing.T) {
	code := NewBuilder("main").StorageBuffer(false).Assemble()
	data := BytesFromWords(code)
	require.Len(t, data, 4*len(code))
	require.Equal(t, []byte{0x03, 0x02, 0x23, 0x07}, data[:4])
	require.Equal(t, code, must.M1(WordsFromBytes(data)))

	_, err := WordsFromBytes(data[:len(data)-1])
	require.Error(t, err)
}
