package spirv

// Builder assembles minimal GLCompute SPIR-V modules: one entry point with an empty body that
// declares a list of storage buffers (runtime arrays of uint32) in descriptor set 0.
//
// The result is a valid module that declares a kernel's resource interface. The host backend
// resolves the body of such kernels by entry point name.
type Builder struct {
	entryPoint string
	localSize  [3]uint32
	readOnly   []bool
}

// NewBuilder returns a Builder for a module with the given entry point and a workgroup size of 1.
func NewBuilder(entryPoint string) *Builder {
	return &Builder{entryPoint: entryPoint, localSize: [3]uint32{1, 1, 1}}
}

// WithLocalSize sets the workgroup size of the entry point.
func (b *Builder) WithLocalSize(x, y, z uint32) *Builder {
	b.localSize = [3]uint32{x, y, z}
	return b
}

// StorageBuffer declares the next storage buffer binding. Read-only buffers are decorated NonWritable.
func (b *Builder) StorageBuffer(readOnly bool) *Builder {
	b.readOnly = append(b.readOnly, readOnly)
	return b
}

// instruction encodes one instruction with its word count.
func instruction(opcode uint32, operands ...uint32) []uint32 {
	words := make([]uint32, 0, len(operands)+1)
	words = append(words, uint32(len(operands)+1)<<16|opcode)
	return append(words, operands...)
}

// encodeString packs s as a nul-terminated literal string, padded to a word boundary.
func encodeString(s string) []uint32 {
	data := append([]byte(s), 0)
	for len(data)%4 != 0 {
		data = append(data, 0)
	}
	words := make([]uint32, len(data)/4)
	for ii := range words {
		words[ii] = uint32(data[ii*4]) | uint32(data[ii*4+1])<<8 | uint32(data[ii*4+2])<<16 | uint32(data[ii*4+3])<<24
	}
	return words
}

// Assemble returns the module's words.
func (b *Builder) Assemble() []uint32 {
	nextID := uint32(1)
	newID := func() uint32 {
		id := nextID
		nextID++
		return id
	}
	var (
		typeVoid    = newID()
		typeFunc    = newID()
		typeUint    = newID()
		typeArray   = newID()
		typeStruct  = newID()
		typePointer = newID()
		mainFunc    = newID()
		mainLabel   = newID()
	)
	variables := make([]uint32, len(b.readOnly))
	for ii := range variables {
		variables[ii] = newID()
	}

	var body []uint32
	emit := func(opcode uint32, operands ...uint32) {
		body = append(body, instruction(opcode, operands...)...)
	}
	emit(OpCapability, capabilityShader)
	emit(OpMemoryModel, addressingLogical, memoryModelGLSL450)
	emit(OpEntryPoint, append([]uint32{uint32(ExecutionModelGLCompute), mainFunc}, encodeString(b.entryPoint)...)...)
	emit(OpExecutionMode, mainFunc, executionModeLocalSize, b.localSize[0], b.localSize[1], b.localSize[2])
	emit(OpName, append([]uint32{mainFunc}, encodeString(b.entryPoint)...)...)

	emit(OpDecorate, typeArray, DecorationArrayStride, 4)
	emit(OpDecorate, typeStruct, DecorationBlock)
	emit(OpMemberDecorate, typeStruct, 0, DecorationOffset, 0)
	for ii, variable := range variables {
		emit(OpDecorate, variable, DecorationDescriptorSet, 0)
		emit(OpDecorate, variable, DecorationBinding, uint32(ii))
		if b.readOnly[ii] {
			emit(OpDecorate, variable, DecorationNonWritable)
		}
	}

	emit(OpTypeVoid, typeVoid)
	emit(OpTypeFunction, typeFunc, typeVoid)
	emit(OpTypeInt, typeUint, 32, 0)
	emit(OpTypeRuntimeArray, typeArray, typeUint)
	emit(OpTypeStruct, typeStruct, typeArray)
	emit(OpTypePointer, typePointer, uint32(StorageClassStorageBuffer), typeStruct)
	for _, variable := range variables {
		emit(OpVariable, typePointer, variable, uint32(StorageClassStorageBuffer))
	}

	emit(OpFunction, typeVoid, mainFunc, 0, typeFunc)
	emit(OpLabel, mainLabel)
	emit(OpReturn)
	emit(OpFunctionEnd)

	header := []uint32{Magic, Version13, 0, nextID, 0}
	return append(header, body...)
}
