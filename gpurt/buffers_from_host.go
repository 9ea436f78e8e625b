package gpurt

import (
	"unsafe"

	"github.com/gomlx/gpurt/dtypes"
	"github.com/pkg/errors"
)

// BytesOf returns a view of data as bytes, without copying.
func BytesOf[T dtypes.Supported](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), len(data)*int(unsafe.Sizeof(zero)))
}

// ArrayToBuffer allocates a buffer on device tagged with T's dtype, and uploads data to it.
// Const buffers created this way can't be uploaded to or downloaded from again.
func ArrayToBuffer[T dtypes.Supported](device *Device, data []T, mutability Mutability) (*Buffer, error) {
	if len(data) == 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "ArrayToBuffer(): empty data")
	}
	return device.allocateFrom(BytesOf(data), mutability, dtypes.FromGenericsType[T]())
}

// ScalarToBuffer allocates a one element buffer on device tagged with T's dtype, holding value.
func ScalarToBuffer[T dtypes.Supported](device *Device, value T, mutability Mutability) (*Buffer, error) {
	return ArrayToBuffer(device, []T{value}, mutability)
}

// BufferWithSize allocates a zeroed buffer of numElements elements of T, tagged with T's dtype.
func BufferWithSize[T dtypes.Supported](device *Device, numElements int, mutability Mutability) (*Buffer, error) {
	dtype := dtypes.FromGenericsType[T]()
	return device.allocate(dtype.SizeForElements(numElements), mutability, dtype)
}

// BufferToArray downloads the buffer and waits for the result, returned as a slice of T.
//
// It fails with ErrInvalidArgument if the buffer is tagged with a dtype other than T's,
// or if its size is not a multiple of T's size.
func BufferToArray[T dtypes.Supported](b *Buffer) ([]T, error) {
	dtype := dtypes.FromGenericsType[T]()
	if !b.dtype.Compatible(dtype) {
		return nil, errors.Wrapf(ErrInvalidArgument, "BufferToArray[%s](%s): buffer holds %s", dtype, b, b.dtype)
	}
	if b.size%dtype.Size() != 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "BufferToArray[%s](%s): size is not a multiple of %d bytes", dtype, b, dtype.Size())
	}
	data, err := b.Download().Await()
	if err != nil {
		return nil, err
	}
	out := make([]T, b.size/dtype.Size())
	copy(BytesOf(out), data)
	return out, nil
}
