package gpurt

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/gomlx/gpurt/dtypes"
	"github.com/pkg/errors"
)

// Buffer is a fixed-size region of device memory, paired with a host visible staging region of the
// same size used for transfers.
//
// A Buffer is owned by whoever created it: it is released with Destroy, or when it is garbage collected.
//
// Mut buffers can be uploaded to and downloaded from at any time. Const buffers are only written once,
// at construction (see Device.AllocateFrom), and reject Upload and Download with ErrImmutableTarget.
type Buffer struct {
	wrapper    *bufferWrapper
	size       int
	mutability Mutability
	dtype      dtypes.DType
}

// bufferWrapper holds the backend memory, and is what the garbage collection cleanup frees.
// Its fields are protected by the device lock.
type bufferWrapper struct {
	device           *Device
	storage, staging Memory
	alive            atomic.Bool
}

// IsValid returns whether the memory is still allocated.
func (w *bufferWrapper) IsValid() bool {
	return w != nil && w.alive.Load()
}

func (w *bufferWrapper) Destroy() {
	d := w.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if !w.alive.Swap(false) {
		return
	}
	buffersAlive.Add(-1)
	if d.driver != nil {
		d.driver.Release(w.storage, w.staging)
	}
	w.storage, w.staging = nil, nil
}

var buffersAlive atomic.Int64

// BuffersAlive returns the number of buffers allocated and not yet released, over all devices.
func BuffersAlive() int64 {
	return buffersAlive.Load()
}

// newBuffer creates a Buffer and registers it for freeing.
func newBuffer(device *Device, storage, staging Memory, size int, mutability Mutability, dtype dtypes.DType) *Buffer {
	b := &Buffer{
		wrapper:    &bufferWrapper{device: device, storage: storage, staging: staging},
		size:       size,
		mutability: mutability,
		dtype:      dtype,
	}
	b.wrapper.alive.Store(true)
	buffersAlive.Add(1)
	runtime.AddCleanup(b, func(wrapper *bufferWrapper) {
		wrapper.Destroy()
	}, b.wrapper)
	return b
}

// Destroy releases the device memory. The Buffer is no longer valid afterwards.
// It is called automatically when the Buffer is garbage collected, and it is a no-op if called again.
func (b *Buffer) Destroy() {
	if b == nil || b.wrapper == nil {
		return
	}
	b.wrapper.Destroy()
}

// IsValid returns whether the buffer hasn't been destroyed yet.
func (b *Buffer) IsValid() bool {
	return b != nil && b.wrapper.IsValid()
}

// Size of the buffer in bytes. It never changes.
func (b *Buffer) Size() int {
	return b.size
}

// Mutability of the buffer, fixed at construction.
func (b *Buffer) Mutability() Mutability {
	return b.mutability
}

// DType the buffer was tagged with, or dtypes.Invalid if it is untagged.
func (b *Buffer) DType() dtypes.DType {
	return b.dtype
}

// Device where the buffer is allocated.
func (b *Buffer) Device() *Device {
	return b.wrapper.device
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	if b.dtype == dtypes.Invalid {
		return fmt.Sprintf("Buffer[%s, %d bytes]", b.mutability, b.size)
	}
	return fmt.Sprintf("Buffer[%s %s, %d bytes]", b.mutability, b.dtype, b.size)
}

// Upload replaces the buffer contents with data.
//
// The length of data must be the buffer's Size: this is not checked on every call,
// and other lengths have backend dependent results.
//
// It fails with ErrImmutableTarget on Const buffers.
func (b *Buffer) Upload(data []byte) error {
	if b.mutability == Const {
		return errors.Wrapf(ErrImmutableTarget, "%s.Upload()", b)
	}
	return b.upload(data)
}

func (b *Buffer) upload(data []byte) error {
	d := b.wrapper.device
	if err := d.lock(); err != nil {
		return err
	}
	defer d.mu.Unlock()
	if !b.wrapper.IsValid() {
		return errors.Wrapf(ErrReleased, "%s.Upload(): buffer already destroyed", b)
	}
	if err := d.driver.Upload(b.wrapper.storage, b.wrapper.staging, data); err != nil {
		return errors.Wrapf(ErrCompletion, "%s.Upload(): %v", b, err)
	}
	return nil
}

// Download reads the buffer contents back from the device. It doesn't block: the returned Event
// resolves to the contents once all work previously enqueued on the device has finished.
//
// The Event resolves to ErrImmutableTarget on Const buffers, and to ErrCompletion if the transfer fails.
// There is no way to cancel a download.
func (b *Buffer) Download() *Event {
	if b.mutability == Const {
		return failedEvent(errors.Wrapf(ErrImmutableTarget, "%s.Download()", b))
	}
	d := b.wrapper.device
	if err := d.lock(); err != nil {
		return failedEvent(err)
	}
	if !b.wrapper.IsValid() {
		d.mu.Unlock()
		return failedEvent(errors.Wrapf(ErrReleased, "%s.Download(): buffer already destroyed", b))
	}
	wait, err := d.driver.Download(b.wrapper.storage, b.wrapper.staging, b.size)
	d.mu.Unlock()
	if err != nil {
		return failedEvent(errors.Wrapf(ErrCompletion, "%s.Download(): %v", b, err))
	}
	return newEvent(func() ([]byte, error) {
		// The buffer must not be collected (and its memory released) while the transfer is in flight.
		defer runtime.KeepAlive(b)
		data, err := wait()
		if err != nil {
			return nil, errors.Wrapf(ErrCompletion, "%s.Download(): %v", b, err)
		}
		return data, nil
	})
}
