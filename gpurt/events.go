package gpurt

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Event is the pending result of a Buffer.Download.
//
// It always runs to completion: there is no cancellation. Await can be called any number of times,
// from any goroutine, and always returns the same result.
type Event struct {
	done chan struct{}
	data []byte
	err  error
}

func newEvent(wait func() ([]byte, error)) *Event {
	e := &Event{done: make(chan struct{})}
	go func() {
		defer close(e.done)
		defer func() {
			if r := recover(); r != nil {
				klog.Errorf("panic while waiting for device transfer: %v", r)
				e.data, e.err = nil, errors.Wrapf(ErrCompletion, "panic while waiting for transfer: %v", r)
			}
		}()
		e.data, e.err = wait()
	}()
	return e
}

// failedEvent returns an already resolved event with the given error.
func failedEvent(err error) *Event {
	e := &Event{done: make(chan struct{}), err: err}
	close(e.done)
	return e
}

// Done returns a channel that is closed when the event is resolved.
func (e *Event) Done() <-chan struct{} {
	return e.done
}

// Await blocks until the event is resolved, and returns the downloaded bytes.
// A failed download never returns partial data.
func (e *Event) Await() ([]byte, error) {
	<-e.done
	return e.data, e.err
}

// AwaitContext is like Await, but returns ctx.Err() if ctx is done first.
// The transfer itself is not interrupted, and the event can be awaited again later.
func (e *Event) AwaitContext(ctx context.Context) ([]byte, error) {
	select {
	case <-e.done:
		return e.data, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
