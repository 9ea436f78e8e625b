package gpurt

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned by the runtime. Every error returned by a public operation wraps one of these,
// so callers can classify them with errors.Is.
var (
	// ErrNoDevice is returned when the pool is empty, or a device selection matched nothing.
	ErrNoDevice = errors.New("no compute device available")

	// ErrPoolAlreadyInitialized is returned by Pool.Initialize if the pool was already initialized.
	ErrPoolAlreadyInitialized = errors.New("device pool already initialized")

	// ErrImmutableTarget is returned by Buffer.Upload and Buffer.Download on Const buffers.
	ErrImmutableTarget = errors.New("buffer is Const: it can't be uploaded to or downloaded from after creation")

	// ErrCompileFailure is returned when the external compiler or the device link step fails.
	ErrCompileFailure = errors.New("kernel compilation failed")

	// ErrCompletion is returned when a transfer between host and device fails.
	ErrCompletion = errors.New("device transfer failed")

	// ErrParameterMismatch is returned when launch arguments don't match the kernel parameters.
	ErrParameterMismatch = errors.New("arguments don't match kernel parameters")

	// ErrLaunchRuntime is returned when the device rejects a dispatch.
	ErrLaunchRuntime = errors.New("device rejected kernel launch")

	// ErrReleased is returned when using a buffer, kernel or device that was already released.
	ErrReleased = errors.New("resource already released")

	// ErrInvalidArgument is returned for arguments that are invalid regardless of the device state,
	// like non-positive buffer sizes.
	ErrInvalidArgument = errors.New("invalid argument")
)

// CompileStage identifies the step of the compile pipeline that failed.
type CompileStage int

const (
	// StageCompile is the external compiler turning a source into bytecode.
	StageCompile CompileStage = iota

	// StageLink is the device turning bytecode into a dispatchable pipeline.
	StageLink
)

func (s CompileStage) String() string {
	switch s {
	case StageCompile:
		return "compile"
	case StageLink:
		return "link"
	}
	return fmt.Sprintf("CompileStage(%d)", int(s))
}

// CompileError is the error returned when compiling or linking a kernel fails.
// It matches ErrCompileFailure with errors.Is.
type CompileError struct {
	Stage      CompileStage
	EntryPoint string
	Err        error
}

func (e *CompileError) Error() string {
	if e.EntryPoint == "" {
		return fmt.Sprintf("%s: %s step failed: %v", ErrCompileFailure, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %s step failed for entry point %q: %v", ErrCompileFailure, e.Stage, e.EntryPoint, e.Err)
}

// Unwrap returns both ErrCompileFailure and the underlying cause.
func (e *CompileError) Unwrap() []error {
	return []error{ErrCompileFailure, e.Err}
}

// ParameterMismatchError details why a launch argument was rejected.
// It matches ErrParameterMismatch with errors.Is.
type ParameterMismatchError struct {
	// Index of the offending argument, or -1 if the number of arguments is wrong.
	Index int

	// Expected is the parameter descriptor at Index, and Got what the argument provided.
	Expected, Got ParameterDescriptor

	Reason string
}

func (e *ParameterMismatchError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %s", ErrParameterMismatch, e.Reason)
	}
	return fmt.Sprintf("%s: argument #%d (%s) for parameter (%s): %s", ErrParameterMismatch, e.Index, e.Got, e.Expected, e.Reason)
}

func (e *ParameterMismatchError) Unwrap() error {
	return ErrParameterMismatch
}

// panicf panics with a formatted error. It is used for broken internal invariants only.
func panicf(format string, args ...any) {
	panic(errors.Errorf(format, args...))
}
