package decodeerr

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies decoder errors: setup-time argument checks, cache
// capacity exhaustion, unsupported hardware, and device/kernel failures
// detected at the next synchronization point. Invariant violations are
// intentionally not a Kind returned to callers; they panic (see Fatal).
type Kind int

const (
	// InvalidArgument is a shape/type mismatch caught at setup or on first
	// forward (e.g. beam width mismatch, unsupported dtype).
	InvalidArgument Kind = iota
	// CapacityExceeded covers OUT_OF_CACHE (no block can be freed) and
	// MAX_BATCH_EXCEEDED (slot index out of range).
	CapacityExceeded
	// UnsupportedArch signals hardware below the required capability for a
	// selected kernel.
	UnsupportedArch
	// KernelFailure is a device error returned by a kernel launch or
	// surfaced at the next synchronization point.
	KernelFailure
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case CapacityExceeded:
		return "CapacityExceeded"
	case UnsupportedArch:
		return "UnsupportedArch"
	case KernelFailure:
		return "KernelFailure"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by decoder operations. It
// carries a Kind for programmatic dispatch (errors.As) plus a free-form
// message and optional wrapped cause.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "BlockManager.getFreeBlock"
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so errors.Is
// matches two *Error values of the same Kind whatever their Op or Message.
// IsKind checks an error against a Kind value directly.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds an *Error with no wrapped cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap builds an *Error that preserves a causal chain across a kernel-launch
// or device-synchronization boundary, using github.com/pkg/errors so the
// original stack frame survives for diagnostics (mirrors how KernelFailure
// is expected to propagate per the error-handling design: detected at the
// next synchronization point, not at the point of the asynchronous launch).
func Wrap(kind Kind, op string, cause error, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: pkgerrors.Wrap(cause, op)}
}

// IsKind reports whether err is a *decodeerr.Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Fatal reports an invariant violation: decrementing a refcount below
// zero, popping an empty free queue, and similar "should never happen"
// conditions. These are never returned to a caller in normal operation;
// they abort the process.
func Fatal(op, format string, args ...any) {
	panic(fmt.Sprintf("decoder: logic error in %s: %s", op, fmt.Sprintf(format, args...)))
}
