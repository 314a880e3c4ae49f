package tapasco

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/addrmap"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/localmem"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/pepool"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/scheduler"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/status"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/transport"
)

// Error represents a structured runtime error with context and errno
// mapping.
type Error struct {
	Op    string    // Operation that failed (e.g. "AcquireJobID", "Launch")
	DevID uint32    // Device id (0 if not applicable)
	Slot  int       // PE slot (-1 if not applicable)
	JobID int       // Host-visible job id (0 if not applicable)
	Code  ErrorCode // High-level error category
	Errno syscall.Errno
	Msg   string
	Inner error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.DevID != 0 {
		parts = append(parts, fmt.Sprintf("dev=%d", e.DevID))
	}
	if e.Slot >= 0 {
		parts = append(parts, fmt.Sprintf("slot=%d", e.Slot))
	}
	if e.JobID != 0 {
		parts = append(parts, fmt.Sprintf("job=%d", e.JobID))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("tapasco: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("tapasco: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Inner }

// Is provides errors.Is support matching on Code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode names one of the runtime's error-taxonomy categories.
// Categories: argument (InvalidArgIndex/InvalidArgSize), resource
// (OutOfMemory/NoJobIdAvailable/PeUnavailable), lifecycle
// (JobIdNotFound/wrong-state), device (PlatformFailure/StatusCoreNotFound),
// config (VersionMismatch/DeviceNotFound), programming (InvalidSlotId,
// releasing an Idle PE).
type ErrorCode string

const (
	ContextNotAvailable         ErrorCode = "context not available"
	DeviceNotFound              ErrorCode = "device not found"
	DeviceBusy                  ErrorCode = "device busy"
	OutOfMemory                 ErrorCode = "out of memory"
	NoJobIdAvailable            ErrorCode = "no job id available"
	InvalidArgIndex             ErrorCode = "invalid argument index"
	InvalidArgSize              ErrorCode = "invalid argument size"
	JobIdNotFound               ErrorCode = "job id not found"
	PlatformFailure             ErrorCode = "platform failure"
	StatusCoreNotFound          ErrorCode = "status core not found"
	VersionMismatch             ErrorCode = "version mismatch"
	InvalidSlotId               ErrorCode = "invalid slot id"
	PeUnavailable               ErrorCode = "PE unavailable"
	WrongState                  ErrorCode = "illegal operation for job state"
	NonblockingModeNotSupported ErrorCode = "non-blocking copy mode not supported"
)

// NewError creates a new structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Slot: -1, Code: code, Msg: msg}
}

// NewDeviceError creates a new device-specific error.
func NewDeviceError(op string, devID uint32, code ErrorCode, msg string) *Error {
	return &Error{Op: op, DevID: devID, Slot: -1, Code: code, Msg: msg}
}

// NewJobError creates a new job-specific error.
func NewJobError(op string, jobID int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, JobID: jobID, Slot: -1, Code: code, Msg: msg}
}

// WrapError wraps an existing error with runtime context, translating
// known internal package error types to the right ErrorCode. Returns nil
// if inner is nil.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if te, ok := inner.(*Error); ok {
		return &Error{Op: op, DevID: te.DevID, Slot: te.Slot, JobID: te.JobID, Code: te.Code, Errno: te.Errno, Msg: te.Msg, Inner: te.Inner}
	}

	if code, msg, ok := translateInternal(inner); ok {
		return &Error{Op: op, Slot: -1, Code: code, Msg: msg, Inner: inner}
	}

	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Slot: -1, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}

	return &Error{Op: op, Slot: -1, Code: PlatformFailure, Msg: inner.Error(), Inner: inner}
}

// translateInternal maps an internal package's sentinel/typed error to the
// public ErrorCode taxonomy. This is the one place that knows about every
// internal package's error shapes, so higher layers never need to.
func translateInternal(err error) (ErrorCode, string, bool) {
	switch e := err.(type) {
	case *scheduler.ErrJobIDNotFound:
		return JobIdNotFound, e.Error(), true
	case *scheduler.ErrInvalidArgIndex:
		return InvalidArgIndex, e.Error(), true
	case *scheduler.ErrInvalidArgSize:
		return InvalidArgSize, e.Error(), true
	case *scheduler.ErrWrongState:
		return WrongState, e.Error(), true
	case *scheduler.PlatformFailure:
		return PlatformFailure, e.Error(), true
	case *pepool.ErrPeUnavailable:
		return PeUnavailable, e.Error(), true
	case *pepool.ErrReleaseNotBusy:
		return PeUnavailable, e.Error(), true
	case *localmem.ErrOutOfMemory:
		return OutOfMemory, e.Error(), true
	case *addrmap.ErrInvalidSlotID:
		return InvalidSlotId, e.Error(), true
	case *status.StatusCoreNotFound:
		return StatusCoreNotFound, e.Error(), true
	case *transport.TransportFailure:
		return PlatformFailure, e.Error(), true
	}
	if errors.Is(err, scheduler.ErrNoJobID) {
		return NoJobIdAvailable, err.Error(), true
	}
	return "", "", false
}

// mapErrnoToCode maps syscall errno to runtime error codes.
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT, syscall.ENODEV, syscall.ENXIO:
		return DeviceNotFound
	case syscall.EBUSY:
		return DeviceBusy
	case syscall.EINVAL, syscall.E2BIG:
		return InvalidArgSize
	case syscall.ENOMEM, syscall.ENOSPC:
		return OutOfMemory
	default:
		return PlatformFailure
	}
}

// IsCode checks if an error matches a specific error code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno == errno
	}
	return false
}
