package tapasco

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/scheduler"
)

func TestNewError(t *testing.T) {
	err := NewError("AcquireJobID", NoJobIdAvailable, "pool exhausted")
	assert.Equal(t, "AcquireJobID", err.Op)
	assert.Equal(t, NoJobIdAvailable, err.Code)
	assert.Equal(t, -1, err.Slot)
	assert.Contains(t, err.Error(), "pool exhausted")
	assert.Contains(t, err.Error(), "op=AcquireJobID")
}

func TestNewDeviceError(t *testing.T) {
	err := NewDeviceError("OpenDevice", 3, DeviceBusy, "already held")
	assert.Equal(t, uint32(3), err.DevID)
	assert.Contains(t, err.Error(), "dev=3")
}

func TestNewJobError(t *testing.T) {
	err := NewJobError("Launch", 7, WrongState, "job not requested")
	assert.Equal(t, 7, err.JobID)
	assert.Contains(t, err.Error(), "job=7")
}

func TestWrapErrorNil(t *testing.T) {
	assert.Nil(t, WrapError("Launch", nil))
}

func TestWrapErrorPassesThroughStructuredError(t *testing.T) {
	inner := &Error{Op: "Inner", DevID: 1, Slot: 2, Code: PeUnavailable, Msg: "busy"}
	wrapped := WrapError("Outer", inner)
	require.NotNil(t, wrapped)
	assert.Equal(t, "Outer", wrapped.Op)
	assert.Equal(t, PeUnavailable, wrapped.Code)
	assert.Equal(t, uint32(1), wrapped.DevID)
}

func TestWrapErrorTranslatesInternalTypes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code ErrorCode
	}{
		{"job id not found", &scheduler.ErrJobIDNotFound{ID: 5}, JobIdNotFound},
		{"invalid arg index", &scheduler.ErrInvalidArgIndex{Index: 9}, InvalidArgIndex},
		{"invalid arg size", &scheduler.ErrInvalidArgSize{Size: 3}, InvalidArgSize},
		{"wrong state", &scheduler.ErrWrongState{Op: "Launch", State: scheduler.StateReady}, WrongState},
		{"platform failure", &scheduler.PlatformFailure{Op: "write_ctl", Err: syscall.EIO}, PlatformFailure},
		{"no job id", scheduler.ErrNoJobID, NoJobIdAvailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := WrapError("op", tc.err)
			require.NotNil(t, wrapped)
			assert.Equal(t, tc.code, wrapped.Code)
		})
	}
}

func TestWrapErrorFallsBackToErrno(t *testing.T) {
	wrapped := WrapError("OpenDevice", syscall.ENODEV)
	require.NotNil(t, wrapped)
	assert.Equal(t, DeviceNotFound, wrapped.Code)
	assert.Equal(t, syscall.ENODEV, wrapped.Errno)
}

func TestWrapErrorGenericFallback(t *testing.T) {
	wrapped := WrapError("op", errors.New("something unexpected"))
	require.NotNil(t, wrapped)
	assert.Equal(t, PlatformFailure, wrapped.Code)
}

func TestErrorIs(t *testing.T) {
	a := &Error{Code: JobIdNotFound}
	b := &Error{Code: JobIdNotFound}
	c := &Error{Code: DeviceBusy}
	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestIsCodeAndIsErrno(t *testing.T) {
	err := &Error{Code: DeviceBusy, Errno: syscall.EBUSY}
	assert.True(t, IsCode(err, DeviceBusy))
	assert.False(t, IsCode(err, DeviceNotFound))
	assert.True(t, IsErrno(err, syscall.EBUSY))
	assert.False(t, IsErrno(err, syscall.EPERM))
	assert.False(t, IsCode(nil, DeviceBusy))
	assert.False(t, IsErrno(nil, syscall.EBUSY))
}

func TestMapErrnoToCode(t *testing.T) {
	cases := []struct {
		errno syscall.Errno
		code  ErrorCode
	}{
		{syscall.ENOENT, DeviceNotFound},
		{syscall.ENODEV, DeviceNotFound},
		{syscall.ENXIO, DeviceNotFound},
		{syscall.EBUSY, DeviceBusy},
		{syscall.EINVAL, InvalidArgSize},
		{syscall.E2BIG, InvalidArgSize},
		{syscall.ENOMEM, OutOfMemory},
		{syscall.ENOSPC, OutOfMemory},
		{syscall.EIO, PlatformFailure},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, mapErrnoToCode(tc.errno))
	}
}
