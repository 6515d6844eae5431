package microk

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredError(t *testing.T) {
	err := New("CreateUniverse", CodeIllegalArgs, "invalid queue depth")

	assert.Equal(t, "CreateUniverse", err.Op)
	assert.Equal(t, CodeIllegalArgs, err.Code)
	assert.Equal(t, "microk: invalid queue depth", err.Error())
}

func TestErrorWithErrno(t *testing.T) {
	err := NewWithErrno("StartUniverse", syscall.EPERM)
	assert.Equal(t, syscall.EPERM, err.Errno)
}

func TestHandleError(t *testing.T) {
	err := NewHandleError("TransferDescriptor", 123, CodeBadDescriptor, "handle in use")

	assert.EqualValues(t, 123, err.Handle)
	assert.Equal(t, "microk: handle in use (handle=123)", err.Error())
}

func TestAsyncError(t *testing.T) {
	err := NewAsyncError("SubmitAsync", 42, CodeFault, "completion faulted")
	assert.EqualValues(t, 42, err.AsyncID)
}

func TestWrapError(t *testing.T) {
	inner := syscall.ENOENT
	err := Wrap("ReleaseHandle", inner)

	assert.Equal(t, CodeBadDescriptor, err.Code)
	assert.Equal(t, syscall.ENOENT, err.Errno)
	assert.ErrorIs(t, err, syscall.ENOENT)
}

func TestWrapPreservesStructuredError(t *testing.T) {
	inner := NewHandleError("Fault", 7, CodeOutOfBounds, "address outside mapping")
	outer := Wrap("Resolve", inner)

	assert.Equal(t, CodeOutOfBounds, outer.Code)
	assert.EqualValues(t, 7, outer.Handle)
	assert.Equal(t, "Resolve", outer.Op)
}

func TestIsCode(t *testing.T) {
	err := New("Observe", CodeCancelled, "operation cancelled")

	assert.True(t, IsCode(err, CodeCancelled))
	assert.False(t, IsCode(err, CodeFault))
	assert.False(t, IsCode(nil, CodeCancelled))
}

func TestIsErrno(t *testing.T) {
	err := NewWithErrno("Fault", syscall.EIO)

	assert.True(t, IsErrno(err, syscall.EIO))
	assert.False(t, IsErrno(err, syscall.EPERM))
	assert.False(t, IsErrno(nil, syscall.EIO))
}

func TestErrnoMapping(t *testing.T) {
	testCases := []struct {
		errno    syscall.Errno
		expected ErrorCode
	}{
		{syscall.EINVAL, CodeIllegalArgs},
		{syscall.EBADF, CodeBadDescriptor},
		{syscall.ENOSYS, CodeUnsupportedOperation},
		{syscall.ENOMEM, CodeNoMemory},
		{syscall.EEXIST, CodeAlreadyExists},
		{syscall.EFAULT, CodeFault},
	}

	for _, tc := range testCases {
		err := NewWithErrno("Probe", tc.errno)
		require.Equal(t, tc.expected, err.Code, "errno %v", tc.errno)
	}
}
