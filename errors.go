package microk

import "github.com/lattice-os/microk/internal/kerr"

// Error is the structured error type returned by every microk operation.
// It carries enough context (the failing op, the handle and async id
// involved) for a caller to correlate a failure with a specific recipe
// action or completion record without parsing the message string.
//
// The real type lives in internal/kerr so every subsystem package can
// construct and classify errors without importing this root package (which
// would be a cycle, since this package composes all of them) — the same
// split the teacher uses for internal/constants and internal/interfaces.
type Error = kerr.Error

// ErrorCode enumerates the result codes of spec §6.
type ErrorCode = kerr.ErrorCode

const (
	CodeSuccess              = kerr.CodeSuccess
	CodeIllegalArgs          = kerr.CodeIllegalArgs
	CodeIllegalState         = kerr.CodeIllegalState
	CodeUnsupportedOperation = kerr.CodeUnsupportedOperation
	CodeBadDescriptor        = kerr.CodeBadDescriptor
	CodeNoDescriptor         = kerr.CodeNoDescriptor
	CodeNoMemory             = kerr.CodeNoMemory
	CodeNoHardwareSupport    = kerr.CodeNoHardwareSupport
	CodeBufferTooSmall       = kerr.CodeBufferTooSmall
	CodeQueueTooSmall        = kerr.CodeQueueTooSmall
	CodeAlreadyExists        = kerr.CodeAlreadyExists
	CodeOutOfBounds          = kerr.CodeOutOfBounds
	CodeFault                = kerr.CodeFault
	CodeRemoteFault          = kerr.CodeRemoteFault
	CodeLaneShutdown         = kerr.CodeLaneShutdown
	CodeEndOfLane            = kerr.CodeEndOfLane
	CodeTransmissionMismatch = kerr.CodeTransmissionMismatch
	CodeDismissed            = kerr.CodeDismissed
	CodeThreadTerminated     = kerr.CodeThreadTerminated
	CodeCancelled            = kerr.CodeCancelled
)

var (
	New              = kerr.New
	NewWithErrno     = kerr.NewWithErrno
	NewHandleError   = kerr.NewHandleError
	NewAsyncError    = kerr.NewAsyncError
	Wrap             = kerr.Wrap
	IsCode           = kerr.IsCode
	IsErrno          = kerr.IsErrno
)
