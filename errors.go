package nvmeq

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
	"github.com/ehrlich-b/go-nvmeq/internal/qpair"
)

// Error represents a structured queue-pair error with context
type Error struct {
	Op     string        // Operation that failed (e.g., "CONSTRUCT", "PROCESS_COMPLETIONS")
	Ctrlr  uint32        // Controller ID (0 if not applicable)
	Queue  int           // Queue pair ID (-1 if not applicable)
	Code   ErrorCode     // High-level error category
	Errno  syscall.Errno // Errno from the memory or file layer (0 if not applicable)
	Status uint16        // NVMe status field of a failed command, phase bit clear
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	switch {
	case e.Op != "" && e.Queue >= 0:
		return fmt.Sprintf("nvmeq: %s (op=%s qid=%d)", msg, e.Op, e.Queue)
	case e.Op != "":
		return fmt.Sprintf("nvmeq: %s (op=%s)", msg, e.Op)
	default:
		return fmt.Sprintf("nvmeq: %s", msg)
	}
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches another *Error by code
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeNotImplemented     ErrorCode = "not implemented"
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodeInsufficientMemory ErrorCode = "insufficient memory"
	ErrCodeProtocolViolation  ErrorCode = "protocol violation"
	ErrCodeQueueBusy          ErrorCode = "queue pair has outstanding work"
	ErrCodeControllerFailed   ErrorCode = "controller failed"
	ErrCodeCommandFailed      ErrorCode = "command failed"
	ErrCodeIOError            ErrorCode = "I/O error"
	ErrCodeTimeout            ErrorCode = "timeout"
)

// Sentinel errors for errors.Is; they match any *Error with the same code.
var (
	ErrNotImplemented     = &Error{Code: ErrCodeNotImplemented, Queue: -1}
	ErrInvalidParameters  = &Error{Code: ErrCodeInvalidParameters, Queue: -1}
	ErrInsufficientMemory = &Error{Code: ErrCodeInsufficientMemory, Queue: -1}
	ErrProtocolViolation  = &Error{Code: ErrCodeProtocolViolation, Queue: -1}
	ErrQueueBusy          = &Error{Code: ErrCodeQueueBusy, Queue: -1}
	ErrControllerFailed   = &Error{Code: ErrCodeControllerFailed, Queue: -1}
	ErrCommandFailed      = &Error{Code: ErrCodeCommandFailed, Queue: -1}
	ErrTimeout            = &Error{Code: ErrCodeTimeout, Queue: -1}
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewQueueError creates a new queue-pair-specific error
func NewQueueError(op string, ctrlr uint32, queue int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Ctrlr: ctrlr,
		Queue: queue,
		Code:  code,
		Msg:   msg,
	}
}

// WrapError wraps an existing error with queue-pair context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	var ne *Error
	if errors.As(inner, &ne) {
		return &Error{
			Op:     op,
			Ctrlr:  ne.Ctrlr,
			Queue:  ne.Queue,
			Code:   ne.Code,
			Errno:  ne.Errno,
			Status: ne.Status,
			Msg:    ne.Msg,
			Inner:  ne.Inner,
		}
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Queue: -1,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   inner.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Queue: queueOf(inner),
		Code:  mapQueueErrorToCode(inner),
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// NewCommandError reports a command that completed with an error status
func NewCommandError(op string, ctrlr uint32, queue int, cpl *Completion) *Error {
	code := ErrCodeCommandFailed
	if cpl.SCT() == nvme.SCTMediaError {
		code = ErrCodeIOError
	}
	return &Error{
		Op:     op,
		Ctrlr:  ctrlr,
		Queue:  queue,
		Code:   code,
		Status: cpl.Status &^ 1,
		Msg:    nvme.StatusString(cpl.SCT(), cpl.SC()),
	}
}

// mapQueueErrorToCode maps queue pair sentinels to error codes
func mapQueueErrorToCode(err error) ErrorCode {
	switch {
	case errors.Is(err, qpair.ErrInvalidParameters):
		return ErrCodeInvalidParameters
	case errors.Is(err, qpair.ErrAllocation):
		return ErrCodeInsufficientMemory
	case errors.Is(err, qpair.ErrProtocolViolation):
		return ErrCodeProtocolViolation
	case errors.Is(err, qpair.ErrBusy):
		return ErrCodeQueueBusy
	default:
		return ErrCodeIOError
	}
}

func queueOf(err error) int {
	var qe *qpair.QueueError
	if errors.As(err, &qe) {
		return int(qe.QID)
	}
	return -1
}

// mapErrnoToCode maps syscall errno to error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ENOMEM, syscall.ENOSPC, syscall.EAGAIN:
		return ErrCodeInsufficientMemory
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeNotImplemented
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	case syscall.ENXIO, syscall.ENODEV:
		return ErrCodeControllerFailed
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Errno == errno
	}
	return false
}
