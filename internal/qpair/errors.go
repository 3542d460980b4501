package qpair

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParameters = errors.New("invalid queue pair parameters")
	ErrAllocation        = errors.New("queue pair memory allocation failed")
	ErrProtocolViolation = errors.New("completion references a command id with no outstanding tracker")
	ErrBusy              = errors.New("queue pair has outstanding or backlogged requests")
	ErrRequestInUse      = fmt.Errorf("%w: request is owned by a queue pair", ErrInvalidParameters)
	ErrNoCallback        = fmt.Errorf("%w: request has no callback", ErrInvalidParameters)
)

// QueueError attaches the queue pair and operation to an error.
type QueueError struct {
	QID uint16
	Op  string
	Err error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("qpair %d: %s: %v", e.QID, e.Op, e.Err)
}

func (e *QueueError) Unwrap() error {
	return e.Err
}

func newQueueError(qid uint16, op string, err error) *QueueError {
	return &QueueError{QID: qid, Op: op, Err: err}
}
