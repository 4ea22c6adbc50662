package objpool

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned by Get once Close has been called.
	ErrClosed = errors.New("objpool: pool closed")

	// ErrTimeout matches every *TimeoutError via errors.Is.
	ErrTimeout = errors.New("objpool: timeout")
)

// TimeoutType identifies which pool step ran out of time.
type TimeoutType int

const (
	TimeoutWait TimeoutType = iota
	TimeoutCreate
	TimeoutRecycle
)

func (t TimeoutType) String() string {
	switch t {
	case TimeoutWait:
		return "wait"
	case TimeoutCreate:
		return "create"
	case TimeoutRecycle:
		return "recycle"
	default:
		return "unknown"
	}
}

// TimeoutError reports a step that exceeded its configured bound.
type TimeoutError struct {
	Type  TimeoutType
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("objpool: %s timeout after %v", e.Type, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// CreateError wraps a failure returned by Manager.Create.
type CreateError struct {
	Err error
}

func (e *CreateError) Error() string {
	return "objpool: create: " + e.Err.Error()
}

func (e *CreateError) Unwrap() error {
	return e.Err
}
