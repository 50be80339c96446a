package docsync

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrQueueFull         = errors.New("queue full")
	ErrQueueClosed       = errors.New("queue closed")
	ErrUnknownEntityType = errors.New("unknown entity type")
	ErrNotImplemented    = errors.New("not implemented")
)

type nonRetryableError struct {
	err error
}

// NonRetryable marks err as a permanent failure. The queue moves items
// failed with a non-retryable error straight to the terminal state without
// consuming a retry slot.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

func (e *nonRetryableError) Error() string { return e.err.Error() }

func (e *nonRetryableError) Unwrap() error { return e.err }

func IsNonRetryable(err error) bool {
	var nre *nonRetryableError
	return errors.As(err, &nre)
}
