package engine

import "errors"

// RetryableError wraps an external error worth retrying with backoff:
// throttling, transient network failures, 5xx responses.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// TerminalError wraps an external error retries cannot fix: permission
// denied, malformed scope, quota, conflicts. The object goes Failed and
// stays there until the next reconciliation pass.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// NewRetryableError marks err as retryable.
func NewRetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// NewTerminalError marks err as terminal.
func NewTerminalError(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsRetryable returns true if err is marked retryable. Unclassified
// errors are treated as terminal so a misbehaving provider cannot spin
// the engine.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
