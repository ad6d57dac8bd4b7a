package schedule

import "errors"

// terminalError marks a handler failure that no retry can heal, such as a
// data-integrity problem. The dispatcher fails the job permanently instead of
// consuming attempts on it.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err so the dispatcher treats the failure as permanent.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err (or anything it wraps) was marked terminal.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}
