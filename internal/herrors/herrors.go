// Package herrors classifies errors the pump must propagate as fatal
// (stop the pump) versus treat as a local, recoverable failure.
package herrors

import "errors"

// Fatal wraps an error that the poller or manager must not swallow:
// missing handler registration, bad handler signature, or any other
// framework-internal condition that has no safe local recovery.
type Fatal struct {
	Err error
}

func (f *Fatal) Error() string { return f.Err.Error() }
func (f *Fatal) Unwrap() error { return f.Err }

// NewFatal wraps err as a Fatal error.
func NewFatal(err error) error {
	if err == nil {
		return nil
	}
	return &Fatal{Err: err}
}

// IsFatal reports whether err (or anything it wraps) is a Fatal error.
func IsFatal(err error) bool {
	var f *Fatal
	return errors.As(err, &f)
}
