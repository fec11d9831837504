// Package result provides the success/failure value returned by every
// public pipeline operation. Failures carry human readable messages instead
// of escaping as panics.
package result

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Result carries either data or the error messages explaining why the
// operation failed. Warnings may accompany a successful result.
type Result[T any] struct {
	Data     T
	Errors   []string
	Warnings []string
}

// Success wraps data in a successful result.
func Success[T any](data T, warnings ...string) Result[T] {
	return Result[T]{Data: data, Warnings: warnings}
}

// Failure builds a failed result from one or more messages.
func Failure[T any](messages ...string) Result[T] {
	if len(messages) == 0 {
		messages = []string{"operation failed"}
	}
	return Result[T]{Errors: messages}
}

// Failuref builds a failed result from a formatted message.
func Failuref[T any](format string, args ...any) Result[T] {
	return Failure[T](fmt.Sprintf(format, args...))
}

// FailureFromError converts err into a failed result. A *multierror.Error is
// flattened into one message per wrapped error.
func FailureFromError[T any](err error) Result[T] {
	if err == nil {
		return Failure[T]()
	}
	var merr *multierror.Error
	if errors.As(err, &merr) && len(merr.Errors) > 0 {
		msgs := make([]string, 0, len(merr.Errors))
		for _, e := range merr.Errors {
			msgs = append(msgs, e.Error())
		}
		return Failure[T](msgs...)
	}
	return Failure[T](err.Error())
}

// Convert carries the messages of a failed result over to another type.
func Convert[T, U any](r Result[T]) Result[U] {
	return Result[U]{Errors: r.Errors, Warnings: r.Warnings}
}

func (r Result[T]) Success() bool {
	return len(r.Errors) == 0
}

func (r Result[T]) Failed() bool {
	return len(r.Errors) > 0
}

// FirstError returns the first error message or "".
func (r Result[T]) FirstError() string {
	if len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[0]
}

// Err joins the error messages into a single error, or nil on success.
func (r Result[T]) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	var merr *multierror.Error
	for _, msg := range r.Errors {
		merr = multierror.Append(merr, errors.New(msg))
	}
	if len(r.Errors) == 1 {
		return merr.Errors[0]
	}
	return merr
}

// WithWarnings returns a copy of r with extra warnings appended.
func (r Result[T]) WithWarnings(warnings ...string) Result[T] {
	r.Warnings = append(append([]string(nil), r.Warnings...), warnings...)
	return r
}
