// Package errors defines the internal error type used throughout arborq.
//
// It follows the "op/code" shape the rest of the codebase builds against:
// every internal failure carries the operation that produced it and a
// coarse-grained code that callers can branch on without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Op describes the operation that failed, e.g. "rdb.Eval".
type Op string

// Code is a coarse-grained error classification.
type Code int

const (
	Unknown Code = iota
	Internal
	NotFound
	AlreadyExists
	InvalidArgument
	FailedPrecondition
	Canceled
)

func (c Code) String() string {
	switch c {
	case Internal:
		return "internal_error"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case InvalidArgument:
		return "invalid_argument"
	case FailedPrecondition:
		return "failed_precondition"
	case Canceled:
		return "canceled"
	default:
		return "unknown_error"
	}
}

// Error is the internal error representation. It chains: wrapping an *Error
// in another E() call preserves the innermost Op/Code for inspection while
// building a human-readable trail.
type Error struct {
	Op   Op
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error from an Op, a Code, and either an error or a format
// string plus args, mirroring the call sites that already use it.
func E(op Op, code Code, args ...interface{}) error {
	e := &Error{Op: op, Code: code}
	if len(args) == 0 {
		e.Err = fmt.Errorf("%s", code)
		return e
	}
	switch v := args[0].(type) {
	case error:
		e.Err = v
	case string:
		if len(args) > 1 {
			e.Err = fmt.Errorf(v, args[1:]...)
		} else {
			e.Err = errors.New(v)
		}
	default:
		e.Err = fmt.Errorf("%v", v)
	}
	return e
}

// CodeOf extracts the Code from err if it (or something it wraps) is an
// *Error; otherwise it returns Unknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// RedisCommandError wraps a failed redis command with its name, matching the
// shape the store adapter reports for low-level driver failures.
type RedisCommandError struct {
	Command string
	Err     error
}

func (e *RedisCommandError) Error() string {
	return fmt.Sprintf("redis command %q failed: %v", e.Command, e.Err)
}

func (e *RedisCommandError) Unwrap() error { return e.Err }
