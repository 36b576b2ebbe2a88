package store

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindEnvironment Kind = iota + 1
	KindTransaction
	KindNotFound
	KindWrite
	KindScan
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindEnvironment:
		return "environment error"
	case KindTransaction:
		return "transaction error"
	case KindNotFound:
		return "not found"
	case KindWrite:
		return "write error"
	case KindScan:
		return "scan error"
	case KindInvalid:
		return "invalid argument"
	}
	return "unknown error"
}

// ExitCode is the process exit status a command line front end reports
// for a failure of this kind.
func (k Kind) ExitCode() int {
	switch k {
	case KindEnvironment:
		return 2
	case KindTransaction:
		return 3
	case KindNotFound:
		return 4
	case KindWrite:
		return 5
	case KindScan:
		return 6
	case KindInvalid:
		return 7
	}
	return 1
}

var (
	ErrEnvironment = &Error{Kind: KindEnvironment}
	ErrTransaction = &Error{Kind: KindTransaction}
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrWrite       = &Error{Kind: KindWrite}
	ErrScan        = &Error{Kind: KindScan}
	ErrInvalid     = &Error{Kind: KindInvalid}
)

// Error is the failure of one accessor operation.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// ExitCode maps err to a process exit status: 0 for nil, 1 for errors
// that did not come from an accessor operation.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return KindOf(err).ExitCode()
}
