// Package apperr holds the closed set of failure kinds the pipeline distinguishes.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Transport Kind = iota + 1
	Parse
	InsufficientData
	ExternalService
	InvalidTransition
	Unauthenticated
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Parse:
		return "parse"
	case InsufficientData:
		return "insufficient_data"
	case ExternalService:
		return "external_service"
	case InvalidTransition:
		return "invalid_transition"
	case Unauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether any error in err's chain is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
