package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures reported by the core operations.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindNotAuthorized
	KindNoPendingRule
	KindRuleNotFound
	KindSessionUnavailable
	KindProtocolTransient
	KindProtocolPermanent
)

// String returns the kind name used in logs and API responses.
func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotAuthorized:
		return "not_authorized"
	case KindNoPendingRule:
		return "no_pending_rule"
	case KindRuleNotFound:
		return "rule_not_found"
	case KindSessionUnavailable:
		return "session_unavailable"
	case KindProtocolTransient:
		return "protocol_transient"
	case KindProtocolPermanent:
		return "protocol_permanent"
	default:
		return "internal"
	}
}

// Error is the structured error returned by the core.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an *Error. A nil err is allowed when the kind says everything.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in the chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
