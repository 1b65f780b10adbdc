package executor

import (
	"errors"
	"fmt"
)

// Kind classifies an action failure.
//
// Transient covers connectivity-class problems (connection reset, timeout,
// 5xx); AuthFailure covers token invalidation and revoked credentials.
// Both interrupt bulk work. Permanent means the individual action was
// rejected and retrying the same call is pointless.
type Kind int

const (
	KindPermanent Kind = iota
	KindTransient
	KindAuthFailure
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthFailure:
		return "auth_failure"
	default:
		return "permanent"
	}
}

// Error is the error type returned by executors for failed actions.
type Error struct {
	Kind   Kind
	Action string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("executor: %s: %s: %v", e.Action, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Permanent wraps err as an ordinary per-item failure.
func Permanent(action string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPermanent, Action: action, Err: err}
}

// Transient wraps err as a connectivity-class failure.
func Transient(action string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Action: action, Err: err}
}

// AuthFailure wraps err as a credential-class failure.
func AuthFailure(action string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindAuthFailure, Action: action, Err: err}
}

// KindOf extracts the failure kind; unclassified errors count as permanent.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindPermanent
}

// IsTransport reports whether err should interrupt bulk work rather than be
// recorded as a single failed item.
func IsTransport(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindAuthFailure
}
