package syncerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for callers that must branch on it.
type Kind string

const (
	Network       Kind = "network"
	Auth          Kind = "auth"
	StoreWrite    Kind = "store_write"
	QuotaExceeded Kind = "quota_exceeded"
	Invalid       Kind = "invalid"
)

var (
	ErrNetwork       = errors.New("network error")
	ErrAuth          = errors.New("auth error")
	ErrStoreWrite    = errors.New("store write error")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrInvalid       = errors.New("invalid input")
)

// Error is a classified failure. Op names the operation that failed.
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

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target == sentinel(e.Kind)
}

func sentinel(k Kind) error {
	switch k {
	case Network:
		return ErrNetwork
	case Auth:
		return ErrAuth
	case StoreWrite:
		return ErrStoreWrite
	case QuotaExceeded:
		return ErrQuotaExceeded
	case Invalid:
		return ErrInvalid
	}
	return nil
}

// New wraps err with a kind. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) && existing.Kind == kind {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of a classified error, or "" when err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether err is a transient failure worth retrying.
// Context cancellation is never retryable.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrNetwork)
}
