package scroll

import (
	"errors"
	"fmt"
)

var (
	// ErrEndOfSequence is returned by Next once every item was delivered.
	ErrEndOfSequence = errors.New("end of scroll sequence")

	// ErrDiscarded is returned by an iterator that already failed.
	ErrDiscarded = errors.New("scroll sequence discarded after failure")

	// ErrConsistency tags violations of the sequence invariants.
	ErrConsistency = errors.New("scroll consistency violation")
)

// Kind classifies a scroll failure.
type Kind int

const (
	// KindTransient means a page fetch failed; restarting the sequence from
	// scratch may succeed.
	KindTransient Kind = iota + 1

	// KindFatal means the service violated the sequence invariants.
	KindFatal
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a failure of a scroll sequence.
type Error struct {
	Kind  Kind
	Query string
	Err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("scroll %s failure for query %q: %v", e.Kind, e.Query, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a transient scroll failure.
func IsTransient(err error) bool {
	var scrollErr *Error
	return errors.As(err, &scrollErr) && scrollErr.Kind == KindTransient
}

// IsFatal reports whether err is a fatal scroll failure.
func IsFatal(err error) bool {
	var scrollErr *Error
	return errors.As(err, &scrollErr) && scrollErr.Kind == KindFatal
}

func transient(query string, err error) *Error {
	return &Error{Kind: KindTransient, Query: query, Err: err}
}

func violation(query string, format string, args ...any) *Error {
	return &Error{
		Kind:  KindFatal,
		Query: query,
		Err:   fmt.Errorf("%w: %s", ErrConsistency, fmt.Sprintf(format, args...)),
	}
}
