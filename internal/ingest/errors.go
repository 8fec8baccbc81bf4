package ingest

import (
	"errors"
	"fmt"
)

// Kind classifies an ingestion failure so callers can branch without
// reading message text.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindSecurity    Kind = "security"
	KindParse       Kind = "parse"
	KindAnalysis    Kind = "analysis"
	KindStorage     Kind = "storage"
	KindTransition  Kind = "transition"
	KindUnavailable Kind = "unavailable"
	KindNotFound    Kind = "not_found"
	KindForbidden   Kind = "forbidden"
	KindInternal    Kind = "internal"
)

// Error is the tagged error returned by the Manager. Message is safe to
// show to the client; Err carries the internal cause for logs.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal for any other non-nil error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return KindInternal
}

// PublicMessage returns the client-safe message of err.
func PublicMessage(err error) string {
	var ie *Error
	if errors.As(err, &ie) && ie.Message != "" {
		return ie.Message
	}
	return "internal error"
}

func newError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}
