package wren

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a relay failure by where it originated.
type ErrorKind int

const (
	// KindValidation is a malformed or incomplete caller request. It never
	// reaches the upstream.
	KindValidation ErrorKind = iota + 1
	// KindUpstream is a status >= 400 reported by the upstream.
	KindUpstream
	// KindTransport covers network faults, timeouts and undecodable
	// upstream bodies.
	KindTransport
	// KindStreamInterrupted is a failure detected after a stream started.
	// It is only ever delivered in-band as the terminal SSE frame.
	KindStreamInterrupted
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUpstream:
		return "upstream"
	case KindTransport:
		return "transport"
	case KindStreamInterrupted:
		return "stream_interrupted"
	default:
		return "unknown"
	}
}

// Error is the caller-facing failure produced by the relays. Status is the
// HTTP status to answer with and Detail the message rendered to the caller.
type Error struct {
	Kind   ErrorKind
	Status int
	Detail string

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error (HTTP %d): %s", e.Kind, e.Status, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func validationError(detail string) *Error {
	return &Error{Kind: KindValidation, Status: http.StatusBadRequest, Detail: detail}
}

// internalError builds the generic 500 answer. The description is kept
// short; the underlying cause is only reachable through Unwrap.
func internalError(description string, cause error) *Error {
	return &Error{
		Kind:   KindTransport,
		Status: http.StatusInternalServerError,
		Detail: "Internal server error: " + description,
		cause:  cause,
	}
}

// AsError reports whether err carries a *Error and returns it.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
