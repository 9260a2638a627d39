package completion

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrMissingCredential is returned when no API key resolves for the caller.
// It is an error state for the overlay, never fatal.
var ErrMissingCredential = &Error{Kind: KindMissingCredential, Msg: "API key not found"}

type Kind int

const (
	KindMissingCredential Kind = iota + 1
	KindNetwork
	KindStatus
)

func (k Kind) String() string {
	switch k {
	case KindMissingCredential:
		return "missing_credential"
	case KindNetwork:
		return "network"
	case KindStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Error is a classified completion failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "completion: " + e.Msg + ": " + e.Err.Error()
	}
	return "completion: " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage is the short text shown in the overlay.
func (e *Error) UserMessage() string { return e.Msg }

// Is matches on Kind so wrapped copies still compare equal to ErrMissingCredential.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Msg == e.Msg
}

// APIError is a non-2xx response from the completion endpoint.
type APIError struct {
	Status  int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("completion api: http=%d type=%s: %s", e.Status, e.Type, e.Message)
	}
	return fmt.Sprintf("completion api: http=%d", e.Status)
}

func (e *APIError) UserMessage() string {
	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return "API key rejected"
	case http.StatusTooManyRequests:
		return "rate limited, try again later"
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		return msg
	}
	return fmt.Sprintf("request failed (%d)", e.Status)
}

// IsNetwork reports whether err is a transport or status failure.
func IsNetwork(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == KindNetwork || ce.Kind == KindStatus
	}
	var ae *APIError
	return errors.As(err, &ae)
}
