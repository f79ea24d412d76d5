// Package signerr defines the failure kinds surfaced by the signing service
// and their HTTP status mapping.
package signerr

import (
	"errors"
	"net/http"
)

type Kind string

const (
	InvalidInput           Kind = "InvalidInput"
	RateLimited            Kind = "RateLimited"
	SignerUnavailable      Kind = "SignerUnavailable"
	ProxyUnavailable       Kind = "ProxyUnavailable"
	SignerInvocationFailed Kind = "SignerInvocationFailed"
	EmptyResult            Kind = "EmptyResult"
	UnnormalizableOutput   Kind = "UnnormalizableOutput"
	InitFailed             Kind = "InitFailed"
	LoadFailed             Kind = "LoadFailed"
	Internal               Kind = "Internal"
)

// Error is a classified failure. Raw carries the backend output for
// normalization failures so it can be echoed back for diagnostics.
type Error struct {
	Kind    Kind
	Message string
	Err     error
	Raw     any
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so errors.Is(err, signerr.New(k, ""))
// works as a kind test.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func Status(kind Kind) int {
	switch kind {
	case InvalidInput:
		return http.StatusBadRequest
	case RateLimited:
		return http.StatusTooManyRequests
	case SignerUnavailable:
		return http.StatusServiceUnavailable
	case ProxyUnavailable:
		return http.StatusBadGateway
	case "":
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
