package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a provider failure.
type Kind string

const (
	KindAuth        Kind = "auth"
	KindNotFound    Kind = "not_found"
	KindRateLimited Kind = "rate_limited"
	KindTimeout     Kind = "timeout"
	KindTransport   Kind = "transport"
	KindUnknown     Kind = "unknown"
)

// Terminal reports whether failures of this kind must skip the retry budget.
func (k Kind) Terminal() bool {
	return k == KindAuth || k == KindNotFound
}

// Retryable reports whether failures of this kind are transient.
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindTimeout || k == KindTransport
}

// Error is a classified failure from one provider.
type Error struct {
	Provider string
	Kind     Kind
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("provider: %s (%s)", e.Provider, e.Kind)
	}
	return fmt.Sprintf("provider: %s (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError wraps err for provider name, classifying it unless it already is a *Error.
func NewError(name string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Provider: name, Kind: Classify(err), Err: err}
}

// httpStatusCoder is implemented by upstream errors that carry an HTTP status.
type httpStatusCoder interface {
	HTTPStatusCode() int
}

// KindOf returns the kind of err, classifying it if needed.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return Classify(err)
}

// Classify maps an arbitrary error to a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var sc httpStatusCoder
	if errors.As(err, &sc) {
		return KindFromStatus(sc.HTTPStatusCode())
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindTransport
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return KindTransport
	}
	return KindUnknown
}

// KindFromStatus maps an HTTP status code to a Kind.
func KindFromStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindTransport
	default:
		return KindUnknown
	}
}
