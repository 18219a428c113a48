// Package generr defines the error taxonomy shared by provider adapters,
// the retrying transport, the poll loop and the orchestrator.
//
// Every failure that crosses a package boundary on the generation path is an
// *Error carrying a Kind. Callers branch on the Kind (KindOf, IsRetryable)
// rather than on provider-specific codes or messages.
package generr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a generation failure.
type Kind string

// Error kinds.
const (
	KindAuth               Kind = "AUTH"
	KindRateLimited        Kind = "RATE_LIMITED"
	KindTransient          Kind = "TRANSIENT"
	KindPermanent          Kind = "PERMANENT"
	KindUnexpectedEnvelope Kind = "UNEXPECTED_ENVELOPE"
	KindUnknownState       Kind = "UNKNOWN_STATE"
	KindTimeout            Kind = "TIMEOUT"
	KindFailed             Kind = "FAILED"
	KindCancelled          Kind = "CANCELLED"
	KindInvalidRequest     Kind = "INVALID_REQUEST"
	KindInternal           Kind = "INTERNAL"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrAuth               = &Error{Kind: KindAuth}
	ErrRateLimited        = &Error{Kind: KindRateLimited}
	ErrTransient          = &Error{Kind: KindTransient}
	ErrPermanent          = &Error{Kind: KindPermanent}
	ErrUnexpectedEnvelope = &Error{Kind: KindUnexpectedEnvelope}
	ErrUnknownState       = &Error{Kind: KindUnknownState}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrFailed             = &Error{Kind: KindFailed}
	ErrCancelled          = &Error{Kind: KindCancelled}
	ErrInvalidRequest     = &Error{Kind: KindInvalidRequest}
)

// Error is a classified generation failure.
type Error struct {
	Kind Kind
	// Provider is the adapter name that produced the error, if any.
	Provider string
	// StatusCode is the HTTP status of the failing response, if any.
	StatusCode int
	// Code is the provider business code from a wrapped envelope, if any.
	Code string
	// Message is the provider's own message, kept verbatim.
	Message string
	// Hint overrides the default user-facing guidance for the kind.
	Hint string
	// RetryAfter is the provider-requested delay for rate limiting.
	RetryAfter time.Duration
	Err        error
}

// New creates an error of the given kind.
func New(kind Kind, provider, message string) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, provider string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(strings.ToLower(string(e.Kind)))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [code %s]", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Provider == "" && t.Message == "" && t.Err == nil
}

// KindOf returns the kind of err. Context errors map to KindCancelled and
// KindTimeout; anything unclassified is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternal
}

// IsRetryable reports whether the transport may repeat a call that failed
// with err.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited, KindUnexpectedEnvelope:
		return true
	}
	return false
}

// RetryAfterOf returns the provider-requested delay carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.RetryAfter
	}
	return 0
}

// FromContext classifies a context error.
func FromContext(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, "", err)
	}
	return Wrap(KindCancelled, "", err)
}
