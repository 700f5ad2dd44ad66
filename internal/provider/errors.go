package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"syscall"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Class is the failure class of a provider error.
type Class int

const (
	// ClassTransient covers timeouts, connection failures, 5xx and
	// malformed responses. The chain moves to the next candidate.
	ClassTransient Class = iota + 1

	// ClassQuota means the provider is out of quota or rate limited.
	// The provider is demoted for the rest of the process lifetime.
	ClassQuota

	// ClassFatal is anything else.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassQuota:
		return "quota"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	// ErrMalformedResponse is returned when a backend answers with a body
	// that cannot be decoded or carries no text.
	ErrMalformedResponse = errors.New("malformed provider response")

	// ErrNotConfigured is returned by Probe when required settings are missing.
	ErrNotConfigured = errors.New("provider not configured")

	// ErrInvalidCredential is returned by Probe for a malformed API key.
	ErrInvalidCredential = errors.New("invalid credential format")
)

// StatusError is a non-2xx HTTP answer from a backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// Error is a classified provider failure.
type Error struct {
	Provider domain.ProviderKind
	Class    Class
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// wrap classifies err and attaches the provider identity.
func wrap(kind domain.ProviderKind, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Provider: kind, Class: Classify(err), Err: err}
}

var quotaMarkers = []string{
	"quota",
	"rate limit",
	"rate_limit",
	"insufficient_quota",
	"credit balance",
	"too many requests",
}

// Classify maps a provider failure to its class. Quota signals win over
// everything else so a 5xx carrying a quota message still demotes.
func Classify(err error) Class {
	if err == nil {
		return 0
	}

	var pe *Error
	if errors.As(err, &pe) && pe.Class != 0 {
		return pe.Class
	}

	var se *StatusError
	if errors.As(err, &se) && (se.Code == 429 || se.Code == 402) {
		return ClassQuota
	}

	msg := strings.ToLower(err.Error())
	for _, m := range quotaMarkers {
		if strings.Contains(msg, m) {
			return ClassQuota
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ClassTransient
	case errors.Is(err, ErrMalformedResponse):
		return ClassTransient
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return ClassTransient
	}

	if se != nil && se.Code >= 500 {
		return ClassTransient
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return ClassTransient
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassTransient
	}

	// A CLI killed by its context reports an ExitError with a signal.
	var ee *exec.ExitError
	if errors.As(err, &ee) && !ee.Exited() {
		return ClassTransient
	}

	return ClassFatal
}
