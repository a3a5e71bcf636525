package portal

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies the outcome of a portal call. The hunt orchestrator decides
// how long to wait, and whether to log in again, from the Kind alone.
type Kind int

const (
	KindUnknown Kind = iota
	// KindRateLimited is an HTTP 429. Always recoverable by waiting.
	KindRateLimited
	// KindBlocked means the portal has no usable result for this session or
	// location, or refused the credentials outright.
	KindBlocked
	// KindTransport is any unexpected status or an unparseable response.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate-limited"
	case KindBlocked:
		return "blocked"
	case KindTransport:
		return "transport"
	}
	return "unknown"
}

var (
	ErrNoAuthenticityToken  = errors.New("no authenticity token on page")
	ErrMissingSessionCookie = errors.New("booking page did not set a session cookie")
	ErrNoQualifyingDate     = errors.New("no date on or after the minimum date")
)

// Error is a classified portal failure.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("portal %s: %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status=%d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

func IsRateLimited(err error) bool { return KindOf(err) == KindRateLimited }

func IsBlocked(err error) bool { return KindOf(err) == KindBlocked }

func transportErr(op string, status int, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Status: status, Err: err}
}

// statusErr classifies an unexpected HTTP status.
func statusErr(op string, status int) *Error {
	if status == http.StatusTooManyRequests {
		return &Error{Kind: KindRateLimited, Op: op, Status: status}
	}
	return transportErr(op, status, nil)
}
