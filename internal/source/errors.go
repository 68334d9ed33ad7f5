package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// FailureKind classifies why a fetch failed.
type FailureKind int

const (
	Unavailable FailureKind = iota
	Timeout
	RateLimited
	SchemaError
)

func (k FailureKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case RateLimited:
		return "rate_limited"
	case SchemaError:
		return "schema_error"
	default:
		return "unavailable"
	}
}

// FetchError is the error every adapter reports.
type FetchError struct {
	Kind FailureKind
	// RetryAfter is the provider-declared delay for RateLimited, zero if none.
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Failure wraps err as a FetchError of kind.
func Failure(kind FailureKind, err error) *FetchError {
	return &FetchError{Kind: kind, Err: err}
}

// Failuref formats a FetchError of kind.
func Failuref(kind FailureKind, format string, args ...any) *FetchError {
	return &FetchError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the failure kind of err. Errors that are not FetchErrors
// are classified from context and network errors, defaulting to Unavailable.
func KindOf(err error) FailureKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout
	}
	return Unavailable
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) != SchemaError
}

// IsPermanent reports whether err means the provider's data cannot be parsed.
func IsPermanent(err error) bool {
	return err != nil && KindOf(err) == SchemaError
}

// FromStatus maps an HTTP status to a FetchError. header supplies Retry-After
// for 429 and 503 responses. It returns nil for 2xx.
func FromStatus(status int, header http.Header, what string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return &FetchError{
			Kind:       RateLimited,
			RetryAfter: parseRetryAfter(header.Get("Retry-After")),
			Err:        fmt.Errorf("%s: status %d", what, status),
		}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return Failuref(Timeout, "%s: status %d", what, status)
	case status == http.StatusServiceUnavailable:
		return &FetchError{
			Kind:       Unavailable,
			RetryAfter: parseRetryAfter(header.Get("Retry-After")),
			Err:        fmt.Errorf("%s: status %d", what, status),
		}
	default:
		return Failuref(Unavailable, "%s: status %d", what, status)
	}
}

// parseRetryAfter understands both delay-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
