package portal

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the protocol layer. Matched with errors.Is.
var (
	// ErrEndpointNotFound: the resolver exhausted every candidate API path.
	ErrEndpointNotFound = errors.New("no working portal endpoint found")
	// ErrInvalidSessionState: a session operation was called from a state
	// that does not permit it. Programming error; never retried internally.
	ErrInvalidSessionState = errors.New("invalid session state")
	// ErrTokenExpired: an authenticated call was rejected by the portal.
	// Recoverable: re-handshake and re-authenticate, then retry.
	ErrTokenExpired = errors.New("session token expired")
)

// ErrorKind classifies a transport-level failure.
type ErrorKind string

const (
	KindTimeout           ErrorKind = "timeout"
	KindConnectionFailed  ErrorKind = "connection_failed"
	KindRateLimited       ErrorKind = "rate_limited"
	KindServerError       ErrorKind = "server_error"
	KindMalformedResponse ErrorKind = "malformed_response"
)

// TransportError is any failure between issuing an HTTP request and decoding
// a well-formed envelope. The transport never retries; callers decide based
// on Kind (only the batch prober retries, and only KindRateLimited).
type TransportError struct {
	Kind   ErrorKind
	Op     string // e.g. "stb/handshake"
	Status int    // HTTP status when one was received, else 0
	// RetryAfter is the parsed Retry-After header on a 429, 0 when absent.
	RetryAfter time.Duration
	Err        error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("portal %s: %s (HTTP %d)", e.Op, e.Kind, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("portal %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("portal %s: %s", e.Op, e.Kind)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsKind reports whether err is a TransportError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == kind
}
