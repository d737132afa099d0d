package githubapi

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCredentialInvalid marks a 401 response; the credential was removed from the pool.
	ErrCredentialInvalid = errors.New("github credential invalid")
	// ErrRateLimited marks a 403 response that the caller should wait out.
	ErrRateLimited = errors.New("github rate limited")
	// ErrNoCredentialsAvailable is returned when the pool is empty before any attempt.
	ErrNoCredentialsAvailable = errors.New("no github credentials available")
	// ErrAllCredentialsExhausted is returned when credential rotation ran out of tokens or attempts.
	ErrAllCredentialsExhausted = errors.New("github credentials exhausted")
)

// RateLimitError carries the recommended wait for a rate-limited request.
// It is only returned when the configured total wait budget would be exceeded.
type RateLimitError struct {
	WaitFor    time.Duration
	TotalWait  time.Duration
	Budget     time.Duration
	StatusCode int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf(
		"github rate limited: wait %s exceeds remaining budget (waited %s of %s)",
		e.WaitFor, e.TotalWait, e.Budget,
	)
}

// Is reports whether target is ErrRateLimited.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// UpstreamError is a non-2xx response that is neither 401 nor 403.
type UpstreamError struct {
	StatusCode int
	Body       string
	URL        string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("github upstream status %d for %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("github upstream status %d for %s: %s", e.StatusCode, e.URL, e.Body)
}

// Reason returns a low-cardinality label describing err for logs and metrics.
func Reason(err error) string {
	if err == nil {
		return "ok"
	}
	var upstream *UpstreamError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, ErrNoCredentialsAvailable):
		return "no_credentials"
	case errors.Is(err, ErrAllCredentialsExhausted):
		return "credentials_exhausted"
	case errors.Is(err, ErrRateLimited):
		return "rate_limit_budget"
	case errors.As(err, &upstream):
		return fmt.Sprintf("upstream_%d", upstream.StatusCode)
	case errors.Is(err, errDecode):
		return "decode"
	default:
		return "transport"
	}
}

var errDecode = errors.New("decode github response")
