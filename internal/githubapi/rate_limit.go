package githubapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultMinRateLimitWait = 60 * time.Second

// RateLimitHeaders contains parsed GitHub rate-limit response headers.
type RateLimitHeaders struct {
	Limit      int
	Remaining  int
	Used       int
	ResetUnix  int64
	Resource   string
	RetryAfter time.Duration
	// HasRetryAfter is true when a parseable Retry-After header was sent, including 0.
	HasRetryAfter bool
}

// RateLimitPolicy computes how long to wait after a 403 response.
type RateLimitPolicy struct {
	// MinWait is the floor applied when no Retry-After header is present.
	MinWait time.Duration
	Now     func() time.Time
}

// ParseRateLimitHeaders parses rate-limit and retry headers.
func ParseRateLimitHeaders(header http.Header, now time.Time) RateLimitHeaders {
	parsed := RateLimitHeaders{}
	parsed.Limit = parseInt(header.Get("X-RateLimit-Limit"))
	parsed.Remaining = parseInt(header.Get("X-RateLimit-Remaining"))
	parsed.Used = parseInt(header.Get("X-RateLimit-Used"))
	parsed.ResetUnix = parseInt64(header.Get("X-RateLimit-Reset"))
	parsed.Resource = strings.TrimSpace(header.Get("X-RateLimit-Resource"))
	parsed.RetryAfter, parsed.HasRetryAfter = parseRetryAfter(header.Get("Retry-After"), now)
	return parsed
}

// WaitFor returns the Retry-After value when present, otherwise the time until the
// rate-limit reset, floored at MinWait.
func (p RateLimitPolicy) WaitFor(headers RateLimitHeaders) time.Duration {
	if headers.HasRetryAfter {
		return max(headers.RetryAfter, 0)
	}

	minWait := p.MinWait
	if minWait <= 0 {
		minWait = defaultMinRateLimitWait
	}
	if headers.ResetUnix <= 0 {
		return minWait
	}

	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	untilReset := time.Unix(headers.ResetUnix, 0).Sub(now)
	if untilReset > minWait {
		return untilReset
	}
	return minWait
}

func parseRetryAfter(raw string, now time.Time) (time.Duration, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(trimmed); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(trimmed); err == nil {
		return max(at.Sub(now).Round(time.Second), 0), true
	}
	return 0, false
}

func parseInt(raw string) int {
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return parsed
}

func parseInt64(raw string) int64 {
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
