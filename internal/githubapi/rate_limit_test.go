package githubapi

import (
	"net/http"
	"testing"
	"time"
)

func TestParseRateLimitHeaders(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 2, 18, 0, 0, 0, 0, time.UTC)
	testCases := []struct {
		name    string
		headers map[string]string
		want    RateLimitHeaders
	}{
		{
			name: "parses_standard_headers",
			headers: map[string]string{
				"X-RateLimit-Limit":     "5000",
				"X-RateLimit-Remaining": "4999",
				"X-RateLimit-Reset":     "1739837000",
				"X-RateLimit-Used":      "1",
				"X-RateLimit-Resource":  "core",
			},
			want: RateLimitHeaders{
				Limit:     5000,
				Remaining: 4999,
				Used:      1,
				ResetUnix: 1739837000,
				Resource:  "core",
			},
		},
		{
			name:    "parses_retry_after_seconds",
			headers: map[string]string{"Retry-After": "60"},
			want:    RateLimitHeaders{RetryAfter: 60 * time.Second, HasRetryAfter: true},
		},
		{
			name:    "parses_retry_after_http_date",
			headers: map[string]string{"Retry-After": now.Add(90 * time.Second).Format(http.TimeFormat)},
			want:    RateLimitHeaders{RetryAfter: 90 * time.Second, HasRetryAfter: true},
		},
		{
			name:    "keeps_zero_retry_after",
			headers: map[string]string{"Retry-After": "0"},
			want:    RateLimitHeaders{HasRetryAfter: true},
		},
		{
			name:    "past_http_date_means_retry_now",
			headers: map[string]string{"Retry-After": now.Add(-time.Minute).Format(http.TimeFormat)},
			want:    RateLimitHeaders{HasRetryAfter: true},
		},
		{
			name:    "ignores_negative_retry_after",
			headers: map[string]string{"Retry-After": "-5"},
			want:    RateLimitHeaders{},
		},
		{
			name: "handles_invalid_values_safely",
			headers: map[string]string{
				"X-RateLimit-Remaining": "abc",
				"X-RateLimit-Reset":     "xyz",
				"Retry-After":           "nan",
			},
			want: RateLimitHeaders{},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			header := make(http.Header)
			for key, value := range tc.headers {
				header.Set(key, value)
			}
			got := ParseRateLimitHeaders(header, now)
			if got != tc.want {
				t.Fatalf("ParseRateLimitHeaders() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestRateLimitPolicyWaitFor(t *testing.T) {
	t.Parallel()

	now := time.Unix(1739836800, 0)
	testCases := []struct {
		name    string
		policy  RateLimitPolicy
		headers RateLimitHeaders
		want    time.Duration
	}{
		{
			name:    "retry_after_is_used_literally",
			headers: RateLimitHeaders{RetryAfter: 5 * time.Second, HasRetryAfter: true, ResetUnix: now.Add(time.Hour).Unix()},
			want:    5 * time.Second,
		},
		{
			name:    "zero_retry_after_retries_immediately",
			headers: RateLimitHeaders{HasRetryAfter: true, ResetUnix: now.Add(time.Hour).Unix()},
			want:    0,
		},
		{
			name:    "reset_soon_is_floored_to_minimum",
			headers: RateLimitHeaders{ResetUnix: now.Add(30 * time.Second).Unix()},
			want:    60 * time.Second,
		},
		{
			name:    "reset_later_waits_until_reset",
			headers: RateLimitHeaders{ResetUnix: now.Add(15 * time.Minute).Unix()},
			want:    15 * time.Minute,
		},
		{
			name:    "reset_in_past_waits_minimum",
			headers: RateLimitHeaders{ResetUnix: now.Add(-time.Minute).Unix()},
			want:    60 * time.Second,
		},
		{
			name:    "no_headers_waits_minimum",
			headers: RateLimitHeaders{},
			want:    60 * time.Second,
		},
		{
			name:    "configured_minimum",
			policy:  RateLimitPolicy{MinWait: 2 * time.Minute},
			headers: RateLimitHeaders{ResetUnix: now.Add(30 * time.Second).Unix()},
			want:    2 * time.Minute,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			policy := tc.policy
			policy.Now = func() time.Time { return now }
			if got := policy.WaitFor(tc.headers); got != tc.want {
				t.Fatalf("WaitFor() = %s, want %s", got, tc.want)
			}
		})
	}
}
