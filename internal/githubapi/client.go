package githubapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cam3ron2/pr-leaderboard/internal/credentials"
	"github.com/cam3ron2/pr-leaderboard/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultMaxCredentialAttempts = 3
	maxErrorBodyBytes            = 4096
)

// ClientConfig configures credential rotation and rate-limit handling.
type ClientConfig struct {
	// MaxCredentialAttempts bounds how many 401 responses one fetch tolerates.
	MaxCredentialAttempts int
	MinRateLimitWait      time.Duration
	// MaxRateLimitWait caps the total rate-limit wait of one fetch. Zero waits indefinitely.
	MaxRateLimitWait  time.Duration
	RotateOnRateLimit bool
}

// HTTPDoer is implemented by http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Recorder receives fetch outcomes for metrics.
type Recorder interface {
	ObserveRequest(endpoint, result string)
	ObserveRateLimitWait(endpoint string, wait time.Duration)
	ObserveCredentialInvalidated()
}

type nopRecorder struct{}

func (nopRecorder) ObserveRequest(string, string)              {}
func (nopRecorder) ObserveRateLimitWait(string, time.Duration) {}
func (nopRecorder) ObserveCredentialInvalidated()              {}

// CallMetadata reports execution metadata for a client call.
type CallMetadata struct {
	Attempts           int
	CredentialsRotated int
	RateLimitWaits     int
	TotalRateLimitWait time.Duration
	LastRateHeaders    RateLimitHeaders
	LastStatusCode     int
}

// Client issues authenticated GitHub GET requests, rotating pooled credentials on 401
// and waiting out 403 rate limits.
type Client struct {
	doer     HTTPDoer
	pool     credentials.Pool
	cfg      ClientConfig
	policy   RateLimitPolicy
	recorder Recorder
	logger   *zap.Logger

	// Sleep and Now are injected for testability.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// NewClient creates a GitHub API client over a credential pool.
func NewClient(doer HTTPDoer, pool credentials.Pool, cfg ClientConfig, recorder Recorder, logger ...*zap.Logger) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	if cfg.MaxCredentialAttempts <= 0 {
		cfg.MaxCredentialAttempts = defaultMaxCredentialAttempts
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}
	client := &Client{
		doer:     doer,
		pool:     pool,
		cfg:      cfg,
		recorder: recorder,
		logger:   baseLogger,
		Sleep:    sleepContext,
		Now:      time.Now,
	}
	client.policy = RateLimitPolicy{
		MinWait: cfg.MinRateLimitWait,
		Now:     func() time.Time { return client.Now() },
	}
	return client
}

// Get performs one logical GET. On success the caller owns the 2xx response body.
// The endpoint label is used for spans and metrics only.
func (c *Client) Get(ctx context.Context, endpoint, rawURL string) (*http.Response, CallMetadata, error) {
	metadata := CallMetadata{}
	if c == nil || c.pool == nil {
		return nil, metadata, fmt.Errorf("github client is not initialized")
	}

	var span trace.Span
	if telemetry.ShouldTraceDependencies() {
		ctx, span = otel.Tracer("pr-leaderboard/internal/githubapi").Start(
			ctx,
			"githubapi.client.get",
			trace.WithAttributes(
				attribute.String("github.endpoint", endpoint),
				attribute.Int("github.max_credential_attempts", c.cfg.MaxCredentialAttempts),
			),
		)
		defer span.End()
	}

	resp, err := c.get(ctx, endpoint, rawURL, &metadata, span)
	c.recorder.ObserveRequest(endpoint, Reason(err))
	if span != nil {
		span.SetAttributes(
			attribute.Int("github.attempts", metadata.Attempts),
			attribute.Int("github.credentials_rotated", metadata.CredentialsRotated),
			attribute.Int64("github.rate_limit_wait_ms", metadata.TotalRateLimitWait.Milliseconds()),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, Reason(err))
		} else {
			span.SetStatus(codes.Ok, "request completed")
		}
	}
	return resp, metadata, err
}

func (c *Client) get(ctx context.Context, endpoint, rawURL string, metadata *CallMetadata, span trace.Span) (*http.Response, error) {
	invalidated := 0
	token, err := c.pick(ctx, invalidated)
	if err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build github request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

		metadata.Attempts++
		resp, err := c.doer.Do(req)
		if err != nil {
			return nil, fmt.Errorf("github request %s: %w", endpoint, err)
		}
		if resp == nil {
			return nil, fmt.Errorf("github request %s: nil response", endpoint)
		}

		headers := ParseRateLimitHeaders(resp.Header, c.Now())
		metadata.LastRateHeaders = headers
		metadata.LastStatusCode = resp.StatusCode
		if span != nil {
			span.AddEvent("attempt_completed", trace.WithAttributes(
				attribute.Int("github.attempt", metadata.Attempts),
				attribute.Int("http.status_code", resp.StatusCode),
				attribute.Int("github.rate_limit_remaining", headers.Remaining),
			))
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			return resp, nil

		case resp.StatusCode == http.StatusUnauthorized:
			closeBody(resp)
			c.recorder.ObserveCredentialInvalidated()
			if err := c.pool.Invalidate(ctx, token); err != nil {
				c.logger.Warn("invalidate github credential failed",
					zap.String("credential", credentials.Redact(token)),
					zap.Error(err),
				)
			} else {
				c.logger.Info("github credential rejected; removed from pool",
					zap.String("credential", credentials.Redact(token)),
					zap.String("endpoint", endpoint),
				)
			}
			invalidated++
			if invalidated >= c.cfg.MaxCredentialAttempts {
				return nil, fmt.Errorf("%w: %w: %d credentials rejected", ErrAllCredentialsExhausted, ErrCredentialInvalid, invalidated)
			}
			token, err = c.pick(ctx, invalidated)
			if err != nil {
				return nil, err
			}
			metadata.CredentialsRotated++

		case resp.StatusCode == http.StatusForbidden:
			closeBody(resp)
			wait := c.policy.WaitFor(headers)
			if c.cfg.MaxRateLimitWait > 0 && metadata.TotalRateLimitWait+wait > c.cfg.MaxRateLimitWait {
				return nil, &RateLimitError{
					WaitFor:    wait,
					TotalWait:  metadata.TotalRateLimitWait,
					Budget:     c.cfg.MaxRateLimitWait,
					StatusCode: resp.StatusCode,
				}
			}
			c.logger.Warn("github rate limited; waiting",
				zap.String("endpoint", endpoint),
				zap.Duration("wait", wait),
				zap.Int("remaining", headers.Remaining),
				zap.Int64("reset_unix", headers.ResetUnix),
			)
			c.recorder.ObserveRateLimitWait(endpoint, wait)
			metadata.RateLimitWaits++
			metadata.TotalRateLimitWait += wait
			if err := c.Sleep(ctx, wait); err != nil {
				return nil, err
			}
			if c.cfg.RotateOnRateLimit {
				if next, err := c.pool.Pick(ctx); err == nil && next != token {
					token = next
					metadata.CredentialsRotated++
				}
			}

		default:
			body := readErrorBody(resp)
			return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: body, URL: rawURL}
		}
	}
}

func (c *Client) pick(ctx context.Context, invalidated int) (string, error) {
	token, err := c.pool.Pick(ctx)
	if errors.Is(err, credentials.ErrNoCredentials) {
		if invalidated > 0 {
			return "", fmt.Errorf("%w: %w: pool empty after %d rejections", ErrAllCredentialsExhausted, ErrCredentialInvalid, invalidated)
		}
		return "", ErrNoCredentialsAvailable
	}
	if err != nil {
		return "", fmt.Errorf("pick github credential: %w", err)
	}
	return token, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
		_ = resp.Body.Close()
	}
}

func readErrorBody(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// GetJSON performs Get and decodes the 2xx body into target.
func (c *Client) GetJSON(ctx context.Context, endpoint, rawURL string, target any) (CallMetadata, error) {
	resp, metadata, err := c.Get(ctx, endpoint, rawURL)
	if err != nil {
		return metadata, err
	}
	if err := decodeJSONAndClose(resp, target); err != nil {
		return metadata, fmt.Errorf("%w %s: %w", errDecode, endpoint, err)
	}
	return metadata, nil
}
