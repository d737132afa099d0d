// Package app wires storage, credentials, the ingestion pipeline and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cam3ron2/pr-leaderboard/internal/allowlist"
	"github.com/cam3ron2/pr-leaderboard/internal/auth"
	"github.com/cam3ron2/pr-leaderboard/internal/config"
	"github.com/cam3ron2/pr-leaderboard/internal/credentials"
	"github.com/cam3ron2/pr-leaderboard/internal/githubapi"
	"github.com/cam3ron2/pr-leaderboard/internal/health"
	"github.com/cam3ron2/pr-leaderboard/internal/leaderboard"
	"github.com/cam3ron2/pr-leaderboard/internal/metrics"
	"github.com/cam3ron2/pr-leaderboard/internal/model"
	"github.com/cam3ron2/pr-leaderboard/internal/reconcile"
	"github.com/cam3ron2/pr-leaderboard/internal/scheduler"
	"github.com/cam3ron2/pr-leaderboard/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// unhealthyFailureStreak is the consecutive failed cycle count that degrades health.
const unhealthyFailureStreak = 3

// LeaderboardReader reads the persisted board.
type LeaderboardReader interface {
	Leaderboard(ctx context.Context) ([]model.LeaderboardEntry, time.Time, error)
}

// Options overrides external connections, mainly for tests.
type Options struct {
	// HTTPClient performs GitHub API calls. Defaults to a client with the configured timeout.
	HTTPClient *http.Client
	// RedisClient replaces the configured redis connection for the credential pool.
	RedisClient redis.UniversalClient
	// OAuthEndpoint replaces the github.com OAuth endpoints.
	OAuthEndpoint *oauth2.Endpoint
}

// Runtime is the application runtime orchestrator.
type Runtime struct {
	cfg         *config.Config
	store       *store.SQLite
	credentials credentialBackend
	metrics     *metrics.Registry
	scheduler   *scheduler.Scheduler
	authHandler *auth.Handler
	evaluator   *health.StatusEvaluator
	logger      *zap.Logger

	mu            sync.RWMutex
	githubHealthy bool
}

// NewRuntime opens storage and builds every pipeline component from cfg.
func NewRuntime(ctx context.Context, cfg *config.Config, opts Options, logger ...*zap.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}

	st, err := store.Open(ctx, cfg.Storage.Path, baseLogger.Named("store"))
	if err != nil {
		return nil, err
	}

	// The refresher is built after the pool it feeds; the hook only runs once requests start.
	var refresher *credentials.Refresher
	forget := func(token string) { refresher.Forget(token) }
	backend := newCredentialBackend(ctx, cfg.Credentials, opts.RedisClient, invalidateStored(st, forget, baseLogger), baseLogger)
	sources, err := newCredentialSources(cfg, st)
	if err != nil {
		_ = backend.close()
		_ = st.Close()
		return nil, err
	}

	registry := metrics.New(backend.pool)
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.GitHub.RequestTimeout}
	}
	client := githubapi.NewClient(httpClient, backend.pool, githubapi.ClientConfig{
		MaxCredentialAttempts: cfg.GitHub.MaxCredentialAttempts,
		MinRateLimitWait:      cfg.GitHub.MinRateLimitWait,
		MaxRateLimitWait:      cfg.GitHub.MaxRateLimitWait,
		RotateOnRateLimit:     cfg.GitHub.RotateOnRateLimit,
	}, registry, baseLogger.Named("github"))
	dataClient, err := githubapi.NewDataClient(cfg.GitHub.APIBaseURL, client)
	if err != nil {
		_ = backend.close()
		_ = st.Close()
		return nil, err
	}

	r := &Runtime{
		cfg:           cfg,
		store:         st,
		credentials:   backend,
		metrics:       registry,
		evaluator:     health.NewStatusEvaluator(),
		logger:        baseLogger,
		githubHealthy: true,
	}

	reconciler := reconcile.New(
		dataClient,
		st,
		allowlist.NewLoader(cfg.Allowlist.Path, cfg.Allowlist.Repos),
		reconcile.Config{RefreshClosed: cfg.Reconcile.RefreshClosed},
		registry,
		baseLogger.Named("reconcile"),
	)
	aggregator := leaderboard.NewAggregator(
		st,
		leaderboard.Policy{Merged: cfg.Points.Merged, Other: cfg.Points.Other},
		registry,
		baseLogger.Named("leaderboard"),
	)
	refresher = credentials.NewRefresher(backend.pool, sources, baseLogger.Named("credentials"))
	r.scheduler = scheduler.New(
		scheduler.Config{
			Interval:    cfg.Schedule.Interval,
			BackoffBase: cfg.Schedule.BackoffBase,
			BackoffMax:  cfg.Schedule.BackoffMax,
		},
		st,
		refresher,
		&observedReconciler{inner: reconciler, observe: r.observeReconcile},
		aggregator,
		registry,
		baseLogger.Named("scheduler"),
	)

	if cfg.OAuth.Enabled() {
		var endpoint []oauth2.Endpoint
		if opts.OAuthEndpoint != nil {
			endpoint = append(endpoint, *opts.OAuthEndpoint)
		}
		provider := auth.NewGitHubProvider(cfg.OAuth.ClientID, cfg.OAuth.ClientSecret, cfg.OAuth.RedirectURL, endpoint...)
		registrar := auth.NewRegistrar(
			auth.GitHubUserLookup{APIBaseURL: cfg.GitHub.APIBaseURL, Timeout: cfg.GitHub.RequestTimeout},
			st,
			baseLogger.Named("auth"),
		)
		r.authHandler = auth.NewHandler(provider, registrar, baseLogger.Named("auth"))
	}

	baseLogger.Info("runtime initialized",
		zap.String("storage", cfg.Storage.Path),
		zap.String("credential_backend", backend.backend),
		zap.Int("credential_sources", len(sources)),
		zap.Bool("oauth_enabled", r.authHandler != nil),
	)
	return r, nil
}

// Handler returns the combined HTTP handler.
func (r *Runtime) Handler() http.Handler {
	routes := Routes{
		Leaderboard: newLeaderboardHandler(r.store, r.logger),
		Metrics:     r.metrics.Handler(),
		Health:      health.NewHandler(r),
	}
	if r.authHandler != nil {
		routes.Login = http.HandlerFunc(r.authHandler.Login)
		routes.Callback = http.HandlerFunc(r.authHandler.Callback)
	}
	return NewHTTPHandler(routes)
}

// Run drives ingestion cycles until ctx is canceled.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info("starting ingestion loop",
		zap.Duration("interval", r.cfg.Schedule.Interval),
		zap.Bool("refresh_closed", r.cfg.Reconcile.RefreshClosed),
	)
	return r.scheduler.Run(ctx)
}

// RunOnce runs a single ingestion cycle.
func (r *Runtime) RunOnce(ctx context.Context) (scheduler.Report, error) {
	return r.scheduler.RunOnce(ctx)
}

// Store exposes the runtime storage.
func (r *Runtime) Store() *store.SQLite {
	return r.store
}

// Close releases the credential backend and storage.
func (r *Runtime) Close() error {
	return errors.Join(r.credentials.close(), r.store.Close())
}

// CurrentStatus returns current health status.
func (r *Runtime) CurrentStatus(ctx context.Context) health.Status {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	schedulerStatus := r.scheduler.Status()
	input := health.Input{
		StorageHealthy:           r.store.Ping(checkCtx) == nil,
		CredentialBackendHealthy: true,
		SchedulerRunning:         schedulerStatus.State == scheduler.StateRunning,
		SchedulerHealthy:         schedulerStatus.ConsecutiveFailures < unhealthyFailureStreak,
		LastSuccess:              schedulerStatus.LastSuccess,
		ConsecutiveFailures:      schedulerStatus.ConsecutiveFailures,
	}
	size, err := r.credentials.pool.Size(checkCtx)
	if err != nil {
		input.CredentialBackendHealthy = false
	}
	input.CredentialsAvailable = err == nil && size > 0

	r.mu.RLock()
	input.GitHubHealthy = r.githubHealthy
	r.mu.RUnlock()
	return r.evaluator.Evaluate(input)
}

// observeReconcile marks GitHub unhealthy when every listed repository failed.
func (r *Runtime) observeReconcile(result reconcile.Result, err error) {
	if err != nil {
		return
	}
	attempted, failed := 0, 0
	for _, outcome := range result.Repos {
		if outcome.Status == reconcile.RepoInvalid {
			continue
		}
		attempted++
		if outcome.Status == reconcile.RepoFailed {
			failed++
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.githubHealthy = attempted == 0 || failed < attempted
}

type observedReconciler struct {
	inner   scheduler.Reconciler
	observe func(reconcile.Result, error)
}

func (o *observedReconciler) Run(ctx context.Context) (reconcile.Result, error) {
	result, err := o.inner.Run(ctx)
	o.observe(result, err)
	return result, err
}

// invalidateStored deletes an invalidated token from the credentials table and from the
// refresher's cached source results so the next refresh does not restore it.
func invalidateStored(st *store.SQLite, forget func(token string), logger *zap.Logger) credentials.InvalidateHook {
	return func(ctx context.Context, token string) error {
		if forget != nil {
			forget(token)
		}
		if err := st.DeleteCredential(ctx, token); err != nil {
			logger.Warn("failed to delete invalidated credential",
				zap.String("token", credentials.Redact(token)),
				zap.Error(err),
			)
			return err
		}
		return nil
	}
}
