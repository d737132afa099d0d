package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"go.uber.org/zap"
)

// Source supplies tokens for the pool.
type Source interface {
	Name() string
	Tokens(ctx context.Context) ([]string, error)
}

// Lister is implemented by the credentials table.
type Lister interface {
	ListCredentials(ctx context.Context) ([]string, error)
}

// StoreSource reads user-contributed tokens from storage.
type StoreSource struct {
	Lister Lister
}

// Name identifies the source in logs.
func (StoreSource) Name() string { return "store" }

// Tokens lists the stored tokens.
func (s StoreSource) Tokens(ctx context.Context) ([]string, error) {
	if s.Lister == nil {
		return nil, fmt.Errorf("credential lister is nil")
	}
	return s.Lister.ListCredentials(ctx)
}

// StaticSource supplies a fixed shared service token.
type StaticSource struct {
	Token string
}

// Name identifies the source in logs.
func (StaticSource) Name() string { return "static" }

// Tokens returns the static token when set.
func (s StaticSource) Tokens(_ context.Context) ([]string, error) {
	if strings.TrimSpace(s.Token) == "" {
		return nil, nil
	}
	return []string{strings.TrimSpace(s.Token)}, nil
}

type installationTokener interface {
	Token(ctx context.Context) (string, error)
}

// InstallationSource mints a GitHub App installation token.
type InstallationSource struct {
	tokener installationTokener
}

// InstallationConfig configures GitHub App installation authentication.
type InstallationConfig struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
	APIBaseURL     string
	BaseTransport  http.RoundTripper
}

// NewInstallationSource creates an installation token source from a private key file.
func NewInstallationSource(cfg InstallationConfig) (*InstallationSource, error) {
	if cfg.AppID <= 0 {
		return nil, fmt.Errorf("app id must be > 0")
	}
	if cfg.InstallationID <= 0 {
		return nil, fmt.Errorf("installation id must be > 0")
	}
	if strings.TrimSpace(cfg.PrivateKeyPath) == "" {
		return nil, fmt.Errorf("private key path is required")
	}

	baseTransport := cfg.BaseTransport
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}

	transport, err := ghinstallation.NewKeyFromFile(baseTransport, cfg.AppID, cfg.InstallationID, cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("create github app transport: %w", err)
	}
	if base := strings.TrimSpace(cfg.APIBaseURL); base != "" {
		transport.BaseURL = strings.TrimSuffix(base, "/")
	}
	return &InstallationSource{tokener: transport}, nil
}

// Name identifies the source in logs.
func (*InstallationSource) Name() string { return "github_app" }

// Tokens returns the current installation token, refreshing it when expired.
func (s *InstallationSource) Tokens(ctx context.Context) ([]string, error) {
	if s == nil || s.tokener == nil {
		return nil, fmt.Errorf("installation source is not initialized")
	}
	token, err := s.tokener.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("mint installation token: %w", err)
	}
	return []string{token}, nil
}

// RefreshResult summarizes one pool refresh.
type RefreshResult struct {
	Tokens        int
	FailedSources []string
}

// Refresher rebuilds a pool from its sources at the start of each cycle.
type Refresher struct {
	pool    Pool
	sources []Source
	logger  *zap.Logger

	mu sync.Mutex
	// lastGood holds the most recent successful token set per source name.
	lastGood map[string][]string
}

// NewRefresher creates a refresher over the given sources.
func NewRefresher(pool Pool, sources []Source, logger ...*zap.Logger) *Refresher {
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}
	return &Refresher{
		pool:     pool,
		sources:  append([]Source(nil), sources...),
		logger:   baseLogger,
		lastGood: make(map[string][]string),
	}
}

// Forget drops token from every cached source result so a later refresh cannot
// restore a credential GitHub already rejected.
func (r *Refresher) Forget(token string) {
	if r == nil || token == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, tokens := range r.lastGood {
		r.lastGood[name] = slices.DeleteFunc(slices.Clone(tokens), func(candidate string) bool {
			return candidate == token
		})
	}
}

// Refresh replaces the pool content. A failing source contributes the tokens of its
// last successful read, if any; the refresh only fails when every source fails or the
// pool cannot be written. When every source fails the pool is left untouched.
func (r *Refresher) Refresh(ctx context.Context) (RefreshResult, error) {
	if r == nil || r.pool == nil {
		return RefreshResult{}, fmt.Errorf("credential refresher is not initialized")
	}

	var (
		tokens []string
		errs   []error
		result RefreshResult
	)
	r.mu.Lock()
	for _, source := range r.sources {
		name := source.Name()
		sourceTokens, err := source.Tokens(ctx)
		if err != nil {
			cached := r.lastGood[name]
			r.logger.Warn("credential source failed",
				zap.String("source", name),
				zap.Int("cached_tokens", len(cached)),
				zap.Error(err),
			)
			result.FailedSources = append(result.FailedSources, name)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			tokens = append(tokens, cached...)
			continue
		}
		r.lastGood[name] = slices.Clone(sourceTokens)
		tokens = append(tokens, sourceTokens...)
	}
	r.mu.Unlock()
	if len(r.sources) > 0 && len(errs) == len(r.sources) {
		return result, fmt.Errorf("all credential sources failed: %w", errors.Join(errs...))
	}

	if err := r.pool.Replace(ctx, tokens); err != nil {
		return result, fmt.Errorf("replace credential pool: %w", err)
	}
	size, err := r.pool.Size(ctx)
	if err != nil {
		return result, fmt.Errorf("count credential pool: %w", err)
	}
	result.Tokens = size
	if size == 0 {
		r.logger.Warn("credential pool is empty; ingestion will not fetch until a user logs in")
	}
	return result, nil
}
