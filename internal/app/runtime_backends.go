package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/pr-leaderboard/internal/config"
	"github.com/cam3ron2/pr-leaderboard/internal/credentials"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// credentialBackend is the pool plus its release hook.
type credentialBackend struct {
	pool    credentials.Pool
	backend string
	close   func() error
}

// newCredentialBackend builds the configured pool. A redis backend that cannot be reached
// falls back to the in-memory pool; client overrides the configured connection when set.
func newCredentialBackend(
	ctx context.Context,
	cfg config.CredentialsConfig,
	client redis.UniversalClient,
	onInvalidate credentials.InvalidateHook,
	logger *zap.Logger,
) credentialBackend {
	memory := credentialBackend{
		pool:    credentials.NewMemoryPool(onInvalidate),
		backend: "memory",
		close:   func() error { return nil },
	}
	if !strings.EqualFold(strings.TrimSpace(cfg.Backend), "redis") {
		return memory
	}

	if client == nil {
		client = newRedisClient(cfg)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		logger.Warn("failed to reach redis credential pool; falling back to in-memory pool", zap.Error(err))
		return memory
	}

	pool := credentials.NewRedisPool(client, cfg.RedisKey, onInvalidate)
	return credentialBackend{pool: pool, backend: "redis", close: pool.Close}
}

func newRedisClient(cfg config.CredentialsConfig) redis.UniversalClient {
	if strings.EqualFold(cfg.RedisMode, "sentinel") {
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.RedisMasterSet,
			SentinelAddrs: cfg.RedisSentinelAddrs,
			Password:      cfg.RedisPassword,
			DB:            cfg.RedisDB,
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// newCredentialSources lists the token sources in refresh order.
func newCredentialSources(cfg *config.Config, lister credentials.Lister) ([]credentials.Source, error) {
	sources := []credentials.Source{
		credentials.StoreSource{Lister: lister},
		credentials.StaticSource{Token: cfg.GitHub.ServiceToken},
	}
	if cfg.GitHub.App.Enabled() {
		installation, err := credentials.NewInstallationSource(credentials.InstallationConfig{
			AppID:          cfg.GitHub.App.AppID,
			InstallationID: cfg.GitHub.App.InstallationID,
			PrivateKeyPath: cfg.GitHub.App.PrivateKeyPath,
			APIBaseURL:     cfg.GitHub.APIBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("github app credentials: %w", err)
		}
		sources = append(sources, installation)
	}
	return sources, nil
}
