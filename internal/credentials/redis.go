package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type redisCommander interface {
	SRandMember(ctx context.Context, key string) *redis.StringCmd
	SRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	SCard(ctx context.Context, key string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Rename(ctx context.Context, key, newkey string) *redis.StatusCmd
}

// RedisPool stores the token set in a Redis set so several processes share one pool.
type RedisPool struct {
	client       redisCommander
	closeFn      func() error
	key          string
	onInvalidate InvalidateHook
}

// NewRedisPool creates a Redis-backed pool under key.
func NewRedisPool(client redis.UniversalClient, key string, onInvalidate InvalidateHook) *RedisPool {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisPoolFromCommander(client, closeFn, key, onInvalidate)
}

func newRedisPoolFromCommander(client redisCommander, closeFn func() error, key string, onInvalidate InvalidateHook) *RedisPool {
	if key == "" {
		key = "pr-leaderboard:credentials"
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	return &RedisPool{
		client:       client,
		closeFn:      closeFn,
		key:          key,
		onInvalidate: onInvalidate,
	}
}

// Close closes the underlying Redis client.
func (p *RedisPool) Close() error {
	if p == nil || p.closeFn == nil {
		return nil
	}
	return p.closeFn()
}

// Pick returns a random member of the token set.
func (p *RedisPool) Pick(ctx context.Context) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("redis pool is not initialized")
	}
	token, err := p.client.SRandMember(ctx, p.key).Result()
	if errors.Is(err, redis.Nil) || (err == nil && token == "") {
		return "", ErrNoCredentials
	}
	if err != nil {
		return "", fmt.Errorf("pick credential: %w", err)
	}
	return token, nil
}

// Invalidate removes a token from the set.
func (p *RedisPool) Invalidate(ctx context.Context, token string) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("redis pool is not initialized")
	}
	if err := p.client.SRem(ctx, p.key, token).Err(); err != nil {
		return fmt.Errorf("remove credential: %w", err)
	}
	if p.onInvalidate != nil {
		return p.onInvalidate(ctx, token)
	}
	return nil
}

// Size reports the set cardinality.
func (p *RedisPool) Size(ctx context.Context) (int, error) {
	if p == nil || p.client == nil {
		return 0, fmt.Errorf("redis pool is not initialized")
	}
	count, err := p.client.SCard(ctx, p.key).Result()
	if err != nil {
		return 0, fmt.Errorf("count credentials: %w", err)
	}
	return int(count), nil
}

// Replace writes the tokens to a staging key and renames it over the live set.
func (p *RedisPool) Replace(ctx context.Context, tokens []string) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("redis pool is not initialized")
	}
	cleaned := dedupe(tokens)
	if len(cleaned) == 0 {
		if err := p.client.Del(ctx, p.key).Err(); err != nil {
			return fmt.Errorf("clear credentials: %w", err)
		}
		return nil
	}

	staging := p.key + ":staging"
	if err := p.client.Del(ctx, staging).Err(); err != nil {
		return fmt.Errorf("clear staging credentials: %w", err)
	}
	members := make([]any, 0, len(cleaned))
	for _, token := range cleaned {
		members = append(members, token)
	}
	if err := p.client.SAdd(ctx, staging, members...).Err(); err != nil {
		return fmt.Errorf("stage credentials: %w", err)
	}
	if err := p.client.Rename(ctx, staging, p.key).Err(); err != nil {
		return fmt.Errorf("swap credentials: %w", err)
	}
	return nil
}
