// Package credentials tracks the bearer tokens usable for GitHub API calls.
package credentials

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
)

// ErrNoCredentials is returned by Pick when the pool is empty.
var ErrNoCredentials = errors.New("no credentials available")

// Pool is a set of interchangeable tokens.
type Pool interface {
	// Pick returns one tracked token chosen uniformly at random.
	Pick(ctx context.Context) (string, error)
	// Invalidate removes a token. Removing an absent token is a no-op.
	Invalidate(ctx context.Context, token string) error
	// Size reports the number of tracked tokens.
	Size(ctx context.Context) (int, error)
	// Replace swaps the tracked set for the given tokens.
	Replace(ctx context.Context, tokens []string) error
}

// InvalidateHook is called after a token is removed from a pool.
type InvalidateHook func(ctx context.Context, token string) error

// MemoryPool is an in-process token set with O(1) pick and removal.
type MemoryPool struct {
	mu           sync.Mutex
	tokens       []string
	index        map[string]int
	onInvalidate InvalidateHook
	// IntN is injected for deterministic tests.
	IntN func(n int) int
}

// NewMemoryPool creates an empty memory pool. onInvalidate may be nil.
func NewMemoryPool(onInvalidate InvalidateHook) *MemoryPool {
	return &MemoryPool{
		index:        make(map[string]int),
		onInvalidate: onInvalidate,
		IntN:         rand.IntN,
	}
}

// Pick returns a random tracked token.
func (p *MemoryPool) Pick(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.tokens) == 0 {
		return "", ErrNoCredentials
	}
	return p.tokens[p.IntN(len(p.tokens))], nil
}

// Invalidate removes a token by swapping it with the last element.
func (p *MemoryPool) Invalidate(ctx context.Context, token string) error {
	p.mu.Lock()
	idx, ok := p.index[token]
	if ok {
		last := len(p.tokens) - 1
		moved := p.tokens[last]
		p.tokens[idx] = moved
		p.index[moved] = idx
		p.tokens = p.tokens[:last]
		delete(p.index, token)
	}
	p.mu.Unlock()

	if p.onInvalidate != nil {
		return p.onInvalidate(ctx, token)
	}
	return nil
}

// Size reports the tracked token count.
func (p *MemoryPool) Size(_ context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tokens), nil
}

// Replace swaps the tracked set, dropping blanks and duplicates.
func (p *MemoryPool) Replace(_ context.Context, tokens []string) error {
	cleaned := dedupe(tokens)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = cleaned
	p.index = make(map[string]int, len(cleaned))
	for i, token := range cleaned {
		p.index[token] = i
	}
	return nil
}

func dedupe(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	cleaned := make([]string, 0, len(tokens))
	for _, token := range tokens {
		trimmed := strings.TrimSpace(token)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		cleaned = append(cleaned, trimmed)
	}
	return cleaned
}

// Redact shortens a token for logging.
func Redact(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "…" + token[len(token)-4:]
}
