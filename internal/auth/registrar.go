package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/pr-leaderboard/internal/githubapi"
	"github.com/cam3ron2/pr-leaderboard/internal/model"
	"go.uber.org/zap"
)

// UserLookup resolves the account owning a token.
type UserLookup interface {
	LookupUser(ctx context.Context, token string) (githubapi.AuthenticatedUser, error)
}

// GitHubUserLookup calls GET /user through go-github.
type GitHubUserLookup struct {
	APIBaseURL string
	Timeout    time.Duration
}

// LookupUser returns the authenticated user for token.
func (l GitHubUserLookup) LookupUser(ctx context.Context, token string) (githubapi.AuthenticatedUser, error) {
	httpClient, err := githubapi.NewTokenHTTPClient(ctx, token, l.Timeout)
	if err != nil {
		return githubapi.AuthenticatedUser{}, err
	}
	client, err := githubapi.NewGitHubRESTClient(httpClient, l.APIBaseURL)
	if err != nil {
		return githubapi.AuthenticatedUser{}, err
	}
	return client.AuthenticatedUser(ctx)
}

// Store persists registrations.
type Store interface {
	UpsertUser(ctx context.Context, user model.User) (model.User, error)
	AddCredential(ctx context.Context, token string) error
}

// Registrar turns a user access token into a registered participant and a pooled
// credential.
type Registrar struct {
	lookup UserLookup
	store  Store
	logger *zap.Logger
}

// NewRegistrar creates a registrar.
func NewRegistrar(lookup UserLookup, st Store, logger ...*zap.Logger) *Registrar {
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}
	return &Registrar{lookup: lookup, store: st, logger: baseLogger}
}

// Register stores the token owner as a user and keeps the token for the next pool
// refresh. Registering the same account again updates its profile.
func (r *Registrar) Register(ctx context.Context, token string) (model.User, error) {
	if r == nil || r.lookup == nil || r.store == nil {
		return model.User{}, fmt.Errorf("registrar is not initialized")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return model.User{}, fmt.Errorf("token is required")
	}

	account, err := r.lookup.LookupUser(ctx, token)
	if err != nil {
		return model.User{}, fmt.Errorf("lookup authenticated user: %w", err)
	}
	if strings.TrimSpace(account.Login) == "" {
		return model.User{}, fmt.Errorf("lookup authenticated user: empty login")
	}

	user, err := r.store.UpsertUser(ctx, model.User{
		Login:      account.Login,
		Name:       account.Name,
		Email:      account.Email,
		AvatarURL:  account.AvatarURL,
		ProfileURL: account.ProfileURL,
	})
	if err != nil {
		return model.User{}, fmt.Errorf("store user %s: %w", account.Login, err)
	}
	if err := r.store.AddCredential(ctx, token); err != nil {
		return user, fmt.Errorf("store credential for %s: %w", account.Login, err)
	}

	r.logger.Info("user registered", zap.Int64("user_id", user.ID), zap.String("login", user.Login))
	return user, nil
}
