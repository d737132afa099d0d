// Package auth registers participants through the GitHub OAuth authorization code flow.
package auth

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

// GitHubProvider exchanges authorization codes for user access tokens.
type GitHubProvider struct {
	config *oauth2.Config
}

// NewGitHubProvider creates a provider against github.com. Pass endpoint to target
// GitHub Enterprise or a test server.
func NewGitHubProvider(clientID, clientSecret, redirectURL string, endpoint ...oauth2.Endpoint) *GitHubProvider {
	target := github.Endpoint
	if len(endpoint) > 0 {
		target = endpoint[0]
	}
	return &GitHubProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     target,
		},
	}
}

// AuthURL returns the authorization page URL carrying state.
func (p *GitHubProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange trades an authorization code for a bearer token.
func (p *GitHubProvider) Exchange(ctx context.Context, code string) (string, error) {
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("authorization code is required")
	}
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchange authorization code: %w", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("exchange authorization code: empty access token")
	}
	return token.AccessToken, nil
}
