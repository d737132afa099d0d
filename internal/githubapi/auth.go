package githubapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v75/github"
	"golang.org/x/oauth2"
)

// RESTClient wraps the go-github REST client.
type RESTClient struct {
	Client *github.Client
}

// AuthenticatedUser is the profile of the user owning a token.
type AuthenticatedUser struct {
	ID         int64
	Login      string
	Name       string
	Email      string
	AvatarURL  string
	ProfileURL string
}

// NewTokenHTTPClient creates an HTTP client that sends token as a bearer credential.
func NewTokenHTTPClient(ctx context.Context, token string, timeout time.Duration) (*http.Client, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, fmt.Errorf("token is required")
	}
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: trimmed}))
	httpClient.Timeout = timeout
	return httpClient, nil
}

// NewGitHubRESTClient creates a go-github client with optional API base URL override.
func NewGitHubRESTClient(httpClient *http.Client, apiBaseURL string) (*RESTClient, error) {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	client := github.NewClient(httpClient)
	trimmedBaseURL := strings.TrimSpace(apiBaseURL)
	if trimmedBaseURL == "" {
		return &RESTClient{Client: client}, nil
	}

	parsedURL, err := url.Parse(trimmedBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse github api base url: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("parse github api base url: missing scheme or host")
	}
	if !strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path += "/"
	}

	client.BaseURL = parsedURL
	return &RESTClient{Client: client}, nil
}

// AuthenticatedUser reads the profile of the user that owns the client's token.
func (c *RESTClient) AuthenticatedUser(ctx context.Context) (AuthenticatedUser, error) {
	if c == nil || c.Client == nil {
		return AuthenticatedUser{}, fmt.Errorf("rest client is not initialized")
	}
	user, _, err := c.Client.Users.Get(ctx, "")
	if err != nil {
		return AuthenticatedUser{}, fmt.Errorf("get authenticated user: %w", err)
	}
	if strings.TrimSpace(user.GetLogin()) == "" {
		return AuthenticatedUser{}, fmt.Errorf("get authenticated user: empty login")
	}
	return AuthenticatedUser{
		ID:         user.GetID(),
		Login:      user.GetLogin(),
		Name:       user.GetName(),
		Email:      user.GetEmail(),
		AvatarURL:  user.GetAvatarURL(),
		ProfileURL: user.GetHTMLURL(),
	}, nil
}
