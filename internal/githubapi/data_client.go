package githubapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const defaultGitHubAPIBaseURL = "https://api.github.com/"

// PullRequestSummary is one entry of the open pull request listing.
type PullRequestSummary struct {
	ID          int64
	Number      int
	AuthorLogin string
	State       string
}

// PullRequestListResult is the typed result for listing open pull requests.
type PullRequestListResult struct {
	PullRequests []PullRequestSummary
	Pages        int
	Metadata     CallMetadata
}

// PullRequestDetail is the typed pull request detail response.
type PullRequestDetail struct {
	ID          int64
	Number      int
	AuthorLogin string
	State       string
	Merged      bool
	Commits     int
	Additions   int
	Deletions   int
	Metadata    CallMetadata
}

// DataClient provides typed GitHub pull request endpoints.
type DataClient struct {
	baseURL       *url.URL
	requestClient *Client
}

// NewDataClient creates a DataClient over an authenticated request client.
func NewDataClient(baseURL string, requestClient *Client) (*DataClient, error) {
	if requestClient == nil {
		return nil, fmt.Errorf("request client is required")
	}
	parsedBaseURL, err := parseAPIBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	return &DataClient{
		baseURL:       parsedBaseURL,
		requestClient: requestClient,
	}, nil
}

// ListOpenPullRequests lists every open pull request of one repository, following pagination.
func (c *DataClient) ListOpenPullRequests(ctx context.Context, owner, repo string) (PullRequestListResult, error) {
	trimmedOwner, trimmedRepo, err := requireRepo(owner, repo)
	if err != nil {
		return PullRequestListResult{}, err
	}

	result := PullRequestListResult{}
	page := 1
	for {
		reqURL := c.cloneBaseURL()
		reqURL.Path = joinURLPath(reqURL.Path, "repos", url.PathEscape(trimmedOwner), url.PathEscape(trimmedRepo), "pulls")
		query := reqURL.Query()
		query.Set("state", "open")
		query.Set("per_page", "100")
		query.Set("page", strconv.Itoa(page))
		reqURL.RawQuery = query.Encode()

		resp, metadata, err := c.requestClient.Get(ctx, "pulls.list", reqURL.String())
		result.Metadata = mergeMetadata(result.Metadata, metadata)
		if err != nil {
			return result, fmt.Errorf("list open pull requests %s/%s: %w", trimmedOwner, trimmedRepo, err)
		}

		var payload []pullRequestPayload
		if err := decodeJSONAndClose(resp, &payload); err != nil {
			return result, fmt.Errorf("%w list open pull requests %s/%s: %w", errDecode, trimmedOwner, trimmedRepo, err)
		}
		result.Pages++

		for _, pr := range payload {
			result.PullRequests = append(result.PullRequests, PullRequestSummary{
				ID:          pr.ID,
				Number:      pr.Number,
				AuthorLogin: pr.User.login(),
				State:       pr.State,
			})
		}

		if len(payload) == 0 || !hasNextPage(resp.Header.Get("Link")) {
			break
		}
		page++
	}

	return result, nil
}

// GetPullRequest reads one pull request's detail, including commit and line counts.
func (c *DataClient) GetPullRequest(ctx context.Context, owner, repo string, number int) (PullRequestDetail, error) {
	trimmedOwner, trimmedRepo, err := requireRepo(owner, repo)
	if err != nil {
		return PullRequestDetail{}, err
	}
	if number <= 0 {
		return PullRequestDetail{}, fmt.Errorf("pull request number must be > 0")
	}

	reqURL := c.cloneBaseURL()
	reqURL.Path = joinURLPath(
		reqURL.Path,
		"repos",
		url.PathEscape(trimmedOwner),
		url.PathEscape(trimmedRepo),
		"pulls",
		strconv.Itoa(number),
	)

	var payload pullRequestDetailPayload
	metadata, err := c.requestClient.GetJSON(ctx, "pulls.get", reqURL.String(), &payload)
	if err != nil {
		return PullRequestDetail{Metadata: metadata}, fmt.Errorf("get pull request %s/%s#%d: %w", trimmedOwner, trimmedRepo, number, err)
	}

	return PullRequestDetail{
		ID:          payload.ID,
		Number:      payload.Number,
		AuthorLogin: payload.User.login(),
		State:       payload.State,
		Merged:      payload.Merged || payload.MergedAt != nil,
		Commits:     payload.Commits,
		Additions:   payload.Additions,
		Deletions:   payload.Deletions,
		Metadata:    metadata,
	}, nil
}

func requireRepo(owner, repo string) (string, string, error) {
	trimmedOwner := strings.TrimSpace(owner)
	trimmedRepo := strings.TrimSpace(repo)
	if trimmedOwner == "" {
		return "", "", fmt.Errorf("owner is required")
	}
	if trimmedRepo == "" {
		return "", "", fmt.Errorf("repo is required")
	}
	return trimmedOwner, trimmedRepo, nil
}

func parseAPIBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = defaultGitHubAPIBaseURL
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse github api base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse github api base url: missing scheme or host")
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	return parsed, nil
}

func (c *DataClient) cloneBaseURL() *url.URL {
	copyURL := *c.baseURL
	return &copyURL
}

func joinURLPath(base string, segments ...string) string {
	trimmedBase := strings.TrimSuffix(base, "/")
	builder := strings.Builder{}
	builder.WriteString(trimmedBase)
	for _, segment := range segments {
		builder.WriteString("/")
		builder.WriteString(strings.TrimPrefix(segment, "/"))
	}
	return builder.String()
}

func decodeJSONAndClose(resp *http.Response, target any) error {
	defer resp.Body.Close()
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(target); err != nil {
		return err
	}
	return nil
}

func hasNextPage(linkHeader string) bool {
	if strings.TrimSpace(linkHeader) == "" {
		return false
	}
	parts := strings.Split(linkHeader, ",")
	for _, part := range parts {
		if strings.Contains(part, `rel="next"`) {
			return true
		}
	}
	return false
}

func mergeMetadata(current CallMetadata, incoming CallMetadata) CallMetadata {
	current.Attempts += incoming.Attempts
	current.CredentialsRotated += incoming.CredentialsRotated
	current.RateLimitWaits += incoming.RateLimitWaits
	current.TotalRateLimitWait += incoming.TotalRateLimitWait
	current.LastRateHeaders = incoming.LastRateHeaders
	current.LastStatusCode = incoming.LastStatusCode
	return current
}

type pullRequestPayload struct {
	ID     int64        `json:"id"`
	Number int          `json:"number"`
	State  string       `json:"state"`
	User   *userPayload `json:"user"`
}

type pullRequestDetailPayload struct {
	ID        int64        `json:"id"`
	Number    int          `json:"number"`
	State     string       `json:"state"`
	User      *userPayload `json:"user"`
	Merged    bool         `json:"merged"`
	MergedAt  *string      `json:"merged_at"`
	Commits   int          `json:"commits"`
	Additions int          `json:"additions"`
	Deletions int          `json:"deletions"`
}

type userPayload struct {
	Login string `json:"login"`
}

func (u *userPayload) login() string {
	if u == nil {
		return ""
	}
	return strings.TrimSpace(u.Login)
}
