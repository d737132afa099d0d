package githubapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestDataClient(t *testing.T, handler http.Handler) *DataClient {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	requestClient := NewClient(server.Client(), newTestPool(t, "token"), ClientConfig{}, nil)
	requestClient.Sleep = func(context.Context, time.Duration) error { return nil }
	client, err := NewDataClient(server.URL+"/api/v3", requestClient)
	if err != nil {
		t.Fatalf("NewDataClient() unexpected error: %v", err)
	}
	return client
}

func TestListOpenPullRequestsPaginates(t *testing.T) {
	t.Parallel()

	var pages []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/repos/acme/widgets/pulls" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("state"); got != "open" {
			t.Errorf("state = %q, want open", got)
		}
		if got := r.URL.Query().Get("per_page"); got != "100" {
			t.Errorf("per_page = %q, want 100", got)
		}
		page := r.URL.Query().Get("page")
		pages = append(pages, page)
		switch page {
		case "1":
			w.Header().Set("Link", fmt.Sprintf(`<http://%s%s?page=2>; rel="next"`, r.Host, r.URL.Path))
			_, _ = w.Write([]byte(`[{"id":101,"number":1,"state":"open","user":{"login":"alice"}},{"id":102,"number":2,"state":"open","user":null}]`))
		case "2":
			_, _ = w.Write([]byte(`[{"id":103,"number":3,"state":"open","user":{"login":" Bob "}}]`))
		default:
			t.Errorf("unexpected page %q", page)
			_, _ = w.Write([]byte(`[]`))
		}
	})
	client := newTestDataClient(t, handler)

	result, err := client.ListOpenPullRequests(context.Background(), "acme", "widgets")
	if err != nil {
		t.Fatalf("ListOpenPullRequests() unexpected error: %v", err)
	}
	if strings.Join(pages, ",") != "1,2" {
		t.Fatalf("pages requested = %v, want [1 2]", pages)
	}
	if result.Pages != 2 || result.Metadata.Attempts != 2 {
		t.Fatalf("Pages = %d, Attempts = %d, want 2 and 2", result.Pages, result.Metadata.Attempts)
	}
	want := []PullRequestSummary{
		{ID: 101, Number: 1, AuthorLogin: "alice", State: "open"},
		{ID: 102, Number: 2, AuthorLogin: "", State: "open"},
		{ID: 103, Number: 3, AuthorLogin: "Bob", State: "open"},
	}
	if len(result.PullRequests) != len(want) {
		t.Fatalf("PullRequests = %+v, want %+v", result.PullRequests, want)
	}
	for i := range want {
		if result.PullRequests[i] != want[i] {
			t.Fatalf("PullRequests[%d] = %+v, want %+v", i, result.PullRequests[i], want[i])
		}
	}
}

func TestListOpenPullRequestsEmpty(t *testing.T) {
	t.Parallel()

	client := newTestDataClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))

	result, err := client.ListOpenPullRequests(context.Background(), "acme", "widgets")
	if err != nil {
		t.Fatalf("ListOpenPullRequests() unexpected error: %v", err)
	}
	if len(result.PullRequests) != 0 {
		t.Fatalf("PullRequests = %+v, want none", result.PullRequests)
	}
}

func TestListOpenPullRequestsUpstreamError(t *testing.T) {
	t.Parallel()

	client := newTestDataClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	}))

	_, err := client.ListOpenPullRequests(context.Background(), "acme", "missing")
	var upstream *UpstreamError
	if !errors.As(err, &upstream) || upstream.StatusCode != http.StatusNotFound {
		t.Fatalf("ListOpenPullRequests() error = %v, want UpstreamError 404", err)
	}
}

func TestGetPullRequest(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		body string
		want PullRequestDetail
	}{
		{
			name: "open_pull_request",
			body: `{"id":42,"number":7,"state":"open","merged":false,"merged_at":null,"user":{"login":"alice"},"commits":3,"additions":50,"deletions":10}`,
			want: PullRequestDetail{ID: 42, Number: 7, AuthorLogin: "alice", State: "open", Commits: 3, Additions: 50, Deletions: 10},
		},
		{
			name: "merged_pull_request",
			body: `{"id":43,"number":8,"state":"closed","merged":true,"user":{"login":"bob"},"commits":1,"additions":1,"deletions":0}`,
			want: PullRequestDetail{ID: 43, Number: 8, AuthorLogin: "bob", State: "closed", Merged: true, Commits: 1, Additions: 1},
		},
		{
			name: "merged_at_without_flag",
			body: `{"id":44,"number":9,"state":"closed","merged_at":"2025-01-01T00:00:00Z","user":{"login":"carol"}}`,
			want: PullRequestDetail{ID: 44, Number: 9, AuthorLogin: "carol", State: "closed", Merged: true},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			client := newTestDataClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !strings.HasPrefix(r.URL.Path, "/api/v3/repos/acme/widgets/pulls/") {
					http.NotFound(w, r)
					return
				}
				_, _ = w.Write([]byte(tc.body))
			}))

			got, err := client.GetPullRequest(context.Background(), "acme", "widgets", tc.want.Number)
			if err != nil {
				t.Fatalf("GetPullRequest() unexpected error: %v", err)
			}
			got.Metadata = CallMetadata{}
			if got != tc.want {
				t.Fatalf("GetPullRequest() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestDataClientValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewDataClient("", nil); err == nil {
		t.Fatalf("NewDataClient(nil) expected error")
	}
	requestClient := NewClient(&fakeDoer{}, newTestPool(t), ClientConfig{}, nil)
	if _, err := NewDataClient("://bad", requestClient); err == nil {
		t.Fatalf("NewDataClient(bad url) expected error")
	}
	client, err := NewDataClient("", requestClient)
	if err != nil {
		t.Fatalf("NewDataClient(default) unexpected error: %v", err)
	}
	if client.baseURL.String() != defaultGitHubAPIBaseURL {
		t.Fatalf("baseURL = %q, want %q", client.baseURL.String(), defaultGitHubAPIBaseURL)
	}
	if _, err := client.ListOpenPullRequests(context.Background(), "", "repo"); err == nil {
		t.Fatalf("ListOpenPullRequests(empty owner) expected error")
	}
	if _, err := client.GetPullRequest(context.Background(), "o", "r", 0); err == nil {
		t.Fatalf("GetPullRequest(0) expected error")
	}
}

func TestHasNextPage(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		header string
		want   bool
	}{
		{name: "empty", header: "", want: false},
		{name: "next_present", header: `<https://api.github.com/x?page=2>; rel="next", <https://api.github.com/x?page=5>; rel="last"`, want: true},
		{name: "last_page", header: `<https://api.github.com/x?page=1>; rel="prev"`, want: false},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := hasNextPage(tc.header); got != tc.want {
				t.Fatalf("hasNextPage() = %t, want %t", got, tc.want)
			}
		})
	}
}
