package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cam3ron2/pr-leaderboard/internal/allowlist"
	"github.com/cam3ron2/pr-leaderboard/internal/githubapi"
	"github.com/cam3ron2/pr-leaderboard/internal/model"
	"github.com/cam3ron2/pr-leaderboard/internal/store"
)

type fakeAPI struct {
	mu          sync.Mutex
	open        map[string][]githubapi.PullRequestSummary
	listErr     map[string]error
	details     map[string]githubapi.PullRequestDetail
	detailErr   map[string]error
	detailCalls []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		open:      make(map[string][]githubapi.PullRequestSummary),
		listErr:   make(map[string]error),
		details:   make(map[string]githubapi.PullRequestDetail),
		detailErr: make(map[string]error),
	}
}

func detailKey(owner, repo string, number int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, number)
}

func (f *fakeAPI) ListOpenPullRequests(_ context.Context, owner, repo string) (githubapi.PullRequestListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	full := owner + "/" + repo
	if err := f.listErr[full]; err != nil {
		return githubapi.PullRequestListResult{}, err
	}
	return githubapi.PullRequestListResult{PullRequests: append([]githubapi.PullRequestSummary(nil), f.open[full]...)}, nil
}

func (f *fakeAPI) GetPullRequest(_ context.Context, owner, repo string, number int) (githubapi.PullRequestDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := detailKey(owner, repo, number)
	f.detailCalls = append(f.detailCalls, key)
	if err := f.detailErr[key]; err != nil {
		return githubapi.PullRequestDetail{}, err
	}
	detail, ok := f.details[key]
	if !ok {
		return githubapi.PullRequestDetail{}, &githubapi.UpstreamError{StatusCode: 404}
	}
	return detail, nil
}

type staticLoader struct {
	list allowlist.List
	err  error
}

func (l staticLoader) Load() (allowlist.List, error) { return l.list, l.err }

func repos(entries ...string) staticLoader {
	return staticLoader{list: allowlist.Parse(entries)}
}

func newTestStore(t *testing.T, logins ...string) *store.SQLite {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("store.Open() unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	for _, login := range logins {
		if _, err := st.UpsertUser(context.Background(), model.User{Login: login}); err != nil {
			t.Fatalf("UpsertUser(%q) unexpected error: %v", login, err)
		}
	}
	return st
}

func TestRunInsertsThenUpdates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	api := newFakeAPI()
	api.open["acme/widgets"] = []githubapi.PullRequestSummary{{ID: 42, Number: 7, AuthorLogin: "alice", State: "open"}}
	api.details[detailKey("acme", "widgets", 7)] = githubapi.PullRequestDetail{
		ID: 42, Number: 7, AuthorLogin: "alice", State: "open", Commits: 3, Additions: 50, Deletions: 10,
	}
	st := newTestStore(t, "alice")
	reconciler := New(api, st, repos("acme/widgets"), Config{RefreshClosed: true}, nil)

	first, err := reconciler.Run(ctx)
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}
	if first.Inserted != 1 || first.Updated != 0 {
		t.Fatalf("first Run() = %+v, want 1 inserted", first)
	}
	if outcome := first.Repos["acme/widgets"]; outcome.Status != RepoOK || outcome.Listed != 1 {
		t.Fatalf("repo outcome = %+v, want ok with 1 listed", outcome)
	}

	prs, _ := st.ListPullRequests(ctx)
	if len(prs) != 1 {
		t.Fatalf("stored pull requests = %+v, want one", prs)
	}
	if prs[0].TotalLines != 40 || prs[0].TotalCommits != 3 || prs[0].Status != model.StatusOpen || prs[0].RepoName != "acme/widgets" {
		t.Fatalf("stored pull request = %+v, want 3 commits, 40 lines, open", prs[0])
	}

	second, err := reconciler.Run(ctx)
	if err != nil {
		t.Fatalf("second Run() unexpected error: %v", err)
	}
	if second.Inserted != 0 || second.Updated != 1 {
		t.Fatalf("second Run() = %+v, want 0 inserted and 1 updated", second)
	}
	prsAgain, _ := st.ListPullRequests(ctx)
	if len(prsAgain) != 1 || prsAgain[0] != prs[0] {
		t.Fatalf("pull requests after rerun = %+v, want unchanged %+v", prsAgain, prs)
	}
}

func TestRunSkipsUnknownAndMissingAuthors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	api := newFakeAPI()
	api.open["acme/widgets"] = []githubapi.PullRequestSummary{
		{ID: 1, Number: 1, AuthorLogin: "Alice"},
		{ID: 2, Number: 2, AuthorLogin: "mallory"},
		{ID: 3, Number: 3, AuthorLogin: ""},
	}
	api.details[detailKey("acme", "widgets", 1)] = githubapi.PullRequestDetail{ID: 1, Number: 1, AuthorLogin: "Alice", State: "open"}
	api.details[detailKey("acme", "widgets", 2)] = githubapi.PullRequestDetail{ID: 2, Number: 2, AuthorLogin: "mallory", State: "open"}
	st := newTestStore(t, "alice")

	result, err := New(api, st, repos("acme/widgets"), Config{}, nil).Run(ctx)
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}
	outcome := result.Repos["acme/widgets"]
	if result.Inserted != 1 || outcome.Skipped[SkipUnknownAuthor] != 1 || outcome.Skipped[SkipMissingAuthor] != 1 {
		t.Fatalf("Run() = %+v (repo %+v), want 1 inserted and two skips", result, outcome)
	}

	prs, _ := st.ListPullRequests(ctx)
	for _, pr := range prs {
		if exists, _ := st.UserExists(ctx, pr.AuthorLogin); !exists {
			t.Fatalf("stored pull request %+v has unregistered author", pr)
		}
	}
	for _, call := range api.detailCalls {
		if call != detailKey("acme", "widgets", 1) {
			t.Fatalf("unexpected detail call %s", call)
		}
	}
}

func TestRunToleratesFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	api := newFakeAPI()
	api.listErr["acme/broken"] = fmt.Errorf("list: %w", &githubapi.UpstreamError{StatusCode: 500})
	api.listErr["acme/nocreds"] = githubapi.ErrNoCredentialsAvailable
	api.open["acme/widgets"] = []githubapi.PullRequestSummary{
		{ID: 10, Number: 10, AuthorLogin: "alice"},
		{ID: 11, Number: 11, AuthorLogin: "alice"},
	}
	api.detailErr[detailKey("acme", "widgets", 10)] = errors.New("connection reset")
	api.details[detailKey("acme", "widgets", 11)] = githubapi.PullRequestDetail{ID: 11, Number: 11, AuthorLogin: "alice", State: "open", Commits: 1}
	st := newTestStore(t, "alice")

	loader := repos("acme/broken", "acme/nocreds", "acme/empty", "acme/widgets", "not a repo")
	result, err := New(api, st, loader, Config{}, nil).Run(ctx)
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}

	testCases := []struct {
		repo       string
		wantStatus RepoStatus
		wantReason string
	}{
		{repo: "acme/broken", wantStatus: RepoFailed, wantReason: "upstream_500"},
		{repo: "acme/nocreds", wantStatus: RepoFailed, wantReason: "no_credentials"},
		{repo: "acme/empty", wantStatus: RepoEmpty},
		{repo: "acme/widgets", wantStatus: RepoOK},
		{repo: "not a repo", wantStatus: RepoInvalid, wantReason: "invalid_entry"},
	}
	for _, tc := range testCases {
		outcome, ok := result.Repos[tc.repo]
		if !ok {
			t.Fatalf("missing outcome for %s in %+v", tc.repo, result.Repos)
		}
		if outcome.Status != tc.wantStatus || outcome.Reason != tc.wantReason {
			t.Fatalf("outcome[%s] = %+v, want status %s reason %q", tc.repo, outcome, tc.wantStatus, tc.wantReason)
		}
	}
	if result.Inserted != 1 || result.Repos["acme/widgets"].Skipped[SkipDetailFailed] != 1 {
		t.Fatalf("Run() = %+v, want the healthy PR inserted and one detail failure", result)
	}
}

func TestRunRefreshesClosedPullRequests(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	api := newFakeAPI()
	st := newTestStore(t, "alice", "bob")
	for _, pr := range []model.PullRequest{
		{ID: 100, Number: 1, RepoName: "acme/widgets", AuthorLogin: "alice", Status: model.StatusOpen},
		{ID: 101, Number: 2, RepoName: "acme/widgets", AuthorLogin: "bob", Status: model.StatusOpen},
		{ID: 102, Number: 3, RepoName: "acme/widgets", AuthorLogin: "bob", Status: model.StatusOpen},
	} {
		if _, err := st.UpsertPullRequest(ctx, pr); err != nil {
			t.Fatalf("UpsertPullRequest() unexpected error: %v", err)
		}
	}
	api.details[detailKey("acme", "widgets", 1)] = githubapi.PullRequestDetail{ID: 100, Number: 1, State: "closed", Merged: true, Commits: 2, Additions: 5}
	api.details[detailKey("acme", "widgets", 2)] = githubapi.PullRequestDetail{ID: 101, Number: 2, State: "closed", Commits: 1}
	api.detailErr[detailKey("acme", "widgets", 3)] = errors.New("timeout")

	result, err := New(api, st, repos("acme/widgets"), Config{RefreshClosed: true}, nil).Run(ctx)
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}
	if result.Refreshed != 2 || result.Inserted != 0 {
		t.Fatalf("Run() = %+v, want 2 refreshed", result)
	}
	if result.Repos["acme/widgets"].Status != RepoEmpty {
		t.Fatalf("repo status = %s, want empty", result.Repos["acme/widgets"].Status)
	}

	prs, _ := st.ListPullRequests(ctx)
	want := map[int64]model.PullRequestStatus{100: model.StatusMerged, 101: model.StatusClosed, 102: model.StatusOpen}
	for _, pr := range prs {
		if pr.Status != want[pr.ID] {
			t.Fatalf("pull request %d status = %s, want %s", pr.ID, pr.Status, want[pr.ID])
		}
	}
	if prs[0].AuthorLogin != "alice" || prs[0].TotalLines != 5 {
		t.Fatalf("refreshed record = %+v, want author kept and lines updated", prs[0])
	}
}

func TestRunWithoutRefreshLeavesTrackedRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	api := newFakeAPI()
	st := newTestStore(t, "alice")
	_, _ = st.UpsertPullRequest(ctx, model.PullRequest{ID: 100, Number: 1, RepoName: "acme/widgets", AuthorLogin: "alice"})

	if _, err := New(api, st, repos("acme/widgets"), Config{}, nil).Run(ctx); err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}
	if len(api.detailCalls) != 0 {
		t.Fatalf("detail calls = %v, want none", api.detailCalls)
	}
}

func TestRunAbortsOnStorageFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	api := newFakeAPI()
	api.open["acme/widgets"] = []githubapi.PullRequestSummary{{ID: 1, Number: 1, AuthorLogin: "alice"}}
	st := newTestStore(t, "alice")
	_ = st.Close()

	_, err := New(api, st, repos("acme/widgets"), Config{}, nil).Run(ctx)
	if !errors.Is(err, store.ErrStorageUnavailable) {
		t.Fatalf("Run() error = %v, want ErrStorageUnavailable", err)
	}
}

func TestRunAllowlistFailure(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	_, err := New(newFakeAPI(), st, staticLoader{err: errors.New("missing file")}, Config{}, nil).Run(context.Background())
	if err == nil {
		t.Fatalf("Run() expected allowlist error")
	}
}

func TestRunStopsOnCancellation(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(newFakeAPI(), st, repos("acme/widgets"), Config{}, nil).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

type recordingRecorder struct {
	repos []string
}

func (r *recordingRecorder) ObserveRepo(repo string, _ RepoOutcome) {
	r.repos = append(r.repos, repo)
}

func TestRunReportsEveryRepo(t *testing.T) {
	t.Parallel()

	recorder := &recordingRecorder{}
	st := newTestStore(t)
	if _, err := New(newFakeAPI(), st, repos("a/b", "c/d", "bad"), Config{}, recorder).Run(context.Background()); err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}
	if len(recorder.repos) != 3 {
		t.Fatalf("recorded repos = %v, want 3", recorder.repos)
	}
}
