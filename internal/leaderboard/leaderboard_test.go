package leaderboard

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/cam3ron2/pr-leaderboard/internal/model"
	"github.com/cam3ron2/pr-leaderboard/internal/store"
)

func TestCompute(t *testing.T) {
	t.Parallel()

	users := []model.User{
		{ID: 2, Login: "bob"},
		{ID: 1, Login: "Alice", Name: "Alice"},
		{ID: 3, Login: "carol"},
	}
	prs := []model.PullRequest{
		{ID: 10, AuthorLogin: "alice", TotalCommits: 3, TotalLines: 40, Status: model.StatusOpen},
		{ID: 11, AuthorLogin: "ALICE", TotalCommits: 1, TotalLines: -5, Status: model.StatusMerged},
		{ID: 11, AuthorLogin: "alice", TotalCommits: 1, TotalLines: -5, Status: model.StatusMerged},
		{ID: 12, AuthorLogin: "bob", TotalCommits: 2, TotalLines: 1000, Status: model.StatusClosed},
		{ID: 13, AuthorLogin: "mallory", TotalCommits: 9, TotalLines: 9, Status: model.StatusMerged},
	}

	got := Compute(users, prs, DefaultPolicy)
	want := []model.LeaderboardEntry{
		{UserID: 1, Login: "Alice", Name: "Alice", TotalPRs: 2, TotalCommits: 4, TotalLines: 35, Points: 15},
		{UserID: 2, Login: "bob", TotalPRs: 1, TotalCommits: 2, TotalLines: 1000, Points: 5},
		{UserID: 3, Login: "carol"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Compute() = %+v, want %+v", got, want)
	}

	again := Compute(users, prs, DefaultPolicy)
	if !reflect.DeepEqual(got, again) {
		t.Fatalf("Compute() is not deterministic: %+v vs %+v", got, again)
	}
}

func TestComputeCustomPolicy(t *testing.T) {
	t.Parallel()

	users := []model.User{{ID: 1, Login: "alice"}}
	prs := []model.PullRequest{
		{ID: 1, AuthorLogin: "alice", Status: model.StatusMerged},
		{ID: 2, AuthorLogin: "alice", Status: model.StatusOpen},
	}
	got := Compute(users, prs, Policy{Merged: 3, Other: 1})
	if got[0].Points != 4 {
		t.Fatalf("Points = %d, want 4", got[0].Points)
	}
}

func TestSortForDisplay(t *testing.T) {
	t.Parallel()

	entries := []model.LeaderboardEntry{
		{UserID: 4, TotalPRs: 1, Points: 5},
		{UserID: 2, TotalPRs: 1, Points: 10},
		{UserID: 3, TotalPRs: 2, Points: 10},
		{UserID: 1, TotalPRs: 1, Points: 5},
		{UserID: 5},
	}
	SortForDisplay(entries)

	gotIDs := make([]int64, 0, len(entries))
	for i, entry := range entries {
		gotIDs = append(gotIDs, entry.UserID)
		if entry.Rank != i+1 {
			t.Fatalf("entry %d rank = %d, want %d", entry.UserID, entry.Rank, i+1)
		}
	}
	wantIDs := []int64{3, 2, 1, 4, 5}
	if !reflect.DeepEqual(gotIDs, wantIDs) {
		t.Fatalf("display order = %v, want %v", gotIDs, wantIDs)
	}
}

type fakeStore struct {
	users    []model.User
	prs      []model.PullRequest
	replaced [][]model.LeaderboardEntry
	err      error
}

func (s *fakeStore) ListUsers(context.Context) ([]model.User, error) { return s.users, s.err }

func (s *fakeStore) ListPullRequests(context.Context) ([]model.PullRequest, error) {
	return s.prs, nil
}

func (s *fakeStore) ReplaceLeaderboard(_ context.Context, entries []model.LeaderboardEntry, _ time.Time) error {
	s.replaced = append(s.replaced, entries)
	return nil
}

func TestAggregatorRecomputeIsIdempotent(t *testing.T) {
	t.Parallel()

	st := &fakeStore{
		users: []model.User{{ID: 1, Login: "alice"}},
		prs:   []model.PullRequest{{ID: 1, AuthorLogin: "alice", TotalCommits: 2, Status: model.StatusOpen}},
	}
	aggregator := NewAggregator(st, Policy{}, nil)
	for i := 0; i < 2; i++ {
		if err := aggregator.Recompute(context.Background()); err != nil {
			t.Fatalf("Recompute() unexpected error: %v", err)
		}
	}
	if len(st.replaced) != 2 || !reflect.DeepEqual(st.replaced[0], st.replaced[1]) {
		t.Fatalf("replaced = %+v, want two identical boards", st.replaced)
	}
	if st.replaced[0][0].Points != 5 {
		t.Fatalf("Points = %d, want default policy 5", st.replaced[0][0].Points)
	}
}

func TestAggregatorRecomputeError(t *testing.T) {
	t.Parallel()

	st := &fakeStore{err: store.ErrStorageUnavailable}
	err := NewAggregator(st, DefaultPolicy, nil).Recompute(context.Background())
	if !errors.Is(err, store.ErrStorageUnavailable) {
		t.Fatalf("Recompute() error = %v, want ErrStorageUnavailable", err)
	}
	if len(st.replaced) != 0 {
		t.Fatalf("leaderboard must not be replaced after a load failure")
	}
}

func TestAggregatorWithSQLite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("store.Open() unexpected error: %v", err)
	}
	defer st.Close()

	alice, _ := st.UpsertUser(ctx, model.User{Login: "alice"})
	bob, _ := st.UpsertUser(ctx, model.User{Login: "bob"})
	_, _ = st.UpsertPullRequest(ctx, model.PullRequest{ID: 42, Number: 1, RepoName: "a/b", AuthorLogin: "alice", TotalCommits: 3, TotalLines: 40, Status: model.StatusOpen})
	_, _ = st.UpsertPullRequest(ctx, model.PullRequest{ID: 43, Number: 2, RepoName: "a/b", AuthorLogin: "alice", TotalCommits: 1, TotalLines: 1, Status: model.StatusMerged})

	aggregator := NewAggregator(st, DefaultPolicy, nil)
	if err := aggregator.Recompute(ctx); err != nil {
		t.Fatalf("Recompute() unexpected error: %v", err)
	}
	first, _, _ := st.Leaderboard(ctx)
	if err := aggregator.Recompute(ctx); err != nil {
		t.Fatalf("second Recompute() unexpected error: %v", err)
	}
	second, _, _ := st.Leaderboard(ctx)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("leaderboard changed between recomputes: %+v vs %+v", first, second)
	}

	if len(first) != 2 || first[0].UserID != alice.ID || first[1].UserID != bob.ID {
		t.Fatalf("leaderboard = %+v, want alice then bob", first)
	}
	if first[0].TotalPRs != 2 || first[0].Points != 15 || first[0].TotalLines != 41 {
		t.Fatalf("alice entry = %+v, want 2 PRs, 15 points, 41 lines", first[0])
	}
	if first[1].TotalPRs != 0 || first[1].Points != 0 {
		t.Fatalf("bob entry = %+v, want zero row", first[1])
	}
}
