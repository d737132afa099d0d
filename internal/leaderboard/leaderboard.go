// Package leaderboard derives per-user totals from the tracked pull requests.
package leaderboard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cam3ron2/pr-leaderboard/internal/model"
	"go.uber.org/zap"
)

// Policy assigns points by pull request status. Size never affects points.
type Policy struct {
	Merged int
	Other  int
}

// DefaultPolicy awards 10 points per merged pull request and 5 for any other.
var DefaultPolicy = Policy{Merged: 10, Other: 5}

// PointsFor returns the points one pull request earns.
func (p Policy) PointsFor(status model.PullRequestStatus) int {
	if status == model.StatusMerged {
		return p.Merged
	}
	return p.Other
}

// Compute returns one entry per user, ordered by user id. Users without pull requests get
// an all-zero entry. Authors match logins case-insensitively and each pull request id is
// counted once.
func Compute(users []model.User, prs []model.PullRequest, policy Policy) []model.LeaderboardEntry {
	entries := make([]model.LeaderboardEntry, 0, len(users))
	byLogin := make(map[string]int, len(users))
	for _, user := range users {
		byLogin[model.NormalizeLogin(user.Login)] = len(entries)
		entries = append(entries, model.LeaderboardEntry{
			UserID:    user.ID,
			Login:     user.Login,
			Name:      user.Name,
			AvatarURL: user.AvatarURL,
		})
	}

	seen := make(map[int64]struct{}, len(prs))
	for _, pr := range prs {
		if _, dup := seen[pr.ID]; dup {
			continue
		}
		seen[pr.ID] = struct{}{}

		idx, ok := byLogin[model.NormalizeLogin(pr.AuthorLogin)]
		if !ok {
			continue
		}
		entry := &entries[idx]
		entry.TotalPRs++
		entry.TotalCommits += pr.TotalCommits
		entry.TotalLines += pr.TotalLines
		entry.Points += policy.PointsFor(pr.Status)
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries
}

// SortForDisplay orders entries by total pull requests, then points, then user id, and
// assigns 1-based ranks.
func SortForDisplay(entries []model.LeaderboardEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.TotalPRs != b.TotalPRs {
			return a.TotalPRs > b.TotalPRs
		}
		if a.Points != b.Points {
			return a.Points > b.Points
		}
		return a.UserID < b.UserID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
}

// Store is the storage surface used by the aggregator.
type Store interface {
	ListUsers(ctx context.Context) ([]model.User, error)
	ListPullRequests(ctx context.Context) ([]model.PullRequest, error)
	ReplaceLeaderboard(ctx context.Context, entries []model.LeaderboardEntry, computedAt time.Time) error
}

// Recorder receives the recomputed board for metrics.
type Recorder interface {
	ObserveLeaderboard(entries []model.LeaderboardEntry)
}

type nopRecorder struct{}

func (nopRecorder) ObserveLeaderboard([]model.LeaderboardEntry) {}

// Aggregator recomputes and persists the leaderboard.
type Aggregator struct {
	store    Store
	policy   Policy
	recorder Recorder
	logger   *zap.Logger

	// Now is injected for testability.
	Now func() time.Time
}

// NewAggregator creates an aggregator. A zero policy falls back to DefaultPolicy.
func NewAggregator(st Store, policy Policy, recorder Recorder, logger ...*zap.Logger) *Aggregator {
	if policy == (Policy{}) {
		policy = DefaultPolicy
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}
	return &Aggregator{
		store:    st,
		policy:   policy,
		recorder: recorder,
		logger:   baseLogger,
		Now:      time.Now,
	}
}

// Recompute rebuilds every leaderboard row from the current users and pull requests.
// Running it twice without intervening writes yields identical rows.
func (a *Aggregator) Recompute(ctx context.Context) error {
	if a == nil || a.store == nil {
		return fmt.Errorf("aggregator is not initialized")
	}
	users, err := a.store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	prs, err := a.store.ListPullRequests(ctx)
	if err != nil {
		return fmt.Errorf("load pull requests: %w", err)
	}

	entries := Compute(users, prs, a.policy)
	if err := a.store.ReplaceLeaderboard(ctx, entries, a.Now()); err != nil {
		return fmt.Errorf("replace leaderboard: %w", err)
	}
	a.recorder.ObserveLeaderboard(entries)
	a.logger.Info("leaderboard recomputed",
		zap.Int("users", len(users)),
		zap.Int("pull_requests", len(prs)),
	)
	return nil
}
