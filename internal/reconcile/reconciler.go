// Package reconcile mirrors the open pull requests of allow-listed repositories into storage.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/cam3ron2/pr-leaderboard/internal/allowlist"
	"github.com/cam3ron2/pr-leaderboard/internal/githubapi"
	"github.com/cam3ron2/pr-leaderboard/internal/model"
	"github.com/cam3ron2/pr-leaderboard/internal/store"
	"github.com/cam3ron2/pr-leaderboard/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RepoStatus classifies how one repository's pass ended.
type RepoStatus string

const (
	// RepoOK means open pull requests were listed and processed.
	RepoOK RepoStatus = "ok"
	// RepoEmpty means the repository had no open pull requests.
	RepoEmpty RepoStatus = "empty"
	// RepoFailed means the open pull request listing failed.
	RepoFailed RepoStatus = "failed"
	// RepoInvalid means the allow-list entry could not be parsed.
	RepoInvalid RepoStatus = "invalid"
)

// SkipReason explains why a listed pull request was not stored.
type SkipReason string

// Skip reasons.
const (
	SkipMissingAuthor SkipReason = "missing_author"
	SkipUnknownAuthor SkipReason = "unknown_author"
	SkipDetailFailed  SkipReason = "detail_failed"
)

// RepoOutcome is the per-repository result of one run.
type RepoOutcome struct {
	Status    RepoStatus
	Reason    string
	Listed    int
	Inserted  int
	Updated   int
	Refreshed int
	Skipped   map[SkipReason]int
}

// Result summarizes one ingestion run. Inserted counts only newly created records.
type Result struct {
	Inserted  int
	Updated   int
	Refreshed int
	Skipped   int
	Repos     map[string]RepoOutcome
}

// PullRequestAPI is the GitHub surface used by the reconciler.
type PullRequestAPI interface {
	ListOpenPullRequests(ctx context.Context, owner, repo string) (githubapi.PullRequestListResult, error)
	GetPullRequest(ctx context.Context, owner, repo string, number int) (githubapi.PullRequestDetail, error)
}

// Store is the storage surface used by the reconciler.
type Store interface {
	UserExists(ctx context.Context, login string) (bool, error)
	UpsertPullRequest(ctx context.Context, pr model.PullRequest) (bool, error)
	ListOpenPullRequestsByRepo(ctx context.Context, repo string) ([]model.PullRequest, error)
}

// AllowlistLoader supplies the repositories to reconcile.
type AllowlistLoader interface {
	Load() (allowlist.List, error)
}

// Recorder receives per-repository outcomes for metrics.
type Recorder interface {
	ObserveRepo(repo string, outcome RepoOutcome)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRepo(string, RepoOutcome) {}

// Config toggles optional reconciler behavior.
type Config struct {
	// RefreshClosed re-reads tracked open records that left the open listing so their
	// final closed or merged status is stored.
	RefreshClosed bool
}

// Reconciler runs the ingestion pass.
type Reconciler struct {
	api       PullRequestAPI
	store     Store
	allowlist AllowlistLoader
	cfg       Config
	recorder  Recorder
	logger    *zap.Logger
}

// New creates a reconciler.
func New(api PullRequestAPI, st Store, loader AllowlistLoader, cfg Config, recorder Recorder, logger ...*zap.Logger) *Reconciler {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}
	return &Reconciler{
		api:       api,
		store:     st,
		allowlist: loader,
		cfg:       cfg,
		recorder:  recorder,
		logger:    baseLogger,
	}
}

// Run reconciles every allow-listed repository. Repository-level GitHub failures are
// recorded in the result and never returned. Storage failures, allow-list load failures
// and context cancellation abort the run.
func (r *Reconciler) Run(ctx context.Context) (Result, error) {
	result := Result{Repos: make(map[string]RepoOutcome)}
	if r == nil || r.api == nil || r.store == nil || r.allowlist == nil {
		return result, fmt.Errorf("reconciler is not initialized")
	}

	ctx, span := telemetry.StartDependencySpan(ctx, "pr-leaderboard/internal/reconcile", "reconcile.run")

	list, err := r.allowlist.Load()
	if err != nil {
		telemetry.EndSpan(span, err, "")
		return result, fmt.Errorf("load allowlist: %w", err)
	}
	for _, entry := range list.Invalid {
		r.logger.Warn("skipping invalid allowlist entry", zap.String("entry", entry))
		outcome := RepoOutcome{Status: RepoInvalid, Reason: "invalid_entry"}
		result.Repos[entry] = outcome
		r.recorder.ObserveRepo(entry, outcome)
	}
	if len(list.Repos) == 0 {
		r.logger.Warn("allowlist has no repositories")
	}

	for _, repo := range list.Repos {
		if err := ctx.Err(); err != nil {
			telemetry.EndSpan(span, err, "")
			return result, err
		}

		outcome, err := r.reconcileRepo(ctx, repo)
		result.Repos[repo.FullName()] = outcome
		result.Inserted += outcome.Inserted
		result.Updated += outcome.Updated
		result.Refreshed += outcome.Refreshed
		for _, count := range outcome.Skipped {
			result.Skipped += count
		}
		r.recorder.ObserveRepo(repo.FullName(), outcome)
		if span != nil {
			span.AddEvent("repo_reconciled", trace.WithAttributes(
				attribute.String("repo", repo.FullName()),
				attribute.String("status", string(outcome.Status)),
				attribute.Int("inserted", outcome.Inserted),
			))
		}
		if err != nil {
			telemetry.EndSpan(span, err, "")
			return result, err
		}
	}

	r.logger.Info("reconcile finished",
		zap.Int("repos", len(list.Repos)),
		zap.Int("inserted", result.Inserted),
		zap.Int("updated", result.Updated),
		zap.Int("refreshed", result.Refreshed),
		zap.Int("skipped", result.Skipped),
	)
	telemetry.EndSpan(span, nil, "reconciled")
	return result, nil
}

// reconcileRepo returns an error only for failures that must abort the run.
func (r *Reconciler) reconcileRepo(ctx context.Context, repo allowlist.Repo) (RepoOutcome, error) {
	outcome := RepoOutcome{Status: RepoOK, Skipped: make(map[SkipReason]int)}
	logger := r.logger.With(zap.String("repo", repo.FullName()))

	listing, err := r.api.ListOpenPullRequests(ctx, repo.Owner, repo.Name)
	if err != nil {
		outcome.Status = RepoFailed
		outcome.Reason = githubapi.Reason(err)
		if abort := abortError(ctx, err); abort != nil {
			return outcome, abort
		}
		logger.Warn("list open pull requests failed; skipping repo",
			zap.String("reason", outcome.Reason),
			zap.Error(err),
		)
		return outcome, nil
	}

	outcome.Listed = len(listing.PullRequests)
	openIDs := make(map[int64]struct{}, len(listing.PullRequests))
	if len(listing.PullRequests) == 0 {
		outcome.Status = RepoEmpty
		logger.Debug("no open pull requests")
	}

	for _, summary := range listing.PullRequests {
		openIDs[summary.ID] = struct{}{}
		if err := r.reconcilePullRequest(ctx, repo, summary, &outcome, logger); err != nil {
			return outcome, err
		}
	}

	if r.cfg.RefreshClosed {
		if err := r.refreshClosed(ctx, repo, openIDs, &outcome, logger); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

func (r *Reconciler) reconcilePullRequest(
	ctx context.Context,
	repo allowlist.Repo,
	summary githubapi.PullRequestSummary,
	outcome *RepoOutcome,
	logger *zap.Logger,
) error {
	prLogger := logger.With(zap.Int("number", summary.Number), zap.Int64("pr_id", summary.ID))
	if summary.AuthorLogin == "" {
		outcome.Skipped[SkipMissingAuthor]++
		prLogger.Info("skipping pull request without author")
		return nil
	}

	known, err := r.store.UserExists(ctx, summary.AuthorLogin)
	if err != nil {
		return fmt.Errorf("check author %s: %w", summary.AuthorLogin, err)
	}
	if !known {
		outcome.Skipped[SkipUnknownAuthor]++
		prLogger.Debug("skipping pull request by unregistered author", zap.String("author", summary.AuthorLogin))
		return nil
	}

	detail, err := r.api.GetPullRequest(ctx, repo.Owner, repo.Name, summary.Number)
	if err != nil {
		if abort := abortError(ctx, err); abort != nil {
			return abort
		}
		outcome.Skipped[SkipDetailFailed]++
		prLogger.Warn("pull request detail failed; skipping",
			zap.String("reason", githubapi.Reason(err)),
			zap.Error(err),
		)
		return nil
	}

	return r.upsert(ctx, repo, summary.ID, summary.Number, summary.AuthorLogin, detail, outcome)
}

func (r *Reconciler) refreshClosed(
	ctx context.Context,
	repo allowlist.Repo,
	openIDs map[int64]struct{},
	outcome *RepoOutcome,
	logger *zap.Logger,
) error {
	tracked, err := r.store.ListOpenPullRequestsByRepo(ctx, repo.FullName())
	if err != nil {
		return fmt.Errorf("list tracked open pull requests: %w", err)
	}
	for _, record := range tracked {
		if _, stillOpen := openIDs[record.ID]; stillOpen {
			continue
		}
		detail, err := r.api.GetPullRequest(ctx, repo.Owner, repo.Name, record.Number)
		if err != nil {
			if abort := abortError(ctx, err); abort != nil {
				return abort
			}
			logger.Warn("refresh of closed pull request failed",
				zap.Int("number", record.Number),
				zap.String("reason", githubapi.Reason(err)),
				zap.Error(err),
			)
			continue
		}
		if err := r.upsert(ctx, repo, record.ID, record.Number, record.AuthorLogin, detail, outcome); err != nil {
			return err
		}
		outcome.Refreshed++
		logger.Info("recorded final pull request status",
			zap.Int("number", record.Number),
			zap.String("status", string(model.StatusFromGitHub(detail.State, detail.Merged))),
		)
	}
	return nil
}

func (r *Reconciler) upsert(
	ctx context.Context,
	repo allowlist.Repo,
	id int64,
	number int,
	author string,
	detail githubapi.PullRequestDetail,
	outcome *RepoOutcome,
) error {
	if detail.ID != 0 {
		id = detail.ID
	}
	if detail.Number != 0 {
		number = detail.Number
	}
	if detail.AuthorLogin != "" {
		author = detail.AuthorLogin
	}
	inserted, err := r.store.UpsertPullRequest(ctx, model.PullRequest{
		ID:           id,
		Number:       number,
		RepoName:     repo.FullName(),
		AuthorLogin:  author,
		TotalCommits: detail.Commits,
		TotalLines:   detail.Additions - detail.Deletions,
		Status:       model.StatusFromGitHub(detail.State, detail.Merged),
	})
	if err != nil {
		return fmt.Errorf("upsert pull request %d: %w", id, err)
	}
	if inserted {
		outcome.Inserted++
	} else {
		outcome.Updated++
	}
	return nil
}

// abortError returns the error that must stop the run, or nil when err only affects the
// current repository or pull request.
func abortError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, store.ErrStorageUnavailable) {
		return err
	}
	return nil
}
