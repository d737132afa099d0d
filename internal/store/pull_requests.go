package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cam3ron2/pr-leaderboard/internal/model"
)

// UpsertPullRequest inserts a pull request keyed by its GitHub id, or updates the mutable
// fields (commits, lines, status) of the existing row. It reports whether a row was inserted.
// Number, repo, author and first-seen time are never rewritten.
func (s *SQLite) UpsertPullRequest(ctx context.Context, pr model.PullRequest) (bool, error) {
	if pr.ID == 0 {
		return false, fmt.Errorf("pull request id is required")
	}
	if pr.Status == "" {
		pr.Status = model.StatusOpen
	}
	db, err := s.conn()
	if err != nil {
		return false, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, unavailable("begin pull request upsert", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int64
	err = tx.QueryRowContext(ctx, `SELECT pr_id FROM pull_requests WHERE pr_id = ?`, pr.ID).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		firstSeen := pr.FirstSeenAt
		if firstSeen.IsZero() {
			firstSeen = s.now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pull_requests
				(pr_id, pr_number, repo_name, author_login, total_commits, total_lines, status, first_seen_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			pr.ID, pr.Number, pr.RepoName, pr.AuthorLogin, pr.TotalCommits, pr.TotalLines,
			string(pr.Status), firstSeen.Unix(),
		); err != nil {
			return false, unavailable("insert pull request", err)
		}
		if err := tx.Commit(); err != nil {
			return false, unavailable("commit pull request insert", err)
		}
		return true, nil
	case err != nil:
		return false, unavailable("lookup pull request", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE pull_requests SET total_commits = ?, total_lines = ?, status = ?
		WHERE pr_id = ?`,
		pr.TotalCommits, pr.TotalLines, string(pr.Status), pr.ID,
	); err != nil {
		return false, unavailable("update pull request", err)
	}
	if err := tx.Commit(); err != nil {
		return false, unavailable("commit pull request update", err)
	}
	return false, nil
}

// ListPullRequests returns every tracked pull request ordered by id.
func (s *SQLite) ListPullRequests(ctx context.Context) ([]model.PullRequest, error) {
	return s.queryPullRequests(ctx, "list pull requests", `
		SELECT pr_id, pr_number, repo_name, author_login, total_commits, total_lines, status, first_seen_at
		FROM pull_requests ORDER BY pr_id`)
}

// ListOpenPullRequestsByRepo returns the tracked pull requests of repo still marked open.
func (s *SQLite) ListOpenPullRequestsByRepo(ctx context.Context, repo string) ([]model.PullRequest, error) {
	return s.queryPullRequests(ctx, "list open pull requests", `
		SELECT pr_id, pr_number, repo_name, author_login, total_commits, total_lines, status, first_seen_at
		FROM pull_requests WHERE repo_name = ? AND status = ? ORDER BY pr_id`,
		repo, string(model.StatusOpen))
}

func (s *SQLite) queryPullRequests(ctx context.Context, op, query string, args ...any) ([]model.PullRequest, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var prs []model.PullRequest
	for rows.Next() {
		var (
			pr        model.PullRequest
			status    string
			firstSeen int64
		)
		if err := rows.Scan(
			&pr.ID, &pr.Number, &pr.RepoName, &pr.AuthorLogin,
			&pr.TotalCommits, &pr.TotalLines, &status, &firstSeen,
		); err != nil {
			return nil, unavailable("scan pull request", err)
		}
		pr.Status = model.PullRequestStatus(status)
		pr.FirstSeenAt = fromUnix(firstSeen)
		prs = append(prs, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return prs, nil
}
