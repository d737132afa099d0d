package store

import (
	"context"
	"time"

	"github.com/cam3ron2/pr-leaderboard/internal/model"
)

// ReplaceLeaderboard swaps every leaderboard row for entries in one transaction.
func (s *SQLite) ReplaceLeaderboard(ctx context.Context, entries []model.LeaderboardEntry, computedAt time.Time) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin leaderboard replace", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM leaderboard`); err != nil {
		return unavailable("clear leaderboard", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO leaderboard (user_id, total_prs, total_commits, total_lines, points, computed_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return unavailable("prepare leaderboard insert", err)
	}
	defer stmt.Close()

	for _, entry := range entries {
		if _, err := stmt.ExecContext(ctx,
			entry.UserID, entry.TotalPRs, entry.TotalCommits, entry.TotalLines, entry.Points, computedAt.Unix(),
		); err != nil {
			return unavailable("insert leaderboard row", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit leaderboard", err)
	}
	return nil
}

// Leaderboard returns the stored rows joined with user profiles, ordered by total pull
// requests, then points, then user id.
func (s *SQLite) Leaderboard(ctx context.Context) ([]model.LeaderboardEntry, time.Time, error) {
	db, err := s.conn()
	if err != nil {
		return nil, time.Time{}, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT l.user_id, u.external_login, u.name, u.avatar_url,
			l.total_prs, l.total_commits, l.total_lines, l.points, l.computed_at
		FROM leaderboard l
		JOIN users u ON u.id = l.user_id
		ORDER BY l.total_prs DESC, l.points DESC, l.user_id ASC`)
	if err != nil {
		return nil, time.Time{}, unavailable("read leaderboard", err)
	}
	defer rows.Close()

	var (
		entries    []model.LeaderboardEntry
		computedAt int64
	)
	for rows.Next() {
		var (
			entry model.LeaderboardEntry
			at    int64
		)
		if err := rows.Scan(
			&entry.UserID, &entry.Login, &entry.Name, &entry.AvatarURL,
			&entry.TotalPRs, &entry.TotalCommits, &entry.TotalLines, &entry.Points, &at,
		); err != nil {
			return nil, time.Time{}, unavailable("scan leaderboard row", err)
		}
		if at > computedAt {
			computedAt = at
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, unavailable("read leaderboard", err)
	}
	return entries, fromUnix(computedAt), nil
}
