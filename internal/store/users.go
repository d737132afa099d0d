package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/cam3ron2/pr-leaderboard/internal/model"
)

// UpsertUser inserts a user or refreshes the profile of the existing row with the same
// login. The stored id is kept on update.
func (s *SQLite) UpsertUser(ctx context.Context, user model.User) (model.User, error) {
	login := strings.TrimSpace(user.Login)
	if login == "" {
		return model.User{}, fmt.Errorf("user login is required")
	}
	db, err := s.conn()
	if err != nil {
		return model.User{}, err
	}

	now := s.now().Unix()
	var (
		id                   int64
		createdAt, updatedAt int64
	)
	err = db.QueryRowContext(ctx, `
		INSERT INTO users (external_login, name, email, phone, avatar_url, profile_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_login) DO UPDATE SET
			external_login = excluded.external_login,
			name = excluded.name,
			email = excluded.email,
			phone = CASE WHEN excluded.phone = '' THEN users.phone ELSE excluded.phone END,
			avatar_url = excluded.avatar_url,
			profile_url = excluded.profile_url,
			updated_at = excluded.updated_at
		RETURNING id, phone, created_at, updated_at`,
		login, user.Name, user.Email, user.Phone, user.AvatarURL, user.ProfileURL, now, now,
	).Scan(&id, &user.Phone, &createdAt, &updatedAt)
	if err != nil {
		return model.User{}, unavailable("upsert user", err)
	}

	user.ID = id
	user.Login = login
	user.CreatedAt = fromUnix(createdAt)
	user.UpdatedAt = fromUnix(updatedAt)
	return user, nil
}

// UserExists reports whether a user with login is registered. Matching ignores case.
func (s *SQLite) UserExists(ctx context.Context, login string) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}
	var exists int
	err = db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE external_login = ?)`,
		strings.TrimSpace(login),
	).Scan(&exists)
	if err != nil {
		return false, unavailable("lookup user", err)
	}
	return exists == 1, nil
}

// ListUsers returns every registered user ordered by id.
func (s *SQLite) ListUsers(ctx context.Context) ([]model.User, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, external_login, name, email, phone, avatar_url, profile_url, created_at, updated_at
		FROM users ORDER BY id`)
	if err != nil {
		return nil, unavailable("list users", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var (
			user                 model.User
			createdAt, updatedAt int64
		)
		if err := rows.Scan(
			&user.ID, &user.Login, &user.Name, &user.Email, &user.Phone,
			&user.AvatarURL, &user.ProfileURL, &createdAt, &updatedAt,
		); err != nil {
			return nil, unavailable("scan user", err)
		}
		user.CreatedAt = fromUnix(createdAt)
		user.UpdatedAt = fromUnix(updatedAt)
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list users", err)
	}
	return users, nil
}

// AddCredential stores a token for the credential pool. Adding a known token is a no-op.
func (s *SQLite) AddCredential(ctx context.Context, token string) error {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return fmt.Errorf("credential token is required")
	}
	db, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO credentials (token, created_at) VALUES (?, ?)`,
		trimmed, s.now().Unix(),
	); err != nil {
		return unavailable("add credential", err)
	}
	return nil
}

// ListCredentials returns every stored token, oldest first.
func (s *SQLite) ListCredentials(ctx context.Context) ([]string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT token FROM credentials ORDER BY created_at, token`)
	if err != nil {
		return nil, unavailable("list credentials", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, unavailable("scan credential", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list credentials", err)
	}
	return tokens, nil
}

// DeleteCredential removes a token. Deleting an unknown token is a no-op.
func (s *SQLite) DeleteCredential(ctx context.Context, token string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM credentials WHERE token = ?`, token); err != nil {
		return unavailable("delete credential", err)
	}
	return nil
}
