package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// AddUser inserts a new user. A duplicate id fails with ErrConflict, a
// duplicate email with ErrEmailExists.
func (s *Store) AddUser(ctx context.Context, user UserRow) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	if strings.TrimSpace(user.ID) == "" || strings.TrimSpace(user.Email) == "" {
		return fmt.Errorf("%w: user id and email are required", ErrInvalidInput)
	}

	q := `INSERT INTO users (id, email, display_name, password_hash, avatar_url, status_text, last_seen_ms, is_online, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
	if _, err := s.db.ExecContext(ctx, s.rebind(q),
		user.ID, user.Email, user.DisplayName, user.PasswordHash,
		user.AvatarURL, user.StatusText, user.LastSeenMs, boolToInt(user.IsOnline),
		user.CreatedAtMs, user.UpdatedAtMs,
	); err != nil {
		if isUniqueViolation(err) {
			if _, getErr := s.GetUser(ctx, user.ID); getErr == nil {
				return fmt.Errorf("%w: user %s", ErrConflict, user.ID)
			} else if !errors.Is(getErr, ErrNotFound) {
				return getErr
			}
			return ErrEmailExists
		}
		return err
	}
	return nil
}

// PutUser upserts by id.
func (s *Store) PutUser(ctx context.Context, user UserRow) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	if strings.TrimSpace(user.ID) == "" || strings.TrimSpace(user.Email) == "" {
		return fmt.Errorf("%w: user id and email are required", ErrInvalidInput)
	}

	q := `INSERT INTO users (id, email, display_name, password_hash, avatar_url, status_text, last_seen_ms, is_online, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			display_name = excluded.display_name,
			password_hash = excluded.password_hash,
			avatar_url = excluded.avatar_url,
			status_text = excluded.status_text,
			last_seen_ms = excluded.last_seen_ms,
			is_online = excluded.is_online,
			updated_at_ms = excluded.updated_at_ms;`
	if _, err := s.db.ExecContext(ctx, s.rebind(q),
		user.ID, user.Email, user.DisplayName, user.PasswordHash,
		user.AvatarURL, user.StatusText, user.LastSeenMs, boolToInt(user.IsOnline),
		user.CreatedAtMs, user.UpdatedAtMs,
	); err != nil {
		if isUniqueViolation(err) {
			return ErrEmailExists
		}
		return err
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (UserRow, error) {
	if s == nil || s.db == nil {
		return UserRow{}, ErrNotInitialized
	}

	q := userSelect + ` WHERE id = ?;`
	return s.scanUserRow(s.db.QueryRowContext(ctx, s.rebind(q), userID))
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (UserRow, error) {
	if s == nil || s.db == nil {
		return UserRow{}, ErrNotInitialized
	}

	q := userSelect + ` WHERE email = ?;`
	return s.scanUserRow(s.db.QueryRowContext(ctx, s.rebind(q), email))
}

func (s *Store) AllUsers(ctx context.Context) ([]UserRow, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}

	q := userSelect + ` ORDER BY id;`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []UserRow{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// DeleteUser removes by id; deleting an absent user is a no-op.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}

	q := `DELETE FROM users WHERE id = ?;`
	_, err := s.db.ExecContext(ctx, s.rebind(q), userID)
	return err
}

const userSelect = `SELECT id, email, display_name, password_hash, avatar_url, status_text, last_seen_ms, is_online, created_at_ms, updated_at_ms
	FROM users`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanUserRow(row *sql.Row) (UserRow, error) {
	user, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return UserRow{}, fmt.Errorf("%w: user", ErrNotFound)
		}
		return UserRow{}, err
	}
	return user, nil
}

func scanUser(r rowScanner) (UserRow, error) {
	var user UserRow
	var avatar, status sql.NullString
	var online int
	if err := r.Scan(
		&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash,
		&avatar, &status, &user.LastSeenMs, &online,
		&user.CreatedAtMs, &user.UpdatedAtMs,
	); err != nil {
		return UserRow{}, err
	}
	if avatar.Valid {
		user.AvatarURL = &avatar.String
	}
	if status.Valid {
		user.StatusText = &status.String
	}
	user.IsOnline = online != 0
	return user, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
