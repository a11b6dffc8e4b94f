package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Users remembers each user's working directory across restarts.
type Users struct {
	db *sql.DB
}

// SetDirectory records the user's current working directory.
func (u *Users) SetDirectory(ctx context.Context, userID int64, directory string) error {
	_, err := u.db.ExecContext(ctx, `
		INSERT INTO users (user_id, current_directory, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			current_directory = excluded.current_directory,
			updated_at = excluded.updated_at`,
		userID, directory, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set directory: %w", err)
	}
	return nil
}

// GetDirectory returns the remembered directory, empty when unknown.
func (u *Users) GetDirectory(ctx context.Context, userID int64) (string, error) {
	var dir string
	err := u.db.QueryRowContext(ctx,
		`SELECT current_directory FROM users WHERE user_id = ?`, userID).Scan(&dir)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get directory: %w", err)
	}
	return dir, nil
}
