package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// BotSession is the one persisted active-session row for a user.
type BotSession struct {
	UserID     int64
	SessionID  string
	Directory  string
	Model      string
	Betas      []string
	LastActive time.Time
}

// Sessions is the bot_sessions repository.
type Sessions struct {
	db *sql.DB
}

// Upsert replaces the user's row wholesale and stamps last_active.
// Empty model and nil betas are stored as NULL and come back that way.
func (s *Sessions) Upsert(ctx context.Context, userID int64, sessionID, directory, model string, betas []string) error {
	var modelVal sql.NullString
	if model != "" {
		modelVal = sql.NullString{String: model, Valid: true}
	}
	var betasVal sql.NullString
	if betas != nil {
		data, err := json.Marshal(betas)
		if err != nil {
			return fmt.Errorf("marshal betas: %w", err)
		}
		betasVal = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_sessions (user_id, session_id, directory, model, betas, last_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			session_id = excluded.session_id,
			directory = excluded.directory,
			model = excluded.model,
			betas = excluded.betas,
			last_active = excluded.last_active`,
		userID, sessionID, directory, modelVal, betasVal, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetByUser returns the user's row, or nil when absent.
func (s *Sessions) GetByUser(ctx context.Context, userID int64) (*BotSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, session_id, directory, model, betas, last_active
		FROM bot_sessions WHERE user_id = ?`, userID)

	var rec BotSession
	var model, betas sql.NullString
	err := row.Scan(&rec.UserID, &rec.SessionID, &rec.Directory, &model, &betas, &rec.LastActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if model.Valid {
		rec.Model = model.String
	}
	if betas.Valid {
		if err := json.Unmarshal([]byte(betas.String), &rec.Betas); err != nil {
			return nil, fmt.Errorf("unmarshal betas: %w", err)
		}
	}
	return &rec, nil
}

// Delete removes the user's row. Deleting a missing row is not an error.
func (s *Sessions) Delete(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bot_sessions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// CleanupExpired removes rows idle for more than maxAge and returns
// the number removed.
func (s *Sessions) CleanupExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.db.ExecContext(ctx, `DELETE FROM bot_sessions WHERE last_active < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	return n, nil
}
