// Package bindings maps agent session ids to Telegram chat ids so the
// interactive lane can queue replies without carrying chat ids through the
// agent loop.
package bindings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ottolabs/otto/internal/store"
)

// Store persists session-to-chat bindings.
type Store struct {
	db *store.DB
}

// NewStore wraps the shared state database.
func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

// Bind records (or replaces) the chat id for a session.
func (s *Store) Bind(ctx context.Context, sessionID string, chatID int64) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id required")
	}
	if chatID == 0 {
		return fmt.Errorf("chat id required")
	}
	_, err := s.db.Handle().ExecContext(ctx, `INSERT INTO chat_bindings
		(session_id, chat_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET chat_id = excluded.chat_id`,
		sessionID, chatID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("bind session: %w", err)
	}
	return nil
}

// Resolve returns the chat id bound to a session.
func (s *Store) Resolve(ctx context.Context, sessionID string) (int64, error) {
	var chatID int64
	err := s.db.Handle().QueryRowContext(ctx,
		`SELECT chat_id FROM chat_bindings WHERE session_id = ?`, sessionID).Scan(&chatID)
	if err != nil {
		return 0, err
	}
	return chatID, nil
}

// LatestChatID returns the chat id of the most recently bound session.
// Used by system jobs that message the user outside any session.
func (s *Store) LatestChatID(ctx context.Context) (int64, error) {
	var chatID int64
	err := s.db.Handle().QueryRowContext(ctx,
		`SELECT chat_id FROM chat_bindings ORDER BY created_at DESC, session_id DESC LIMIT 1`).Scan(&chatID)
	if err != nil {
		return 0, err
	}
	return chatID, nil
}

// Unbind removes a session binding. Missing bindings are not an error.
func (s *Store) Unbind(ctx context.Context, sessionID string) error {
	_, err := s.db.Handle().ExecContext(ctx,
		`DELETE FROM chat_bindings WHERE session_id = ?`, sessionID)
	return err
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
