// Package store persists the agent's durable slots: the pending
// launch intent and the last token registered with the backend. Both
// survive process restarts; the pending intent slot is the sole
// mechanism bridging a cold start.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/eternisai/enchanted-push/internal/logger"
)

const (
	keyPendingIntent = "pending_intent"
	keyDeviceToken   = "device_token"
)

type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

// Open opens (or creates) the SQLite-backed store at path and runs
// migrations.
func Open(path string, log *logger.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run store migrations: %w", err)
	}

	return &Store{db: db, logger: log.WithComponent("store")}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM slots WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read slot %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO slots (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to write slot %s: %w", key, err)
	}
	return nil
}

func (s *Store) clear(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM slots WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to clear slot %s: %w", key, err)
	}
	return nil
}

// PendingIntent returns the persisted launch intent, empty when none.
func (s *Store) PendingIntent(ctx context.Context) (string, error) {
	return s.get(ctx, keyPendingIntent)
}

// SetPendingIntent records the intent of a tapped notification.
func (s *Store) SetPendingIntent(ctx context.Context, tag string) error {
	return s.set(ctx, keyPendingIntent, tag)
}

// ClearPendingIntent drops the persisted launch intent.
func (s *Store) ClearPendingIntent(ctx context.Context) error {
	return s.clear(ctx, keyPendingIntent)
}

// TakePendingIntent reads and clears the pending intent in a single
// transaction. A second call returns empty: consumption is
// exactly-once.
func (s *Store) TakePendingIntent(ctx context.Context) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin take transaction: %w", err)
	}
	defer tx.Rollback()

	var value string
	err = tx.QueryRowContext(ctx, `SELECT value FROM slots WHERE key = ?`, keyPendingIntent).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read pending intent: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM slots WHERE key = ?`, keyPendingIntent); err != nil {
		return "", fmt.Errorf("failed to consume pending intent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit take transaction: %w", err)
	}

	if value != "" {
		s.logger.Debug("pending intent consumed")
	}
	return value, nil
}

// DeviceToken returns the last token registered with the backend,
// empty when the device was never registered.
func (s *Store) DeviceToken(ctx context.Context) (string, error) {
	return s.get(ctx, keyDeviceToken)
}

// SetDeviceToken records a successfully registered token.
func (s *Store) SetDeviceToken(ctx context.Context, token string) error {
	return s.set(ctx, keyDeviceToken, token)
}

// ClearDeviceToken drops the token record after unregistration.
func (s *Store) ClearDeviceToken(ctx context.Context) error {
	return s.clear(ctx, keyDeviceToken)
}
