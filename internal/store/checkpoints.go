package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// Checkpoint returns the value stored under key. ok is false when the key
// has never been written.
func (s *Store) Checkpoint(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT value FROM checkpoints WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "store: load checkpoint %s", key)
	}
	return value, true, nil
}

// SaveCheckpoint inserts or replaces the value stored under key.
func (s *Store) SaveCheckpoint(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return errors.Wrapf(err, "store: save checkpoint %s", key)
	}
	return nil
}
