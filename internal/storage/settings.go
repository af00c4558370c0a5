package storage

import (
	"context"
	"database/sql"
	"errors"
)

// SettingsStore is a small key-value table for application state that is
// not worth its own schema, such as the vault salt.
type SettingsStore struct {
	db *DB
}

// NewSettingsStore creates a SettingsStore.
func NewSettingsStore(db *DB) *SettingsStore {
	return &SettingsStore{db: db}
}

// Get returns the value for key and whether it was present.
func (s *SettingsStore) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.Conn().QueryRowContext(ctx, `SELECT value FROM app_settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set upserts key.
func (s *SettingsStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.Conn().ExecContext(ctx,
		`INSERT INTO app_settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetOrInit returns the stored value for key, storing init() first if the
// key is absent.
func (s *SettingsStore) GetOrInit(ctx context.Context, key string, init func() (string, error)) (string, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil || ok {
		return v, err
	}
	v, err = init()
	if err != nil {
		return "", err
	}
	if _, err := s.db.Conn().ExecContext(ctx,
		`INSERT INTO app_settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`, key, v,
	); err != nil {
		return "", err
	}
	// Another writer may have won the race; the stored value is authoritative.
	v, _, err = s.Get(ctx, key)
	return v, err
}
