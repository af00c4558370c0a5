package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"querydesk/internal/domain"
)

// ProfileStore manages connection profile records in SQLite.
type ProfileStore struct {
	db *DB
}

// NewProfileStore creates a new ProfileStore.
func NewProfileStore(db *DB) *ProfileStore {
	return &ProfileStore{db: db}
}

var _ domain.ConnectionProfileStore = (*ProfileStore)(nil)

const profileColumns = `id, name, driver, host, port, database_name, username, sealed_secret, default_schema, tls_json, created_at, updated_at`

func (s *ProfileStore) CreateProfile(ctx context.Context, p *domain.ConnectionProfile) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	tlsJSON, err := json.Marshal(p.TLS)
	if err != nil {
		return fmt.Errorf("encode tls options: %w", err)
	}
	_, err = s.db.Conn().ExecContext(ctx,
		`INSERT INTO connection_profiles (`+profileColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Driver, p.Host, p.Port, p.Database, p.Username, p.SealedSecret, p.DefaultSchema, string(tlsJSON), p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (s *ProfileStore) GetProfile(ctx context.Context, id string) (*domain.ConnectionProfile, error) {
	row := s.db.Conn().QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM connection_profiles WHERE id = ?`, id,
	)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNoSuchConnectionError(id)
	}
	return p, err
}

func (s *ProfileStore) ListProfiles(ctx context.Context) ([]domain.ConnectionProfile, error) {
	rows, err := s.db.Conn().QueryContext(ctx,
		`SELECT `+profileColumns+` FROM connection_profiles ORDER BY name, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []domain.ConnectionProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

func (s *ProfileStore) UpdateProfile(ctx context.Context, p *domain.ConnectionProfile) error {
	p.UpdatedAt = time.Now().UTC()
	tlsJSON, err := json.Marshal(p.TLS)
	if err != nil {
		return fmt.Errorf("encode tls options: %w", err)
	}
	res, err := s.db.Conn().ExecContext(ctx,
		`UPDATE connection_profiles SET name=?, driver=?, host=?, port=?, database_name=?, username=?, sealed_secret=?, default_schema=?, tls_json=?, updated_at=?
		 WHERE id=?`,
		p.Name, p.Driver, p.Host, p.Port, p.Database, p.Username, p.SealedSecret, p.DefaultSchema, string(tlsJSON), p.UpdatedAt, p.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewNoSuchConnectionError(p.ID)
	}
	return nil
}

func (s *ProfileStore) DeleteProfile(ctx context.Context, id string) error {
	res, err := s.db.Conn().ExecContext(ctx, `DELETE FROM connection_profiles WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewNoSuchConnectionError(id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(r rowScanner) (*domain.ConnectionProfile, error) {
	var (
		p       domain.ConnectionProfile
		tlsJSON string
	)
	if err := r.Scan(&p.ID, &p.Name, &p.Driver, &p.Host, &p.Port, &p.Database, &p.Username,
		&p.SealedSecret, &p.DefaultSchema, &tlsJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if tlsJSON != "" {
		if err := json.Unmarshal([]byte(tlsJSON), &p.TLS); err != nil {
			return nil, fmt.Errorf("decode tls options for %s: %w", p.ID, err)
		}
	}
	return &p, nil
}
