package storage

import (
	"context"
	"time"

	"querydesk/internal/domain"
)

// SessionStore persists editor tabs.
type SessionStore struct {
	db *DB
}

// NewSessionStore creates a SessionStore.
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

var _ domain.QuerySessionStore = (*SessionStore)(nil)

func (s *SessionStore) SaveSession(ctx context.Context, qs *domain.QuerySession) error {
	qs.UpdatedAt = time.Now().UTC()
	_, err := s.db.Conn().ExecContext(ctx,
		`INSERT INTO query_sessions (id, name, connection_id, statement, current_execution_id, position, active, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   connection_id = excluded.connection_id,
		   statement = excluded.statement,
		   current_execution_id = excluded.current_execution_id,
		   position = excluded.position,
		   active = excluded.active,
		   updated_at = excluded.updated_at`,
		qs.ID, qs.Name, qs.ConnectionID, qs.Statement, qs.CurrentExecutionID, qs.Position, qs.Active, qs.UpdatedAt,
	)
	return err
}

func (s *SessionStore) ListSessions(ctx context.Context) ([]domain.QuerySession, error) {
	rows, err := s.db.Conn().QueryContext(ctx,
		`SELECT id, name, connection_id, statement, current_execution_id, position, active, updated_at
		 FROM query_sessions ORDER BY position, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.QuerySession
	for rows.Next() {
		var qs domain.QuerySession
		if err := rows.Scan(&qs.ID, &qs.Name, &qs.ConnectionID, &qs.Statement, &qs.CurrentExecutionID, &qs.Position, &qs.Active, &qs.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, qs)
	}
	return sessions, rows.Err()
}

func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.Conn().ExecContext(ctx, `DELETE FROM query_sessions WHERE id = ?`, id)
	return err
}
