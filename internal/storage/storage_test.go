package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querydesk/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// ─────────────────────────────────────────────────────────────
// Profiles
// ─────────────────────────────────────────────────────────────

func TestProfileStore_CRUD(t *testing.T) {
	s := NewProfileStore(newTestDB(t))
	ctx := context.Background()

	p := &domain.ConnectionProfile{
		ID: "p1", Name: "shop", Driver: domain.DatabaseDriverPostgres, Host: "db", Port: 5432,
		Database: "shop", Username: "app", SealedSecret: []byte{1, 2, 3}, DefaultSchema: "public",
		TLS: domain.TLSOptions{Mode: domain.TLSVerifyCA, CAFile: "/ca.pem"},
	}
	require.NoError(t, s.CreateProfile(ctx, p))
	assert.False(t, p.CreatedAt.IsZero())

	got, err := s.GetProfile(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, []byte{1, 2, 3}, got.SealedSecret)
	assert.Equal(t, p.TLS, got.TLS)
	assert.True(t, got.HasSecret())

	got.Name = "shop-ro"
	got.SealedSecret = nil
	require.NoError(t, s.UpdateProfile(ctx, got))

	list, err := s.ListProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "shop-ro", list[0].Name)
	assert.False(t, list[0].HasSecret())

	require.NoError(t, s.DeleteProfile(ctx, "p1"))
	_, err = s.GetProfile(ctx, "p1")
	assert.ErrorIs(t, err, domain.ErrNoSuchConnection)
	assert.ErrorIs(t, s.DeleteProfile(ctx, "p1"), domain.ErrNoSuchConnection)
	assert.ErrorIs(t, s.UpdateProfile(ctx, &domain.ConnectionProfile{ID: "nope"}), domain.ErrNoSuchConnection)
}

func TestNew_FileDatabaseReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "querydesk.db")
	db, err := New(path)
	require.NoError(t, err)
	require.NoError(t, NewSettingsStore(db).Set(context.Background(), "k", "v"))
	require.NoError(t, db.Close())

	db, err = New(path)
	require.NoError(t, err, "migrations are idempotent")
	defer db.Close()
	v, ok, err := NewSettingsStore(db).Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

// ─────────────────────────────────────────────────────────────
// Settings and sessions
// ─────────────────────────────────────────────────────────────

func TestSettingsStore_GetOrInit(t *testing.T) {
	s := NewSettingsStore(newTestDB(t))
	ctx := context.Background()

	calls := 0
	init := func() (string, error) {
		calls++
		return fmt.Sprintf("salt-%d", calls), nil
	}
	v1, err := s.GetOrInit(ctx, "vault_salt", init)
	require.NoError(t, err)
	v2, err := s.GetOrInit(ctx, "vault_salt", init)
	require.NoError(t, err)
	assert.Equal(t, "salt-1", v1)
	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, calls)
}

func TestSessionStore_Upsert(t *testing.T) {
	s := NewSessionStore(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, &domain.QuerySession{ID: "b", Position: 1, Statement: "SELECT 2"}))
	require.NoError(t, s.SaveSession(ctx, &domain.QuerySession{ID: "a", Position: 0, Statement: "SELECT 1", Active: true}))
	require.NoError(t, s.SaveSession(ctx, &domain.QuerySession{ID: "b", Position: 1, Statement: "SELECT 3"}))

	list, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.True(t, list[0].Active)
	assert.Equal(t, "SELECT 3", list[1].Statement)

	require.NoError(t, s.DeleteSession(ctx, "a"))
	list, err = s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

// ─────────────────────────────────────────────────────────────
// History
// ─────────────────────────────────────────────────────────────

func historyEntry(id, conn string, at time.Time, state domain.ExecutionState) domain.HistoryEntry {
	return domain.HistoryEntry{
		ExecutionID: id, ConnectionID: conn, Statement: "SELECT " + id, Preview: "SELECT " + id,
		State: state, SubmittedAt: at, FinishedAt: at.Add(time.Millisecond),
	}
}

func TestHistoryStore_InsertIsIdempotent(t *testing.T) {
	s := NewHistoryStore(newTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	e := historyEntry("x1", "c1", now, domain.ExecutionCompleted)
	n, err := s.InsertEntries(ctx, []domain.HistoryEntry{e})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e.State = domain.ExecutionFailed
	n, err = s.InsertEntries(ctx, []domain.HistoryEntry{e, e})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := s.GetEntry(ctx, "x1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, got.State, "first write wins")
	assert.True(t, got.SubmittedAt.Equal(now))

	_, err = s.GetEntry(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHistoryStore_KeysetPagination(t *testing.T) {
	s := NewHistoryStore(newTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var batch []domain.HistoryEntry
	for i := range 5 {
		batch = append(batch, historyEntry(fmt.Sprintf("e%d", i), "c1", base.Add(time.Duration(i)*time.Second), domain.ExecutionCompleted))
	}
	// Same timestamp as e4; ordered after it by id.
	batch = append(batch, historyEntry("e3b", "c2", base.Add(4*time.Second), domain.ExecutionFailed))
	_, err := s.InsertEntries(ctx, batch)
	require.NoError(t, err)

	var ids []string
	var after *domain.HistoryCursor
	for {
		page, err := s.ListEntries(ctx, domain.HistoryFilter{}, after, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			ids = append(ids, e.ExecutionID)
		}
		last := page[len(page)-1]
		after = &domain.HistoryCursor{SubmittedAt: last.SubmittedAt, ExecutionID: last.ExecutionID}
	}
	assert.Equal(t, []string{"e4", "e3b", "e3", "e2", "e1", "e0"}, ids)

	failed, err := s.ListEntries(ctx, domain.HistoryFilter{States: []domain.ExecutionState{domain.ExecutionFailed}}, nil, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "c2", failed[0].ConnectionID)

	since, err := s.ListEntries(ctx, domain.HistoryFilter{ConnectionID: "c1", Since: base.Add(3 * time.Second), Search: "select"}, nil, 0)
	require.NoError(t, err)
	assert.Len(t, since, 2)

	pruned, err := s.Prune(ctx, base.Add(2*time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 2, pruned)
}
