package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"querydesk/internal/dbclient"
	"querydesk/internal/domain"
)

// ─────────────────────────────────────────────────────────────
// ConnectionManager: owns the live handle of every open profile
// ─────────────────────────────────────────────────────────────

// SecretOpener opens sealed profile credentials.
type SecretOpener interface {
	Open(ciphertext []byte) ([]byte, error)
}

// ManagerOptions configures a ConnectionManager.
type ManagerOptions struct {
	PoolLimit      int           // server sessions per handle
	ConnectTimeout time.Duration // dial + ping
	RetryBackoff   time.Duration // pause before the single transient retry

	Factory dbclient.Factory // nil means dbclient.NewConnector
	Metrics *Metrics
	Logger  *slog.Logger
}

// ConnectionManager maps profile ids to live handles. Every operation on
// external connections goes through it.
type ConnectionManager struct {
	profiles domain.ConnectionProfileStore
	secrets  SecretOpener
	schemas  *SchemaCache
	opts     ManagerOptions
	logger   *slog.Logger

	opens   singleflight.Group
	mu      sync.Mutex
	handles map[string]*Handle
}

// NewConnectionManager creates a ConnectionManager.
func NewConnectionManager(
	profiles domain.ConnectionProfileStore,
	secrets SecretOpener,
	schemas *SchemaCache,
	opts ManagerOptions,
) *ConnectionManager {
	if opts.Factory == nil {
		opts.Factory = dbclient.NewConnector
	}
	if opts.PoolLimit <= 0 {
		opts.PoolLimit = dbclient.DefaultPoolLimit
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &ConnectionManager{
		profiles: profiles,
		secrets:  secrets,
		schemas:  schemas,
		opts:     opts,
		logger:   opts.Logger.With(slog.String("component", "connections")),
		handles:  make(map[string]*Handle),
	}
}

// SetPoolLimit changes the session limit used for handles opened from now on.
func (m *ConnectionManager) SetPoolLimit(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.opts.PoolLimit = n
	}
}

// ── Open / Close ───────────────────────────────────────────

// Open returns the live handle for profileID, dialing it if needed.
// Concurrent first opens of one profile share a single dial.
func (m *ConnectionManager) Open(ctx context.Context, profileID string) (*Handle, error) {
	if h, ok := m.Handle(profileID); ok {
		return h, nil
	}
	v, err, _ := m.opens.Do(profileID, func() (any, error) {
		if h, ok := m.Handle(profileID); ok {
			return h, nil
		}
		return m.dial(context.WithoutCancel(ctx), profileID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// Handle returns the registered live handle for profileID.
func (m *ConnectionManager) Handle(profileID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[profileID]
	return h, ok
}

// Handles lists the open handles.
func (m *ConnectionManager) Handles() []HandleStatus {
	m.mu.Lock()
	hs := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		hs = append(hs, h)
	}
	m.mu.Unlock()

	out := make([]HandleStatus, len(hs))
	for i, h := range hs {
		out[i] = h.Status()
	}
	return out
}

func (m *ConnectionManager) dial(ctx context.Context, profileID string) (*Handle, error) {
	p, err := m.profiles.GetProfile(ctx, profileID)
	if err != nil {
		return nil, err
	}
	password, err := m.password(p)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	poolLimit := m.opts.PoolLimit
	m.mu.Unlock()

	logger := m.logger.With(slog.String("profile", p.ID), slog.String("driver", string(p.Driver)))
	conn, err := m.opts.Factory(p, password, dbclient.Options{
		PoolLimit:      poolLimit,
		ConnectTimeout: m.opts.ConnectTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p.Name, err)
	}
	if err := retryTransient(ctx, m.opts.RetryBackoff, logger, "ping", conn.Ping); err != nil {
		_ = conn.Close()
		return nil, err
	}

	now := time.Now()
	h := &Handle{
		id:        uuid.NewString(),
		profileID: p.ID,
		driver:    p.Driver,
		schema:    p.DefaultSchema,
		connector: conn,
		poolLimit: poolLimit,
		openedAt:  now,
		lastUsed:  now,
		backoff:   m.opts.RetryBackoff,
		logger:    logger,
		drained:   make(chan struct{}),
		onClosed:  func(*Handle) { m.opts.Metrics.handleClosed() },
	}

	m.mu.Lock()
	m.handles[p.ID] = h
	m.mu.Unlock()
	m.opts.Metrics.handleOpened()

	logger.Info("connection opened", slog.String("handle", h.id))
	return h, nil
}

func (m *ConnectionManager) password(p *domain.ConnectionProfile) (string, error) {
	if !p.HasSecret() {
		return "", nil
	}
	if m.secrets == nil {
		return "", domain.NewDecryptionError(errors.New("no vault configured"))
	}
	pt, err := m.secrets.Open(p.SealedSecret)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// Close unregisters the handle of profileID and waits until every lease on
// it is released. New submissions fail with NoSuchConnection immediately.
// If ctx ends first the handle still closes on its last release and the
// returned error says so.
func (m *ConnectionManager) Close(ctx context.Context, profileID string) error {
	h, ok := m.unregister(profileID)
	if !ok {
		return domain.NewNoSuchConnectionError(profileID)
	}
	select {
	case <-h.beginClose():
		m.logger.Info("connection closed", slog.String("profile", profileID))
		return nil
	case <-ctx.Done():
		refs := h.Refs()
		m.logger.Warn("connection still referenced; it will close on last release",
			slog.String("profile", profileID), slog.Int("refs", refs))
		return domain.Wrap(domain.KindConnectionInUse, ctx.Err(),
			fmt.Sprintf("connection %s still has %d active executions", profileID, refs))
	}
}

// Replace abandons the current handle of profileID, which closes once its
// leases are gone, and opens a fresh one.
func (m *ConnectionManager) Replace(ctx context.Context, profileID string) (*Handle, error) {
	if h, ok := m.unregister(profileID); ok {
		h.beginClose()
		m.logger.Warn("replacing connection handle",
			slog.String("profile", profileID), slog.String("handle", h.id), slog.Int("refs", h.Refs()))
	}
	return m.Open(ctx, profileID)
}

// ReapIdle closes handles that have had no lease for longer than maxIdle.
// Handles are picked under the registry lock and shut down after it.
func (m *ConnectionManager) ReapIdle(maxIdle time.Duration) int {
	m.mu.Lock()
	var idle []*Handle
	for id, h := range m.handles {
		if h.markIdleClosing(maxIdle) {
			delete(m.handles, id)
			idle = append(idle, h)
		}
	}
	m.mu.Unlock()

	for _, h := range idle {
		m.schemas.Invalidate(h.profileID)
		h.shutdown()
		m.logger.Info("idle connection closed", slog.String("profile", h.profileID))
	}
	return len(idle)
}

// CloseAll closes every handle, draining each until ctx ends.
func (m *ConnectionManager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.Close(ctx, id); err != nil && !errors.Is(err, domain.ErrNoSuchConnection) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// unregister removes the handle of profileID from the registry.
func (m *ConnectionManager) unregister(profileID string) (*Handle, bool) {
	m.mu.Lock()
	h, ok := m.handles[profileID]
	if ok {
		delete(m.handles, profileID)
	}
	m.mu.Unlock()
	if ok {
		m.schemas.Invalidate(profileID)
	}
	return h, ok
}

// ── Test + Schema ──────────────────────────────────────────

// TestConnection dials p with a throwaway connector, pings it and closes
// it. An empty password falls back to the profile's sealed secret.
func (m *ConnectionManager) TestConnection(ctx context.Context, p *domain.ConnectionProfile, password string) (bool, error) {
	if password == "" {
		var err error
		if password, err = m.password(p); err != nil {
			return false, err
		}
	}
	conn, err := m.opts.Factory(p, password, dbclient.Options{
		PoolLimit:      1,
		ConnectTimeout: m.opts.ConnectTimeout,
		Logger:         m.logger,
	})
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if err := retryTransient(ctx, m.opts.RetryBackoff, m.logger, "test connection", conn.Ping); err != nil {
		return false, err
	}
	return true, nil
}

// RefreshSchema introspects the open connection of profileID and swaps the
// result into the schema cache.
func (m *ConnectionManager) RefreshSchema(ctx context.Context, profileID string) (*domain.SchemaSnapshot, error) {
	h, ok := m.Handle(profileID)
	if !ok {
		return nil, domain.NewNoSuchConnectionError(profileID)
	}
	lease, err := h.Acquire()
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	h.makeRoom(min(dbclient.IntrospectWidth, h.poolLimit))

	var info *dbclient.SchemaInfo
	err = retryTransient(ctx, m.opts.RetryBackoff, h.logger, "refresh schema", func(ctx context.Context) error {
		var err error
		info, err = h.connector.Introspect(ctx, h.schema)
		return err
	})
	if err != nil {
		return nil, err
	}

	snap := &domain.SchemaSnapshot{
		ConnectionID: profileID,
		Schema:       info.Schema,
		Tables:       info.Tables,
		ForeignKeys:  info.ForeignKeys,
		GeneratedAt:  time.Now().UTC(),
	}
	m.schemas.Put(snap)
	h.logger.Debug("schema refreshed", slog.Int("tables", len(snap.Tables)))
	return snap, nil
}

// Schema returns the cached snapshot, refreshing it if there is none.
func (m *ConnectionManager) Schema(ctx context.Context, profileID string) (*domain.SchemaSnapshot, error) {
	if s, ok := m.schemas.Get(profileID); ok {
		return s, nil
	}
	return m.RefreshSchema(ctx, profileID)
}

// InvalidateSchema drops the cached snapshot and refreshes it in the
// background. Used after DDL.
func (m *ConnectionManager) InvalidateSchema(profileID string) {
	m.schemas.Invalidate(profileID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := m.RefreshSchema(ctx, profileID); err != nil && !errors.Is(err, domain.ErrNoSuchConnection) {
			m.logger.Warn("schema refresh after DDL failed",
				slog.String("profile", profileID), slog.String("error", err.Error()))
		}
	}()
}

// RefreshAll refreshes the snapshot of every open handle.
func (m *ConnectionManager) RefreshAll(ctx context.Context) {
	for _, st := range m.Handles() {
		if _, err := m.RefreshSchema(ctx, st.ProfileID); err != nil {
			m.logger.Warn("scheduled schema refresh failed",
				slog.String("profile", st.ProfileID), slog.String("error", err.Error()))
		}
	}
}
