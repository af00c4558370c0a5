package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querydesk/internal/dbclient"
	"querydesk/internal/domain"
	"querydesk/internal/secret"
	"querydesk/internal/service"
	"querydesk/internal/storage"
	"querydesk/internal/testutil"
)

func TestConnectionManager_ConcurrentOpensDialOnce(t *testing.T) {
	conn := newFakeConnector(1)
	f := newFixture(t, withFake(conn))
	id := f.addProfile(t, domain.ConnectionProfile{})

	var wg sync.WaitGroup
	handles := make([]*service.Handle, 8)
	for i := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := f.conns.Open(context.Background(), id)
			assert.NoError(t, err)
			handles[i] = h
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, f.dials.Load())
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
	require.Len(t, f.conns.Handles(), 1)
	assert.Equal(t, id, f.conns.Handles()[0].ProfileID)
}

func TestConnectionManager_OpenUnknownProfile(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	_, err := f.conns.Open(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNoSuchConnection)
	assert.Empty(t, f.conns.Handles())
}

func TestConnectionManager_RetriesTransientOnce(t *testing.T) {
	t.Run("network error is retried", func(t *testing.T) {
		conn := newFakeConnector(1)
		conn.pingErrs = []error{&domain.Error{Kind: domain.KindNetwork, Message: "connection reset"}}
		f := newFixture(t, withFake(conn))

		_, err := f.conns.Open(context.Background(), f.addProfile(t, domain.ConnectionProfile{}))
		require.NoError(t, err)
		assert.EqualValues(t, 2, conn.pings.Load())
	})

	t.Run("second network error surfaces", func(t *testing.T) {
		conn := newFakeConnector(1)
		netErr := &domain.Error{Kind: domain.KindNetwork, Message: "connection reset"}
		conn.pingErrs = []error{netErr, netErr, netErr}
		f := newFixture(t, withFake(conn))

		_, err := f.conns.Open(context.Background(), f.addProfile(t, domain.ConnectionProfile{}))
		assert.ErrorIs(t, err, domain.ErrNetwork)
		assert.EqualValues(t, 2, conn.pings.Load())
		assert.True(t, conn.closed.Load(), "failed dial closes the connector")
		assert.Empty(t, f.conns.Handles())
	})

	t.Run("auth error is not retried", func(t *testing.T) {
		conn := newFakeConnector(1)
		conn.pingErrs = []error{&domain.Error{Kind: domain.KindAuth, Code: "1045", Message: "Access denied"}}
		f := newFixture(t, withFake(conn))

		_, err := f.conns.Open(context.Background(), f.addProfile(t, domain.ConnectionProfile{}))
		assert.ErrorIs(t, err, domain.ErrAuth)
		assert.EqualValues(t, 1, conn.pings.Load())
	})
}

func TestConnectionManager_CloseDrains(t *testing.T) {
	conn := newFakeConnector(1)
	f := newFixture(t, withFake(conn))
	id, h := f.open(t)

	execID := f.submit(t, service.SubmitRequest{SessionID: "tab", ConnectionID: id, Statement: "SLEEP"})
	waitStarted(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := f.conns.Close(ctx, id)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnectionInUse)
	assert.False(t, conn.closed.Load(), "connector stays open while referenced")

	_, err = f.engine.Submit(context.Background(), service.SubmitRequest{ConnectionID: id, Statement: "SELECT 1"})
	assert.ErrorIs(t, err, domain.ErrNoSuchConnection, "closing handles take no new work")
	_, err = h.Acquire()
	assert.ErrorIs(t, err, domain.ErrNoSuchConnection)

	f.engine.Cancel(execID)
	f.waitTerminal(t, execID)
	require.Eventually(t, conn.closed.Load, time.Second, time.Millisecond)

	err = f.conns.Close(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrNoSuchConnection)
}

func TestConnectionManager_CloseIdleIsImmediate(t *testing.T) {
	conn := newFakeConnector(1)
	f := newFixture(t, withFake(conn))
	id, _ := f.open(t)

	require.NoError(t, f.conns.Close(context.Background(), id))
	assert.True(t, conn.closed.Load())
	_, ok := f.conns.Handle(id)
	assert.False(t, ok)
}

func TestConnectionManager_ReapIdle(t *testing.T) {
	conn := newFakeConnector(1)
	f := newFixture(t, withFake(conn))
	id, _ := f.open(t)

	execID := f.submit(t, service.SubmitRequest{ConnectionID: id, Statement: "SLEEP"})
	waitStarted(t, conn)
	assert.Zero(t, f.conns.ReapIdle(0), "busy handles are kept")

	f.engine.Cancel(execID)
	f.waitTerminal(t, execID)
	assert.Zero(t, f.conns.ReapIdle(time.Hour), "recently used handles are kept")
	assert.Equal(t, 1, f.conns.ReapIdle(0))
	assert.True(t, conn.closed.Load())
	assert.Empty(t, f.conns.Handles())
}

func TestConnectionManager_ReapIdleShutsDownOutsideRegistryLock(t *testing.T) {
	conn := newFakeConnector(1)
	conn.closeGate = make(chan struct{})
	f := newFixture(t, withFake(conn))
	f.open(t)

	reaped := make(chan int, 1)
	go func() { reaped <- f.conns.ReapIdle(0) }()

	require.Eventually(t, func() bool {
		listed := make(chan int, 1)
		go func() { listed <- len(f.conns.Handles()) }()
		select {
		case n := <-listed:
			return n == 0
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 5*time.Millisecond, "registry stays usable while the connector closes")

	close(conn.closeGate)
	select {
	case n := <-reaped:
		assert.Equal(t, 1, n)
	case <-time.After(5 * time.Second):
		t.Fatal("ReapIdle never returned")
	}
	assert.True(t, conn.closed.Load())
}

func TestConnectionManager_ReplaceOpensFreshHandle(t *testing.T) {
	conn := newFakeConnector(1)
	f := newFixture(t, withFake(conn))
	id, old := f.open(t)

	fresh, err := f.conns.Replace(context.Background(), id)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID(), fresh.ID())
	assert.EqualValues(t, 2, f.dials.Load())

	current, ok := f.conns.Handle(id)
	require.True(t, ok)
	assert.Same(t, fresh, current)
}

func TestConnectionManager_DecryptionError(t *testing.T) {
	db, err := storage.New(storage.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	salt, err := secret.NewSalt()
	require.NoError(t, err)
	vault, err := secret.NewVault([]byte("master"), salt)
	require.NoError(t, err)
	otherVault, err := secret.NewVault([]byte("another master"), salt)
	require.NoError(t, err)

	sealed, err := otherVault.Seal([]byte("hunter2"))
	require.NoError(t, err)
	profiles := storage.NewProfileStore(db)
	require.NoError(t, profiles.CreateProfile(context.Background(), &domain.ConnectionProfile{
		ID: "p1", Name: "prod", Driver: domain.DatabaseDriverMySQL, Host: "db", SealedSecret: sealed,
	}))

	dialed := false
	conns := service.NewConnectionManager(profiles, vault, service.NewSchemaCache(), service.ManagerOptions{
		Factory: func(*domain.ConnectionProfile, string, dbclient.Options) (dbclient.Connector, error) {
			dialed = true
			return newFakeConnector(1), nil
		},
		Logger: testutil.NewLogger(t),
	})

	_, err = conns.Open(context.Background(), "p1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDecryption)
	assert.Contains(t, err.Error(), "re-enter password")
	assert.False(t, dialed, "no dial with unreadable credentials")
}

func TestConnectionManager_PasswordReachesFactory(t *testing.T) {
	db, err := storage.New(storage.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	salt, err := secret.NewSalt()
	require.NoError(t, err)
	vault, err := secret.NewVault([]byte("master"), salt)
	require.NoError(t, err)
	sealed, err := vault.Seal([]byte("hunter2"))
	require.NoError(t, err)

	profiles := storage.NewProfileStore(db)
	require.NoError(t, profiles.CreateProfile(context.Background(), &domain.ConnectionProfile{
		ID: "p1", Name: "prod", Driver: domain.DatabaseDriverMySQL, Host: "db", SealedSecret: sealed,
	}))

	var got string
	conns := service.NewConnectionManager(profiles, vault, service.NewSchemaCache(), service.ManagerOptions{
		Factory: func(_ *domain.ConnectionProfile, password string, _ dbclient.Options) (dbclient.Connector, error) {
			got = password
			return newFakeConnector(1), nil
		},
	})
	_, err = conns.Open(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)
	require.NoError(t, conns.CloseAll(context.Background()))
}

func TestConnectionManager_TestConnection(t *testing.T) {
	conn := newFakeConnector(1)
	f := newFixture(t, withFake(conn))

	ok, err := f.conns.TestConnection(context.Background(), &domain.ConnectionProfile{Driver: domain.DatabaseDriverMySQL, Host: "db"}, "pw")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, conn.closed.Load(), "throwaway connector is closed")
	assert.Empty(t, f.conns.Handles(), "testing registers nothing")

	failing := newFakeConnector(1)
	failing.pingErrs = []error{&domain.Error{Kind: domain.KindAuth, Message: "Access denied"}}
	f2 := newFixture(t, withFake(failing))
	ok, err = f2.conns.TestConnection(context.Background(), &domain.ConnectionProfile{Driver: domain.DatabaseDriverMySQL, Host: "db"}, "bad")
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrAuth)
}

func TestConnectionManager_RefreshSchema(t *testing.T) {
	conn := newFakeConnector(1)
	f := newFixture(t, withFake(conn))
	id, h := f.open(t)

	_, err := f.conns.RefreshSchema(context.Background(), "not-open")
	assert.ErrorIs(t, err, domain.ErrNoSuchConnection)

	first, err := f.conns.Schema(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, first.ConnectionID)
	cached, err := f.conns.Schema(context.Background(), id)
	require.NoError(t, err)
	assert.Same(t, first, cached, "cached snapshot is reused")
	assert.EqualValues(t, 1, conn.introspect.Load())

	second, err := f.conns.RefreshSchema(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "t1", first.Tables[0].Name, "readers keep their snapshot")
	assert.Equal(t, "t2", second.Tables[0].Name)
	assert.Zero(t, h.Refs())

	require.NoError(t, f.conns.Close(context.Background(), id))
	_, ok := f.schemas.Get(id)
	assert.False(t, ok, "closing drops the snapshot")
}

func TestSchemaCache_CopyOnWrite(t *testing.T) {
	c := service.NewSchemaCache()
	a := &domain.SchemaSnapshot{ConnectionID: "a"}
	c.Put(a)
	c.Put(&domain.SchemaSnapshot{ConnectionID: "b"})

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Same(t, a, got)

	c.Invalidate("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, "a", got.ConnectionID, "invalidation leaves held snapshots intact")
}

func TestConnectionManager_FactoryErrorWrapped(t *testing.T) {
	f := newFixture(t, fixtureOptions{factory: func(*domain.ConnectionProfile, string, dbclient.Options) (dbclient.Connector, error) {
		return nil, domain.Errorf(domain.KindInvalidRequest, "unsupported driver")
	}})
	_, err := f.conns.Open(context.Background(), f.addProfile(t, domain.ConnectionProfile{}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))
}
