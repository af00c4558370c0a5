package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querydesk/internal/dbclient"
	"querydesk/internal/domain"
	"querydesk/internal/secret"
	"querydesk/internal/service"
)

func newProfileService(t *testing.T, f *fixture) (*service.ProfileService, *secret.Vault) {
	t.Helper()
	salt, err := secret.NewSalt()
	require.NoError(t, err)
	vault, err := secret.NewVault([]byte("master"), salt)
	require.NoError(t, err)
	return service.NewProfileService(f.profiles, vault, f.conns, nil), vault
}

func TestProfileService_CreateSealsPassword(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	svc, vault := newProfileService(t, f)
	ctx := context.Background()

	p, err := svc.Create(ctx, service.ProfileInput{
		Name: " shop ", Driver: "postgres", Host: "db.local", Username: "app", Password: "hunter2",
	})
	require.NoError(t, err)
	assert.Equal(t, "shop", p.Name)
	assert.Equal(t, domain.TLSDisable, p.TLS.Mode)

	stored, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, stored.HasSecret())
	assert.NotContains(t, string(stored.SealedSecret), "hunter2")
	plain, err := vault.Open(stored.SealedSecret)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(plain))

	list, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestProfileService_Validation(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	svc, _ := newProfileService(t, f)

	for name, in := range map[string]service.ProfileInput{
		"missing name":   {Driver: "mysql", Host: "h"},
		"unknown driver": {Name: "x", Driver: "oracle", Host: "h"},
		"missing host":   {Name: "x", Driver: "mysql"},
		"missing file":   {Name: "x", Driver: "sqlite"},
		"bad port":       {Name: "x", Driver: "mysql", Host: "h", Port: 70000},
		"bad tls":        {Name: "x", Driver: "mysql", Host: "h", TLS: domain.TLSOptions{Mode: "maybe"}},
	} {
		_, err := svc.Create(context.Background(), in)
		assert.ErrorIs(t, err, domain.ErrInvalidRequest, name)
	}
}

func TestProfileService_UpdateKeepsOrClearsPassword(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	svc, vault := newProfileService(t, f)
	ctx := context.Background()

	in := service.ProfileInput{Name: "shop", Driver: "mysql", Host: "db", Password: "one"}
	p, err := svc.Create(ctx, in)
	require.NoError(t, err)

	in.Password = ""
	in.Host = "db2"
	updated, err := svc.Update(ctx, p.ID, in)
	require.NoError(t, err)
	assert.Equal(t, "db2", updated.Host)
	plain, err := vault.Open(updated.SealedSecret)
	require.NoError(t, err)
	assert.Equal(t, "one", string(plain), "empty password keeps the secret")

	in.ClearPassword = true
	cleared, err := svc.Update(ctx, p.ID, in)
	require.NoError(t, err)
	assert.False(t, cleared.HasSecret())

	_, err = svc.Update(ctx, "missing", in)
	assert.ErrorIs(t, err, domain.ErrNoSuchConnection)
}

func TestProfileService_DeleteWhileInUse(t *testing.T) {
	conn := newFakeConnector(1)
	f := newFixture(t, withFake(conn))
	svc, _ := newProfileService(t, f)
	ctx := context.Background()

	p, err := svc.Create(ctx, service.ProfileInput{Name: "shop", Driver: "mysql", Host: "db"})
	require.NoError(t, err)
	_, err = f.conns.Open(ctx, p.ID)
	require.NoError(t, err)

	execID := f.submit(t, service.SubmitRequest{ConnectionID: p.ID, Statement: "SLEEP"})
	waitStarted(t, conn)

	err = svc.Delete(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrConnectionInUse)
	_, err = svc.Get(ctx, p.ID)
	require.NoError(t, err, "profile survives a refused delete")

	f.engine.Cancel(execID)
	f.waitTerminal(t, execID)
	require.Eventually(t, func() bool { return svc.Delete(ctx, p.ID) == nil }, time.Second, 5*time.Millisecond)
	assert.True(t, conn.closed.Load(), "idle handle closed on delete")

	_, err = svc.Get(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrNoSuchConnection)
}

func TestProfileService_DeleteWithUnreadResult(t *testing.T) {
	conn := newFakeConnector(50)
	f := newFixture(t, fixtureOptions{
		factory: withFake(conn).factory,
		engine:  service.EngineOptions{PrefetchRows: 10},
	})
	svc, _ := newProfileService(t, f)
	ctx := context.Background()

	p, err := svc.Create(ctx, service.ProfileInput{Name: "shop", Driver: "mysql", Host: "db"})
	require.NoError(t, err)
	h, err := f.conns.Open(ctx, p.ID)
	require.NoError(t, err)

	execID := f.submit(t, service.SubmitRequest{SessionID: "tab", ConnectionID: p.ID, Statement: "SELECT n FROM t"})
	snap := f.waitState(t, execID, domain.ExecutionCompleted)
	require.True(t, snap.HasMore)
	require.Eventually(t, func() bool { return h.Status().Parked == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, h.Active())

	require.NoError(t, svc.Delete(ctx, p.ID), "a completed result does not block the delete")
	assert.True(t, conn.closed.Load())
	assert.Zero(t, h.Refs())
}

func TestProfileService_TestUsesStoredSecret(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	salt, err := secret.NewSalt()
	require.NoError(t, err)
	vault, err := secret.NewVault([]byte("master"), salt)
	require.NoError(t, err)

	// The manager needs the same vault to open stored secrets.
	var passwords []string
	conns := service.NewConnectionManager(f.profiles, vault, f.schemas, service.ManagerOptions{
		Factory: func(_ *domain.ConnectionProfile, pw string, _ dbclient.Options) (dbclient.Connector, error) {
			passwords = append(passwords, pw)
			return newFakeConnector(1), nil
		},
	})
	svc := service.NewProfileService(f.profiles, vault, conns, nil)
	ctx := context.Background()

	p, err := svc.Create(ctx, service.ProfileInput{Name: "shop", Driver: "mysql", Host: "db", Password: "stored"})
	require.NoError(t, err)

	ok, err := svc.Test(ctx, p.ID, "")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.Test(ctx, p.ID, "typed")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"stored", "typed"}, passwords)
}
