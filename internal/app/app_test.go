package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querydesk/internal/config"
	"querydesk/internal/domain"
	"querydesk/internal/secret"
	"querydesk/internal/service"
	"querydesk/internal/testutil"
)

// isolate keeps tests away from real config files and the OS keyring.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
	return dir
}

func testConfig(t *testing.T, dbPath string) *config.Config {
	t.Helper()
	isolate(t)
	t.Setenv("QUERYDESK_DATABASE", dbPath)
	cfg, err := config.NewLoader("", nil).Load()
	require.NoError(t, err)
	return cfg
}

// ─── Composition root ───

func TestNewPersistsVaultAcrossRestarts(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "app.db")
	cfg := testConfig(t, dbPath)
	secrets := secret.NewMemoryStore()
	ctx := context.Background()

	a, err := New(ctx, cfg, testutil.NewLogger(t), Options{Secrets: secrets})
	require.NoError(t, err)
	p, err := a.Profiles.Create(ctx, service.ProfileInput{
		Name: "pg", Driver: "postgres", Host: "db.local", Username: "app", Password: "hunter2",
	})
	require.NoError(t, err)
	require.True(t, p.HasSecret())
	require.NoError(t, a.Close(ctx))
	require.Len(t, secrets.Keys(), 1, "master secret generated once")

	// Same keyring and database: the sealed password still opens.
	a, err = New(ctx, cfg, testutil.NewLogger(t), Options{Secrets: secrets})
	require.NoError(t, err)
	defer a.Close(ctx)
	got, err := a.Profiles.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.SealedSecret, got.SealedSecret)
	assert.Len(t, secrets.Keys(), 1)

	// A different master secret cannot open it.
	cfg2 := *cfg
	cfg2.Vault.MasterSecret = "someone else"
	other, err := New(ctx, &cfg2, nil, Options{Secrets: secret.NewMemoryStore()})
	require.NoError(t, err)
	defer other.Close(ctx)
	_, err = other.Conns.Open(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrDecryption)
}

func TestNewRejectsBadSchedule(t *testing.T) {
	cfg := testConfig(t, ":memory:")
	cfg.Vault.MasterSecret = "x"
	cfg.Connections.ReapSchedule = "every now and then"
	_, err := New(context.Background(), cfg, nil, Options{Secrets: secret.NewMemoryStore()})
	assert.ErrorContains(t, err, "reap schedule")
}

func TestApplyReload(t *testing.T) {
	cfg := testConfig(t, ":memory:")
	cfg.Vault.MasterSecret = "x"
	var buf bytes.Buffer
	logger, level, err := NewLogger(&buf, cfg.Log)
	require.NoError(t, err)

	a, err := New(context.Background(), cfg, logger, Options{Secrets: secret.NewMemoryStore(), Level: level})
	require.NoError(t, err)
	defer a.Close(context.Background())

	logger.Debug("hidden")
	next := *cfg
	next.Log.Level = "debug"
	a.Apply(&next)
	logger.Debug("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "configuration reloaded")
	assert.Equal(t, slog.LevelDebug, level.Level())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := NewLogger(&buf, config.LogConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	logger.Info("quiet")
	logger.Warn("loud", slog.String("component", "test"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "loud", line["msg"])
	assert.Equal(t, "test", line["component"])

	_, _, err = NewLogger(&buf, config.LogConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
	_, _, err = NewLogger(&buf, config.LogConfig{Level: "loud", Format: "text"})
	assert.Error(t, err)
}

// ─── Command line ───

type cli struct {
	t  *testing.T
	db string
}

func newCLI(t *testing.T) *cli {
	dir := isolate(t)
	t.Setenv("QUERYDESK_VAULT__MASTER_SECRET", "cli test secret")
	return &cli{t: t, db: filepath.Join(dir, "querydesk.db")}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--database", c.db, "--log-level", "warn"}, args...))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	require.NoError(c.t, err, "querydesk %s", strings.Join(args, " "))
	return out
}

var savedRe = regexp.MustCompile(`Saved \S+ \(([^)]+)\)`)

func TestCLIEndToEnd(t *testing.T) {
	c := newCLI(t)
	dataFile := filepath.Join(t.TempDir(), "shop.db")

	out := c.mustRun("conn", "add", "--name", "shop", "--driver", "sqlite", "--host", dataFile)
	m := savedRe.FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	id := m[1]

	out = c.mustRun("conn", "list")
	assert.Contains(t, out, "shop")
	assert.Contains(t, out, "sqlite")
	assert.Equal(t, "OK\n", c.mustRun("conn", "test", id))

	c.mustRun("run", "-c", id, "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)")
	out = c.mustRun("run", "-c", id, "INSERT INTO items (name) VALUES ('ada'), ('grace')")
	assert.Contains(t, out, "2 rows affected")

	out = c.mustRun("run", "-c", id, "--page-size", "1", "SELECT name FROM items ORDER BY id")
	assert.Contains(t, out, "ada")
	assert.Contains(t, out, "grace")
	assert.Contains(t, out, "(2 rows")

	_, err := c.run("run", "-c", id, "--read-only", "DELETE FROM items")
	assert.ErrorIs(t, err, domain.ErrStatementRejected)

	_, err = c.run("run", "-c", id, "SELECT * FROM nowhere")
	assert.Error(t, err)

	_, err = c.run("run", "-c", "missing", "SELECT 1")
	assert.ErrorIs(t, err, domain.ErrNoSuchConnection)

	var entries []domain.HistoryEntry
	require.NoError(t, json.Unmarshal([]byte(c.mustRun("history", "list", "--json", "--search", "ORDER BY")), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ExecutionCompleted, entries[0].State)

	out = c.mustRun("history", "list", "--state", "Failed")
	assert.Contains(t, out, "nowhere")
	_, err = c.run("history", "list", "--state", "Running")
	assert.Error(t, err)

	out = c.mustRun("history", "rerun", entries[0].ExecutionID)
	assert.Contains(t, out, "grace")

	c.mustRun("conn", "rm", id)
	assert.Contains(t, c.mustRun("conn", "list"), "(no connections)")
}

func TestCLIHelp(t *testing.T) {
	isolate(t)
	root := NewRootCmd()
	root.SetArgs([]string{"--log-level", "debug", "--database", ":memory:", "conn", "--help"})
	var out bytes.Buffer
	root.SetOut(&out)
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "Manage saved connection profiles")
}
