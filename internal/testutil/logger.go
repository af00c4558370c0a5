// Package testutil holds helpers shared by package tests.
package testutil

import (
	"log/slog"
	"sync"
	"testing"
)

// NewLogger returns a debug-level logger that writes through t.Log. Output
// written after the test has finished is dropped, so background workers
// that outlive a test cannot panic it.
func NewLogger(t testing.TB) *slog.Logger {
	t.Helper()
	w := &tbWriter{t: t}
	t.Cleanup(w.stop)
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type tbWriter struct {
	mu   sync.Mutex
	t    testing.TB
	done bool
}

func (w *tbWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.done {
		w.t.Log(string(p))
	}
	return len(p), nil
}

func (w *tbWriter) stop() {
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
}
