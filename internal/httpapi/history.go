package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"querydesk/internal/domain"
	"querydesk/internal/service"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// historyFilter parses the query string of GET /api/history.
func historyFilter(r *http.Request) (domain.HistoryFilter, error) {
	q := r.URL.Query()
	f := domain.HistoryFilter{
		ConnectionID: q.Get("connection"),
		SessionID:    q.Get("session"),
		Search:       q.Get("search"),
		Limit:        defaultHistoryLimit,
	}
	for _, raw := range q["state"] {
		for _, part := range strings.Split(raw, ",") {
			st := domain.ExecutionState(strings.TrimSpace(part))
			if !st.Valid() {
				return f, domain.Errorf(domain.KindInvalidRequest, "unknown state %q", part)
			}
			f.States = append(f.States, st)
		}
	}
	for key, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if raw := q.Get(key); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return f, domain.Errorf(domain.KindInvalidRequest, "%s must be RFC 3339: %v", key, err)
			}
			*dst = t
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return f, domain.Errorf(domain.KindInvalidRequest, "limit must be a positive integer")
		}
		f.Limit = min(n, maxHistoryLimit)
	}
	return f, nil
}

func (s *Server) handleHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := historyFilter(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		entries, err := service.Collect(s.deps.History.Query(r.Context(), f))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if entries == nil {
			entries = []domain.HistoryEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func (s *Server) handleHistoryEntry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := s.deps.History.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}
