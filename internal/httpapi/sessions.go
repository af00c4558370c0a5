package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"querydesk/internal/domain"
)

func (s *Server) handleListSessions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, err := s.deps.Sessions.ListSessions(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if sessions == nil {
			sessions = []domain.QuerySession{}
		}
		writeJSON(w, http.StatusOK, sessions)
	}
}

func (s *Server) handleSaveSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var qs domain.QuerySession
		if err := decode(r, &qs); err != nil {
			s.writeError(w, r, err)
			return
		}
		qs.ID = chi.URLParam(r, "id")
		if err := s.deps.Sessions.SaveSession(r.Context(), &qs); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, qs)
	}
}

func (s *Server) handleDeleteSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Sessions.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
