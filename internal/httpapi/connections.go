package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"querydesk/internal/domain"
	"querydesk/internal/service"
)

// connectionView is a profile plus the state of its live handle.
type connectionView struct {
	domain.ConnectionProfile
	HasPassword bool                  `json:"hasPassword"`
	Handle      *service.HandleStatus `json:"handle,omitempty"`
}

func (s *Server) view(p domain.ConnectionProfile) connectionView {
	v := connectionView{ConnectionProfile: p, HasPassword: p.HasSecret()}
	if h, ok := s.deps.Conns.Handle(p.ID); ok {
		st := h.Status()
		v.Handle = &st
	}
	return v
}

func (s *Server) handleListConnections() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		profiles, err := s.deps.Profiles.List(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out := make([]connectionView, 0, len(profiles))
		for _, p := range profiles {
			out = append(out, s.view(p))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleCreateConnection() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in service.ProfileInput
		if err := decode(r, &in); err != nil {
			s.writeError(w, r, err)
			return
		}
		p, err := s.deps.Profiles.Create(r.Context(), in)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, s.view(*p))
	}
}

func (s *Server) handleGetConnection() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.deps.Profiles.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s.view(*p))
	}
}

func (s *Server) handleUpdateConnection() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in service.ProfileInput
		if err := decode(r, &in); err != nil {
			s.writeError(w, r, err)
			return
		}
		p, err := s.deps.Profiles.Update(r.Context(), chi.URLParam(r, "id"), in)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s.view(*p))
	}
}

func (s *Server) handleDeleteConnection() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Profiles.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleOpenConnection() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, err := s.deps.Conns.Open(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, h.Status())
	}
}

// handleCloseConnection drains the handle for up to ?wait= (default 5s).
func (s *Server) handleCloseConnection() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wait := 5 * time.Second
		if raw := r.URL.Query().Get("wait"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				s.writeError(w, r, domain.Errorf(domain.KindInvalidRequest, "wait: %v", err))
				return
			}
			wait = d
		}
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		if err := s.deps.Conns.Close(ctx, chi.URLParam(r, "id")); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type testRequest struct {
	Password string `json:"password,omitempty"`
}

func (s *Server) handleTestConnection() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req testRequest
		if r.ContentLength > 0 {
			if err := decode(r, &req); err != nil {
				s.writeError(w, r, err)
				return
			}
		}
		ok, err := s.deps.Profiles.Test(r.Context(), chi.URLParam(r, "id"), req.Password)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
	}
}

// handleSchema serves the cached snapshot; refresh forces introspection.
func (s *Server) handleSchema(refresh bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var (
			snap *domain.SchemaSnapshot
			err  error
		)
		if refresh {
			snap, err = s.deps.Conns.RefreshSchema(r.Context(), id)
		} else {
			snap, err = s.deps.Conns.Schema(r.Context(), id)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}
