package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"querydesk/internal/domain"
	"querydesk/internal/service"
)

type submitRequest struct {
	SessionID    string `json:"sessionId"`
	ConnectionID string `json:"connectionId"`
	Statement    string `json:"statement"`
	ReadOnly     bool   `json:"readOnly"`
	RowLimit     int    `json:"rowLimit,omitempty"`
	TimeoutMs    int64  `json:"timeoutMs,omitempty"`
}

func (s *Server) handleSubmit(explain bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body submitRequest
		if err := decode(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
		req := service.SubmitRequest{
			SessionID:    body.SessionID,
			ConnectionID: body.ConnectionID,
			Statement:    body.Statement,
			ReadOnly:     body.ReadOnly,
			RowLimit:     body.RowLimit,
			Timeout:      time.Duration(body.TimeoutMs) * time.Millisecond,
		}
		if req.Timeout <= 0 {
			req.Timeout = s.cfg.DefaultTimeout
		}

		var (
			id  string
			err error
		)
		if explain {
			id, err = s.deps.Engine.Explain(r.Context(), req)
		} else {
			id, err = s.deps.Engine.Submit(r.Context(), req)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Location", "/api/executions/"+id)
		writeJSON(w, http.StatusAccepted, map[string]string{"executionId": id})
	}
}

func (s *Server) handleListExecutions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.deps.Engine.Executions(r.URL.Query().Get("session")))
	}
}

func (s *Server) handleExecutionStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.deps.Engine.Status(chi.URLParam(r, "id"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// handleCancel answers 202 when the cancel was accepted and 409 when the
// execution had already finished.
func (s *Server) handleCancel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if s.deps.Engine.Cancel(id) {
			snap, err := s.deps.Engine.Status(id)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusAccepted, snap)
			return
		}
		snap, err := s.deps.Engine.Status(id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusConflict, snap)
	}
}

func (s *Server) handlePage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, err := strconv.Atoi(chi.URLParam(r, "index"))
		if err != nil {
			s.writeError(w, r, domain.Errorf(domain.KindInvalidRequest, "page index must be an integer"))
			return
		}
		size := 0
		if raw := r.URL.Query().Get("size"); raw != "" {
			if size, err = strconv.Atoi(raw); err != nil {
				s.writeError(w, r, domain.Errorf(domain.KindInvalidRequest, "size must be an integer"))
				return
			}
		}
		page, err := s.deps.Engine.GetPage(r.Context(), chi.URLParam(r, "id"), index, size)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}
