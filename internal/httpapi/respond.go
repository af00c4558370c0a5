package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"querydesk/internal/domain"
)

type errorBody struct {
	Kind    domain.ErrorKind `json:"kind"`
	Code    string           `json:"code,omitempty"`
	Message string           `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError renders err with the status of its kind. Errors without a
// kind are logged and reported as internal.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]errorBody{
			"error": {Kind: "Internal", Message: "internal error"},
		})
		return
	}
	msg := de.Message
	if msg == "" {
		msg = err.Error()
	}
	writeJSON(w, statusFor(de.Kind), map[string]errorBody{
		"error": {Kind: de.Kind, Code: de.Code, Message: msg},
	})
}

func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindNoSuchConnection, domain.KindNoSuchExecution, domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindStatementRejected, domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindPageOutOfRange:
		return http.StatusRequestedRangeNotSatisfiable
	case domain.KindResultExpired:
		return http.StatusGone
	case domain.KindExecutionNotTerminal, domain.KindNoResult, domain.KindConnectionInUse, domain.KindCancelled:
		return http.StatusConflict
	case domain.KindDecryption:
		return http.StatusUnprocessableEntity
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	case domain.KindAuth, domain.KindNetwork, domain.KindServer:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// decode reads a JSON body into v.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Errorf(domain.KindInvalidRequest, "invalid request body: %v", err)
	}
	return nil
}
