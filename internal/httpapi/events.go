package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	eventBuffer       = 256
	eventWriteTimeout = 5 * time.Second
)

// handleEvents streams execution status changes as JSON websocket messages.
// ?session= limits the stream to one session.
func (s *Server) handleEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session := r.URL.Query().Get("session")

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
			return
		}
		defer conn.CloseNow()

		events, unsubscribe := s.deps.Engine.Subscribe(eventBuffer)
		defer unsubscribe()

		// The client sends nothing; CloseRead notices when it goes away.
		ctx := conn.CloseRead(r.Context())
		s.logger.Debug("event stream opened", slog.String("session", session))

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "server shutting down")
					return
				}
				if session != "" && ev.Execution.SessionID != session {
					continue
				}
				wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
				err := wsjson.Write(wctx, conn, ev)
				cancel()
				if err != nil {
					s.logger.Debug("event stream closed", slog.String("error", err.Error()))
					return
				}
			}
		}
	}
}
