package streamer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	platformauth "github.com/todo-1m/realtime/internal/platform/auth"
	"github.com/todo-1m/realtime/internal/realtime"
)

func tokenFromRequest(r *http.Request) string {
	token := platformauth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return token
}

// openSession runs the stream handshake and writes the HTTP error itself when
// it fails.
func (h *Handler) openSession(w http.ResponseWriter, r *http.Request, sink realtime.Sink) (*realtime.Session, bool) {
	session, err := h.Hub.Open(r.Context(), tokenFromRequest(r), sink)
	if err == nil {
		return session, true
	}

	switch {
	case errors.Is(err, realtime.ErrAuthentication):
		h.Logger.Debug("stream rejected", slog.String("error", err.Error()), slog.String("request_id", requestIDFromContext(r.Context())))
		h.writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, context.Canceled):
	default:
		h.Logger.Error("stream handshake failed", slog.String("error", err.Error()), slog.String("request_id", requestIDFromContext(r.Context())))
		h.writeError(w, http.StatusInternalServerError, "stream unavailable")
	}
	return nil, false
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sink := realtime.NewQueueSink(h.SendBuffer)
	session, ok := h.openSession(w, r, sink)
	if !ok {
		return
	}
	defer session.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sink.Done():
			return
		case payload := <-sink.Out():
			_ = rc.SetWriteDeadline(time.Now().Add(h.writeTimeout()))
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				h.Logger.Debug("sse write failed", slog.String("connection_id", session.ID()), slog.String("error", err.Error()))
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// handleWebSocket authenticates before upgrading so auth failures are plain
// HTTP 401 responses. Inbound frames are read and discarded; a read error
// means the client went away.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sink := realtime.NewQueueSink(h.SendBuffer)
	session, ok := h.openSession(w, r, sink)
	if !ok {
		return
	}
	defer session.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Debug("websocket upgrade failed", slog.String("connection_id", session.ID()), slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(4096)
	go func() {
		defer session.Close()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sink.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"),
				time.Now().Add(time.Second))
			return
		case payload := <-sink.Out():
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout()))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.Logger.Debug("websocket write failed", slog.String("connection_id", session.ID()), slog.String("error", err.Error()))
				return
			}
		}
	}
}
