package streamer

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/todo-1m/realtime/internal/app/identity"
	"github.com/todo-1m/realtime/internal/contracts"
)

const maxIngestBody = 64 << 10

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ready(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)
	if token == "" {
		h.writeError(w, http.StatusUnauthorized, "token is required")
		return
	}
	userID, err := h.Hub.Tokens.ValidateToken(r.Context(), token)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	h.Hub.Disconnect(userID)
	w.WriteHeader(http.StatusNoContent)
}

type statsResponse struct {
	UserConnections  int `json:"user_connections"`
	TotalConnections int `json:"total_connections"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	h.writeJSON(w, http.StatusOK, statsResponse{
		UserConnections:  h.Hub.Registry.CountFor(userID),
		TotalConnections: h.Hub.Registry.Total(),
	})
}

// handleIngest is the collaborator entry point: CRUD services post a
// DomainEvent envelope here after committing a write.
func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	if h.InternalToken == "" {
		h.writeError(w, http.StatusForbidden, "event ingest is disabled")
		return
	}
	got := strings.TrimSpace(r.Header.Get("X-Internal-Token"))
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.InternalToken)) != 1 {
		h.writeError(w, http.StatusUnauthorized, "invalid internal token")
		return
	}

	var event contracts.DomainEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody)).Decode(&event); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid event payload: "+err.Error())
		return
	}

	resp, err := h.Events.Accept(r.Context(), event)
	if err != nil {
		switch {
		case errors.Is(err, contracts.ErrInvalidEntity),
			errors.Is(err, contracts.ErrInvalidChangeType),
			errors.Is(err, contracts.ErrOwnerRequired),
			errors.Is(err, contracts.ErrPayloadMismatch),
			errors.Is(err, contracts.ErrEntityIDRequired):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Accounts.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidUsername), errors.Is(err, identity.ErrInvalidPassword):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, identity.ErrUsernameTaken):
			h.writeError(w, http.StatusConflict, "username already exists")
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Accounts.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

