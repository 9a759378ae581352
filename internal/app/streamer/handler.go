package streamer

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/a-h/templ"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/todo-1m/realtime/internal/app/identity"
	"github.com/todo-1m/realtime/internal/app/publisher"
	"github.com/todo-1m/realtime/internal/contracts"
	"github.com/todo-1m/realtime/internal/realtime"
	"github.com/todo-1m/realtime/services/frontend"
)

const defaultWriteTimeout = 10 * time.Second

// Accounts is the identity collaborator behind the auth endpoints.
type Accounts interface {
	Register(ctx context.Context, username, password string) (identity.AuthResponse, error)
	Login(ctx context.Context, username, password string) (identity.AuthResponse, error)
}

// EventAcceptor publishes collaborator events onto the bus.
type EventAcceptor interface {
	Accept(ctx context.Context, event contracts.DomainEvent) (publisher.Response, error)
}

type Handler struct {
	Hub           *realtime.Hub
	Accounts      Accounts
	Events        EventAcceptor
	Metrics       http.Handler
	Ready         func(ctx context.Context) error
	Logger        *slog.Logger
	InternalToken string
	AllowedOrigin string
	SendBuffer    int
	WriteTimeout  time.Duration

	upgrader websocket.Upgrader
}

func NewHandler(hub *realtime.Hub, accounts Accounts, events EventAcceptor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		Hub:          hub,
		Accounts:     accounts,
		Events:       events,
		Logger:       logger,
		WriteTimeout: defaultWriteTimeout,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(requestID)
	r.Use(requestLogger(h.Logger))
	r.Use(recovery(h.Logger))
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyz)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}
	r.Handle("/", templ.Handler(frontend.ConsolePage("Realtime stream console")))
	r.Handle("/static/*", http.StripPrefix("/static/", frontend.StaticHandler()))

	r.Get("/events", h.handleEvents)
	r.Get("/ws", h.handleWebSocket)
	r.Get("/events/disconnect", h.handleDisconnect)

	r.Post("/api/v1/auth/register", h.handleRegister)
	r.Post("/api/v1/auth/login", h.handleLogin)
	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Get("/api/v1/stream/stats", h.handleStats)
	})

	r.Post("/internal/v1/events", h.handleIngest)
	return r
}

func (h *Handler) writeTimeout() time.Duration {
	if h.WriteTimeout <= 0 {
		return defaultWriteTimeout
	}
	return h.WriteTimeout
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOriginForRequest(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
		if requestHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Internal-Token, X-Request-Id")
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOriginForRequest(requestOrigin string) string {
	allowed := strings.TrimSpace(h.AllowedOrigin)
	if allowed == "" || allowed == "*" {
		return "*"
	}
	origin := strings.TrimSpace(requestOrigin)
	if origin == "" {
		return allowed
	}
	if origin == allowed || isEquivalentLoopbackOrigin(origin, allowed) {
		return origin
	}
	return allowed
}

// checkOrigin applies the CORS origin policy to WebSocket upgrades.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	allowed := h.allowedOriginForRequest(origin)
	return allowed == "*" || allowed == origin
}

func isEquivalentLoopbackOrigin(originA, originB string) bool {
	a, err := url.Parse(originA)
	if err != nil {
		return false
	}
	b, err := url.Parse(originB)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	if a.Port() != b.Port() {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
