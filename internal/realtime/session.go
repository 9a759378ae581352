package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nuid"
)

var (
	ErrAuthentication = errors.New("authentication failed")
	ErrMissingToken   = fmt.Errorf("%w: token is required", ErrAuthentication)
	ErrInvalidToken   = fmt.Errorf("%w: invalid token", ErrAuthentication)
	ErrUserNotFound   = fmt.Errorf("%w: user not found", ErrAuthentication)
)

// TokenValidator resolves a bearer token to a user id.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// UserDirectory confirms a user still exists. Implementations return
// ErrUserNotFound when it does not.
type UserDirectory interface {
	GetUserInfo(ctx context.Context, userID string) (UserInfo, error)
}

type UserInfo struct {
	ID       string
	Username string
}

type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Hub establishes stream sessions and owns their registry entries.
type Hub struct {
	Registry    *Registry
	Broadcaster *Broadcaster
	Tokens      TokenValidator
	Users       UserDirectory
	Logger      *slog.Logger
	Now         func() time.Time
	NewID       func() string

	seq atomic.Uint64
}

func NewHub(registry *Registry, broadcaster *Broadcaster, tokens TokenValidator, users UserDirectory, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		Registry:    registry,
		Broadcaster: broadcaster,
		Tokens:      tokens,
		Users:       users,
		Logger:      logger,
		Now:         func() time.Time { return time.Now().UTC() },
		NewID:       nuid.Next,
	}
}

// Session is the lifecycle of one stream: connecting, active, closed.
type Session struct {
	hub   *Hub
	conn  *Connection
	user  UserInfo
	state atomic.Int32
}

// Open authenticates token and, on success, sends the connected confirmation
// to sink and registers a new connection backed by it. Nothing is registered
// when an error is returned.
func (h *Hub) Open(ctx context.Context, token string, sink Sink) (*Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	userID, err := h.Tokens.ValidateToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrAuthentication) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidToken
	}

	user, err := h.Users.GetUserInfo(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("resolve user %s: %w", userID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if user.ID == "" {
		user.ID = userID
	}

	conn := NewConnection(h.nextConnectionID(userID), userID, sink, h.Now)
	s := &Session{hub: h, conn: conn, user: user}
	s.state.Store(int32(StateConnecting))

	// Confirm before Register: the connected event must be the first frame.
	if err := h.Broadcaster.Confirm(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("confirm connection: %w", err)
	}
	h.Registry.Register(userID, conn)
	s.state.Store(int32(StateActive))

	h.Logger.Info("stream connected",
		slog.String("user_id", userID),
		slog.String("connection_id", conn.ID()),
		slog.Int("user_connections", h.Registry.CountFor(userID)),
	)
	return s, nil
}

// Disconnect closes every open stream of userID and returns how many closed.
func (h *Hub) Disconnect(userID string) int {
	conns := h.Registry.ConnectionsFor(userID)
	for _, conn := range conns {
		evict(h.Registry, h.Logger, conn, "client_disconnect", nil)
	}
	return len(conns)
}

func (h *Hub) nextConnectionID(userID string) string {
	return fmt.Sprintf("%s-%d-%s", userID, h.seq.Add(1), h.NewID())
}

func (s *Session) ID() string              { return s.conn.ID() }
func (s *Session) UserID() string          { return s.conn.UserID() }
func (s *Session) User() UserInfo          { return s.user }
func (s *Session) Connection() *Connection { return s.conn }

// State reports closed as soon as the connection was evicted, even before the
// transport noticed and called Close.
func (s *Session) State() SessionState {
	state := SessionState(s.state.Load())
	if state == StateActive && s.conn.Closed() {
		return StateClosed
	}
	return state
}

// Close unregisters the connection and closes its sink. It is idempotent.
func (s *Session) Close() {
	if SessionState(s.state.Swap(int32(StateClosed))) == StateClosed {
		return
	}
	s.hub.Registry.Evict(s.conn)
	s.hub.Logger.Info("stream closed",
		slog.String("user_id", s.conn.UserID()),
		slog.String("connection_id", s.conn.ID()),
	)
}
