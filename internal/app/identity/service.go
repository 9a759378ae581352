package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/todo-1m/realtime/internal/platform/auth"
	"github.com/todo-1m/realtime/internal/realtime"
)

var (
	ErrInvalidUsername    = errors.New("username is required")
	ErrInvalidPassword    = errors.New("password must be at least 8 characters")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type AuthResponse struct {
	Token       string    `json:"token"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
}

// Service is the identity collaborator of the streamer: it owns the users
// table, issues access tokens and answers the token and user lookups a stream
// handshake needs.
type Service struct {
	Repo      Repository
	AuthToken auth.Manager
	NewID     func() string
	Now       func() time.Time
}

func NewService(repo Repository, tokenManager auth.Manager) *Service {
	return &Service{
		Repo:      repo,
		AuthToken: tokenManager,
		NewID:     nuid.Next,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func validateCredentials(username, password string) error {
	if normalizeUsername(username) == "" {
		return ErrInvalidUsername
	}
	if len(strings.TrimSpace(password)) < 8 {
		return ErrInvalidPassword
	}
	return nil
}

func (s *Service) Register(ctx context.Context, username, password string) (AuthResponse, error) {
	if err := validateCredentials(username, password); err != nil {
		return AuthResponse{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return AuthResponse{}, err
	}

	u := User{
		ID:           s.NewID(),
		Username:     normalizeUsername(username),
		PasswordHash: string(hash),
	}
	if err := s.Repo.CreateUser(ctx, u); err != nil {
		return AuthResponse{}, err
	}
	return s.issueToken(u)
}

func (s *Service) Login(ctx context.Context, username, password string) (AuthResponse, error) {
	uname := normalizeUsername(username)
	if uname == "" || strings.TrimSpace(password) == "" {
		return AuthResponse{}, ErrInvalidCredentials
	}

	u, err := s.Repo.FindUserByUsername(ctx, uname)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResponse{}, ErrInvalidCredentials
		}
		return AuthResponse{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return AuthResponse{}, ErrInvalidCredentials
	}
	return s.issueToken(u)
}

// ValidateToken verifies an access token and returns its subject.
func (s *Service) ValidateToken(_ context.Context, token string) (string, error) {
	claims, err := s.AuthToken.Parse(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", realtime.ErrInvalidToken, err)
	}
	return claims.Subject, nil
}

// GetUserInfo confirms userID still exists.
func (s *Service) GetUserInfo(ctx context.Context, userID string) (realtime.UserInfo, error) {
	u, err := s.Repo.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return realtime.UserInfo{}, realtime.ErrUserNotFound
		}
		return realtime.UserInfo{}, err
	}
	return realtime.UserInfo{ID: u.ID, Username: u.Username}, nil
}

func (s *Service) issueToken(user User) (AuthResponse, error) {
	accessToken, err := s.AuthToken.Sign(user.ID, user.Username)
	if err != nil {
		return AuthResponse{}, err
	}
	return AuthResponse{
		Token:       accessToken,
		AccessToken: accessToken,
		ExpiresAt:   s.AuthToken.Now().Add(s.AuthToken.TTL),
		UserID:      user.ID,
		Username:    user.Username,
	}, nil
}

func NewTokenManager(secret string, ttl time.Duration) auth.Manager {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return auth.NewManager(secret, ttl)
}
