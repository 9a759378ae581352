package config

import (
	"fmt"
	"strings"
)

const minJWTSecretLen = 32

// Validate checks cross-field rules that tags cannot express.
func (c *Config) Validate() error {
	if len(strings.TrimSpace(c.Auth.JWTSecret)) < minJWTSecretLen {
		return fmt.Errorf("auth.jwt_secret must be at least %d characters (got %d)", minJWTSecretLen, len(strings.TrimSpace(c.Auth.JWTSecret)))
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0 (got %s)", c.Auth.AccessTokenTTL)
	}
	if err := c.Realtime.validate(); err != nil {
		return fmt.Errorf("realtime: %w", err)
	}
	if c.Database.MinConns < 0 || c.Database.MaxConns <= 0 {
		return fmt.Errorf("database: invalid pool size min=%d max=%d", c.Database.MinConns, c.Database.MaxConns)
	}
	if c.Database.MinConns > c.Database.MaxConns {
		c.Database.MinConns = c.Database.MaxConns
	}
	return nil
}

func (r *RealtimeConfig) validate() error {
	if r.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be > 0 (got %s)", r.HeartbeatInterval)
	}
	if r.ReapInterval <= 0 {
		return fmt.Errorf("reap_interval must be > 0 (got %s)", r.ReapInterval)
	}
	if r.InactivityThreshold <= r.HeartbeatInterval {
		return fmt.Errorf("inactivity_threshold (%s) must exceed heartbeat_interval (%s)", r.InactivityThreshold, r.HeartbeatInterval)
	}
	if r.SendBuffer <= 0 {
		return fmt.Errorf("send_buffer must be > 0 (got %d)", r.SendBuffer)
	}
	if r.InboxSize <= 0 {
		return fmt.Errorf("inbox_size must be > 0 (got %d)", r.InboxSize)
	}
	r.Bus = strings.ToLower(strings.TrimSpace(r.Bus))
	switch r.Bus {
	case BusNATS, BusMemory:
	default:
		return fmt.Errorf("bus must be %q or %q (got %q)", BusNATS, BusMemory, r.Bus)
	}
	return nil
}
