package domain

import (
	"errors"
	"time"
)

// State is the lifecycle state of a session. Idle is derived from
// timestamps at read time and never stored.
type State string

const (
	StateActive     State = "active"
	StateIdle       State = "idle"
	StateExpired    State = "expired"
	StateRevoked    State = "revoked"
	StateSuspended  State = "suspended"
	StateTerminated State = "terminated"
)

// Terminal reports whether the state admits no transition back to Active.
func (s State) Terminal() bool {
	switch s {
	case StateExpired, StateRevoked, StateTerminated:
		return true
	}
	return false
}

// Session represents an authenticated session and its credential set.
// Token fields are opaque secrets; callers must never log them in full.
type Session struct {
	ID                    string             `json:"id"`
	UserID                string             `json:"user_id"`
	AccessToken           string             `json:"access_token"`
	RefreshToken          string             `json:"refresh_token,omitempty"`
	IDToken               string             `json:"id_token,omitempty"`
	AccessTokenExpiresAt  time.Time          `json:"access_token_expires_at"`
	RefreshTokenExpiresAt time.Time          `json:"refresh_token_expires_at"`
	Scopes                []string           `json:"scopes,omitempty"`
	State                 State              `json:"state"`
	Fingerprint           *DeviceFingerprint `json:"device_fingerprint,omitempty"`
	IPAddress             string             `json:"ip_address,omitempty"`
	UserAgent             string             `json:"user_agent,omitempty"`
	CreatedAt             time.Time          `json:"created_at"`
	LastAccessedAt        time.Time          `json:"last_accessed_at"`
	LastRefreshedAt       *time.Time         `json:"last_refreshed_at,omitempty"`
	ExpiresAt             time.Time          `json:"expires_at"`
	IdleTimeout           time.Duration      `json:"idle_timeout"`
	AbsoluteTimeout       time.Duration      `json:"absolute_timeout"`
	GracePeriodEndsAt     *time.Time         `json:"grace_period_ends_at,omitempty"`
	RefreshCount          int                `json:"refresh_count"`
	LastRefreshRecordID   string             `json:"last_refresh_record_id,omitempty"`
}

// Validate checks structural invariants. It does not consult the clock.
func (s *Session) Validate() error {
	if s.ID == "" {
		return errors.New("session: id is required")
	}
	if s.UserID == "" {
		return errors.New("session: user_id is required")
	}
	if s.State == "" {
		return errors.New("session: state is required")
	}
	return nil
}

// ApplyTimeouts sets ExpiresAt from CreatedAt and AbsoluteTimeout unless
// ExpiresAt was explicitly overridden by the caller.
func (s *Session) ApplyTimeouts(idle, absolute time.Duration) {
	s.IdleTimeout = idle
	s.AbsoluteTimeout = absolute
	if s.ExpiresAt.IsZero() && absolute > 0 {
		s.ExpiresAt = s.CreatedAt.Add(absolute)
	}
}

// IsExpired reports whether the session is unusable at the given instant:
// the state is terminal, the absolute deadline passed, or the session sat
// idle longer than IdleTimeout.
func (s *Session) IsExpired(now time.Time) bool {
	if s.State.Terminal() {
		return true
	}
	if !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt) {
		return true
	}
	if s.IdleTimeout > 0 && !s.LastAccessedAt.IsZero() && now.After(s.LastAccessedAt.Add(s.IdleTimeout)) {
		return true
	}
	return false
}

// NeedsRefresh reports whether the access token is within buffer of its
// expiry (or already past it). A session with no recorded access-token
// expiry always needs a refresh.
func (s *Session) NeedsRefresh(now time.Time, buffer time.Duration) bool {
	if s.AccessTokenExpiresAt.IsZero() {
		return true
	}
	return !now.Before(s.AccessTokenExpiresAt.Add(-buffer))
}

// Touch records an access at now, optionally updating the observed IP.
func (s *Session) Touch(now time.Time, ip string) {
	s.LastAccessedAt = now
	if ip != "" {
		s.IPAddress = ip
	}
}

// Clone returns a deep copy, including the owned fingerprint.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Scopes != nil {
		c.Scopes = append([]string(nil), s.Scopes...)
	}
	c.Fingerprint = s.Fingerprint.Clone()
	if s.LastRefreshedAt != nil {
		t := *s.LastRefreshedAt
		c.LastRefreshedAt = &t
	}
	if s.GracePeriodEndsAt != nil {
		t := *s.GracePeriodEndsAt
		c.GracePeriodEndsAt = &t
	}
	return &c
}
