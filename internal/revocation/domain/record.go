package domain

import "time"

// TokenType identifies which credential of a session a revocation targets.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
	TokenTypeID      TokenType = "id"
)

// Record is one entry in the revocation list. TokenHash is a one-way
// hash of the revoked token; the raw token is never stored. A record is
// eligible for deletion once ExpiresAt passes: by then every copy of the
// token has itself expired and the list entry serves no purpose.
type Record struct {
	ID           string    `json:"id"`
	TokenHash    string    `json:"token_hash"`
	TokenType    TokenType `json:"token_type"`
	SessionID    string    `json:"session_id,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	RevokedAt    time.Time `json:"revoked_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Reason       string    `json:"reason,omitempty"`
	CascadedFrom string    `json:"cascaded_from,omitempty"`
}

// Expired reports whether the record has aged out of the revocation list.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}
