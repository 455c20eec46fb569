package domain

import "time"

// RefreshReason describes why a refresh was attempted.
type RefreshReason string

const (
	ReasonProactive RefreshReason = "proactive"
	ReasonExpired   RefreshReason = "expired"
	ReasonForced    RefreshReason = "forced"
)

// RefreshRecord is an append-only audit row for a single token refresh
// attempt. It carries token hashes only, never raw tokens, and is
// immutable once persisted.
type RefreshRecord struct {
	ID                  string        `json:"id"`
	SessionID           string        `json:"session_id"`
	UserID              string        `json:"user_id"`
	OldAccessTokenHash  string        `json:"old_access_token_hash"`
	NewAccessTokenHash  string        `json:"new_access_token_hash,omitempty"`
	OldRefreshTokenHash string        `json:"old_refresh_token_hash"`
	NewRefreshTokenHash string        `json:"new_refresh_token_hash,omitempty"`
	RequestedAt         time.Time     `json:"requested_at"`
	CompletedAt         *time.Time    `json:"completed_at,omitempty"`
	Reason              RefreshReason `json:"reason"`
	RotationEnabled     bool          `json:"rotation_enabled"`
	RotationCount       int           `json:"rotation_count"`
	IPAddress           string        `json:"ip_address,omitempty"`
	UserAgent           string        `json:"user_agent,omitempty"`
	IsSuccessful        bool          `json:"is_successful"`
	ErrorMessage        string        `json:"error_message,omitempty"`
	RetryCount          int           `json:"retry_count"`
}
