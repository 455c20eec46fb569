package domain

import (
	"errors"
	"time"
)

// Action classifies an audit event.
type Action string

const (
	ActionSessionCreated     Action = "session.created"
	ActionSessionAccessed    Action = "session.accessed"
	ActionSessionExpired     Action = "session.expired"
	ActionSessionTerminated  Action = "session.terminated"
	ActionSessionSuspended   Action = "session.suspended"
	ActionSessionResumed     Action = "session.resumed"
	ActionSessionRevoked     Action = "session.revoked"
	ActionTokenRefreshed     Action = "token.refreshed"
	ActionTokenRefreshFailed Action = "token.refresh_failed"
	ActionTokenRevoked       Action = "token.revoked"
	ActionDeviceMismatch     Action = "security.device_mismatch"
	ActionIPChange           Action = "security.ip_change"
	ActionHijackSignal       Action = "security.hijack_signal"
	ActionRateLimitExceeded  Action = "security.rate_limit_exceeded"
	ActionSuspiciousActivity Action = "security.suspicious_activity"
	ActionLoginFailed        Action = "auth.login_failed"
)

// AuditLog is one entry in the append-only security trail. Entries are
// never mutated after creation.
type AuditLog struct {
	ID           string            `json:"id"`
	Action       Action            `json:"action"`
	SessionID    string            `json:"session_id,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	IPAddress    string            `json:"ip_address,omitempty"`
	UserAgent    string            `json:"user_agent,omitempty"`
	RequestID    string            `json:"request_id,omitempty"`
	IsSuccess    bool              `json:"is_success"`
	IsSuspicious bool              `json:"is_suspicious"`
	RiskScore    float64           `json:"risk_score"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Validate checks structural invariants, including the risk score range.
func (a *AuditLog) Validate() error {
	if a.Action == "" {
		return errors.New("audit: action is required")
	}
	if a.RiskScore < 0 || a.RiskScore > 1 {
		return errors.New("audit: risk_score must be within [0,1]")
	}
	return nil
}
