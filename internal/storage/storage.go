// Package storage defines the persistence contract shared by every
// backend, plus the in-memory, Redis, and Postgres implementations.
// Backend selection is a constructor decision made by the caller, never
// an import-time fallback.
package storage

import (
	"context"
	"sort"

	auditdomain "session-control-plane/internal/audit/domain"
	revocationdomain "session-control-plane/internal/revocation/domain"
	sessiondomain "session-control-plane/internal/session/domain"
	tokendomain "session-control-plane/internal/token/domain"
)

// AuditFilter narrows GetAuditLogs. Zero-value fields are ignored; a
// fully zero filter selects the global trail.
type AuditFilter struct {
	SessionID string
	UserID    string
}

// Backend is the persistence surface for sessions, refresh history,
// revocation records, and audit logs. Implementations must round-trip
// every field, including nested device fingerprints. Reads of a missing
// entity return (nil, nil); errors are reserved for backend failures.
// List results are ordered newest first unless noted.
type Backend interface {
	SaveSession(ctx context.Context, s *sessiondomain.Session) error
	GetSession(ctx context.Context, id string) (*sessiondomain.Session, error)
	DeleteSession(ctx context.Context, id string) error
	GetUserSessions(ctx context.Context, userID string) ([]*sessiondomain.Session, error)
	GetAllSessions(ctx context.Context, limit int) ([]*sessiondomain.Session, error)

	SaveRefreshRecord(ctx context.Context, r *tokendomain.RefreshRecord) error
	GetRefreshHistory(ctx context.Context, sessionID string, limit int) ([]*tokendomain.RefreshRecord, error)

	SaveRevocationRecord(ctx context.Context, r *revocationdomain.Record) error
	GetRevocationRecord(ctx context.Context, tokenHash string) (*revocationdomain.Record, error)
	GetSessionRevocations(ctx context.Context, sessionID string) ([]*revocationdomain.Record, error)
	// CleanupExpiredRevocations removes records past their ExpiresAt, up
	// to batchSize, and returns how many it removed. Backends with
	// native per-key TTL may expire entries themselves; the observable
	// contract (record absent after its TTL) is identical either way.
	CleanupExpiredRevocations(ctx context.Context, batchSize int) (int, error)

	SaveAuditLog(ctx context.Context, entry *auditdomain.AuditLog) error
	GetAuditLogs(ctx context.Context, filter AuditFilter, limit int) ([]*auditdomain.AuditLog, error)
	GetUserAuditLogs(ctx context.Context, userID string, limit int) ([]*auditdomain.AuditLog, error)

	Close() error
}

func sortSessionsNewestFirst(sessions []*sessiondomain.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
}
