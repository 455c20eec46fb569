package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	auditdomain "session-control-plane/internal/audit/domain"
	revocationdomain "session-control-plane/internal/revocation/domain"
	sessiondomain "session-control-plane/internal/session/domain"
	tokendomain "session-control-plane/internal/token/domain"
)

// Memory is an in-process Backend backed by mutex-guarded maps. Every
// entity round-trips through JSON on save and load, so callers get the
// same serialization behavior the networked backends exhibit and never
// share pointers with the store. Suitable for single-instance
// deployments and tests.
type Memory struct {
	mu          sync.RWMutex
	sessions    map[string][]byte
	refreshes   map[string][][]byte // sessionID -> records, newest first
	revocations map[string][]byte   // tokenHash -> record
	auditTrail  [][]byte            // newest first
	now         func() time.Time
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		sessions:    make(map[string][]byte),
		refreshes:   make(map[string][][]byte),
		revocations: make(map[string][]byte),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) SaveSession(ctx context.Context, s *sessiondomain.Session) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("memory: session id is required")
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("memory: encode session: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = raw
	return nil
}

func (m *Memory) GetSession(ctx context.Context, id string) (*sessiondomain.Session, error) {
	m.mu.RLock()
	raw, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var s sessiondomain.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("memory: decode session %s: %w", id, err)
	}
	return &s, nil
}

func (m *Memory) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	delete(m.refreshes, id)
	return nil
}

func (m *Memory) GetUserSessions(ctx context.Context, userID string) ([]*sessiondomain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*sessiondomain.Session
	for id, raw := range m.sessions {
		var s sessiondomain.Session
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("memory: decode session %s: %w", id, err)
		}
		if s.UserID == userID {
			out = append(out, &s)
		}
	}
	sortSessionsNewestFirst(out)
	return out, nil
}

func (m *Memory) GetAllSessions(ctx context.Context, limit int) ([]*sessiondomain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*sessiondomain.Session
	for id, raw := range m.sessions {
		var s sessiondomain.Session
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("memory: decode session %s: %w", id, err)
		}
		out = append(out, &s)
	}
	sortSessionsNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SaveRefreshRecord(ctx context.Context, r *tokendomain.RefreshRecord) error {
	if r == nil || r.SessionID == "" {
		return fmt.Errorf("memory: refresh record session_id is required")
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("memory: encode refresh record: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes[r.SessionID] = append([][]byte{raw}, m.refreshes[r.SessionID]...)
	return nil
}

func (m *Memory) GetRefreshHistory(ctx context.Context, sessionID string, limit int) ([]*tokendomain.RefreshRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raws := m.refreshes[sessionID]
	if limit > 0 && len(raws) > limit {
		raws = raws[:limit]
	}
	out := make([]*tokendomain.RefreshRecord, 0, len(raws))
	for _, raw := range raws {
		var r tokendomain.RefreshRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("memory: decode refresh record: %w", err)
		}
		out = append(out, &r)
	}
	return out, nil
}

func (m *Memory) SaveRevocationRecord(ctx context.Context, r *revocationdomain.Record) error {
	if r == nil || r.TokenHash == "" {
		return fmt.Errorf("memory: revocation token_hash is required")
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("memory: encode revocation record: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revocations[r.TokenHash] = raw
	return nil
}

// GetRevocationRecord emulates per-record TTL: a record past its
// ExpiresAt reads as absent, matching backends with native key expiry.
func (m *Memory) GetRevocationRecord(ctx context.Context, tokenHash string) (*revocationdomain.Record, error) {
	m.mu.RLock()
	raw, ok := m.revocations[tokenHash]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var r revocationdomain.Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("memory: decode revocation record: %w", err)
	}
	if r.Expired(m.now()) {
		return nil, nil
	}
	return &r, nil
}

func (m *Memory) GetSessionRevocations(ctx context.Context, sessionID string) ([]*revocationdomain.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	var out []*revocationdomain.Record
	for hash, raw := range m.revocations {
		var r revocationdomain.Record
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("memory: decode revocation record %s: %w", hash, err)
		}
		if r.SessionID == sessionID && !r.Expired(now) {
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RevokedAt.After(out[j].RevokedAt) })
	return out, nil
}

func (m *Memory) CleanupExpiredRevocations(ctx context.Context, batchSize int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for hash, raw := range m.revocations {
		if batchSize > 0 && removed >= batchSize {
			break
		}
		var r revocationdomain.Record
		if err := json.Unmarshal(raw, &r); err != nil {
			return removed, fmt.Errorf("memory: decode revocation record %s: %w", hash, err)
		}
		if r.Expired(now) {
			delete(m.revocations, hash)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) SaveAuditLog(ctx context.Context, entry *auditdomain.AuditLog) error {
	if entry == nil {
		return fmt.Errorf("memory: audit entry is nil")
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("memory: encode audit entry: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditTrail = append([][]byte{raw}, m.auditTrail...)
	return nil
}

func (m *Memory) GetAuditLogs(ctx context.Context, filter AuditFilter, limit int) ([]*auditdomain.AuditLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*auditdomain.AuditLog
	for _, raw := range m.auditTrail {
		if limit > 0 && len(out) >= limit {
			break
		}
		var entry auditdomain.AuditLog
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("memory: decode audit entry: %w", err)
		}
		if filter.SessionID != "" && entry.SessionID != filter.SessionID {
			continue
		}
		if filter.UserID != "" && entry.UserID != filter.UserID {
			continue
		}
		out = append(out, &entry)
	}
	return out, nil
}

func (m *Memory) GetUserAuditLogs(ctx context.Context, userID string, limit int) ([]*auditdomain.AuditLog, error) {
	return m.GetAuditLogs(ctx, AuditFilter{UserID: userID}, limit)
}

func (m *Memory) Close() error { return nil }
