// Package service maintains the token revocation list and the session
// revocation flows built on it.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"session-control-plane/internal/audit"
	auditdomain "session-control-plane/internal/audit/domain"
	"session-control-plane/internal/revocation/domain"
	"session-control-plane/internal/security"
	sessiondomain "session-control-plane/internal/session/domain"
)

// ErrRevocation wraps failures to record or query revocations.
var ErrRevocation = errors.New("revocation failed")

// Store is the persistence surface for revocation records plus the
// session writes the revocation flows perform.
type Store interface {
	SaveSession(ctx context.Context, s *sessiondomain.Session) error
	SaveRevocationRecord(ctx context.Context, r *domain.Record) error
	GetRevocationRecord(ctx context.Context, tokenHash string) (*domain.Record, error)
	GetSessionRevocations(ctx context.Context, sessionID string) ([]*domain.Record, error)
	CleanupExpiredRevocations(ctx context.Context, batchSize int) (int, error)
}

// Config tunes revocation behavior.
type Config struct {
	// ListTTL is how long a revocation record outlives the revocation.
	// After it, every copy of the token has expired on its own and the
	// list entry is pruned.
	ListTTL time.Duration
	// Cascade enables dependent-token revocation in RevokeWithCascade.
	Cascade bool
}

const defaultListTTL = 24 * time.Hour

// Service records revocations and answers revocation checks. The
// in-memory cache is per-instance: two Services over the same storage
// converge through storage, never through shared process state.
type Service struct {
	store    Store
	auditLog *audit.Logger
	cfg      Config

	mu    sync.RWMutex
	cache map[string]time.Time // token hash -> record expiry

	now func() time.Time
}

// NewService returns a Service with an empty cache. auditLog may be nil.
func NewService(store Store, auditLog *audit.Logger, cfg Config) *Service {
	if cfg.ListTTL <= 0 {
		cfg.ListTTL = defaultListTTL
	}
	return &Service{
		store:    store,
		auditLog: auditLog,
		cfg:      cfg,
		cache:    make(map[string]time.Time),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RevokeToken revokes a single raw token. cascadedFrom carries the
// parent record ID when this revocation is part of a cascade.
func (s *Service) RevokeToken(ctx context.Context, token string, tokenType domain.TokenType, sessionID, userID, reason, cascadedFrom string) (*domain.Record, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrRevocation)
	}
	now := s.now()
	rec := &domain.Record{
		ID:           uuid.New().String(),
		TokenHash:    security.HashToken(token),
		TokenType:    tokenType,
		SessionID:    sessionID,
		UserID:       userID,
		RevokedAt:    now,
		ExpiresAt:    now.Add(s.cfg.ListTTL),
		Reason:       reason,
		CascadedFrom: cascadedFrom,
	}
	if err := s.store.SaveRevocationRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRevocation, err)
	}
	s.cachePut(rec.TokenHash, rec.ExpiresAt)

	s.auditLog.Log(ctx, &auditdomain.AuditLog{
		Action:    auditdomain.ActionTokenRevoked,
		SessionID: sessionID,
		UserID:    userID,
		IsSuccess: true,
		Metadata: map[string]string{
			"token_type": string(tokenType),
			"reason":     reason,
		},
	})
	return rec, nil
}

// RevokeSession revokes every token the session holds (one independent
// record per present token type) and moves the session to Revoked.
func (s *Service) RevokeSession(ctx context.Context, sess *sessiondomain.Session, reason string) error {
	if sess == nil {
		return fmt.Errorf("%w: nil session", ErrRevocation)
	}
	if _, err := s.revokeSessionTokens(ctx, sess, reason, ""); err != nil {
		return err
	}
	return s.markRevoked(ctx, sess, reason)
}

// RevokeWithCascade revokes the session's refresh token first and, when
// cascading is enabled, its dependent tokens with CascadedFrom pointing
// at the parent record. With cascading disabled only the refresh token
// is revoked; access and id tokens run out their natural expiry.
func (s *Service) RevokeWithCascade(ctx context.Context, sess *sessiondomain.Session, reason string) error {
	if sess == nil {
		return fmt.Errorf("%w: nil session", ErrRevocation)
	}
	if sess.RefreshToken == "" {
		return fmt.Errorf("%w: session has no refresh token", ErrRevocation)
	}
	parent, err := s.RevokeToken(ctx, sess.RefreshToken, domain.TokenTypeRefresh, sess.ID, sess.UserID, reason, "")
	if err != nil {
		return err
	}
	if s.cfg.Cascade {
		if sess.AccessToken != "" {
			if _, err := s.RevokeToken(ctx, sess.AccessToken, domain.TokenTypeAccess, sess.ID, sess.UserID, reason, parent.ID); err != nil {
				return err
			}
		}
		if sess.IDToken != "" {
			if _, err := s.RevokeToken(ctx, sess.IDToken, domain.TokenTypeID, sess.ID, sess.UserID, reason, parent.ID); err != nil {
				return err
			}
		}
	}
	return s.markRevoked(ctx, sess, reason)
}

func (s *Service) revokeSessionTokens(ctx context.Context, sess *sessiondomain.Session, reason, cascadedFrom string) (int, error) {
	tokens := []struct {
		value string
		typ   domain.TokenType
	}{
		{sess.AccessToken, domain.TokenTypeAccess},
		{sess.RefreshToken, domain.TokenTypeRefresh},
		{sess.IDToken, domain.TokenTypeID},
	}
	revoked := 0
	for _, t := range tokens {
		if t.value == "" {
			continue
		}
		if _, err := s.RevokeToken(ctx, t.value, t.typ, sess.ID, sess.UserID, reason, cascadedFrom); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

func (s *Service) markRevoked(ctx context.Context, sess *sessiondomain.Session, reason string) error {
	sess.State = sessiondomain.StateRevoked
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("%w: persist session state: %v", ErrRevocation, err)
	}
	s.auditLog.Log(ctx, &auditdomain.AuditLog{
		Action:    auditdomain.ActionSessionRevoked,
		SessionID: sess.ID,
		UserID:    sess.UserID,
		IsSuccess: true,
		Metadata:  map[string]string{"reason": reason},
	})
	return nil
}

// IsRevoked reports whether token appears on the revocation list. The
// per-instance cache is a fast path only; with checkStorage set a cache
// miss falls through to storage (the source of truth) and a hit there
// populates the cache.
func (s *Service) IsRevoked(ctx context.Context, token string, checkStorage bool) (bool, error) {
	hash := security.HashToken(token)
	now := s.now()

	s.mu.RLock()
	expiry, hit := s.cache[hash]
	s.mu.RUnlock()
	if hit {
		if now.Before(expiry) {
			return true, nil
		}
		s.mu.Lock()
		delete(s.cache, hash)
		s.mu.Unlock()
	}
	if !checkStorage {
		return false, nil
	}

	rec, err := s.store.GetRevocationRecord(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRevocation, err)
	}
	if rec == nil || rec.Expired(now) {
		return false, nil
	}
	s.cachePut(hash, rec.ExpiresAt)
	return true, nil
}

// CleanupExpired removes aged-out records from storage and drops stale
// cache entries. Returns the storage-side removal count.
func (s *Service) CleanupExpired(ctx context.Context, batchSize int) (int, error) {
	removed, err := s.store.CleanupExpiredRevocations(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRevocation, err)
	}
	now := s.now()
	s.mu.Lock()
	for hash, expiry := range s.cache {
		if now.After(expiry) {
			delete(s.cache, hash)
		}
	}
	s.mu.Unlock()
	return removed, nil
}

func (s *Service) cachePut(hash string, expiry time.Time) {
	s.mu.Lock()
	s.cache[hash] = expiry
	s.mu.Unlock()
}
