// Package service implements token refresh and validation against the
// identity provider.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"session-control-plane/internal/audit"
	auditdomain "session-control-plane/internal/audit/domain"
	"session-control-plane/internal/security"
	sessiondomain "session-control-plane/internal/session/domain"
	"session-control-plane/internal/token/domain"
	"session-control-plane/internal/token/idp"
)

var (
	// ErrTokenRefresh wraps any failure to obtain a new token set.
	ErrTokenRefresh = errors.New("token refresh failed")
	// ErrTokenValidation is returned for tokens that are expired or
	// reported inactive by the provider.
	ErrTokenValidation = errors.New("token validation failed")
)

// IdentityProvider is the slice of the IdP client the manager needs.
type IdentityProvider interface {
	Refresh(ctx context.Context, refreshToken string) (*idp.TokenResponse, error)
	Introspect(ctx context.Context, token, tokenTypeHint string) (*idp.IntrospectionResponse, error)
}

// Store is the persistence surface for refreshed sessions and their
// audit rows. The storage Backend satisfies it.
type Store interface {
	SaveSession(ctx context.Context, s *sessiondomain.Session) error
	SaveRefreshRecord(ctx context.Context, r *domain.RefreshRecord) error
}

// Config tunes the refresh behavior. Zero values select the defaults.
type Config struct {
	// RefreshBuffer is how long before access-token expiry a session
	// counts as needing a refresh.
	RefreshBuffer time.Duration
	// MaxAttempts bounds the token-endpoint exchange, including the
	// first try.
	MaxAttempts int
	// RetryBaseDelay seeds the exponential backoff between attempts.
	RetryBaseDelay time.Duration
	// RotationGracePeriod is stamped on the session when the provider
	// rotates the refresh token; the previous token stays acceptable to
	// the provider until then. Recorded, not locally enforced.
	RotationGracePeriod time.Duration
	// IntrospectRemotely enables provider-side validation in Validate.
	IntrospectRemotely bool
}

const (
	defaultRefreshBuffer  = 5 * time.Minute
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultGracePeriod    = 60 * time.Second
)

func (c Config) withDefaults() Config {
	if c.RefreshBuffer <= 0 {
		c.RefreshBuffer = defaultRefreshBuffer
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}
	if c.RotationGracePeriod <= 0 {
		c.RotationGracePeriod = defaultGracePeriod
	}
	return c
}

// Manager performs token refreshes with retry and rotation handling,
// and validates access tokens.
type Manager struct {
	provider IdentityProvider
	store    Store
	auditLog *audit.Logger
	cfg      Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager returns a Manager. auditLog may be nil.
func NewManager(provider IdentityProvider, store Store, auditLog *audit.Logger, cfg Config) *Manager {
	return &Manager{
		provider: provider,
		store:    store,
		auditLog: auditLog,
		cfg:      cfg.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RefreshBuffer exposes the effective buffer for callers deciding
// whether a session needs a refresh.
func (m *Manager) RefreshBuffer() time.Duration { return m.cfg.RefreshBuffer }

// Refresh exchanges the session's refresh token for a new token set and
// updates the session in place. It is a no-op returning (false, nil)
// when the access token is not yet within the refresh buffer, unless
// force is set. The session and its refresh record are persisted before
// success is reported; a failed exchange persists a failed record and
// returns an ErrTokenRefresh-wrapped error.
func (m *Manager) Refresh(ctx context.Context, sess *sessiondomain.Session, force bool, reason domain.RefreshReason) (bool, error) {
	now := m.now()
	if !force && !sess.NeedsRefresh(now, m.cfg.RefreshBuffer) {
		return false, nil
	}

	rec := &domain.RefreshRecord{
		ID:                  uuid.New().String(),
		SessionID:           sess.ID,
		UserID:              sess.UserID,
		OldAccessTokenHash:  security.HashToken(sess.AccessToken),
		OldRefreshTokenHash: security.HashToken(sess.RefreshToken),
		RequestedAt:         now,
		Reason:              reason,
		IPAddress:           sess.IPAddress,
		UserAgent:           sess.UserAgent,
	}

	if sess.RefreshToken == "" {
		return false, m.fail(ctx, sess, rec, errors.New("session has no refresh token"))
	}

	resp, attempts, err := m.exchange(ctx, sess.RefreshToken)
	rec.RetryCount = attempts - 1
	if err != nil {
		return false, m.fail(ctx, sess, rec, err)
	}

	completed := m.now()
	m.applyTokens(sess, rec, resp, completed)
	rec.CompletedAt = &completed
	rec.IsSuccessful = true
	sess.LastRefreshRecordID = rec.ID

	if err := m.store.SaveSession(ctx, sess); err != nil {
		return false, m.fail(ctx, sess, rec, fmt.Errorf("persist session: %w", err))
	}
	if err := m.store.SaveRefreshRecord(ctx, rec); err != nil {
		return false, fmt.Errorf("%w: persist refresh record: %v", ErrTokenRefresh, err)
	}

	m.auditLog.Log(ctx, &auditdomain.AuditLog{
		Action:    auditdomain.ActionTokenRefreshed,
		SessionID: sess.ID,
		UserID:    sess.UserID,
		IPAddress: sess.IPAddress,
		IsSuccess: true,
		Metadata: map[string]string{
			"reason":  string(reason),
			"rotated": fmt.Sprintf("%t", rec.RotationEnabled),
			"retries": fmt.Sprintf("%d", rec.RetryCount),
		},
	})
	return true, nil
}

// exchange calls the token endpoint with bounded retries, exponential
// backoff, and jitter. Returns the response and the number of attempts
// made.
func (m *Manager) exchange(ctx context.Context, refreshToken string) (*idp.TokenResponse, int, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		resp, err := m.provider.Refresh(ctx, refreshToken)
		if err == nil {
			return resp, attempt, nil
		}
		lastErr = err
		if attempt == m.cfg.MaxAttempts {
			break
		}
		delay := m.cfg.RetryBaseDelay << uint(attempt-1)
		delay += time.Duration(rand.Int63n(int64(m.cfg.RetryBaseDelay)))
		log.Printf("token: refresh attempt %d failed, retrying in %s: %v", attempt, delay, err)
		if err := m.sleep(ctx, delay); err != nil {
			return nil, attempt, err
		}
	}
	return nil, m.cfg.MaxAttempts, lastErr
}

// applyTokens writes the provider's response into the session and
// completes the refresh record, including rotation bookkeeping.
func (m *Manager) applyTokens(sess *sessiondomain.Session, rec *domain.RefreshRecord, resp *idp.TokenResponse, now time.Time) {
	sess.AccessToken = resp.AccessToken
	rec.NewAccessTokenHash = security.HashToken(resp.AccessToken)

	if resp.RefreshToken != "" && resp.RefreshToken != sess.RefreshToken {
		sess.RefreshToken = resp.RefreshToken
		rec.NewRefreshTokenHash = security.HashToken(resp.RefreshToken)
		rec.RotationEnabled = true
		graceEnd := now.Add(m.cfg.RotationGracePeriod)
		sess.GracePeriodEndsAt = &graceEnd
	} else {
		rec.NewRefreshTokenHash = rec.OldRefreshTokenHash
	}

	switch {
	case resp.ExpiresIn > 0:
		sess.AccessTokenExpiresAt = now.Add(time.Duration(resp.ExpiresIn) * time.Second)
	default:
		if exp, ok := jwtExpiry(resp.AccessToken); ok {
			sess.AccessTokenExpiresAt = exp
		}
	}
	if resp.Scope != "" {
		sess.Scopes = strings.Fields(resp.Scope)
	}
	if resp.IDToken != "" {
		sess.IDToken = resp.IDToken
	}

	sess.LastRefreshedAt = &now
	sess.RefreshCount++
	rec.RotationCount = sess.RefreshCount
}

// jwtExpiry extracts the exp claim from an unverified JWT. Used only as
// an expiry fallback when the provider omits expires_in; trust in the
// token itself comes from the exchange, not the claim.
func jwtExpiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time.UTC(), true
}

// fail persists the failed record (best-effort), audits, and returns
// the wrapped error.
func (m *Manager) fail(ctx context.Context, sess *sessiondomain.Session, rec *domain.RefreshRecord, cause error) error {
	rec.IsSuccessful = false
	rec.ErrorMessage = cause.Error()
	if err := m.store.SaveRefreshRecord(ctx, rec); err != nil {
		log.Printf("token: failed to persist refresh record for session %s: %v", sess.ID, err)
	}
	m.auditLog.Log(ctx, &auditdomain.AuditLog{
		Action:    auditdomain.ActionTokenRefreshFailed,
		SessionID: sess.ID,
		UserID:    sess.UserID,
		IPAddress: sess.IPAddress,
		Metadata: map[string]string{
			"reason":  string(rec.Reason),
			"error":   rec.ErrorMessage,
			"retries": fmt.Sprintf("%d", rec.RetryCount),
		},
	})
	return fmt.Errorf("%w: %v", ErrTokenRefresh, cause)
}

// Validate checks whether token is acceptable for the session. The
// local expiry check runs first; when it passes and remote
// introspection is enabled, the provider's active flag decides, with a
// fallback to the local result if the introspection call itself fails.
func (m *Manager) Validate(ctx context.Context, token string, sess *sessiondomain.Session) error {
	now := m.now()

	if err := m.validateLocal(token, sess, now); err != nil {
		return err
	}
	if !m.cfg.IntrospectRemotely || m.provider == nil {
		return nil
	}

	ir, err := m.provider.Introspect(ctx, token, "access_token")
	if err != nil {
		log.Printf("token: introspection failed, using local validation: %v", err)
		return nil
	}
	if !ir.Active {
		return fmt.Errorf("%w: provider reports token inactive", ErrTokenValidation)
	}
	return nil
}

func (m *Manager) validateLocal(token string, sess *sessiondomain.Session, now time.Time) error {
	if sess != nil && token == sess.AccessToken {
		if !sess.AccessTokenExpiresAt.IsZero() && now.After(sess.AccessTokenExpiresAt) {
			return fmt.Errorf("%w: access token expired", ErrTokenValidation)
		}
		return nil
	}
	if exp, ok := jwtExpiry(token); ok && now.After(exp) {
		return fmt.Errorf("%w: token expired", ErrTokenValidation)
	}
	if sess != nil && token != sess.AccessToken {
		return fmt.Errorf("%w: token does not belong to session", ErrTokenValidation)
	}
	return nil
}
