// Package service implements the session lifecycle: creation with
// per-user limits, validated access, refresh delegation, termination,
// suspension, and the expiry sweep.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"session-control-plane/internal/audit"
	auditdomain "session-control-plane/internal/audit/domain"
	"session-control-plane/internal/security"
	"session-control-plane/internal/session/domain"
	tokendomain "session-control-plane/internal/token/domain"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	// ErrSessionSuspended marks a session parked by an administrative
	// Suspend; it can come back via Resume, unlike the terminal states.
	ErrSessionSuspended = errors.New("session suspended")
	// ErrDeviceValidation is returned when the presented device
	// fingerprint fails to match the session's. The session is left
	// untouched; revocation is a caller decision.
	ErrDeviceValidation = errors.New("device validation failed")
)

// Store is the slice of the storage backend the manager needs.
type Store interface {
	SaveSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	GetUserSessions(ctx context.Context, userID string) ([]*domain.Session, error)
	GetAllSessions(ctx context.Context, limit int) ([]*domain.Session, error)
}

// TokenRefresher hands the actual token exchange to the token service.
type TokenRefresher interface {
	Refresh(ctx context.Context, sess *domain.Session, force bool, reason tokendomain.RefreshReason) (bool, error)
}

// Guard is the inline security surface: rate limits and hijack
// inspection. *security.Service satisfies it.
type Guard interface {
	CheckRateLimit(ctx context.Context, rule, key string) error
	InspectAccess(ctx context.Context, sess *domain.Session, ip string, fp *domain.DeviceFingerprint, userAgent string) security.InspectedAccess
}

// Config tunes session lifetimes and limits. Zero values select the
// defaults.
type Config struct {
	MaxSessionsPerUser   int
	IdleTimeout          time.Duration
	AbsoluteTimeout      time.Duration
	FingerprintThreshold float64
}

const (
	defaultMaxSessionsPerUser = 5
	defaultIdleTimeout        = 30 * time.Minute
	defaultAbsoluteTimeout    = 8 * time.Hour
)

func (c Config) withDefaults() Config {
	if c.MaxSessionsPerUser <= 0 {
		c.MaxSessionsPerUser = defaultMaxSessionsPerUser
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.AbsoluteTimeout <= 0 {
		c.AbsoluteTimeout = defaultAbsoluteTimeout
	}
	if c.FingerprintThreshold <= 0 {
		c.FingerprintThreshold = domain.DefaultMatchThreshold
	}
	return c
}

// Manager owns the session state machine. Storage is the source of
// truth; the manager holds no session state of its own.
type Manager struct {
	store    Store
	tokens   TokenRefresher
	guard    Guard
	auditLog *audit.Logger
	cfg      Config

	now func() time.Time
}

// NewManager returns a Manager. tokens, guard, and auditLog may each be
// nil, disabling refresh delegation, inline security checks, and
// auditing respectively.
func NewManager(store Store, tokens TokenRefresher, guard Guard, auditLog *audit.Logger, cfg Config) *Manager {
	return &Manager{
		store:    store,
		tokens:   tokens,
		guard:    guard,
		auditLog: auditLog,
		cfg:      cfg.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateParams carries everything needed to open a session after the
// provider has issued tokens.
type CreateParams struct {
	UserID                string
	AccessToken           string
	RefreshToken          string
	IDToken               string
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt time.Time
	Scopes                []string
	Fingerprint           *domain.DeviceFingerprint
	IPAddress             string
	UserAgent             string
}

// Create opens a new session. When the user already holds
// MaxSessionsPerUser live sessions the oldest ones are terminated first,
// oldest CreatedAt first.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*domain.Session, error) {
	if p.UserID == "" {
		return nil, errors.New("session: user id is required")
	}
	if m.guard != nil {
		if err := m.guard.CheckRateLimit(ctx, "session_create", p.UserID); err != nil {
			return nil, err
		}
	}

	if err := m.evictForUser(ctx, p.UserID); err != nil {
		return nil, err
	}

	now := m.now()
	fp := p.Fingerprint.Clone()
	if fp != nil {
		if fp.CreatedAt.IsZero() {
			fp.CreatedAt = now
		}
		fp.LastSeen = now
	}
	sess := &domain.Session{
		ID:                    uuid.New().String(),
		UserID:                p.UserID,
		AccessToken:           p.AccessToken,
		RefreshToken:          p.RefreshToken,
		IDToken:               p.IDToken,
		AccessTokenExpiresAt:  p.AccessTokenExpiresAt,
		RefreshTokenExpiresAt: p.RefreshTokenExpiresAt,
		Scopes:                append([]string(nil), p.Scopes...),
		State:                 domain.StateActive,
		Fingerprint:           fp,
		IPAddress:             p.IPAddress,
		UserAgent:             p.UserAgent,
		CreatedAt:             now,
		LastAccessedAt:        now,
	}
	sess.ApplyTimeouts(m.cfg.IdleTimeout, m.cfg.AbsoluteTimeout)
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("session: save: %w", err)
	}

	m.auditLog.Log(ctx, &auditdomain.AuditLog{
		Action:    auditdomain.ActionSessionCreated,
		SessionID: sess.ID,
		UserID:    sess.UserID,
		IPAddress: sess.IPAddress,
		UserAgent: sess.UserAgent,
		IsSuccess: true,
	})
	return sess, nil
}

// evictForUser makes room for one more session, terminating the oldest
// live sessions first.
func (m *Manager) evictForUser(ctx context.Context, userID string) error {
	sessions, err := m.store.GetUserSessions(ctx, userID)
	if err != nil {
		return fmt.Errorf("session: list user sessions: %w", err)
	}
	var live []*domain.Session
	for _, s := range sessions {
		if !s.State.Terminal() {
			live = append(live, s)
		}
	}
	// Listings are newest first; walk from the back to evict FIFO.
	excess := len(live) - m.cfg.MaxSessionsPerUser + 1
	for i := len(live) - 1; i >= 0 && excess > 0; i-- {
		if err := m.terminate(ctx, live[i], "evicted: session limit reached"); err != nil {
			return err
		}
		excess--
	}
	return nil
}

// AccessParams is what the caller observed about the client on this
// access. Zero fields skip the corresponding check.
type AccessParams struct {
	IPAddress   string
	Fingerprint *domain.DeviceFingerprint
	UserAgent   string
}

// Get loads and validates a session for use. Expiry is applied lazily:
// a session found past its deadline is transitioned and persisted here.
// A fingerprint mismatch fails the access but leaves the session
// alone; revocation on mismatch is the caller's decision.
func (m *Manager) Get(ctx context.Context, id string, p AccessParams) (*domain.Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if sess.State == domain.StateSuspended {
		return nil, fmt.Errorf("%w: %s", ErrSessionSuspended, id)
	}

	now := m.now()
	if sess.IsExpired(now) {
		if !sess.State.Terminal() {
			sess.State = domain.StateExpired
			if err := m.store.SaveSession(ctx, sess); err != nil {
				return nil, fmt.Errorf("session: persist expiry: %w", err)
			}
			m.auditLog.Log(ctx, &auditdomain.AuditLog{
				Action:    auditdomain.ActionSessionExpired,
				SessionID: sess.ID,
				UserID:    sess.UserID,
				IsSuccess: true,
			})
		}
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, id)
	}

	if m.guard != nil {
		m.guard.InspectAccess(ctx, sess, p.IPAddress, p.Fingerprint, p.UserAgent)
	}

	if sess.Fingerprint != nil && p.Fingerprint != nil && !sess.Fingerprint.Matches(p.Fingerprint, m.cfg.FingerprintThreshold) {
		m.auditLog.Log(ctx, &auditdomain.AuditLog{
			Action:       auditdomain.ActionDeviceMismatch,
			SessionID:    sess.ID,
			UserID:       sess.UserID,
			IPAddress:    p.IPAddress,
			UserAgent:    p.UserAgent,
			IsSuspicious: true,
			RiskScore:    0.5,
		})
		return nil, fmt.Errorf("%w: session %s", ErrDeviceValidation, id)
	}
	if p.IPAddress != "" && sess.IPAddress != "" && p.IPAddress != sess.IPAddress {
		m.auditLog.Log(ctx, &auditdomain.AuditLog{
			Action:       auditdomain.ActionIPChange,
			SessionID:    sess.ID,
			UserID:       sess.UserID,
			IPAddress:    p.IPAddress,
			IsSuspicious: true,
			RiskScore:    0.3,
			Metadata:     map[string]string{"previous_ip": sess.IPAddress},
		})
	}

	sess.Touch(now, p.IPAddress)
	if sess.Fingerprint != nil {
		sess.Fingerprint.LastSeen = now
	}
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("session: persist access: %w", err)
	}
	m.auditLog.Log(ctx, &auditdomain.AuditLog{
		Action:    auditdomain.ActionSessionAccessed,
		SessionID: sess.ID,
		UserID:    sess.UserID,
		IPAddress: p.IPAddress,
		UserAgent: p.UserAgent,
		IsSuccess: true,
	})
	return sess, nil
}

// Refresh rate-limits and delegates the token exchange for the session.
// The refreshed session is returned; a refresh that was not needed
// returns the session unchanged.
func (m *Manager) Refresh(ctx context.Context, id string, force bool, reason tokendomain.RefreshReason) (*domain.Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if sess.State == domain.StateSuspended {
		return nil, fmt.Errorf("%w: %s", ErrSessionSuspended, id)
	}
	if sess.IsExpired(m.now()) {
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, id)
	}
	if m.guard != nil {
		if err := m.guard.CheckRateLimit(ctx, "token_refresh", sess.UserID); err != nil {
			return nil, err
		}
	}
	if m.tokens == nil {
		return nil, errors.New("session: no token refresher configured")
	}
	if _, err := m.tokens.Refresh(ctx, sess, force, reason); err != nil {
		return nil, err
	}
	return sess, nil
}

// Terminate ends the session (logout). Terminating an already terminal
// session is a no-op.
func (m *Manager) Terminate(ctx context.Context, id, reason string) error {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return fmt.Errorf("session: load: %w", err)
	}
	if sess == nil {
		return ErrSessionNotFound
	}
	if sess.State.Terminal() {
		return nil
	}
	return m.terminate(ctx, sess, reason)
}

func (m *Manager) terminate(ctx context.Context, sess *domain.Session, reason string) error {
	sess.State = domain.StateTerminated
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("session: persist termination: %w", err)
	}
	m.auditLog.Log(ctx, &auditdomain.AuditLog{
		Action:    auditdomain.ActionSessionTerminated,
		SessionID: sess.ID,
		UserID:    sess.UserID,
		IsSuccess: true,
		Metadata:  map[string]string{"reason": reason},
	})
	return nil
}

// TerminateUserSessions ends all of a user's live sessions except the
// one named by exceptID (empty terminates all). Returns how many were
// terminated.
func (m *Manager) TerminateUserSessions(ctx context.Context, userID, exceptID, reason string) (int, error) {
	sessions, err := m.store.GetUserSessions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("session: list user sessions: %w", err)
	}
	terminated := 0
	for _, s := range sessions {
		if s.ID == exceptID || s.State.Terminal() {
			continue
		}
		if err := m.terminate(ctx, s, reason); err != nil {
			return terminated, err
		}
		terminated++
	}
	return terminated, nil
}

// Suspend parks a live session; only Resume brings it back.
func (m *Manager) Suspend(ctx context.Context, id, reason string) error {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return fmt.Errorf("session: load: %w", err)
	}
	if sess == nil {
		return ErrSessionNotFound
	}
	if sess.State.Terminal() {
		return fmt.Errorf("%w: %s", ErrSessionExpired, id)
	}
	if sess.State == domain.StateSuspended {
		return nil
	}
	sess.State = domain.StateSuspended
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("session: persist suspension: %w", err)
	}
	m.auditLog.Log(ctx, &auditdomain.AuditLog{
		Action:    auditdomain.ActionSessionSuspended,
		SessionID: sess.ID,
		UserID:    sess.UserID,
		IsSuccess: true,
		Metadata:  map[string]string{"reason": reason},
	})
	return nil
}

// Resume reactivates a suspended session, provided it has not expired
// in the meantime.
func (m *Manager) Resume(ctx context.Context, id string) error {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return fmt.Errorf("session: load: %w", err)
	}
	if sess == nil {
		return ErrSessionNotFound
	}
	if sess.State != domain.StateSuspended {
		return fmt.Errorf("session: %s is not suspended", id)
	}
	sess.State = domain.StateActive
	if sess.IsExpired(m.now()) {
		sess.State = domain.StateExpired
		if err := m.store.SaveSession(ctx, sess); err != nil {
			return fmt.Errorf("session: persist expiry: %w", err)
		}
		return fmt.Errorf("%w: %s", ErrSessionExpired, id)
	}
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("session: persist resume: %w", err)
	}
	m.auditLog.Log(ctx, &auditdomain.AuditLog{
		Action:    auditdomain.ActionSessionResumed,
		SessionID: sess.ID,
		UserID:    sess.UserID,
		IsSuccess: true,
	})
	return nil
}

// CleanupExpired transitions sessions found past their deadlines, up to
// batchSize, one atomic write per session. Returns how many it
// transitioned. Driven by the background cleanup runner.
func (m *Manager) CleanupExpired(ctx context.Context, batchSize int) (int, error) {
	sessions, err := m.store.GetAllSessions(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("session: list sessions: %w", err)
	}
	now := m.now()
	transitioned := 0
	for _, s := range sessions {
		if batchSize > 0 && transitioned >= batchSize {
			break
		}
		if s.State.Terminal() || !s.IsExpired(now) {
			continue
		}
		s.State = domain.StateExpired
		if err := m.store.SaveSession(ctx, s); err != nil {
			return transitioned, fmt.Errorf("session: persist expiry: %w", err)
		}
		m.auditLog.Log(ctx, &auditdomain.AuditLog{
			Action:    auditdomain.ActionSessionExpired,
			SessionID: s.ID,
			UserID:    s.UserID,
			IsSuccess: true,
		})
		transitioned++
	}
	return transitioned, nil
}
