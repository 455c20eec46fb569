package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	sessiondomain "session-control-plane/internal/session/domain"
	"session-control-plane/internal/token/domain"
	"session-control-plane/internal/token/idp"
)

type fakeProvider struct {
	mu         sync.Mutex
	responses  []*idp.TokenResponse
	errs       []error
	calls      int
	introspect *idp.IntrospectionResponse
	introErr   error
}

func (f *fakeProvider) Refresh(ctx context.Context, refreshToken string) (*idp.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	if len(f.responses) > 0 {
		return f.responses[len(f.responses)-1], nil
	}
	return nil, errors.New("no response configured")
}

func (f *fakeProvider) Introspect(ctx context.Context, token, hint string) (*idp.IntrospectionResponse, error) {
	if f.introErr != nil {
		return nil, f.introErr
	}
	return f.introspect, nil
}

type fakeStore struct {
	mu         sync.Mutex
	sessions   map[string]*sessiondomain.Session
	records    []*domain.RefreshRecord
	sessionErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*sessiondomain.Session)}
}

func (f *fakeStore) SaveSession(ctx context.Context, s *sessiondomain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessionErr != nil {
		return f.sessionErr
	}
	f.sessions[s.ID] = s.Clone()
	return nil
}

func (f *fakeStore) SaveRefreshRecord(ctx context.Context, r *domain.RefreshRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.records = append(f.records, &cp)
	return nil
}

func (f *fakeStore) lastRecord() *domain.RefreshRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) == 0 {
		return nil
	}
	return f.records[len(f.records)-1]
}

func newTestManager(p IdentityProvider, st Store, cfg Config) (*Manager, time.Time) {
	m := NewManager(p, st, nil, cfg)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	m.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return m, now
}

func expiringSession(now time.Time) *sessiondomain.Session {
	return &sessiondomain.Session{
		ID:                   "sess-1",
		UserID:               "user-1",
		AccessToken:          "old-access",
		RefreshToken:         "old-refresh",
		AccessTokenExpiresAt: now.Add(time.Minute),
		State:                sessiondomain.StateActive,
		CreatedAt:            now.Add(-time.Hour),
		LastAccessedAt:       now,
	}
}

func TestRefreshSkippedWhenNotNeeded(t *testing.T) {
	st := newFakeStore()
	p := &fakeProvider{}
	m, now := newTestManager(p, st, Config{})

	sess := expiringSession(now)
	sess.AccessTokenExpiresAt = now.Add(time.Hour)

	refreshed, err := m.Refresh(context.Background(), sess, false, domain.ReasonProactive)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed {
		t.Error("refresh ran although the token was nowhere near expiry")
	}
	if p.calls != 0 {
		t.Errorf("provider called %d times", p.calls)
	}
	if sess.AccessToken != "old-access" {
		t.Error("session mutated on a skipped refresh")
	}
}

func TestRefreshMissingRefreshToken(t *testing.T) {
	st := newFakeStore()
	m, now := newTestManager(&fakeProvider{}, st, Config{})

	sess := expiringSession(now)
	sess.RefreshToken = ""

	_, err := m.Refresh(context.Background(), sess, true, domain.ReasonForced)
	if !errors.Is(err, ErrTokenRefresh) {
		t.Fatalf("err = %v, want ErrTokenRefresh", err)
	}
	rec := st.lastRecord()
	if rec == nil || rec.IsSuccessful {
		t.Fatalf("failed record not persisted: %+v", rec)
	}
	if rec.ErrorMessage == "" {
		t.Error("failed record has no error message")
	}
}

func TestRefreshWithRotation(t *testing.T) {
	st := newFakeStore()
	p := &fakeProvider{responses: []*idp.TokenResponse{{
		AccessToken:  "new-access",
		RefreshToken: "new-refresh",
		ExpiresIn:    3600,
		Scope:        "openid profile",
		IDToken:      "new-id",
	}}}
	grace := 90 * time.Second
	m, now := newTestManager(p, st, Config{RotationGracePeriod: grace})

	sess := expiringSession(now)
	refreshed, err := m.Refresh(context.Background(), sess, false, domain.ReasonProactive)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !refreshed {
		t.Fatal("refresh did not run")
	}

	if sess.AccessToken != "new-access" || sess.RefreshToken != "new-refresh" {
		t.Errorf("tokens not applied: %s / %s", sess.AccessToken, sess.RefreshToken)
	}
	if want := now.Add(time.Hour); !sess.AccessTokenExpiresAt.Equal(want) {
		t.Errorf("AccessTokenExpiresAt = %v, want %v", sess.AccessTokenExpiresAt, want)
	}
	if sess.GracePeriodEndsAt == nil || !sess.GracePeriodEndsAt.Equal(now.Add(grace)) {
		t.Errorf("GracePeriodEndsAt = %v", sess.GracePeriodEndsAt)
	}
	if len(sess.Scopes) != 2 || sess.Scopes[0] != "openid" {
		t.Errorf("Scopes = %v", sess.Scopes)
	}
	if sess.IDToken != "new-id" || sess.RefreshCount != 1 {
		t.Errorf("IDToken = %s, RefreshCount = %d", sess.IDToken, sess.RefreshCount)
	}

	rec := st.lastRecord()
	if rec == nil || !rec.IsSuccessful {
		t.Fatalf("success record not persisted: %+v", rec)
	}
	if !rec.RotationEnabled {
		t.Error("rotation not flagged on record")
	}
	if rec.NewRefreshTokenHash == rec.OldRefreshTokenHash {
		t.Error("rotated refresh token hash equals the old hash")
	}
	if sess.LastRefreshRecordID != rec.ID {
		t.Error("session does not point at the refresh record")
	}
	if persisted := st.sessions["sess-1"]; persisted == nil || persisted.AccessToken != "new-access" {
		t.Error("session not persisted before success was reported")
	}
}

func TestRefreshWithoutRotationKeepsToken(t *testing.T) {
	st := newFakeStore()
	p := &fakeProvider{responses: []*idp.TokenResponse{{
		AccessToken: "new-access",
		ExpiresIn:   3600,
	}}}
	m, now := newTestManager(p, st, Config{})

	sess := expiringSession(now)
	if _, err := m.Refresh(context.Background(), sess, true, domain.ReasonForced); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if sess.RefreshToken != "old-refresh" {
		t.Errorf("refresh token replaced without rotation: %s", sess.RefreshToken)
	}
	if sess.GracePeriodEndsAt != nil {
		t.Error("grace period stamped without rotation")
	}
	rec := st.lastRecord()
	if rec.RotationEnabled {
		t.Error("rotation flagged without a new refresh token")
	}
	if rec.NewRefreshTokenHash != rec.OldRefreshTokenHash {
		t.Error("non-rotation record should carry the old hash forward")
	}
}

func TestRefreshRetriesThenSucceeds(t *testing.T) {
	st := newFakeStore()
	p := &fakeProvider{
		errs: []error{errors.New("boom"), errors.New("boom again"), nil},
		responses: []*idp.TokenResponse{nil, nil, {
			AccessToken: "new-access",
			ExpiresIn:   3600,
		}},
	}
	var delays []time.Duration
	m, now := newTestManager(p, st, Config{RetryBaseDelay: 100 * time.Millisecond})
	m.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	sess := expiringSession(now)
	if _, err := m.Refresh(context.Background(), sess, true, domain.ReasonExpired); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if p.calls != 3 {
		t.Errorf("provider calls = %d, want 3", p.calls)
	}
	if st.lastRecord().RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", st.lastRecord().RetryCount)
	}
	if len(delays) != 2 {
		t.Fatalf("sleeps = %d, want 2", len(delays))
	}
	// Exponential base doubles; jitter adds at most one base delay.
	if delays[0] < 100*time.Millisecond || delays[0] > 200*time.Millisecond {
		t.Errorf("first delay = %v", delays[0])
	}
	if delays[1] < 200*time.Millisecond || delays[1] > 300*time.Millisecond {
		t.Errorf("second delay = %v", delays[1])
	}
}

func TestRefreshExhaustedRetries(t *testing.T) {
	st := newFakeStore()
	p := &fakeProvider{errs: []error{
		errors.New("down"), errors.New("down"), errors.New("down"),
	}}
	m, now := newTestManager(p, st, Config{MaxAttempts: 3})

	sess := expiringSession(now)
	_, err := m.Refresh(context.Background(), sess, true, domain.ReasonExpired)
	if !errors.Is(err, ErrTokenRefresh) {
		t.Fatalf("err = %v, want ErrTokenRefresh", err)
	}
	rec := st.lastRecord()
	if rec == nil || rec.IsSuccessful || rec.RetryCount != 2 {
		t.Errorf("failed record = %+v", rec)
	}
	if sess.AccessToken != "old-access" {
		t.Error("session mutated on failed refresh")
	}
}

func TestRefreshSessionPersistFailure(t *testing.T) {
	st := newFakeStore()
	st.sessionErr = errors.New("storage down")
	p := &fakeProvider{responses: []*idp.TokenResponse{{
		AccessToken: "new-access",
		ExpiresIn:   3600,
	}}}
	m, now := newTestManager(p, st, Config{})

	sess := expiringSession(now)
	_, err := m.Refresh(context.Background(), sess, true, domain.ReasonForced)
	if !errors.Is(err, ErrTokenRefresh) {
		t.Fatalf("err = %v, want ErrTokenRefresh", err)
	}
	if rec := st.lastRecord(); rec == nil || rec.IsSuccessful {
		t.Errorf("persistence failure should record a failed refresh: %+v", rec)
	}
}

func signedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return s
}

func TestRefreshExpiryFallsBackToJWTClaim(t *testing.T) {
	st := newFakeStore()
	m, now := newTestManager(nil, st, Config{})
	exp := now.Add(45 * time.Minute)
	p := &fakeProvider{responses: []*idp.TokenResponse{{
		AccessToken: signedJWT(t, exp),
	}}}
	m.provider = p

	sess := expiringSession(now)
	if _, err := m.Refresh(context.Background(), sess, true, domain.ReasonForced); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if sess.AccessTokenExpiresAt.Unix() != exp.Unix() {
		t.Errorf("AccessTokenExpiresAt = %v, want %v", sess.AccessTokenExpiresAt, exp)
	}
}

func TestValidateLocalExpiry(t *testing.T) {
	m, now := newTestManager(&fakeProvider{}, newFakeStore(), Config{})

	sess := expiringSession(now)
	if err := m.Validate(context.Background(), "old-access", sess); err != nil {
		t.Errorf("valid token rejected: %v", err)
	}

	sess.AccessTokenExpiresAt = now.Add(-time.Minute)
	if err := m.Validate(context.Background(), "old-access", sess); !errors.Is(err, ErrTokenValidation) {
		t.Errorf("expired token accepted: %v", err)
	}

	sess.AccessTokenExpiresAt = now.Add(time.Hour)
	if err := m.Validate(context.Background(), "some-other-token", sess); !errors.Is(err, ErrTokenValidation) {
		t.Errorf("foreign token accepted: %v", err)
	}
}

func TestValidateIntrospection(t *testing.T) {
	p := &fakeProvider{introspect: &idp.IntrospectionResponse{Active: false}}
	m, now := newTestManager(p, newFakeStore(), Config{IntrospectRemotely: true})

	sess := expiringSession(now)
	if err := m.Validate(context.Background(), "old-access", sess); !errors.Is(err, ErrTokenValidation) {
		t.Errorf("inactive token accepted: %v", err)
	}

	p.introspect = &idp.IntrospectionResponse{Active: true}
	if err := m.Validate(context.Background(), "old-access", sess); err != nil {
		t.Errorf("active token rejected: %v", err)
	}

	// Introspection outage falls back to the local verdict.
	p.introErr = errors.New("idp down")
	if err := m.Validate(context.Background(), "old-access", sess); err != nil {
		t.Errorf("fallback rejected locally valid token: %v", err)
	}
}
