package security

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"session-control-plane/internal/audit"
	auditdomain "session-control-plane/internal/audit/domain"
	"session-control-plane/internal/policy/engine"
)

type fakeTrail struct {
	mu      sync.Mutex
	entries []*auditdomain.AuditLog
	history []*auditdomain.AuditLog
	histErr error
}

func (f *fakeTrail) SaveAuditLog(_ context.Context, entry *auditdomain.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeTrail) GetUserAuditLogs(_ context.Context, _ string, _ int) ([]*auditdomain.AuditLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, f.histErr
}

func (f *fakeTrail) byAction(action auditdomain.Action) []*auditdomain.AuditLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*auditdomain.AuditLog
	for _, e := range f.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type fakePolicy struct {
	action engine.Action
	err    error
	calls  int
}

func (f *fakePolicy) ResolveHijackAction(context.Context, float64, []string) (engine.Action, error) {
	f.calls++
	return f.action, f.err
}

func newTestService(trail *fakeTrail, policy engine.Evaluator, rules map[string]RateLimitRule) *Service {
	return NewService(NewRateLimiter(rules), audit.NewLogger(trail), trail, policy, 0)
}

func TestCheckRateLimitAuditsDenials(t *testing.T) {
	trail := &fakeTrail{}
	svc := newTestService(trail, nil, map[string]RateLimitRule{
		"login_attempt": {MaxRequests: 1, Window: time.Minute, BackoffMultiplier: 2, MaxBackoff: time.Hour},
	})
	ctx := context.Background()

	if err := svc.CheckRateLimit(ctx, "login_attempt", "user-1"); err != nil {
		t.Fatalf("first request denied: %v", err)
	}
	err := svc.CheckRateLimit(ctx, "login_attempt", "user-1")
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("second request err = %v, want *RateLimitError", err)
	}

	denials := trail.byAction(auditdomain.ActionRateLimitExceeded)
	if len(denials) != 1 {
		t.Fatalf("denial audits = %d, want 1", len(denials))
	}
	if denials[0].UserID != "user-1" || denials[0].Metadata["rule"] != "login_attempt" {
		t.Errorf("denial audit = %+v", denials[0])
	}
	if denials[0].Metadata["retry_after"] == "" {
		t.Error("denial audit missing retry_after")
	}
}

func TestResetRateLimit(t *testing.T) {
	svc := newTestService(&fakeTrail{}, nil, map[string]RateLimitRule{
		"login_attempt": {MaxRequests: 1, Window: time.Minute, BackoffMultiplier: 2, MaxBackoff: time.Hour},
	})
	ctx := context.Background()

	svc.CheckRateLimit(ctx, "login_attempt", "user-1")
	svc.CheckRateLimit(ctx, "login_attempt", "user-1")
	svc.ResetRateLimit("login_attempt", "user-1")
	if err := svc.CheckRateLimit(ctx, "login_attempt", "user-1"); err != nil {
		t.Errorf("request after reset denied: %v", err)
	}
}

func TestInspectAccessCleanRequestIsSilent(t *testing.T) {
	trail := &fakeTrail{}
	policy := &fakePolicy{action: engine.ActionBlock}
	svc := newTestService(trail, policy, nil)

	sess := sessionOnRecord()
	got := svc.InspectAccess(context.Background(), sess, sess.IPAddress, sess.Fingerprint.Clone(), sess.UserAgent)
	if got.Suspicious || got.Action != engine.ActionLog {
		t.Errorf("clean access = %+v", got)
	}
	if policy.calls != 0 {
		t.Error("policy consulted for clean access")
	}
	if len(trail.byAction(auditdomain.ActionHijackSignal)) != 0 {
		t.Error("clean access audited as hijack signal")
	}
}

func TestInspectAccessAuditsAndResolvesAction(t *testing.T) {
	trail := &fakeTrail{}
	policy := &fakePolicy{action: engine.ActionReauth}
	svc := newTestService(trail, policy, nil)

	got := svc.InspectAccess(context.Background(), sessionOnRecord(), "203.0.113.9", nil, "")
	if !got.Suspicious {
		t.Fatal("ip change not flagged")
	}
	if got.Action != engine.ActionReauth {
		t.Errorf("action = %q, want reauth", got.Action)
	}

	signals := trail.byAction(auditdomain.ActionHijackSignal)
	if len(signals) != 1 {
		t.Fatalf("hijack audits = %d, want 1", len(signals))
	}
	entry := signals[0]
	if !entry.IsSuspicious || entry.RiskScore != got.RiskScore {
		t.Errorf("audit = %+v", entry)
	}
	if entry.Metadata["action"] != string(engine.ActionReauth) {
		t.Errorf("audit action = %q", entry.Metadata["action"])
	}
	if entry.Metadata["reasons"] == "" {
		t.Error("audit missing reasons")
	}
}

func TestInspectAccessPolicyFailureKeepsLogAction(t *testing.T) {
	trail := &fakeTrail{}
	policy := &fakePolicy{err: errors.New("policy down")}
	svc := newTestService(trail, policy, nil)

	got := svc.InspectAccess(context.Background(), sessionOnRecord(), "203.0.113.9", nil, "")
	if got.Action != engine.ActionLog {
		t.Errorf("action = %q, want log fallback", got.Action)
	}
	if len(trail.byAction(auditdomain.ActionHijackSignal)) != 1 {
		t.Error("signal not audited despite policy failure")
	}
}

func TestSweepUserFlagsAndAudits(t *testing.T) {
	now := time.Now().UTC()
	trail := &fakeTrail{}
	for i := 0; i < 5; i++ {
		trail.history = append(trail.history, &auditdomain.AuditLog{
			Action:    auditdomain.ActionLoginFailed,
			UserID:    "user-1",
			IPAddress: "10.0.0.1",
			CreatedAt: now.Add(-time.Minute),
		})
	}
	svc := newTestService(trail, nil, nil)

	res, err := svc.SweepUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("SweepUser: %v", err)
	}
	if !res.Suspicious {
		t.Fatalf("sweep result = %+v", res)
	}

	summaries := trail.byAction(auditdomain.ActionSuspiciousActivity)
	if len(summaries) != 1 {
		t.Fatalf("sweep audits = %d, want 1", len(summaries))
	}
	if summaries[0].UserID != "user-1" || !summaries[0].IsSuspicious {
		t.Errorf("sweep audit = %+v", summaries[0])
	}
	if summaries[0].Metadata["sampled"] != "5" {
		t.Errorf("sampled = %q", summaries[0].Metadata["sampled"])
	}
}

func TestSweepUserQuietTrailStaysSilent(t *testing.T) {
	trail := &fakeTrail{}
	svc := newTestService(trail, nil, nil)

	res, err := svc.SweepUser(context.Background(), "user-1")
	if err != nil || res.Suspicious {
		t.Fatalf("quiet sweep = %+v, err %v", res, err)
	}
	if len(trail.byAction(auditdomain.ActionSuspiciousActivity)) != 0 {
		t.Error("quiet sweep audited")
	}
}

func TestSweepUserPropagatesHistoryError(t *testing.T) {
	trail := &fakeTrail{histErr: errors.New("backend down")}
	svc := newTestService(trail, nil, nil)

	if _, err := svc.SweepUser(context.Background(), "user-1"); err == nil {
		t.Error("history error swallowed")
	}
}
