package security

import (
	"context"
	"strconv"
	"strings"
	"time"

	"session-control-plane/internal/audit"
	auditdomain "session-control-plane/internal/audit/domain"
	"session-control-plane/internal/policy/engine"
	sessiondomain "session-control-plane/internal/session/domain"
)

// AuditHistory is the minimal read surface the suspicious-activity sweep
// needs. The storage Backend satisfies it.
type AuditHistory interface {
	GetUserAuditLogs(ctx context.Context, userID string, limit int) ([]*auditdomain.AuditLog, error)
}

// Service bundles the inline security checks (rate limiting, hijack
// detection) and the asynchronous suspicious-activity sweep. All state
// lives on the instance; constructing two Services yields fully
// independent limiters and caches.
type Service struct {
	limiter              *RateLimiter
	auditLog             *audit.Logger
	history              AuditHistory
	policy               engine.Evaluator
	fingerprintThreshold float64
}

// NewService returns a Service. policy may be nil, in which case hijack
// results carry no resolved action. auditLog may be nil (drops entries).
func NewService(limiter *RateLimiter, auditLog *audit.Logger, history AuditHistory, policy engine.Evaluator, fingerprintThreshold float64) *Service {
	if limiter == nil {
		limiter = NewRateLimiter(nil)
	}
	if fingerprintThreshold <= 0 {
		fingerprintThreshold = sessiondomain.DefaultMatchThreshold
	}
	return &Service{
		limiter:              limiter,
		auditLog:             auditLog,
		history:              history,
		policy:               policy,
		fingerprintThreshold: fingerprintThreshold,
	}
}

// CheckRateLimit records one request for (rule, key) and returns a
// *RateLimitError when denied. Denials are audited.
func (s *Service) CheckRateLimit(ctx context.Context, rule, key string) error {
	err := s.limiter.Allow(rule, key)
	if err == nil {
		return nil
	}
	if rlErr, ok := err.(*RateLimitError); ok {
		s.auditLog.Log(ctx, &auditdomain.AuditLog{
			Action: auditdomain.ActionRateLimitExceeded,
			UserID: key,
			Metadata: map[string]string{
				"rule":        rule,
				"retry_after": rlErr.RetryAfter.String(),
			},
		})
	}
	return err
}

// ResetRateLimit clears limiter state for (rule, key).
func (s *Service) ResetRateLimit(rule, key string) {
	s.limiter.Reset(rule, key)
}

// InspectedAccess is a HijackResult enriched with the policy-resolved
// advisory action.
type InspectedAccess struct {
	HijackResult
	Action engine.Action
}

// InspectAccess runs hijack detection for a presented (ip, fingerprint,
// user agent) triple against the session, audits any signal, and
// resolves the advisory action through the policy engine. The result is
// advisory; this method never blocks access itself.
func (s *Service) InspectAccess(ctx context.Context, sess *sessiondomain.Session, ip string, fp *sessiondomain.DeviceFingerprint, userAgent string) InspectedAccess {
	res := DetectHijack(sess, ip, fp, userAgent, s.fingerprintThreshold)
	out := InspectedAccess{HijackResult: res, Action: engine.ActionLog}

	if !res.Suspicious {
		return out
	}
	if s.policy != nil {
		if action, err := s.policy.ResolveHijackAction(ctx, res.RiskScore, res.Reasons); err == nil {
			out.Action = action
		}
	}
	s.auditLog.Log(ctx, &auditdomain.AuditLog{
		Action:       auditdomain.ActionHijackSignal,
		SessionID:    sess.ID,
		UserID:       sess.UserID,
		IPAddress:    ip,
		UserAgent:    userAgent,
		IsSuspicious: true,
		RiskScore:    res.RiskScore,
		Metadata: map[string]string{
			"reasons": strings.Join(res.Reasons, "; "),
			"action":  string(out.Action),
		},
	})
	return out
}

// SweepUser inspects the user's recent audit trail for suspicious
// patterns and audits a summary entry when anything fired. Intended for
// the periodic background sweep, not the request path.
func (s *Service) SweepUser(ctx context.Context, userID string) (ActivityResult, error) {
	if s.history == nil {
		return ActivityResult{}, nil
	}
	logs, err := s.history.GetUserAuditLogs(ctx, userID, 50)
	if err != nil {
		return ActivityResult{}, err
	}
	res := DetectSuspiciousActivity(logs, time.Now().UTC())
	if res.Suspicious {
		s.auditLog.Log(ctx, &auditdomain.AuditLog{
			Action:       auditdomain.ActionSuspiciousActivity,
			UserID:       userID,
			IsSuspicious: true,
			RiskScore:    res.RiskScore,
			Metadata: map[string]string{
				"reasons": strings.Join(res.Reasons, "; "),
				"sampled": strconv.Itoa(len(logs)),
			},
		})
	}
	return res, nil
}
