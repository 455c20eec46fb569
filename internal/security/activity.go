package security

import (
	"time"

	auditdomain "session-control-plane/internal/audit/domain"
)

// Suspicious-activity pattern parameters over a user's recent audit trail.
const (
	creationBurstWindow = 5 * time.Minute
	creationBurstCount  = 3
	failedLoginWindow   = 10 * time.Minute
	failedLoginCount    = 3
	distinctIPSample    = 10
	distinctIPCount     = 3

	riskCreationBurst = 0.4
	riskFailedLogins  = 0.5
	riskDistinctIPs   = 0.3
)

// ActivityResult is the advisory outcome of a suspicious-activity sweep.
type ActivityResult struct {
	Suspicious bool
	RiskScore  float64
	Reasons    []string
}

// DetectSuspiciousActivity inspects a user's recent audit entries
// (newest first) for known abuse patterns: session-creation bursts,
// failed-login bursts, and many distinct source IPs. Scores are summed
// and capped at 1.0; reasons name each pattern that fired.
func DetectSuspiciousActivity(logs []*auditdomain.AuditLog, now time.Time) ActivityResult {
	var res ActivityResult

	creations := 0
	failedLogins := 0
	ips := make(map[string]struct{})
	for i, entry := range logs {
		if entry == nil {
			continue
		}
		switch {
		case entry.Action == auditdomain.ActionSessionCreated && now.Sub(entry.CreatedAt) <= creationBurstWindow:
			creations++
		case entry.Action == auditdomain.ActionLoginFailed && now.Sub(entry.CreatedAt) <= failedLoginWindow:
			failedLogins++
		}
		if i < distinctIPSample && entry.IPAddress != "" {
			ips[entry.IPAddress] = struct{}{}
		}
	}

	if creations > creationBurstCount {
		res.RiskScore += riskCreationBurst
		res.Reasons = append(res.Reasons, "rapid session creation")
	}
	if failedLogins > failedLoginCount {
		res.RiskScore += riskFailedLogins
		res.Reasons = append(res.Reasons, "repeated failed logins")
	}
	if len(ips) > distinctIPCount {
		res.RiskScore += riskDistinctIPs
		res.Reasons = append(res.Reasons, "multiple source ips")
	}

	if res.RiskScore > 1.0 {
		res.RiskScore = 1.0
	}
	res.Suspicious = len(res.Reasons) > 0
	return res
}
