package security

import (
	sessiondomain "session-control-plane/internal/session/domain"
)

// Risk contributions for hijack signals. Summed and capped at 1.0.
const (
	riskIPChange            = 0.3
	riskFingerprintMismatch = 0.5
	riskUserAgentChange     = 0.2
)

// HijackResult is the advisory outcome of a hijack check. The caller
// decides whether to block, require re-auth, or merely log.
type HijackResult struct {
	Suspicious bool
	RiskScore  float64
	Reasons    []string
}

// DetectHijack compares the presented (ip, fingerprint, user agent)
// triple against what the session has on record and returns additive
// risk contributions with the specific reasons that fired.
func DetectHijack(sess *sessiondomain.Session, ip string, fp *sessiondomain.DeviceFingerprint, userAgent string, fingerprintThreshold float64) HijackResult {
	var res HijackResult
	if sess == nil {
		return res
	}
	if fingerprintThreshold <= 0 {
		fingerprintThreshold = sessiondomain.DefaultMatchThreshold
	}

	if ip != "" && sess.IPAddress != "" && ip != sess.IPAddress {
		res.RiskScore += riskIPChange
		res.Reasons = append(res.Reasons, "ip address changed")
	}
	if fp != nil && sess.Fingerprint != nil && !sess.Fingerprint.Matches(fp, fingerprintThreshold) {
		res.RiskScore += riskFingerprintMismatch
		res.Reasons = append(res.Reasons, "device fingerprint mismatch")
	}
	if userAgent != "" && sess.UserAgent != "" && userAgent != sess.UserAgent {
		res.RiskScore += riskUserAgentChange
		res.Reasons = append(res.Reasons, "user agent changed")
	}

	if res.RiskScore > 1.0 {
		res.RiskScore = 1.0
	}
	res.Suspicious = len(res.Reasons) > 0
	return res
}
