// Package telemetry exports the audit stream as OpenTelemetry metrics
// and log records. Both sinks attach to the audit logger as secondary
// savers; they never affect the primary trail.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"session-control-plane/internal/audit/domain"
)

// Metrics counts audit events per action and samples risk scores. It
// implements audit.Saver so it can sit behind audit.Tee.
type Metrics struct {
	events     metric.Int64Counter
	suspicious metric.Int64Counter
	riskScore  metric.Float64Histogram
}

// NewMetrics registers the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	events, err := meter.Int64Counter("sessionctl.audit.events",
		metric.WithDescription("Audit events by action"))
	if err != nil {
		return nil, err
	}
	suspicious, err := meter.Int64Counter("sessionctl.audit.suspicious_events",
		metric.WithDescription("Audit events flagged suspicious"))
	if err != nil {
		return nil, err
	}
	riskScore, err := meter.Float64Histogram("sessionctl.audit.risk_score",
		metric.WithDescription("Risk scores of suspicious audit events"))
	if err != nil {
		return nil, err
	}
	return &Metrics{events: events, suspicious: suspicious, riskScore: riskScore}, nil
}

func (m *Metrics) SaveAuditLog(ctx context.Context, entry *domain.AuditLog) error {
	action := attribute.String("action", string(entry.Action))
	m.events.Add(ctx, 1, metric.WithAttributes(action, attribute.Bool("success", entry.IsSuccess)))
	if entry.IsSuspicious {
		m.suspicious.Add(ctx, 1, metric.WithAttributes(action))
		m.riskScore.Record(ctx, entry.RiskScore, metric.WithAttributes(action))
	}
	return nil
}
