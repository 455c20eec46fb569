package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"session-control-plane/internal/audit"
	"session-control-plane/internal/audit/domain"
)

// NewAuditEmitter returns an audit.Saver that mirrors audit entries as
// OTel log records through the given LoggerProvider. A nil provider
// yields a no-op saver. Meant as a secondary sink behind audit.Tee.
func NewAuditEmitter(provider *sdklog.LoggerProvider) audit.Saver {
	if provider == nil {
		return noopSaver{}
	}
	return &auditEmitter{logger: provider.Logger("sessionctl.audit")}
}

type noopSaver struct{}

func (noopSaver) SaveAuditLog(context.Context, *domain.AuditLog) error { return nil }

// recordEmitter is the slice of otellog.Logger the emitter uses;
// narrowed so tests can capture records.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

type auditEmitter struct {
	logger recordEmitter
}

func (e *auditEmitter) SaveAuditLog(ctx context.Context, entry *domain.AuditLog) error {
	if entry == nil {
		return nil
	}
	rec := otellog.Record{}
	ts := entry.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetBody(otellog.StringValue(string(entry.Action)))
	rec.AddAttributes(otellog.String("audit_id", entry.ID))
	if entry.SessionID != "" {
		rec.AddAttributes(otellog.String("session_id", entry.SessionID))
	}
	if entry.UserID != "" {
		rec.AddAttributes(otellog.String("user_id", entry.UserID))
	}
	if entry.IPAddress != "" {
		rec.AddAttributes(otellog.String("ip_address", entry.IPAddress))
	}
	if entry.RequestID != "" {
		rec.AddAttributes(otellog.String("request_id", entry.RequestID))
	}
	rec.AddAttributes(otellog.Bool("success", entry.IsSuccess))
	if entry.IsSuspicious {
		rec.AddAttributes(
			otellog.Bool("suspicious", true),
			otellog.Float64("risk_score", entry.RiskScore),
		)
	}
	for k, v := range entry.Metadata {
		rec.AddAttributes(otellog.String("meta."+k, v))
	}
	e.logger.Emit(ctx, rec)
	return nil
}
