package telemetry

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"session-control-plane/internal/audit/domain"
)

func TestMetricsCountsAuditEvents(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(ctx)

	m, err := NewMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	entries := []*domain.AuditLog{
		{Action: domain.ActionSessionCreated, IsSuccess: true},
		{Action: domain.ActionSessionCreated, IsSuccess: true},
		{Action: domain.ActionHijackSignal, IsSuspicious: true, RiskScore: 0.8},
	}
	for _, e := range entries {
		if err := m.SaveAuditLog(ctx, e); err != nil {
			t.Fatalf("SaveAuditLog: %v", err)
		}
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	var totalEvents, suspicious int64
	var riskSamples uint64
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			switch metric.Name {
			case "sessionctl.audit.events":
				if sum, ok := metric.Data.(metricdata.Sum[int64]); ok {
					for _, dp := range sum.DataPoints {
						totalEvents += dp.Value
					}
				}
			case "sessionctl.audit.suspicious_events":
				if sum, ok := metric.Data.(metricdata.Sum[int64]); ok {
					for _, dp := range sum.DataPoints {
						suspicious += dp.Value
					}
				}
			case "sessionctl.audit.risk_score":
				if hist, ok := metric.Data.(metricdata.Histogram[float64]); ok {
					for _, dp := range hist.DataPoints {
						riskSamples += dp.Count
					}
				}
			}
		}
	}
	if totalEvents != 3 {
		t.Errorf("events = %d, want 3", totalEvents)
	}
	if suspicious != 1 {
		t.Errorf("suspicious = %d, want 1", suspicious)
	}
	if riskSamples != 1 {
		t.Errorf("risk samples = %d, want 1", riskSamples)
	}
}
