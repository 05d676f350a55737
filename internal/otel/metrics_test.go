package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.DispatchDuration == nil {
		t.Error("DispatchDuration is nil")
	}
	if m.RunsTotal == nil {
		t.Error("RunsTotal is nil")
	}
	if m.PolicyDenials == nil {
		t.Error("PolicyDenials is nil")
	}
	if m.DuplicateRejects == nil {
		t.Error("DuplicateRejects is nil")
	}
	if m.HandlerErrors == nil {
		t.Error("HandlerErrors is nil")
	}
	if m.TaskCardsEmitted == nil {
		t.Error("TaskCardsEmitted is nil")
	}
	if m.NotificationsSent == nil {
		t.Error("NotificationsSent is nil")
	}
	if m.ScheduleSweeps == nil {
		t.Error("ScheduleSweeps is nil")
	}
	if m.RateLimitRejects == nil {
		t.Error("RateLimitRejects is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns a noop meter; instruments must still create.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
