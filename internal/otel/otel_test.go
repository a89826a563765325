package otel

import (
	"context"
	"testing"
)

func TestInitDisabledReturnsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected non-nil noop tracer and meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitStdoutExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	if _, err := NewMetrics(p.Meter); err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	_, span := StartSpan(context.Background(), p.Tracer, "scheduler.pass")
	span.End()
}

func TestInitUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "bogus"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}
