package otel

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected noop tracer and meter")
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled provider should not build an sdk tracer provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil {
		t.Fatal("expected non-nil TracerProvider")
	}
	if _, err := NewMetrics(p.Meter); err != nil {
		t.Fatalf("NewMetrics on sdk meter: %v", err)
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
	if !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Fatalf("error should name the exporter, got %v", err)
	}
}

func TestInit_StdoutExporterWritesToStderr(t *testing.T) {
	var buf bytes.Buffer
	old := stderr
	stderr = &buf
	defer func() { stderr = old }()

	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "stdout", ServiceName: "bridge-test"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	_, span := StartServerSpan(context.Background(), p.Tracer, "tools/call", AttrToolName.String("get_place_info"))
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "get_place_info") {
		t.Fatalf("expected exported span in redirected writer, got %q", buf.String())
	}
}

func TestStartSpan_NilTracer(t *testing.T) {
	ctx := context.Background()
	got, span := StartClientSpan(ctx, nil, "proxy.relay")
	if got != ctx {
		t.Fatal("nil tracer should return the incoming context")
	}
	span.End()
}
