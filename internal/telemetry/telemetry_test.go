package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/nextlevelbuilder/clawbridge/internal/config"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	for _, cfg := range []config.TelemetryConfig{
		{},
		{Enabled: true}, // no endpoint
		{Endpoint: "localhost:4318"},
	} {
		p, err := Setup(context.Background(), cfg)
		if err != nil {
			t.Fatalf("Setup(%+v): %v", cfg, err)
		}
		ctx, span := p.StartQuerySpan(context.Background(), 1)
		if ctx == nil || span == nil {
			t.Fatal("noop provider returned nil span")
		}
		EndQuerySpan(span, "sess", 0.01, 2, nil)
		EndQuerySpan(span, "", 0, 0, errors.New("boom"))
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}
}

func TestSetupUnknownProtocol(t *testing.T) {
	cfg := config.TelemetryConfig{Enabled: true, Endpoint: "localhost:4317", Protocol: "udp"}
	if _, err := Setup(context.Background(), cfg); err == nil {
		t.Error("unknown protocol accepted")
	}
}

func TestEndpointHost(t *testing.T) {
	tests := []struct{ in, want string }{
		{"http://localhost:4318", "localhost:4318"},
		{"https://otel.example.com:443", "otel.example.com:443"},
		{"localhost:4318", "localhost:4318"},
	}
	for _, tt := range tests {
		if got := endpointHost(tt.in); got != tt.want {
			t.Errorf("endpointHost(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
