package telemetry

import (
	"context"
	"testing"

	"github.com/KafClaw/KafMesh/internal/config"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{}, "test")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestInitWithEndpoint(t *testing.T) {
	cfg := config.TelemetryConfig{OTLPEndpoint: "127.0.0.1:4318", Insecure: true, ServiceName: "kafmesh-test"}
	shutdown, err := Init(context.Background(), cfg, "test")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	counter, err := Meter("kafmesh/test").Int64Counter("kafmesh.test.count")
	if err != nil {
		t.Fatalf("Int64Counter: %v", err)
	}
	counter.Add(context.Background(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Nothing listens on the endpoint; shutdown must return promptly.
	_ = shutdown(ctx)
}
