package telemetry

import (
	"context"
	"testing"
)

func TestSetupTracingDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "test-svc", "", 1.0)
	if err != nil {
		t.Fatalf("SetupTracing with empty endpoint: %v", err)
	}

	// No provider was installed, so spans stay non-recording even at
	// full sample rate.
	_, span := Tracer("test").Start(context.Background(), "op")
	if span.IsRecording() {
		t.Error("span is recording with tracing disabled")
	}
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Errorf("no-op shutdown returned %v", err)
	}
}
