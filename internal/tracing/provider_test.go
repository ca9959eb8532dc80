package tracing

import (
	"context"
	"testing"
)

func TestBuildTracerProvider_Disabled_ReturnsUsableProvider(t *testing.T) {
	tp, err := BuildTracerProvider(context.Background(), ProviderConfig{Enabled: false})
	if err != nil {
		t.Fatalf("BuildTracerProvider: %v", err)
	}
	tracer := tp.Tracer("test")
	_, span := tracer.Start(context.Background(), "noop-span")
	span.End()
}

func TestBuildTracerProvider_GRPCEnabled_BuildsWithoutDialing(t *testing.T) {
	tp, err := BuildTracerProvider(context.Background(), ProviderConfig{
		Enabled:  true,
		Protocol: ProtocolGRPC,
		Endpoint: "127.0.0.1:4317",
		Insecure: true,
	})
	if err != nil {
		t.Fatalf("BuildTracerProvider: %v", err)
	}
	if tp == nil {
		t.Fatal("expected non-nil tracer provider")
	}
}

func TestBuildTracerProvider_HTTPEnabled_BuildsWithoutDialing(t *testing.T) {
	tp, err := BuildTracerProvider(context.Background(), ProviderConfig{
		Enabled:  true,
		Protocol: ProtocolHTTP,
		Endpoint: "127.0.0.1:4318",
		Insecure: true,
	})
	if err != nil {
		t.Fatalf("BuildTracerProvider: %v", err)
	}
	if tp == nil {
		t.Fatal("expected non-nil tracer provider")
	}
}

func TestBuildTracerProvider_UnknownProtocol_Errors(t *testing.T) {
	_, err := BuildTracerProvider(context.Background(), ProviderConfig{
		Enabled:  true,
		Protocol: "carrier-pigeon",
		Endpoint: "127.0.0.1:4317",
	})
	if err == nil {
		t.Fatal("expected error for unknown exporter protocol")
	}
}
