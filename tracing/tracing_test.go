package tracing

import (
	"context"
	"errors"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "")
	t.Setenv("OTEL_ENVIRONMENT", "")
	t.Setenv("OTEL_ENABLED", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "")

	cfg := DefaultConfig()

	if cfg.ServiceName != "contenttransfer" {
		t.Errorf("Expected ServiceName 'contenttransfer', got %q", cfg.ServiceName)
	}
	if cfg.Environment != "development" {
		t.Errorf("Expected Environment 'development', got %q", cfg.Environment)
	}
	if cfg.Enabled {
		t.Error("Expected Enabled to be false by default")
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("Expected SampleRate 1.0, got %f", cfg.SampleRate)
	}
}

func TestDefaultConfig_WithEnvVars(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "transfer-batch")
	t.Setenv("OTEL_ENVIRONMENT", "production")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")

	cfg := DefaultConfig()

	if cfg.ServiceName != "transfer-batch" {
		t.Errorf("Expected ServiceName 'transfer-batch', got %q", cfg.ServiceName)
	}
	if cfg.Environment != "production" {
		t.Errorf("Expected Environment 'production', got %q", cfg.Environment)
	}
	if !cfg.Enabled {
		t.Error("Expected Enabled to be true")
	}
	if cfg.OTLPEndpoint != "localhost:4318" {
		t.Errorf("Expected OTLPEndpoint 'localhost:4318', got %q", cfg.OTLPEndpoint)
	}
	if cfg.SampleRate != 0.25 {
		t.Errorf("Expected SampleRate 0.25, got %f", cfg.SampleRate)
	}
}

func TestDefaultConfig_EnabledByEndpoint(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")

	if !DefaultConfig().Enabled {
		t.Error("Expected Enabled to be true when OTLP endpoint is set")
	}
}

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown returned error: %v", err)
	}
}

func TestSetup_SampleRates(t *testing.T) {
	tests := []struct {
		name       string
		sampleRate float64
	}{
		{"always sample", 1.0},
		{"never sample", 0.0},
		{"ratio sample", 0.5},
		{"above 1.0", 1.5},
		{"below 0.0", -0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
				Environment:    "test",
				Enabled:        true,
				SampleRate:     tt.sampleRate,
			}

			shutdown, err := Setup(context.Background(), cfg)
			if err != nil {
				t.Fatalf("Setup failed: %v", err)
			}
			_ = shutdown(context.Background())
		})
	}
}

func TestStartSpan(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "transfer.push")
	defer span.End()

	if ctx == nil || span == nil {
		t.Fatal("expected context and span")
	}
}

func TestAttributeHelpers(t *testing.T) {
	_, span := StartSpan(context.Background(), "test-attributes")
	defer span.End()

	// None of these should panic on a no-op span.
	AddToolAttributes(span, "contenttransfer_push", "push")
	AddWikiAttributes(span, "staging", "edit")
	AddPushAttributes(span, "staging", "Datei:Logo.png", "File:Logo.png")
	AddPushAttributes(span, "staging", "Foo", "")
	RecordError(span, nil)
	RecordError(span, errors.New("edit failed"))
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("TEST_GET_ENV_KEY", "custom-value")
	t.Setenv("TEST_GET_ENV_KEY_EMPTY", "")

	if got := getEnvOrDefault("TEST_GET_ENV_KEY", "default"); got != "custom-value" {
		t.Errorf("Expected custom-value, got %q", got)
	}
	if got := getEnvOrDefault("TEST_GET_ENV_KEY_EMPTY", "default"); got != "default" {
		t.Errorf("Expected default for empty value, got %q", got)
	}
	if got := getEnvOrDefault("TEST_GET_ENV_KEY_NEVER_SET_1234", "default"); got != "default" {
		t.Errorf("Expected default for unset key, got %q", got)
	}
}
