package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoad_Defaults(t *testing.T) {
	// Clear any env vars that might interfere.
	for _, k := range []string{"INGESTION_GRPC_ADDR", "INGESTION_HTTP_PORT", "BROKER_DRIVER", "NATS_URL",
		"TELEMETRY_TOPIC", "PAYLOAD_ENCODING", "PUBLISH_MAX_RETRIES", "PUBLISH_BACKOFF_INITIAL_SECONDS",
		"PUBLISH_BACKOFF_MAX_SECONDS", "PUBLISH_TIMEOUT_MS", "DEDUP_CACHE_SIZE", "ENFORCE_DEVICE_CREDENTIALS",
		"AUDIT_ENDPOINT", "AUDIT_TIMEOUT_MS", "INGESTION_TLS_ENABLED", "TLS_CERT_PATH", "LOG_LEVEL"} {
		t.Setenv(k, "")
	}

	cfg := Load()

	if cfg.GRPCAddr != ":50051" {
		t.Errorf("expected grpc addr :50051, got %s", cfg.GRPCAddr)
	}
	if cfg.HTTPPort != 8081 {
		t.Errorf("expected http port 8081, got %d", cfg.HTTPPort)
	}
	if cfg.BrokerDriver != "nats" {
		t.Errorf("expected broker nats, got %s", cfg.BrokerDriver)
	}
	if cfg.NatsURL != "nats://localhost:4222" {
		t.Errorf("expected default nats url, got %s", cfg.NatsURL)
	}
	if cfg.Topic != "telemetry.events" {
		t.Errorf("expected topic telemetry.events, got %s", cfg.Topic)
	}
	if cfg.Encoding != "json" {
		t.Errorf("expected json encoding, got %s", cfg.Encoding)
	}
	if cfg.PublishMaxRetries != 3 {
		t.Errorf("expected 3 retries, got %d", cfg.PublishMaxRetries)
	}
	if cfg.PublishBackoffInitial != 100*time.Millisecond {
		t.Errorf("expected 100ms initial backoff, got %v", cfg.PublishBackoffInitial)
	}
	if cfg.PublishBackoffMax != 2*time.Second {
		t.Errorf("expected 2s max backoff, got %v", cfg.PublishBackoffMax)
	}
	if cfg.PublishTimeout != 5*time.Second {
		t.Errorf("expected 5s publish timeout, got %v", cfg.PublishTimeout)
	}
	if cfg.DedupCacheSize != 10000 {
		t.Errorf("expected dedup size 10000, got %d", cfg.DedupCacheSize)
	}
	if !cfg.EnforceDeviceCredentials {
		t.Error("expected credential enforcement on by default")
	}
	if cfg.AuditEndpoint != "http://api:8000/audit/events" {
		t.Errorf("expected default audit endpoint, got %s", cfg.AuditEndpoint)
	}
	if cfg.AuditTimeout != 2*time.Second {
		t.Errorf("expected 2s audit timeout, got %v", cfg.AuditTimeout)
	}
	if !cfg.TLSEnabled {
		t.Error("expected TLS on by default")
	}
	if cfg.TLSCertPath != "/etc/infusion/certs/server.crt" {
		t.Errorf("expected default cert path, got %s", cfg.TLSCertPath)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log level info, got %s", cfg.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("INGESTION_GRPC_ADDR", "127.0.0.1:6000")
	t.Setenv("BROKER_DRIVER", "amqp")
	t.Setenv("PAYLOAD_ENCODING", "cbor")
	t.Setenv("PUBLISH_MAX_RETRIES", "5")
	t.Setenv("PUBLISH_BACKOFF_INITIAL_SECONDS", "0.25")
	t.Setenv("PUBLISH_BACKOFF_MAX_SECONDS", "4")
	t.Setenv("DEDUP_CACHE_SIZE", "64")
	t.Setenv("ENFORCE_DEVICE_CREDENTIALS", "false")
	t.Setenv("DEVICE_CREDENTIALS", "pump-1=alpha")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Load()

	if cfg.GRPCAddr != "127.0.0.1:6000" {
		t.Errorf("expected custom grpc addr, got %s", cfg.GRPCAddr)
	}
	if cfg.BrokerDriver != "amqp" {
		t.Errorf("expected broker amqp, got %s", cfg.BrokerDriver)
	}
	if cfg.Encoding != "cbor" {
		t.Errorf("expected cbor encoding, got %s", cfg.Encoding)
	}
	if cfg.PublishMaxRetries != 5 {
		t.Errorf("expected 5 retries, got %d", cfg.PublishMaxRetries)
	}
	if cfg.PublishBackoffInitial != 250*time.Millisecond {
		t.Errorf("expected 250ms initial backoff, got %v", cfg.PublishBackoffInitial)
	}
	if cfg.PublishBackoffMax != 4*time.Second {
		t.Errorf("expected 4s max backoff, got %v", cfg.PublishBackoffMax)
	}
	if cfg.DedupCacheSize != 64 {
		t.Errorf("expected dedup size 64, got %d", cfg.DedupCacheSize)
	}
	if cfg.EnforceDeviceCredentials {
		t.Error("expected enforcement off")
	}
	if cfg.DeviceCredentials != "pump-1=alpha" {
		t.Errorf("expected inline credentials, got %s", cfg.DeviceCredentials)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.LogLevel)
	}
}

func TestLoad_InvalidNumbers(t *testing.T) {
	t.Setenv("INGESTION_HTTP_PORT", "notanumber")
	t.Setenv("PUBLISH_BACKOFF_INITIAL_SECONDS", "fast")
	t.Setenv("ENFORCE_DEVICE_CREDENTIALS", "maybe")

	cfg := Load()
	if cfg.HTTPPort != 8081 {
		t.Errorf("expected default port on invalid value, got %d", cfg.HTTPPort)
	}
	if cfg.PublishBackoffInitial != 100*time.Millisecond {
		t.Errorf("expected default backoff on invalid value, got %v", cfg.PublishBackoffInitial)
	}
	if !cfg.EnforceDeviceCredentials {
		t.Error("expected default enforcement on invalid value")
	}
}

func TestBindFlags_OverrideEnvironment(t *testing.T) {
	t.Setenv("TELEMETRY_TOPIC", "from.env")
	t.Setenv("PUBLISH_MAX_RETRIES", "7")

	cfg := Load()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs, &cfg)

	if err := fs.Parse([]string{"--topic", "from.flag", "--publish-backoff-max", "3s", "--tls=false"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Topic != "from.flag" {
		t.Errorf("expected flag topic, got %s", cfg.Topic)
	}
	if cfg.PublishMaxRetries != 7 {
		t.Errorf("expected env retries to survive, got %d", cfg.PublishMaxRetries)
	}
	if cfg.PublishBackoffMax != 3*time.Second {
		t.Errorf("expected 3s max backoff, got %v", cfg.PublishBackoffMax)
	}
	if cfg.TLSEnabled {
		t.Error("expected TLS disabled by flag")
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Load()
	cfg.PublishMaxRetries = -1
	cfg.PublishBackoffInitial = time.Second
	cfg.PublishBackoffMax = time.Millisecond
	cfg.DedupCacheSize = 0
	cfg.BrokerDriver = "kafka"
	cfg.Encoding = "xml"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"PUBLISH_MAX_RETRIES", "PUBLISH_BACKOFF_MAX_SECONDS", "DEDUP_CACHE_SIZE", "BROKER_DRIVER", "PAYLOAD_ENCODING"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %s, got %v", want, err)
		}
	}
}

func TestValidate_ProvisioningNeedsDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PROVISION_DEVICE_CREDENTIALS", "pump-1=alpha")

	cfg := Load()
	if cfg.ProvisionDevices != "pump-1=alpha" {
		t.Errorf("expected provisioning list, got %s", cfg.ProvisionDevices)
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "PROVISION_DEVICE_CREDENTIALS") {
		t.Errorf("expected provisioning error, got %v", err)
	}

	cfg.DatabaseURL = "postgres://localhost/gateway"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config with a database, got %v", err)
	}
}
