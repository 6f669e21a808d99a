package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wyfcoding/backoffice/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServiceName != "backoffice" {
		t.Errorf("service name: got %q, want %q", cfg.ServiceName, "backoffice")
	}
	if cfg.HTTP.Addr() != ":8080" {
		t.Errorf("http addr: got %q, want %q", cfg.HTTP.Addr(), ":8080")
	}
	if cfg.Kafka.PriceTopic != "market.prices" {
		t.Errorf("price topic: got %q, want %q", cfg.Kafka.PriceTopic, "market.prices")
	}
	if cfg.Kafka.MaxRetries != 3 {
		t.Errorf("max retries: got %d, want 3", cfg.Kafka.MaxRetries)
	}
	if cfg.Kafka.RetryBackoff != 100 {
		t.Errorf("retry backoff: got %d, want 100", cfg.Kafka.RetryBackoff)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
service_name = "backoffice-staging"

[kafka]
brokers = ["kafka-1:9092", "kafka-2:9092"]
retry_backoff = 250
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServiceName != "backoffice-staging" {
		t.Errorf("service name: got %q", cfg.ServiceName)
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("brokers: got %v", cfg.Kafka.Brokers)
	}
	if cfg.Kafka.RetryBackoff != 250 {
		t.Errorf("retry backoff: got %d, want 250", cfg.Kafka.RetryBackoff)
	}
}

func TestLoad_EnvOverridesDSN(t *testing.T) {
	t.Setenv("BACKOFFICE_DATABASE_DSN", "user:pass@tcp(db:3306)/backoffice")
	cfg, err := config.Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.DSN != "user:pass@tcp(db:3306)/backoffice" {
		t.Errorf("dsn: got %q", cfg.Database.DSN)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
