package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.MessagesDefaultLimit != 50 || cfg.MessagesMaxLimit != 100 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.PGDSN != "" || cfg.RedisAddr != "" || len(cfg.KafkaBrokers) != 0 {
		t.Fatalf("optional backends should be off by default: %+v", cfg)
	}
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("STORE_TIMEOUT", "750ms")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example,https://ops.example")
	t.Setenv("SEED_USERS_FILE", "/etc/rideshare/users.json")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("brokers: %v", cfg.KafkaBrokers)
	}
	if cfg.StoreTimeout != 750*time.Millisecond {
		t.Fatalf("store timeout: %v", cfg.StoreTimeout)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("origins: %v", cfg.CORSAllowedOrigins)
	}
	if cfg.SeedUsersFile != "/etc/rideshare/users.json" {
		t.Fatalf("seed file: %q", cfg.SeedUsersFile)
	}
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("BUS_BUFFER", "many")
	t.Setenv("HTTP_READ_TIMEOUT", "soon")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"JWT_SECRET", "BUS_BUFFER", "HTTP_READ_TIMEOUT"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %s", err, want)
		}
	}
}
