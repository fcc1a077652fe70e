package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SHAREX_CONFIG", filepath.Join(t.TempDir(), "none.yaml"))
	t.Setenv("SHAREX_JWT_SECRET", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Trading.Fees.Rate.Equal(decimal.RequireFromString("0.005")) || cfg.Trading.Fees.Places != 2 {
		t.Fatalf("unexpected fee schedule %+v", cfg.Trading.Fees)
	}
	if cfg.Trading.DefaultExpiry != 30*24*time.Hour {
		t.Fatalf("expected 30 day expiry, got %s", cfg.Trading.DefaultExpiry)
	}
	if cfg.Trading.RetryAttempts != 3 {
		t.Fatalf("expected 3 retry attempts, got %d", cfg.Trading.RetryAttempts)
	}
	if cfg.ExpiryInterval != time.Minute {
		t.Fatalf("expected 1m expiry interval, got %s", cfg.ExpiryInterval)
	}
	if cfg.Kafka.Enabled {
		t.Fatalf("expected kafka disabled by default")
	}
	if cfg.Kafka.Topics.TradesExecuted != "trades.executed" {
		t.Fatalf("unexpected trades topic %q", cfg.Kafka.Topics.TradesExecuted)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SHAREX_CONFIG", filepath.Join(t.TempDir(), "none.yaml"))
	t.Setenv("SHAREX_JWT_SECRET", "secret")
	t.Setenv("SHAREX_TRADING_FEE_RATE", "0.01")
	t.Setenv("SHAREX_TRADING_RETRY_ATTEMPTS", "5")
	t.Setenv("SHAREX_KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Trading.Fees.Rate.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("expected fee override, got %s", cfg.Trading.Fees.Rate)
	}
	if cfg.Trading.RetryAttempts != 5 {
		t.Fatalf("expected retry override, got %d", cfg.Trading.RetryAttempts)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("SHAREX_CONFIG", filepath.Join(t.TempDir(), "none.yaml"))

	if _, err := Load(); err == nil {
		t.Fatalf("expected missing jwt secret to fail")
	}

	t.Setenv("SHAREX_JWT_SECRET", "secret")
	t.Setenv("SHAREX_TRADING_FEE_RATE", "1.5")
	if _, err := Load(); err == nil {
		t.Fatalf("expected fee rate above 1 to fail")
	}
}
