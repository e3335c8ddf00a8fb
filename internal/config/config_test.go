package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want %q", cfg.Port, "8080")
	}
	if cfg.Delivery.MaxAttempts != 3 {
		t.Errorf("Delivery.MaxAttempts = %d, want 3", cfg.Delivery.MaxAttempts)
	}
	if cfg.Scheduler.BaseAdaptiveInterval != 15*time.Minute {
		t.Errorf("Scheduler.BaseAdaptiveInterval = %v, want 15m", cfg.Scheduler.BaseAdaptiveInterval)
	}
	if !cfg.Reconcile.Enabled {
		t.Errorf("Reconcile.Enabled = false, want true by default")
	}
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ORCHESTRATORD_DELIVERY_MAX_ATTEMPTS", "7")
	t.Setenv("ORCHESTRATORD_RECONCILE_ENABLED", "false")
	t.Setenv("ORCHESTRATORD_QUEUE_NOT_READY_RETRY_DELAY", "250ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("Port = %q, want %q", cfg.Port, "9090")
	}
	if cfg.Delivery.MaxAttempts != 7 {
		t.Errorf("Delivery.MaxAttempts = %d, want 7", cfg.Delivery.MaxAttempts)
	}
	if cfg.Reconcile.Enabled {
		t.Errorf("Reconcile.Enabled = true, want false")
	}
	if cfg.Queue.NotReadyRetryDelay != 250*time.Millisecond {
		t.Errorf("Queue.NotReadyRetryDelay = %v, want 250ms", cfg.Queue.NotReadyRetryDelay)
	}
}

func TestLoad_MalformedEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("ORCHESTRATORD_DELIVERY_MAX_ATTEMPTS", "not-a-number")
	t.Setenv("ORCHESTRATORD_TOTAL_DELIVERY_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Delivery.MaxAttempts != 3 {
		t.Errorf("Delivery.MaxAttempts = %d, want fallback 3", cfg.Delivery.MaxAttempts)
	}
	if cfg.Timeout.TotalDelivery != 30*time.Second {
		t.Errorf("Timeout.TotalDelivery = %v, want fallback 30s", cfg.Timeout.TotalDelivery)
	}
}

func TestValidate_RejectsEmptyPort(t *testing.T) {
	cfg := &Config{Port: "", StateDir: "./data", Delivery: DeliveryConfig{MaxAttempts: 1},
		Queue: QueueConfig{MaxHistory: 1}, Restart: RestartConfig{MaxAttempts: 1},
		Reconcile: ReconcileConfig{Enabled: false}}
	if err := cfg.Validate(); err == nil {
		t.Errorf("Validate() succeeded with an empty Port, want error")
	}
}

func TestValidate_RejectsZeroDeliveryMaxAttempts(t *testing.T) {
	cfg := &Config{Port: "8080", StateDir: "./data", Delivery: DeliveryConfig{MaxAttempts: 0},
		Queue: QueueConfig{MaxHistory: 1}, Restart: RestartConfig{MaxAttempts: 1},
		Reconcile: ReconcileConfig{Enabled: false}}
	if err := cfg.Validate(); err == nil {
		t.Errorf("Validate() succeeded with Delivery.MaxAttempts = 0, want error")
	}
}

func TestValidate_ReconcileMaxAttemptsOnlyRequiredWhenEnabled(t *testing.T) {
	cfg := &Config{Port: "8080", StateDir: "./data", Delivery: DeliveryConfig{MaxAttempts: 1},
		Queue: QueueConfig{MaxHistory: 1}, Restart: RestartConfig{MaxAttempts: 1},
		Reconcile: ReconcileConfig{Enabled: false, MaxAttempts: 0}}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil when reconciliation is disabled", err)
	}

	cfg.Reconcile.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Errorf("Validate() succeeded with Reconcile.Enabled and MaxAttempts = 0, want error")
	}
}
