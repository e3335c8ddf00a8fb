// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible
// defaults, following the teacher's internal/config/config.go pattern: a
// Config struct of nested category structs, a Load that reads env vars
// through small typed helpers, and a Validate that rejects an unusable
// result.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// TimeoutConfig holds delivery-path timeout configuration (spec.md §5).
type TimeoutConfig struct {
	PromptDetection      time.Duration // time to wait for a prompt before retrying
	DeliveryConfirmation time.Duration // time to wait for delivery confirmation
	MessageRetryDelay    time.Duration // delay between delivery retry attempts
	TotalDelivery        time.Duration // overall wall-clock budget for one Deliver call
}

// DeliveryConfig holds C6 reliable-delivery configuration.
type DeliveryConfig struct {
	MaxAttempts int // retries before FailureMaxRetriesExceeded (default: 3)
}

// SchedulerConfig holds C11 scheduler configuration.
type SchedulerConfig struct {
	InitialCheckDelay      time.Duration // default one-shot check-in delay
	ProgressCheckInterval  time.Duration // default recurring progress-check interval
	CommitReminderInterval time.Duration // default recurring commit-reminder interval
	MinAdaptiveInterval    time.Duration // floor for adaptive interval shrink
	BaseAdaptiveInterval   time.Duration // starting point for a new adaptive job
	MaxAdaptiveInterval    time.Duration // ceiling for adaptive interval growth
}

// QueueConfig holds C10 message-queue configuration.
type QueueConfig struct {
	MaxNotReadyRetries int           // retries before a not-ready item is marked failed
	NotReadyRetryDelay time.Duration // delay before re-enqueueing a not-ready item
	MaxHistory         int           // bounded completed/failed/cancelled history size
}

// RestartConfig holds C9 orchestrator-restart rate limiting.
type RestartConfig struct {
	MaxAttempts int           // restarts allowed per window (default: 3)
	Window      time.Duration // rolling window the limit applies over (default: 1h)
}

// ReconcileConfig holds C12 external-chat reconciliation configuration.
type ReconcileConfig struct {
	Enabled      bool          // whether the reconciliation loop and Slack bridge start at all
	StartupDelay time.Duration // delay before the first reconciliation scan
	ScanInterval time.Duration // fixed interval between scans
	MaxAge       time.Duration // items older than this are no longer retried
	MaxAttempts  int           // delivery attempts before a notification is marked failed
	SlackToken   string        // bot token used by the Slack bridge
}

// SecretsConfig holds C-adjacent token-encryption configuration.
type SecretsConfig struct {
	EncryptionKey string // process secret the AES-256 key is derived from; empty falls back to a dev key
}

// Config holds all application configuration.
type Config struct {
	Port      string
	StateDir  string // root directory atomicstore persists JSON files under
	Timeout   TimeoutConfig
	Delivery  DeliveryConfig
	Scheduler SchedulerConfig
	Queue     QueueConfig
	Restart   RestartConfig
	Reconcile ReconcileConfig
	Secrets   SecretsConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		StateDir: getEnv("ORCHESTRATORD_STATE_DIR", "./data"),
		Timeout: TimeoutConfig{
			PromptDetection:      getEnvDuration("ORCHESTRATORD_PROMPT_DETECTION_TIMEOUT", 10*time.Second),
			DeliveryConfirmation: getEnvDuration("ORCHESTRATORD_DELIVERY_CONFIRMATION_TIMEOUT", 5*time.Second),
			MessageRetryDelay:    getEnvDuration("ORCHESTRATORD_MESSAGE_RETRY_DELAY", time.Second),
			TotalDelivery:        getEnvDuration("ORCHESTRATORD_TOTAL_DELIVERY_TIMEOUT", 30*time.Second),
		},
		Delivery: DeliveryConfig{
			MaxAttempts: getEnvInt("ORCHESTRATORD_DELIVERY_MAX_ATTEMPTS", 3),
		},
		Scheduler: SchedulerConfig{
			InitialCheckDelay:      getEnvDuration("ORCHESTRATORD_SCHEDULER_INITIAL_CHECK_DELAY", 5*time.Minute),
			ProgressCheckInterval:  getEnvDuration("ORCHESTRATORD_SCHEDULER_PROGRESS_CHECK_INTERVAL", 30*time.Minute),
			CommitReminderInterval: getEnvDuration("ORCHESTRATORD_SCHEDULER_COMMIT_REMINDER_INTERVAL", 25*time.Minute),
			MinAdaptiveInterval:    getEnvDuration("ORCHESTRATORD_SCHEDULER_MIN_ADAPTIVE_INTERVAL", 5*time.Minute),
			BaseAdaptiveInterval:   getEnvDuration("ORCHESTRATORD_SCHEDULER_BASE_ADAPTIVE_INTERVAL", 15*time.Minute),
			MaxAdaptiveInterval:    getEnvDuration("ORCHESTRATORD_SCHEDULER_MAX_ADAPTIVE_INTERVAL", 60*time.Minute),
		},
		Queue: QueueConfig{
			MaxNotReadyRetries: getEnvInt("ORCHESTRATORD_QUEUE_MAX_NOT_READY_RETRIES", 5),
			NotReadyRetryDelay: getEnvDuration("ORCHESTRATORD_QUEUE_NOT_READY_RETRY_DELAY", time.Second),
			MaxHistory:         getEnvInt("ORCHESTRATORD_QUEUE_MAX_HISTORY", 500),
		},
		Restart: RestartConfig{
			MaxAttempts: getEnvInt("ORCHESTRATORD_RESTART_MAX_ATTEMPTS", 3),
			Window:      getEnvDuration("ORCHESTRATORD_RESTART_WINDOW", time.Hour),
		},
		Reconcile: ReconcileConfig{
			Enabled:      getEnvBool("ORCHESTRATORD_RECONCILE_ENABLED", true),
			StartupDelay: getEnvDuration("ORCHESTRATORD_RECONCILE_STARTUP_DELAY", 30*time.Second),
			ScanInterval: getEnvDuration("ORCHESTRATORD_RECONCILE_SCAN_INTERVAL", 5*time.Minute),
			MaxAge:       getEnvDuration("ORCHESTRATORD_RECONCILE_MAX_AGE", 24*time.Hour),
			MaxAttempts:  getEnvInt("ORCHESTRATORD_RECONCILE_MAX_ATTEMPTS", 5),
			SlackToken:   getEnv("ORCHESTRATORD_SLACK_TOKEN", ""),
		},
		Secrets: SecretsConfig{
			EncryptionKey: getEnv("ORCHESTRATORD_ENCRYPTION_KEY", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.StateDir == "" {
		return fmt.Errorf("ORCHESTRATORD_STATE_DIR cannot be empty")
	}
	if c.Delivery.MaxAttempts <= 0 {
		return fmt.Errorf("ORCHESTRATORD_DELIVERY_MAX_ATTEMPTS must be > 0")
	}
	if c.Queue.MaxHistory <= 0 {
		return fmt.Errorf("ORCHESTRATORD_QUEUE_MAX_HISTORY must be > 0")
	}
	if c.Restart.MaxAttempts <= 0 {
		return fmt.Errorf("ORCHESTRATORD_RESTART_MAX_ATTEMPTS must be > 0")
	}
	if c.Reconcile.Enabled && c.Reconcile.MaxAttempts <= 0 {
		return fmt.Errorf("ORCHESTRATORD_RECONCILE_MAX_ATTEMPTS must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
