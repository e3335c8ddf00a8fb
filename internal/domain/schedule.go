package domain

import "time"

// JobType enumerates the kinds of scheduled message a job can fire
// (spec.md §3 "Scheduled job").
type JobType string

const (
	JobCheckIn         JobType = "check-in"
	JobCommitReminder  JobType = "commit-reminder"
	JobProgressCheck   JobType = "progress-check"
	JobContinuation    JobType = "continuation"
	JobCustom          JobType = "custom"
)

// RecurrenceConfig configures a recurring job's interval and occurrence cap.
type RecurrenceConfig struct {
	Interval        time.Duration `json:"interval"`
	MaxOccurrences  int           `json:"max_occurrences"` // 0 = unbounded
	CurrentOccurs   int           `json:"current_occurrences"`
}

// ScheduledJob is a one-shot or recurring timer (spec.md §3, §4.8).
type ScheduledJob struct {
	ID            string            `json:"id"`
	TargetSession string            `json:"target_session"`
	ScheduledAt   time.Time         `json:"scheduled_at"`
	Message       string            `json:"message"`
	Type          JobType           `json:"type"`
	Recurring     *RecurrenceConfig `json:"recurring,omitempty"`
	Adaptive      bool              `json:"adaptive"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Enabled       bool              `json:"enabled"`
	CreatedAt     time.Time         `json:"created_at"`
	LastFiredAt   *time.Time        `json:"last_fired_at,omitempty"`
}

// ExternalNotificationStatus tracks a Slack (or other external-chat)
// reconciliation item (spec.md §3 "Scheduled external-chat notification").
type ExternalNotificationStatus string

const (
	NotificationPending   ExternalNotificationStatus = "pending"
	NotificationDelivered ExternalNotificationStatus = "delivered"
	NotificationFailed    ExternalNotificationStatus = "failed"
)

// ExternalNotification is one persisted chat-history item awaiting
// cross-channel delivery (internal/reconcile, C12).
type ExternalNotification struct {
	ID            string                     `json:"id"`
	Channel       string                     `json:"channel"`
	Thread        string                     `json:"thread,omitempty"`
	Text          string                     `json:"text"`
	Status        ExternalNotificationStatus `json:"status"`
	AttemptCount  int                        `json:"attempt_count"`
	LastError     string                     `json:"last_error,omitempty"`
	CreatedAt     time.Time                  `json:"created_at"`
	LastAttemptAt *time.Time                 `json:"last_attempt_at,omitempty"`
}
