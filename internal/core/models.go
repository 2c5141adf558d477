package core

import (
	"time"
)

// Batch statuses. COMPLETED, CANCELLED and FAILED are terminal.
const (
	BatchPending    = "PENDING"
	BatchProcessing = "PROCESSING"
	BatchPaused     = "PAUSED"
	BatchCompleted  = "COMPLETED"
	BatchCancelled  = "CANCELLED"
	BatchFailed     = "FAILED"
)

// Recipient statuses.
const (
	RecipientPending    = "PENDING"
	RecipientInProgress = "IN_PROGRESS"
	RecipientSent       = "SENT"
	RecipientFailed     = "FAILED"
	RecipientSkipped    = "SKIPPED"
)

// Delivery modes: pull (external poller fetches tasks and reports back)
// or push (our driver owns the send loop).
const (
	ModePull = "pull"
	ModePush = "push"
)

func terminalBatchStatus(s string) bool {
	return s == BatchCompleted || s == BatchCancelled || s == BatchFailed
}

type Batch struct {
	ID              string     `json:"id"`
	TenantKey       string     `json:"tenant_key"`
	AgentKey        string     `json:"agent_key"`
	Mode            string     `json:"mode"`
	Status          string     `json:"status"`
	Template        string     `json:"template"`
	AttachmentURL   *string    `json:"attachment_url,omitempty"`
	TotalRecipients int        `json:"total_recipients"`
	SentCount       int        `json:"sent_count"`
	FailedCount     int        `json:"failed_count"`
	ErrorSummary    *string    `json:"error_summary,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type Recipient struct {
	ID           int64             `json:"id"`
	BatchID      string            `json:"batch_id"`
	Phone        string            `json:"phone"`
	Name         string            `json:"name,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
	Status       string            `json:"status"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	ClaimedAt    *time.Time        `json:"claimed_at,omitempty"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// RuleSet is the per-tenant (optionally per-agent) send policy. Delay
// and cooldown fields are advisory hints for polling clients; the
// daily cap and the Cloud-API delay are enforced server-side.
type RuleSet struct {
	TenantKey            string    `json:"tenant_key"`
	AgentKey             string    `json:"agent_key"`
	MaxDailyMessages     int       `json:"max_daily_messages"`
	MinDelaySeconds      int       `json:"min_delay_seconds"`
	MaxDelaySeconds      int       `json:"max_delay_seconds"`
	PauseAfterCount      int       `json:"pause_after_count"`
	PauseDurationMinutes int       `json:"pause_duration_minutes"`
	SendHourStart        int       `json:"send_hour_start"`
	SendHourEnd          int       `json:"send_hour_end"`
	CloudAPIDelayMs      int       `json:"cloud_api_delay_ms"`
	Enabled              bool      `json:"enabled"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// RuleSetPatch carries a partial rules update; nil fields are left
// untouched.
type RuleSetPatch struct {
	MaxDailyMessages     *int  `json:"max_daily_messages"`
	MinDelaySeconds      *int  `json:"min_delay_seconds"`
	MaxDelaySeconds      *int  `json:"max_delay_seconds"`
	PauseAfterCount      *int  `json:"pause_after_count"`
	PauseDurationMinutes *int  `json:"pause_duration_minutes"`
	SendHourStart        *int  `json:"send_hour_start"`
	SendHourEnd          *int  `json:"send_hour_end"`
	CloudAPIDelayMs      *int  `json:"cloud_api_delay_ms"`
	Enabled              *bool `json:"enabled"`
}

// RecipientInput is one row of a batch-creation request. Rows with a
// blank phone are dropped silently during bulk insert.
type RecipientInput struct {
	Phone     string            `json:"phone"`
	Name      string            `json:"name"`
	Variables map[string]string `json:"variables"`
}

type CreateBatchRequest struct {
	TenantKey     string
	AgentKey      string
	Mode          string
	Template      string
	AttachmentURL *string
	Recipients    []RecipientInput
}

// DeliveryTask is what a pull-mode poller receives from GetNext: one
// claimed recipient with its message content already resolved.
type DeliveryTask struct {
	BatchID       string  `json:"batch_id"`
	RecipientID   int64   `json:"recipient_id"`
	Phone         string  `json:"phone"`
	Content       string  `json:"content"`
	AttachmentURL *string `json:"attachment_url,omitempty"`
}

// Outcome values accepted by ReportOutcome.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Snapshot is the progress view pushed to the notifier and returned by
// the status endpoint.
type Snapshot struct {
	BatchID         string `json:"batch_id"`
	Status          string `json:"status"`
	SentCount       int    `json:"sent_count"`
	FailedCount     int    `json:"failed_count"`
	TotalRecipients int    `json:"total_recipients"`
	PercentComplete int    `json:"percent_complete"`
}

// SnapshotOf projects a batch into its progress snapshot.
// Percent complete is 100 for an empty batch by definition.
func SnapshotOf(b *Batch) Snapshot {
	pct := 100
	if b.TotalRecipients > 0 {
		pct = 100 * (b.SentCount + b.FailedCount) / b.TotalRecipients
	}
	return Snapshot{
		BatchID:         b.ID,
		Status:          b.Status,
		SentCount:       b.SentCount,
		FailedCount:     b.FailedCount,
		TotalRecipients: b.TotalRecipients,
		PercentComplete: pct,
	}
}
