package followup

import (
	"time"

	"github.com/google/uuid"
)

// Scheduled call statuses. pending and queued are ours; the rest arrive
// through voice vendor webhooks.
const (
	StatusPending    = "pending"
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusNoAnswer   = "no_answer"
	StatusCancelled  = "cancelled"
)

// ScheduledCall maps to scheduled_calls in the clinic schema. Phone is
// plaintext in memory and AES-GCM encrypted at rest.
type ScheduledCall struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	CaseID         uuid.UUID  `db:"case_id" json:"case_id"`
	PatientName    string     `db:"patient_name" json:"patient_name"`
	Phone          string     `db:"phone" json:"phone"`
	ScheduledFor   time.Time  `db:"scheduled_for" json:"scheduled_for"`
	Status         string     `db:"status" json:"status"`
	ProviderCallID *string    `db:"provider_call_id" json:"provider_call_id,omitempty"`
	OutcomeSummary *string    `db:"outcome_summary" json:"outcome_summary,omitempty"`
	OutcomeSuccess *bool      `db:"outcome_success" json:"outcome_success,omitempty"`
	RecordingURL   *string    `db:"recording_url" json:"recording_url,omitempty"`
	Attempts       int        `db:"attempts" json:"attempts"`
	LastError      *string    `db:"last_error" json:"last_error,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// StatusFromEndedReason maps the vendor's call.ended reason onto our
// terminal statuses. Unknown reasons count as failed.
func StatusFromEndedReason(reason string) string {
	switch reason {
	case "customer-ended-call", "assistant-ended-call", "completed":
		return StatusCompleted
	case "no-answer", "busy", "voicemail":
		return StatusNoAnswer
	default:
		return StatusFailed
	}
}
