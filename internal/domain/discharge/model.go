package discharge

import (
	"time"

	"github.com/google/uuid"
)

// Summary statuses.
const (
	StatusPending    = "pending"
	StatusGenerating = "generating"
	StatusReady      = "ready"
	StatusFailed     = "failed"
)

// Email step outcomes stored on the summary.
const (
	EmailNotSent = "not_sent"
	EmailSent    = "sent"
	EmailFailed  = "failed"
	EmailSkipped = "skipped"
)

// Call step outcomes stored on the summary.
const (
	CallNotScheduled = "not_scheduled"
	CallScheduled    = "scheduled"
	CallSkipped      = "skipped"
	CallFailed       = "failed"
)

// Pipeline step names, in run order.
const (
	StepIngest       = "ingest"
	StepExtract      = "extract"
	StepSummarize    = "summarize"
	StepEmail        = "email"
	StepScheduleCall = "schedule_call"
)

// Medication is one prescription extracted from the clinical notes.
type Medication struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage,omitempty"`
	Frequency string `json:"frequency,omitempty"`
	Duration  string `json:"duration,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// Entities is the structured extraction result, stored as JSONB on the
// summary row.
type Entities struct {
	Medications          []Medication `json:"medications"`
	Diagnoses            []string     `json:"diagnoses"`
	FollowupInstructions []string     `json:"followup_instructions"`
	WarningSigns         []string     `json:"warning_signs"`
}

// Summary maps to discharge_summaries in the clinic schema; one row per
// case.
type Summary struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	CaseID          uuid.UUID  `db:"case_id" json:"case_id"`
	Status          string     `db:"status" json:"status"`
	ContentMarkdown string     `db:"content_markdown" json:"content_markdown"`
	Entities        Entities   `db:"entities" json:"entities"`
	EmailStatus     string     `db:"email_status" json:"email_status"`
	CallStatus      string     `db:"call_status" json:"call_status"`
	PDFObjectKey    *string    `db:"pdf_object_key" json:"pdf_object_key,omitempty"`
	ModelUsed       *string    `db:"model_used" json:"model_used,omitempty"`
	LastError       *string    `db:"last_error" json:"last_error,omitempty"`
	GeneratedAt     *time.Time `db:"generated_at" json:"generated_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// StepResult records one pipeline step's outcome.
type StepResult struct {
	Step    string `json:"step"`
	OK      bool   `json:"ok"`
	Skipped bool   `json:"skipped,omitempty"`
	Err     string `json:"error,omitempty"`
}

// RunResult is the trigger endpoint's response body.
type RunResult struct {
	CaseID  uuid.UUID    `json:"case_id"`
	Status  string       `json:"status"`
	Steps   []StepResult `json:"steps"`
	Summary *Summary     `json:"summary,omitempty"`
}

// RunOptions carries per-run overrides for the optional steps. Nil falls
// back to the clinic settings.
type RunOptions struct {
	Email        *bool `json:"email,omitempty"`
	ScheduleCall *bool `json:"schedule_call,omitempty"`
}
