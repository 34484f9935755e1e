package clinic

import (
	"time"

	"github.com/google/uuid"
)

// Settings controls the automated parts of the discharge flow. Stored as
// JSONB on the clinic row.
type Settings struct {
	AutoEmailDischarge   bool   `json:"auto_email_discharge"`
	AutoScheduleFollowup bool   `json:"auto_schedule_followup"`
	FollowupDelayHours   int    `json:"followup_delay_hours"`
	SlackChannel         string `json:"slack_channel,omitempty"`
	EmailFromName        string `json:"email_from_name,omitempty"`
	ReplyTo              string `json:"reply_to,omitempty"`
}

// DefaultSettings are applied to new clinics.
func DefaultSettings() Settings {
	return Settings{
		AutoEmailDischarge:   true,
		AutoScheduleFollowup: true,
		FollowupDelayHours:   48,
	}
}

// Clinic maps to the shared.clinics table. Slug doubles as the schema name
// suffix and is immutable after creation.
type Clinic struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Slug      string    `db:"slug" json:"slug"`
	Timezone  string    `db:"timezone" json:"timezone"`
	Phone     *string   `db:"phone" json:"phone,omitempty"`
	Email     *string   `db:"email" json:"email,omitempty"`
	Address   *string   `db:"address" json:"address,omitempty"`
	Settings  Settings  `db:"settings" json:"settings"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// User maps to the shared.users table: clinic staff accounts.
type User struct {
	ID        uuid.UUID `db:"id" json:"id"`
	ClinicID  uuid.UUID `db:"clinic_id" json:"clinic_id"`
	Email     string    `db:"email" json:"email"`
	Name      string    `db:"name" json:"name"`
	Role      string    `db:"role" json:"role"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
