package cases

import (
	"time"

	"github.com/google/uuid"
)

// Case statuses.
const (
	StatusOpen              = "open"
	StatusReadyForDischarge = "ready_for_discharge"
	StatusDischarged        = "discharged"
	StatusClosed            = "closed"
	StatusCancelled         = "cancelled"
)

// ValidTypes are the visit categories a case can carry.
var ValidTypes = map[string]bool{
	"wellness":  true,
	"surgery":   true,
	"dental":    true,
	"emergency": true,
	"chronic":   true,
	"other":     true,
}

// transitions is the full status machine. Closed and cancelled are
// terminal.
var transitions = map[string][]string{
	StatusOpen:              {StatusReadyForDischarge, StatusClosed, StatusCancelled},
	StatusReadyForDischarge: {StatusOpen, StatusDischarged, StatusCancelled},
	StatusDischarged:        {StatusClosed},
	StatusClosed:            {},
	StatusCancelled:         {},
}

// CanTransition reports whether a case may move from one status to another.
func CanTransition(from, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidStatus reports whether s names a known status.
func ValidStatus(s string) bool {
	_, ok := transitions[s]
	return ok
}

// Case maps to the cases table in the clinic schema. ClinicalNotes is the
// raw vet writeup that feeds the discharge pipeline.
type Case struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	PatientID           uuid.UUID  `db:"patient_id" json:"patient_id"`
	CaseType            string     `db:"case_type" json:"case_type"`
	Status              string     `db:"status" json:"status"`
	Title               string     `db:"title" json:"title"`
	PresentingComplaint *string    `db:"presenting_complaint" json:"presenting_complaint,omitempty"`
	ClinicalNotes       *string    `db:"clinical_notes" json:"clinical_notes,omitempty"`
	AssignedVetID       *uuid.UUID `db:"assigned_vet_id" json:"assigned_vet_id,omitempty"`
	VisitDate           time.Time  `db:"visit_date" json:"visit_date"`
	DischargedAt        *time.Time `db:"discharged_at" json:"discharged_at,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// StatusChange is one row of a case's status history.
type StatusChange struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	CaseID    uuid.UUID  `db:"case_id" json:"case_id"`
	From      string     `db:"from_status" json:"from"`
	To        string     `db:"to_status" json:"to"`
	ChangedBy *uuid.UUID `db:"changed_by" json:"changed_by,omitempty"`
	Note      *string    `db:"note" json:"note,omitempty"`
	ChangedAt time.Time  `db:"changed_at" json:"changed_at"`
}

// ListFilter narrows case listings.
type ListFilter struct {
	PatientID     uuid.UUID
	Status        string
	AssignedVetID uuid.UUID
}
