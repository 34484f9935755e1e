package patient

import (
	"time"

	"github.com/google/uuid"
)

// Species values accepted on a patient record.
var ValidSpecies = map[string]bool{
	"canine":  true,
	"feline":  true,
	"equine":  true,
	"avian":   true,
	"rabbit":  true,
	"reptile": true,
	"other":   true,
}

// Sex values accepted on a patient record.
var ValidSexes = map[string]bool{
	"male":          true,
	"male_neutered": true,
	"female":        true,
	"female_spayed": true,
	"unknown":       true,
}

// Patient maps to the patients table in the clinic schema. OwnerPhone and
// OwnerEmail hold plaintext in memory; the repository encrypts them at rest.
type Patient struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	Name        string     `db:"name" json:"name"`
	Species     string     `db:"species" json:"species"`
	Breed       *string    `db:"breed" json:"breed,omitempty"`
	Sex         string     `db:"sex" json:"sex"`
	WeightKg    *float64   `db:"weight_kg" json:"weight_kg,omitempty"`
	DateOfBirth *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Microchip   *string    `db:"microchip" json:"microchip,omitempty"`
	OwnerName   string     `db:"owner_name" json:"owner_name"`
	OwnerPhone  *string    `db:"owner_phone" json:"owner_phone,omitempty"`
	OwnerEmail  *string    `db:"owner_email" json:"owner_email,omitempty"`
	// EmailSuppressed is set when the email provider reports a hard bounce
	// or complaint; discharge emails skip suppressed owners.
	EmailSuppressed bool      `db:"email_suppressed" json:"email_suppressed"`
	Alerts          *string   `db:"alerts" json:"alerts,omitempty"`
	Active          bool      `db:"active" json:"active"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// ListFilter narrows patient listings.
type ListFilter struct {
	Species string
	Active  *bool
}
