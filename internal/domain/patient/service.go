package patient

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vetdesk/vetdesk/internal/platform/db"
	"github.com/vetdesk/vetdesk/internal/platform/search"
	"github.com/vetdesk/vetdesk/pkg/normalize"
)

// Indexer receives patient records for the search index. Satisfied by
// *search.Service; nil disables indexing.
type Indexer interface {
	IndexPatient(p search.PatientRecord)
	DeletePatient(id string)
}

type Service struct {
	repo  Repository
	index Indexer
}

func NewService(repo Repository, index Indexer) *Service {
	return &Service{repo: repo, index: index}
}

func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	if err := s.validate(p); err != nil {
		return err
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return err
	}
	p.Active = true
	s.indexPatient(ctx, p)
	return nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) UpdatePatient(ctx context.Context, p *Patient) error {
	existing, err := s.repo.GetByID(ctx, p.ID)
	if err != nil {
		return err
	}
	// Suppression is owned by the email webhook, not the edit form.
	p.EmailSuppressed = existing.EmailSuppressed

	if err := s.validate(p); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return err
	}
	s.indexPatient(ctx, p)
	return nil
}

// DeactivatePatient retires a record. Patient rows are never deleted: cases
// reference them.
func (s *Service) DeactivatePatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Active = false
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	s.indexPatient(ctx, p)
	return p, nil
}

func (s *Service) ListPatients(ctx context.Context, filter ListFilter, limit, offset int) ([]*Patient, int, error) {
	return s.repo.List(ctx, filter, limit, offset)
}

// SuppressEmail flags the owner's address after a hard bounce or complaint.
func (s *Service) SuppressEmail(ctx context.Context, id uuid.UUID) error {
	return s.repo.SetEmailSuppressed(ctx, id, true)
}

func (s *Service) validate(p *Patient) error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.OwnerName == "" {
		return fmt.Errorf("owner_name is required")
	}
	if p.Species == "" {
		p.Species = "other"
	}
	if !ValidSpecies[p.Species] {
		return fmt.Errorf("invalid species: %s", p.Species)
	}
	if p.Sex == "" {
		p.Sex = "unknown"
	}
	if !ValidSexes[p.Sex] {
		return fmt.Errorf("invalid sex: %s", p.Sex)
	}
	if p.WeightKg != nil && (*p.WeightKg <= 0 || *p.WeightKg > 5000) {
		return fmt.Errorf("weight_kg out of range")
	}
	if p.DateOfBirth != nil && p.DateOfBirth.After(time.Now()) {
		return fmt.Errorf("date_of_birth is in the future")
	}

	if p.OwnerPhone != nil && *p.OwnerPhone != "" {
		phone, err := normalize.Phone(*p.OwnerPhone)
		if err != nil {
			return fmt.Errorf("owner_phone: %w", err)
		}
		p.OwnerPhone = &phone
	}
	if p.OwnerEmail != nil && *p.OwnerEmail != "" {
		email, err := normalize.Email(*p.OwnerEmail)
		if err != nil {
			return fmt.Errorf("owner_email: %w", err)
		}
		p.OwnerEmail = &email
	}
	return nil
}

// indexPatient pushes the searchable (non-encrypted) fields to the index.
func (s *Service) indexPatient(ctx context.Context, p *Patient) {
	if s.index == nil {
		return
	}
	rec := search.PatientRecord{
		ID:        p.ID.String(),
		Clinic:    db.ClinicFromContext(ctx),
		Name:      p.Name,
		Species:   p.Species,
		OwnerName: p.OwnerName,
		Active:    p.Active,
	}
	if p.Breed != nil {
		rec.Breed = *p.Breed
	}
	s.index.IndexPatient(rec)
}
