package cases

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vetdesk/vetdesk/internal/domain/patient"
	"github.com/vetdesk/vetdesk/internal/platform/db"
	"github.com/vetdesk/vetdesk/internal/platform/search"
)

// PatientDirectory resolves patients for validation and search indexing.
// Satisfied by *patient.Service.
type PatientDirectory interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
}

// Indexer receives case records for the search index. Satisfied by
// *search.Service; nil disables indexing.
type Indexer interface {
	IndexCase(c search.CaseRecord)
	DeleteCase(id string)
}

type Service struct {
	repo     Repository
	patients PatientDirectory
	index    Indexer
}

func NewService(repo Repository, patients PatientDirectory, index Indexer) *Service {
	return &Service{repo: repo, patients: patients, index: index}
}

func (s *Service) CreateCase(ctx context.Context, cs *Case) error {
	if cs.Title == "" {
		return fmt.Errorf("title is required")
	}
	if cs.CaseType == "" {
		cs.CaseType = "other"
	}
	if !ValidTypes[cs.CaseType] {
		return fmt.Errorf("invalid case_type: %s", cs.CaseType)
	}
	if cs.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if _, err := s.patients.GetPatient(ctx, cs.PatientID); err != nil {
		return fmt.Errorf("patient %s: %w", cs.PatientID, err)
	}

	cs.Status = StatusOpen
	if cs.VisitDate.IsZero() {
		cs.VisitDate = time.Now().UTC()
	}

	if err := s.repo.Create(ctx, cs); err != nil {
		return err
	}
	s.indexCase(ctx, cs)
	return nil
}

func (s *Service) GetCase(ctx context.Context, id uuid.UUID) (*Case, error) {
	return s.repo.GetByID(ctx, id)
}

// UpdateCase edits case content. Status moves only through
// TransitionStatus.
func (s *Service) UpdateCase(ctx context.Context, cs *Case) error {
	existing, err := s.repo.GetByID(ctx, cs.ID)
	if err != nil {
		return err
	}
	cs.PatientID = existing.PatientID
	cs.Status = existing.Status
	cs.DischargedAt = existing.DischargedAt

	if cs.Title == "" {
		return fmt.Errorf("title is required")
	}
	if cs.CaseType == "" {
		cs.CaseType = existing.CaseType
	}
	if !ValidTypes[cs.CaseType] {
		return fmt.Errorf("invalid case_type: %s", cs.CaseType)
	}
	if cs.VisitDate.IsZero() {
		cs.VisitDate = existing.VisitDate
	}

	if err := s.repo.Update(ctx, cs); err != nil {
		return err
	}
	s.indexCase(ctx, cs)
	return nil
}

// TransitionStatus moves a case through the status machine and records the
// change. changedBy is the acting user when known.
func (s *Service) TransitionStatus(ctx context.Context, id uuid.UUID, to string, changedBy *uuid.UUID, note *string) (*Case, error) {
	if !ValidStatus(to) {
		return nil, fmt.Errorf("unknown status: %s", to)
	}

	cs, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(cs.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cs.Status, to)
	}

	change := &StatusChange{CaseID: id, From: cs.Status, To: to, ChangedBy: changedBy, Note: note}
	if err := s.repo.AddStatusChange(ctx, change); err != nil {
		return nil, fmt.Errorf("record status change: %w", err)
	}

	cs.Status = to
	if to == StatusDischarged && cs.DischargedAt == nil {
		now := time.Now().UTC()
		cs.DischargedAt = &now
	}
	if err := s.repo.Update(ctx, cs); err != nil {
		return nil, err
	}
	s.indexCase(ctx, cs)
	return cs, nil
}

func (s *Service) ListCases(ctx context.Context, filter ListFilter, limit, offset int) ([]*Case, int, error) {
	return s.repo.List(ctx, filter, limit, offset)
}

func (s *Service) GetStatusHistory(ctx context.Context, caseID uuid.UUID) ([]*StatusChange, error) {
	if _, err := s.repo.GetByID(ctx, caseID); err != nil {
		return nil, err
	}
	return s.repo.GetStatusHistory(ctx, caseID)
}

func (s *Service) indexCase(ctx context.Context, cs *Case) {
	if s.index == nil {
		return
	}
	rec := search.CaseRecord{
		ID:        cs.ID.String(),
		Clinic:    db.ClinicFromContext(ctx),
		Title:     cs.Title,
		PatientID: cs.PatientID.String(),
		Status:    cs.Status,
	}
	if cs.PresentingComplaint != nil {
		rec.Complaint = *cs.PresentingComplaint
	}
	if p, err := s.patients.GetPatient(ctx, cs.PatientID); err == nil {
		rec.PatientName = p.Name
	}
	s.index.IndexCase(rec)
}
