package followup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vetdesk/vetdesk/pkg/normalize"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// ScheduleInput describes a call to place. The discharge pipeline and the
// manual endpoint both go through it.
type ScheduleInput struct {
	CaseID       uuid.UUID `json:"case_id"`
	PatientName  string    `json:"patient_name"`
	Phone        string    `json:"phone"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// Schedule validates and persists a pending call.
func (s *Service) Schedule(ctx context.Context, in ScheduleInput) (*ScheduledCall, error) {
	if in.CaseID == uuid.Nil {
		return nil, fmt.Errorf("case_id is required")
	}
	if in.PatientName == "" {
		return nil, fmt.Errorf("patient_name is required")
	}
	phone, err := normalize.Phone(in.Phone)
	if err != nil {
		return nil, fmt.Errorf("phone: %w", err)
	}
	if !in.ScheduledFor.After(time.Now()) {
		return nil, fmt.Errorf("scheduled_for must be in the future")
	}

	sc := &ScheduledCall{
		CaseID:       in.CaseID,
		PatientName:  in.PatientName,
		Phone:        phone,
		ScheduledFor: in.ScheduledFor.UTC(),
		Status:       StatusPending,
	}
	if err := s.repo.Create(ctx, sc); err != nil {
		return nil, err
	}
	return sc, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*ScheduledCall, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByProviderCallID(ctx context.Context, providerCallID string) (*ScheduledCall, error) {
	return s.repo.GetByProviderCallID(ctx, providerCallID)
}

func (s *Service) ListByCase(ctx context.Context, caseID uuid.UUID) ([]*ScheduledCall, error) {
	return s.repo.ListByCase(ctx, caseID)
}

func (s *Service) ListDue(ctx context.Context, now time.Time, limit int) ([]*ScheduledCall, error) {
	return s.repo.ListDue(ctx, now, limit)
}

// Cancel withdraws a call that has not started yet. Calls already handed
// to the vendor past queued cannot be pulled back.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*ScheduledCall, error) {
	sc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sc.Status != StatusPending && sc.Status != StatusQueued {
		return nil, fmt.Errorf("%w: status is %s", ErrNotCancelable, sc.Status)
	}
	sc.Status = StatusCancelled
	if err := s.repo.Update(ctx, sc); err != nil {
		return nil, err
	}
	return sc, nil
}

// MarkQueued records a successful vendor handoff.
func (s *Service) MarkQueued(ctx context.Context, id uuid.UUID, providerCallID string) error {
	sc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	sc.Status = StatusQueued
	sc.ProviderCallID = &providerCallID
	sc.Attempts++
	sc.LastError = nil
	return s.repo.Update(ctx, sc)
}

// MarkFailed records a vendor rejection. Failed calls are not retried.
func (s *Service) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	sc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	sc.Status = StatusFailed
	sc.Attempts++
	sc.LastError = &reason
	return s.repo.Update(ctx, sc)
}

// MarkStarted moves a queued call to in_progress (vendor call.started).
func (s *Service) MarkStarted(ctx context.Context, id uuid.UUID) error {
	sc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	sc.Status = StatusInProgress
	return s.repo.Update(ctx, sc)
}

// RecordEnded applies the vendor's call.ended event through the
// ended-reason mapping.
func (s *Service) RecordEnded(ctx context.Context, id uuid.UUID, endedReason string) (*ScheduledCall, error) {
	sc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	sc.Status = StatusFromEndedReason(endedReason)
	if sc.Status == StatusFailed && endedReason != "" {
		reason := endedReason
		sc.LastError = &reason
	}
	if err := s.repo.Update(ctx, sc); err != nil {
		return nil, err
	}
	return sc, nil
}

// AttachAnalysis stores the vendor's post-call analysis. The status is
// left alone unless the call is still marked in_progress.
func (s *Service) AttachAnalysis(ctx context.Context, id uuid.UUID, summary string, success *bool, recordingURL string) (*ScheduledCall, error) {
	sc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if summary != "" {
		sc.OutcomeSummary = &summary
	}
	sc.OutcomeSuccess = success
	if recordingURL != "" {
		sc.RecordingURL = &recordingURL
	}
	if sc.Status == StatusInProgress {
		sc.Status = StatusCompleted
	}
	if err := s.repo.Update(ctx, sc); err != nil {
		return nil, err
	}
	return sc, nil
}
