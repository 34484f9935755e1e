package discharge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vetdesk/vetdesk/internal/domain/cases"
	"github.com/vetdesk/vetdesk/internal/domain/clinic"
	"github.com/vetdesk/vetdesk/internal/domain/followup"
	"github.com/vetdesk/vetdesk/internal/domain/patient"
	"github.com/vetdesk/vetdesk/internal/platform/db"
	"github.com/vetdesk/vetdesk/internal/platform/llm"
	"github.com/vetdesk/vetdesk/internal/platform/notify"
	"github.com/vetdesk/vetdesk/internal/platform/telemetry"
)

var (
	// ErrNotReady means the case is not in a dischargeable status.
	ErrNotReady = errors.New("case is not ready for discharge")
	// ErrNoNotes means the case has no clinical notes to work from.
	ErrNoNotes = errors.New("case has no clinical notes")
	// ErrRunInProgress maps a summary stuck in generating outside the
	// advisory lock window.
	ErrRunInProgress = errors.New("discharge run already in progress")
)

// CaseStore is the slice of the case service the pipeline needs.
type CaseStore interface {
	GetCase(ctx context.Context, id uuid.UUID) (*cases.Case, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, to string, changedBy *uuid.UUID, note *string) (*cases.Case, error)
}

// PatientStore resolves the case's patient for contact details.
type PatientStore interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
}

// ClinicDirectory resolves the request's clinic for settings and branding.
type ClinicDirectory interface {
	GetClinicBySlug(ctx context.Context, slug string) (*clinic.Clinic, error)
}

// CallScheduler creates follow-up calls. Satisfied by *followup.Service.
type CallScheduler interface {
	Schedule(ctx context.Context, in followup.ScheduleInput) (*followup.ScheduledCall, error)
}

// QuotaChecker enforces the plan's monthly discharge cap. Satisfied by
// *billing.Service.
type QuotaChecker interface {
	CheckDischargeQuota(ctx context.Context, clinicID uuid.UUID, usedThisMonth int) error
}

// Orchestrator runs the discharge pipeline: ingest, extract, summarize,
// then the optional email and follow-up call steps.
type Orchestrator struct {
	repo     Repository
	cases    CaseStore
	patients PatientStore
	clinics  ClinicDirectory
	llm      llm.Completer
	email    notify.EmailSender
	calls    CallScheduler
	quota    QuotaChecker
	slack    *notify.SlackNotifier
	metrics  *telemetry.Registry
	model    string
	log      zerolog.Logger
}

type OrchestratorDeps struct {
	Repo     Repository
	Cases    CaseStore
	Patients PatientStore
	Clinics  ClinicDirectory
	LLM      llm.Completer
	Email    notify.EmailSender
	Calls    CallScheduler
	Quota    QuotaChecker
	Slack    *notify.SlackNotifier
	Metrics  *telemetry.Registry
	Model    string
}

func NewOrchestrator(deps OrchestratorDeps, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		repo:     deps.Repo,
		cases:    deps.Cases,
		patients: deps.Patients,
		clinics:  deps.Clinics,
		llm:      deps.LLM,
		email:    deps.Email,
		calls:    deps.Calls,
		quota:    deps.Quota,
		slack:    deps.Slack,
		metrics:  deps.Metrics,
		model:    deps.Model,
		log:      log.With().Str("component", "discharge").Logger(),
	}
}

// ingested is everything the required steps load up front.
type ingested struct {
	cs      *cases.Case
	pat     *patient.Patient
	cl      *clinic.Clinic
	summary *Summary
	rerun   bool
}

// Run executes the pipeline for one case. A required step failure persists
// the failed summary and returns the error alongside the partial result;
// optional step failures only mark their step. Concurrent runs on the same
// case fail fast with ErrCaseLocked.
func (o *Orchestrator) Run(ctx context.Context, caseID uuid.UUID, opts RunOptions) (*RunResult, error) {
	result := &RunResult{CaseID: caseID}

	cl, err := o.clinics.GetClinicBySlug(ctx, db.ClinicFromContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("resolve clinic: %w", err)
	}
	if o.quota != nil {
		used, err := o.repo.CountGeneratedSince(ctx, startOfMonth(time.Now().UTC()))
		if err != nil {
			return nil, fmt.Errorf("count monthly discharges: %w", err)
		}
		if err := o.quota.CheckDischargeQuota(ctx, cl.ID, used); err != nil {
			return nil, err
		}
	}

	var runErr error
	lockErr := o.repo.WithCaseLock(ctx, caseID, func(ctx context.Context) error {
		// A pipeline failure is persisted inside the transaction, so fn
		// returns nil for it; only infrastructure errors roll back.
		runErr = o.runLocked(ctx, cl, caseID, opts, result)
		return nil
	})
	if lockErr != nil {
		return nil, lockErr
	}

	o.countSteps(result)
	o.announce(cl, result, runErr)
	return result, runErr
}

func (o *Orchestrator) countSteps(result *RunResult) {
	if o.metrics == nil {
		return
	}
	for _, s := range result.Steps {
		outcome := "ok"
		switch {
		case s.Skipped:
			outcome = "skipped"
		case !s.OK:
			outcome = "error"
		}
		o.metrics.Counter("vetdesk_discharge_steps_total", "step", s.Step, "outcome", outcome)
	}
}

func (o *Orchestrator) runLocked(ctx context.Context, cl *clinic.Clinic, caseID uuid.UUID, opts RunOptions, result *RunResult) error {
	in, err := o.ingest(ctx, cl, caseID)
	result.record(StepIngest, err, false)
	if err != nil {
		if in != nil && in.summary != nil {
			o.persistFailure(ctx, in.summary, err)
		}
		result.Status = StatusFailed
		return err
	}
	result.Summary = in.summary

	entities, err := ExtractEntities(ctx, o.llm, *in.cs.ClinicalNotes)
	result.record(StepExtract, err, false)
	if err != nil {
		o.persistFailure(ctx, in.summary, err)
		result.Status = StatusFailed
		return err
	}
	in.summary.Entities = *entities

	summary, err := Summarize(ctx, o.llm, *in.cs.ClinicalNotes, entities)
	result.record(StepSummarize, err, false)
	if err != nil {
		o.persistFailure(ctx, in.summary, err)
		result.Status = StatusFailed
		return err
	}

	now := time.Now().UTC()
	in.summary.ContentMarkdown = summary
	in.summary.Status = StatusReady
	in.summary.GeneratedAt = &now
	in.summary.LastError = nil
	if o.model != "" {
		in.summary.ModelUsed = &o.model
	}

	if !in.rerun {
		if _, err := o.cases.TransitionStatus(ctx, caseID, cases.StatusDischarged, nil, nil); err != nil {
			err = fmt.Errorf("mark case discharged: %w", err)
			o.persistFailure(ctx, in.summary, err)
			result.Status = StatusFailed
			return err
		}
	}

	o.runEmailStep(ctx, in, opts, result)
	o.runScheduleCallStep(ctx, in, opts, result)

	if err := o.repo.Update(ctx, in.summary); err != nil {
		result.Status = StatusFailed
		return fmt.Errorf("persist summary: %w", err)
	}
	result.Status = StatusReady
	return nil
}

// ingest loads the case, its patient, and the summary row, creating the
// row on first run.
func (o *Orchestrator) ingest(ctx context.Context, cl *clinic.Clinic, caseID uuid.UUID) (*ingested, error) {
	cs, err := o.cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	rerun := cs.Status == cases.StatusDischarged
	if cs.Status != cases.StatusReadyForDischarge && !rerun {
		return nil, fmt.Errorf("%w: status is %s", ErrNotReady, cs.Status)
	}
	if cs.ClinicalNotes == nil || *cs.ClinicalNotes == "" {
		return nil, ErrNoNotes
	}

	pat, err := o.patients.GetPatient(ctx, cs.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}

	summary, err := o.repo.GetByCase(ctx, caseID)
	switch {
	case errors.Is(err, ErrNotFound):
		summary = &Summary{
			CaseID:      caseID,
			Status:      StatusGenerating,
			EmailStatus: EmailNotSent,
			CallStatus:  CallNotScheduled,
		}
		if err := o.repo.Create(ctx, summary); err != nil {
			return nil, fmt.Errorf("create summary row: %w", err)
		}
	case err != nil:
		return nil, err
	default:
		if summary.Status == StatusGenerating {
			return &ingested{summary: summary}, ErrRunInProgress
		}
		summary.Status = StatusGenerating
		summary.EmailStatus = EmailNotSent
		summary.CallStatus = CallNotScheduled
		if err := o.repo.Update(ctx, summary); err != nil {
			return nil, err
		}
	}

	return &ingested{cs: cs, pat: pat, cl: cl, summary: summary, rerun: rerun}, nil
}

func (o *Orchestrator) runEmailStep(ctx context.Context, in *ingested, opts RunOptions, result *RunResult) {
	enabled := in.cl.Settings.AutoEmailDischarge
	if opts.Email != nil {
		enabled = *opts.Email
	}
	switch {
	case !enabled:
		in.summary.EmailStatus = EmailSkipped
		result.record(StepEmail, nil, true)
		return
	case in.pat.EmailSuppressed || in.pat.OwnerEmail == nil || *in.pat.OwnerEmail == "":
		in.summary.EmailStatus = EmailSkipped
		result.record(StepEmail, nil, true)
		return
	}

	msg, err := notify.DischargeEmail(notify.DischargeEmailData{
		ClinicName:  clinicDisplayName(in.cl),
		PatientName: in.pat.Name,
		OwnerName:   in.pat.OwnerName,
		Summary:     in.summary.ContentMarkdown,
		ReplyTo:     in.cl.Settings.ReplyTo,
		ClinicPhone: deref(in.cl.Phone),
	})
	if err == nil {
		msg.To = *in.pat.OwnerEmail
		if msg.Headers == nil {
			msg.Headers = map[string]string{}
		}
		msg.Headers["X-VetDesk-Case"] = in.cs.ID.String()
		msg.Headers["X-VetDesk-Clinic"] = in.cl.Slug
		err = o.email.Send(ctx, msg)
	}

	if err != nil {
		in.summary.EmailStatus = EmailFailed
		result.record(StepEmail, err, false)
		o.log.Warn().Err(err).Str("case_id", in.cs.ID.String()).Msg("discharge email failed")
		return
	}
	in.summary.EmailStatus = EmailSent
	result.record(StepEmail, nil, false)
}

func (o *Orchestrator) runScheduleCallStep(ctx context.Context, in *ingested, opts RunOptions, result *RunResult) {
	enabled := in.cl.Settings.AutoScheduleFollowup
	if opts.ScheduleCall != nil {
		enabled = *opts.ScheduleCall
	}
	switch {
	case !enabled:
		in.summary.CallStatus = CallSkipped
		result.record(StepScheduleCall, nil, true)
		return
	case in.pat.OwnerPhone == nil || *in.pat.OwnerPhone == "":
		in.summary.CallStatus = CallSkipped
		result.record(StepScheduleCall, nil, true)
		return
	}

	delay := time.Duration(in.cl.Settings.FollowupDelayHours) * time.Hour
	_, err := o.calls.Schedule(ctx, followup.ScheduleInput{
		CaseID:       in.cs.ID,
		PatientName:  in.pat.Name,
		Phone:        *in.pat.OwnerPhone,
		ScheduledFor: time.Now().Add(delay),
	})
	if err != nil {
		in.summary.CallStatus = CallFailed
		result.record(StepScheduleCall, err, false)
		o.log.Warn().Err(err).Str("case_id", in.cs.ID.String()).Msg("follow-up scheduling failed")
		return
	}
	in.summary.CallStatus = CallScheduled
	result.record(StepScheduleCall, nil, false)
}

func (o *Orchestrator) persistFailure(ctx context.Context, s *Summary, cause error) {
	msg := cause.Error()
	s.Status = StatusFailed
	s.LastError = &msg
	if err := o.repo.Update(ctx, s); err != nil {
		o.log.Error().Err(err).Str("case_id", s.CaseID.String()).Msg("persist failed summary")
	}
}

func (o *Orchestrator) announce(cl *clinic.Clinic, result *RunResult, runErr error) {
	if o.slack == nil {
		return
	}
	if runErr != nil {
		o.slack.PostAsync(fmt.Sprintf(":rotating_light: Discharge failed for case %s at %s: %v",
			result.CaseID, cl.Name, runErr))
		return
	}
	sent, scheduled := "no", "no"
	for _, step := range result.Steps {
		if step.Step == StepEmail && step.OK && !step.Skipped {
			sent = "yes"
		}
		if step.Step == StepScheduleCall && step.OK && !step.Skipped {
			scheduled = "yes"
		}
	}
	o.slack.PostAsync(fmt.Sprintf(":white_check_mark: Discharge ready for case %s at %s (email: %s, follow-up call: %s)",
		result.CaseID, cl.Name, sent, scheduled))
}

func (r *RunResult) record(step string, err error, skipped bool) {
	sr := StepResult{Step: step, OK: err == nil, Skipped: skipped}
	if err != nil {
		sr.Err = err.Error()
	}
	r.Steps = append(r.Steps, sr)
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func clinicDisplayName(cl *clinic.Clinic) string {
	if cl.Settings.EmailFromName != "" {
		return cl.Settings.EmailFromName
	}
	return cl.Name
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
