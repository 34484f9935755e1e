package discharge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vetdesk/vetdesk/internal/domain/billing"
	"github.com/vetdesk/vetdesk/internal/domain/cases"
	"github.com/vetdesk/vetdesk/internal/platform/auth"
	"github.com/vetdesk/vetdesk/internal/platform/blobstore"
	"github.com/vetdesk/vetdesk/internal/platform/db"
	"github.com/vetdesk/vetdesk/internal/platform/export"
	"github.com/vetdesk/vetdesk/pkg/respond"
)

type Handler struct {
	orch     *Orchestrator
	repo     Repository
	cases    CaseStore
	patients PatientStore
	clinics  ClinicDirectory
	blobs    blobstore.Store
}

func NewHandler(orch *Orchestrator, repo Repository, cs CaseStore, patients PatientStore, clinics ClinicDirectory, blobs blobstore.Store) *Handler {
	return &Handler{orch: orch, repo: repo, cases: cs, patients: patients, clinics: clinics, blobs: blobs}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	vets := api.Group("", auth.RequireRole(auth.RoleVeterinarian, auth.RoleTechnician))
	vets.POST("/cases/:id/discharge", h.Trigger)
	vets.PUT("/cases/:id/discharge-summary", h.UpdateSummary)

	staff := api.Group("", auth.RequireRole(auth.RoleVeterinarian, auth.RoleTechnician, auth.RoleFrontdesk))
	staff.GET("/cases/:id/discharge-summary", h.GetSummary)
	staff.GET("/cases/:id/discharge-summary/pdf", h.GetPDF)
}

// Trigger runs the pipeline. Required step failures come back as 502 with
// the per-step breakdown; optional step failures still return 200.
func (h *Handler) Trigger(c echo.Context) error {
	caseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_id", "invalid case id")
	}

	var opts RunOptions
	if err := c.Bind(&opts); err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_body", err.Error())
	}

	result, err := h.orch.Run(c.Request().Context(), caseID, opts)
	if err != nil {
		switch {
		case errors.Is(err, cases.ErrNotFound):
			return respond.Fail(c, http.StatusNotFound, "not_found", "case not found")
		case errors.Is(err, ErrCaseLocked):
			return respond.Fail(c, http.StatusConflict, "discharge_running", err.Error())
		case errors.Is(err, ErrNotReady):
			return respond.Fail(c, http.StatusConflict, "not_ready", err.Error())
		case errors.Is(err, ErrNoNotes):
			return respond.Fail(c, http.StatusBadRequest, "no_notes", err.Error())
		case errors.Is(err, billing.ErrLimitExceeded):
			return respond.Fail(c, http.StatusPaymentRequired, "plan_limit", err.Error())
		default:
			// The per-step breakdown still goes out so the client can see
			// which step broke, but never inside a success envelope.
			return respond.FailData(c, http.StatusBadGateway, "pipeline_failed", err.Error(), result)
		}
	}
	return respond.OK(c, http.StatusOK, result)
}

func (h *Handler) GetSummary(c echo.Context) error {
	caseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_id", "invalid case id")
	}
	s, err := h.repo.GetByCase(c.Request().Context(), caseID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return respond.Fail(c, http.StatusNotFound, "not_found", "no discharge summary for this case")
		}
		return err
	}
	return respond.OK(c, http.StatusOK, s)
}

type updateSummaryRequest struct {
	ContentMarkdown string    `json:"content_markdown"`
	Entities        *Entities `json:"entities,omitempty"`
}

// UpdateSummary applies a manual edit. Only settled summaries (ready or
// failed) can be edited; an edit makes the summary ready.
func (h *Handler) UpdateSummary(c echo.Context) error {
	caseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_id", "invalid case id")
	}

	var req updateSummaryRequest
	if err := c.Bind(&req); err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_body", err.Error())
	}
	if req.ContentMarkdown == "" {
		return respond.Fail(c, http.StatusBadRequest, "invalid_summary", "content_markdown is required")
	}

	ctx := c.Request().Context()
	s, err := h.repo.GetByCase(ctx, caseID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return respond.Fail(c, http.StatusNotFound, "not_found", "no discharge summary for this case")
		}
		return err
	}
	if s.Status != StatusReady && s.Status != StatusFailed {
		return respond.Fail(c, http.StatusConflict, "not_editable",
			fmt.Sprintf("summary is %s; only ready or failed summaries can be edited", s.Status))
	}

	s.ContentMarkdown = req.ContentMarkdown
	if req.Entities != nil {
		s.Entities = *req.Entities
	}
	s.Status = StatusReady
	s.LastError = nil
	if s.GeneratedAt == nil {
		now := time.Now().UTC()
		s.GeneratedAt = &now
	}
	// The stored PDF no longer matches the content; drop it so the next
	// download re-renders.
	if s.PDFObjectKey != nil {
		_ = h.blobs.Delete(ctx, *s.PDFObjectKey)
		s.PDFObjectKey = nil
	}

	if err := h.repo.Update(ctx, s); err != nil {
		return err
	}
	return respond.OK(c, http.StatusOK, s)
}

// GetPDF streams the discharge summary as a PDF, rendering and caching it
// in the object store on first request. When PDF rendering is unavailable
// the printable HTML comes back instead.
func (h *Handler) GetPDF(c echo.Context) error {
	caseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_id", "invalid case id")
	}

	ctx := c.Request().Context()
	s, err := h.repo.GetByCase(ctx, caseID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return respond.Fail(c, http.StatusNotFound, "not_found", "no discharge summary for this case")
		}
		return err
	}
	if s.Status != StatusReady {
		return respond.Fail(c, http.StatusNotFound, "not_ready", "discharge summary is not ready")
	}

	if s.PDFObjectKey != nil {
		body, info, err := h.blobs.Get(ctx, *s.PDFObjectKey)
		if err == nil {
			defer body.Close()
			return c.Stream(http.StatusOK, info.ContentType, body)
		}
		if !errors.Is(err, blobstore.ErrNotFound) {
			return fmt.Errorf("fetch cached pdf: %w", err)
		}
	}

	doc, err := h.buildDoc(ctx, s)
	if err != nil {
		return err
	}

	rendered, err := export.RenderDischargePDF(*doc)
	if errors.Is(err, export.ErrPDFUnavailable) {
		rendered, err = export.RenderDischargeHTML(*doc)
	}
	if err != nil {
		return fmt.Errorf("render discharge document: %w", err)
	}

	if rendered.MimeType == "application/pdf" {
		key := blobstore.CaseKey(db.ClinicFromContext(ctx), caseID.String(), rendered.Filename)
		if _, err := h.blobs.Put(ctx, key, rendered.MimeType, bytes.NewReader(rendered.Data)); err == nil {
			s.PDFObjectKey = &key
			if err := h.repo.Update(ctx, s); err != nil {
				return err
			}
		}
	}

	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%q", rendered.Filename))
	return c.Blob(http.StatusOK, rendered.MimeType, rendered.Data)
}

// buildDoc assembles the printable document from the case, patient, and
// clinic records plus the stored summary.
func (h *Handler) buildDoc(ctx context.Context, s *Summary) (*export.DischargeDoc, error) {
	cs, err := h.cases.GetCase(ctx, s.CaseID)
	if err != nil {
		return nil, fmt.Errorf("load case: %w", err)
	}
	pat, err := h.patients.GetPatient(ctx, cs.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	cl, err := h.clinics.GetClinicBySlug(ctx, db.ClinicFromContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("resolve clinic: %w", err)
	}

	dischargedAt := time.Now().UTC()
	if cs.DischargedAt != nil {
		dischargedAt = *cs.DischargedAt
	}

	doc := &export.DischargeDoc{
		ClinicName:   cl.Name,
		ClinicPhone:  deref(cl.Phone),
		ClinicEmail:  deref(cl.Email),
		PatientName:  pat.Name,
		Species:      pat.Species,
		Breed:        deref(pat.Breed),
		OwnerName:    pat.OwnerName,
		CaseTitle:    cs.Title,
		DischargedAt: dischargedAt,
		Summary:      s.ContentMarkdown,
		Diagnoses:    s.Entities.Diagnoses,
		FollowUps:    s.Entities.FollowupInstructions,
	}
	for _, m := range s.Entities.Medications {
		doc.Medications = append(doc.Medications, export.Medication{
			Name:      m.Name,
			Dose:      m.Dosage,
			Frequency: m.Frequency,
			Duration:  m.Duration,
		})
	}
	return doc, nil
}
