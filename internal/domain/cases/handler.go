package cases

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vetdesk/vetdesk/internal/platform/auth"
	"github.com/vetdesk/vetdesk/internal/platform/blobstore"
	"github.com/vetdesk/vetdesk/internal/platform/db"
	"github.com/vetdesk/vetdesk/pkg/pagination"
	"github.com/vetdesk/vetdesk/pkg/respond"
)

// maxAttachmentSize caps a single case attachment at 20 MB.
const maxAttachmentSize = 20 << 20

// attachmentTypes is the content-type allow-list for uploads.
var attachmentTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
}

type Handler struct {
	svc   *Service
	blobs blobstore.Store
}

func NewHandler(svc *Service, blobs blobstore.Store) *Handler {
	return &Handler{svc: svc, blobs: blobs}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := api.Group("", auth.RequireRole(auth.RoleVeterinarian, auth.RoleTechnician, auth.RoleFrontdesk))
	staff.GET("/cases", h.ListCases)
	staff.POST("/cases", h.CreateCase)
	staff.GET("/cases/:id", h.GetCase)
	staff.PUT("/cases/:id", h.UpdateCase)
	staff.PATCH("/cases/:id/status", h.TransitionStatus)
	staff.GET("/cases/:id/status-history", h.GetStatusHistory)

	staff.GET("/cases/:id/attachments", h.ListAttachments)
	staff.POST("/cases/:id/attachments", h.UploadAttachment)
	staff.GET("/cases/:id/attachments/:name", h.DownloadAttachment)
	staff.DELETE("/cases/:id/attachments/:name", h.DeleteAttachment)
}

func (h *Handler) CreateCase(c echo.Context) error {
	var cs Case
	if err := c.Bind(&cs); err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_body", err.Error())
	}
	if err := h.svc.CreateCase(c.Request().Context(), &cs); err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_case", err.Error())
	}
	return respond.OK(c, http.StatusCreated, cs)
}

func (h *Handler) GetCase(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_id", "invalid case id")
	}
	cs, err := h.svc.GetCase(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return respond.Fail(c, http.StatusNotFound, "not_found", "case not found")
		}
		return err
	}
	return respond.OK(c, http.StatusOK, cs)
}

func (h *Handler) UpdateCase(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_id", "invalid case id")
	}

	var cs Case
	if err := c.Bind(&cs); err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_body", err.Error())
	}
	cs.ID = id

	if err := h.svc.UpdateCase(c.Request().Context(), &cs); err != nil {
		if errors.Is(err, ErrNotFound) {
			return respond.Fail(c, http.StatusNotFound, "not_found", "case not found")
		}
		return respond.Fail(c, http.StatusBadRequest, "invalid_case", err.Error())
	}
	return respond.OK(c, http.StatusOK, cs)
}

type transitionRequest struct {
	Status string  `json:"status"`
	Note   *string `json:"note,omitempty"`
}

func (h *Handler) TransitionStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_id", "invalid case id")
	}

	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_body", err.Error())
	}
	if req.Status == "" {
		return respond.Fail(c, http.StatusBadRequest, "invalid_status", "status is required")
	}

	ctx := c.Request().Context()
	var changedBy *uuid.UUID
	if uid, err := uuid.Parse(auth.UserIDFromContext(ctx)); err == nil {
		changedBy = &uid
	}

	cs, err := h.svc.TransitionStatus(ctx, id, req.Status, changedBy, req.Note)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return respond.Fail(c, http.StatusNotFound, "not_found", "case not found")
		case errors.Is(err, ErrInvalidTransition):
			return respond.Fail(c, http.StatusConflict, "invalid_transition", err.Error())
		default:
			return respond.Fail(c, http.StatusBadRequest, "invalid_status", err.Error())
		}
	}
	return respond.OK(c, http.StatusOK, cs)
}

func (h *Handler) GetStatusHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_id", "invalid case id")
	}
	history, err := h.svc.GetStatusHistory(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return respond.Fail(c, http.StatusNotFound, "not_found", "case not found")
		}
		return err
	}
	return respond.OK(c, http.StatusOK, history)
}

func (h *Handler) ListCases(c echo.Context) error {
	pg := pagination.FromContext(c)

	var filter ListFilter
	if v := c.QueryParam("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return respond.Fail(c, http.StatusBadRequest, "invalid_filter", "invalid patient_id")
		}
		filter.PatientID = id
	}
	if v := c.QueryParam("status"); v != "" {
		if !ValidStatus(v) {
			return respond.Fail(c, http.StatusBadRequest, "invalid_filter", "unknown status")
		}
		filter.Status = v
	}
	if v := c.QueryParam("assigned_vet_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return respond.Fail(c, http.StatusBadRequest, "invalid_filter", "invalid assigned_vet_id")
		}
		filter.AssignedVetID = id
	}

	list, total, err := h.svc.ListCases(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return respond.OK(c, http.StatusOK, pagination.NewResponse(list, total, pg.Limit, pg.Offset))
}

func (h *Handler) UploadAttachment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_id", "invalid case id")
	}

	ctx := c.Request().Context()
	if _, err := h.svc.GetCase(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return respond.Fail(c, http.StatusNotFound, "not_found", "case not found")
		}
		return err
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_upload", "multipart field 'file' is required")
	}
	if fh.Size > maxAttachmentSize {
		return respond.Fail(c, http.StatusRequestEntityTooLarge, "file_too_large",
			fmt.Sprintf("attachment exceeds %d bytes", maxAttachmentSize))
	}

	contentType := fh.Header.Get("Content-Type")
	if !attachmentTypes[contentType] {
		return respond.Fail(c, http.StatusUnsupportedMediaType, "unsupported_type",
			"attachments must be application/pdf, image/png or image/jpeg")
	}

	name := sanitizeAttachmentName(fh.Filename)
	if name == "" {
		return respond.Fail(c, http.StatusBadRequest, "invalid_upload", "invalid file name")
	}

	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	key := blobstore.CaseKey(db.ClinicFromContext(ctx), id.String(), name)
	info, err := h.blobs.Put(ctx, key, contentType, src)
	if err != nil {
		return fmt.Errorf("store attachment: %w", err)
	}
	return respond.OK(c, http.StatusCreated, attachmentView(id, *info))
}

func (h *Handler) ListAttachments(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_id", "invalid case id")
	}

	ctx := c.Request().Context()
	if _, err := h.svc.GetCase(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return respond.Fail(c, http.StatusNotFound, "not_found", "case not found")
		}
		return err
	}

	prefix := blobstore.CaseKey(db.ClinicFromContext(ctx), id.String(), "")
	infos, err := h.blobs.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list attachments: %w", err)
	}

	out := make([]map[string]interface{}, 0, len(infos))
	for _, info := range infos {
		out = append(out, attachmentView(id, info))
	}
	return respond.OK(c, http.StatusOK, out)
}

func (h *Handler) DownloadAttachment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_id", "invalid case id")
	}
	name := sanitizeAttachmentName(c.Param("name"))
	if name == "" {
		return respond.Fail(c, http.StatusBadRequest, "invalid_name", "invalid attachment name")
	}

	ctx := c.Request().Context()
	key := blobstore.CaseKey(db.ClinicFromContext(ctx), id.String(), name)
	body, info, err := h.blobs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return respond.Fail(c, http.StatusNotFound, "not_found", "attachment not found")
		}
		return fmt.Errorf("fetch attachment: %w", err)
	}
	defer body.Close()

	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%q", name))
	return c.Stream(http.StatusOK, info.ContentType, body)
}

func (h *Handler) DeleteAttachment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_id", "invalid case id")
	}
	name := sanitizeAttachmentName(c.Param("name"))
	if name == "" {
		return respond.Fail(c, http.StatusBadRequest, "invalid_name", "invalid attachment name")
	}

	ctx := c.Request().Context()
	key := blobstore.CaseKey(db.ClinicFromContext(ctx), id.String(), name)
	if err := h.blobs.Delete(ctx, key); err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return respond.Fail(c, http.StatusNotFound, "not_found", "attachment not found")
		}
		return fmt.Errorf("delete attachment: %w", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func attachmentView(caseID uuid.UUID, info blobstore.Info) map[string]interface{} {
	return map[string]interface{}{
		"case_id":      caseID,
		"name":         path.Base(info.Key),
		"content_type": info.ContentType,
		"size":         info.Size,
		"updated_at":   info.UpdatedAt,
	}
}

// sanitizeAttachmentName strips any path components from an uploaded file
// name and rejects names that would escape the case prefix.
func sanitizeAttachmentName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == ".." || name == "/" || strings.HasPrefix(name, ".") {
		return ""
	}
	return name
}
