package billing

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vetdesk/vetdesk/internal/platform/auth"
	"github.com/vetdesk/vetdesk/internal/platform/db"
	"github.com/vetdesk/vetdesk/pkg/respond"
)

// ClinicResolver maps the request's clinic slug to its ID. Satisfied by
// *clinic.Service.
type ClinicResolver interface {
	ClinicIDBySlug(ctx context.Context, slug string) (uuid.UUID, error)
}

type Handler struct {
	svc     *Service
	clinics ClinicResolver
}

func NewHandler(svc *Service, clinics ClinicResolver) *Handler {
	return &Handler{svc: svc, clinics: clinics}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/billing/subscription", h.GetSubscription)
}

// GetSubscription returns the clinic's current subscription with the plan
// limits resolved, so the frontend can render seat and discharge quotas.
func (h *Handler) GetSubscription(c echo.Context) error {
	ctx := c.Request().Context()

	slug := db.ClinicFromContext(ctx)
	if slug == "" {
		return respond.Fail(c, http.StatusBadRequest, "no_clinic", "no clinic in request context")
	}
	clinicID, err := h.clinics.ClinicIDBySlug(ctx, slug)
	if err != nil {
		return respond.Fail(c, http.StatusNotFound, "not_found", "clinic not found")
	}

	sub, err := h.svc.GetByClinic(ctx, clinicID)
	if err != nil {
		return err
	}
	return respond.OK(c, http.StatusOK, map[string]interface{}{
		"subscription": sub,
		"limits":       sub.Limits(),
	})
}
