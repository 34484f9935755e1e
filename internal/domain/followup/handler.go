package followup

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vetdesk/vetdesk/internal/platform/auth"
	"github.com/vetdesk/vetdesk/pkg/respond"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := api.Group("", auth.RequireRole(auth.RoleVeterinarian, auth.RoleTechnician, auth.RoleFrontdesk))
	staff.POST("/followups", h.Schedule)
	staff.GET("/followups/:id", h.Get)
	staff.DELETE("/followups/:id", h.Cancel)
	staff.GET("/cases/:caseID/followups", h.ListByCase)
}

func (h *Handler) Schedule(c echo.Context) error {
	var in ScheduleInput
	if err := c.Bind(&in); err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_body", err.Error())
	}
	sc, err := h.svc.Schedule(c.Request().Context(), in)
	if err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_followup", err.Error())
	}
	return respond.OK(c, http.StatusCreated, sc)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_id", "invalid followup id")
	}
	sc, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return respond.Fail(c, http.StatusNotFound, "not_found", "scheduled call not found")
		}
		return err
	}
	return respond.OK(c, http.StatusOK, sc)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_id", "invalid followup id")
	}
	sc, err := h.svc.Cancel(c.Request().Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return respond.Fail(c, http.StatusNotFound, "not_found", "scheduled call not found")
		case errors.Is(err, ErrNotCancelable):
			return respond.Fail(c, http.StatusConflict, "not_cancelable", err.Error())
		default:
			return err
		}
	}
	return respond.OK(c, http.StatusOK, sc)
}

func (h *Handler) ListByCase(c echo.Context) error {
	caseID, err := uuid.Parse(c.Param("caseID"))
	if err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_id", "invalid case id")
	}
	calls, err := h.svc.ListByCase(c.Request().Context(), caseID)
	if err != nil {
		return err
	}
	if calls == nil {
		calls = []*ScheduledCall{}
	}
	return respond.OK(c, http.StatusOK, calls)
}
