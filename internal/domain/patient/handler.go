package patient

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vetdesk/vetdesk/internal/platform/auth"
	"github.com/vetdesk/vetdesk/pkg/pagination"
	"github.com/vetdesk/vetdesk/pkg/respond"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleVeterinarian, auth.RoleTechnician, auth.RoleFrontdesk))
	read.GET("/patients", h.ListPatients)
	read.GET("/patients/:id", h.GetPatient)

	write := api.Group("", auth.RequireRole(auth.RoleVeterinarian, auth.RoleTechnician, auth.RoleFrontdesk))
	write.POST("/patients", h.CreatePatient)
	write.PUT("/patients/:id", h.UpdatePatient)
	write.DELETE("/patients/:id", h.DeactivatePatient)
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var p Patient
	if err := c.Bind(&p); err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_body", err.Error())
	}
	if err := h.svc.CreatePatient(c.Request().Context(), &p); err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_patient", err.Error())
	}
	return respond.OK(c, http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_id", "invalid patient id")
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return respond.Fail(c, http.StatusNotFound, "not_found", "patient not found")
		}
		return err
	}
	return respond.OK(c, http.StatusOK, p)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_id", "invalid patient id")
	}

	var p Patient
	if err := c.Bind(&p); err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_body", err.Error())
	}
	p.ID = id

	if err := h.svc.UpdatePatient(c.Request().Context(), &p); err != nil {
		if errors.Is(err, ErrNotFound) {
			return respond.Fail(c, http.StatusNotFound, "not_found", "patient not found")
		}
		return respond.Fail(c, http.StatusBadRequest, "invalid_patient", err.Error())
	}
	return respond.OK(c, http.StatusOK, p)
}

func (h *Handler) DeactivatePatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_id", "invalid patient id")
	}
	p, err := h.svc.DeactivatePatient(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return respond.Fail(c, http.StatusNotFound, "not_found", "patient not found")
		}
		return err
	}
	return respond.OK(c, http.StatusOK, p)
}

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)

	filter := ListFilter{Species: c.QueryParam("species")}
	switch c.QueryParam("active") {
	case "true":
		v := true
		filter.Active = &v
	case "false":
		v := false
		filter.Active = &v
	}

	patients, total, err := h.svc.ListPatients(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return respond.OK(c, http.StatusOK, pagination.NewResponse(patients, total, pg.Limit, pg.Offset))
}
