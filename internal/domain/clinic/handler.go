package clinic

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vetdesk/vetdesk/internal/platform/auth"
	"github.com/vetdesk/vetdesk/internal/platform/db"
	"github.com/vetdesk/vetdesk/pkg/pagination"
	"github.com/vetdesk/vetdesk/pkg/respond"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the clinic's self-service endpoints. Settings and
// staff management are admin-only; the clinic profile is readable by all
// staff.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/clinic", h.GetClinic)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.PUT("/clinic", h.UpdateClinic)
	admin.GET("/clinic/settings", h.GetSettings)
	admin.PUT("/clinic/settings", h.UpdateSettings)
	admin.GET("/clinic/users", h.ListUsers)
	admin.POST("/clinic/users", h.CreateUser)
	admin.GET("/clinic/users/:id", h.GetUser)
	admin.PUT("/clinic/users/:id", h.UpdateUser)
	admin.DELETE("/clinic/users/:id", h.DeactivateUser)
}

// current resolves the clinic for the request from the slug the clinic
// middleware pinned.
func (h *Handler) current(c echo.Context) (*Clinic, error) {
	slug := db.ClinicFromContext(c.Request().Context())
	if slug == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "no clinic in request context")
	}
	cl, err := h.svc.GetClinicBySlug(c.Request().Context(), slug)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, echo.NewHTTPError(http.StatusNotFound, "clinic not found")
		}
		return nil, err
	}
	return cl, nil
}

func (h *Handler) GetClinic(c echo.Context) error {
	cl, err := h.current(c)
	if err != nil {
		return err
	}
	return respond.OK(c, http.StatusOK, cl)
}

func (h *Handler) UpdateClinic(c echo.Context) error {
	cl, err := h.current(c)
	if err != nil {
		return err
	}

	var in Clinic
	if err := c.Bind(&in); err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_body", err.Error())
	}
	in.ID = cl.ID
	in.Settings = cl.Settings

	if err := h.svc.UpdateClinic(c.Request().Context(), &in); err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_clinic", err.Error())
	}
	return respond.OK(c, http.StatusOK, in)
}

func (h *Handler) GetSettings(c echo.Context) error {
	cl, err := h.current(c)
	if err != nil {
		return err
	}
	return respond.OK(c, http.StatusOK, cl.Settings)
}

func (h *Handler) UpdateSettings(c echo.Context) error {
	cl, err := h.current(c)
	if err != nil {
		return err
	}

	var settings Settings
	if err := c.Bind(&settings); err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_body", err.Error())
	}

	updated, err := h.svc.UpdateSettings(c.Request().Context(), cl.ID, settings)
	if err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_settings", err.Error())
	}
	return respond.OK(c, http.StatusOK, updated.Settings)
}

func (h *Handler) ListUsers(c echo.Context) error {
	cl, err := h.current(c)
	if err != nil {
		return err
	}

	pg := pagination.FromContext(c)
	users, total, err := h.svc.ListUsers(c.Request().Context(), cl.ID, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return respond.OK(c, http.StatusOK, pagination.NewResponse(users, total, pg.Limit, pg.Offset))
}

func (h *Handler) CreateUser(c echo.Context) error {
	cl, err := h.current(c)
	if err != nil {
		return err
	}

	var u User
	if err := c.Bind(&u); err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_body", err.Error())
	}
	u.ClinicID = cl.ID

	if err := h.svc.CreateUser(c.Request().Context(), &u); err != nil {
		switch {
		case errors.Is(err, ErrLimitExceeded):
			return respond.Fail(c, http.StatusPaymentRequired, "plan_limit", err.Error())
		case errors.Is(err, ErrEmailTaken):
			return respond.Fail(c, http.StatusConflict, "email_taken", err.Error())
		default:
			return respond.Fail(c, http.StatusBadRequest, "invalid_user", err.Error())
		}
	}
	return respond.OK(c, http.StatusCreated, u)
}

func (h *Handler) GetUser(c echo.Context) error {
	u, err := h.userForClinic(c)
	if err != nil {
		return err
	}
	return respond.OK(c, http.StatusOK, u)
}

func (h *Handler) UpdateUser(c echo.Context) error {
	existing, err := h.userForClinic(c)
	if err != nil {
		return err
	}

	var in User
	if err := c.Bind(&in); err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_body", err.Error())
	}
	in.ID = existing.ID
	in.Active = existing.Active

	if err := h.svc.UpdateUser(c.Request().Context(), &in); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return respond.Fail(c, http.StatusConflict, "email_taken", err.Error())
		}
		return respond.Fail(c, http.StatusBadRequest, "invalid_user", err.Error())
	}
	return respond.OK(c, http.StatusOK, in)
}

func (h *Handler) DeactivateUser(c echo.Context) error {
	existing, err := h.userForClinic(c)
	if err != nil {
		return err
	}

	u, err := h.svc.DeactivateUser(c.Request().Context(), existing.ID)
	if err != nil {
		return err
	}
	return respond.OK(c, http.StatusOK, u)
}

// userForClinic loads the :id user and rejects cross-clinic access.
func (h *Handler) userForClinic(c echo.Context) (*User, error) {
	cl, err := h.current(c)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	u, err := h.svc.GetUser(c.Request().Context(), id)
	if err != nil || u.ClinicID != cl.ID {
		return nil, echo.NewHTTPError(http.StatusNotFound, "user not found")
	}
	return u, nil
}
