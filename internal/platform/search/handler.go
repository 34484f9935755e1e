package search

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/vetdesk/vetdesk/internal/platform/db"
	"github.com/vetdesk/vetdesk/pkg/respond"
)

// Handler serves GET /search.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/search", h.handleSearch)
}

func (h *Handler) handleSearch(c echo.Context) error {
	text := strings.TrimSpace(c.QueryParam("q"))
	if text == "" {
		return respond.Fail(c, http.StatusBadRequest, "missing_query", "q parameter is required")
	}

	q := Query{
		Text:   text,
		Clinic: db.ClinicFromContext(c.Request().Context()),
		Limit:  intParam(c, "limit", 20),
		Offset: intParam(c, "offset", 0),
	}
	switch typ := ResultType(c.QueryParam("type")); typ {
	case "", ResultPatient, ResultCase:
		q.FilterType = typ
	default:
		return respond.Fail(c, http.StatusBadRequest, "invalid_type", "type must be patient or case")
	}

	return respond.OK(c, http.StatusOK, h.svc.Search(c.Request().Context(), q))
}

func intParam(c echo.Context, name string, def int) int {
	v := c.QueryParam(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
