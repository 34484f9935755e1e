package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Roles recognized across the API. Admin implicitly satisfies every role
// check.
const (
	RoleAdmin        = "admin"
	RoleVeterinarian = "veterinarian"
	RoleTechnician   = "technician"
	RoleFrontdesk    = "frontdesk"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				for _, has := range userRoles {
					if has == required || has == RoleAdmin {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasRole reports whether the role list contains the given role, treating
// admin as a superset of every role.
func HasRole(userRoles []string, role string) bool {
	for _, has := range userRoles {
		if has == role || has == RoleAdmin {
			return true
		}
	}
	return false
}
