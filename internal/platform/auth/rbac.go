package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

func ValidRole(r string) bool {
	return r == RolePatient || r == RoleDoctor || r == RoleAdmin
}

// Principal is the authenticated caller.
type Principal struct {
	ID    string
	Roles []string
}

// PrincipalFromContext reads the caller set by the auth middleware.
func PrincipalFromContext(ctx context.Context) Principal {
	return Principal{ID: UserIDFromContext(ctx), Roles: RolesFromContext(ctx)}
}

// HasRole reports whether p holds role. Admin holds every role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

func (p Principal) IsDoctor() bool { return p.HasRole(RoleDoctor) }

func (p Principal) IsAdmin() bool {
	for _, r := range p.Roles {
		if r == RoleAdmin {
			return true
		}
	}
	return false
}

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p := PrincipalFromContext(c.Request().Context())
			for _, required := range roles {
				if p.HasRole(required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
