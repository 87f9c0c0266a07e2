package echoapi

import (
	"github.com/labstack/echo/v4"

	"github.com/ccscampus/campus/core/user"
)

// roleMiddleware lets through the users whose role passes allowed.
func roleMiddleware(allowed func(user.Role) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return err
			}
			if allowed(claims.Role) {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}

func adminMiddleware() echo.MiddlewareFunc {
	return roleMiddleware(func(r user.Role) bool { return r == user.RoleAdmin })
}
