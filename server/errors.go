package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	regsso "github.com/regsso/regsso"
)

// decorateAuthenticationError turns expected flow errors into HTTP status
// errors. Unexpected errors pass through untouched and surface as 500s,
// which is exactly right for UnexpectedStateError and adapter I/O failures.
func decorateAuthenticationError(err error) error {
	switch {
	case errors.Is(err, regsso.ErrAuthenticationNotFound):
		return echo.NewHTTPError(http.StatusUnauthorized, "no authentication found for this token")
	case errors.Is(err, regsso.ErrAuthenticationTimedOut):
		return echo.NewHTTPError(http.StatusForbidden, "the SSO authentication flow timed out")
	case errors.Is(err, regsso.ErrAuthenticationFailed):
		return echo.NewHTTPError(http.StatusForbidden, "the SSO authentication flow failed or was canceled")
	case errors.Is(err, regsso.ErrAuthenticationRevoked):
		return echo.NewHTTPError(http.StatusForbidden, "the authentication was revoked")
	default:
		return err
	}
}
