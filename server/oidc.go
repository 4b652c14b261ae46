package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	regsso "github.com/regsso/regsso"
)

// initTokenCookie correlates the browser session with the pending record
// across the redirect round trip to the identity provider.
const initTokenCookie = "regsso_init_token"

// handleAuthorize is the browser's entry: it binds the init token to the
// browser session via a cookie and bounces to the identity provider.
func (s *Server) handleAuthorize(c echo.Context) error {
	initToken := c.QueryParam("token")
	if initToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing token query parameter")
	}

	pending, err := s.engine.IsPendingAuthentication(c.Request().Context(), regsso.Lookup{InitToken: initToken})
	if err != nil {
		return decorateAuthenticationError(err)
	}
	if !pending {
		return echo.NewHTTPError(http.StatusForbidden, "unknown or finished authentication")
	}

	c.SetCookie(&http.Cookie{
		Name:     initTokenCookie,
		Value:    initToken,
		Path:     "/-/oidc",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	// The init token doubles as the OAuth state so the callback can
	// recover the record even when the cookie is dropped.
	authURL, err := s.engine.AuthorizationURL(s.callbackURL(c), initToken)
	if err != nil {
		return err
	}
	return c.Redirect(http.StatusFound, authURL)
}

// handleCallback finishes the flow: code exchange on success, a failed
// record on provider-reported errors. Either way all pollers waiting on the
// record are woken.
func (s *Server) handleCallback(c echo.Context) error {
	ctx := c.Request().Context()

	initToken := ""
	if cookie, err := c.Cookie(initTokenCookie); err == nil {
		initToken = cookie.Value
	}
	if initToken == "" {
		initToken = c.QueryParam("state")
	}
	if initToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing authentication initialization token")
	}

	if errCode := c.QueryParam("error"); errCode != "" {
		s.logger.Info("identity provider reported an error",
			"error", errCode,
			"description", c.QueryParam("error_description"))
		if err := s.engine.Fail(ctx, initToken); err != nil {
			s.logger.Warn("failed to mark authentication as failed", "err", err)
		}
		return echo.NewHTTPError(http.StatusForbidden, "the SSO authentication flow failed or was canceled")
	}

	code := c.QueryParam("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing code query parameter")
	}

	credentials, err := s.engine.CompleteFlow(ctx, s.callbackURL(c), code)
	if err != nil {
		s.logger.Error("authorization code exchange failed", "err", err)
		if failErr := s.engine.Fail(ctx, initToken); failErr != nil {
			s.logger.Warn("failed to mark authentication as failed", "err", failErr)
		}
		return echo.NewHTTPError(http.StatusForbidden, "the SSO authentication flow failed")
	}

	if err := s.engine.Authenticate(ctx, credentials, initToken); err != nil {
		return decorateAuthenticationError(err)
	}

	c.SetCookie(&http.Cookie{
		Name:     initTokenCookie,
		Value:    "",
		Path:     "/-/oidc",
		MaxAge:   -1,
		HttpOnly: true,
	})

	return c.HTML(http.StatusOK,
		"<!doctype html><title>Signed in</title><p>Authentication complete. You can close this tab and return to your terminal.</p>")
}
