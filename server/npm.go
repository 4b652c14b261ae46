package server

import (
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"

	regsso "github.com/regsso/regsso"
	"github.com/regsso/regsso/store"
)

// npm sends its SSO login as a user PUT for a well-known dummy user name.
var ssoLoginUserPattern = regexp.MustCompile(`^org\.couchdb\.user:npm_([a-z]+)_auth_dummy_user$`)

type loginResponse struct {
	// Token is stored by the npm client as its _authToken and presented
	// as the bearer token on every subsequent request.
	Token string `json:"token"`
	// SSO is the URL the npm client opens in the user's browser.
	SSO string `json:"sso"`
}

// handleLogin is the first request of `npm login --auth-type=sso`. It must
// answer immediately with the poll token and the browser URL; the identity
// flow has not started yet.
func (s *Server) handleLogin(c echo.Context) error {
	match := ssoLoginUserPattern.FindStringSubmatch(c.Param("user"))
	if match == nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown user document")
	}
	s.logger.Debug("initializing npm authentication", "sso_type", match[1])

	pending, err := s.engine.CreatePendingAuthentication(c.Request().Context())
	if err != nil {
		return err
	}

	ssoURL := s.baseURL(c) + "/-/oidc/authorize?token=" + url.QueryEscape(pending.InitToken)
	return c.JSON(http.StatusOK, loginResponse{
		Token: pending.PollToken,
		SSO:   ssoURL,
	})
}

type whoamiResponse struct {
	Username string `json:"username"`
}

// handleWhoami serves the poll loop. While the browser flow is running the
// request is held open up to the configured request timeout; on timeout the
// client gets a 401 and immediately retries, which turns tight polling into
// a long poll.
func (s *Server) handleWhoami(c echo.Context) error {
	pollToken, ok := bearerToken(c.Request().Header.Get("Authorization"))
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
	}
	ctx := c.Request().Context()

	pending, err := s.engine.IsPendingAuthentication(ctx, regsso.Lookup{PollToken: pollToken})
	if err != nil {
		var unexpected *regsso.UnexpectedStateError
		if !errors.As(err, &unexpected) || unexpected.State != store.StateAuthenticated {
			return decorateAuthenticationError(err)
		}
		// Already authenticated: fall through, the wait resolves
		// immediately with the stored credentials.
		pending = true
	}
	if !pending {
		return echo.NewHTTPError(http.StatusUnauthorized, "no authentication pending for this token")
	}

	credentials, err := s.engine.WaitForAuthentication(ctx, pollToken, s.cfg.Middleware.RequestTimeout.Std())
	if errors.Is(err, regsso.ErrAuthenticationTimedOut) {
		return echo.NewHTTPError(http.StatusUnauthorized, "the SSO browser flow is still pending, please retry")
	}
	if err != nil {
		return decorateAuthenticationError(err)
	}

	return c.JSON(http.StatusOK, whoamiResponse{Username: usernameFromCredentials(credentials)})
}

func bearerToken(header string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(header, bearer) || len(header) == len(bearer) {
		return "", false
	}
	return header[len(bearer):], true
}

// usernameFromCredentials falls back through the usual OIDC identity claims.
func usernameFromCredentials(credentials *store.Credentials) string {
	if credentials == nil {
		return ""
	}
	for _, claim := range []string{"preferred_username", "email", "sub"} {
		if v, ok := credentials.Claims[claim].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
