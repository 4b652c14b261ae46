package oidc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/regsso/regsso/store"
)

// Config configures the relying party.
type Config struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Client talks to one OpenID Provider. It discovers endpoints once at
// construction and keeps the issuer's signing keys cached and refreshed in
// the background. Safe for concurrent use.
type Client struct {
	cfg    Config
	doc    *DiscoveryDocument
	jwks   *keyfunc.JWKS
	logger *slog.Logger
}

// NewClient discovers the issuer and starts the JWKS refresh loop. It fails
// if the issuer is unreachable or misconfigured, which makes startup the
// place where provider problems surface.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.IssuerURL == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("oidc issuer URL and client ID are required")
	}

	doc, err := FetchDiscoveryDocument(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, err
	}
	logger.Debug("discovered OIDC issuer", "issuer", doc.Issuer)

	jwks, err := keyfunc.Get(doc.JwksURI, keyfunc.Options{
		Ctx:             ctx,
		RefreshInterval: time.Hour,
		RefreshErrorHandler: func(err error) {
			logger.Warn("JWKS refresh failed", "jwks_uri", doc.JwksURI, "err", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signing keys from %s: %w", doc.JwksURI, err)
	}

	return &Client{cfg: cfg, doc: doc, jwks: jwks, logger: logger}, nil
}

// AuthorizationURL builds the URL the browser is redirected to. The state
// value is echoed back by the provider on the callback.
func (c *Client) AuthorizationURL(callbackURL, state string) (string, error) {
	return c.oauthConfig(callbackURL).AuthCodeURL(state), nil
}

// CompleteFlow exchanges the authorization code, verifies the returned ID
// token against the issuer's JWKS, and packages everything as the opaque
// credential result the engine attaches to the record.
func (c *Client) CompleteFlow(ctx context.Context, callbackURL, code string) (*store.Credentials, error) {
	token, err := c.oauthConfig(callbackURL).Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, fmt.Errorf("token response is missing an id_token")
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(rawIDToken, claims, c.jwks.Keyfunc,
		jwt.WithIssuer(c.doc.Issuer),
		jwt.WithAudience(c.cfg.ClientID),
		jwt.WithExpirationRequired(),
	); err != nil {
		return nil, fmt.Errorf("verify id token: %w", err)
	}

	return &store.Credentials{
		TokenType:    token.TokenType,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      rawIDToken,
		Expiry:       token.Expiry,
		Claims:       claims,
	}, nil
}

func (c *Client) oauthConfig(callbackURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  callbackURL,
		Scopes:       c.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.doc.AuthorizationEndpoint,
			TokenURL: c.doc.TokenEndpoint,
		},
	}
}
