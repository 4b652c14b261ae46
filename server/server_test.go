package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	regsso "github.com/regsso/regsso"
	"github.com/regsso/regsso/store"
)

// fakeIdentityProvider answers without any network round trips.
type fakeIdentityProvider struct {
	mu              sync.Mutex
	credentials     *store.Credentials
	completeErr     error
	lastState       string
	lastCallbackURL string
}

func (f *fakeIdentityProvider) AuthorizationURL(callbackURL, state string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastState = state
	f.lastCallbackURL = callbackURL
	return "https://idp.example.com/authorize?state=" + url.QueryEscape(state), nil
}

func (f *fakeIdentityProvider) CompleteFlow(ctx context.Context, callbackURL, code string) (*store.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return f.credentials, nil
}

type serverFixture struct {
	srv *httptest.Server
	idp *fakeIdentityProvider
}

func newTestServer(t *testing.T, requestTimeout time.Duration) *serverFixture {
	t.Helper()

	idp := &fakeIdentityProvider{
		credentials: &store.Credentials{
			TokenType:   "Bearer",
			AccessToken: "at-test",
			Claims:      map[string]any{"preferred_username": "alice", "sub": "user-1"},
		},
	}

	cfg := regsso.DefaultConfig()
	cfg.Middleware.RequestTimeout = regsso.Duration(requestTimeout)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := regsso.New().
		WithConfig(cfg).
		WithAdapter(store.NewMemoryAdapter()).
		WithIdentityProvider(idp).
		WithLogger(logger).
		Build(context.Background())
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	srv := httptest.NewServer(New(engine, cfg, logger).Handler())
	t.Cleanup(srv.Close)
	return &serverFixture{srv: srv, idp: idp}
}

// noRedirectClient lets tests inspect the 302 to the identity provider.
func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (f *serverFixture) login(t *testing.T) loginResponse {
	t.Helper()

	req, err := http.NewRequest(http.MethodPut,
		f.srv.URL+"/-/user/org.couchdb.user:npm_oidc_auth_dummy_user", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("build login request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var body loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return body
}

func (f *serverFixture) whoami(t *testing.T, pollToken string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/-/whoami", nil)
	if err != nil {
		t.Fatalf("build whoami request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+pollToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("whoami request: %v", err)
	}
	return resp
}

// initTokenFromSSO pulls the token query parameter out of the SSO URL the
// login response hands to the npm client.
func initTokenFromSSO(t *testing.T, ssoURL string) string {
	t.Helper()

	u, err := url.Parse(ssoURL)
	if err != nil {
		t.Fatalf("parse sso URL %q: %v", ssoURL, err)
	}
	token := u.Query().Get("token")
	if token == "" {
		t.Fatalf("sso URL %q carries no token", ssoURL)
	}
	return token
}

func TestLogin(t *testing.T) {
	f := newTestServer(t, time.Second)
	body := f.login(t)

	if len(body.Token) != 128 {
		t.Errorf("poll token length = %d, want 128", len(body.Token))
	}
	if !strings.Contains(body.SSO, "/-/oidc/authorize?token=") {
		t.Errorf("sso URL = %q", body.SSO)
	}
	if token := initTokenFromSSO(t, body.SSO); len(token) != 64 {
		t.Errorf("init token length = %d, want 64", len(token))
	}
}

func TestLoginRejectsRegularUserDocument(t *testing.T) {
	f := newTestServer(t, time.Second)

	req, _ := http.NewRequest(http.MethodPut, f.srv.URL+"/-/user/org.couchdb.user:alice", strings.NewReader("{}"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWhoamiWithoutBearerToken(t *testing.T) {
	f := newTestServer(t, time.Second)

	resp, err := http.Get(f.srv.URL + "/-/whoami")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestWhoamiUnknownToken(t *testing.T) {
	f := newTestServer(t, time.Second)

	resp := f.whoami(t, strings.Repeat("ab", 64))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuthorizeRedirectsToIdentityProvider(t *testing.T) {
	f := newTestServer(t, time.Second)
	body := f.login(t)
	initToken := initTokenFromSSO(t, body.SSO)

	resp, err := noRedirectClient().Get(body.SSO)
	if err != nil {
		t.Fatalf("authorize request: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if !strings.HasPrefix(loc, "https://idp.example.com/authorize") {
		t.Errorf("Location = %q", loc)
	}
	if !strings.Contains(loc, "state="+url.QueryEscape(initToken)) {
		t.Errorf("Location %q does not carry the init token as state", loc)
	}

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == initTokenCookie {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("authorize response set no init token cookie")
	}
	if cookie.Value != initToken || !cookie.HttpOnly {
		t.Errorf("cookie = %+v", cookie)
	}

	f.idp.mu.Lock()
	defer f.idp.mu.Unlock()
	if f.idp.lastCallbackURL != f.srv.URL+"/-/oidc/callback" {
		t.Errorf("callback URL = %q", f.idp.lastCallbackURL)
	}
}

func TestAuthorizeUnknownToken(t *testing.T) {
	f := newTestServer(t, time.Second)

	resp, err := noRedirectClient().Get(f.srv.URL + "/-/oidc/authorize?token=" + strings.Repeat("cd", 32))
	if err != nil {
		t.Fatalf("authorize request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestFullLoginFlow(t *testing.T) {
	f := newTestServer(t, 5*time.Second)
	body := f.login(t)
	initToken := initTokenFromSSO(t, body.SSO)

	// The callback recovers the record from the state parameter when no
	// cookie is present, same as a browser that dropped it.
	resp, err := http.Get(f.srv.URL + "/-/oidc/callback?code=auth-code&state=" + url.QueryEscape(initToken))
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback status = %d, want 200", resp.StatusCode)
	}

	whoami := f.whoami(t, body.Token)
	defer whoami.Body.Close()
	if whoami.StatusCode != http.StatusOK {
		t.Fatalf("whoami status = %d, want 200", whoami.StatusCode)
	}
	var who whoamiResponse
	if err := json.NewDecoder(whoami.Body).Decode(&who); err != nil {
		t.Fatalf("decode whoami response: %v", err)
	}
	if who.Username != "alice" {
		t.Errorf("username = %q, want alice", who.Username)
	}
}

func TestWhoamiLongPollResolvesOnCallback(t *testing.T) {
	f := newTestServer(t, 5*time.Second)
	body := f.login(t)
	initToken := initTokenFromSSO(t, body.SSO)

	type result struct {
		status   int
		username string
	}
	done := make(chan result, 1)
	go func() {
		resp := f.whoami(t, body.Token)
		defer resp.Body.Close()
		var who whoamiResponse
		json.NewDecoder(resp.Body).Decode(&who)
		done <- result{status: resp.StatusCode, username: who.Username}
	}()

	// Give the poll request time to attach before finishing the flow.
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get(f.srv.URL + "/-/oidc/callback?code=auth-code&state=" + url.QueryEscape(initToken))
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	resp.Body.Close()

	select {
	case r := <-done:
		if r.status != http.StatusOK {
			t.Fatalf("whoami status = %d, want 200", r.status)
		}
		if r.username != "alice" {
			t.Errorf("username = %q, want alice", r.username)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("whoami poll did not resolve after the callback")
	}
}

func TestWhoamiLongPollTimesOutWith401(t *testing.T) {
	f := newTestServer(t, 50*time.Millisecond)
	body := f.login(t)

	started := time.Now()
	resp := f.whoami(t, body.Token)
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 so the client retries", resp.StatusCode)
	}
	if elapsed := time.Since(started); elapsed < 40*time.Millisecond {
		t.Errorf("whoami returned after %v, expected it to be held open", elapsed)
	}

	// The record is still pending, a later callback must still work.
	initToken := initTokenFromSSO(t, body.SSO)
	callbackResp, err := http.Get(f.srv.URL + "/-/oidc/callback?code=auth-code&state=" + url.QueryEscape(initToken))
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	callbackResp.Body.Close()
	if callbackResp.StatusCode != http.StatusOK {
		t.Fatalf("callback status = %d, want 200", callbackResp.StatusCode)
	}

	retry := f.whoami(t, body.Token)
	retry.Body.Close()
	if retry.StatusCode != http.StatusOK {
		t.Errorf("retried whoami status = %d, want 200", retry.StatusCode)
	}
}

func TestCallbackProviderErrorFailsAuthentication(t *testing.T) {
	f := newTestServer(t, time.Second)
	body := f.login(t)
	initToken := initTokenFromSSO(t, body.SSO)

	resp, err := http.Get(f.srv.URL + "/-/oidc/callback?error=access_denied&state=" + url.QueryEscape(initToken))
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("callback status = %d, want 403", resp.StatusCode)
	}

	// A failed record is no longer pending, the poll loop is told to
	// start over rather than keep retrying.
	whoami := f.whoami(t, body.Token)
	whoami.Body.Close()
	if whoami.StatusCode != http.StatusUnauthorized {
		t.Errorf("whoami status = %d, want 401 for a failed flow", whoami.StatusCode)
	}
}

func TestCallbackExchangeFailureFailsAuthentication(t *testing.T) {
	f := newTestServer(t, time.Second)
	f.idp.mu.Lock()
	f.idp.completeErr = errors.New("token endpoint rejected the code")
	f.idp.mu.Unlock()
	body := f.login(t)
	initToken := initTokenFromSSO(t, body.SSO)

	resp, err := http.Get(f.srv.URL + "/-/oidc/callback?code=bad&state=" + url.QueryEscape(initToken))
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("callback status = %d, want 403", resp.StatusCode)
	}

	whoami := f.whoami(t, body.Token)
	whoami.Body.Close()
	if whoami.StatusCode != http.StatusUnauthorized {
		t.Errorf("whoami status = %d, want 401 for a failed flow", whoami.StatusCode)
	}
}

func TestCallbackWithoutToken(t *testing.T) {
	f := newTestServer(t, time.Second)

	resp, err := http.Get(f.srv.URL + "/-/oidc/callback?code=auth-code")
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestBaseURLPrefersPublicURL(t *testing.T) {
	idp := &fakeIdentityProvider{credentials: &store.Credentials{}}
	cfg := regsso.DefaultConfig()
	cfg.Server.PublicURL = "https://registry.example.com/"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := regsso.New().
		WithConfig(cfg).
		WithAdapter(store.NewMemoryAdapter()).
		WithIdentityProvider(idp).
		WithLogger(logger).
		Build(context.Background())
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	srv := httptest.NewServer(New(engine, cfg, logger).Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPut,
		srv.URL+"/-/user/org.couchdb.user:npm_oidc_auth_dummy_user", strings.NewReader("{}"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()

	var body loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if !strings.HasPrefix(body.SSO, "https://registry.example.com/-/oidc/authorize") {
		t.Errorf("sso URL = %q, want the configured public URL as origin", body.SSO)
	}
}
