package sugar

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testUser     = "admin"
	testPassword = "s3cret"
)

// recordedRequest is what the fake CRM saw for one call.
type recordedRequest struct {
	Method      string
	Path        string
	RawQuery    string
	OAuthToken  string
	ContentType string
	Cookie      string
	Body        []byte
}

// fakeCRM emulates the token endpoint and token-checked REST routes.
type fakeCRM struct {
	t   *testing.T
	srv *httptest.Server

	mu           sync.Mutex
	requests     []recordedRequest
	validAccess  string
	validRefresh string
	issued       int
	refreshSeen  map[string]int
	routes       map[string]http.HandlerFunc
	tokenHook    func(grant map[string]string) (int, any, bool)
}

func newFakeCRM(t *testing.T) *fakeCRM {
	t.Helper()
	f := &fakeCRM{
		t:           t,
		refreshSeen: make(map[string]int),
		routes:      make(map[string]http.HandlerFunc),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

// route registers a handler for "METHOD /rest/v10/..." (path only, no query).
func (f *fakeCRM) route(method, path string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[method+" "+path] = h
}

// expireAccessToken makes the currently issued access token invalid.
func (f *fakeCRM) expireAccessToken() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validAccess = ""
}

// revokeRefreshToken makes the currently issued refresh token invalid.
func (f *fakeCRM) revokeRefreshToken() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validRefresh = ""
}

func (f *fakeCRM) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func (f *fakeCRM) count(method, path string) int {
	n := 0
	for _, r := range f.recorded() {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

func (f *fakeCRM) refreshUses(rt string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshSeen[rt]
}

func (f *fakeCRM) currentAccess() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validAccess
}

func (f *fakeCRM) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	cookie := ""
	if c, err := r.Cookie("backend"); err == nil {
		cookie = c.Value
	}

	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method:      r.Method,
		Path:        r.URL.Path,
		RawQuery:    r.URL.RawQuery,
		OAuthToken:  r.Header.Get(HeaderOAuthToken),
		ContentType: r.Header.Get("Content-Type"),
		Cookie:      cookie,
		Body:        body,
	})
	f.mu.Unlock()

	if r.URL.Path == TokenPath && r.Method == http.MethodPost {
		f.serveToken(w, body)
		return
	}

	f.mu.Lock()
	authorized := f.validAccess != "" && r.Header.Get(HeaderOAuthToken) == f.validAccess
	h := f.routes[r.Method+" "+r.URL.Path]
	f.mu.Unlock()

	if !authorized {
		writeJSON(w, http.StatusUnauthorized, ErrorEnvelope{Code: codeInvalidGrant, Message: msgAccessTokenInvalid})
		return
	}
	if h == nil {
		writeJSON(w, http.StatusNotFound, ErrorEnvelope{Code: "not_found", Message: "Could not find record"})
		return
	}
	h(w, r)
}

func (f *fakeCRM) serveToken(w http.ResponseWriter, body []byte) {
	var grant map[string]string
	if err := json.Unmarshal(body, &grant); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorEnvelope{Code: "bad_request", Message: "malformed body"})
		return
	}

	if f.tokenHook != nil {
		if status, resp, handled := f.tokenHook(grant); handled {
			writeJSON(w, status, resp)
			return
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch grant["grant_type"] {
	case "password":
		if grant["username"] != testUser || grant["password"] != testPassword {
			writeJSON(w, http.StatusUnauthorized, ErrorEnvelope{Code: "need_login", Message: "You must specify a valid username and password."})
			return
		}
	case "refresh_token":
		f.refreshSeen[grant["refresh_token"]]++
		if f.validRefresh == "" || grant["refresh_token"] != f.validRefresh {
			writeJSON(w, http.StatusBadRequest, ErrorEnvelope{Code: codeInvalidGrant, Message: msgRefreshTokenInvalid})
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, ErrorEnvelope{Code: "unsupported_grant_type", Message: "grant type not supported"})
		return
	}

	f.issued++
	f.validAccess = fmt.Sprintf("access-%d", f.issued)
	f.validRefresh = fmt.Sprintf("refresh-%d", f.issued)
	http.SetCookie(w, &http.Cookie{Name: "backend", Value: "node-7", Path: "/"})
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  f.validAccess,
		"refresh_token": f.validRefresh,
		"expires_in":    3600,
		"token_type":    "bearer",
		"scope":         nil,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic("test helper writeJSON: " + err.Error())
	}
}

// newTestClient returns a Client pointed at the fake CRM.
func newTestClient(t *testing.T, f *fakeCRM) *Client {
	t.Helper()
	c, err := NewClient(zap.NewNop(), Config{BaseURL: f.srv.URL}, nil)
	require.NoError(t, err)
	return c
}

// newLoggedInClient returns a Client that has completed a password grant.
func newLoggedInClient(t *testing.T, f *fakeCRM) *Client {
	t.Helper()
	c := newTestClient(t, f)
	require.NoError(t, c.Login(t.Context(), Credentials{Username: testUser, Password: testPassword}))
	return c
}
