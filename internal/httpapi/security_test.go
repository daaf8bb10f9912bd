package httpapi

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pharmapos/backend/internal/domain"
)

func TestSecureHeadersAndPreflight(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := call(t, handler, http.MethodGet, "/healthz", "", "", nil)
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Fatalf("%s = %q, want %q", header, got, want)
		}
	}

	rec = call(t, handler, http.MethodOptions, "/api/v1/invoices", "", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), csrfHeader) {
		t.Fatalf("expected CSRF header to be allowed, got %q", rec.Header().Get("Access-Control-Allow-Headers"))
	}
}

func TestLoginIsThrottledPerClient(t *testing.T) {
	handler := newTestAPI(t).Handler()
	attempt := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, loginPath,
			strings.NewReader(`{"username":"admin","password":"wrong-pass"}`))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 1; i <= 5; i++ {
		if code := attempt("10.1.1.7:5000"); code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, code)
		}
	}
	if code := attempt("10.1.1.7:6000"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 from the same address on another port, got %d", code)
	}
	if code := attempt("10.1.1.8:5000"); code != http.StatusUnauthorized {
		t.Fatalf("expected another client to be unaffected, got %d", code)
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	limiter := newRateLimiter(2, time.Minute)
	limiter.now = func() time.Time { return now }

	if !limiter.Allow("k") || !limiter.Allow("k") {
		t.Fatalf("expected the first two events to pass")
	}
	if limiter.Allow("k") {
		t.Fatalf("expected the third event inside the window to be refused")
	}
	now = now.Add(61 * time.Second)
	if !limiter.Allow("k") {
		t.Fatalf("expected events to pass once the window moved on")
	}
}

func TestRemoteIP(t *testing.T) {
	cases := map[string]string{
		"192.168.1.4:5123": "192.168.1.4",
		"[::1]:8080":       "::1",
		"10.0.0.9":         "10.0.0.9",
		"":                 "unknown",
	}
	for remote, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		if got := remoteIP(req); got != want {
			t.Fatalf("remoteIP(%q) = %q, want %q", remote, got, want)
		}
	}
}

func TestOversizedJSONBodyIsRejected(t *testing.T) {
	handler := newTestAPI(t).Handler()
	body := fmt.Sprintf(`{"username":"%s","password":"x"}`, strings.Repeat("a", maxJSONBody+1024))

	req := httptest.NewRequest(http.MethodPost, loginPath, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an oversized body, got %d", rec.Code)
	}
}

func TestMutatingRequestsRequireCSRF(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "cashier", "cashier123")

	body := map[string]string{"shop_id": "shop-central"}
	rec := call(t, handler, http.MethodPost, "/api/v1/terminal/sessions", token, "", body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without csrf token, got %d", rec.Code)
	}
	rec = call(t, handler, http.MethodPost, "/api/v1/terminal/sessions", token, "forged", body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with forged csrf token, got %d", rec.Code)
	}
	rec = call(t, handler, http.MethodPost, "/api/v1/terminal/sessions", token, fetchCSRFToken(t, api), body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 with csrf token, got %d", rec.Code)
	}
	view := decodeBody[map[string]any](t, rec)
	rec = call(t, handler, http.MethodDelete, "/api/v1/terminal/sessions/"+view["session_id"].(string), token, "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected DELETE without csrf to be refused, got %d", rec.Code)
	}
}

func TestCSRFTokenLifetime(t *testing.T) {
	tokens := newCSRFTokens()
	issuedAt := time.Date(2026, 3, 2, 9, 59, 0, 0, time.UTC)
	tokens.now = func() time.Time { return issuedAt }
	token := tokens.Issue()

	tokens.now = func() time.Time { return issuedAt.Add(30 * time.Minute) }
	if !tokens.Valid(token) {
		t.Fatalf("expected a token from the previous hour to be valid")
	}
	tokens.now = func() time.Time { return issuedAt.Add(90 * time.Minute) }
	if tokens.Valid(token) {
		t.Fatalf("expected a token two periods old to be rejected")
	}
	if newCSRFTokens().Valid(token) {
		t.Fatalf("expected a token signed with another secret to be rejected")
	}
}

func TestAdminRoutesRejectCashier(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	for _, path := range []string{"/api/v1/audit-logs", "/api/v1/users/cashiers", "/api/v1/reports/overview"} {
		rec := call(t, api.Handler(), http.MethodGet, path, token, "", nil)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s: expected 403, got %d", path, rec.Code)
		}
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	api := newTestAPI(t)
	rec := httptest.NewRecorder()
	api.writeServiceError(rec, fmt.Errorf("pq: relation %q does not exist", "invoices"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "relation") {
		t.Fatalf("expected generic message, got %s", rec.Body.String())
	}
}

func TestParsePositiveLimitCaps(t *testing.T) {
	cases := []struct {
		raw  string
		want int
	}{
		{"9999", 200},
		{"", 50},
		{"invalid", 50},
		{"-3", 50},
		{"20", 20},
	}
	for _, tc := range cases {
		if got := parsePositiveLimit(tc.raw, 50, 200); got != tc.want {
			t.Fatalf("parsePositiveLimit(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}
}

func fetchCSRFToken(t *testing.T, api *API) string {
	t.Helper()
	rec := call(t, api.Handler(), http.MethodGet, "/api/v1/auth/csrf-token", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("csrf-token endpoint returned status %d", rec.Code)
	}
	token := decodeBody[map[string]string](t, rec)["csrf_token"]
	if token == "" {
		t.Fatalf("expected non-empty csrf_token in response")
	}
	return token
}

func loginAsAdmin(t *testing.T, api *API) string {
	t.Helper()
	return loginAs(t, api, "admin", "admin123")
}

func loginAs(t *testing.T, api *API, username string, password string) string {
	t.Helper()
	rec := call(t, api.Handler(), http.MethodPost, loginPath, "", "",
		domain.LoginRequest{Username: username, Password: password})
	if rec.Code != http.StatusOK {
		t.Fatalf("%s login failed, status %d", username, rec.Code)
	}
	resp := decodeBody[domain.LoginResponse](t, rec)
	if resp.AccessToken == "" {
		t.Fatalf("expected access token in login response")
	}
	return resp.AccessToken
}
