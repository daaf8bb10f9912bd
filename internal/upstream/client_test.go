package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/terminal"
)

var _ terminal.Backend = (*Client)(nil)

func signedToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	claims := struct {
		jwtlib.RegisteredClaims
		Role string `json:"role"`
	}{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "kasir",
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: domain.RoleCashier,
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte("remote-secret"))
	require.NoError(t, err)
	return token
}

func newRemote(t *testing.T, token string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req domain.LoginRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "cashier123" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid credentials"})
			return
		}
		_ = json.NewEncoder(w).Encode(domain.LoginResponse{AccessToken: token, Role: domain.RoleCashier})
	})
	mux.HandleFunc("/api/v1/auth/csrf-token", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"csrf_token": "csrf-1"})
	})
	mux.HandleFunc("/api/v1/stock", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(domain.StockLevel{
			ShopID:         r.URL.Query().Get("shop_id"),
			SKU:            r.URL.Query().Get("sku"),
			AvailableStock: 7,
		})
	})
	mux.HandleFunc("/api/v1/invoices", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-CSRF-Token") != "csrf-1" {
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "missing or invalid CSRF token"})
			return
		}
		var sub domain.InvoiceSubmission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(domain.Invoice{
			ID:             "inv_remote",
			Number:         "INV-1",
			IdempotencyKey: sub.IdempotencyKey,
			TotalCents:     sub.TotalCents,
		})
	})
	mux.HandleFunc("/api/v1/invoices/inv_missing/credit-note", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
	})
	mux.HandleFunc("/api/v1/credit-notes", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invoice already has a credit note"})
	})
	mux.HandleFunc("/api/v1/invoices/inv_remote/pdf", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.3 fake"))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestLoginReadsTokenClaims(t *testing.T) {
	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signedToken(t, expiresAt)
	server := newRemote(t, token)
	client := New(server.URL, time.Second)

	session, err := client.Login(context.Background(), "kasir", "cashier123")
	require.NoError(t, err)
	assert.Equal(t, "kasir", session.Username)
	assert.Equal(t, domain.RoleCashier, session.Role)
	assert.True(t, session.ExpiresAt.Equal(expiresAt))

	_, err = client.Login(context.Background(), "kasir", "wrong")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "invalid credentials", apiErr.Message)
}

func TestAuthenticatedCallsRequireSession(t *testing.T) {
	token := signedToken(t, time.Now().Add(time.Hour))
	server := newRemote(t, token)
	client := New(server.URL, time.Second)

	_, err := client.AvailableStock(context.Background(), "shop-central", "PCM-500")
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	require.NoError(t, client.UseToken(token))
	stock, err := client.AvailableStock(context.Background(), "shop-central", "PCM-500")
	require.NoError(t, err)
	assert.Equal(t, 7, stock)
}

func TestCredentialsRenewSession(t *testing.T) {
	token := signedToken(t, time.Now().Add(time.Hour))
	server := newRemote(t, token)
	client := New(server.URL, time.Second).WithCredentials("kasir", "cashier123")

	stock, err := client.AvailableStock(context.Background(), "shop-central", "PCM-500")
	require.NoError(t, err)
	assert.Equal(t, 7, stock)
	assert.Equal(t, "kasir", client.Session().Username)
}

func TestExpiredTokenIsNotSent(t *testing.T) {
	token := signedToken(t, time.Now().Add(-time.Minute))
	client := New("http://127.0.0.1:0", time.Second)
	client.session = Session{Token: token, ExpiresAt: time.Now().Add(-time.Minute)}

	_, err := client.Invoice(context.Background(), "inv_1")
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestSubmitInvoiceAndErrorMapping(t *testing.T) {
	token := signedToken(t, time.Now().Add(time.Hour))
	server := newRemote(t, token)
	client := New(server.URL, time.Second)
	require.NoError(t, client.UseToken(token))
	ctx := context.Background()

	inv, err := client.SubmitInvoice(ctx, domain.InvoiceSubmission{IdempotencyKey: "idem_1", TotalCents: 450})
	require.NoError(t, err)
	assert.Equal(t, "inv_remote", inv.ID)
	assert.Equal(t, "idem_1", inv.IdempotencyKey)
	assert.Equal(t, int64(450), inv.TotalCents)

	_, err = client.CreditNoteForInvoice(ctx, "inv_missing")
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)

	_, err = client.SubmitCreditNote(ctx, domain.CreditNoteRequest{InvoiceID: "inv_remote"})
	assert.True(t, errors.Is(err, store.ErrAlreadyCredited), "got %v", err)

	pdf, err := client.InvoicePDF(ctx, "inv_remote")
	require.NoError(t, err)
	assert.Equal(t, "%PDF-", string(pdf[:5]))
}

func TestAPIErrorUnwrap(t *testing.T) {
	cases := []struct {
		err  *APIError
		want error
	}{
		{&APIError{Status: http.StatusNotFound, Message: "not found"}, store.ErrNotFound},
		{&APIError{Status: http.StatusConflict, Message: "insufficient stock"}, store.ErrInsufficientStock},
		{&APIError{Status: http.StatusConflict, Message: "invoice already has a credit note"}, store.ErrAlreadyCredited},
		{&APIError{Status: http.StatusUnprocessableEntity, Message: "cart is empty"}, store.ErrInvalidTransaction},
	}
	for _, tc := range cases {
		assert.ErrorIs(t, tc.err, tc.want, tc.err.Error())
	}
	assert.Nil(t, (&APIError{Status: http.StatusBadGateway}).Unwrap())
	assert.Nil(t, (&APIError{Status: http.StatusConflict, Message: "submission already in progress"}).Unwrap())
}
