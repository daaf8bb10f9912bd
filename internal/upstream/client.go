// Package upstream is a REST client for a remote pharmapos backend. A
// gateway terminal uses it as its system of record.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
)

var ErrNotLoggedIn = errors.New("upstream session is not logged in")

// APIError is a non-2xx answer from the remote backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream %d: %s", e.Status, e.Message)
}

// Unwrap maps statuses onto the store sentinels so callers can keep using
// errors.Is against a remote backend.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return store.ErrNotFound
	case http.StatusConflict:
		switch {
		case strings.Contains(e.Message, "stock"):
			return store.ErrInsufficientStock
		case strings.Contains(e.Message, "in progress"):
			return nil
		}
		return store.ErrAlreadyCredited
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return store.ErrInvalidTransaction
	}
	return nil
}

type Session struct {
	Token     string
	Username  string
	Role      string
	ExpiresAt time.Time
}

func (s Session) Expired(now time.Time) bool {
	return s.Token == "" || (!s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt))
}

type Client struct {
	baseURL    string
	httpClient *http.Client

	username string
	password string

	mu        sync.RWMutex
	session   Session
	csrf      string
	csrfFetch time.Time
}

// csrfRefresh stays well inside the server's token window.
const csrfRefresh = 30 * time.Minute

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// WithCredentials lets the client log in again on its own once the current
// session expires.
func (c *Client) WithCredentials(username string, password string) *Client {
	c.username = username
	c.password = password
	return c
}

func (c *Client) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// UseToken installs a token obtained elsewhere, for example one cached by
// the operator CLI between runs.
func (c *Client) UseToken(token string) error {
	session, err := sessionFromToken(token)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	return nil
}

func (c *Client) Login(ctx context.Context, username string, password string) (Session, error) {
	var resp domain.LoginResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", nil, domain.LoginRequest{
		Username: username,
		Password: password,
	}, &resp, false)
	if err != nil {
		return Session{}, err
	}
	session, err := sessionFromToken(resp.AccessToken)
	if err != nil {
		return Session{}, err
	}
	if session.Role == "" {
		session.Role = resp.Role
	}
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	return session, nil
}

func (c *Client) ListProducts(ctx context.Context, shopID string) ([]domain.ProductStock, error) {
	query := url.Values{}
	if shopID != "" {
		query.Set("shop_id", shopID)
	}
	var resp struct {
		Products []domain.ProductStock `json:"products"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/products", query, nil, &resp, true)
	return resp.Products, err
}

func (c *Client) Product(ctx context.Context, sku string) (domain.Product, error) {
	var product domain.Product
	err := c.do(ctx, http.MethodGet, "/api/v1/products/"+url.PathEscape(sku), nil, nil, &product, true)
	return product, err
}

func (c *Client) AvailableStock(ctx context.Context, shopID string, sku string) (int, error) {
	query := url.Values{}
	query.Set("shop_id", shopID)
	query.Set("sku", sku)
	var level domain.StockLevel
	if err := c.do(ctx, http.MethodGet, "/api/v1/stock", query, nil, &level, true); err != nil {
		return 0, err
	}
	return level.AvailableStock, nil
}

func (c *Client) SubmitInvoice(ctx context.Context, sub domain.InvoiceSubmission) (domain.Invoice, error) {
	var inv domain.Invoice
	err := c.do(ctx, http.MethodPost, "/api/v1/invoices", nil, sub, &inv, true)
	return inv, err
}

func (c *Client) Invoice(ctx context.Context, id string) (domain.Invoice, error) {
	var inv domain.Invoice
	err := c.do(ctx, http.MethodGet, "/api/v1/invoices/"+url.PathEscape(id), nil, nil, &inv, true)
	return inv, err
}

func (c *Client) ListInvoices(ctx context.Context, shopID string, date string, limit int) (domain.InvoiceListResponse, error) {
	query := url.Values{}
	if shopID != "" {
		query.Set("shop_id", shopID)
	}
	if date != "" {
		query.Set("date", date)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp domain.InvoiceListResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/invoices", query, nil, &resp, true)
	return resp, err
}

func (c *Client) CreditNoteForInvoice(ctx context.Context, invoiceID string) (domain.CreditNote, error) {
	var cn domain.CreditNote
	err := c.do(ctx, http.MethodGet, "/api/v1/invoices/"+url.PathEscape(invoiceID)+"/credit-note", nil, nil, &cn, true)
	return cn, err
}

func (c *Client) SubmitCreditNote(ctx context.Context, req domain.CreditNoteRequest) (domain.CreditNote, error) {
	var cn domain.CreditNote
	err := c.do(ctx, http.MethodPost, "/api/v1/credit-notes", nil, req, &cn, true)
	return cn, err
}

func (c *Client) SalesSummary(ctx context.Context, shopID string, date string) (domain.SalesSummary, error) {
	query := url.Values{}
	if shopID != "" {
		query.Set("shop_id", shopID)
	}
	if date != "" {
		query.Set("date", date)
	}
	var summary domain.SalesSummary
	err := c.do(ctx, http.MethodGet, "/api/v1/reports/sales", query, nil, &summary, true)
	return summary, err
}

// InvoicePDF returns the rendered invoice document.
func (c *Client) InvoicePDF(ctx context.Context, id string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/invoices/"+url.PathEscape(id)+"/pdf", nil, nil, true)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, decodeAPIError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method string, path string, query url.Values, body any, out any, authed bool) error {
	req, err := c.newRequest(ctx, method, path, query, body, authed)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode upstream response: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method string, path string, query url.Values, body any, authed bool) (*http.Request, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode upstream request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		session := c.Session()
		if session.Expired(time.Now()) && c.username != "" {
			if _, err := c.Login(ctx, c.username, c.password); err != nil {
				return nil, fmt.Errorf("renew upstream session: %w", err)
			}
			session = c.Session()
		}
		if session.Expired(time.Now()) {
			return nil, ErrNotLoggedIn
		}
		req.Header.Set("Authorization", "Bearer "+session.Token)
	}
	if method != http.MethodGet && authed {
		token, err := c.csrfToken(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-CSRF-Token", token)
	}
	return req, nil
}

func (c *Client) csrfToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	token, fetched := c.csrf, c.csrfFetch
	c.mu.RUnlock()
	if token != "" && time.Since(fetched) < csrfRefresh {
		return token, nil
	}

	var resp struct {
		Token string `json:"csrf_token"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/auth/csrf-token", nil, nil, &resp, false); err != nil {
		return "", fmt.Errorf("fetch csrf token: %w", err)
	}
	c.mu.Lock()
	c.csrf, c.csrfFetch = resp.Token, time.Now()
	c.mu.Unlock()
	return resp.Token, nil
}

func decodeAPIError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(raw))
	}
	if payload.Error == "" {
		payload.Error = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: payload.Error}
}

// sessionFromToken reads subject, role and expiry without verifying the
// signature. The remote backend verifies every request it receives.
func sessionFromToken(token string) (Session, error) {
	claims := struct {
		jwtlib.RegisteredClaims
		Role string `json:"role"`
	}{}
	if _, _, err := jwtlib.NewParser().ParseUnverified(token, &claims); err != nil {
		return Session{}, fmt.Errorf("parse upstream token: %w", err)
	}
	session := Session{Token: token, Username: claims.Subject, Role: claims.Role}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}
