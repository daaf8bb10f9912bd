package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	csrfHeader   = "X-CSRF-Token"
	maxJSONBody  = 1 << 20
	csrfLifetime = time.Hour
)

var errCSRF = errors.New("missing or invalid CSRF token")

// csrfTokens issues stateless tokens bound to an hourly period. A token stays
// valid for the period it was issued in and the one after.
type csrfTokens struct {
	secret []byte
	now    func() time.Time
}

func newCSRFTokens() *csrfTokens {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic("httpapi: no entropy for csrf secret: " + err.Error())
	}
	return &csrfTokens{secret: secret, now: time.Now}
}

func (c *csrfTokens) period(at time.Time) int64 {
	return at.UTC().Truncate(csrfLifetime).Unix()
}

func (c *csrfTokens) sign(period int64) string {
	mac := hmac.New(sha256.New, c.secret)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(period))
	mac.Write(buf[:])
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (c *csrfTokens) Issue() string {
	return c.sign(c.period(c.now()))
}

func (c *csrfTokens) Valid(token string) bool {
	if token == "" {
		return false
	}
	current := c.period(c.now())
	previous := current - int64(csrfLifetime/time.Second)
	return hmac.Equal([]byte(token), []byte(c.sign(current))) ||
		hmac.Equal([]byte(token), []byte(c.sign(previous)))
}

// rateLimiter allows at most limit events per key within window.
type rateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	events map[string][]time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:  max(limit, 1),
		window: window,
		now:    time.Now,
		events: make(map[string][]time.Time),
	}
}

func (l *rateLimiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.recent(key, now)
	if len(recent) >= l.limit {
		l.events[key] = recent
		return false
	}
	l.events[key] = append(recent, now)
	if len(l.events) > 4096 {
		l.prune(now)
	}
	return true
}

func (l *rateLimiter) recent(key string, now time.Time) []time.Time {
	history := l.events[key]
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(history) && !history[i].After(cutoff) {
		i++
	}
	return history[i:]
}

func (l *rateLimiter) prune(now time.Time) {
	for key := range l.events {
		if len(l.recent(key, now)) == 0 {
			delete(l.events, key)
		}
	}
}

// remoteIP keys rate limits by client address without its port.
func remoteIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	if addr == "" {
		return "unknown"
	}
	return addr
}

type middleware func(http.Handler) http.Handler

func chain(h http.Handler, layers ...middleware) http.Handler {
	for i := len(layers) - 1; i >= 0; i-- {
		h = layers[i](h)
	}
	return h
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		startedAt := time.Now()
		next.ServeHTTP(rec, r)
		a.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(startedAt)),
		)
	})
}

func (a *API) secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		h.Set("Access-Control-Allow-Origin", a.allowedOrigin)
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+csrfHeader+", Idempotency-Key")
		h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		h.Set("Vary", "Origin")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if mutating(r.Method) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
		}
		next.ServeHTTP(w, r)
	})
}

// requireCSRF checks the token on every mutating request except login,
// which runs before a client can hold one.
func (a *API) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if mutating(r.Method) && r.URL.Path != loginPath && !a.csrf.Valid(strings.TrimSpace(r.Header.Get(csrfHeader))) {
			a.writeError(w, http.StatusForbidden, errCSRF)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
