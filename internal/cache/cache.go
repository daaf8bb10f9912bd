package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"pharmapos/backend/internal/domain"
)

// CatalogCache holds the product catalog. Stock levels are never cached.
type CatalogCache interface {
	GetCatalog(ctx context.Context, key string) ([]domain.Product, bool, error)
	SetCatalog(ctx context.Context, key string, products []domain.Product, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

// SubmissionGuard is a short-lived lock that keeps two submissions for the
// same key from running at once. Acquire returns a token naming this holder;
// Release with a stale token leaves a newer holder's lock in place.
type SubmissionGuard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key string, token string) error
}

type NoopCatalogCache struct{}

func (NoopCatalogCache) GetCatalog(_ context.Context, _ string) ([]domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopCatalogCache) SetCatalog(_ context.Context, _ string, _ []domain.Product, _ time.Duration) error {
	return nil
}

func (NoopCatalogCache) Invalidate(_ context.Context, _ ...string) error {
	return nil
}

// MemoryGuard is the in-process SubmissionGuard used when Redis is not configured.
type MemoryGuard struct {
	mu    sync.Mutex
	held  map[string]hold
	clock func() time.Time
}

type hold struct {
	token     string
	expiresAt time.Time
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{held: map[string]hold{}, clock: time.Now}
}

func (g *MemoryGuard) Acquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	if h, ok := g.held[key]; ok && now.Before(h.expiresAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	g.held[key] = hold{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (g *MemoryGuard) Release(_ context.Context, key string, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if h, ok := g.held[key]; ok && h.token == token {
		delete(g.held, key)
	}
	return nil
}
