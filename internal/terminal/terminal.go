// Package terminal runs sales sessions: one cart per session, stock checked
// on every edit, and a guarded hand-off of the finished sale to the backend.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"pharmapos/backend/internal/cache"
	"pharmapos/backend/internal/cart"
	"pharmapos/backend/internal/creditnote"
	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/xid"
)

var (
	ErrSessionNotFound      = errors.New("sales session not found")
	ErrSubmissionInProgress = errors.New("submission already in progress")
	ErrSubmissionFailed     = errors.New("submission failed")
	ErrProductUnavailable   = errors.New("product is not for sale")
)

// Backend is what a terminal needs from the system of record. The local
// service and the upstream REST client both satisfy it.
type Backend interface {
	Product(ctx context.Context, sku string) (domain.Product, error)
	AvailableStock(ctx context.Context, shopID string, sku string) (int, error)
	SubmitInvoice(ctx context.Context, sub domain.InvoiceSubmission) (domain.Invoice, error)
	Invoice(ctx context.Context, id string) (domain.Invoice, error)
	CreditNoteForInvoice(ctx context.Context, invoiceID string) (domain.CreditNote, error)
	SubmitCreditNote(ctx context.Context, req domain.CreditNoteRequest) (domain.CreditNote, error)
}

type Options struct {
	TaxPolicy     cart.TaxPolicy
	IdleTimeout   time.Duration
	SubmissionTTL time.Duration
	Clock         func() time.Time
}

type session struct {
	mu             sync.Mutex
	id             string
	shopID         string
	terminalID     string
	cashier        string
	idempotencyKey string
	cart           *cart.Cart
	startedAt      time.Time
	lastActive     time.Time
	submitting     bool
	closed         bool
}

type LineView struct {
	SKU            string `json:"sku"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	BasePriceCents int64  `json:"base_price_cents"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	LineTotalCents int64  `json:"line_total_cents"`
	ManuallyPriced bool   `json:"manually_priced"`
}

// View is a point-in-time copy of a session safe to hand to callers.
type View struct {
	SessionID  string      `json:"session_id"`
	ShopID     string      `json:"shop_id"`
	TerminalID string      `json:"terminal_id"`
	Cashier    string      `json:"cashier"`
	Lines      []LineView  `json:"lines"`
	Totals     cart.Totals `json:"totals"`
	Submitting bool        `json:"submitting"`
	StartedAt  time.Time   `json:"started_at"`
}

type Manager struct {
	backend       Backend
	guard         cache.SubmissionGuard
	logger        *zap.Logger
	tax           cart.TaxPolicy
	idleTimeout   time.Duration
	submissionTTL time.Duration
	now           func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
}

func NewManager(backend Backend, guard cache.SubmissionGuard, logger *zap.Logger, opts Options) *Manager {
	if guard == nil {
		guard = cache.NewMemoryGuard()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TaxPolicy.Label == "" {
		opts.TaxPolicy = cart.VATExempt
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	if opts.SubmissionTTL <= 0 {
		opts.SubmissionTTL = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{
		backend:       backend,
		guard:         guard,
		logger:        logger.Named("terminal"),
		tax:           opts.TaxPolicy,
		idleTimeout:   opts.IdleTimeout,
		submissionTTL: opts.SubmissionTTL,
		now:           opts.Clock,
		sessions:      make(map[string]*session),
	}
}

// Start opens an empty sales session for a cashier at a shop.
func (m *Manager) Start(shopID string, terminalID string, cashier string) View {
	now := m.now()
	s := &session{
		id:             xid.New("sess"),
		shopID:         strings.TrimSpace(shopID),
		terminalID:     strings.TrimSpace(terminalID),
		cashier:        cashier,
		idempotencyKey: xid.New("idem"),
		cart:           cart.NewWithPolicy(m.tax),
		startedAt:      now,
		lastActive:     now,
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.logger.Debug("session started", zap.String("session", s.id), zap.String("shop", s.shopID), zap.String("cashier", cashier))
	return s.view()
}

// Get returns the session if caller may work on it.
func (m *Manager) Get(id string, caller domain.Actor) (View, error) {
	s, err := m.lock(id, caller)
	if err != nil {
		return View{}, err
	}
	defer s.mu.Unlock()
	return s.view(), nil
}

// View is an alias of Get.
func (m *Manager) View(id string, caller domain.Actor) (View, error) {
	return m.Get(id, caller)
}

// AddItem adds one unit of sku after reading its current stock.
func (m *Manager) AddItem(ctx context.Context, id string, caller domain.Actor, sku string) (View, error) {
	return m.edit(id, caller, func(s *session) error {
		product, err := m.backend.Product(ctx, sku)
		if err != nil {
			return err
		}
		if !product.Active {
			return fmt.Errorf("%w: %s", ErrProductUnavailable, product.SKU)
		}
		stock, err := m.backend.AvailableStock(ctx, s.shopID, product.SKU)
		if err != nil {
			return err
		}
		return s.cart.AddItem(product, stock)
	})
}

// UpdateQuantity changes a line by delta. Stock is only read when the line
// grows.
func (m *Manager) UpdateQuantity(ctx context.Context, id string, caller domain.Actor, sku string, delta int) (View, error) {
	return m.edit(id, caller, func(s *session) error {
		sku = strings.ToUpper(strings.TrimSpace(sku))
		if _, ok := s.cart.Line(sku); !ok || delta <= 0 {
			return s.cart.UpdateQuantity(sku, delta, 0)
		}
		stock, err := m.backend.AvailableStock(ctx, s.shopID, sku)
		if err != nil {
			return err
		}
		return s.cart.UpdateQuantity(sku, delta, stock)
	})
}

func (m *Manager) SetOverridePrice(id string, caller domain.Actor, sku string, priceCents int64) (View, error) {
	return m.edit(id, caller, func(s *session) error {
		return s.cart.SetOverridePrice(strings.ToUpper(strings.TrimSpace(sku)), priceCents)
	})
}

func (m *Manager) ClearOverridePrice(id string, caller domain.Actor, sku string) (View, error) {
	return m.edit(id, caller, func(s *session) error {
		return s.cart.ClearOverridePrice(strings.ToUpper(strings.TrimSpace(sku)))
	})
}

func (m *Manager) RemoveItem(id string, caller domain.Actor, sku string) (View, error) {
	return m.edit(id, caller, func(s *session) error {
		s.cart.RemoveItem(strings.ToUpper(strings.TrimSpace(sku)))
		return nil
	})
}

// Checkout snapshots the cart and submits it. Precondition failures come
// back as *cart.Rejection before anything is sent. On success the session is
// closed; on failure it stays open with the same idempotency key so a retry
// cannot book the sale twice.
func (m *Manager) Checkout(ctx context.Context, id string, caller domain.Actor, checkout cart.Checkout) (domain.Invoice, error) {
	s, err := m.lock(id, caller)
	if err != nil {
		return domain.Invoice{}, err
	}
	if s.submitting {
		s.mu.Unlock()
		return domain.Invoice{}, ErrSubmissionInProgress
	}
	payload, err := s.cart.ToInvoicePayload(checkout)
	if err != nil {
		s.mu.Unlock()
		return domain.Invoice{}, err
	}
	payload.ShopID = s.shopID
	payload.TerminalID = s.terminalID
	payload.IdempotencyKey = s.idempotencyKey
	s.submitting = true
	s.lastActive = m.now()
	s.mu.Unlock()

	inv, err := submitGuarded(ctx, m, "invoice:"+payload.IdempotencyKey, func() (domain.Invoice, error) {
		return m.backend.SubmitInvoice(ctx, payload)
	})

	s.mu.Lock()
	s.submitting = false
	if err != nil {
		s.mu.Unlock()
		m.logger.Warn("invoice submission failed", zap.String("session", id), zap.Error(err))
		return domain.Invoice{}, err
	}
	s.closed = true
	s.mu.Unlock()

	m.remove(id)
	m.logger.Info("sale completed",
		zap.String("session", id),
		zap.String("invoice", inv.Number),
		zap.Int64("total_cents", inv.TotalCents),
		zap.Bool("duplicate", inv.Duplicate),
	)
	return inv, nil
}

// Abandon discards a session and its cart.
func (m *Manager) Abandon(id string, caller domain.Actor) error {
	s, err := m.lock(id, caller)
	if err != nil {
		return err
	}
	if s.submitting {
		s.mu.Unlock()
		return ErrSubmissionInProgress
	}
	s.closed = true
	s.mu.Unlock()

	m.remove(id)
	return nil
}

// CreditInvoice reverses an invoice. An invoice that already has a credit
// note is refused before anything is submitted.
func (m *Manager) CreditInvoice(ctx context.Context, invoiceID string, notes string) (domain.CreditNote, error) {
	inv, err := m.backend.Invoice(ctx, strings.TrimSpace(invoiceID))
	if err != nil {
		return domain.CreditNote{}, err
	}

	var existing *domain.CreditNote
	if cn, err := m.backend.CreditNoteForInvoice(ctx, inv.ID); err == nil {
		existing = &cn
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.CreditNote{}, err
	}

	req, err := creditnote.Request(inv, existing, notes)
	if err != nil {
		return domain.CreditNote{}, err
	}

	cn, err := submitGuarded(ctx, m, "credit:"+inv.ID, func() (domain.CreditNote, error) {
		return m.backend.SubmitCreditNote(ctx, req)
	})
	if err != nil {
		m.logger.Warn("credit note submission failed", zap.String("invoice", inv.ID), zap.Error(err))
		return domain.CreditNote{}, err
	}
	return cn, nil
}

// SweepIdle drops sessions untouched for longer than the idle timeout and
// returns how many were removed. Sessions mid-submission are kept.
func (m *Manager) SweepIdle(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		s.mu.Lock()
		if !s.submitting && now.Sub(s.lastActive) > m.idleTimeout {
			s.closed = true
			delete(m.sessions, id)
			removed++
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		m.logger.Info("idle sessions expired", zap.Int("count", removed))
	}
	return removed
}

// Run sweeps idle sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepIdle(m.now())
		}
	}
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// lock returns the session with its mutex held. Sessions belong to the
// cashier who started them and admins may act on any of them. Anyone else
// gets ErrSessionNotFound.
func (m *Manager) lock(id string, caller domain.Actor) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	if s.closed || !s.ownedBy(caller) {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (m *Manager) edit(id string, caller domain.Actor, fn func(s *session) error) (View, error) {
	s, err := m.lock(id, caller)
	if err != nil {
		return View{}, err
	}
	defer s.mu.Unlock()

	if s.submitting {
		return s.view(), ErrSubmissionInProgress
	}
	s.lastActive = m.now()
	if err := fn(s); err != nil {
		return s.view(), err
	}
	return s.view(), nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// submitGuarded runs submit while holding the submission guard for key.
func submitGuarded[T any](ctx context.Context, m *Manager, key string, submit func() (T, error)) (T, error) {
	var zero T
	token, acquired, err := m.guard.Acquire(ctx, key, m.submissionTTL)
	if err != nil {
		return zero, fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}
	if !acquired {
		return zero, ErrSubmissionInProgress
	}
	defer func() {
		if err := m.guard.Release(context.WithoutCancel(ctx), key, token); err != nil {
			m.logger.Warn("failed to release submission guard", zap.String("key", key), zap.Error(err))
		}
	}()

	out, err := submit()
	if err != nil {
		return zero, fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}
	return out, nil
}

func (s *session) ownedBy(caller domain.Actor) bool {
	return caller.Role == domain.RoleAdmin || (caller.Username != "" && caller.Username == s.cashier)
}

func (s *session) view() View {
	lines := s.cart.Lines()
	out := make([]LineView, 0, len(lines))
	for _, line := range lines {
		out = append(out, LineView{
			SKU:            line.SKU,
			Name:           line.Name,
			Quantity:       line.Quantity,
			BasePriceCents: line.BasePriceCents,
			UnitPriceCents: line.EffectivePriceCents(),
			LineTotalCents: line.LineTotalCents(),
			ManuallyPriced: line.ManuallyPriced(),
		})
	}
	return View{
		SessionID:  s.id,
		ShopID:     s.shopID,
		TerminalID: s.terminalID,
		Cashier:    s.cashier,
		Lines:      out,
		Totals:     s.cart.ComputeTotals(),
		Submitting: s.submitting,
		StartedAt:  s.startedAt,
	}
}
