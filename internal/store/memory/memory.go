package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/xid"
)

const (
	CentralShopID = "shop-central"
	HarborShopID  = "shop-harbor"
)

type Store struct {
	mu                   sync.RWMutex
	shops                map[string]domain.Shop
	products             map[string]domain.Product
	inventory            map[string]map[string]int
	invoicesByID         map[string]*domain.Invoice
	invoicesByIdem       map[string]*domain.Invoice
	creditNotesByID      map[string]*domain.CreditNote
	creditNotesByInvoice map[string]*domain.CreditNote
	priceHistoryBySKU    map[string][]domain.ProductPriceHistory
	auditLogs            []domain.AuditLog
	usersByUsername      map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD.
// If unset, dev defaults are used and a warning is logged. These accounts are
// never used when DATABASE_URL is set.
func seedUsers(logger *zap.Logger) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logger.Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.Fatal("failed to hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with two pharmacy branches and a small catalog.
func NewSeeded(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("memory-store")

	shops := []domain.Shop{
		{ID: CentralShopID, Name: "Central Pharmacy", Address: "12 Market Street", Active: true},
		{ID: HarborShopID, Name: "Harbor Pharmacy", Address: "3 Quay Road", Active: true},
	}
	products := []domain.Product{
		{SKU: "PCM-500", Name: "Paracetamol 500mg x10", Category: "analgesic", Unit: "strip", PriceCents: 1200, Active: true},
		{SKU: "IBU-400", Name: "Ibuprofen 400mg x10", Category: "analgesic", Unit: "strip", PriceCents: 1850, Active: true},
		{SKU: "AMX-500", Name: "Amoxicillin 500mg x21", Category: "antibiotic", Unit: "box", PriceCents: 6500, RequiresPrescription: true, Active: true},
		{SKU: "CTZ-10", Name: "Cetirizine 10mg x10", Category: "antihistamine", Unit: "strip", PriceCents: 1500, Active: true},
		{SKU: "ORS-01", Name: "Oral Rehydration Salts", Category: "rehydration", Unit: "sachet", PriceCents: 450, Active: true},
		{SKU: "VTC-1000", Name: "Vitamin C 1000mg x20", Category: "supplement", Unit: "tube", PriceCents: 3200, Active: true},
		{SKU: "ZNC-20", Name: "Zinc 20mg x10", Category: "supplement", Unit: "strip", PriceCents: 2100, Active: true},
		{SKU: "MTF-500", Name: "Metformin 500mg x30", Category: "antidiabetic", Unit: "box", PriceCents: 4800, RequiresPrescription: true, Active: true},
		{SKU: "BND-STR", Name: "Adhesive Bandages x20", Category: "first-aid", Unit: "box", PriceCents: 900, Active: true},
		{SKU: "ALC-70", Name: "Isopropyl Alcohol 70% 100ml", Category: "first-aid", Unit: "bottle", PriceCents: 1100, Active: true},
	}

	shopMap := make(map[string]domain.Shop, len(shops))
	for _, shop := range shops {
		shopMap[shop.ID] = shop
	}
	productMap := make(map[string]domain.Product, len(products))
	inventory := map[string]map[string]int{
		CentralShopID: {},
		HarborShopID:  {},
	}
	for _, p := range products {
		productMap[p.SKU] = p
		inventory[CentralShopID][p.SKU] = 120
		inventory[HarborShopID][p.SKU] = 40
	}

	return &Store{
		shops:                shopMap,
		products:             productMap,
		inventory:            inventory,
		invoicesByID:         make(map[string]*domain.Invoice),
		invoicesByIdem:       make(map[string]*domain.Invoice),
		creditNotesByID:      make(map[string]*domain.CreditNote),
		creditNotesByInvoice: make(map[string]*domain.CreditNote),
		priceHistoryBySKU:    make(map[string][]domain.ProductPriceHistory),
		auditLogs:            make([]domain.AuditLog, 0, 128),
		usersByUsername:      seedUsers(logger),
	}
}

func (s *Store) ListShops(_ context.Context) ([]domain.Shop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shops := lo.Filter(lo.Values(s.shops), func(shop domain.Shop, _ int) bool { return shop.Active })
	slices.SortFunc(shops, func(a, b domain.Shop) int { return strings.Compare(a.ID, b.ID) })
	return shops, nil
}

func (s *Store) GetShop(_ context.Context, shopID string) (*domain.Shop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shop, ok := s.shops[shopID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &shop, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})

	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.SKU == "" || product.Name == "" || product.Category == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidTransaction
	}
	if _, exists := s.products[product.SKU]; exists {
		return nil, fmt.Errorf("%w: sku %s already exists", store.ErrInvalidTransaction, product.SKU)
	}

	product.Active = true
	s.products[product.SKU] = product
	created := product
	return &created, nil
}

func (s *Store) GetProductBySKU(_ context.Context, sku string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[sku]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.SKU == "" || product.Name == "" || product.Category == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidTransaction
	}
	if _, exists := s.products[product.SKU]; !exists {
		return nil, store.ErrNotFound
	}

	s.products[product.SKU] = product
	updated := product
	return &updated, nil
}

func (s *Store) CreatePriceHistory(_ context.Context, entry domain.ProductPriceHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("ph")
	}
	if entry.ChangedAt.IsZero() {
		entry.ChangedAt = time.Now().UTC()
	}
	s.priceHistoryBySKU[entry.SKU] = append(s.priceHistoryBySKU[entry.SKU], entry)
	return nil
}

func (s *Store) ListPriceHistory(_ context.Context, sku string, limit int) ([]domain.ProductPriceHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := slices.Clone(s.priceHistoryBySKU[sku])
	if result == nil {
		return []domain.ProductPriceHistory{}, nil
	}
	slices.SortFunc(result, func(a, b domain.ProductPriceHistory) int {
		return newestFirst(a.ChangedAt, b.ChangedAt, a.ID, b.ID)
	})
	return truncate(result, limit), nil
}

func (s *Store) GetProductsBySKUs(_ context.Context, skus []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(skus))
	for _, sku := range skus {
		if p, ok := s.products[sku]; ok && p.Active {
			result[sku] = p
		}
	}
	return result, nil
}

func (s *Store) GetStockMap(_ context.Context, shopID string, skus []string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stockMap := make(map[string]int, len(skus))
	shopStock := s.inventory[shopID]
	for _, sku := range skus {
		stockMap[sku] = shopStock[sku]
	}
	return stockMap, nil
}

func (s *Store) SetStock(_ context.Context, shopID string, sku string, qty int) error {
	if sku == "" || qty < 0 {
		return store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[sku]; !exists {
		return fmt.Errorf("%w: sku %s", store.ErrNotFound, sku)
	}
	s.shopStock(shopID)[sku] = qty
	return nil
}

func (s *Store) IncreaseStock(_ context.Context, shopID string, adjustments []domain.StockAdjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.increaseStockLocked(shopID, adjustments)
}

func (s *Store) increaseStockLocked(shopID string, adjustments []domain.StockAdjustment) error {
	shopStock := s.shopStock(shopID)
	for _, adj := range adjustments {
		if adj.Qty < 1 {
			continue
		}
		if _, exists := s.products[adj.SKU]; !exists {
			return fmt.Errorf("%w: sku %s", store.ErrNotFound, adj.SKU)
		}
		shopStock[adj.SKU] += adj.Qty
	}
	return nil
}

func (s *Store) shopStock(shopID string) map[string]int {
	shopStock, ok := s.inventory[shopID]
	if !ok {
		shopStock = make(map[string]int)
		s.inventory[shopID] = shopStock
	}
	return shopStock
}

func (s *Store) CreateInvoice(_ context.Context, inv domain.Invoice) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inv.IdempotencyKey == "" || len(inv.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if existing, ok := s.invoicesByIdem[inv.IdempotencyKey]; ok {
		dup := s.decorateInvoice(existing)
		dup.Duplicate = true
		return dup, nil
	}
	if _, ok := s.shops[inv.ShopID]; !ok {
		return nil, fmt.Errorf("%w: shop %s", store.ErrNotFound, inv.ShopID)
	}

	shopStock := s.shopStock(inv.ShopID)
	required := map[string]int{}
	for _, item := range inv.Items {
		if item.Qty < 1 {
			return nil, store.ErrInvalidTransaction
		}
		product, exists := s.products[item.SKU]
		if !exists || !product.Active {
			return nil, fmt.Errorf("%w: sku %s unavailable", store.ErrInvalidTransaction, item.SKU)
		}
		required[item.SKU] += item.Qty
	}
	for sku, qty := range required {
		if shopStock[sku] < qty {
			return nil, fmt.Errorf("%w: sku %s", store.ErrInsufficientStock, sku)
		}
	}

	for sku, qty := range required {
		shopStock[sku] -= qty
	}
	if inv.ID == "" {
		inv.ID = xid.New("inv")
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	inv.Status = domain.InvoiceStatusPaid
	inv.CreditNoteID = ""
	inv.Duplicate = false

	stored := cloneInvoice(&inv)
	s.invoicesByID[stored.ID] = stored
	s.invoicesByIdem[stored.IdempotencyKey] = stored
	return cloneInvoice(stored), nil
}

func (s *Store) FindInvoiceByIdempotency(_ context.Context, key string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoicesByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.decorateInvoice(inv), nil
}

func (s *Store) FindInvoiceByID(_ context.Context, id string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoicesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.decorateInvoice(inv), nil
}

func (s *Store) ListInvoices(_ context.Context, filter domain.InvoiceFilter) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Invoice, 0, 32)
	for _, inv := range s.invoicesByID {
		if filter.ShopID != "" && inv.ShopID != filter.ShopID {
			continue
		}
		if !inWindow(inv.CreatedAt, filter.From, filter.To) {
			continue
		}
		result = append(result, *s.decorateInvoice(inv))
	}
	slices.SortFunc(result, func(a, b domain.Invoice) int {
		return newestFirst(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	return truncate(result, filter.Limit), nil
}

// decorateInvoice returns a copy of inv with its credit state filled in.
func (s *Store) decorateInvoice(inv *domain.Invoice) *domain.Invoice {
	out := cloneInvoice(inv)
	if cn, ok := s.creditNotesByInvoice[inv.ID]; ok {
		out.Status = domain.InvoiceStatusCredited
		out.CreditNoteID = cn.ID
	}
	return out
}

func (s *Store) CreateCreditNote(_ context.Context, cn domain.CreditNote) (*domain.CreditNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoicesByID[cn.InvoiceID]
	if !ok {
		return nil, fmt.Errorf("%w: invoice %s", store.ErrNotFound, cn.InvoiceID)
	}
	if _, exists := s.creditNotesByInvoice[inv.ID]; exists {
		return nil, fmt.Errorf("%w: invoice %s", store.ErrAlreadyCredited, inv.Number)
	}
	if len(cn.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	restock := make([]domain.StockAdjustment, 0, len(cn.Items))
	for _, item := range cn.Items {
		if _, exists := s.products[item.SKU]; !exists {
			continue
		}
		restock = append(restock, domain.StockAdjustment{SKU: item.SKU, Qty: item.Qty})
	}
	if err := s.increaseStockLocked(inv.ShopID, restock); err != nil {
		return nil, err
	}

	if cn.ID == "" {
		cn.ID = xid.New("cn")
	}
	if cn.CreatedAt.IsZero() {
		cn.CreatedAt = time.Now().UTC()
	}
	cn.ShopID = inv.ShopID
	if cn.Status == "" {
		cn.Status = domain.CreditNoteStatusIssued
	}

	stored := cloneCreditNote(&cn)
	s.creditNotesByID[stored.ID] = stored
	s.creditNotesByInvoice[stored.InvoiceID] = stored
	return cloneCreditNote(stored), nil
}

func (s *Store) FindCreditNoteByID(_ context.Context, id string) (*domain.CreditNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cn, ok := s.creditNotesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneCreditNote(cn), nil
}

func (s *Store) FindCreditNoteByInvoice(_ context.Context, invoiceID string) (*domain.CreditNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cn, ok := s.creditNotesByInvoice[invoiceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneCreditNote(cn), nil
}

func (s *Store) ListCreditNotes(_ context.Context, shopID string, from time.Time, to time.Time, limit int) ([]domain.CreditNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.CreditNote, 0, 16)
	for _, cn := range s.creditNotesByID {
		if shopID != "" && cn.ShopID != shopID {
			continue
		}
		if !inWindow(cn.CreatedAt, from, to) {
			continue
		}
		result = append(result, *cloneCreditNote(cn))
	}
	slices.SortFunc(result, func(a, b domain.CreditNote) int {
		return newestFirst(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	return truncate(result, limit), nil
}

func (s *Store) GetSalesSummary(_ context.Context, shopID string, from time.Time, to time.Time) (domain.SalesSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := domain.SalesSummary{
		ShopID:    shopID,
		ByPayment: make([]domain.SalesByPayment, 0, 4),
	}
	byPayment := map[domain.PaymentMethod]*domain.SalesByPayment{}

	for _, inv := range s.invoicesByID {
		if inv.ShopID != shopID || !inWindow(inv.CreatedAt, from, to) {
			continue
		}
		summary.Invoices++
		summary.GrossSalesCents += inv.SubtotalCents
		summary.DiscountCents += inv.DiscountCents
		summary.TaxCents += inv.TaxCents
		summary.NetSalesCents += inv.TotalCents
		for _, item := range inv.Items {
			summary.ItemsSold += int64(item.Qty)
		}

		payment := byPayment[inv.PaymentMethod]
		if payment == nil {
			payment = &domain.SalesByPayment{PaymentMethod: inv.PaymentMethod}
			byPayment[inv.PaymentMethod] = payment
		}
		payment.Invoices++
		payment.TotalCents += inv.TotalCents
	}

	for _, cn := range s.creditNotesByID {
		if cn.ShopID != shopID || !inWindow(cn.CreatedAt, from, to) {
			continue
		}
		summary.CreditNotes++
		summary.CreditedCents += cn.TotalCents
		summary.NetSalesCents -= cn.TotalCents
	}

	for _, entry := range byPayment {
		summary.ByPayment = append(summary.ByPayment, *entry)
	}
	slices.SortFunc(summary.ByPayment, func(a, b domain.SalesByPayment) int {
		return strings.Compare(string(a.PaymentMethod), string(b.PaymentMethod))
	})

	return summary, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, shopID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := lo.Filter(s.auditLogs, func(entry domain.AuditLog, _ int) bool {
		if shopID != "" && entry.ShopID != shopID {
			return false
		}
		return inWindow(entry.CreatedAt, from, to)
	})
	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		return newestFirst(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	return truncate(result, limit), nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return fmt.Errorf("%w: username %s already exists", store.ErrInvalidTransaction, username)
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := lo.Values(s.usersByUsername)
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// inWindow treats a zero bound as open.
func inWindow(at time.Time, from time.Time, to time.Time) bool {
	if !from.IsZero() && at.Before(from) {
		return false
	}
	if !to.IsZero() && !at.Before(to) {
		return false
	}
	return true
}

func newestFirst(a time.Time, b time.Time, aID string, bID string) int {
	if a.Equal(b) {
		return strings.Compare(bID, aID)
	}
	if a.After(b) {
		return -1
	}
	return 1
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func cloneInvoice(src *domain.Invoice) *domain.Invoice {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = slices.Clone(src.Items)
	return &dup
}

func cloneCreditNote(src *domain.CreditNote) *domain.CreditNote {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = slices.Clone(src.Items)
	return &dup
}
