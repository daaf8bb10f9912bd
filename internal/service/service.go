package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"pharmapos/backend/internal/cache"
	"pharmapos/backend/internal/cart"
	"pharmapos/backend/internal/creditnote"
	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/receipt"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/validation"
	"pharmapos/backend/internal/xid"
)

var ErrAdminRequired = errors.New("admin role required")

const catalogCacheKey = "catalog:products"

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	DefaultShopID string
	// ShopName heads receipts when the shop record has no name.
	ShopName   string
	TaxPolicy  cart.TaxPolicy
	CatalogTTL time.Duration
	Clock      func() time.Time
}

type Service struct {
	repo          store.Repository
	catalog       cache.CatalogCache
	validate      *validation.Validator
	logger        *zap.Logger
	defaultShopID string
	shopName      string
	tax           cart.TaxPolicy
	catalogTTL    time.Duration
	now           func() time.Time
}

func New(repo store.Repository, catalog cache.CatalogCache, logger *zap.Logger, opts Options) *Service {
	if catalog == nil {
		catalog = cache.NoopCatalogCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultShopID == "" {
		opts.DefaultShopID = "shop-central"
	}
	if opts.ShopName == "" {
		opts.ShopName = "PharmaPOS"
	}
	if opts.TaxPolicy.Label == "" {
		opts.TaxPolicy = cart.VATExempt
	}
	if opts.CatalogTTL <= 0 {
		opts.CatalogTTL = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Service{
		repo:          repo,
		catalog:       catalog,
		validate:      validation.New(),
		logger:        logger.Named("service"),
		defaultShopID: opts.DefaultShopID,
		shopName:      opts.ShopName,
		tax:           opts.TaxPolicy,
		catalogTTL:    opts.CatalogTTL,
		now:           opts.Clock,
	}
}

// TaxPolicy is the policy invoices are checked against. Terminal carts use
// the same one.
func (s *Service) TaxPolicy() cart.TaxPolicy {
	return s.tax
}

func (s *Service) DefaultShopID() string {
	return s.defaultShopID
}

func (s *Service) ListShops(ctx context.Context) ([]domain.Shop, error) {
	return s.repo.ListShops(ctx)
}

// ListProducts returns the catalog, served from the catalog cache when warm.
func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	if products, ok, err := s.catalog.GetCatalog(ctx, catalogCacheKey); err != nil {
		s.logger.Warn("catalog cache read failed", zap.Error(err))
	} else if ok {
		return products, nil
	}

	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.catalog.SetCatalog(ctx, catalogCacheKey, products, s.catalogTTL); err != nil {
		s.logger.Warn("catalog cache write failed", zap.Error(err))
	}
	return products, nil
}

// ListShopProducts joins the catalog with fresh stock for one shop.
func (s *Service) ListShopProducts(ctx context.Context, shopID string) ([]domain.ProductStock, error) {
	shopID = s.shopOrDefault(shopID)
	if _, err := s.repo.GetShop(ctx, shopID); err != nil {
		return nil, err
	}
	products, err := s.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	stock, err := s.repo.GetStockMap(ctx, shopID, lo.Map(products, func(p domain.Product, _ int) string { return p.SKU }))
	if err != nil {
		return nil, err
	}
	return lo.Map(products, func(p domain.Product, _ int) domain.ProductStock {
		return domain.ProductStock{Product: p, ShopID: shopID, AvailableStock: stock[p.SKU]}
	}), nil
}

func (s *Service) Product(ctx context.Context, sku string) (domain.Product, error) {
	sku = normalizeSKU(sku)
	if sku == "" {
		return domain.Product{}, store.ErrInvalidTransaction
	}
	product, err := s.repo.GetProductBySKU(ctx, sku)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.ShopID = s.shopOrDefault(req.ShopID)
	req.SKU = normalizeSKU(req.SKU)
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	req.Unit = strings.TrimSpace(req.Unit)
	if err := s.validate.Struct(req); err != nil {
		return domain.Product{}, err
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		SKU:                  req.SKU,
		Name:                 req.Name,
		Category:             req.Category,
		Unit:                 req.Unit,
		PriceCents:           req.PriceCents,
		RequiresPrescription: req.RequiresPrescription,
		Active:               true,
	})
	if err != nil {
		return domain.Product{}, err
	}

	if req.InitialStock > 0 {
		if err := s.repo.IncreaseStock(ctx, req.ShopID, []domain.StockAdjustment{{SKU: created.SKU, Qty: req.InitialStock}}); err != nil {
			return domain.Product{}, err
		}
	}

	s.invalidateCatalog(ctx)
	s.logAudit(ctx, req.ShopID, "product_create", "product", created.SKU, fmt.Sprintf("name=%s,price=%d,stock=%d", created.Name, created.PriceCents, req.InitialStock))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, sku string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return domain.Product{}, err
	}

	sku = normalizeSKU(sku)
	if sku == "" {
		return domain.Product{}, store.ErrInvalidTransaction
	}
	if err := s.validate.Struct(req); err != nil {
		return domain.Product{}, err
	}

	existing, err := s.repo.GetProductBySKU(ctx, sku)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrInvalidTransaction
		}
		updated.Name = name
	}
	if req.Category != nil {
		category := strings.TrimSpace(*req.Category)
		if category == "" {
			return domain.Product{}, store.ErrInvalidTransaction
		}
		updated.Category = category
	}
	if req.Unit != nil {
		updated.Unit = strings.TrimSpace(*req.Unit)
	}
	if req.PriceCents != nil {
		updated.PriceCents = *req.PriceCents
	}
	if req.RequiresPrescription != nil {
		updated.RequiresPrescription = *req.RequiresPrescription
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	if existing.PriceCents != saved.PriceCents {
		if err := s.repo.CreatePriceHistory(ctx, domain.ProductPriceHistory{
			ID:            xid.New("ph"),
			SKU:           saved.SKU,
			OldPriceCents: existing.PriceCents,
			NewPriceCents: saved.PriceCents,
			ChangedBy:     actor.Username,
			ChangedAt:     s.now().UTC(),
		}); err != nil {
			s.logger.Warn("failed to record price history", zap.String("sku", saved.SKU), zap.Error(err))
		}
	}

	s.invalidateCatalog(ctx)
	s.logAudit(ctx, s.defaultShopID, "product_update", "product", saved.SKU, fmt.Sprintf("active=%t,price=%d", saved.Active, saved.PriceCents))
	return *saved, nil
}

func (s *Service) ListProductPriceHistory(ctx context.Context, sku string, limit int) ([]domain.ProductPriceHistory, error) {
	sku = normalizeSKU(sku)
	if sku == "" {
		return nil, store.ErrInvalidTransaction
	}
	if limit < 1 {
		limit = 50
	}
	return s.repo.ListPriceHistory(ctx, sku, limit)
}

// AvailableStock is the authoritative stock of sku in a shop. It is read
// from the repository on every call.
func (s *Service) AvailableStock(ctx context.Context, shopID string, sku string) (int, error) {
	shopID = s.shopOrDefault(shopID)
	sku = normalizeSKU(sku)
	if sku == "" {
		return 0, store.ErrInvalidTransaction
	}
	if _, err := s.repo.GetProductBySKU(ctx, sku); err != nil {
		return 0, err
	}
	stock, err := s.repo.GetStockMap(ctx, shopID, []string{sku})
	if err != nil {
		return 0, err
	}
	return max(stock[sku], 0), nil
}

// AdjustStock applies a physical stock count: every counted quantity
// replaces the system quantity and the difference is reported.
func (s *Service) AdjustStock(ctx context.Context, req domain.StockCountRequest) (domain.StockCountResponse, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.StockCountResponse{}, err
	}

	req.ShopID = s.shopOrDefault(req.ShopID)
	for i := range req.Items {
		req.Items[i].SKU = normalizeSKU(req.Items[i].SKU)
	}
	if err := s.validate.Struct(req); err != nil {
		return domain.StockCountResponse{}, err
	}
	if _, err := s.repo.GetShop(ctx, req.ShopID); err != nil {
		return domain.StockCountResponse{}, err
	}

	skus := lo.Uniq(lo.Map(req.Items, func(item domain.StockCountItem, _ int) string { return item.SKU }))
	products, err := s.repo.GetProductsBySKUs(ctx, skus)
	if err != nil {
		return domain.StockCountResponse{}, err
	}
	for _, sku := range skus {
		if _, ok := products[sku]; !ok {
			return domain.StockCountResponse{}, fmt.Errorf("%w: sku %s", store.ErrNotFound, sku)
		}
	}

	systemStock, err := s.repo.GetStockMap(ctx, req.ShopID, skus)
	if err != nil {
		return domain.StockCountResponse{}, err
	}

	adjustments := make([]domain.StockCountAdjustment, 0, len(req.Items))
	for _, item := range req.Items {
		systemQty := systemStock[item.SKU]
		if systemQty != item.CountedQty {
			if err := s.repo.SetStock(ctx, req.ShopID, item.SKU, item.CountedQty); err != nil {
				return domain.StockCountResponse{}, err
			}
			systemStock[item.SKU] = item.CountedQty
		}
		adjustments = append(adjustments, domain.StockCountAdjustment{
			SKU:        item.SKU,
			SystemQty:  systemQty,
			CountedQty: item.CountedQty,
			DeltaQty:   item.CountedQty - systemQty,
		})
	}

	countID := xid.New("count")
	s.logAudit(ctx, req.ShopID, "stock_count", "inventory", countID, fmt.Sprintf("items=%d,notes=%s", len(req.Items), req.Notes))

	return domain.StockCountResponse{
		CountID:     countID,
		ShopID:      req.ShopID,
		Notes:       req.Notes,
		Adjustments: adjustments,
		CreatedAt:   s.now().UTC().Format(time.RFC3339),
	}, nil
}

// SubmitInvoice re-checks a terminal payload against the catalog and the tax
// policy before persisting it. Submissions are idempotent per key.
func (s *Service) SubmitInvoice(ctx context.Context, sub domain.InvoiceSubmission) (domain.Invoice, error) {
	sub.ShopID = s.shopOrDefault(sub.ShopID)
	sub.IdempotencyKey = strings.TrimSpace(sub.IdempotencyKey)
	if sub.IdempotencyKey == "" {
		sub.IdempotencyKey = xid.New("idem")
	}
	if strings.TrimSpace(sub.TaxLabel) == "" {
		sub.TaxLabel = s.tax.Label
	}
	sub.Notes = strings.TrimSpace(sub.Notes)
	for i := range sub.Items {
		sub.Items[i].SKU = normalizeSKU(sub.Items[i].SKU)
	}

	if existing, err := s.repo.FindInvoiceByIdempotency(ctx, sub.IdempotencyKey); err == nil {
		existing.Duplicate = true
		return *existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.Invoice{}, err
	}

	if err := s.validate.Struct(sub); err != nil {
		return domain.Invoice{}, err
	}
	if _, err := s.repo.GetShop(ctx, sub.ShopID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Invoice{}, fmt.Errorf("%w: unknown shop %s", store.ErrInvalidTransaction, sub.ShopID)
		}
		return domain.Invoice{}, err
	}

	products, err := s.repo.GetProductsBySKUs(ctx, lo.Map(sub.Items, func(item domain.InvoiceItem, _ int) string { return item.SKU }))
	if err != nil {
		return domain.Invoice{}, err
	}
	for i, item := range sub.Items {
		product, ok := products[item.SKU]
		if !ok || !product.Active {
			return domain.Invoice{}, fmt.Errorf("%w: sku %s unavailable", store.ErrInvalidTransaction, item.SKU)
		}
		if item.BasePriceCents != product.PriceCents {
			return domain.Invoice{}, fmt.Errorf("%w: sku %s price changed to %d", store.ErrInvalidTransaction, item.SKU, product.PriceCents)
		}
		if item.UnitPriceCents < product.PriceCents {
			return domain.Invoice{}, fmt.Errorf("%w: sku %s priced below %d", store.ErrInvalidTransaction, item.SKU, product.PriceCents)
		}
		sub.Items[i].PriceOverridden = item.UnitPriceCents != product.PriceCents
		if strings.TrimSpace(item.Name) == "" {
			sub.Items[i].Name = product.Name
		}
	}

	if sub.TaxLabel != s.tax.Label || sub.TaxCents != s.tax.Tax(sub.SubtotalCents) {
		return domain.Invoice{}, fmt.Errorf("%w: tax must be %d (%s)", store.ErrInvalidTransaction, s.tax.Tax(sub.SubtotalCents), s.tax.Label)
	}
	if sub.DiscountCents > sub.SubtotalCents+sub.TaxCents {
		return domain.Invoice{}, fmt.Errorf("%w: discount exceeds invoice amount", store.ErrInvalidTransaction)
	}
	if sub.AmountPaidCents < sub.TotalCents {
		return domain.Invoice{}, fmt.Errorf("%w: amount paid %d is less than total %d", store.ErrInvalidTransaction, sub.AmountPaidCents, sub.TotalCents)
	}

	cashier := ""
	if actor, ok := ActorFromContext(ctx); ok {
		cashier = actor.Username
	}

	created, err := s.repo.CreateInvoice(ctx, domain.Invoice{
		ID:              xid.New("inv"),
		Number:          xid.Number("INV"),
		ShopID:          sub.ShopID,
		TerminalID:      sub.TerminalID,
		IdempotencyKey:  sub.IdempotencyKey,
		CashierUsername: cashier,
		Customer:        sub.Customer,
		PaymentMethod:   sub.PaymentMethod,
		Items:           sub.Items,
		SubtotalCents:   sub.SubtotalCents,
		TaxLabel:        sub.TaxLabel,
		TaxCents:        sub.TaxCents,
		DiscountCents:   sub.DiscountCents,
		TotalCents:      sub.TotalCents,
		AmountPaidCents: sub.AmountPaidCents,
		ChangeCents:     sub.ChangeCents,
		Notes:           sub.Notes,
		Status:          domain.InvoiceStatusPaid,
		CreatedAt:       s.now().UTC(),
	})
	if err != nil {
		return domain.Invoice{}, err
	}
	if created.Duplicate {
		return *created, nil
	}

	s.logAudit(ctx, created.ShopID, "invoice_create", "invoice", created.ID, fmt.Sprintf("number=%s,total=%d,payment=%s,items=%d", created.Number, created.TotalCents, created.PaymentMethod, len(created.Items)))
	return *created, nil
}

func (s *Service) Invoice(ctx context.Context, id string) (domain.Invoice, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Invoice{}, store.ErrInvalidTransaction
	}
	inv, err := s.repo.FindInvoiceByID(ctx, id)
	if err != nil {
		return domain.Invoice{}, err
	}
	return *inv, nil
}

// ListInvoices lists one shop's invoices for a day ("2006-01-02"), or for
// the last 24 hours when date is empty.
func (s *Service) ListInvoices(ctx context.Context, shopID string, date string, limit int) (domain.InvoiceListResponse, error) {
	from, to, err := s.recentWindow(date)
	if err != nil {
		return domain.InvoiceListResponse{}, err
	}
	if limit < 1 {
		limit = 100
	}
	invoices, err := s.repo.ListInvoices(ctx, domain.InvoiceFilter{
		ShopID: s.shopOrDefault(shopID),
		From:   from,
		To:     to,
		Limit:  limit,
	})
	if err != nil {
		return domain.InvoiceListResponse{}, err
	}
	return domain.InvoiceListResponse{Invoices: invoices}, nil
}

// SubmitCreditNote reverses an invoice in full. An invoice can be credited once.
func (s *Service) SubmitCreditNote(ctx context.Context, req domain.CreditNoteRequest) (domain.CreditNote, error) {
	req.InvoiceID = strings.TrimSpace(req.InvoiceID)
	req.Notes = strings.TrimSpace(req.Notes)
	if err := s.validate.Struct(req); err != nil {
		return domain.CreditNote{}, err
	}

	inv, err := s.repo.FindInvoiceByID(ctx, req.InvoiceID)
	if err != nil {
		return domain.CreditNote{}, err
	}
	existing, err := s.repo.FindCreditNoteByInvoice(ctx, inv.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.CreditNote{}, err
	}
	if err := creditnote.CheckCreditable(*inv, existing); err != nil {
		if errors.Is(err, creditnote.ErrInvoiceNotCreditable) {
			return domain.CreditNote{}, fmt.Errorf("%w: %v", store.ErrInvalidTransaction, err)
		}
		return domain.CreditNote{}, err
	}

	createdBy := "system"
	if actor, ok := ActorFromContext(ctx); ok {
		createdBy = actor.Username
	}
	cn := creditnote.FromInvoice(*inv, req.Notes, createdBy, s.now())
	cn.ID = xid.New("cn")
	cn.Number = xid.Number("CN")

	created, err := s.repo.CreateCreditNote(ctx, cn)
	if err != nil {
		return domain.CreditNote{}, err
	}

	s.logAudit(ctx, created.ShopID, "credit_note_create", "credit_note", created.ID, fmt.Sprintf("number=%s,invoice=%s,total=%d", created.Number, created.InvoiceNumber, created.TotalCents))
	return *created, nil
}

func (s *Service) CreditNote(ctx context.Context, id string) (domain.CreditNote, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.CreditNote{}, store.ErrInvalidTransaction
	}
	cn, err := s.repo.FindCreditNoteByID(ctx, id)
	if err != nil {
		return domain.CreditNote{}, err
	}
	return *cn, nil
}

// CreditNoteForInvoice returns store.ErrNotFound when the invoice has not been credited.
func (s *Service) CreditNoteForInvoice(ctx context.Context, invoiceID string) (domain.CreditNote, error) {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return domain.CreditNote{}, store.ErrInvalidTransaction
	}
	cn, err := s.repo.FindCreditNoteByInvoice(ctx, invoiceID)
	if err != nil {
		return domain.CreditNote{}, err
	}
	return *cn, nil
}

func (s *Service) ListCreditNotes(ctx context.Context, shopID string, date string, limit int) (domain.CreditNoteListResponse, error) {
	from, to, err := s.recentWindow(date)
	if err != nil {
		return domain.CreditNoteListResponse{}, err
	}
	if limit < 1 {
		limit = 100
	}
	notes, err := s.repo.ListCreditNotes(ctx, s.shopOrDefault(shopID), from, to, limit)
	if err != nil {
		return domain.CreditNoteListResponse{}, err
	}
	return domain.CreditNoteListResponse{CreditNotes: notes}, nil
}

// ShopSalesSummary aggregates one shop's invoices and credit notes for a UTC day.
func (s *Service) ShopSalesSummary(ctx context.Context, shopID string, date string) (domain.SalesSummary, error) {
	shopID = s.shopOrDefault(shopID)
	from, err := s.day(date)
	if err != nil {
		return domain.SalesSummary{}, err
	}
	shop, err := s.repo.GetShop(ctx, shopID)
	if err != nil {
		return domain.SalesSummary{}, err
	}

	summary, err := s.repo.GetSalesSummary(ctx, shopID, from, from.Add(24*time.Hour))
	if err != nil {
		return domain.SalesSummary{}, err
	}
	summary.ShopID = shopID
	summary.ShopName = shop.Name
	summary.Date = from.Format("2006-01-02")
	return summary, nil
}

// MultiShopOverview is ShopSalesSummary for every active shop plus totals.
func (s *Service) MultiShopOverview(ctx context.Context, date string) (domain.MultiShopOverview, error) {
	from, err := s.day(date)
	if err != nil {
		return domain.MultiShopOverview{}, err
	}
	shops, err := s.repo.ListShops(ctx)
	if err != nil {
		return domain.MultiShopOverview{}, err
	}

	summaries := make([]domain.SalesSummary, 0, len(shops))
	for _, shop := range lo.Filter(shops, func(shop domain.Shop, _ int) bool { return shop.Active }) {
		summary, err := s.repo.GetSalesSummary(ctx, shop.ID, from, from.Add(24*time.Hour))
		if err != nil {
			return domain.MultiShopOverview{}, err
		}
		summary.ShopID = shop.ID
		summary.ShopName = shop.Name
		summary.Date = from.Format("2006-01-02")
		summaries = append(summaries, summary)
	}

	overview := domain.MultiShopOverview{
		Date:          from.Format("2006-01-02"),
		Shops:         summaries,
		Invoices:      lo.SumBy(summaries, func(summary domain.SalesSummary) int64 { return summary.Invoices }),
		NetSalesCents: lo.SumBy(summaries, func(summary domain.SalesSummary) int64 { return summary.NetSalesCents }),
		CreditedCents: lo.SumBy(summaries, func(summary domain.SalesSummary) int64 { return summary.CreditedCents }),
	}
	if overview.Invoices > 0 {
		top := lo.MaxBy(summaries, func(a domain.SalesSummary, b domain.SalesSummary) bool {
			return a.NetSalesCents > b.NetSalesCents
		})
		overview.TopShopID = top.ShopID
	}
	return overview, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, shopID string, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	from, to, err := s.recentWindow(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, s.shopOrDefault(shopID), from, to, limit)
}

func (s *Service) InvoiceReceipt(ctx context.Context, invoiceID string) (domain.ReceiptResponse, error) {
	inv, err := s.Invoice(ctx, invoiceID)
	if err != nil {
		return domain.ReceiptResponse{}, err
	}
	lines := receipt.InvoiceLines(inv, s.shopDisplayName(ctx, inv.ShopID))
	return domain.ReceiptResponse{
		DocumentID:   inv.ID,
		Number:       inv.Number,
		EscposBase64: base64.StdEncoding.EncodeToString(receipt.EscPos(lines)),
		PreviewText:  strings.Join(lines, "\n"),
		FileName:     fmt.Sprintf("receipt-%s.bin", inv.Number),
	}, nil
}

func (s *Service) CreditNoteReceipt(ctx context.Context, creditNoteID string) (domain.ReceiptResponse, error) {
	cn, err := s.CreditNote(ctx, creditNoteID)
	if err != nil {
		return domain.ReceiptResponse{}, err
	}
	lines := receipt.CreditNoteLines(cn, s.shopDisplayName(ctx, cn.ShopID))
	return domain.ReceiptResponse{
		DocumentID:   cn.ID,
		Number:       cn.Number,
		EscposBase64: base64.StdEncoding.EncodeToString(receipt.EscPos(lines)),
		PreviewText:  strings.Join(lines, "\n"),
		FileName:     fmt.Sprintf("credit-note-%s.bin", cn.Number),
	}, nil
}

// InvoicePDF renders the invoice as A4 PDF and returns it with a download name.
func (s *Service) InvoicePDF(ctx context.Context, invoiceID string) ([]byte, string, error) {
	inv, err := s.Invoice(ctx, invoiceID)
	if err != nil {
		return nil, "", err
	}
	out, err := receipt.InvoicePDF(inv, s.shopDisplayName(ctx, inv.ShopID))
	if err != nil {
		return nil, "", err
	}
	return out, fmt.Sprintf("invoice-%s.pdf", inv.Number), nil
}

func (s *Service) logAudit(ctx context.Context, shopID string, action string, entityType string, entityID string, detail string) {
	if shopID == "" {
		shopID = s.defaultShopID
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ShopID:        shopID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now().UTC(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}

func (s *Service) invalidateCatalog(ctx context.Context) {
	if err := s.catalog.Invalidate(ctx, catalogCacheKey); err != nil {
		s.logger.Warn("catalog cache invalidation failed", zap.Error(err))
	}
}

func (s *Service) shopDisplayName(ctx context.Context, shopID string) string {
	shop, err := s.repo.GetShop(ctx, shopID)
	if err != nil || strings.TrimSpace(shop.Name) == "" {
		return s.shopName
	}
	return shop.Name
}

func (s *Service) shopOrDefault(shopID string) string {
	if shopID = strings.TrimSpace(shopID); shopID == "" {
		return s.defaultShopID
	}
	return shopID
}

func (s *Service) day(date string) (time.Time, error) {
	if strings.TrimSpace(date) == "" {
		now := s.now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	parsed, err := time.Parse("2006-01-02", date)
	if err != nil {
		return time.Time{}, store.ErrInvalidTransaction
	}
	return parsed.UTC(), nil
}

// recentWindow is the given UTC day, or the trailing 24 hours when date is empty.
func (s *Service) recentWindow(date string) (time.Time, time.Time, error) {
	if strings.TrimSpace(date) == "" {
		now := s.now().UTC()
		return now.Add(-24 * time.Hour), now.Add(time.Minute), nil
	}
	from, err := s.day(date)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, from.Add(24 * time.Hour), nil
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Actor{}, ErrAdminRequired
	}
	return actor, nil
}

func normalizeSKU(sku string) string {
	return strings.ToUpper(strings.TrimSpace(sku))
}
