package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pharmapos/backend/internal/cart"
	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/store/memory"
)

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded(nil)
	return New(repo, nil, nil, Options{DefaultShopID: memory.CentralShopID}), repo
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: domain.RoleCashier})
}

// buildSubmission fills a cart the way a terminal would and snapshots it.
func buildSubmission(t *testing.T, svc *Service, key string, qtyBySKU map[string]int, paid int64) domain.InvoiceSubmission {
	t.Helper()
	ctx := context.Background()
	c := cart.NewWithPolicy(svc.TaxPolicy())
	for sku, qty := range qtyBySKU {
		product, err := svc.Product(ctx, sku)
		if err != nil {
			t.Fatalf("product %s: %v", sku, err)
		}
		stock, err := svc.AvailableStock(ctx, "", sku)
		if err != nil {
			t.Fatalf("stock %s: %v", sku, err)
		}
		for i := 0; i < qty; i++ {
			if err := c.AddItem(product, stock); err != nil {
				t.Fatalf("add %s: %v", sku, err)
			}
		}
	}
	sub, err := c.ToInvoicePayload(cart.Checkout{PaymentMethod: domain.PaymentCash, AmountPaidCents: paid})
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	sub.IdempotencyKey = key
	sub.TerminalID = "till-1"
	return sub
}

func TestSubmitInvoiceDecrementsStockAndAssignsNumber(t *testing.T) {
	svc, _ := newTestService()
	ctx := cashierCtx()

	sub := buildSubmission(t, svc, "idem-1", map[string]int{"PCM-500": 1, "ORS-01": 2}, 3000)
	inv, err := svc.SubmitInvoice(ctx, sub)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if !strings.HasPrefix(inv.Number, "INV-") {
		t.Fatalf("expected INV- number, got %s", inv.Number)
	}
	if inv.SubtotalCents != 2100 || inv.TaxCents != 0 || inv.TotalCents != 2100 || inv.ChangeCents != 900 {
		t.Fatalf("unexpected totals: %+v", inv)
	}
	if inv.TaxLabel != cart.VATExemptLabel {
		t.Fatalf("expected %q tax label, got %q", cart.VATExemptLabel, inv.TaxLabel)
	}
	if inv.CashierUsername != "cashier" || inv.Status != domain.InvoiceStatusPaid {
		t.Fatalf("unexpected invoice metadata: %+v", inv)
	}

	stock, err := svc.AvailableStock(ctx, memory.CentralShopID, "ORS-01")
	if err != nil {
		t.Fatalf("stock lookup failed: %v", err)
	}
	if stock != 118 {
		t.Fatalf("expected 118 ORS-01 left, got %d", stock)
	}

	logs, err := svc.ListAuditLogs(ctx, memory.CentralShopID, "", 10)
	if err != nil {
		t.Fatalf("audit logs failed: %v", err)
	}
	if len(logs) != 1 || logs[0].Action != "invoice_create" || logs[0].EntityID != inv.ID {
		t.Fatalf("expected one invoice_create audit entry, got %+v", logs)
	}
}

func TestSubmitInvoiceIsIdempotent(t *testing.T) {
	svc, _ := newTestService()
	ctx := cashierCtx()

	sub := buildSubmission(t, svc, "idem-dup", map[string]int{"IBU-400": 2}, 5000)
	first, err := svc.SubmitInvoice(ctx, sub)
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	second, err := svc.SubmitInvoice(ctx, sub)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	if !second.Duplicate || second.ID != first.ID || second.Number != first.Number {
		t.Fatalf("expected replay of %s, got %+v", first.ID, second)
	}
	stock, _ := svc.AvailableStock(ctx, "", "IBU-400")
	if stock != 118 {
		t.Fatalf("expected stock decremented once, got %d", stock)
	}
}

func TestSubmitInvoiceRejectsTamperedPayloads(t *testing.T) {
	svc, _ := newTestService()
	ctx := cashierCtx()

	cases := []struct {
		name   string
		mutate func(sub *domain.InvoiceSubmission)
	}{
		{"price below catalog", func(sub *domain.InvoiceSubmission) {
			sub.Items[0].UnitPriceCents = 1000
			sub.Items[0].LineTotalCents = 1000
			sub.SubtotalCents = 1000
			sub.TotalCents = 1000
			sub.ChangeCents = sub.AmountPaidCents - 1000
		}},
		{"stale base price", func(sub *domain.InvoiceSubmission) {
			sub.Items[0].BasePriceCents = 900
		}},
		{"line total mismatch", func(sub *domain.InvoiceSubmission) {
			sub.Items[0].LineTotalCents = 1
		}},
		{"tax not allowed", func(sub *domain.InvoiceSubmission) {
			sub.TaxCents = 100
			sub.TotalCents += 100
			sub.ChangeCents -= 100
		}},
		{"underpaid", func(sub *domain.InvoiceSubmission) {
			sub.AmountPaidCents = 100
			sub.ChangeCents = 100 - sub.TotalCents
		}},
		{"unknown product", func(sub *domain.InvoiceSubmission) {
			sub.Items[0].SKU = "NOPE-1"
		}},
		{"unknown payment method", func(sub *domain.InvoiceSubmission) {
			sub.PaymentMethod = "barter"
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := buildSubmission(t, svc, "idem-"+tc.name, map[string]int{"PCM-500": 1}, 2000)
			tc.mutate(&sub)

			_, err := svc.SubmitInvoice(ctx, sub)
			if !errors.Is(err, store.ErrInvalidTransaction) {
				t.Fatalf("expected invalid transaction, got %v", err)
			}
		})
	}

	stock, _ := svc.AvailableStock(ctx, "", "PCM-500")
	if stock != 120 {
		t.Fatalf("rejected submissions must not touch stock, got %d", stock)
	}
}

func TestSubmitInvoiceInsufficientStock(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()

	if _, err := svc.AdjustStock(ctx, domain.StockCountRequest{Items: []domain.StockCountItem{{SKU: "ZNC-20", CountedQty: 1}}}); err != nil {
		t.Fatalf("stock count failed: %v", err)
	}
	sub := buildSubmission(t, svc, "idem-short", map[string]int{"ZNC-20": 1}, 5000)
	sub.Items[0].Qty = 2
	sub.Items[0].LineTotalCents = 4200
	sub.SubtotalCents = 4200
	sub.TotalCents = 4200
	sub.ChangeCents = 800

	_, err := svc.SubmitInvoice(ctx, sub)
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
}

func TestSubmitInvoiceWithTaxPolicy(t *testing.T) {
	policy, err := cart.NewTaxPolicy("VAT 10%", "10")
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	svc := New(memory.NewSeeded(nil), nil, nil, Options{DefaultShopID: memory.CentralShopID, TaxPolicy: policy})

	sub := buildSubmission(t, svc, "idem-vat", map[string]int{"ORS-01": 1}, 1000)
	inv, err := svc.SubmitInvoice(cashierCtx(), sub)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if inv.TaxCents != 45 || inv.TotalCents != 495 || inv.TaxLabel != "VAT 10%" {
		t.Fatalf("unexpected taxed invoice: %+v", inv)
	}
}

func TestCreditNoteLifecycle(t *testing.T) {
	svc, _ := newTestService()
	ctx := cashierCtx()

	inv, err := svc.SubmitInvoice(ctx, buildSubmission(t, svc, "idem-cn", map[string]int{"VTC-1000": 3}, 10000))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	cn, err := svc.SubmitCreditNote(ctx, domain.CreditNoteRequest{InvoiceID: inv.ID, Notes: "  wrong strength "})
	if err != nil {
		t.Fatalf("credit note failed: %v", err)
	}
	if !strings.HasPrefix(cn.Number, "CN-") || cn.InvoiceNumber != inv.Number || cn.TotalCents != inv.TotalCents {
		t.Fatalf("unexpected credit note: %+v", cn)
	}
	if cn.Notes != "wrong strength" || cn.CreatedBy != "cashier" || len(cn.Items) != 1 || cn.Items[0].Qty != 3 {
		t.Fatalf("credit note should copy the invoice: %+v", cn)
	}

	stock, _ := svc.AvailableStock(ctx, "", "VTC-1000")
	if stock != 120 {
		t.Fatalf("expected credited items restocked, got %d", stock)
	}

	credited, err := svc.Invoice(ctx, inv.ID)
	if err != nil {
		t.Fatalf("invoice lookup failed: %v", err)
	}
	if credited.Status != domain.InvoiceStatusCredited || credited.CreditNoteID != cn.ID {
		t.Fatalf("expected invoice marked credited, got %+v", credited)
	}

	byInvoice, err := svc.CreditNoteForInvoice(ctx, inv.ID)
	if err != nil || byInvoice.ID != cn.ID {
		t.Fatalf("credit note by invoice: %+v %v", byInvoice, err)
	}

	if _, err := svc.SubmitCreditNote(ctx, domain.CreditNoteRequest{InvoiceID: inv.ID}); !errors.Is(err, store.ErrAlreadyCredited) {
		t.Fatalf("expected already credited, got %v", err)
	}

	list, err := svc.ListCreditNotes(ctx, "", "", 10)
	if err != nil || len(list.CreditNotes) != 1 {
		t.Fatalf("expected one credit note listed, got %+v %v", list, err)
	}
}

func TestCreditNoteErrors(t *testing.T) {
	svc, _ := newTestService()
	ctx := cashierCtx()

	if _, err := svc.SubmitCreditNote(ctx, domain.CreditNoteRequest{InvoiceID: "inv-missing"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.SubmitCreditNote(ctx, domain.CreditNoteRequest{}); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected invalid request, got %v", err)
	}

	inv, err := svc.SubmitInvoice(ctx, buildSubmission(t, svc, "idem-none", map[string]int{"BND-STR": 1}, 900))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := svc.CreditNoteForInvoice(ctx, inv.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no credit note yet, got %v", err)
	}
}

func TestCreateProductAdminSuccess(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()

	product, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		ShopID:       memory.HarborShopID,
		SKU:          " lor-10 ",
		Name:         "Loratadine 10mg x10",
		Category:     "antihistamine",
		Unit:         "strip",
		PriceCents:   1700,
		InitialStock: 15,
	})
	if err != nil {
		t.Fatalf("create product failed: %v", err)
	}
	if product.SKU != "LOR-10" || !product.Active {
		t.Fatalf("unexpected product: %+v", product)
	}

	stock, err := svc.AvailableStock(ctx, memory.HarborShopID, "LOR-10")
	if err != nil || stock != 15 {
		t.Fatalf("expected 15 initial stock, got %d %v", stock, err)
	}

	products, err := svc.ListProducts(ctx)
	if err != nil {
		t.Fatalf("list products failed: %v", err)
	}
	found := false
	for _, p := range products {
		found = found || p.SKU == "LOR-10"
	}
	if !found {
		t.Fatalf("created product missing from catalog")
	}
}

func TestCreateProductRequiresAdmin(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.CreateProduct(cashierCtx(), domain.ProductCreateRequest{SKU: "X-1", Name: "X", Category: "misc", PriceCents: 100})
	if !errors.Is(err, ErrAdminRequired) {
		t.Fatalf("expected admin required, got %v", err)
	}
}

func TestCreateProductValidation(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{SKU: "X-1", Name: "X", Category: "misc"})
	if !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected invalid request for zero price, got %v", err)
	}
}

func TestUpdateProductRecordsPriceHistory(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()

	price := int64(1300)
	updated, err := svc.UpdateProduct(ctx, "pcm-500", domain.ProductUpdateRequest{PriceCents: &price})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.PriceCents != 1300 {
		t.Fatalf("expected new price, got %d", updated.PriceCents)
	}

	history, err := svc.ListProductPriceHistory(ctx, "PCM-500", 0)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(history) != 1 || history[0].OldPriceCents != 1200 || history[0].NewPriceCents != 1300 || history[0].ChangedBy != "admin" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestCatalogCacheInvalidatedOnUpdate(t *testing.T) {
	catalog := &countingCache{}
	svc := New(memory.NewSeeded(nil), catalog, nil, Options{})
	ctx := adminCtx()

	if _, err := svc.ListProducts(ctx); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if _, err := svc.ListProducts(ctx); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if catalog.hits != 1 || catalog.sets != 1 {
		t.Fatalf("expected one miss then one hit, got sets=%d hits=%d", catalog.sets, catalog.hits)
	}

	inactive := false
	if _, err := svc.UpdateProduct(ctx, "ALC-70", domain.ProductUpdateRequest{Active: &inactive}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if catalog.invalidations != 1 || catalog.products != nil {
		t.Fatalf("expected catalog invalidated, got %d", catalog.invalidations)
	}
}

func TestAdjustStockReportsDeltas(t *testing.T) {
	svc, _ := newTestService()

	resp, err := svc.AdjustStock(adminCtx(), domain.StockCountRequest{
		ShopID: memory.HarborShopID,
		Notes:  "monthly count",
		Items: []domain.StockCountItem{
			{SKU: "amx-500", CountedQty: 35},
			{SKU: "CTZ-10", CountedQty: 40},
		},
	})
	if err != nil {
		t.Fatalf("stock count failed: %v", err)
	}
	if len(resp.Adjustments) != 2 {
		t.Fatalf("expected two adjustments, got %+v", resp.Adjustments)
	}
	if adj := resp.Adjustments[0]; adj.SKU != "AMX-500" || adj.SystemQty != 40 || adj.DeltaQty != -5 {
		t.Fatalf("unexpected adjustment: %+v", adj)
	}
	if resp.Adjustments[1].DeltaQty != 0 {
		t.Fatalf("expected no delta for matching count, got %+v", resp.Adjustments[1])
	}

	stock, _ := svc.AvailableStock(context.Background(), memory.HarborShopID, "AMX-500")
	if stock != 35 {
		t.Fatalf("expected counted stock applied, got %d", stock)
	}
}

func TestAdjustStockRejectsUnknownSKU(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.AdjustStock(adminCtx(), domain.StockCountRequest{Items: []domain.StockCountItem{{SKU: "NOPE", CountedQty: 1}}})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSalesSummaryAndOverview(t *testing.T) {
	svc, _ := newTestService()
	ctx := cashierCtx()

	first, err := svc.SubmitInvoice(ctx, buildSubmission(t, svc, "idem-r1", map[string]int{"PCM-500": 2}, 2400))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := svc.SubmitInvoice(ctx, buildSubmission(t, svc, "idem-r2", map[string]int{"ORS-01": 1}, 500)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := svc.SubmitCreditNote(ctx, domain.CreditNoteRequest{InvoiceID: first.ID}); err != nil {
		t.Fatalf("credit note failed: %v", err)
	}

	summary, err := svc.ShopSalesSummary(ctx, "", "")
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if summary.Invoices != 2 || summary.GrossSalesCents != 2850 || summary.CreditedCents != 2400 || summary.NetSalesCents != 450 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.ShopName != "Central Pharmacy" || summary.Date != time.Now().UTC().Format("2006-01-02") {
		t.Fatalf("unexpected summary header: %+v", summary)
	}

	overview, err := svc.MultiShopOverview(ctx, "")
	if err != nil {
		t.Fatalf("overview failed: %v", err)
	}
	if len(overview.Shops) != 2 || overview.Invoices != 2 || overview.NetSalesCents != 450 || overview.TopShopID != memory.CentralShopID {
		t.Fatalf("unexpected overview: %+v", overview)
	}

	if _, err := svc.ShopSalesSummary(ctx, "", "15-01-2026"); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected bad date rejected, got %v", err)
	}
}

func TestReceiptsAndPDF(t *testing.T) {
	svc, _ := newTestService()
	ctx := cashierCtx()

	inv, err := svc.SubmitInvoice(ctx, buildSubmission(t, svc, "idem-print", map[string]int{"CTZ-10": 1}, 1500))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	rec, err := svc.InvoiceReceipt(ctx, inv.ID)
	if err != nil {
		t.Fatalf("receipt failed: %v", err)
	}
	if rec.EscposBase64 == "" || !strings.Contains(rec.PreviewText, "Central Pharmacy") || rec.FileName != "receipt-"+inv.Number+".bin" {
		t.Fatalf("unexpected receipt: %+v", rec)
	}

	pdf, name, err := svc.InvoicePDF(ctx, inv.ID)
	if err != nil {
		t.Fatalf("pdf failed: %v", err)
	}
	if !strings.HasPrefix(string(pdf), "%PDF-") || name != "invoice-"+inv.Number+".pdf" {
		t.Fatalf("unexpected pdf %q", name)
	}

	cn, err := svc.SubmitCreditNote(ctx, domain.CreditNoteRequest{InvoiceID: inv.ID})
	if err != nil {
		t.Fatalf("credit note failed: %v", err)
	}
	cnRec, err := svc.CreditNoteReceipt(ctx, cn.ID)
	if err != nil || !strings.Contains(cnRec.PreviewText, "CREDIT NOTE") {
		t.Fatalf("unexpected credit note receipt: %+v %v", cnRec, err)
	}
}

type countingCache struct {
	products      []domain.Product
	sets          int
	hits          int
	invalidations int
}

func (c *countingCache) GetCatalog(_ context.Context, _ string) ([]domain.Product, bool, error) {
	if c.products == nil {
		return nil, false, nil
	}
	c.hits++
	return c.products, true, nil
}

func (c *countingCache) SetCatalog(_ context.Context, _ string, products []domain.Product, _ time.Duration) error {
	c.sets++
	c.products = products
	return nil
}

func (c *countingCache) Invalidate(_ context.Context, _ ...string) error {
	c.invalidations++
	c.products = nil
	return nil
}
