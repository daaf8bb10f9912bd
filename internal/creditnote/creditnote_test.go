package creditnote

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
)

func sampleInvoice() domain.Invoice {
	return domain.Invoice{
		ID:            "inv-1",
		Number:        "INV-100",
		ShopID:        "shop-central",
		Customer:      domain.Customer{Name: "Ana"},
		PaymentMethod: domain.PaymentCard,
		Items: []domain.InvoiceItem{
			{SKU: "PCM-500", Name: "Paracetamol", Qty: 3, BasePriceCents: 100, UnitPriceCents: 100, LineTotalCents: 300},
			{SKU: "VTC-1000", Name: "Vitamin C", Qty: 2, BasePriceCents: 50, UnitPriceCents: 50, LineTotalCents: 100},
		},
		SubtotalCents: 400,
		TaxLabel:      "VAT Exempt",
		TotalCents:    400,
		Status:        domain.InvoiceStatusPaid,
	}
}

func TestFromInvoiceCopiesItemsAndTotals(t *testing.T) {
	inv := sampleInvoice()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.FixedZone("WIB", 7*3600))

	cn := FromInvoice(inv, "  damaged box ", "admin", now)

	assert.Equal(t, inv.ID, cn.InvoiceID)
	assert.Equal(t, inv.Number, cn.InvoiceNumber)
	assert.Equal(t, inv.Items, cn.Items)
	assert.Equal(t, inv.SubtotalCents, cn.SubtotalCents)
	assert.Equal(t, inv.TotalCents, cn.TotalCents)
	assert.Equal(t, "damaged box", cn.Notes)
	assert.Equal(t, domain.CreditNoteStatusIssued, cn.Status)
	assert.Equal(t, time.UTC, cn.CreatedAt.Location())

	cn.Items[0].Qty = 99
	assert.Equal(t, 3, inv.Items[0].Qty)
}

func TestCheckCreditable(t *testing.T) {
	inv := sampleInvoice()
	require.NoError(t, CheckCreditable(inv, nil))

	err := CheckCreditable(inv, &domain.CreditNote{ID: "cn-1"})
	assert.True(t, errors.Is(err, ErrAlreadyCredited))
	assert.True(t, errors.Is(err, store.ErrAlreadyCredited))

	credited := sampleInvoice()
	credited.CreditNoteID = "cn-1"
	credited.Status = domain.InvoiceStatusCredited
	assert.ErrorIs(t, CheckCreditable(credited, nil), ErrAlreadyCredited)

	empty := sampleInvoice()
	empty.Items = nil
	assert.ErrorIs(t, CheckCreditable(empty, nil), ErrInvoiceNotCreditable)
}

func TestRequestRunsPreconditionFirst(t *testing.T) {
	inv := sampleInvoice()

	req, err := Request(inv, nil, " expired stock ")
	require.NoError(t, err)
	assert.Equal(t, domain.CreditNoteRequest{InvoiceID: "inv-1", Notes: "expired stock"}, req)

	_, err = Request(inv, &domain.CreditNote{ID: "cn-1"}, "")
	assert.ErrorIs(t, err, ErrAlreadyCredited)
}

func TestRestockMergesDuplicateSKUs(t *testing.T) {
	cn := FromInvoice(sampleInvoice(), "", "admin", time.Now())
	cn.Items = append(cn.Items, domain.InvoiceItem{SKU: "PCM-500", Qty: 1})

	assert.Equal(t, []domain.StockAdjustment{
		{SKU: "PCM-500", Qty: 4},
		{SKU: "VTC-1000", Qty: 2},
	}, Restock(cn))
}
