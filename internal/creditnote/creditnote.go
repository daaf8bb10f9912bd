// Package creditnote derives credit notes from issued invoices.
package creditnote

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
)

var (
	// ErrAlreadyCredited is the store sentinel so callers can match either side.
	ErrAlreadyCredited      = store.ErrAlreadyCredited
	ErrInvoiceNotCreditable = errors.New("invoice cannot be credited")
)

// CheckCreditable reports whether inv may receive a credit note. existing is
// the credit note already recorded against inv, if any.
func CheckCreditable(inv domain.Invoice, existing *domain.CreditNote) error {
	if existing != nil || inv.CreditNoteID != "" || inv.Status == domain.InvoiceStatusCredited {
		return fmt.Errorf("%w: invoice %s", ErrAlreadyCredited, inv.Number)
	}
	if inv.Status != "" && inv.Status != domain.InvoiceStatusPaid {
		return fmt.Errorf("%w: invoice %s is %s", ErrInvoiceNotCreditable, inv.Number, inv.Status)
	}
	if len(inv.Items) == 0 {
		return fmt.Errorf("%w: invoice %s has no items", ErrInvoiceNotCreditable, inv.Number)
	}
	return nil
}

// Request builds the submission for crediting inv after the local check.
func Request(inv domain.Invoice, existing *domain.CreditNote, notes string) (domain.CreditNoteRequest, error) {
	if err := CheckCreditable(inv, existing); err != nil {
		return domain.CreditNoteRequest{}, err
	}
	return domain.CreditNoteRequest{
		InvoiceID: inv.ID,
		Notes:     strings.TrimSpace(notes),
	}, nil
}

// FromInvoice copies the lines and totals of inv into a new credit note.
// Identifiers are assigned by the caller.
func FromInvoice(inv domain.Invoice, notes string, createdBy string, now time.Time) domain.CreditNote {
	items := make([]domain.InvoiceItem, len(inv.Items))
	copy(items, inv.Items)

	return domain.CreditNote{
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.Number,
		ShopID:        inv.ShopID,
		Customer:      inv.Customer,
		PaymentMethod: inv.PaymentMethod,
		Items:         items,
		SubtotalCents: inv.SubtotalCents,
		TaxLabel:      inv.TaxLabel,
		TaxCents:      inv.TaxCents,
		DiscountCents: inv.DiscountCents,
		TotalCents:    inv.TotalCents,
		Notes:         strings.TrimSpace(notes),
		Status:        domain.CreditNoteStatusIssued,
		CreatedBy:     createdBy,
		CreatedAt:     now.UTC(),
	}
}

// Restock returns the stock adjustments that put credited items back on the shelf.
func Restock(cn domain.CreditNote) []domain.StockAdjustment {
	qtyBySKU := map[string]int{}
	order := make([]string, 0, len(cn.Items))
	for _, item := range cn.Items {
		if _, ok := qtyBySKU[item.SKU]; !ok {
			order = append(order, item.SKU)
		}
		qtyBySKU[item.SKU] += item.Qty
	}
	out := make([]domain.StockAdjustment, 0, len(order))
	for _, sku := range order {
		out = append(out, domain.StockAdjustment{SKU: sku, Qty: qtyBySKU[sku]})
	}
	return out
}
