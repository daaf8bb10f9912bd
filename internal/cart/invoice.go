package cart

import (
	"fmt"
	"strings"

	"pharmapos/backend/internal/domain"
)

type Checkout struct {
	Customer        domain.Customer      `json:"customer"`
	PaymentMethod   domain.PaymentMethod `json:"payment_method"`
	AmountPaidCents int64                `json:"amount_paid_cents"`
	DiscountCents   int64                `json:"discount_cents"`
	Notes           string               `json:"notes"`
}

// ToInvoicePayload snapshots the cart into an invoice submission. The cart
// itself is left untouched so a failed submission can be retried.
func (c *Cart) ToInvoicePayload(checkout Checkout) (domain.InvoiceSubmission, error) {
	if c.IsEmpty() {
		return domain.InvoiceSubmission{}, &Rejection{Code: CodeEmptyCart, Message: "cart is empty"}
	}

	method, ok := domain.ParsePaymentMethod(string(checkout.PaymentMethod))
	if !ok {
		return domain.InvoiceSubmission{}, &Rejection{
			Code:    CodeInvalidPaymentMethod,
			Message: fmt.Sprintf("unsupported payment method %q", checkout.PaymentMethod),
		}
	}

	totals := c.ComputeTotals()
	gross := totals.SubtotalCents + totals.TaxCents
	if checkout.DiscountCents < 0 || checkout.DiscountCents > gross {
		return domain.InvoiceSubmission{}, &Rejection{
			Code:    CodeInvalidDiscount,
			Message: fmt.Sprintf("discount must be between 0 and %d", gross),
		}
	}

	total := gross - checkout.DiscountCents
	if checkout.AmountPaidCents < total {
		return domain.InvoiceSubmission{}, &Rejection{
			Code:         CodeInsufficientPayment,
			MinimumCents: total,
			Message:      fmt.Sprintf("amount paid %d is less than total %d", checkout.AmountPaidCents, total),
		}
	}

	items := make([]domain.InvoiceItem, 0, c.Len())
	for _, line := range c.Lines() {
		items = append(items, domain.InvoiceItem{
			SKU:             line.SKU,
			Name:            line.Name,
			Qty:             line.Quantity,
			BasePriceCents:  line.BasePriceCents,
			UnitPriceCents:  line.EffectivePriceCents(),
			LineTotalCents:  line.LineTotalCents(),
			PriceOverridden: line.ManuallyPriced(),
		})
	}

	return domain.InvoiceSubmission{
		Customer:        checkout.Customer,
		PaymentMethod:   method,
		Items:           items,
		SubtotalCents:   totals.SubtotalCents,
		TaxLabel:        totals.TaxLabel,
		TaxCents:        totals.TaxCents,
		DiscountCents:   checkout.DiscountCents,
		TotalCents:      total,
		AmountPaidCents: checkout.AmountPaidCents,
		ChangeCents:     checkout.AmountPaidCents - total,
		Notes:           strings.TrimSpace(checkout.Notes),
	}, nil
}
