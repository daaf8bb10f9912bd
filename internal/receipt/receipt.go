// Package receipt renders invoices and credit notes for printers and PDF export.
package receipt

import (
	"fmt"
	"strings"

	"pharmapos/backend/internal/domain"
)

const (
	ruleHeavy = "================================"
	ruleLight = "--------------------------------"
)

// Money formats cents as a two-decimal amount.
func Money(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

func InvoiceLines(inv domain.Invoice, shopName string) []string {
	lines := header(shopName, "SALES INVOICE", inv.Number, inv.CreatedAt.Format("2006-01-02 15:04"), inv.Customer)
	if inv.CashierUsername != "" {
		lines = append(lines, "Cashier: "+inv.CashierUsername)
	}
	lines = append(lines, ruleLight)
	lines = append(lines, itemLines(inv.Items)...)
	lines = append(lines,
		ruleLight,
		row("Subtotal", inv.SubtotalCents),
		row(taxLabel(inv.TaxLabel), inv.TaxCents),
		row("Discount", inv.DiscountCents),
		row("Total", inv.TotalCents),
		row("Paid ("+string(inv.PaymentMethod)+")", inv.AmountPaidCents),
		row("Change", inv.ChangeCents),
	)
	if inv.Status == domain.InvoiceStatusCredited {
		lines = append(lines, ruleLight, "CREDITED")
	}
	if inv.Notes != "" {
		lines = append(lines, ruleLight, inv.Notes)
	}
	return append(lines, ruleHeavy, "Thank you. Get well soon.", "")
}

func CreditNoteLines(cn domain.CreditNote, shopName string) []string {
	lines := header(shopName, "CREDIT NOTE", cn.Number, cn.CreatedAt.Format("2006-01-02 15:04"), cn.Customer)
	lines = append(lines, "Invoice: "+cn.InvoiceNumber, ruleLight)
	lines = append(lines, itemLines(cn.Items)...)
	lines = append(lines,
		ruleLight,
		row("Subtotal", cn.SubtotalCents),
		row(taxLabel(cn.TaxLabel), cn.TaxCents),
		row("Discount", cn.DiscountCents),
		row("Credited", cn.TotalCents),
	)
	if cn.Notes != "" {
		lines = append(lines, ruleLight, cn.Notes)
	}
	return append(lines, ruleHeavy, "")
}

// EscPos frames text lines as an ESC/POS job: initialize, print, partial cut.
func EscPos(lines []string) []byte {
	out := []byte{0x1b, 0x40}
	for _, line := range lines {
		out = append(out, []byte(line)...)
		out = append(out, '\n')
	}
	return append(out, 0x1d, 0x56, 0x41, 0x10)
}

func header(shopName string, title string, number string, date string, customer domain.Customer) []string {
	lines := []string{
		shopName,
		ruleHeavy,
		title,
		"No: " + number,
		"Date: " + date,
	}
	if customer.Name != "" {
		lines = append(lines, "Customer: "+customer.Name)
	}
	if customer.Phone != "" {
		lines = append(lines, "Phone: "+customer.Phone)
	}
	return lines
}

func itemLines(items []domain.InvoiceItem) []string {
	lines := make([]string, 0, len(items)*2)
	for _, item := range items {
		name := item.Name
		if name == "" {
			name = item.SKU
		}
		lines = append(lines, name)
		price := fmt.Sprintf("  %d x %s", item.Qty, Money(item.UnitPriceCents))
		if item.PriceOverridden {
			price += " *"
		}
		lines = append(lines, pad(price, Money(item.LineTotalCents)))
	}
	return lines
}

func taxLabel(label string) string {
	if strings.TrimSpace(label) == "" {
		return "Tax"
	}
	return label
}

func row(label string, cents int64) string {
	return pad(label, Money(cents))
}

func pad(left string, right string) string {
	gap := len(ruleHeavy) - len(left) - len(right)
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right
}
