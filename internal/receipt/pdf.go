package receipt

import (
	"bytes"
	"fmt"

	"github.com/jung-kurt/gofpdf"

	"pharmapos/backend/internal/domain"
)

// InvoicePDF renders an A4 invoice.
func InvoicePDF(inv domain.Invoice, shopName string) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Invoice "+inv.Number, true)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.Cell(0, 10, shopName)
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 11)
	pdf.Cell(0, 6, "Invoice "+inv.Number)
	pdf.Ln(6)
	pdf.Cell(0, 6, "Date: "+inv.CreatedAt.Format("2006-01-02 15:04"))
	pdf.Ln(6)
	if inv.Customer.Name != "" {
		pdf.Cell(0, 6, "Bill to: "+inv.Customer.Name)
		pdf.Ln(6)
	}
	if inv.Status == domain.InvoiceStatusCredited {
		pdf.SetTextColor(200, 0, 0)
		pdf.Cell(0, 6, "CREDITED")
		pdf.SetTextColor(0, 0, 0)
		pdf.Ln(6)
	}
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 10)
	pdf.SetFillColor(230, 230, 230)
	pdf.CellFormat(90, 7, "Item", "1", 0, "L", true, 0, "")
	pdf.CellFormat(20, 7, "Qty", "1", 0, "R", true, 0, "")
	pdf.CellFormat(35, 7, "Unit price", "1", 0, "R", true, 0, "")
	pdf.CellFormat(35, 7, "Line total", "1", 1, "R", true, 0, "")

	pdf.SetFont("Arial", "", 10)
	for _, item := range inv.Items {
		name := item.Name
		if name == "" {
			name = item.SKU
		}
		pdf.CellFormat(90, 7, name, "1", 0, "L", false, 0, "")
		pdf.CellFormat(20, 7, fmt.Sprint(item.Qty), "1", 0, "R", false, 0, "")
		pdf.CellFormat(35, 7, Money(item.UnitPriceCents), "1", 0, "R", false, 0, "")
		pdf.CellFormat(35, 7, Money(item.LineTotalCents), "1", 1, "R", false, 0, "")
	}

	pdf.Ln(3)
	totals := []struct {
		label string
		cents int64
	}{
		{"Subtotal", inv.SubtotalCents},
		{taxLabel(inv.TaxLabel), inv.TaxCents},
		{"Discount", inv.DiscountCents},
		{"Total", inv.TotalCents},
		{"Paid (" + string(inv.PaymentMethod) + ")", inv.AmountPaidCents},
		{"Change", inv.ChangeCents},
	}
	for _, t := range totals {
		pdf.CellFormat(145, 6, t.label, "", 0, "R", false, 0, "")
		pdf.CellFormat(35, 6, Money(t.cents), "", 1, "R", false, 0, "")
	}

	if inv.Notes != "" {
		pdf.Ln(4)
		pdf.MultiCell(0, 5, inv.Notes, "", "L", false)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render invoice pdf: %w", err)
	}
	return buf.Bytes(), nil
}
