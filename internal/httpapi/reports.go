package httpapi

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/receipt"
)

func (a *API) handleSalesReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	query := r.URL.Query()
	format := strings.ToLower(strings.TrimSpace(query.Get("format")))

	summary, err := a.service.ShopSalesSummary(r.Context(), query.Get("shop_id"), query.Get("date"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	switch format {
	case "csv":
		body, err := salesSummaryToCSV(summary)
		if err != nil {
			a.writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"sales-%s-%s.csv\"", summary.ShopID, summary.Date))
		_, _ = w.Write(body)
	case "html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(salesSummaryToPrintableHTML(summary)))
	default:
		writeJSON(w, http.StatusOK, summary)
	}
}

func (a *API) handleOverview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	overview, err := a.service.MultiShopOverview(r.Context(), r.URL.Query().Get("date"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func salesSummaryToCSV(summary domain.SalesSummary) ([]byte, error) {
	itoa := func(v int64) string { return strconv.FormatInt(v, 10) }
	rows := [][]string{
		{"section", "key", "value"},
		{"summary", "date", summary.Date},
		{"summary", "shop_id", summary.ShopID},
		{"summary", "shop_name", summary.ShopName},
		{"summary", "invoices", itoa(summary.Invoices)},
		{"summary", "gross_sales_cents", itoa(summary.GrossSalesCents)},
		{"summary", "discount_cents", itoa(summary.DiscountCents)},
		{"summary", "tax_cents", itoa(summary.TaxCents)},
		{"summary", "credit_notes", itoa(summary.CreditNotes)},
		{"summary", "credited_cents", itoa(summary.CreditedCents)},
		{"summary", "net_sales_cents", itoa(summary.NetSalesCents)},
		{"summary", "items_sold", itoa(summary.ItemsSold)},
	}
	for _, payment := range summary.ByPayment {
		rows = append(rows,
			[]string{"payment", string(payment.PaymentMethod) + "_invoices", itoa(payment.Invoices)},
			[]string{"payment", string(payment.PaymentMethod) + "_total_cents", itoa(payment.TotalCents)},
		)
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("write sales csv: %w", err)
	}
	return buf.Bytes(), nil
}

// html/template escapes shop names and payment labels.
var salesSummaryHTMLTmpl = template.Must(template.New("sales-summary").Funcs(template.FuncMap{
	"money": receipt.Money,
}).Parse(`<!doctype html>
<html>
<head>
  <meta charset="utf-8" />
  <title>Sales {{.ShopName}} {{.Date}}</title>
  <style>
    body { font-family: sans-serif; margin: 24px; }
    table { width: 100%; border-collapse: collapse; margin-top: 8px; }
    th, td { border: 1px solid #ddd; padding: 6px; font-size: 13px; }
    h2, h3 { margin-bottom: 4px; }
  </style>
</head>
<body>
  <h2>Sales {{.Date}}</h2>
  <p>Shop: {{.ShopName}} ({{.ShopID}})</p>
  <p>Invoices: {{.Invoices}} | Items sold: {{.ItemsSold}}</p>
  <p>Gross: {{money .GrossSalesCents}} | Discount: {{money .DiscountCents}} | Tax: {{money .TaxCents}} | Credited: {{money .CreditedCents}} ({{.CreditNotes}}) | Net: {{money .NetSalesCents}}</p>

  <h3>By Payment</h3>
  <table>
    <thead><tr><th>Payment</th><th>Invoices</th><th>Total</th></tr></thead>
    <tbody>{{range .ByPayment}}<tr><td>{{.PaymentMethod}}</td><td style="text-align:right;">{{.Invoices}}</td><td style="text-align:right;">{{money .TotalCents}}</td></tr>{{end}}</tbody>
  </table>
</body>
</html>
`))

func salesSummaryToPrintableHTML(summary domain.SalesSummary) string {
	var buf bytes.Buffer
	if err := salesSummaryHTMLTmpl.Execute(&buf, summary); err != nil {
		return "<!doctype html><html><body><p>Report rendering error.</p></body></html>"
	}
	return buf.String()
}
