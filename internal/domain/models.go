package domain

import "time"

// Product is a catalog entry. SKU is the product identifier used by carts,
// stock lookups and invoice lines.
type Product struct {
	SKU                  string `json:"sku"`
	Name                 string `json:"name"`
	Category             string `json:"category"`
	Unit                 string `json:"unit"`
	PriceCents           int64  `json:"price_cents"`
	RequiresPrescription bool   `json:"requires_prescription"`
	Active               bool   `json:"active"`
}

type ProductCreateRequest struct {
	ShopID               string `json:"shop_id"`
	SKU                  string `json:"sku" validate:"required,max=64"`
	Name                 string `json:"name" validate:"required,max=160"`
	Category             string `json:"category" validate:"required,max=64"`
	Unit                 string `json:"unit" validate:"max=32"`
	PriceCents           int64  `json:"price_cents" validate:"gt=0"`
	RequiresPrescription bool   `json:"requires_prescription"`
	InitialStock         int    `json:"initial_stock" validate:"gte=0"`
}

type ProductUpdateRequest struct {
	Name                 *string `json:"name,omitempty" validate:"omitempty,max=160"`
	Category             *string `json:"category,omitempty" validate:"omitempty,max=64"`
	Unit                 *string `json:"unit,omitempty" validate:"omitempty,max=32"`
	PriceCents           *int64  `json:"price_cents,omitempty" validate:"omitempty,gt=0"`
	RequiresPrescription *bool   `json:"requires_prescription,omitempty"`
	Active               *bool   `json:"active,omitempty"`
}

type ProductPriceHistory struct {
	ID            string    `json:"id"`
	SKU           string    `json:"sku"`
	OldPriceCents int64     `json:"old_price_cents"`
	NewPriceCents int64     `json:"new_price_cents"`
	ChangedBy     string    `json:"changed_by"`
	ChangedAt     time.Time `json:"changed_at"`
}

// ProductStock is a catalog entry together with its stock in one shop.
type ProductStock struct {
	Product
	ShopID         string `json:"shop_id"`
	AvailableStock int    `json:"available_stock"`
}

type Shop struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Active  bool   `json:"active"`
}

type StockLevel struct {
	ShopID         string `json:"shop_id"`
	SKU            string `json:"sku"`
	AvailableStock int    `json:"available_stock"`
}

type StockAdjustment struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

type StockCountItem struct {
	SKU        string `json:"sku" validate:"required"`
	CountedQty int    `json:"counted_qty" validate:"gte=0"`
}

type StockCountRequest struct {
	ShopID string           `json:"shop_id"`
	Notes  string           `json:"notes" validate:"max=500"`
	Items  []StockCountItem `json:"items" validate:"required,min=1,dive"`
}

type StockCountAdjustment struct {
	SKU        string `json:"sku"`
	SystemQty  int    `json:"system_qty"`
	CountedQty int    `json:"counted_qty"`
	DeltaQty   int    `json:"delta_qty"`
}

type StockCountResponse struct {
	CountID     string                 `json:"count_id"`
	ShopID      string                 `json:"shop_id"`
	Notes       string                 `json:"notes"`
	Adjustments []StockCountAdjustment `json:"adjustments"`
	CreatedAt   string                 `json:"created_at"`
}

type Customer struct {
	Name  string `json:"name,omitempty" validate:"max=160"`
	Phone string `json:"phone,omitempty" validate:"max=32"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
}

// InvoiceItem is the immutable snapshot of one cart line at submission time.
type InvoiceItem struct {
	SKU             string `json:"sku" validate:"required"`
	Name            string `json:"name"`
	Qty             int    `json:"qty" validate:"gte=1"`
	BasePriceCents  int64  `json:"base_price_cents" validate:"gt=0"`
	UnitPriceCents  int64  `json:"unit_price_cents" validate:"gt=0"`
	LineTotalCents  int64  `json:"line_total_cents" validate:"gt=0"`
	PriceOverridden bool   `json:"price_overridden"`
}

// InvoiceSubmission is the write-once payload a finished sale is submitted as.
type InvoiceSubmission struct {
	ShopID          string        `json:"shop_id"`
	TerminalID      string        `json:"terminal_id"`
	IdempotencyKey  string        `json:"idempotency_key"`
	Customer        Customer      `json:"customer"`
	PaymentMethod   PaymentMethod `json:"payment_method" validate:"required"`
	Items           []InvoiceItem `json:"items" validate:"required,min=1,dive"`
	SubtotalCents   int64         `json:"subtotal_cents" validate:"gt=0"`
	TaxLabel        string        `json:"tax_label"`
	TaxCents        int64         `json:"tax_cents" validate:"gte=0"`
	DiscountCents   int64         `json:"discount_cents" validate:"gte=0"`
	TotalCents      int64         `json:"total_cents" validate:"gte=0"`
	AmountPaidCents int64         `json:"amount_paid_cents" validate:"gte=0"`
	ChangeCents     int64         `json:"change_cents" validate:"gte=0"`
	Notes           string        `json:"notes" validate:"max=500"`
}

type Invoice struct {
	ID              string        `json:"id"`
	Number          string        `json:"number"`
	ShopID          string        `json:"shop_id"`
	TerminalID      string        `json:"terminal_id"`
	IdempotencyKey  string        `json:"idempotency_key"`
	CashierUsername string        `json:"cashier_username"`
	Customer        Customer      `json:"customer"`
	PaymentMethod   PaymentMethod `json:"payment_method"`
	Items           []InvoiceItem `json:"items"`
	SubtotalCents   int64         `json:"subtotal_cents"`
	TaxLabel        string        `json:"tax_label"`
	TaxCents        int64         `json:"tax_cents"`
	DiscountCents   int64         `json:"discount_cents"`
	TotalCents      int64         `json:"total_cents"`
	AmountPaidCents int64         `json:"amount_paid_cents"`
	ChangeCents     int64         `json:"change_cents"`
	Notes           string        `json:"notes"`
	Status          InvoiceStatus `json:"status"`
	CreditNoteID    string        `json:"credit_note_id,omitempty"`
	Duplicate       bool          `json:"duplicate,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

type InvoiceFilter struct {
	ShopID string
	From   time.Time
	To     time.Time
	Limit  int
}

type InvoiceListResponse struct {
	Invoices []Invoice `json:"invoices"`
}

type CreditNoteRequest struct {
	InvoiceID string `json:"invoice_id" validate:"required"`
	Notes     string `json:"notes" validate:"max=500"`
}

// CreditNote reverses exactly one invoice and carries a copy of its lines and totals.
type CreditNote struct {
	ID              string           `json:"id"`
	Number          string           `json:"number"`
	InvoiceID       string           `json:"invoice_id"`
	InvoiceNumber   string           `json:"invoice_number"`
	ShopID          string           `json:"shop_id"`
	Customer        Customer         `json:"customer"`
	PaymentMethod   PaymentMethod    `json:"payment_method"`
	Items           []InvoiceItem    `json:"items"`
	SubtotalCents   int64            `json:"subtotal_cents"`
	TaxLabel        string           `json:"tax_label"`
	TaxCents        int64            `json:"tax_cents"`
	DiscountCents   int64            `json:"discount_cents"`
	TotalCents      int64            `json:"total_cents"`
	Notes           string           `json:"notes"`
	Status          CreditNoteStatus `json:"status"`
	CreatedBy       string           `json:"created_by"`
	CreatedAt       time.Time        `json:"created_at"`
}

type CreditNoteListResponse struct {
	CreditNotes []CreditNote `json:"credit_notes"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type CashierCreateRequest struct {
	Username string `json:"username" validate:"required,min=4,max=32,alphanum"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type SalesByPayment struct {
	PaymentMethod PaymentMethod `json:"payment_method"`
	Invoices      int64         `json:"invoices"`
	TotalCents    int64         `json:"total_cents"`
}

type SalesSummary struct {
	ShopID          string           `json:"shop_id"`
	ShopName        string           `json:"shop_name,omitempty"`
	Date            string           `json:"date"`
	Invoices        int64            `json:"invoices"`
	GrossSalesCents int64            `json:"gross_sales_cents"`
	DiscountCents   int64            `json:"discount_cents"`
	TaxCents        int64            `json:"tax_cents"`
	CreditNotes     int64            `json:"credit_notes"`
	CreditedCents   int64            `json:"credited_cents"`
	NetSalesCents   int64            `json:"net_sales_cents"`
	ItemsSold       int64            `json:"items_sold"`
	ByPayment       []SalesByPayment `json:"by_payment"`
}

type MultiShopOverview struct {
	Date          string         `json:"date"`
	Shops         []SalesSummary `json:"shops"`
	Invoices      int64          `json:"invoices"`
	NetSalesCents int64          `json:"net_sales_cents"`
	CreditedCents int64          `json:"credited_cents"`
	TopShopID     string         `json:"top_shop_id,omitempty"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ShopID        string    `json:"shop_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type ReceiptResponse struct {
	DocumentID   string `json:"document_id"`
	Number       string `json:"number"`
	EscposBase64 string `json:"escpos_base64"`
	PreviewText  string `json:"preview_text"`
	FileName     string `json:"file_name"`
}
