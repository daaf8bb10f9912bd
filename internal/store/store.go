package store

import (
	"context"
	"errors"
	"time"

	"pharmapos/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrAlreadyCredited    = errors.New("invoice already has a credit note")
)

type Repository interface {
	ListShops(ctx context.Context) ([]domain.Shop, error)
	GetShop(ctx context.Context, shopID string) (*domain.Shop, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	CreatePriceHistory(ctx context.Context, entry domain.ProductPriceHistory) error
	ListPriceHistory(ctx context.Context, sku string, limit int) ([]domain.ProductPriceHistory, error)
	GetProductsBySKUs(ctx context.Context, skus []string) (map[string]domain.Product, error)
	GetStockMap(ctx context.Context, shopID string, skus []string) (map[string]int, error)
	SetStock(ctx context.Context, shopID string, sku string, qty int) error
	IncreaseStock(ctx context.Context, shopID string, adjustments []domain.StockAdjustment) error
	// CreateInvoice persists inv and decrements stock for its items in one
	// step. An invoice already stored under the same idempotency key is
	// returned unchanged with Duplicate set.
	CreateInvoice(ctx context.Context, inv domain.Invoice) (*domain.Invoice, error)
	FindInvoiceByIdempotency(ctx context.Context, key string) (*domain.Invoice, error)
	FindInvoiceByID(ctx context.Context, id string) (*domain.Invoice, error)
	ListInvoices(ctx context.Context, filter domain.InvoiceFilter) ([]domain.Invoice, error)
	// CreateCreditNote persists cn and restocks its items. It fails with
	// ErrAlreadyCredited when the invoice already has a credit note.
	CreateCreditNote(ctx context.Context, cn domain.CreditNote) (*domain.CreditNote, error)
	FindCreditNoteByID(ctx context.Context, id string) (*domain.CreditNote, error)
	FindCreditNoteByInvoice(ctx context.Context, invoiceID string) (*domain.CreditNote, error)
	ListCreditNotes(ctx context.Context, shopID string, from time.Time, to time.Time, limit int) ([]domain.CreditNote, error)
	GetSalesSummary(ctx context.Context, shopID string, from time.Time, to time.Time) (domain.SalesSummary, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, shopID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
