package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

var (
	windowStart = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	windowEnd   = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// collect runs query and scans every row. It never returns a nil slice.
func collect[T any](ctx context.Context, q queryer, scan func(rowScanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// inTx runs fn in a transaction and commits when fn returns nil.
func (s *Store) inTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// execOne runs a statement that must touch exactly one row.
func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// window replaces zero bounds with an open range.
func window(from time.Time, to time.Time) (time.Time, time.Time) {
	if from.IsZero() {
		from = windowStart
	}
	if to.IsZero() {
		to = windowEnd
	}
	return from, to
}

// Shops

func scanShop(row rowScanner) (domain.Shop, error) {
	var shop domain.Shop
	err := row.Scan(&shop.ID, &shop.Name, &shop.Address, &shop.Active)
	return shop, err
}

func (s *Store) ListShops(ctx context.Context) ([]domain.Shop, error) {
	return collect(ctx, s.db, scanShop, `
		SELECT id, name, address, active
		FROM shops
		WHERE active = true
		ORDER BY id
	`)
}

func (s *Store) GetShop(ctx context.Context, shopID string) (*domain.Shop, error) {
	shop, err := scanShop(s.db.QueryRowContext(ctx, `
		SELECT id, name, address, active
		FROM shops
		WHERE id = $1
	`, shopID))
	if err != nil {
		return nil, notFound(err)
	}
	return &shop, nil
}

// Products

const productColumns = `sku, name, category, unit, price_cents, requires_prescription, active`

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.SKU, &p.Name, &p.Category, &p.Unit, &p.PriceCents, &p.RequiresPrescription, &p.Active)
	return p, err
}

func validProduct(p domain.Product) bool {
	return p.SKU != "" && p.Name != "" && p.Category != "" && p.PriceCents >= 1
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return collect(ctx, s.db, scanProduct, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true
		ORDER BY category, name
	`)
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if !validProduct(product) {
		return nil, store.ErrInvalidTransaction
	}
	product.Active = true
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now(),now())
	`, product.SKU, product.Name, product.Category, product.Unit, product.PriceCents, product.RequiresPrescription, product.Active)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: sku %s already exists", store.ErrInvalidTransaction, product.SKU)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	product, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE sku = $1
	`, sku))
	if err != nil {
		return nil, notFound(err)
	}
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if !validProduct(product) {
		return nil, store.ErrInvalidTransaction
	}
	err := s.execOne(ctx, `
		UPDATE products
		SET name = $2, category = $3, unit = $4, price_cents = $5,
			requires_prescription = $6, active = $7, updated_at = now()
		WHERE sku = $1
	`, product.SKU, product.Name, product.Category, product.Unit, product.PriceCents, product.RequiresPrescription, product.Active)
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProductsBySKUs returns the active products among skus keyed by SKU.
func (s *Store) GetProductsBySKUs(ctx context.Context, skus []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(skus))
	if len(skus) == 0 {
		return result, nil
	}
	products, err := collect(ctx, s.db, scanProduct, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true AND sku = ANY($1)
	`, skus)
	if err != nil {
		return nil, err
	}
	for _, p := range products {
		result[p.SKU] = p
	}
	return result, nil
}

func scanPriceChange(row rowScanner) (domain.ProductPriceHistory, error) {
	var entry domain.ProductPriceHistory
	err := row.Scan(&entry.ID, &entry.SKU, &entry.OldPriceCents, &entry.NewPriceCents, &entry.ChangedBy, &entry.ChangedAt)
	entry.ChangedAt = entry.ChangedAt.UTC()
	return entry, err
}

func (s *Store) CreatePriceHistory(ctx context.Context, entry domain.ProductPriceHistory) error {
	if entry.ID == "" {
		entry.ID = xid.New("ph")
	}
	if entry.ChangedAt.IsZero() {
		entry.ChangedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_price_history (id, sku, old_price_cents, new_price_cents, changed_by, changed_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, entry.ID, entry.SKU, entry.OldPriceCents, entry.NewPriceCents, entry.ChangedBy, entry.ChangedAt)
	return err
}

func (s *Store) ListPriceHistory(ctx context.Context, sku string, limit int) ([]domain.ProductPriceHistory, error) {
	if limit < 1 {
		limit = 50
	}
	return collect(ctx, s.db, scanPriceChange, `
		SELECT id, sku, old_price_cents, new_price_cents, changed_by, changed_at
		FROM product_price_history
		WHERE sku = $1
		ORDER BY changed_at DESC
		LIMIT $2
	`, sku, limit)
}

// Stock

type stockLevel struct {
	sku string
	qty int
}

func scanStockLevel(row rowScanner) (stockLevel, error) {
	var level stockLevel
	err := row.Scan(&level.sku, &level.qty)
	return level, err
}

// stockLevels reads stock for skus at shopID. SKUs without a row count as
// zero. forUpdate locks the rows inside a transaction.
func stockLevels(ctx context.Context, q queryer, shopID string, skus []string, forUpdate bool) (map[string]int, error) {
	query := `
		SELECT sku, qty
		FROM inventory_stocks
		WHERE shop_id = $1 AND sku = ANY($2)`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	levels, err := collect(ctx, q, scanStockLevel, query, shopID, skus)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(skus))
	for _, sku := range skus {
		out[sku] = 0
	}
	for _, level := range levels {
		out[level.sku] = level.qty
	}
	return out, nil
}

func (s *Store) GetStockMap(ctx context.Context, shopID string, skus []string) (map[string]int, error) {
	if len(skus) == 0 {
		return map[string]int{}, nil
	}
	return stockLevels(ctx, s.db, shopID, skus, false)
}

func (s *Store) SetStock(ctx context.Context, shopID string, sku string, qty int) error {
	if sku == "" || qty < 0 {
		return store.ErrInvalidTransaction
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_stocks (shop_id, sku, qty, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (shop_id, sku)
		DO UPDATE SET qty = EXCLUDED.qty, updated_at = now()
	`, shopID, sku, qty)
	return err
}

func (s *Store) IncreaseStock(ctx context.Context, shopID string, adjustments []domain.StockAdjustment) error {
	return s.inTx(ctx, nil, func(tx *sql.Tx) error {
		return restock(ctx, tx, shopID, adjustments)
	})
}

func restock(ctx context.Context, tx *sql.Tx, shopID string, adjustments []domain.StockAdjustment) error {
	for _, adj := range adjustments {
		if adj.Qty < 1 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO inventory_stocks (shop_id, sku, qty, updated_at)
			VALUES ($1,$2,$3,now())
			ON CONFLICT (shop_id, sku)
			DO UPDATE SET qty = inventory_stocks.qty + EXCLUDED.qty, updated_at = now()
		`, shopID, adj.SKU, adj.Qty); err != nil {
			return err
		}
	}
	return nil
}

// Document lines, shared by invoices and credit notes.

type itemTable struct {
	name   string
	parent string
}

var (
	invoiceItems    = itemTable{name: "invoice_items", parent: "invoice_id"}
	creditNoteItems = itemTable{name: "credit_note_items", parent: "credit_note_id"}
)

type ownedItem struct {
	parentID string
	item     domain.InvoiceItem
}

func scanOwnedItem(row rowScanner) (ownedItem, error) {
	var o ownedItem
	err := row.Scan(&o.parentID, &o.item.SKU, &o.item.Name, &o.item.Qty, &o.item.BasePriceCents,
		&o.item.UnitPriceCents, &o.item.LineTotalCents, &o.item.PriceOverridden)
	return o, err
}

// items loads the lines of several documents in one query.
func (s *Store) items(ctx context.Context, table itemTable, ids []string) (map[string][]domain.InvoiceItem, error) {
	result := make(map[string][]domain.InvoiceItem, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	owned, err := collect(ctx, s.db, scanOwnedItem, fmt.Sprintf(`
		SELECT %[2]s, sku, name, qty, base_price_cents, unit_price_cents, line_total_cents, price_overridden
		FROM %[1]s
		WHERE %[2]s = ANY($1)
		ORDER BY id ASC
	`, table.name, table.parent), ids)
	if err != nil {
		return nil, err
	}
	for _, o := range owned {
		result[o.parentID] = append(result[o.parentID], o.item)
	}
	return result, nil
}

func insertItems(ctx context.Context, tx *sql.Tx, table itemTable, parentID string, items []domain.InvoiceItem) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (
			%s, sku, name, qty, base_price_cents, unit_price_cents, line_total_cents, price_overridden
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, table.name, table.parent)
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, query, parentID, item.SKU, item.Name, item.Qty,
			item.BasePriceCents, item.UnitPriceCents, item.LineTotalCents, item.PriceOverridden); err != nil {
			return err
		}
	}
	return nil
}

// Invoices

const invoiceSelect = `
	SELECT
		i.id, i.number, i.shop_id, i.terminal_id, i.idempotency_key, i.cashier_username,
		i.customer_name, i.customer_phone, i.customer_email, i.payment_method,
		i.subtotal_cents, i.tax_label, i.tax_cents, i.discount_cents, i.total_cents,
		i.amount_paid_cents, i.change_cents, i.notes, i.created_at, COALESCE(c.id, '')
	FROM invoices i
	LEFT JOIN credit_notes c ON c.invoice_id = i.id`

// scanInvoice derives the status from the joined credit note.
func scanInvoice(row rowScanner) (domain.Invoice, error) {
	var inv domain.Invoice
	err := row.Scan(
		&inv.ID, &inv.Number, &inv.ShopID, &inv.TerminalID, &inv.IdempotencyKey, &inv.CashierUsername,
		&inv.Customer.Name, &inv.Customer.Phone, &inv.Customer.Email, &inv.PaymentMethod,
		&inv.SubtotalCents, &inv.TaxLabel, &inv.TaxCents, &inv.DiscountCents, &inv.TotalCents,
		&inv.AmountPaidCents, &inv.ChangeCents, &inv.Notes, &inv.CreatedAt, &inv.CreditNoteID,
	)
	if err != nil {
		return inv, err
	}
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.Status = domain.InvoiceStatusPaid
	if inv.CreditNoteID != "" {
		inv.Status = domain.InvoiceStatusCredited
	}
	return inv, nil
}

// quantities sums item quantities per SKU and returns the SKUs sorted, so
// concurrent checkouts lock stock rows in the same order.
func quantities(items []domain.InvoiceItem) (map[string]int, []string, error) {
	required := make(map[string]int, len(items))
	for _, item := range items {
		if item.Qty < 1 {
			return nil, nil, store.ErrInvalidTransaction
		}
		required[item.SKU] += item.Qty
	}
	skus := make([]string, 0, len(required))
	for sku := range required {
		skus = append(skus, sku)
	}
	sort.Strings(skus)
	return required, skus, nil
}

func (s *Store) CreateInvoice(ctx context.Context, inv domain.Invoice) (*domain.Invoice, error) {
	if inv.IdempotencyKey == "" || len(inv.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if existing, err := s.duplicateOf(ctx, inv.IdempotencyKey); existing != nil || err != nil {
		return existing, err
	}
	required, skus, err := quantities(inv.Items)
	if err != nil {
		return nil, err
	}

	if inv.ID == "" {
		inv.ID = xid.New("inv")
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	inv.Status = domain.InvoiceStatusPaid
	inv.CreditNoteID = ""
	inv.Duplicate = false

	err = s.inTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, func(tx *sql.Tx) error {
		var active int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM products WHERE active = true AND sku = ANY($1)
		`, skus).Scan(&active); err != nil {
			return err
		}
		if active != len(skus) {
			return fmt.Errorf("%w: invoice references unavailable products", store.ErrInvalidTransaction)
		}

		levels, err := stockLevels(ctx, tx, inv.ShopID, skus, true)
		if err != nil {
			return err
		}
		for _, sku := range skus {
			if levels[sku] < required[sku] {
				return fmt.Errorf("%w: sku %s", store.ErrInsufficientStock, sku)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE inventory_stocks
				SET qty = qty - $1, updated_at = now()
				WHERE shop_id = $2 AND sku = $3
			`, required[sku], inv.ShopID, sku); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO invoices (
				id, number, shop_id, terminal_id, idempotency_key, cashier_username,
				customer_name, customer_phone, customer_email, payment_method,
				subtotal_cents, tax_label, tax_cents, discount_cents, total_cents,
				amount_paid_cents, change_cents, notes, created_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		`, inv.ID, inv.Number, inv.ShopID, inv.TerminalID, inv.IdempotencyKey, inv.CashierUsername,
			inv.Customer.Name, inv.Customer.Phone, inv.Customer.Email, inv.PaymentMethod,
			inv.SubtotalCents, inv.TaxLabel, inv.TaxCents, inv.DiscountCents, inv.TotalCents,
			inv.AmountPaidCents, inv.ChangeCents, inv.Notes, inv.CreatedAt); err != nil {
			return err
		}
		return insertItems(ctx, tx, invoiceItems, inv.ID, inv.Items)
	})
	if isUniqueViolation(err) {
		// A concurrent retry with the same key committed first.
		if existing, lookupErr := s.duplicateOf(ctx, inv.IdempotencyKey); existing != nil {
			return existing, nil
		} else if lookupErr != nil {
			return nil, lookupErr
		}
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// duplicateOf returns the invoice already stored under key marked as a
// duplicate, or nil when there is none.
func (s *Store) duplicateOf(ctx context.Context, key string) (*domain.Invoice, error) {
	existing, err := s.FindInvoiceByIdempotency(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	existing.Duplicate = true
	return existing, nil
}

func (s *Store) FindInvoiceByIdempotency(ctx context.Context, key string) (*domain.Invoice, error) {
	return s.findInvoice(ctx, invoiceSelect+` WHERE i.idempotency_key = $1`, key)
}

func (s *Store) FindInvoiceByID(ctx context.Context, id string) (*domain.Invoice, error) {
	return s.findInvoice(ctx, invoiceSelect+` WHERE i.id = $1`, id)
}

func (s *Store) findInvoice(ctx context.Context, query string, arg string) (*domain.Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		return nil, notFound(err)
	}
	lines, err := s.items(ctx, invoiceItems, []string{inv.ID})
	if err != nil {
		return nil, err
	}
	inv.Items = lines[inv.ID]
	return &inv, nil
}

func (s *Store) ListInvoices(ctx context.Context, filter domain.InvoiceFilter) ([]domain.Invoice, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}
	from, to := window(filter.From, filter.To)

	invoices, err := collect(ctx, s.db, scanInvoice, invoiceSelect+`
		WHERE ($1 = '' OR i.shop_id = $1)
			AND i.created_at >= $2
			AND i.created_at < $3
		ORDER BY i.created_at DESC, i.id DESC
		LIMIT $4
	`, filter.ShopID, from, to, limit)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(invoices))
	for i, inv := range invoices {
		ids[i] = inv.ID
	}
	lines, err := s.items(ctx, invoiceItems, ids)
	if err != nil {
		return nil, err
	}
	for i := range invoices {
		invoices[i].Items = lines[invoices[i].ID]
	}
	return invoices, nil
}

// Credit notes

const creditNoteSelect = `
	SELECT
		id, number, invoice_id, invoice_number, shop_id,
		customer_name, customer_phone, customer_email, payment_method,
		subtotal_cents, tax_label, tax_cents, discount_cents, total_cents,
		notes, status, created_by, created_at
	FROM credit_notes`

func scanCreditNote(row rowScanner) (domain.CreditNote, error) {
	var cn domain.CreditNote
	err := row.Scan(
		&cn.ID, &cn.Number, &cn.InvoiceID, &cn.InvoiceNumber, &cn.ShopID,
		&cn.Customer.Name, &cn.Customer.Phone, &cn.Customer.Email, &cn.PaymentMethod,
		&cn.SubtotalCents, &cn.TaxLabel, &cn.TaxCents, &cn.DiscountCents, &cn.TotalCents,
		&cn.Notes, &cn.Status, &cn.CreatedBy, &cn.CreatedAt,
	)
	cn.CreatedAt = cn.CreatedAt.UTC()
	return cn, err
}

func (s *Store) CreateCreditNote(ctx context.Context, cn domain.CreditNote) (*domain.CreditNote, error) {
	if len(cn.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if cn.ID == "" {
		cn.ID = xid.New("cn")
	}
	if cn.CreatedAt.IsZero() {
		cn.CreatedAt = time.Now().UTC()
	}
	if cn.Status == "" {
		cn.Status = domain.CreditNoteStatusIssued
	}

	err := s.inTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, func(tx *sql.Tx) error {
		// Locking the invoice row serializes credit attempts against it.
		err := tx.QueryRowContext(ctx, `
			SELECT shop_id, number FROM invoices WHERE id = $1 FOR UPDATE
		`, cn.InvoiceID).Scan(&cn.ShopID, &cn.InvoiceNumber)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: invoice %s", store.ErrNotFound, cn.InvoiceID)
		}
		if err != nil {
			return err
		}

		var credited bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM credit_notes WHERE invoice_id = $1)
		`, cn.InvoiceID).Scan(&credited); err != nil {
			return err
		}
		if credited {
			return fmt.Errorf("%w: invoice %s", store.ErrAlreadyCredited, cn.InvoiceNumber)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credit_notes (
				id, number, invoice_id, invoice_number, shop_id,
				customer_name, customer_phone, customer_email, payment_method,
				subtotal_cents, tax_label, tax_cents, discount_cents, total_cents,
				notes, status, created_by, created_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		`, cn.ID, cn.Number, cn.InvoiceID, cn.InvoiceNumber, cn.ShopID,
			cn.Customer.Name, cn.Customer.Phone, cn.Customer.Email, cn.PaymentMethod,
			cn.SubtotalCents, cn.TaxLabel, cn.TaxCents, cn.DiscountCents, cn.TotalCents,
			cn.Notes, cn.Status, cn.CreatedBy, cn.CreatedAt); err != nil {
			return err
		}
		if err := insertItems(ctx, tx, creditNoteItems, cn.ID, cn.Items); err != nil {
			return err
		}

		returned := make([]domain.StockAdjustment, 0, len(cn.Items))
		for _, item := range cn.Items {
			returned = append(returned, domain.StockAdjustment{SKU: item.SKU, Qty: item.Qty})
		}
		return restock(ctx, tx, cn.ShopID, returned)
	})
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: invoice %s", store.ErrAlreadyCredited, cn.InvoiceNumber)
	}
	if err != nil {
		return nil, err
	}
	return &cn, nil
}

func (s *Store) FindCreditNoteByID(ctx context.Context, id string) (*domain.CreditNote, error) {
	return s.findCreditNote(ctx, creditNoteSelect+` WHERE id = $1`, id)
}

func (s *Store) FindCreditNoteByInvoice(ctx context.Context, invoiceID string) (*domain.CreditNote, error) {
	return s.findCreditNote(ctx, creditNoteSelect+` WHERE invoice_id = $1`, invoiceID)
}

func (s *Store) findCreditNote(ctx context.Context, query string, arg string) (*domain.CreditNote, error) {
	cn, err := scanCreditNote(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		return nil, notFound(err)
	}
	lines, err := s.items(ctx, creditNoteItems, []string{cn.ID})
	if err != nil {
		return nil, err
	}
	cn.Items = lines[cn.ID]
	return &cn, nil
}

func (s *Store) ListCreditNotes(ctx context.Context, shopID string, from time.Time, to time.Time, limit int) ([]domain.CreditNote, error) {
	if limit < 1 {
		limit = 100
	}
	from, to = window(from, to)

	notes, err := collect(ctx, s.db, scanCreditNote, creditNoteSelect+`
		WHERE ($1 = '' OR shop_id = $1)
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, shopID, from, to, limit)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(notes))
	for i, cn := range notes {
		ids[i] = cn.ID
	}
	lines, err := s.items(ctx, creditNoteItems, ids)
	if err != nil {
		return nil, err
	}
	for i := range notes {
		notes[i].Items = lines[notes[i].ID]
	}
	return notes, nil
}

// Reporting

func scanPaymentTotal(row rowScanner) (domain.SalesByPayment, error) {
	var p domain.SalesByPayment
	err := row.Scan(&p.PaymentMethod, &p.Invoices, &p.TotalCents)
	return p, err
}

// GetSalesSummary aggregates invoices and credit notes of one shop in
// [from, to). Net sales are invoice totals minus credited totals.
func (s *Store) GetSalesSummary(ctx context.Context, shopID string, from time.Time, to time.Time) (domain.SalesSummary, error) {
	summary := domain.SalesSummary{ShopID: shopID}
	from, to = window(from, to)

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*)::bigint,
			COALESCE(SUM(subtotal_cents),0)::bigint,
			COALESCE(SUM(discount_cents),0)::bigint,
			COALESCE(SUM(tax_cents),0)::bigint,
			COALESCE(SUM(total_cents),0)::bigint,
			COALESCE((
				SELECT SUM(ii.qty) FROM invoice_items ii
				JOIN invoices x ON x.id = ii.invoice_id
				WHERE x.shop_id = $1 AND x.created_at >= $2 AND x.created_at < $3
			),0)::bigint
		FROM invoices
		WHERE shop_id = $1 AND created_at >= $2 AND created_at < $3
	`, shopID, from, to).Scan(
		&summary.Invoices,
		&summary.GrossSalesCents,
		&summary.DiscountCents,
		&summary.TaxCents,
		&summary.NetSalesCents,
		&summary.ItemsSold,
	)
	if err != nil {
		return summary, fmt.Errorf("invoice totals: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)::bigint, COALESCE(SUM(total_cents),0)::bigint
		FROM credit_notes
		WHERE shop_id = $1 AND created_at >= $2 AND created_at < $3
	`, shopID, from, to).Scan(&summary.CreditNotes, &summary.CreditedCents)
	if err != nil {
		return summary, fmt.Errorf("credit note totals: %w", err)
	}
	summary.NetSalesCents -= summary.CreditedCents

	summary.ByPayment, err = collect(ctx, s.db, scanPaymentTotal, `
		SELECT payment_method, COUNT(*)::bigint, COALESCE(SUM(total_cents),0)::bigint
		FROM invoices
		WHERE shop_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY payment_method
		ORDER BY payment_method
	`, shopID, from, to)
	if err != nil {
		return summary, fmt.Errorf("payment totals: %w", err)
	}
	return summary, nil
}

// Audit log

func scanAuditLog(row rowScanner) (domain.AuditLog, error) {
	var entry domain.AuditLog
	err := row.Scan(&entry.ID, &entry.ShopID, &entry.ActorUsername, &entry.ActorRole, &entry.Action,
		&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt)
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, err
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, shop_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.ShopID, entry.ActorUsername, entry.ActorRole, entry.Action,
		entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, shopID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	from, to = window(from, to)
	return collect(ctx, s.db, scanAuditLog, `
		SELECT id, shop_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR shop_id = $1)
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, shopID, from, to, limit)
}

// Users

func scanUser(row rowScanner) (domain.UserAccount, error) {
	var user domain.UserAccount
	err := row.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	user.CreatedAt = user.CreatedAt.UTC()
	return user, err
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: username %s already exists", store.ErrInvalidTransaction, user.Username)
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	return collect(ctx, s.db, scanUser, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	return s.execOne(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
}
