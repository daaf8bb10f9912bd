// Package cart holds the sales-terminal cart and the arithmetic that turns it
// into an invoice payload.
package cart

import (
	"fmt"

	"pharmapos/backend/internal/domain"
)

type Line struct {
	SKU                string `json:"sku"`
	Name               string `json:"name"`
	Quantity           int    `json:"quantity"`
	BasePriceCents     int64  `json:"base_price_cents"`
	OverridePriceCents *int64 `json:"override_price_cents,omitempty"`
}

func (l Line) EffectivePriceCents() int64 {
	if l.OverridePriceCents != nil {
		return *l.OverridePriceCents
	}
	return l.BasePriceCents
}

func (l Line) LineTotalCents() int64 {
	return int64(l.Quantity) * l.EffectivePriceCents()
}

func (l Line) ManuallyPriced() bool {
	return l.OverridePriceCents != nil
}

func (l Line) clone() Line {
	if l.OverridePriceCents != nil {
		price := *l.OverridePriceCents
		l.OverridePriceCents = &price
	}
	return l
}

type Totals struct {
	SubtotalCents int64  `json:"subtotal_cents"`
	TaxLabel      string `json:"tax_label"`
	TaxCents      int64  `json:"tax_cents"`
	TotalCents    int64  `json:"total_cents"`
}

// Cart is an ordered map of lines keyed by SKU. It is not safe for
// concurrent use; callers serialize access per sales session.
type Cart struct {
	order  []string
	lines  map[string]*Line
	policy TaxPolicy
}

func New() *Cart {
	return NewWithPolicy(VATExempt)
}

func NewWithPolicy(policy TaxPolicy) *Cart {
	if policy.Label == "" {
		policy.Label = VATExemptLabel
	}
	return &Cart{
		lines:  make(map[string]*Line),
		policy: policy,
	}
}

func (c *Cart) Policy() TaxPolicy {
	return c.policy
}

// AddItem adds one unit of product. availableStock must be the current
// stock for the product at the moment of the call.
func (c *Cart) AddItem(product domain.Product, availableStock int) error {
	if line, ok := c.lines[product.SKU]; ok {
		if line.Quantity+1 > availableStock {
			return stockLimit(product.SKU, availableStock)
		}
		line.Quantity++
		return nil
	}

	if availableStock <= 0 {
		return outOfStock(product.SKU)
	}
	if product.PriceCents <= 0 {
		return &Rejection{
			Code:    CodePriceInvalid,
			SKU:     product.SKU,
			Message: fmt.Sprintf("%s has no valid catalog price", product.SKU),
		}
	}

	c.lines[product.SKU] = &Line{
		SKU:            product.SKU,
		Name:           product.Name,
		Quantity:       1,
		BasePriceCents: product.PriceCents,
	}
	c.order = append(c.order, product.SKU)
	return nil
}

// UpdateQuantity applies delta to a line. A resulting quantity of zero
// removes the line. Only increases are held to availableStock, so a line can
// always shrink after stock sold elsewhere.
func (c *Cart) UpdateQuantity(sku string, delta int, availableStock int) error {
	line, ok := c.lines[sku]
	if !ok {
		return notInCart(sku)
	}

	next := line.Quantity + delta
	if next < 0 {
		next = 0
	}
	if delta > 0 && next > availableStock {
		return stockLimit(sku, availableStock)
	}
	if next == 0 {
		c.RemoveItem(sku)
		return nil
	}
	line.Quantity = next
	return nil
}

// SetOverridePrice replaces the unit price of a line. The new price must be
// positive and never below the catalog price.
func (c *Cart) SetOverridePrice(sku string, priceCents int64) error {
	line, ok := c.lines[sku]
	if !ok {
		return notInCart(sku)
	}

	current := line.EffectivePriceCents()
	if priceCents <= 0 {
		return &Rejection{
			Code:         CodePriceInvalid,
			SKU:          sku,
			MinimumCents: line.BasePriceCents,
			CurrentCents: current,
			Message:      "price must be greater than zero",
		}
	}
	if priceCents < line.BasePriceCents {
		return &Rejection{
			Code:         CodePriceBelowMinimum,
			SKU:          sku,
			MinimumCents: line.BasePriceCents,
			CurrentCents: current,
			Message:      fmt.Sprintf("price for %s cannot be below %d", sku, line.BasePriceCents),
		}
	}

	price := priceCents
	line.OverridePriceCents = &price
	return nil
}

func (c *Cart) ClearOverridePrice(sku string) error {
	line, ok := c.lines[sku]
	if !ok {
		return notInCart(sku)
	}
	line.OverridePriceCents = nil
	return nil
}

// RemoveItem deletes the line for sku if present.
func (c *Cart) RemoveItem(sku string) {
	if _, ok := c.lines[sku]; !ok {
		return
	}
	delete(c.lines, sku)
	for i, id := range c.order {
		if id == sku {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Cart) ComputeTotals() Totals {
	var subtotal int64
	for _, sku := range c.order {
		subtotal += c.lines[sku].LineTotalCents()
	}
	tax := c.policy.Tax(subtotal)
	return Totals{
		SubtotalCents: subtotal,
		TaxLabel:      c.policy.Label,
		TaxCents:      tax,
		TotalCents:    subtotal + tax,
	}
}

func (c *Cart) Totals() Totals {
	return c.ComputeTotals()
}

// Lines returns a copy of the lines in insertion order.
func (c *Cart) Lines() []Line {
	out := make([]Line, 0, len(c.order))
	for _, sku := range c.order {
		out = append(out, c.lines[sku].clone())
	}
	return out
}

func (c *Cart) Line(sku string) (Line, bool) {
	line, ok := c.lines[sku]
	if !ok {
		return Line{}, false
	}
	return line.clone(), true
}

func (c *Cart) Len() int {
	return len(c.order)
}

func (c *Cart) IsEmpty() bool {
	return len(c.order) == 0
}

func (c *Cart) Clear() {
	c.order = nil
	c.lines = make(map[string]*Line)
}
