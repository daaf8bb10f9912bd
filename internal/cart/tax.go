package cart

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const VATExemptLabel = "VAT Exempt"

var hundred = decimal.NewFromInt(100)

// TaxPolicy computes tax on a cart subtotal. Rate is a percentage.
type TaxPolicy struct {
	Label string
	Rate  decimal.Decimal
}

// VATExempt is the default policy: every sale carries an explicit zero tax.
var VATExempt = TaxPolicy{Label: VATExemptLabel, Rate: decimal.Zero}

// NewTaxPolicy parses a percentage such as "11" or "7.5".
func NewTaxPolicy(label string, ratePercent string) (TaxPolicy, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(ratePercent))
	if err != nil {
		return TaxPolicy{}, fmt.Errorf("invalid tax rate %q: %w", ratePercent, err)
	}
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return TaxPolicy{}, fmt.Errorf("tax rate must be between 0 and 100, got %s", rate)
	}
	label = strings.TrimSpace(label)
	switch {
	case label == "" && rate.IsZero():
		label = VATExemptLabel
	case label == "":
		label = fmt.Sprintf("VAT %s%%", rate.String())
	}
	return TaxPolicy{Label: label, Rate: rate}, nil
}

// Tax returns the tax on baseCents rounded half-to-even to whole cents.
func (p TaxPolicy) Tax(baseCents int64) int64 {
	if baseCents <= 0 || p.Rate.IsZero() {
		return 0
	}
	return decimal.NewFromInt(baseCents).Mul(p.Rate).Div(hundred).RoundBank(0).IntPart()
}

func (p TaxPolicy) Exempt() bool {
	return p.Rate.IsZero()
}
