package cart

import (
	"context"
	"fmt"
	"testing"

	"github.com/cucumber/godog"

	"pharmapos/backend/internal/domain"
)

type cartFeature struct {
	cart     *Cart
	products map[string]domain.Product
	stock    map[string]int
	payload  domain.InvoiceSubmission
	err      error
}

func (f *cartFeature) reset() {
	f.cart = New()
	f.products = map[string]domain.Product{}
	f.stock = map[string]int{}
	f.payload = domain.InvoiceSubmission{}
	f.err = nil
}

func (f *cartFeature) aProductPricedWithStock(sku string, price int, stock int) error {
	f.products[sku] = domain.Product{SKU: sku, Name: "Product " + sku, PriceCents: int64(price)}
	f.stock[sku] = stock
	return nil
}

func (f *cartFeature) iAddTimes(sku string, times int) error {
	product, ok := f.products[sku]
	if !ok {
		return fmt.Errorf("unknown product %q", sku)
	}
	f.err = nil
	for i := 0; i < times; i++ {
		if err := f.cart.AddItem(product, f.stock[sku]); err != nil {
			f.err = err
			return nil
		}
	}
	return nil
}

func (f *cartFeature) iSetThePriceOfTo(sku string, price int) error {
	f.err = f.cart.SetOverridePrice(sku, int64(price))
	return nil
}

func (f *cartFeature) iChangeTheQuantityOfBy(sku string, delta int) error {
	f.err = f.cart.UpdateQuantity(sku, delta, f.stock[sku])
	return nil
}

func (f *cartFeature) iCheckOutPaying(amount int) error {
	f.payload, f.err = f.cart.ToInvoicePayload(Checkout{AmountPaidCents: int64(amount)})
	return nil
}

func (f *cartFeature) theCartRejectsItWith(code string) error {
	rejection, ok := AsRejection(f.err)
	if !ok {
		return fmt.Errorf("expected rejection %q, got %v", code, f.err)
	}
	if string(rejection.Code) != code {
		return fmt.Errorf("expected rejection %q, got %q", code, rejection.Code)
	}
	return nil
}

func (f *cartFeature) theLineHasQuantityAndLineTotal(sku string, qty int, total int) error {
	line, ok := f.cart.Line(sku)
	if !ok {
		return fmt.Errorf("line %q not in cart", sku)
	}
	if line.Quantity != qty {
		return fmt.Errorf("expected quantity %d, got %d", qty, line.Quantity)
	}
	if line.LineTotalCents() != int64(total) {
		return fmt.Errorf("expected line total %d, got %d", total, line.LineTotalCents())
	}
	return nil
}

func (f *cartFeature) theTotalsAre(subtotal int, tax int, total int) error {
	got := f.cart.ComputeTotals()
	want := Totals{SubtotalCents: int64(subtotal), TaxLabel: VATExemptLabel, TaxCents: int64(tax), TotalCents: int64(total)}
	if got != want {
		return fmt.Errorf("expected totals %+v, got %+v", want, got)
	}
	return nil
}

func (f *cartFeature) theInvoicePayloadHasChange(change int) error {
	if f.err != nil {
		return fmt.Errorf("expected payload, got error: %v", f.err)
	}
	if f.payload.ChangeCents != int64(change) {
		return fmt.Errorf("expected change %d, got %d", change, f.payload.ChangeCents)
	}
	return nil
}

func (f *cartFeature) theCartIsEmpty() error {
	if !f.cart.IsEmpty() {
		return fmt.Errorf("expected empty cart, got %d lines", f.cart.Len())
	}
	return nil
}

func initializeCartScenario(ctx *godog.ScenarioContext) {
	f := &cartFeature{}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		f.reset()
		return ctx, nil
	})

	ctx.Step(`^a product "([^"]*)" priced (\d+) with stock (\d+)$`, f.aProductPricedWithStock)
	ctx.Step(`^I add "([^"]*)" (\d+) times$`, f.iAddTimes)
	ctx.Step(`^I set the price of "([^"]*)" to (\d+)$`, f.iSetThePriceOfTo)
	ctx.Step(`^I change the quantity of "([^"]*)" by (-?\d+)$`, f.iChangeTheQuantityOfBy)
	ctx.Step(`^I check out paying (\d+)$`, f.iCheckOutPaying)
	ctx.Step(`^the cart rejects it with "([^"]*)"$`, f.theCartRejectsItWith)
	ctx.Step(`^the line "([^"]*)" has quantity (\d+) and line total (\d+)$`, f.theLineHasQuantityAndLineTotal)
	ctx.Step(`^the totals are subtotal (\d+), tax (\d+) and total (\d+)$`, f.theTotalsAre)
	ctx.Step(`^the invoice payload has change (\d+)$`, f.theInvoicePayloadHasChange)
	ctx.Step(`^the cart is empty$`, f.theCartIsEmpty)
}

func TestCartFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: initializeCartScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/cart.feature"},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
