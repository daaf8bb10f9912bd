package cart

import (
	"errors"
	"fmt"
)

type RejectionCode string

const (
	CodeOutOfStock           RejectionCode = "out_of_stock"
	CodeStockLimit           RejectionCode = "stock_limit"
	CodePriceInvalid         RejectionCode = "price_invalid"
	CodePriceBelowMinimum    RejectionCode = "price_below_minimum"
	CodeNotInCart            RejectionCode = "not_in_cart"
	CodeEmptyCart            RejectionCode = "empty_cart"
	CodeInsufficientPayment  RejectionCode = "insufficient_payment"
	CodeInvalidDiscount      RejectionCode = "invalid_discount"
	CodeInvalidPaymentMethod RejectionCode = "invalid_payment_method"
)

// Rejection is returned when a cart operation is refused. The cart is never
// mutated when a Rejection is returned.
type Rejection struct {
	Code         RejectionCode `json:"code"`
	Message      string        `json:"error"`
	SKU          string        `json:"sku,omitempty"`
	MinimumCents int64         `json:"minimum_cents,omitempty"`
	CurrentCents int64         `json:"current_cents,omitempty"`
}

func (r *Rejection) Error() string {
	return r.Message
}

// AsRejection unwraps err into a *Rejection if it carries one.
func AsRejection(err error) (*Rejection, bool) {
	var rejection *Rejection
	if errors.As(err, &rejection) {
		return rejection, true
	}
	return nil, false
}

// IsCode reports whether err is a Rejection with the given code.
func IsCode(err error, code RejectionCode) bool {
	rejection, ok := AsRejection(err)
	return ok && rejection.Code == code
}

func outOfStock(sku string) *Rejection {
	return &Rejection{Code: CodeOutOfStock, SKU: sku, Message: fmt.Sprintf("%s is out of stock", sku)}
}

func stockLimit(sku string, available int) *Rejection {
	return &Rejection{
		Code:    CodeStockLimit,
		SKU:     sku,
		Message: fmt.Sprintf("only %d of %s available", available, sku),
	}
}

func notInCart(sku string) *Rejection {
	return &Rejection{Code: CodeNotInCart, SKU: sku, Message: fmt.Sprintf("%s is not in the cart", sku)}
}
