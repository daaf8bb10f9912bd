package domain

import "strings"

type PaymentMethod string

const (
	PaymentCash         PaymentMethod = "cash"
	PaymentCard         PaymentMethod = "card"
	PaymentMobileMoney  PaymentMethod = "mobile_money"
	PaymentBankTransfer PaymentMethod = "bank_transfer"
	PaymentInsurance    PaymentMethod = "insurance"
)

var paymentMethods = []PaymentMethod{
	PaymentCash,
	PaymentCard,
	PaymentMobileMoney,
	PaymentBankTransfer,
	PaymentInsurance,
}

// PaymentMethods returns every accepted payment method in display order.
func PaymentMethods() []PaymentMethod {
	out := make([]PaymentMethod, len(paymentMethods))
	copy(out, paymentMethods)
	return out
}

// ParsePaymentMethod normalizes raw input. Empty input is treated as cash.
func ParsePaymentMethod(raw string) (PaymentMethod, bool) {
	value := PaymentMethod(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return PaymentCash, true
	}
	for _, method := range paymentMethods {
		if method == value {
			return method, true
		}
	}
	return "", false
}

func (m PaymentMethod) Valid() bool {
	for _, method := range paymentMethods {
		if method == m {
			return true
		}
	}
	return false
}

type InvoiceStatus string

const (
	InvoiceStatusPaid     InvoiceStatus = "paid"
	InvoiceStatusCredited InvoiceStatus = "credited"
)

type CreditNoteStatus string

const (
	CreditNoteStatusIssued CreditNoteStatus = "issued"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)
