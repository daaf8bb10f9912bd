// Package validation checks request payloads with go-playground/validator.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
)

// Error lists the offending fields keyed by their JSON path. It unwraps to
// store.ErrInvalidTransaction so callers can treat it like any other bad input.
type Error struct {
	Fields map[string]string
}

func (e *Error) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for key := range e.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+": "+e.Fields[key])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *Error) Unwrap() error {
	return store.ErrInvalidTransaction
}

type Validator struct {
	v *validatorv10.Validate
}

// New returns a validator with the payment method tag and the invoice
// arithmetic check registered.
func New() *Validator {
	v := validatorv10.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	// Registration only fails on an empty tag or nil func.
	_ = v.RegisterValidation("payment_method", func(fl validatorv10.FieldLevel) bool {
		return domain.PaymentMethod(fl.Field().String()).Valid()
	})
	v.RegisterStructValidation(invoiceSubmissionStructValidation, domain.InvoiceSubmission{})
	return &Validator{v: v}
}

// Struct validates value and returns *Error on failure.
func (v *Validator) Struct(value any) error {
	err := v.v.Struct(value)
	if err == nil {
		return nil
	}
	var fieldErrs validatorv10.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", store.ErrInvalidTransaction, err)
	}
	out := &Error{Fields: make(map[string]string, len(fieldErrs))}
	for _, fe := range fieldErrs {
		out.Fields[fieldPath(fe.Namespace())] = message(fe)
	}
	return out
}

func fieldPath(namespace string) string {
	if idx := strings.Index(namespace, "."); idx >= 0 {
		return namespace[idx+1:]
	}
	return namespace
}

func message(fe validatorv10.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.String {
			return "must be at least " + fe.Param() + " characters"
		}
		return "must have at least " + fe.Param() + " entries"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "alphanum":
		return "must contain only letters and digits"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "email":
		return "must be a valid email"
	case "payment_method":
		return "unsupported payment method"
	case "line_total", "subtotal", "total", "change":
		return "does not match the invoice lines"
	default:
		return "failed " + fe.Tag()
	}
}

// invoiceSubmissionStructValidation checks the payload arithmetic:
// line totals, subtotal, total and change.
func invoiceSubmissionStructValidation(sl validatorv10.StructLevel) {
	sub := sl.Current().Interface().(domain.InvoiceSubmission)

	if !sub.PaymentMethod.Valid() {
		sl.ReportError(sub.PaymentMethod, "payment_method", "PaymentMethod", "payment_method", "")
	}

	var subtotal int64
	for i, item := range sub.Items {
		if int64(item.Qty)*item.UnitPriceCents != item.LineTotalCents {
			sl.ReportError(item.LineTotalCents, fmt.Sprintf("items[%d].line_total_cents", i), "LineTotalCents", "line_total", "")
		}
		subtotal += item.LineTotalCents
	}
	if len(sub.Items) > 0 && subtotal != sub.SubtotalCents {
		sl.ReportError(sub.SubtotalCents, "subtotal_cents", "SubtotalCents", "subtotal", "")
	}
	if sub.SubtotalCents+sub.TaxCents-sub.DiscountCents != sub.TotalCents {
		sl.ReportError(sub.TotalCents, "total_cents", "TotalCents", "total", "")
	}
	if sub.AmountPaidCents-sub.TotalCents != sub.ChangeCents {
		sl.ReportError(sub.ChangeCents, "change_cents", "ChangeCents", "change", "")
	}
}
