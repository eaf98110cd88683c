package validation

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/order-settlement/internal/model"
)

// ValidationError описывает отсутствующие или некорректные поля заказа.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// IsValidContactNumber проверяет номер телефона: 10–13 цифр, допускается ведущий «+».
func IsValidContactNumber(number string) bool {
	number = strings.TrimPrefix(strings.TrimSpace(number), "+")
	if len(number) < 10 || len(number) > 13 {
		return false
	}
	for _, ch := range number {
		if !unicode.IsDigit(ch) {
			return false
		}
	}
	return true
}

// ValidateOrder проверяет обязательные поля заказа перед расчётом.
func ValidateOrder(o *model.Order) error {
	fields := make(map[string]string)

	if strings.TrimSpace(o.Executive) == "" {
		fields["executive"] = "is required"
	}
	if strings.TrimSpace(o.BusinessName) == "" {
		fields["businessName"] = "is required"
	}
	if strings.TrimSpace(o.CustomerName) == "" {
		fields["customerName"] = "is required"
	}
	if strings.TrimSpace(o.ContactNumber) == "" {
		fields["contactNumber"] = "is required"
	} else if !IsValidContactNumber(o.ContactNumber) {
		fields["contactNumber"] = "must contain 10 to 13 digits"
	}

	if o.Discount.IsNegative() {
		fields["discount"] = "must not be negative"
	}
	if o.Advance.IsNegative() {
		fields["advance"] = "must not be negative"
	}

	for i, li := range o.LineItems {
		checkNonNegative(fields, fmt.Sprintf("lineItems[%d].quantity", i), li.Quantity)
		checkNonNegative(fields, fmt.Sprintf("lineItems[%d].rate", i), li.Rate)
		if li.DurationDays < 0 {
			fields[fmt.Sprintf("lineItems[%d].durationDays", i)] = "must not be negative"
		}
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func checkNonNegative(fields map[string]string, name string, v decimal.Decimal) {
	if v.IsNegative() {
		fields[name] = "must not be negative"
	}
}
