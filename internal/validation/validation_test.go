package validation

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/order-settlement/internal/model"
)

func TestIsValidContactNumber(t *testing.T) {
	tests := []struct {
		name   string
		number string
		valid  bool
	}{
		{name: "ten digits", number: "9876543210", valid: true},
		{name: "with country code", number: "+919876543210", valid: true},
		{name: "too short", number: "98765", valid: false},
		{name: "contains letters", number: "98765x3210", valid: false},
		{name: "empty string", number: "", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidContactNumber(tt.number)
			if got != tt.valid {
				t.Fatalf("IsValidContactNumber(%q) = %v, want %v", tt.number, got, tt.valid)
			}
		})
	}
}

func TestAmountUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		coerced bool
	}{
		{name: "number", raw: `12.5`, want: "12.5"},
		{name: "numeric string", raw: `"1,200"`, want: "1200"},
		{name: "blank string", raw: `""`, want: "0", coerced: true},
		{name: "garbage string", raw: `"abc"`, want: "0", coerced: true},
		{name: "null", raw: `null`, want: "0", coerced: true},
		{name: "genuine zero", raw: `0`, want: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a Amount
			if err := json.Unmarshal([]byte(tt.raw), &a); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !a.Value.Equal(decimal.RequireFromString(tt.want)) {
				t.Fatalf("value = %s, want %s", a.Value, tt.want)
			}
			if a.Coerced != tt.coerced {
				t.Fatalf("coerced = %v, want %v", a.Coerced, tt.coerced)
			}
		})
	}
}

func TestValidateOrder(t *testing.T) {
	valid := model.Order{
		Executive:     "A",
		BusinessName:  "Acme",
		CustomerName:  "John",
		ContactNumber: "9876543210",
	}
	if err := ValidateOrder(&valid); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	invalid := model.Order{
		ContactNumber: "123",
		Advance:       decimal.NewFromInt(-1),
		LineItems: []model.LineItem{
			{Quantity: decimal.NewFromInt(-2)},
		},
	}
	err := ValidateOrder(&invalid)

	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	for _, field := range []string{"executive", "businessName", "customerName", "contactNumber", "advance", "lineItems[0].quantity"} {
		if _, ok := vErr.Fields[field]; !ok {
			t.Fatalf("field %q not reported in %v", field, vErr.Fields)
		}
	}
}
