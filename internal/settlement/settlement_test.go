package settlement

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestLineItemTotal(t *testing.T) {
	tests := []struct {
		name string
		in   LineItemInput
		want string
	}{
		{
			name: "tax included",
			in:   LineItemInput{Requirement: "Flex Printing", Quantity: d("3"), Rate: d("100"), TaxIncluded: true},
			want: "354.00",
		},
		{
			name: "duration priced",
			in:   LineItemInput{Requirement: "Mobile Vans", Quantity: d("2"), Rate: d("500"), DurationDays: 5},
			want: "5000.00",
		},
		{
			name: "duration priced with zero days counts one day",
			in:   LineItemInput{Requirement: "mobile vans", Quantity: d("2"), Rate: d("500")},
			want: "1000.00",
		},
		{
			name: "duration ignored for regular requirement",
			in:   LineItemInput{Requirement: "Standee", Quantity: d("2"), Rate: d("500"), DurationDays: 5},
			want: "1000.00",
		},
		{
			name: "missing quantity is zero",
			in:   LineItemInput{Requirement: "Standee", Rate: d("500"), TaxIncluded: true},
			want: "0.00",
		},
		{
			name: "rounds to cents",
			in:   LineItemInput{Requirement: "Standee", Quantity: d("1"), Rate: d("10.555")},
			want: "10.56",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LineItemTotal(tt.in)
			assert.Equal(t, tt.want, got.StringFixed(2))
			assert.True(t, got.Equal(LineItemTotal(tt.in)), "LineItemTotal must be deterministic")
		})
	}
}

func TestComputeTotals(t *testing.T) {
	totals := ComputeTotals([]decimal.Decimal{d("700"), d("500")}, d("200"), d("520"))

	assert.Equal(t, "1200.00", totals.Total.StringFixed(2))
	assert.Equal(t, "1000.00", totals.DiscountedTotal.StringFixed(2))
	assert.Equal(t, "480.00", totals.Balance.StringFixed(2))

	again := ComputeTotals([]decimal.Decimal{d("700"), d("500")}, d("200"), d("520"))
	assert.Equal(t, totals, again)
}

func TestComputeTotals_NegativeDiscountedTotalSurfaced(t *testing.T) {
	totals := ComputeTotals([]decimal.Decimal{d("100")}, d("150"), d("0"))

	assert.Equal(t, "-50.00", totals.DiscountedTotal.StringFixed(2))
	assert.Equal(t, "-50.00", totals.Balance.StringFixed(2))
}

func TestCheckAdvancePolicy(t *testing.T) {
	t.Run("below threshold", func(t *testing.T) {
		res := CheckAdvancePolicy(d("520"), d("1200"), false)
		require.False(t, res.OK)
		assert.Equal(t, "43.3", res.Percent.StringFixed(1))
		assert.Contains(t, res.Reason, "43.3%")
	})

	t.Run("exactly half", func(t *testing.T) {
		res := CheckAdvancePolicy(d("600"), d("1200"), false)
		assert.True(t, res.OK)
		assert.False(t, res.Waived)
	})

	t.Run("privileged bypass", func(t *testing.T) {
		res := CheckAdvancePolicy(d("0"), d("1200"), true)
		assert.True(t, res.OK)
		assert.True(t, res.Waived)
		assert.Empty(t, res.Reason)
	})

	t.Run("zero total skips check", func(t *testing.T) {
		res := CheckAdvancePolicy(d("0"), d("0"), false)
		assert.True(t, res.OK)
	})
}
