// Package settlement реализует расчёт сумм по заказу: строки, итоги,
// проверку аванса и разделение комиссии между двумя менеджерами.
// Все функции пакета чистые и не обращаются к хранилищу.
package settlement

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	taxMultiplier = decimal.RequireFromString("1.18")
	// MinAdvanceRatio — минимальная доля аванса от суммы заказа для непривилегированных пользователей.
	MinAdvanceRatio = decimal.RequireFromString("0.50")

	hundred = decimal.NewFromInt(100)
)

var durationPriced = map[string]struct{}{
	"mobile vans":   {},
	"auto branding": {},
	"hoarding":      {},
	"canopy":        {},
}

// IsDurationPriced сообщает, зависит ли стоимость требования от количества дней.
func IsDurationPriced(requirement string) bool {
	_, ok := durationPriced[strings.ToLower(strings.TrimSpace(requirement))]
	return ok
}

// RequiresFulfillment сообщает, порождает ли строка заказа задачу на выполнение работ.
func RequiresFulfillment(requirement string) bool {
	return strings.TrimSpace(requirement) != ""
}

// LineItemInput содержит исходные данные одной строки заказа.
type LineItemInput struct {
	Requirement  string
	Quantity     decimal.Decimal
	Rate         decimal.Decimal
	DurationDays int
	TaxIncluded  bool
}

// LineItemTotal вычисляет сумму строки заказа с учётом длительности и налога.
func LineItemTotal(in LineItemInput) decimal.Decimal {
	base := in.Quantity.Mul(in.Rate)
	if IsDurationPriced(in.Requirement) {
		days := in.DurationDays
		if days < 1 {
			days = 1
		}
		base = base.Mul(decimal.NewFromInt(int64(days)))
	}

	if in.TaxIncluded {
		return base.Mul(taxMultiplier).Round(2)
	}
	return base.Round(2)
}

// Totals содержит итоговые суммы заказа.
type Totals struct {
	Total           decimal.Decimal
	DiscountedTotal decimal.Decimal
	Balance         decimal.Decimal
}

// ComputeTotals суммирует строки заказа и применяет скидку и аванс.
// Отрицательные значения не обрезаются.
func ComputeTotals(lineTotals []decimal.Decimal, discount, advance decimal.Decimal) Totals {
	total := decimal.Zero
	for _, t := range lineTotals {
		total = total.Add(t)
	}
	total = total.Round(2)
	discounted := total.Sub(discount).Round(2)

	return Totals{
		Total:           total,
		DiscountedTotal: discounted,
		Balance:         discounted.Sub(advance).Round(2),
	}
}

// PolicyResult описывает результат проверки аванса.
type PolicyResult struct {
	OK     bool
	Reason string
	// Percent — доля аванса от суммы заказа в процентах, округлённая до десятых.
	Percent decimal.Decimal
	// Waived устанавливается, если нарушение было пропущено для привилегированного пользователя.
	Waived bool
}

// CheckAdvancePolicy проверяет, что аванс составляет не меньше половины суммы заказа.
// Привилегированные пользователи проходят проверку всегда.
func CheckAdvancePolicy(advance, total decimal.Decimal, privileged bool) PolicyResult {
	if !total.IsPositive() {
		return PolicyResult{OK: true}
	}

	ratio := advance.Div(total)
	res := PolicyResult{
		OK:      true,
		Percent: ratio.Mul(hundred).Round(1),
	}
	if ratio.GreaterThanOrEqual(MinAdvanceRatio) {
		return res
	}

	if privileged {
		res.Waived = true
		return res
	}

	res.OK = false
	res.Reason = fmt.Sprintf("advance %s is %s%% of total %s, minimum is %s%%",
		advance.StringFixed(2), res.Percent.StringFixed(1), total.StringFixed(2),
		MinAdvanceRatio.Mul(hundred).StringFixed(0))
	return res
}
