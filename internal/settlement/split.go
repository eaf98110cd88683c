package settlement

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/order-settlement/internal/model"
)

var two = decimal.NewFromInt(2)

// Figures содержит денежные поля одной записи заказа.
type Figures struct {
	LineTotals []decimal.Decimal
	Discount   decimal.Decimal
	Advance    decimal.Decimal
	Totals     Totals
}

// NewFigures собирает денежные поля заказа и пересчитывает итоги.
func NewFigures(lineTotals []decimal.Decimal, discount, advance decimal.Decimal) Figures {
	return Figures{
		LineTotals: lineTotals,
		Discount:   discount,
		Advance:    advance,
		Totals:     ComputeTotals(lineTotals, discount, advance),
	}
}

// SplitPlan описывает итоговое распределение сумм между одной или двумя записями заказа.
type SplitPlan struct {
	Split bool

	// Primary — суммы записи менеджера, оформившего заказ.
	Primary Figures
	// Duplicate — суммы записи партнёра; заполняется только при разделении.
	Duplicate Figures

	Commission       model.CommissionSplit
	PrimaryDetails   *model.SplitDetails
	DuplicateDetails *model.SplitDetails
}

// ShouldSplit сообщает, нужно ли делить комиссию между двумя менеджерами.
func ShouldSplit(recordingExecutive, saleClosedBy string) bool {
	closer := strings.TrimSpace(saleClosedBy)
	return closer != "" && closer != strings.TrimSpace(recordingExecutive)
}

// ResolveSplit строит план расчёта. При разделении каждое денежное поле делится
// пополам независимо от исходного значения: младшая половина достаётся основной
// записи, остаток — дубликату, поэтому сумма половин всегда равна исходной сумме.
func ResolveSplit(recordingExecutive, saleClosedBy string, source Figures) SplitPlan {
	if !ShouldSplit(recordingExecutive, saleClosedBy) {
		return SplitPlan{
			Primary: source,
			Commission: model.CommissionSplit{
				Executive1: recordingExecutive,
				Amount1:    source.Totals.DiscountedTotal,
			},
		}
	}

	partner := strings.TrimSpace(saleClosedBy)

	primaryLines := make([]decimal.Decimal, len(source.LineTotals))
	duplicateLines := make([]decimal.Decimal, len(source.LineTotals))
	for i, t := range source.LineTotals {
		primaryLines[i], duplicateLines[i] = halve(t)
	}
	primaryDiscount, duplicateDiscount := halve(source.Discount)
	primaryAdvance, duplicateAdvance := halve(source.Advance)

	primary := NewFigures(primaryLines, primaryDiscount, primaryAdvance)
	duplicate := NewFigures(duplicateLines, duplicateDiscount, duplicateAdvance)

	return SplitPlan{
		Split:     true,
		Primary:   primary,
		Duplicate: duplicate,
		Commission: model.CommissionSplit{
			Split:      true,
			Executive1: recordingExecutive,
			Amount1:    primary.Totals.DiscountedTotal,
			Executive2: partner,
			Amount2:    duplicate.Totals.DiscountedTotal,
		},
		PrimaryDetails: &model.SplitDetails{
			PartnerExecutive: partner,
			SplitPercentage:  model.SplitPercentage,
		},
		DuplicateDetails: &model.SplitDetails{
			PartnerExecutive: recordingExecutive,
			SplitPercentage:  model.SplitPercentage,
		},
	}
}

func halve(v decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	low := v.Div(two).RoundFloor(2)
	return low, v.Sub(low)
}
