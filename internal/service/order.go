package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/order-settlement/internal/model"
	"github.com/mmeshcher/order-settlement/internal/repository"
	"github.com/mmeshcher/order-settlement/internal/settlement"
	"github.com/mmeshcher/order-settlement/internal/validation"
)

// Quote содержит расчёт заказа без сохранения.
type Quote struct {
	LineTotals []decimal.Decimal
	Totals     settlement.Totals
	Policy     settlement.PolicyResult
	Plan       settlement.SplitPlan
}

// QuoteOrder рассчитывает суммы, проверку аванса и план разделения комиссии.
// Используется и для живой проверки формы, и перед сохранением заказа.
func QuoteOrder(o *model.Order, privileged bool) Quote {
	lineTotals := make([]decimal.Decimal, len(o.LineItems))
	for i, li := range o.LineItems {
		lineTotals[i] = settlement.LineItemTotal(settlement.LineItemInput{
			Requirement:  li.Requirement,
			Quantity:     li.Quantity,
			Rate:         li.Rate,
			DurationDays: li.DurationDays,
			TaxIncluded:  li.TaxIncluded,
		})
	}

	discount, advance := o.Discount.Round(2), o.Advance.Round(2)
	source := settlement.NewFigures(lineTotals, discount, advance)

	return Quote{
		LineTotals: lineTotals,
		Totals:     source.Totals,
		Policy:     settlement.CheckAdvancePolicy(advance, source.Totals.Total, privileged),
		Plan:       settlement.ResolveSplit(o.Executive, o.SaleClosedBy, source),
	}
}

// SubmitResult содержит записи, сохранённые при оформлении заказа.
type SubmitResult struct {
	// Created сообщает, что основная запись заказа создана, а не обновлена.
	Created     bool
	Primary     *model.Order
	Duplicate   *model.Order
	Fulfillment []model.PendingServiceRecord
	Policy      settlement.PolicyResult
}

// SubmitOrder проверяет, рассчитывает и сохраняет заказ. Повторная отправка с тем же
// идентификатором обновляет заказ. При разделении комиссии создаётся или обновляется
// запись-дубликат партнёра; если разделение отменено, дубликат аннулируется.
//
// Если заказ сохранён, но задачи на выполнение работ создать не удалось, возвращается
// результат вместе с *PartialSettlementFailure.
func (s *Service) SubmitOrder(ctx context.Context, in *model.Order, caller Caller) (*SubmitResult, error) {
	order := *in
	order.LineItems = append([]model.LineItem(nil), in.LineItems...)

	if order.ID == "" {
		order.ID = uuid.NewString()
	} else if _, err := uuid.Parse(order.ID); err != nil {
		return nil, &validation.ValidationError{Fields: map[string]string{"id": "must be a UUID"}}
	}

	if err := validation.ValidateOrder(&order); err != nil {
		return nil, err
	}

	for i := range order.LineItems {
		order.LineItems[i].RowIndex = i
	}
	// скидка и аванс хранятся в копейках, считаем от тех же значений
	order.Discount = order.Discount.Round(2)
	order.Advance = order.Advance.Round(2)

	quote := QuoteOrder(&order, caller.Privileged)
	if !quote.Policy.OK {
		return nil, &PolicyViolation{Reason: quote.Policy.Reason, Percent: quote.Policy.Percent}
	}
	if quote.Policy.Waived {
		order.AdvanceOverrideBy = caller.Executive
		s.logger.Warn("advance policy waived for privileged caller",
			zap.String("order", order.ID),
			zap.String("caller", caller.Executive),
			zap.String("advancePercent", quote.Policy.Percent.StringFixed(1)))
	}

	existing, existingDuplicate, err := s.loadExisting(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if order.OrderDate.IsZero() {
			order.OrderDate = existing.OrderDate
		}
		if order.OrderNumber == "" {
			order.OrderNumber = existing.OrderNumber
		}
	}
	if order.OrderDate.IsZero() {
		order.OrderDate = s.now()
	}
	if order.OrderNumber == "" {
		order.OrderNumber = "ORD-" + strings.ToUpper(order.ID[:8])
	}

	plan := quote.Plan
	primary := withFigures(order, plan.Primary)
	primary.IsCommissionSplit = plan.Split
	primary.SplitDetails = plan.PrimaryDetails
	primary.Commission = plan.Commission
	primary.OriginalOrderID = ""

	var (
		duplicate   *model.Order
		voidOrderID string
	)
	switch {
	case plan.Split:
		d := withFigures(order, plan.Duplicate)
		d.ID = uuid.NewString()
		if existingDuplicate != nil {
			d.ID = existingDuplicate.ID
		}
		d.Executive = plan.Commission.Executive2
		d.IsCommissionSplit = true
		d.SplitDetails = plan.DuplicateDetails
		d.Commission = plan.Commission
		d.OriginalOrderID = primary.ID
		duplicate = &d
	case existingDuplicate != nil && !existingDuplicate.Voided:
		voidOrderID = existingDuplicate.ID
	}

	if err := s.repo.SaveSettlement(ctx, &primary, duplicate, voidOrderID); err != nil {
		return nil, fmt.Errorf("save settlement: %w", err)
	}

	if voidOrderID != "" {
		s.logger.Info("commission split removed, duplicate voided",
			zap.String("order", primary.ID), zap.String("duplicate", voidOrderID))
	}

	res := &SubmitResult{
		Created:   existing == nil,
		Primary:   &primary,
		Duplicate: duplicate,
		Policy:    quote.Policy,
	}

	// Задачи ведутся по исходным (неразделённым) строкам: одна работа — одна задача.
	created, rowErrs := s.syncFulfillment(ctx, &order)
	res.Fulfillment = created

	if failed := nonDuplicate(rowErrs); len(failed) > 0 {
		joined := errors.Join(failed...)
		s.reportIssue(ctx, primary.ID, model.IssueFulfillmentIntake, joined)
		return res, &PartialSettlementFailure{
			OrderID: primary.ID,
			Kind:    model.IssueFulfillmentIntake,
			Err:     joined,
		}
	}

	return res, nil
}

// loadExisting возвращает сохранённый заказ и его действующий или аннулированный дубликат.
// Для нового заказа оба значения nil. Редактировать сам дубликат нельзя: изменения
// вносятся через основную запись.
func (s *Service) loadExisting(ctx context.Context, id string) (*model.Order, *model.Order, error) {
	existing, err := s.repo.GetOrder(ctx, id)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load order: %w", err)
	}

	if existing.OriginalOrderID != "" {
		return nil, nil, &validation.ValidationError{Fields: map[string]string{
			"id": "is a commission split duplicate of " + existing.OriginalOrderID,
		}}
	}

	duplicate, err := s.repo.GetDuplicate(ctx, id)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return existing, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load duplicate: %w", err)
	}
	return existing, duplicate, nil
}

// withFigures возвращает копию заказа с денежными полями из f.
func withFigures(o model.Order, f settlement.Figures) model.Order {
	items := make([]model.LineItem, len(o.LineItems))
	for i, li := range o.LineItems {
		li.Total = f.LineTotals[i]
		li.FulfillmentID = ""
		li.Status = ""
		li.IsCompleted = false
		items[i] = li
	}

	o.LineItems = items
	o.Discount = f.Discount
	o.Advance = f.Advance
	o.Total = f.Totals.Total
	o.DiscountedTotal = f.Totals.DiscountedTotal
	o.Balance = f.Totals.Balance
	o.Voided = false
	o.VoidedAt = nil
	return o
}

func (s *Service) reportIssue(ctx context.Context, orderID string, kind model.SettlementIssueKind, cause error) {
	s.logger.Error("partial settlement failure",
		zap.String("order", orderID), zap.String("kind", string(kind)), zap.Error(cause))

	if err := s.repo.RecordIssue(ctx, orderID, kind, cause.Error()); err != nil {
		s.logger.Error("record settlement issue failed",
			zap.String("order", orderID), zap.String("kind", string(kind)), zap.Error(err))
	}
}

// GetOrder возвращает заказ со статусами строк, прочитанными из записей выполнения работ.
func (s *Service) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.repo.GetOrder(ctx, id)
}
