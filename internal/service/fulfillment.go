package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/order-settlement/internal/model"
	"github.com/mmeshcher/order-settlement/internal/notify"
	"github.com/mmeshcher/order-settlement/internal/repository"
	"github.com/mmeshcher/order-settlement/internal/settlement"
	"github.com/mmeshcher/order-settlement/internal/validation"
)

const (
	eventAssigned      = "assigned"
	eventStatusChanged = "status_changed"
)

// CreateFulfillmentRecords создаёт задачи на выполнение работ для строк заказа.
// Если items пуст, используются сохранённые строки заказа. Для строк, у которых задача
// уже есть, возвращается ошибка ErrDuplicateRecord, остальные строки обрабатываются.
func (s *Service) CreateFulfillmentRecords(ctx context.Context, orderID string, items []model.LineItem) ([]model.PendingServiceRecord, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.OriginalOrderID != "" {
		// задачи принадлежат основной записи разделённого заказа
		order, err = s.repo.GetOrder(ctx, order.OriginalOrderID)
		if err != nil {
			return nil, err
		}
	}

	if len(items) == 0 {
		items = order.LineItems
	}

	created, rowErrs := s.createFulfillment(ctx, order, items)
	return created, errors.Join(rowErrs...)
}

func (s *Service) createFulfillment(ctx context.Context, order *model.Order, items []model.LineItem) ([]model.PendingServiceRecord, []error) {
	var (
		created []model.PendingServiceRecord
		rowErrs []error
	)
	seen := make(map[int]struct{}, len(items))

	for _, li := range items {
		if !settlement.RequiresFulfillment(li.Requirement) {
			continue
		}

		if _, ok := seen[li.RowIndex]; ok {
			rowErrs = append(rowErrs, fmt.Errorf("%w: order %s row %d", repository.ErrDuplicateRecord, order.ID, li.RowIndex))
			continue
		}
		seen[li.RowIndex] = struct{}{}

		rec := model.PendingServiceRecord{
			ID:            uuid.NewString(),
			OrderID:       order.ID,
			RowIndex:      li.RowIndex,
			CurrentStatus: model.FulfillmentPending,
			LastUpdated:   s.now(),
		}
		describe(&rec, order, li)

		if err := s.repo.CreatePendingService(ctx, &rec); err != nil {
			if !errors.Is(err, repository.ErrDuplicateRecord) {
				err = fmt.Errorf("row %d: %w", li.RowIndex, err)
			}
			rowErrs = append(rowErrs, err)
			continue
		}

		created = append(created, rec)
	}

	return created, rowErrs
}

// syncFulfillment приводит задачи заказа в соответствие с его текущими строками:
// обновляет описание существующих задач, аннулирует задачи удалённых строк,
// восстанавливает задачи вернувшихся строк и создаёт недостающие.
func (s *Service) syncFulfillment(ctx context.Context, order *model.Order) ([]model.PendingServiceRecord, []error) {
	existing, err := s.repo.ListPendingServices(ctx, order.ID)
	if err != nil {
		return nil, []error{fmt.Errorf("list fulfillment records: %w", err)}
	}

	rows := make(map[int]model.LineItem, len(order.LineItems))
	for _, li := range order.LineItems {
		if settlement.RequiresFulfillment(li.Requirement) {
			rows[li.RowIndex] = li
		}
	}

	var rowErrs []error
	for _, rec := range existing {
		updated := rec
		li, ok := rows[rec.RowIndex]

		switch {
		case !ok && rec.VoidedAt != nil:
			continue
		case !ok:
			now := s.now()
			updated.VoidedAt = &now
			updated.LastUpdated = now
		default:
			describe(&updated, order, li)
			if rec.VoidedAt != nil {
				// строка вернулась в заказ: это новая работа
				updated.VoidedAt = nil
				updated.CurrentStatus = model.FulfillmentPending
				updated.AssignedTo = ""
				updated.ClosedAt = nil
			}
			if sameRecord(rec, updated) {
				continue
			}
			updated.LastUpdated = s.now()
		}

		if err := s.repo.UpdatePendingService(ctx, &updated); err != nil {
			rowErrs = append(rowErrs, fmt.Errorf("row %d: %w", rec.RowIndex, err))
			continue
		}
		if updated.VoidedAt != nil {
			s.logger.Info("fulfillment record voided",
				zap.String("record", updated.ID), zap.String("order", order.ID), zap.Int("row", updated.RowIndex))
		}
	}

	created, createErrs := s.createFulfillment(ctx, order, order.LineItems)
	return created, append(rowErrs, createErrs...)
}

// describe переносит в задачу описательные поля заказа и строки.
func describe(rec *model.PendingServiceRecord, order *model.Order, li model.LineItem) {
	deliveryDate := li.DeliveryDate
	if deliveryDate == nil {
		deliveryDate = li.StartDate
	}

	rec.Executive = order.Executive
	rec.Business = order.BusinessName
	rec.Customer = order.CustomerName
	rec.Contact = order.ContactNumber
	rec.OrderNumber = order.OrderNumber
	rec.Requirement = li.Requirement
	rec.DeliveryDate = deliveryDate
	rec.Remark = li.Remark
}

func sameRecord(a, b model.PendingServiceRecord) bool {
	return a.Executive == b.Executive &&
		a.Business == b.Business &&
		a.Customer == b.Customer &&
		a.Contact == b.Contact &&
		a.OrderNumber == b.OrderNumber &&
		a.Requirement == b.Requirement &&
		sameDate(a.DeliveryDate, b.DeliveryDate) &&
		a.Remark == b.Remark &&
		a.CurrentStatus == b.CurrentStatus &&
		a.AssignedTo == b.AssignedTo &&
		(a.VoidedAt == nil) == (b.VoidedAt == nil)
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func nonDuplicate(errs []error) []error {
	var res []error
	for _, err := range errs {
		if !errors.Is(err, repository.ErrDuplicateRecord) {
			res = append(res, err)
		}
	}
	return res
}

// ListFulfillmentRecords возвращает действующие задачи заказа. Для дубликата возвращаются
// задачи основной записи.
func (s *Service) ListFulfillmentRecords(ctx context.Context, orderID string) ([]model.PendingServiceRecord, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.OriginalOrderID != "" {
		orderID = order.OriginalOrderID
	}

	records, err := s.repo.ListPendingServices(ctx, orderID)
	if err != nil {
		return nil, err
	}

	live := records[:0]
	for _, rec := range records {
		if rec.VoidedAt == nil {
			live = append(live, rec)
		}
	}
	return live, nil
}

// getLiveRecord возвращает задачу, если она не аннулирована.
func (s *Service) getLiveRecord(ctx context.Context, recordID string) (*model.PendingServiceRecord, error) {
	rec, err := s.repo.GetPendingService(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.VoidedAt != nil {
		return nil, fmt.Errorf("%w: record %s is voided", repository.ErrRecordNotFound, recordID)
	}
	return rec, nil
}

// AssignFulfillment назначает исполнителя. Запись в статусе pending переходит в assigned.
func (s *Service) AssignFulfillment(ctx context.Context, recordID, executive, actor string) (*model.PendingServiceRecord, error) {
	if executive == "" {
		return nil, &validation.ValidationError{Fields: map[string]string{"executive": "is required"}}
	}

	rec, err := s.getLiveRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	rec.AssignedTo = executive
	if rec.CurrentStatus == model.FulfillmentPending {
		rec.CurrentStatus = model.FulfillmentAssigned
	}
	rec.LastUpdated = s.now()

	if err := s.repo.UpdatePendingService(ctx, rec); err != nil {
		return nil, err
	}

	s.publish(ctx, eventFor(rec, eventAssigned, actor))
	return rec, nil
}

// SetFulfillmentStatus меняет статус задачи. Допустим любой переход внутри закрытого
// множества статусов; выход из completed требует confirmReopen.
func (s *Service) SetFulfillmentStatus(ctx context.Context, recordID string, status model.FulfillmentStatus, actor string, confirmReopen bool) (*model.PendingServiceRecord, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	rec, err := s.getLiveRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	if rec.CurrentStatus == model.FulfillmentCompleted && status != model.FulfillmentCompleted && !confirmReopen {
		return nil, ErrReopenNotConfirmed
	}

	now := s.now()
	rec.CurrentStatus = status
	rec.LastUpdated = now
	if status == model.FulfillmentCompleted {
		if rec.ClosedAt == nil {
			rec.ClosedAt = &now
		}
	} else {
		rec.ClosedAt = nil
	}

	if err := s.repo.UpdatePendingService(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.Debug("fulfillment status changed",
		zap.String("record", rec.ID), zap.String("status", string(status)), zap.String("actor", actor))

	s.publish(ctx, eventFor(rec, eventStatusChanged, actor))
	return rec, nil
}

func eventFor(rec *model.PendingServiceRecord, event, actor string) notify.FulfillmentEvent {
	return notify.FulfillmentEvent{
		RecordID:   rec.ID,
		OrderID:    rec.OrderID,
		RowIndex:   rec.RowIndex,
		Event:      event,
		Status:     string(rec.CurrentStatus),
		AssignedTo: rec.AssignedTo,
		Actor:      actor,
		OccurredAt: rec.LastUpdated,
	}
}
