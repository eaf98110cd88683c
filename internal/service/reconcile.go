package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/order-settlement/internal/model"
	"github.com/mmeshcher/order-settlement/internal/repository"
)

const reconcileBatchSize = 100

// StartReconciliation запускает фоновую сверку частично выполненных расчётов.
func (s *Service) StartReconciliation(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error("reconciliation sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// Reconcile повторяет создание задач для заказов из журнала, закрывает записи о
// разделённых заказах без дубликата, если расхождение устранено, и регистрирует новые.
// Записи каждого типа выбираются отдельно, поэтому один тип не вытесняет другой.
// Повторный запуск безопасен.
func (s *Service) Reconcile(ctx context.Context) error {
	if err := s.retryIntake(ctx); err != nil {
		return err
	}
	if err := s.resolveRepairedSplits(ctx); err != nil {
		return err
	}

	orphans, err := s.repo.FindOrphanedSplits(ctx, reconcileBatchSize)
	if err != nil {
		return err
	}
	for _, id := range orphans {
		if err := s.repo.RecordIssue(ctx, id, model.IssueOrphanedSplit, "commission split order has no live duplicate record"); err != nil {
			return err
		}
	}

	return nil
}

func (s *Service) retryIntake(ctx context.Context) error {
	issues, err := s.repo.ListOpenIssues(ctx, model.IssueFulfillmentIntake, reconcileBatchSize)
	if err != nil {
		return err
	}

	for _, issue := range issues {
		order, err := s.repo.GetOrder(ctx, issue.OrderID)
		if err != nil {
			if errors.Is(err, repository.ErrOrderNotFound) {
				s.logger.Warn("settlement issue references missing order", zap.String("order", issue.OrderID))
				continue
			}
			return err
		}

		_, rowErrs := s.syncFulfillment(ctx, order)
		if failed := nonDuplicate(rowErrs); len(failed) > 0 {
			s.logger.Warn("fulfillment intake still failing",
				zap.String("order", order.ID), zap.Error(errors.Join(failed...)))
			continue
		}

		if err := s.repo.ResolveIssue(ctx, issue.ID); err != nil {
			return err
		}
		s.logger.Info("fulfillment intake reconciled", zap.String("order", order.ID))
	}

	return nil
}

func (s *Service) resolveRepairedSplits(ctx context.Context) error {
	issues, err := s.repo.ListOpenIssues(ctx, model.IssueOrphanedSplit, reconcileBatchSize)
	if err != nil {
		return err
	}

	for _, issue := range issues {
		repaired, err := s.splitRepaired(ctx, issue.OrderID)
		if err != nil {
			return err
		}
		if !repaired {
			continue
		}

		if err := s.repo.ResolveIssue(ctx, issue.ID); err != nil {
			return err
		}
		s.logger.Info("orphaned split resolved", zap.String("order", issue.OrderID))
	}

	return nil
}

// splitRepaired сообщает, что у заказа больше нет расхождения: он не разделён,
// аннулирован, удалён или уже имеет действующий дубликат.
func (s *Service) splitRepaired(ctx context.Context, orderID string) (bool, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !order.IsCommissionSplit || order.Voided || order.OriginalOrderID != "" {
		return true, nil
	}

	duplicate, err := s.repo.GetDuplicate(ctx, orderID)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !duplicate.Voided, nil
}

// ListOpenIssues возвращает нерешённые несогласованности для оператора.
func (s *Service) ListOpenIssues(ctx context.Context) ([]model.SettlementIssue, error) {
	return s.repo.ListOpenIssues(ctx, "", reconcileBatchSize)
}
