// Package service реализует бизнес-логику расчётов по заказам и учёта выполнения работ.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/order-settlement/internal/model"
	"github.com/mmeshcher/order-settlement/internal/notify"
)

// ErrInvalidStatus возвращается, если статус не входит в закрытое множество.
var (
	ErrInvalidStatus = errors.New("invalid fulfillment status")
	// ErrReopenNotConfirmed возвращается при попытке вывести запись из completed без подтверждения.
	ErrReopenNotConfirmed = errors.New("reopening a completed record requires confirmation")
)

// PolicyViolation возвращается, если аванс меньше допустимого минимума.
type PolicyViolation struct {
	Reason  string
	Percent decimal.Decimal
}

func (e *PolicyViolation) Error() string {
	return "advance policy violation: " + e.Reason
}

// PartialSettlementFailure возвращается, если заказ сохранён, но связанные записи
// создать не удалось. Несогласованность попадает в журнал для оператора.
type PartialSettlementFailure struct {
	OrderID string
	Kind    model.SettlementIssueKind
	Err     error
}

func (e *PartialSettlementFailure) Error() string {
	return fmt.Sprintf("order %s saved with %s failure: %v", e.OrderID, e.Kind, e.Err)
}

func (e *PartialSettlementFailure) Unwrap() error {
	return e.Err
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	GetDuplicate(ctx context.Context, primaryID string) (*model.Order, error)
	SaveSettlement(ctx context.Context, primary, duplicate *model.Order, voidOrderID string) error
	CreatePendingService(ctx context.Context, rec *model.PendingServiceRecord) error
	GetPendingService(ctx context.Context, id string) (*model.PendingServiceRecord, error)
	UpdatePendingService(ctx context.Context, rec *model.PendingServiceRecord) error
	ListPendingServices(ctx context.Context, orderID string) ([]model.PendingServiceRecord, error)
	RecordIssue(ctx context.Context, orderID string, kind model.SettlementIssueKind, detail string) error
	ListOpenIssues(ctx context.Context, kind model.SettlementIssueKind, limit int) ([]model.SettlementIssue, error)
	ResolveIssue(ctx context.Context, id int64) error
	FindOrphanedSplits(ctx context.Context, limit int) ([]string, error)
}

// Notifier отправляет события выполнения работ во внешний сервис уведомлений.
type Notifier interface {
	Publish(ctx context.Context, event notify.FulfillmentEvent) (int, time.Duration, error)
}

// Caller описывает пользователя, выполняющего операцию.
type Caller struct {
	Executive  string
	Privileged bool
}

// Service содержит бизнес-логику сервиса расчётов.
type Service struct {
	repo     Repository
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewService создаёт новый сервис. notifier может быть nil — тогда уведомления не отправляются.
func NewService(repo Repository, notifier Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) publish(ctx context.Context, event notify.FulfillmentEvent) {
	if s.notifier == nil {
		return
	}

	code, retryAfter, err := s.notifier.Publish(ctx, event)
	if err != nil {
		s.logger.Warn("publish fulfillment event failed",
			zap.Error(err), zap.String("record", event.RecordID), zap.String("event", event.Event))
		return
	}
	if retryAfter > 0 {
		s.logger.Info("notification service throttled",
			zap.Int("status", code), zap.Duration("retryAfter", retryAfter), zap.String("record", event.RecordID))
	}
}
