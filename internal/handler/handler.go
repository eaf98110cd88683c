// Package handler содержит HTTP-обработчики API сервиса расчётов по заказам.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/order-settlement/internal/middleware"
	"github.com/mmeshcher/order-settlement/internal/model"
	"github.com/mmeshcher/order-settlement/internal/repository"
	"github.com/mmeshcher/order-settlement/internal/service"
	"github.com/mmeshcher/order-settlement/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	SubmitOrder(ctx context.Context, in *model.Order, caller service.Caller) (*service.SubmitResult, error)
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	CreateFulfillmentRecords(ctx context.Context, orderID string, items []model.LineItem) ([]model.PendingServiceRecord, error)
	ListFulfillmentRecords(ctx context.Context, orderID string) ([]model.PendingServiceRecord, error)
	AssignFulfillment(ctx context.Context, recordID, executive, actor string) (*model.PendingServiceRecord, error)
	SetFulfillmentStatus(ctx context.Context, recordID string, status model.FulfillmentStatus, actor string, confirmReopen bool) (*model.PendingServiceRecord, error)
	ListOpenIssues(ctx context.Context) ([]model.SettlementIssue, error)
}

// Handler реализует HTTP-обработчики API сервиса расчётов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type errorResponse struct {
	Error          string            `json:"error"`
	Fields         map[string]string `json:"fields,omitempty"`
	AdvancePercent string            `json:"advancePercent,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError переводит ошибку сервиса в HTTP-ответ.
func (h *Handler) writeError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	var (
		verr   *validation.ValidationError
		policy *service.PolicyViolation
	)

	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: verr.Fields})
	case errors.As(err, &policy):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:          policy.Reason,
			AdvancePercent: policy.Percent.StringFixed(1),
		})
	case errors.Is(err, service.ErrInvalidStatus), errors.Is(err, service.ErrReopenNotConfirmed):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrOrderNotFound), errors.Is(err, repository.ErrRecordNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrDuplicateRecord):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func identityFrom(r *http.Request) (middleware.Identity, bool) {
	return middleware.GetIdentityFromContext(r.Context())
}

// decodeOrder читает форму заказа. Исполнитель по умолчанию берётся из сессии.
func decodeOrder(r *http.Request, identity middleware.Identity) (*model.Order, []string, error) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(req.Executive) == "" {
		req.Executive = identity.Executive
	}
	return req.toModel()
}

// QuoteOrder рассчитывает суммы заказа без сохранения.
func (h *Handler) QuoteOrder(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	order, warnings, err := decodeOrder(r, identity)
	if err != nil {
		var verr *validation.ValidationError
		if errors.As(err, &verr) {
			h.writeError(w, err, "quote order error")
			return
		}
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	quote := service.QuoteOrder(order, identity.Privileged())
	writeJSON(w, http.StatusOK, newQuoteResponse(quote, warnings))
}

// SubmitOrder сохраняет новый заказ или обновляет существующий.
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	defer r.Body.Close()

	order, warnings, err := decodeOrder(r, identity)
	if err != nil {
		var verr *validation.ValidationError
		if errors.As(err, &verr) {
			h.writeError(w, err, "submit order error")
			return
		}
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	caller := service.Caller{Executive: identity.Executive, Privileged: identity.Privileged()}
	result, err := h.service.SubmitOrder(r.Context(), order, caller)

	var partial *service.PartialSettlementFailure
	if errors.As(err, &partial) && result != nil {
		h.logger.Warn("order saved with partial failure",
			zap.String("orderID", partial.OrderID),
			zap.String("kind", string(partial.Kind)),
			zap.Error(partial.Err),
		)
		resp := newSubmitResponse(result, warnings)
		resp.Error = partial.Error()
		writeJSON(w, http.StatusMultiStatus, resp)
		return
	}
	if err != nil {
		h.writeError(w, err, "submit order error", zap.String("executive", identity.Executive))
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, newSubmitResponse(result, warnings))
}

func newSubmitResponse(result *service.SubmitResult, warnings []string) submitResponse {
	return submitResponse{
		Primary:     newOrderResponse(result.Primary),
		Duplicate:   newOrderResponse(result.Duplicate),
		Fulfillment: newFulfillmentResponses(result.Fulfillment),
		Warnings:    warnings,
	}
}

// GetOrder возвращает заказ со статусами позиций.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	order, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		h.writeError(w, err, "get order error", zap.String("orderID", id))
		return
	}

	writeJSON(w, http.StatusOK, newOrderResponse(order))
}

// ListFulfillment возвращает задачи на выполнение работ по заказу.
func (h *Handler) ListFulfillment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	records, err := h.service.ListFulfillmentRecords(r.Context(), id)
	if err != nil {
		h.writeError(w, err, "list fulfillment error", zap.String("orderID", id))
		return
	}

	if len(records) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, newFulfillmentResponses(records))
}

// CreateFulfillment повторно запускает создание задач по сохранённым позициям заказа.
// Уже существующие задачи не дублируются.
func (h *Handler) CreateFulfillment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	created, err := h.service.CreateFulfillmentRecords(r.Context(), id, nil)
	if err != nil && len(created) == 0 {
		h.writeError(w, err, "create fulfillment error", zap.String("orderID", id))
		return
	}
	if err != nil {
		h.logger.Warn("fulfillment created partially", zap.String("orderID", id), zap.Error(err))
		writeJSON(w, http.StatusMultiStatus, newFulfillmentResponses(created))
		return
	}

	writeJSON(w, http.StatusCreated, newFulfillmentResponses(created))
}

type assignRequest struct {
	Executive string `json:"executive"`
}

// AssignFulfillment назначает исполнителя задачи.
func (h *Handler) AssignFulfillment(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Executive) == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "id")
	rec, err := h.service.AssignFulfillment(r.Context(), id, req.Executive, identity.Executive)
	if err != nil {
		h.writeError(w, err, "assign fulfillment error", zap.String("recordID", id))
		return
	}

	writeJSON(w, http.StatusOK, newFulfillmentResponse(*rec))
}

type statusRequest struct {
	Status        string `json:"status"`
	ConfirmReopen bool   `json:"confirmReopen"`
}

// SetFulfillmentStatus меняет статус задачи.
func (h *Handler) SetFulfillmentStatus(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "id")
	rec, err := h.service.SetFulfillmentStatus(r.Context(), id, model.FulfillmentStatus(req.Status), identity.Executive, req.ConfirmReopen)
	if err != nil {
		h.writeError(w, err, "set fulfillment status error", zap.String("recordID", id))
		return
	}

	writeJSON(w, http.StatusOK, newFulfillmentResponse(*rec))
}

// ListIssues возвращает нерешённые записи журнала несогласованностей.
func (h *Handler) ListIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := h.service.ListOpenIssues(r.Context())
	if err != nil {
		h.writeError(w, err, "list issues error")
		return
	}

	if len(issues) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]issueResponse, 0, len(issues))
	for _, is := range issues {
		resp = append(resp, issueResponse{
			ID:        is.ID,
			OrderID:   is.OrderID,
			Kind:      string(is.Kind),
			Detail:    is.Detail,
			CreatedAt: is.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}
