package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/order-settlement/internal/middleware"
	"github.com/mmeshcher/order-settlement/internal/model"
	"github.com/mmeshcher/order-settlement/internal/repository"
	"github.com/mmeshcher/order-settlement/internal/service"
	"github.com/mmeshcher/order-settlement/internal/validation"
)

type stubService struct {
	submitIn     *model.Order
	submitCaller service.Caller
	submitResp   *service.SubmitResult
	submitErr    error

	orderResp *model.Order
	orderErr  error

	createdResp []model.PendingServiceRecord
	createdErr  error

	recordsResp []model.PendingServiceRecord
	recordsErr  error

	assignTo   string
	assignResp *model.PendingServiceRecord
	assignErr  error

	statusResp *model.PendingServiceRecord
	statusErr  error

	issuesResp []model.SettlementIssue
	issuesErr  error
}

func (s *stubService) SubmitOrder(ctx context.Context, in *model.Order, caller service.Caller) (*service.SubmitResult, error) {
	s.submitIn = in
	s.submitCaller = caller
	return s.submitResp, s.submitErr
}

func (s *stubService) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.orderResp, s.orderErr
}

func (s *stubService) CreateFulfillmentRecords(ctx context.Context, orderID string, items []model.LineItem) ([]model.PendingServiceRecord, error) {
	return s.createdResp, s.createdErr
}

func (s *stubService) ListFulfillmentRecords(ctx context.Context, orderID string) ([]model.PendingServiceRecord, error) {
	return s.recordsResp, s.recordsErr
}

func (s *stubService) AssignFulfillment(ctx context.Context, recordID, executive, actor string) (*model.PendingServiceRecord, error) {
	s.assignTo = executive
	return s.assignResp, s.assignErr
}

func (s *stubService) SetFulfillmentStatus(ctx context.Context, recordID string, status model.FulfillmentStatus, actor string, confirmReopen bool) (*model.PendingServiceRecord, error) {
	return s.statusResp, s.statusErr
}

func (s *stubService) ListOpenIssues(ctx context.Context) ([]model.SettlementIssue, error) {
	return s.issuesResp, s.issuesErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

func doRequest(t *testing.T, h *Handler, method, path, body string, identity *middleware.Identity) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if identity != nil {
		req.AddCookie(&http.Cookie{Name: "auth_token", Value: h.authMiddleware.SignIdentity(*identity)})
	}

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec.Result()
}

func decodeBody(t *testing.T, res *http.Response, v any) {
	t.Helper()
	defer res.Body.Close()
	require.NoError(t, json.NewDecoder(res.Body).Decode(v))
}

var (
	salesUser = &middleware.Identity{Executive: "Ann", Role: "sales"}
	adminUser = &middleware.Identity{Executive: "Boss", Role: middleware.RoleAdmin}
)

const orderBody = `{
	"businessName": "Acme",
	"customerName": "Jo",
	"contactNumber": "9876543210",
	"orderDate": "2024-05-01",
	"lineItems": [{"requirement": "flex printing", "quantity": "2", "rate": "150", "taxIncluded": true}],
	"advance": 200
}`

func TestQuoteOrder(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body := `{
		"executive": "Ann",
		"saleClosedBy": "Bob",
		"lineItems": [{"requirement": "design", "quantity": 2, "rate": "1,000"}],
		"advance": "abc"
	}`

	res := doRequest(t, h, http.MethodPost, "/api/orders/quote", body, salesUser)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var resp quoteResponse
	decodeBody(t, res, &resp)

	assert.Equal(t, []string{"2000.00"}, resp.LineTotals)
	assert.Equal(t, "2000.00", resp.Total)
	assert.Equal(t, "2000.00", resp.Balance)
	assert.False(t, resp.AdvanceOK)
	assert.Equal(t, []string{"advance"}, resp.Warnings)
	require.NotNil(t, resp.CommissionSplit)
	assert.True(t, resp.CommissionSplit.Split)
	assert.Equal(t, "1000.00", resp.CommissionSplit.Amount1)
	assert.Equal(t, "1000.00", resp.CommissionSplit.Amount2)
}

func TestQuoteOrder_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	res := doRequest(t, h, http.MethodPost, "/api/orders/quote", orderBody, nil)
	defer res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestSubmitOrder_Created(t *testing.T) {
	svc := &stubService{
		submitResp: &service.SubmitResult{
			Created: true,
			Primary: &model.Order{
				ID:          "3f2b8c1e-0000-4000-8000-000000000001",
				OrderNumber: "ORD-3F2B8C1E",
				Executive:   "Ann",
				Total:       decimal.RequireFromString("354"),
				Commission:  model.CommissionSplit{Executive1: "Ann", Amount1: decimal.RequireFromString("354")},
			},
		},
	}
	h := newTestHandler(t, svc)

	res := doRequest(t, h, http.MethodPost, "/api/orders", orderBody, salesUser)
	require.Equal(t, http.StatusCreated, res.StatusCode)

	var resp submitResponse
	decodeBody(t, res, &resp)

	require.NotNil(t, resp.Primary)
	assert.Equal(t, "354.00", resp.Primary.Total)
	assert.Equal(t, "354.00", resp.Primary.CommissionSplit.Amount)
	assert.Nil(t, resp.Duplicate)

	require.NotNil(t, svc.submitIn)
	assert.Equal(t, "Ann", svc.submitIn.Executive, "executive defaults to the session user")
	assert.Equal(t, "Ann", svc.submitCaller.Executive)
	assert.False(t, svc.submitCaller.Privileged)
	assert.True(t, svc.submitIn.Advance.Equal(decimal.NewFromInt(200)))
	require.Len(t, svc.submitIn.LineItems, 1)
	assert.True(t, svc.submitIn.LineItems[0].Rate.Equal(decimal.NewFromInt(150)))
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), svc.submitIn.OrderDate)
}

func TestSubmitOrder_AdminIsPrivileged(t *testing.T) {
	svc := &stubService{
		submitResp: &service.SubmitResult{Created: true, Primary: &model.Order{ID: "x"}},
	}
	h := newTestHandler(t, svc)

	res := doRequest(t, h, http.MethodPost, "/api/orders", orderBody, adminUser)
	defer res.Body.Close()

	require.Equal(t, http.StatusCreated, res.StatusCode)
	assert.True(t, svc.submitCaller.Privileged)
}

func TestSubmitOrder_StatusFollowsCreation(t *testing.T) {
	const id = "3f2b8c1e-0000-4000-8000-000000000002"
	body := `{"id": "` + id + `",` + orderBody[1:]

	tests := []struct {
		name    string
		created bool
		want    int
	}{
		{name: "client id for a new order", created: true, want: http.StatusCreated},
		{name: "update of a stored order", created: false, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				submitResp: &service.SubmitResult{Created: tt.created, Primary: &model.Order{ID: id}},
			}
			h := newTestHandler(t, svc)

			res := doRequest(t, h, http.MethodPost, "/api/orders", body, salesUser)
			defer res.Body.Close()

			assert.Equal(t, tt.want, res.StatusCode)
			require.NotNil(t, svc.submitIn)
			assert.Equal(t, id, svc.submitIn.ID)
		})
	}
}

func TestSubmitOrder_PolicyViolation(t *testing.T) {
	svc := &stubService{
		submitErr: &service.PolicyViolation{
			Reason:  "advance 500.00 is 43.3% of total 1156.40, minimum is 50%",
			Percent: decimal.RequireFromString("43.3"),
		},
	}
	h := newTestHandler(t, svc)

	res := doRequest(t, h, http.MethodPost, "/api/orders", orderBody, salesUser)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)

	var resp errorResponse
	decodeBody(t, res, &resp)
	assert.Equal(t, "43.3", resp.AdvancePercent)
	assert.Contains(t, resp.Error, "minimum is 50%")
}

func TestSubmitOrder_ValidationError(t *testing.T) {
	svc := &stubService{
		submitErr: &validation.ValidationError{Fields: map[string]string{"businessName": "is required"}},
	}
	h := newTestHandler(t, svc)

	res := doRequest(t, h, http.MethodPost, "/api/orders", orderBody, salesUser)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	var resp errorResponse
	decodeBody(t, res, &resp)
	assert.Equal(t, "is required", resp.Fields["businessName"])
}

func TestSubmitOrder_BadDate(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	res := doRequest(t, h, http.MethodPost, "/api/orders", `{"orderDate": "01/05/2024"}`, salesUser)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	var resp errorResponse
	decodeBody(t, res, &resp)
	assert.Contains(t, resp.Fields, "orderDate")
	assert.Nil(t, svc.submitIn, "service must not be called")
}

func TestSubmitOrder_MalformedJSON(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	res := doRequest(t, h, http.MethodPost, "/api/orders", `{"lineItems": [`, salesUser)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestSubmitOrder_PartialFailure(t *testing.T) {
	svc := &stubService{
		submitResp: &service.SubmitResult{Primary: &model.Order{ID: "order-1"}},
		submitErr: &service.PartialSettlementFailure{
			OrderID: "order-1",
			Kind:    model.IssueFulfillmentIntake,
			Err:     errors.New("connection reset"),
		},
	}
	h := newTestHandler(t, svc)

	res := doRequest(t, h, http.MethodPost, "/api/orders", orderBody, salesUser)
	require.Equal(t, http.StatusMultiStatus, res.StatusCode)

	var resp submitResponse
	decodeBody(t, res, &resp)
	require.NotNil(t, resp.Primary)
	assert.Equal(t, "order-1", resp.Primary.ID)
	assert.Contains(t, resp.Error, "connection reset")
}

func TestSubmitOrder_InternalError(t *testing.T) {
	svc := &stubService{submitErr: errors.New("db down")}
	h := newTestHandler(t, svc)

	res := doRequest(t, h, http.MethodPost, "/api/orders", orderBody, salesUser)
	defer res.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
}

func TestGetOrder_NotFound(t *testing.T) {
	svc := &stubService{orderErr: repository.ErrOrderNotFound}
	h := newTestHandler(t, svc)

	res := doRequest(t, h, http.MethodGet, "/api/orders/missing", "", salesUser)
	defer res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestGetOrder_LineItemStatus(t *testing.T) {
	svc := &stubService{
		orderResp: &model.Order{
			ID: "order-1",
			LineItems: []model.LineItem{{
				RowIndex:      0,
				Requirement:   "hoarding",
				FulfillmentID: "rec-1",
				Status:        model.FulfillmentCompleted,
				IsCompleted:   true,
			}},
		},
	}
	h := newTestHandler(t, svc)

	res := doRequest(t, h, http.MethodGet, "/api/orders/order-1", "", salesUser)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var resp orderResponse
	decodeBody(t, res, &resp)
	require.Len(t, resp.LineItems, 1)
	assert.Equal(t, "completed", resp.LineItems[0].Status)
	assert.True(t, resp.LineItems[0].IsCompleted)
}

func TestListFulfillment_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	res := doRequest(t, h, http.MethodGet, "/api/orders/order-1/fulfillment", "", salesUser)
	defer res.Body.Close()
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
}

func TestListFulfillment_NoContentUncompressed(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/orders/order-1/fulfillment", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	req.AddCookie(&http.Cookie{Name: "auth_token", Value: h.authMiddleware.SignIdentity(*salesUser)})

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Zero(t, rec.Body.Len())
}

func TestCreateFulfillment_AllExist(t *testing.T) {
	svc := &stubService{createdErr: errors.Join(repository.ErrDuplicateRecord)}
	h := newTestHandler(t, svc)

	res := doRequest(t, h, http.MethodPost, "/api/orders/order-1/fulfillment", "", salesUser)
	defer res.Body.Close()
	assert.Equal(t, http.StatusConflict, res.StatusCode)
}

func TestAssignFulfillment(t *testing.T) {
	svc := &stubService{
		assignResp: &model.PendingServiceRecord{
			ID:            "rec-1",
			CurrentStatus: model.FulfillmentAssigned,
			AssignedTo:    "Carl",
			LastUpdated:   time.Now(),
		},
	}
	h := newTestHandler(t, svc)

	res := doRequest(t, h, http.MethodPost, "/api/fulfillment/rec-1/assign", `{"executive": "Carl"}`, salesUser)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var resp fulfillmentResponse
	decodeBody(t, res, &resp)
	assert.Equal(t, "assigned", resp.CurrentStatus)
	assert.Equal(t, "Carl", resp.AssignedTo)
	assert.Equal(t, "Carl", svc.assignTo)
}

func TestAssignFulfillment_MissingExecutive(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	res := doRequest(t, h, http.MethodPost, "/api/fulfillment/rec-1/assign", `{}`, salesUser)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestSetFulfillmentStatus_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "reopen not confirmed", err: service.ErrReopenNotConfirmed, want: http.StatusUnprocessableEntity},
		{name: "invalid status", err: service.ErrInvalidStatus, want: http.StatusUnprocessableEntity},
		{name: "record not found", err: repository.ErrRecordNotFound, want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{statusErr: tt.err})

			res := doRequest(t, h, http.MethodPut, "/api/fulfillment/rec-1/status", `{"status": "pending"}`, salesUser)
			defer res.Body.Close()
			assert.Equal(t, tt.want, res.StatusCode)
		})
	}
}

func TestListIssues(t *testing.T) {
	svc := &stubService{
		issuesResp: []model.SettlementIssue{{
			ID:        7,
			OrderID:   "order-1",
			Kind:      model.IssueFulfillmentIntake,
			Detail:    "connection reset",
			CreatedAt: time.Now(),
		}},
	}
	h := newTestHandler(t, svc)

	res := doRequest(t, h, http.MethodGet, "/api/settlement-issues", "", adminUser)
	require.Equal(t, http.StatusOK, res.StatusCode)
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var resp []issueResponse
	decodeBody(t, res, &resp)
	require.Len(t, resp, 1)
	assert.Equal(t, "fulfillment_intake", resp[0].Kind)
}
