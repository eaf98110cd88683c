package handler

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/order-settlement/internal/model"
	"github.com/mmeshcher/order-settlement/internal/service"
	"github.com/mmeshcher/order-settlement/internal/settlement"
	"github.com/mmeshcher/order-settlement/internal/validation"
)

const dateLayout = "2006-01-02"

type lineItemRequest struct {
	Requirement  string            `json:"requirement"`
	Description  string            `json:"description"`
	Quantity     validation.Amount `json:"quantity"`
	Rate         validation.Amount `json:"rate"`
	DurationDays validation.Amount `json:"durationDays"`
	TaxIncluded  bool              `json:"taxIncluded"`
	DeliveryDate string            `json:"deliveryDate"`
	StartDate    string            `json:"startDate"`
	EndDate      string            `json:"endDate"`
	Remark       string            `json:"remark"`
}

type orderRequest struct {
	ID            string            `json:"id"`
	OrderNumber   string            `json:"orderNumber"`
	Executive     string            `json:"executive"`
	SaleClosedBy  string            `json:"saleClosedBy"`
	BusinessName  string            `json:"businessName"`
	CustomerName  string            `json:"customerName"`
	ContactNumber string            `json:"contactNumber"`
	Email         string            `json:"email"`
	Address       string            `json:"address"`
	OrderDate     string            `json:"orderDate"`
	ClientType    string            `json:"clientType"`
	LineItems     []lineItemRequest `json:"lineItems"`
	Discount      validation.Amount `json:"discount"`
	Advance       validation.Amount `json:"advance"`
	AdvanceDate   string            `json:"advanceDate"`
	PaymentDate   string            `json:"paymentDate"`
	PaymentMethod string            `json:"paymentMethod"`
}

// dateParser собирает ошибки разбора дат по именам полей.
type dateParser struct {
	fields map[string]string
}

func (p *dateParser) parse(field, value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		p.fields[field] = "must be a date in YYYY-MM-DD format"
		return nil
	}
	return &t
}

// toModel переводит форму в доменную модель. Пустые и некорректные числа становятся
// нулём; имена таких полей возвращаются в warnings.
func (req *orderRequest) toModel() (*model.Order, []string, error) {
	var warnings []string
	amount := func(field string, a validation.Amount) decimal.Decimal {
		if a.Coerced {
			warnings = append(warnings, field)
		}
		return a.Value
	}
	dates := &dateParser{fields: make(map[string]string)}

	o := &model.Order{
		ID:            strings.TrimSpace(req.ID),
		OrderNumber:   req.OrderNumber,
		Executive:     req.Executive,
		SaleClosedBy:  req.SaleClosedBy,
		BusinessName:  req.BusinessName,
		CustomerName:  req.CustomerName,
		ContactNumber: req.ContactNumber,
		Email:         req.Email,
		Address:       req.Address,
		ClientType:    req.ClientType,
		Discount:      amount("discount", req.Discount),
		Advance:       amount("advance", req.Advance),
		AdvanceDate:   dates.parse("advanceDate", req.AdvanceDate),
		PaymentDate:   dates.parse("paymentDate", req.PaymentDate),
		PaymentMethod: req.PaymentMethod,
	}
	if orderDate := dates.parse("orderDate", req.OrderDate); orderDate != nil {
		o.OrderDate = *orderDate
	}

	for i, li := range req.LineItems {
		prefix := fmt.Sprintf("lineItems[%d].", i)
		item := model.LineItem{
			RowIndex:     i,
			Requirement:  li.Requirement,
			Description:  li.Description,
			Quantity:     amount(prefix+"quantity", li.Quantity),
			Rate:         amount(prefix+"rate", li.Rate),
			TaxIncluded:  li.TaxIncluded,
			DeliveryDate: dates.parse(prefix+"deliveryDate", li.DeliveryDate),
			StartDate:    dates.parse(prefix+"startDate", li.StartDate),
			EndDate:      dates.parse(prefix+"endDate", li.EndDate),
			Remark:       li.Remark,
		}
		if settlement.IsDurationPriced(li.Requirement) {
			item.DurationDays = int(amount(prefix+"durationDays", li.DurationDays).IntPart())
		}
		o.LineItems = append(o.LineItems, item)
	}

	if len(dates.fields) > 0 {
		return nil, warnings, &validation.ValidationError{Fields: dates.fields}
	}
	return o, warnings, nil
}

type lineItemResponse struct {
	RowIndex      int    `json:"rowIndex"`
	Requirement   string `json:"requirement"`
	Description   string `json:"description"`
	Quantity      string `json:"quantity"`
	Rate          string `json:"rate"`
	DurationDays  int    `json:"durationDays,omitempty"`
	TaxIncluded   bool   `json:"taxIncluded"`
	Total         string `json:"total"`
	DeliveryDate  string `json:"deliveryDate,omitempty"`
	StartDate     string `json:"startDate,omitempty"`
	EndDate       string `json:"endDate,omitempty"`
	Remark        string `json:"remark,omitempty"`
	FulfillmentID string `json:"fulfillmentId,omitempty"`
	Status        string `json:"status,omitempty"`
	IsCompleted   bool   `json:"isCompleted"`
}

type splitDetailsResponse struct {
	PartnerExecutive string `json:"partnerExecutive"`
	SplitPercentage  int    `json:"splitPercentage"`
}

type commissionResponse struct {
	Split      bool   `json:"split"`
	Executive  string `json:"executive,omitempty"`
	Amount     string `json:"amount,omitempty"`
	Executive1 string `json:"executive1,omitempty"`
	Amount1    string `json:"amount1,omitempty"`
	Executive2 string `json:"executive2,omitempty"`
	Amount2    string `json:"amount2,omitempty"`
}

type orderResponse struct {
	ID                string                `json:"id"`
	OrderNumber       string                `json:"orderNumber"`
	Executive         string                `json:"executive"`
	SaleClosedBy      string                `json:"saleClosedBy,omitempty"`
	BusinessName      string                `json:"businessName"`
	CustomerName      string                `json:"customerName"`
	ContactNumber     string                `json:"contactNumber"`
	Email             string                `json:"email,omitempty"`
	Address           string                `json:"address,omitempty"`
	OrderDate         string                `json:"orderDate"`
	ClientType        string                `json:"clientType,omitempty"`
	LineItems         []lineItemResponse    `json:"lineItems"`
	Discount          string                `json:"discount"`
	Advance           string                `json:"advance"`
	AdvanceDate       string                `json:"advanceDate,omitempty"`
	PaymentDate       string                `json:"paymentDate,omitempty"`
	PaymentMethod     string                `json:"paymentMethod,omitempty"`
	Total             string                `json:"total"`
	DiscountedTotal   string                `json:"discountedTotal"`
	Balance           string                `json:"balance"`
	IsCommissionSplit bool                  `json:"isCommissionSplit"`
	SplitDetails      *splitDetailsResponse `json:"splitDetails,omitempty"`
	CommissionSplit   commissionResponse    `json:"commissionSplit"`
	OriginalOrderID   string                `json:"originalOrderId,omitempty"`
	AdvanceOverrideBy string                `json:"advanceOverrideBy,omitempty"`
	Voided            bool                  `json:"voided"`
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(dateLayout)
}

func money(v decimal.Decimal) string {
	return v.StringFixed(2)
}

func newOrderResponse(o *model.Order) *orderResponse {
	if o == nil {
		return nil
	}

	resp := &orderResponse{
		ID:                o.ID,
		OrderNumber:       o.OrderNumber,
		Executive:         o.Executive,
		SaleClosedBy:      o.SaleClosedBy,
		BusinessName:      o.BusinessName,
		CustomerName:      o.CustomerName,
		ContactNumber:     o.ContactNumber,
		Email:             o.Email,
		Address:           o.Address,
		OrderDate:         o.OrderDate.Format(dateLayout),
		ClientType:        o.ClientType,
		LineItems:         make([]lineItemResponse, 0, len(o.LineItems)),
		Discount:          money(o.Discount),
		Advance:           money(o.Advance),
		AdvanceDate:       formatDate(o.AdvanceDate),
		PaymentDate:       formatDate(o.PaymentDate),
		PaymentMethod:     o.PaymentMethod,
		Total:             money(o.Total),
		DiscountedTotal:   money(o.DiscountedTotal),
		Balance:           money(o.Balance),
		IsCommissionSplit: o.IsCommissionSplit,
		OriginalOrderID:   o.OriginalOrderID,
		AdvanceOverrideBy: o.AdvanceOverrideBy,
		Voided:            o.Voided,
	}

	if o.SplitDetails != nil {
		resp.SplitDetails = &splitDetailsResponse{
			PartnerExecutive: o.SplitDetails.PartnerExecutive,
			SplitPercentage:  o.SplitDetails.SplitPercentage,
		}
	}

	if o.Commission.Split {
		resp.CommissionSplit = commissionResponse{
			Split:      true,
			Executive1: o.Commission.Executive1,
			Amount1:    money(o.Commission.Amount1),
			Executive2: o.Commission.Executive2,
			Amount2:    money(o.Commission.Amount2),
		}
	} else {
		resp.CommissionSplit = commissionResponse{
			Executive: o.Commission.Executive1,
			Amount:    money(o.Commission.Amount1),
		}
	}

	for _, li := range o.LineItems {
		resp.LineItems = append(resp.LineItems, lineItemResponse{
			RowIndex:      li.RowIndex,
			Requirement:   li.Requirement,
			Description:   li.Description,
			Quantity:      li.Quantity.String(),
			Rate:          money(li.Rate),
			DurationDays:  li.DurationDays,
			TaxIncluded:   li.TaxIncluded,
			Total:         money(li.Total),
			DeliveryDate:  formatDate(li.DeliveryDate),
			StartDate:     formatDate(li.StartDate),
			EndDate:       formatDate(li.EndDate),
			Remark:        li.Remark,
			FulfillmentID: li.FulfillmentID,
			Status:        string(li.Status),
			IsCompleted:   li.IsCompleted,
		})
	}

	return resp
}

type fulfillmentResponse struct {
	ID            string `json:"id"`
	OrderID       string `json:"orderId"`
	RowIndex      int    `json:"rowIndex"`
	Executive     string `json:"executive"`
	Business      string `json:"business"`
	Customer      string `json:"customer"`
	Contact       string `json:"contact"`
	OrderNumber   string `json:"orderNumber"`
	Requirement   string `json:"requirement"`
	DeliveryDate  string `json:"deliveryDate,omitempty"`
	Remark        string `json:"remark,omitempty"`
	CurrentStatus string `json:"currentStatus"`
	AssignedTo    string `json:"assignedTo,omitempty"`
	LastUpdated   string `json:"lastUpdated"`
	ClosedAt      string `json:"closedAt,omitempty"`
}

func newFulfillmentResponse(rec model.PendingServiceRecord) fulfillmentResponse {
	resp := fulfillmentResponse{
		ID:            rec.ID,
		OrderID:       rec.OrderID,
		RowIndex:      rec.RowIndex,
		Executive:     rec.Executive,
		Business:      rec.Business,
		Customer:      rec.Customer,
		Contact:       rec.Contact,
		OrderNumber:   rec.OrderNumber,
		Requirement:   rec.Requirement,
		DeliveryDate:  formatDate(rec.DeliveryDate),
		Remark:        rec.Remark,
		CurrentStatus: string(rec.CurrentStatus),
		AssignedTo:    rec.AssignedTo,
		LastUpdated:   rec.LastUpdated.Format(time.RFC3339),
	}
	if rec.ClosedAt != nil {
		resp.ClosedAt = rec.ClosedAt.Format(time.RFC3339)
	}
	return resp
}

func newFulfillmentResponses(recs []model.PendingServiceRecord) []fulfillmentResponse {
	resp := make([]fulfillmentResponse, 0, len(recs))
	for _, rec := range recs {
		resp = append(resp, newFulfillmentResponse(rec))
	}
	return resp
}

type quoteResponse struct {
	LineTotals      []string            `json:"lineTotals"`
	Total           string              `json:"total"`
	DiscountedTotal string              `json:"discountedTotal"`
	Balance         string              `json:"balance"`
	AdvanceOK       bool                `json:"advanceOk"`
	AdvancePercent  string              `json:"advancePercent"`
	Reason          string              `json:"reason,omitempty"`
	CommissionSplit *commissionResponse `json:"commissionSplit"`
	Warnings        []string            `json:"warnings,omitempty"`
}

func newQuoteResponse(q service.Quote, warnings []string) quoteResponse {
	resp := quoteResponse{
		LineTotals:      make([]string, 0, len(q.LineTotals)),
		Total:           money(q.Totals.Total),
		DiscountedTotal: money(q.Totals.DiscountedTotal),
		Balance:         money(q.Totals.Balance),
		AdvanceOK:       q.Policy.OK,
		AdvancePercent:  q.Policy.Percent.StringFixed(1),
		Reason:          q.Policy.Reason,
		Warnings:        warnings,
	}
	for _, t := range q.LineTotals {
		resp.LineTotals = append(resp.LineTotals, money(t))
	}

	c := q.Plan.Commission
	if c.Split {
		resp.CommissionSplit = &commissionResponse{
			Split: true, Executive1: c.Executive1, Amount1: money(c.Amount1),
			Executive2: c.Executive2, Amount2: money(c.Amount2),
		}
	} else {
		resp.CommissionSplit = &commissionResponse{Executive: c.Executive1, Amount: money(c.Amount1)}
	}
	return resp
}

type submitResponse struct {
	Primary     *orderResponse        `json:"primaryOrder"`
	Duplicate   *orderResponse        `json:"duplicateOrder,omitempty"`
	Fulfillment []fulfillmentResponse `json:"fulfillment"`
	Warnings    []string              `json:"warnings,omitempty"`
	Error       string                `json:"error,omitempty"`
}

type issueResponse struct {
	ID        int64  `json:"id"`
	OrderID   string `json:"orderId"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail"`
	CreatedAt string `json:"createdAt"`
}
