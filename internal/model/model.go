// Package model содержит доменные сущности сервиса расчётов по заказам.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SplitPercentage — доля каждого из двух менеджеров при разделении комиссии.
const SplitPercentage = 50

// FulfillmentStatus описывает статус выполнения работ по строке заказа.
type FulfillmentStatus string

const (
	FulfillmentPending             FulfillmentStatus = "pending"
	FulfillmentAssigned            FulfillmentStatus = "assigned"
	FulfillmentCompleted           FulfillmentStatus = "completed"
	FulfillmentDesignPending       FulfillmentStatus = "design pending"
	FulfillmentPrinting            FulfillmentStatus = "printing"
	FulfillmentInstallationPending FulfillmentStatus = "installation pending"
)

// Valid сообщает, входит ли статус в закрытое множество допустимых значений.
func (s FulfillmentStatus) Valid() bool {
	switch s {
	case FulfillmentPending, FulfillmentAssigned, FulfillmentCompleted,
		FulfillmentDesignPending, FulfillmentPrinting, FulfillmentInstallationPending:
		return true
	}
	return false
}

// Order описывает одну коммерческую сделку.
type Order struct {
	ID              string
	OrderNumber     string
	Executive       string
	SaleClosedBy    string
	BusinessName    string
	CustomerName    string
	ContactNumber   string
	Email           string
	Address         string
	OrderDate       time.Time
	ClientType      string
	LineItems       []LineItem
	Discount        decimal.Decimal
	Advance         decimal.Decimal
	AdvanceDate     *time.Time
	PaymentDate     *time.Time
	PaymentMethod   string
	Total           decimal.Decimal
	DiscountedTotal decimal.Decimal
	Balance         decimal.Decimal

	IsCommissionSplit bool
	SplitDetails      *SplitDetails
	Commission        CommissionSplit
	OriginalOrderID   string

	// AdvanceOverrideBy заполняется, если привилегированный пользователь обошёл правило аванса.
	AdvanceOverrideBy string

	Voided    bool
	VoidedAt  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SplitDetails описывает партнёра по разделению комиссии.
type SplitDetails struct {
	PartnerExecutive string
	SplitPercentage  int
}

// CommissionSplit описывает распределение комиссии по заказу.
// Если Split == false, используются только Executive1 и Amount1.
type CommissionSplit struct {
	Split      bool
	Executive1 string
	Amount1    decimal.Decimal
	Executive2 string
	Amount2    decimal.Decimal
}

// LineItem описывает одну позицию заказа.
type LineItem struct {
	RowIndex     int
	Requirement  string
	Description  string
	Quantity     decimal.Decimal
	Rate         decimal.Decimal
	DurationDays int
	TaxIncluded  bool
	Total        decimal.Decimal
	DeliveryDate *time.Time
	StartDate    *time.Time
	EndDate      *time.Time
	Remark       string

	// FulfillmentID ссылается на запись выполнения работ; статус читается из неё.
	FulfillmentID string
	Status        FulfillmentStatus
	IsCompleted   bool
}

// PendingServiceRecord описывает задачу на выполнение работ по строке заказа.
type PendingServiceRecord struct {
	ID            string
	OrderID       string
	RowIndex      int
	Executive     string
	Business      string
	Customer      string
	Contact       string
	OrderNumber   string
	Requirement   string
	DeliveryDate  *time.Time
	Remark        string
	CurrentStatus FulfillmentStatus
	AssignedTo    string
	LastUpdated   time.Time
	ClosedAt      *time.Time

	// VoidedAt заполняется, если строка заказа удалена или больше не требует работ.
	VoidedAt *time.Time
}

// SettlementIssueKind описывает тип несогласованности, требующей внимания оператора.
type SettlementIssueKind string

const (
	IssueFulfillmentIntake SettlementIssueKind = "fulfillment_intake"
	IssueOrphanedSplit     SettlementIssueKind = "orphaned_split"
)

// SettlementIssue — запись журнала частично выполненных расчётов.
type SettlementIssue struct {
	ID         int64
	OrderID    string
	Kind       SettlementIssueKind
	Detail     string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}
