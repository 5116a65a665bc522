package ingress

import (
	"time"

	"github.com/shopspring/decimal"
)

// NotificationType distinguishes a crossed threshold from an exceeded budget.
type NotificationType string

const (
	TypeBudgetExceeded NotificationType = "BUDGET_EXCEEDED"
	TypeThreshold      NotificationType = "THRESHOLD"
)

// SupportedSchemaVersion is the only budget notification schema accepted.
const SupportedSchemaVersion = "1.0"

// Message is a raw payload handed over by the transport.
type Message struct {
	ID          string
	Data        []byte
	Attributes  map[string]string
	PublishTime time.Time
}

// BudgetNotification is one validated threshold-crossing event.
type BudgetNotification struct {
	AccountID         string
	BudgetID          string
	BudgetDisplayName string
	ThresholdPercent  decimal.Decimal
	CostAmount        decimal.Decimal
	BudgetAmount      decimal.Decimal
	CurrencyCode      string
	NotificationType  NotificationType
	SchemaVersion     string
	EventID           string
	ObservedAt        time.Time
	CostIntervalStart time.Time
}
