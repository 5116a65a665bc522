package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuditRecord is a persisted terminal-state transition of one notification.
type AuditRecord struct {
	ID               string
	AccountID        string
	BudgetID         string
	EventID          string
	Outcome          string
	Reason           string
	Attempts         int
	ThresholdPercent decimal.Decimal
	CostAmount       decimal.Decimal
	BudgetAmount     decimal.Decimal
	CurrencyCode     string
	Error            *string
	RecordedAt       time.Time
	CreatedAt        time.Time
}
