package ingress

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformed marks payloads that will never parse, however often they are redelivered.
var ErrMalformed = errors.New("malformed notification")

var (
	one = decimal.NewFromInt(1)

	attrAccountID     = "billingAccountId"
	attrBudgetID      = "budgetId"
	attrSchemaVersion = "schemaVersion"
)

// ParseError reports why a payload was rejected.
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrMalformed, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrMalformed, e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrMalformed.
func (e *ParseError) Unwrap() error {
	return ErrMalformed
}

// number is a decimal that accepts JSON numbers only; quoted values are rejected.
type number struct {
	decimal.Decimal
}

func (n *number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return &json.UnmarshalTypeError{Value: "string", Type: reflect.TypeOf(decimal.Decimal{})}
	}
	return n.Decimal.UnmarshalJSON(data)
}

type payload struct {
	AccountID              string     `json:"accountId"`
	BudgetID               string     `json:"budgetId"`
	BudgetDisplayName      string     `json:"budgetDisplayName"`
	ThresholdPercent       *number    `json:"thresholdPercent"`
	AlertThresholdExceeded *number    `json:"alertThresholdExceeded"`
	CostAmount             *number    `json:"costAmount"`
	BudgetAmount           *number    `json:"budgetAmount"`
	CurrencyCode           string     `json:"currencyCode"`
	NotificationType       string     `json:"notificationType"`
	SchemaVersion          string     `json:"schemaVersion"`
	EventID                string     `json:"eventId"`
	ObservedAt             *time.Time `json:"observedAt"`
	CostIntervalStart      *time.Time `json:"costIntervalStart"`
}

// Parse validates a raw message and turns it into a BudgetNotification.
func Parse(msg Message) (BudgetNotification, error) {
	data := bytes.TrimSpace(msg.Data)
	if len(data) == 0 {
		return BudgetNotification{}, &ParseError{Reason: "empty payload"}
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return BudgetNotification{}, decodeError(err)
	}

	accountID := firstNonEmpty(p.AccountID, msg.Attributes[attrAccountID])
	if accountID == "" {
		return BudgetNotification{}, &ParseError{Field: "accountId", Reason: "missing"}
	}
	budgetID := firstNonEmpty(p.BudgetID, msg.Attributes[attrBudgetID])
	if budgetID == "" {
		return BudgetNotification{}, &ParseError{Field: "budgetId", Reason: "missing"}
	}

	rawThreshold := p.ThresholdPercent
	if rawThreshold == nil {
		rawThreshold = p.AlertThresholdExceeded
	}
	if rawThreshold == nil {
		return BudgetNotification{}, &ParseError{Field: "thresholdPercent", Reason: "missing"}
	}
	threshold := &rawThreshold.Decimal
	if threshold.IsNegative() || threshold.GreaterThan(one) {
		return BudgetNotification{}, &ParseError{Field: "thresholdPercent", Reason: fmt.Sprintf("%s outside [0,1]", threshold.String())}
	}

	schema := firstNonEmpty(p.SchemaVersion, msg.Attributes[attrSchemaVersion])
	if schema != "" && schema != SupportedSchemaVersion {
		return BudgetNotification{}, &ParseError{Field: "schemaVersion", Reason: fmt.Sprintf("unsupported version %q", schema)}
	}

	kind, err := notificationType(p.NotificationType, *threshold)
	if err != nil {
		return BudgetNotification{}, err
	}

	note := BudgetNotification{
		AccountID:         strings.TrimSpace(accountID),
		BudgetID:          strings.TrimSpace(budgetID),
		BudgetDisplayName: p.BudgetDisplayName,
		ThresholdPercent:  *threshold,
		CurrencyCode:      p.CurrencyCode,
		NotificationType:  kind,
		SchemaVersion:     schema,
		EventID:           firstNonEmpty(msg.ID, p.EventID),
		ObservedAt:        msg.PublishTime.UTC(),
	}
	if p.CostAmount != nil {
		note.CostAmount = p.CostAmount.Decimal
	}
	if p.BudgetAmount != nil {
		note.BudgetAmount = p.BudgetAmount.Decimal
	}
	if p.ObservedAt != nil && !p.ObservedAt.IsZero() {
		note.ObservedAt = p.ObservedAt.UTC()
	}
	if p.CostIntervalStart != nil {
		note.CostIntervalStart = p.CostIntervalStart.UTC()
	}
	return note, nil
}

func notificationType(raw string, threshold decimal.Decimal) (NotificationType, error) {
	switch NotificationType(strings.ToUpper(strings.TrimSpace(raw))) {
	case "":
		if threshold.GreaterThanOrEqual(one) {
			return TypeBudgetExceeded, nil
		}
		return TypeThreshold, nil
	case TypeBudgetExceeded:
		return TypeBudgetExceeded, nil
	case TypeThreshold:
		return TypeThreshold, nil
	default:
		return "", &ParseError{Field: "notificationType", Reason: fmt.Sprintf("unknown value %q", raw)}
	}
}

func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &ParseError{Field: typeErr.Field, Reason: fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value)}
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return &ParseError{Reason: fmt.Sprintf("invalid json at offset %d", syntaxErr.Offset)}
	}
	return &ParseError{Reason: err.Error()}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
