package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"budget-guard/internal/ingress"
	"budget-guard/internal/metrics"
)

// Outcome is the terminal state of one handled notification.
type Outcome string

const (
	OutcomeDisabled Outcome = "disabled"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// Reasons qualify skipped and failed outcomes.
const (
	ReasonMalformed      = "malformed"
	ReasonBelowThreshold = "below_threshold"
	ReasonDuplicate      = "duplicate"
	ReasonUnmanaged      = "unmanaged"
	ReasonStaleMessage   = "stale_message"
	ReasonRetryExhausted = "retry_exhausted"
	ReasonFatal          = "fatal"
	ReasonStoreError     = "store_error"
	ReasonTimeout        = "timeout"
)

// Record is emitted once per terminal transition.
type Record struct {
	ID               string          `json:"id"`
	AccountID        string          `json:"accountId"`
	BudgetID         string          `json:"budgetId"`
	EventID          string          `json:"eventId"`
	Outcome          Outcome         `json:"outcome"`
	Reason           string          `json:"reason,omitempty"`
	Attempts         int             `json:"attempts"`
	ThresholdPercent decimal.Decimal `json:"thresholdPercent"`
	CostAmount       decimal.Decimal `json:"costAmount"`
	BudgetAmount     decimal.Decimal `json:"budgetAmount"`
	CurrencyCode     string          `json:"currencyCode,omitempty"`
	BudgetName       string          `json:"budgetDisplayName,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
	Error            string          `json:"error,omitempty"`
}

// NewRecord fills a record from the notification, which may be the zero value for
// malformed input.
func NewRecord(note ingress.BudgetNotification, outcome Outcome, reason string, attempts int, err error, now time.Time) Record {
	rec := Record{
		ID:               uuid.NewString(),
		AccountID:        note.AccountID,
		BudgetID:         note.BudgetID,
		EventID:          note.EventID,
		Outcome:          outcome,
		Reason:           reason,
		Attempts:         attempts,
		ThresholdPercent: note.ThresholdPercent,
		CostAmount:       note.CostAmount,
		BudgetAmount:     note.BudgetAmount,
		CurrencyCode:     note.CurrencyCode,
		BudgetName:       note.BudgetDisplayName,
		Timestamp:        now.UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

// Emitter delivers audit records to a sink.
type Emitter interface {
	Emit(ctx context.Context, rec Record) error
}

// LogEmitter writes audit records as structured log lines.
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter constructs a LogEmitter.
func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger.With().Str("component", "audit").Logger()}
}

// Emit implements Emitter.
func (e *LogEmitter) Emit(_ context.Context, rec Record) error {
	var evt *zerolog.Event
	switch rec.Outcome {
	case OutcomeFailed:
		evt = e.logger.Error()
	case OutcomeDisabled:
		evt = e.logger.Warn()
	default:
		evt = e.logger.Info()
	}
	if rec.Error != "" {
		evt = evt.Str("error", rec.Error)
	}
	evt.Str("audit_id", rec.ID).
		Str("account_id", rec.AccountID).
		Str("budget_id", rec.BudgetID).
		Str("event_id", rec.EventID).
		Str("outcome", string(rec.Outcome)).
		Str("reason", rec.Reason).
		Int("attempts", rec.Attempts).
		Str("threshold_percent", rec.ThresholdPercent.String()).
		Str("cost_amount", rec.CostAmount.String()).
		Str("budget_amount", rec.BudgetAmount.String()).
		Str("currency_code", rec.CurrencyCode).
		Time("timestamp", rec.Timestamp).
		Msg("budget notification handled")
	return nil
}

type namedEmitter struct {
	name    string
	emitter Emitter
}

// Multi fans a record out to several emitters. Every sink is attempted.
type Multi struct {
	sinks  []namedEmitter
	logger zerolog.Logger
}

// NewMulti constructs an empty fan-out.
func NewMulti(logger zerolog.Logger) *Multi {
	return &Multi{logger: logger.With().Str("component", "audit").Logger()}
}

// Add registers a sink under a name used in logs and metrics.
func (m *Multi) Add(name string, emitter Emitter) *Multi {
	if emitter != nil {
		m.sinks = append(m.sinks, namedEmitter{name: name, emitter: emitter})
	}
	return m
}

// Len reports the number of registered sinks.
func (m *Multi) Len() int {
	return len(m.sinks)
}

// Emit implements Emitter.
func (m *Multi) Emit(ctx context.Context, rec Record) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.emitter.Emit(ctx, rec); err != nil {
			metrics.AuditErrors.WithLabelValues(sink.name).Inc()
			m.logger.Error().Err(err).Str("sink", sink.name).Str("audit_id", rec.ID).Msg("audit emission failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Emitter = (*LogEmitter)(nil)
	_ Emitter = (*Multi)(nil)
)
