package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"budget-guard/internal/alerting"
	"budget-guard/internal/storage"
)

// StoreEmitter persists audit records in the audit_records table.
type StoreEmitter struct {
	store storage.AuditStore
}

// NewStoreEmitter constructs a StoreEmitter.
func NewStoreEmitter(store storage.AuditStore) *StoreEmitter {
	return &StoreEmitter{store: store}
}

// Emit implements Emitter.
func (e *StoreEmitter) Emit(ctx context.Context, rec Record) error {
	row := storage.AuditRecord{
		ID:               rec.ID,
		AccountID:        rec.AccountID,
		BudgetID:         rec.BudgetID,
		EventID:          rec.EventID,
		Outcome:          string(rec.Outcome),
		Reason:           rec.Reason,
		Attempts:         rec.Attempts,
		ThresholdPercent: rec.ThresholdPercent,
		CostAmount:       rec.CostAmount,
		BudgetAmount:     rec.BudgetAmount,
		CurrencyCode:     rec.CurrencyCode,
		RecordedAt:       rec.Timestamp,
	}
	if rec.Error != "" {
		msg := rec.Error
		row.Error = &msg
	}
	return e.store.InsertAudit(ctx, row)
}

// Publisher is the subset of *pubsub.Topic used by PubSubEmitter.
type Publisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// PubSubEmitter publishes audit records as JSON to a topic.
type PubSubEmitter struct {
	topic Publisher
}

// NewPubSubEmitter constructs a PubSubEmitter.
func NewPubSubEmitter(topic Publisher) *PubSubEmitter {
	return &PubSubEmitter{topic: topic}
}

// Emit implements Emitter. It waits for the server acknowledgement.
func (e *PubSubEmitter) Emit(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	result := e.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"outcome":   string(rec.Outcome),
			"accountId": rec.AccountID,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish audit record: %w", err)
	}
	return nil
}

// NotifyEmitter forwards selected outcomes to an operator channel.
type NotifyEmitter struct {
	notifier    alerting.Notifier
	outcomes    map[Outcome]struct{}
	environment string
}

// NewNotifyEmitter constructs a NotifyEmitter for the given outcomes.
func NewNotifyEmitter(notifier alerting.Notifier, outcomes []string, environment string) *NotifyEmitter {
	set := make(map[Outcome]struct{}, len(outcomes))
	for _, o := range outcomes {
		set[Outcome(o)] = struct{}{}
	}
	return &NotifyEmitter{notifier: notifier, outcomes: set, environment: environment}
}

// Emit implements Emitter.
func (e *NotifyEmitter) Emit(ctx context.Context, rec Record) error {
	if _, ok := e.outcomes[rec.Outcome]; !ok {
		return nil
	}
	return e.notifier.Notify(ctx, alerting.Notification{
		AccountID:        rec.AccountID,
		BudgetID:         rec.BudgetID,
		BudgetName:       rec.BudgetName,
		Outcome:          string(rec.Outcome),
		Reason:           rec.Reason,
		Attempts:         rec.Attempts,
		ThresholdPercent: rec.ThresholdPercent,
		CostAmount:       rec.CostAmount,
		BudgetAmount:     rec.BudgetAmount,
		CurrencyCode:     rec.CurrencyCode,
		Environment:      e.environment,
		OccurredAt:       rec.Timestamp,
		Error:            rec.Error,
	})
}

var (
	_ Emitter   = (*StoreEmitter)(nil)
	_ Emitter   = (*PubSubEmitter)(nil)
	_ Emitter   = (*NotifyEmitter)(nil)
	_ Publisher = (*pubsub.Topic)(nil)
)
