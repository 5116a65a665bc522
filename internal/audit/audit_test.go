package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"budget-guard/internal/alerting"
	"budget-guard/internal/ingress"
	"budget-guard/internal/storage"
)

func sampleNotification() ingress.BudgetNotification {
	return ingress.BudgetNotification{
		AccountID:         "0000AA-BBBBBB-CCCCCC",
		BudgetID:          "budget-1",
		BudgetDisplayName: "Monthly Budget",
		ThresholdPercent:  decimal.NewFromInt(1),
		CostAmount:        decimal.RequireFromString("120.5"),
		BudgetAmount:      decimal.NewFromInt(100),
		CurrencyCode:      "USD",
		EventID:           "evt-1",
	}
}

type recordingEmitter struct {
	records []Record
	err     error
}

func (r *recordingEmitter) Emit(_ context.Context, rec Record) error {
	r.records = append(r.records, rec)
	return r.err
}

type fakeAuditStore struct {
	storage.AuditStore
	rows []storage.AuditRecord
}

func (f *fakeAuditStore) InsertAudit(_ context.Context, rec storage.AuditRecord) error {
	f.rows = append(f.rows, rec)
	return nil
}

type fakeNotifier struct {
	notes []alerting.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, note alerting.Notification) error {
	f.notes = append(f.notes, note)
	return nil
}

func TestNewRecord(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	rec := NewRecord(sampleNotification(), OutcomeFailed, ReasonFatal, 2, errors.New("denied"), now)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "0000AA-BBBBBB-CCCCCC", rec.AccountID)
	assert.Equal(t, OutcomeFailed, rec.Outcome)
	assert.Equal(t, ReasonFatal, rec.Reason)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, "denied", rec.Error)
	assert.Equal(t, time.UTC, rec.Timestamp.Location())
}

func TestMultiAttemptsEverySink(t *testing.T) {
	failing := &recordingEmitter{err: errors.New("sink down")}
	healthy := &recordingEmitter{}
	multi := NewMulti(zerolog.Nop()).Add("failing", failing).Add("healthy", healthy).Add("nil", nil)

	err := multi.Emit(context.Background(), NewRecord(sampleNotification(), OutcomeDisabled, "", 1, nil, time.Now()))

	require.Error(t, err)
	assert.Len(t, failing.records, 1)
	assert.Len(t, healthy.records, 1)
	assert.Equal(t, 2, multi.Len())
}

func TestStoreEmitterMapsRecord(t *testing.T) {
	store := &fakeAuditStore{}
	rec := NewRecord(sampleNotification(), OutcomeFailed, ReasonRetryExhausted, 5, errors.New("503"), time.Now())

	require.NoError(t, NewStoreEmitter(store).Emit(context.Background(), rec))

	require.Len(t, store.rows, 1)
	row := store.rows[0]
	assert.Equal(t, rec.ID, row.ID)
	assert.Equal(t, "failed", row.Outcome)
	assert.Equal(t, ReasonRetryExhausted, row.Reason)
	require.NotNil(t, row.Error)
	assert.Equal(t, "503", *row.Error)
	assert.True(t, row.CostAmount.Equal(decimal.RequireFromString("120.5")))
}

func TestNotifyEmitterFiltersOutcomes(t *testing.T) {
	notifier := &fakeNotifier{}
	emitter := NewNotifyEmitter(notifier, []string{"disabled", "failed"}, "prod")
	ctx := context.Background()

	require.NoError(t, emitter.Emit(ctx, NewRecord(sampleNotification(), OutcomeSkipped, ReasonDuplicate, 0, nil, time.Now())))
	require.NoError(t, emitter.Emit(ctx, NewRecord(sampleNotification(), OutcomeDisabled, "", 1, nil, time.Now())))

	require.Len(t, notifier.notes, 1)
	assert.Equal(t, "disabled", notifier.notes[0].Outcome)
	assert.Equal(t, "prod", notifier.notes[0].Environment)
}

func TestPubSubEmitterPublishesJSON(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "budgetguard-test",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	defer client.Close()

	topic, err := client.CreateTopic(ctx, "audit")
	require.NoError(t, err)
	defer topic.Stop()

	rec := NewRecord(sampleNotification(), OutcomeDisabled, "", 1, nil, time.Now())
	require.NoError(t, NewPubSubEmitter(topic).Emit(ctx, rec))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "disabled", msgs[0].Attributes["outcome"])

	var decoded Record
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	assert.Equal(t, rec.ID, decoded.ID)
	assert.Equal(t, rec.AccountID, decoded.AccountID)
}
