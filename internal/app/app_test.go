package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"budget-guard/internal/audit"
	"budget-guard/internal/config"
	"budget-guard/internal/dedup"
	"budget-guard/internal/executor"
	"budget-guard/internal/ingress"
	"budget-guard/internal/service"
	"budget-guard/internal/storage"
)

func testApp() *App {
	cfg := &config.Config{
		App:    config.AppConfig{Name: "budgetguard", Environment: "test"},
		Policy: config.PolicyConfig{ActionThreshold: 1, PendingStaleAfter: 10 * time.Minute, ProcessingTimeout: time.Minute},
		Executor: config.ExecutorConfig{
			Action:           config.ActionDryRun,
			RetryMaxAttempts: 3,
			RetryBaseDelay:   time.Millisecond,
			RetryMaxDelay:    time.Millisecond,
		},
		Store: config.StoreConfig{Backend: config.BackendMemory},
	}
	return NewApp(cfg, zerolog.Nop())
}

func TestReplayMessagesCountsOutcomes(t *testing.T) {
	input := strings.Join([]string{
		`{"accountId":"acct-1","budgetId":"b1","thresholdPercent":1.0}`,
		``,
		`{"accountId":"acct-1","budgetId":"b1","thresholdPercent":1.0}`,
		`{"accountId":"acct-2","budgetId":"b1","thresholdPercent":0.5}`,
		`not json`,
	}, "\n")

	var calls atomic.Int32
	handle := func(_ context.Context, msg ingress.Message) service.Result {
		calls.Add(1)
		if _, err := ingress.Parse(msg); err != nil {
			return service.Result{Outcome: audit.OutcomeSkipped, Reason: audit.ReasonMalformed, Ack: true}
		}
		return service.Result{Outcome: audit.OutcomeFailed, Reason: audit.ReasonRetryExhausted, Ack: false}
	}

	summary, err := replayMessages(context.Background(), strings.NewReader(input), 2, handle)
	require.NoError(t, err)

	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 3, summary.Nacked)
	assert.Equal(t, 1, summary.ByKey["skipped/malformed"])
	assert.Equal(t, 3, summary.ByKey["failed/retry_exhausted"])
}

func TestReplayThroughDryRunPipeline(t *testing.T) {
	a := testApp()
	p, err := a.newPipeline(context.Background(), pipelineOptions{plane: executor.NewDryRunPlane()})
	require.NoError(t, err)
	defer p.Close()

	input := `{"accountId":"acct-1","budgetId":"b1","thresholdPercent":1.0}
{"accountId":"acct-1","budgetId":"b1","thresholdPercent":1.0}
{"accountId":"acct-3","budgetId":"b1","thresholdPercent":0.5}`

	summary, err := replayMessages(context.Background(), strings.NewReader(input), 1, p.svc.Handle)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ByKey["disabled"])
	assert.Equal(t, 1, summary.ByKey["skipped/duplicate"])
	assert.Equal(t, 1, summary.ByKey["skipped/below_threshold"])
	assert.Zero(t, summary.Nacked)

	rec, err := p.records.Get(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, dedup.StatusDisabled, rec.Status)
	assert.Equal(t, 1, p.plane.(*executor.DryRunPlane).Calls("acct-1"))
}

func TestSimulatedMessageParses(t *testing.T) {
	msg, err := simulatedMessage(SimulateOptions{AccountID: "acct-1", Threshold: 1, Cost: 120, Budget: 100, Currency: "USD"})
	require.NoError(t, err)

	note, err := ingress.Parse(msg)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", note.AccountID)
	assert.Equal(t, "simulated-budget", note.BudgetID)
	assert.Equal(t, ingress.TypeBudgetExceeded, note.NotificationType)
	assert.True(t, note.CostAmount.Equal(decimal.NewFromInt(120)))
}

func TestPrintResults(t *testing.T) {
	var buf bytes.Buffer
	err := printResults(&buf, []service.Result{{Outcome: audit.OutcomeDisabled, Ack: true, Attempts: 1}})
	require.NoError(t, err)

	var view map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &view))
	assert.Equal(t, "disabled", view["outcome"])
	assert.Equal(t, true, view["ack"])
}

func TestWriteAuditsCSV(t *testing.T) {
	errMsg := "denied"
	audits := []storage.AuditRecord{{
		ID:               "0b0e7f5c-8a0e-4f8e-9d55-2f1c1d6b3c11",
		AccountID:        "acct-1",
		BudgetID:         "b1",
		Outcome:          "failed",
		Reason:           "fatal",
		Attempts:         1,
		ThresholdPercent: decimal.NewFromInt(1),
		CostAmount:       decimal.RequireFromString("12.5"),
		BudgetAmount:     decimal.NewFromInt(10),
		CurrencyCode:     "USD",
		Error:            &errMsg,
		RecordedAt:       time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
	}}

	var buf bytes.Buffer
	require.NoError(t, writeAuditsCSV(&buf, audits))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "recorded_at", rows[0][0])
	assert.Equal(t, "2026-10-01T00:00:00Z", rows[1][0])
	assert.Equal(t, "12.5", rows[1][9])
	assert.Equal(t, "denied", rows[1][12])
}

func TestWriteRecords(t *testing.T) {
	var buf bytes.Buffer
	writeRecords(&buf, nil)
	assert.Contains(t, buf.String(), "no disable records found")

	buf.Reset()
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	writeRecords(&buf, []dedup.Record{{
		AccountID:           "acct-1",
		Status:              dedup.StatusDisabled,
		TriggeringThreshold: decimal.NewFromInt(1),
		DisabledAt:          &now,
		PendingSince:        now,
		Attempts:            1,
		UpdatedAt:           now,
	}})
	assert.Contains(t, buf.String(), "acct-1")
	assert.Contains(t, buf.String(), "disabled")
}
