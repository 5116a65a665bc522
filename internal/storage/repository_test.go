package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"budget-guard/internal/config"
	"budget-guard/internal/dedup"
)

func newTestStore(t *testing.T, opts dedup.Options) *Store {
	t.Helper()
	dsn := os.Getenv("BUDGETGUARD_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("BUDGETGUARD_TEST_DATABASE_DSN not set, skipping postgres integration test")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 8, EnsureSchema: true})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewStore(pool, opts)
}

func testAccount(t *testing.T) string {
	return fmt.Sprintf("%s-%s", t.Name(), uuid.NewString())
}

func TestStoreWithoutPool(t *testing.T) {
	var store *Store
	_, err := store.TryBeginDisable(context.Background(), "acct", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrNotConfigured)

	empty := NewStore(nil, dedup.Options{})
	assert.ErrorIs(t, empty.CommitDisabled(context.Background(), "acct"), ErrNotConfigured)
	_, err = empty.ListRecentAudits(context.Background(), 10)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestStoreDisableLifecycle(t *testing.T) {
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	store := newTestStore(t, dedup.Options{PendingStaleAfter: 10 * time.Minute, Now: clock})
	ctx := context.Background()
	account := testAccount(t)
	threshold := decimal.RequireFromString("1.0000")

	decision, err := store.TryBeginDisable(ctx, account, threshold)
	require.NoError(t, err)
	assert.Equal(t, dedup.Proceed, decision)

	advance(5 * time.Minute)
	decision, err = store.TryBeginDisable(ctx, account, threshold)
	require.NoError(t, err)
	assert.Equal(t, dedup.AlreadyPending, decision)

	advance(6 * time.Minute)
	decision, err = store.TryBeginDisable(ctx, account, threshold)
	require.NoError(t, err)
	assert.Equal(t, dedup.Proceed, decision)

	rec, err := store.Get(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, dedup.StatusPending, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.True(t, rec.TriggeringThreshold.Equal(threshold))

	require.NoError(t, store.CommitDisabled(ctx, account))
	require.NoError(t, store.CommitDisabled(ctx, account))
	require.NoError(t, store.MarkFailed(ctx, account))

	rec, err = store.Get(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, dedup.StatusDisabled, rec.Status)
	require.NotNil(t, rec.DisabledAt)

	decision, err = store.TryBeginDisable(ctx, account, threshold)
	require.NoError(t, err)
	assert.Equal(t, dedup.AlreadyDisabled, decision)

	missing := testAccount(t) + "-missing"
	assert.True(t, errors.Is(store.CommitDisabled(ctx, missing), dedup.ErrNotFound))
	assert.True(t, errors.Is(store.MarkFailed(ctx, missing), dedup.ErrNotFound))
	_, err = store.Get(ctx, missing)
	assert.True(t, errors.Is(err, dedup.ErrNotFound))
}

func TestStoreFailedRecordRetries(t *testing.T) {
	store := newTestStore(t, dedup.Options{PendingStaleAfter: time.Hour})
	ctx := context.Background()
	account := testAccount(t)

	_, err := store.TryBeginDisable(ctx, account, decimal.NewFromInt(1))
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, account))

	decision, err := store.TryBeginDisable(ctx, account, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, dedup.Proceed, decision)
}

func TestStoreConcurrentBeginProceedsOnce(t *testing.T) {
	store := newTestStore(t, dedup.Options{PendingStaleAfter: time.Hour})
	ctx := context.Background()
	account := testAccount(t)

	var proceeded atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := store.TryBeginDisable(ctx, account, decimal.NewFromInt(1))
			if err != nil {
				t.Errorf("begin disable: %v", err)
				return
			}
			if decision == dedup.Proceed {
				proceeded.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), proceeded.Load())
}

func TestStoreAuditRoundTrip(t *testing.T) {
	store := newTestStore(t, dedup.Options{})
	ctx := context.Background()
	recordedAt := time.Now().UTC().Add(-time.Minute).Truncate(time.Microsecond)
	errMsg := "permission denied"

	rec := AuditRecord{
		ID:               uuid.NewString(),
		AccountID:        testAccount(t),
		BudgetID:         "budget-1",
		EventID:          "evt-1",
		Outcome:          "failed",
		Reason:           "fatal",
		Attempts:         1,
		ThresholdPercent: decimal.RequireFromString("1"),
		CostAmount:       decimal.RequireFromString("1250.50"),
		BudgetAmount:     decimal.RequireFromString("1000"),
		CurrencyCode:     "USD",
		Error:            &errMsg,
		RecordedAt:       recordedAt,
	}
	require.NoError(t, store.InsertAudit(ctx, rec))
	require.NoError(t, store.InsertAudit(ctx, rec))

	audits, err := store.ListAuditsBetween(ctx, recordedAt.Add(-time.Second), recordedAt.Add(time.Second), 100)
	require.NoError(t, err)

	var found *AuditRecord
	for i := range audits {
		if audits[i].ID == rec.ID {
			found = &audits[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, rec.AccountID, found.AccountID)
	assert.True(t, found.CostAmount.Equal(rec.CostAmount))
	require.NotNil(t, found.Error)
	assert.Equal(t, errMsg, *found.Error)

	deleted, err := store.DeleteAuditsBefore(ctx, recordedAt.Add(time.Second))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(1))
}

func TestStoreAdvisoryLock(t *testing.T) {
	store := newTestStore(t, dedup.Options{})
	ctx := context.Background()
	key := time.Now().UnixNano()

	unlock, acquired, err := store.TryAdvisoryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, acquired)

	_, again, err := store.TryAdvisoryLock(ctx, key)
	require.NoError(t, err)
	assert.False(t, again)

	unlock()
	unlock2, acquired, err := store.TryAdvisoryLock(ctx, key)
	require.NoError(t, err)
	assert.True(t, acquired)
	unlock2()
}
