package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"budget-guard/internal/dedup"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	// The WHERE clause on the conflict branch is evaluated under the row lock, so two
	// concurrent callers can never both see a returned row.
	beginDisableSQL = `INSERT INTO disable_records AS r (
        account_id,
        status,
        triggering_threshold,
        pending_since,
        attempts,
        updated_at
    ) VALUES (
        $1, 'pending', $2, $3, 1, $3
    )
    ON CONFLICT (account_id) DO UPDATE
    SET
        status               = 'pending',
        triggering_threshold = EXCLUDED.triggering_threshold,
        pending_since        = EXCLUDED.pending_since,
        disabled_at          = NULL,
        attempts             = r.attempts + 1,
        updated_at           = EXCLUDED.updated_at
    WHERE r.status = 'failed'
       OR (r.status = 'pending' AND $5 AND r.pending_since <= $4)
    RETURNING status;`

	recordStatusSQL = `SELECT status FROM disable_records WHERE account_id = $1;`

	commitDisabledSQL = `UPDATE disable_records
    SET status = 'disabled', disabled_at = $2, updated_at = $2
    WHERE account_id = $1 AND status <> 'disabled';`

	markFailedSQL = `UPDATE disable_records
    SET status = 'failed', updated_at = $2
    WHERE account_id = $1 AND status = 'pending';`

	recordExistsSQL = `SELECT EXISTS (SELECT 1 FROM disable_records WHERE account_id = $1);`

	selectRecordColumns = `SELECT
        account_id,
        status,
        triggering_threshold::text,
        disabled_at,
        pending_since,
        attempts,
        updated_at
    FROM disable_records`

	getRecordSQL = selectRecordColumns + `
    WHERE account_id = $1;`

	listRecordsSQL = selectRecordColumns + `
    ORDER BY updated_at DESC
    LIMIT $1;`

	insertAuditSQL = `INSERT INTO audit_records (
        id,
        account_id,
        budget_id,
        event_id,
        outcome,
        reason,
        attempts,
        threshold_percent,
        cost_amount,
        budget_amount,
        currency_code,
        error,
        recorded_at
    ) VALUES (
        $1::uuid,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    )
    ON CONFLICT (id) DO NOTHING;`

	selectAuditColumns = `SELECT
        id::text,
        account_id,
        budget_id,
        event_id,
        outcome,
        reason,
        attempts,
        threshold_percent::text,
        cost_amount::text,
        budget_amount::text,
        currency_code,
        error,
        recorded_at,
        created_at
    FROM audit_records`

	listRecentAuditsSQL = selectAuditColumns + `
    ORDER BY recorded_at DESC
    LIMIT $1;`

	listAuditsBetweenSQL = selectAuditColumns + `
    WHERE recorded_at >= $1
      AND recorded_at < $2
    ORDER BY recorded_at
    LIMIT $3;`

	deleteAuditsBeforeSQL = `DELETE FROM audit_records WHERE recorded_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AuditStore defines operations for audit persistence.
type AuditStore interface {
	InsertAudit(ctx context.Context, rec AuditRecord) error
	ListRecentAudits(ctx context.Context, limit int) ([]AuditRecord, error)
	ListAuditsBetween(ctx context.Context, from, to time.Time, limit int) ([]AuditRecord, error)
	DeleteAuditsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to disable records and audit records.
type Store struct {
	pool *pgxpool.Pool
	opts dedup.Options
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool, opts dedup.Options) *Store {
	return &Store{pool: pool, opts: opts}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// the session lock dies with the connection
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

func (s *Store) now() time.Time {
	if s.opts.Now != nil {
		return s.opts.Now().UTC()
	}
	return time.Now().UTC()
}

// TryBeginDisable implements dedup.Store.
func (s *Store) TryBeginDisable(ctx context.Context, accountID string, threshold decimal.Decimal) (dedup.Decision, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	now := s.now()
	staleEnabled := s.opts.PendingStaleAfter > 0
	cutoff := now.Add(-s.opts.PendingStaleAfter)

	var status string
	err = pool.QueryRow(ctx, beginDisableSQL, accountID, threshold.String(), now, cutoff, staleEnabled).Scan(&status)
	if err == nil {
		return dedup.Proceed, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("begin disable: %w", err)
	}

	if err := pool.QueryRow(ctx, recordStatusSQL, accountID).Scan(&status); err != nil {
		return 0, fmt.Errorf("read record status: %w", err)
	}
	if dedup.Status(status) == dedup.StatusDisabled {
		return dedup.AlreadyDisabled, nil
	}
	// A failed status here means another caller moved the record after our insert lost;
	// reporting pending keeps the guarantee of a single Proceed.
	return dedup.AlreadyPending, nil
}

// CommitDisabled implements dedup.Store.
func (s *Store) CommitDisabled(ctx context.Context, accountID string) error {
	return s.transition(ctx, "commit disabled", commitDisabledSQL, accountID)
}

// MarkFailed implements dedup.Store.
func (s *Store) MarkFailed(ctx context.Context, accountID string) error {
	return s.transition(ctx, "mark failed", markFailedSQL, accountID)
}

func (s *Store) transition(ctx context.Context, op, query, accountID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, query, accountID, s.now())
	if execErr != nil {
		return fmt.Errorf("%s: %w", op, execErr)
	}
	if cmdTag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := pool.QueryRow(ctx, recordExistsSQL, accountID).Scan(&exists); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		return dedup.ErrNotFound
	}
	return nil
}

// Get implements dedup.Store.
func (s *Store) Get(ctx context.Context, accountID string) (dedup.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return dedup.Record{}, err
	}
	rec, err := scanRecord(pool.QueryRow(ctx, getRecordSQL, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return dedup.Record{}, dedup.ErrNotFound
	}
	if err != nil {
		return dedup.Record{}, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// List implements dedup.Store.
func (s *Store) List(ctx context.Context, limit int) ([]dedup.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecordsSQL, limitArg(limit))
	if queryErr != nil {
		return nil, fmt.Errorf("list records: %w", queryErr)
	}
	defer rows.Close()

	records := make([]dedup.Record, 0)
	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// InsertAudit persists an audit record. Re-inserting the same id is a no-op.
func (s *Store) InsertAudit(ctx context.Context, rec AuditRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if rec.Error != nil {
		errMsg = *rec.Error
	}

	_, execErr := pool.Exec(ctx, insertAuditSQL,
		rec.ID,
		rec.AccountID,
		rec.BudgetID,
		rec.EventID,
		rec.Outcome,
		rec.Reason,
		rec.Attempts,
		rec.ThresholdPercent.String(),
		rec.CostAmount.String(),
		rec.BudgetAmount.String(),
		rec.CurrencyCode,
		errMsg,
		rec.RecordedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert audit: %w", execErr)
	}
	return nil
}

// ListRecentAudits lists the most recent audit records.
func (s *Store) ListRecentAudits(ctx context.Context, limit int) ([]AuditRecord, error) {
	return s.queryAudits(ctx, "list recent audits", listRecentAuditsSQL, limitArg(limit))
}

// ListAuditsBetween lists audit records within a time window, oldest first.
func (s *Store) ListAuditsBetween(ctx context.Context, from, to time.Time, limit int) ([]AuditRecord, error) {
	return s.queryAudits(ctx, "list audits between", listAuditsBetweenSQL, from, to, limitArg(limit))
}

// DeleteAuditsBefore purges historical audit records.
func (s *Store) DeleteAuditsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	cmdTag, execErr := pool.Exec(ctx, deleteAuditsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete audits before: %w", execErr)
	}
	return cmdTag.RowsAffected(), nil
}

func (s *Store) queryAudits(ctx context.Context, op, query string, args ...interface{}) ([]AuditRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	audits := make([]AuditRecord, 0)
	for rows.Next() {
		rec, scanErr := scanAudit(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		audits = append(audits, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return audits, nil
}

// limitArg maps a non-positive limit to NULL, which postgres treats as no limit.
func limitArg(limit int) interface{} {
	if limit > 0 {
		return limit
	}
	return nil
}

func scanRecord(row pgx.Row) (dedup.Record, error) {
	var (
		rec          dedup.Record
		status       string
		thresholdStr string
		disabledAt   sql.NullTime
	)
	if err := row.Scan(
		&rec.AccountID,
		&status,
		&thresholdStr,
		&disabledAt,
		&rec.PendingSince,
		&rec.Attempts,
		&rec.UpdatedAt,
	); err != nil {
		return dedup.Record{}, err
	}

	threshold, err := decimal.NewFromString(thresholdStr)
	if err != nil {
		return dedup.Record{}, fmt.Errorf("parse triggering threshold: %w", err)
	}
	rec.Status = dedup.Status(status)
	rec.TriggeringThreshold = threshold
	rec.PendingSince = rec.PendingSince.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if disabledAt.Valid {
		at := disabledAt.Time.UTC()
		rec.DisabledAt = &at
	}
	return rec, nil
}

func scanAudit(rows pgx.Rows) (AuditRecord, error) {
	var (
		rec          AuditRecord
		thresholdStr string
		costStr      string
		budgetStr    string
		errMsg       sql.NullString
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.AccountID,
		&rec.BudgetID,
		&rec.EventID,
		&rec.Outcome,
		&rec.Reason,
		&rec.Attempts,
		&thresholdStr,
		&costStr,
		&budgetStr,
		&rec.CurrencyCode,
		&errMsg,
		&rec.RecordedAt,
		&rec.CreatedAt,
	); err != nil {
		return AuditRecord{}, err
	}

	var err error
	if rec.ThresholdPercent, err = decimal.NewFromString(thresholdStr); err != nil {
		return AuditRecord{}, fmt.Errorf("parse threshold percent: %w", err)
	}
	if rec.CostAmount, err = decimal.NewFromString(costStr); err != nil {
		return AuditRecord{}, fmt.Errorf("parse cost amount: %w", err)
	}
	if rec.BudgetAmount, err = decimal.NewFromString(budgetStr); err != nil {
		return AuditRecord{}, fmt.Errorf("parse budget amount: %w", err)
	}
	if errMsg.Valid {
		msg := errMsg.String
		rec.Error = &msg
	}
	return rec, nil
}

var (
	_ dedup.Store    = (*Store)(nil)
	_ AuditStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
