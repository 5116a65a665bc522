package dedup

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound indicates there is no record for the account.
var ErrNotFound = errors.New("dedup: record not found")

// Status is the lifecycle state of a DisableRecord.
type Status string

const (
	StatusPending  Status = "pending"
	StatusDisabled Status = "disabled"
	StatusFailed   Status = "failed"
)

// Decision is the result of TryBeginDisable.
type Decision int

const (
	Proceed Decision = iota
	AlreadyDisabled
	AlreadyPending
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case AlreadyDisabled:
		return "already_disabled"
	case AlreadyPending:
		return "already_pending"
	default:
		return "unknown"
	}
}

// Record tracks whether an account's billing has been disabled.
type Record struct {
	AccountID           string
	Status              Status
	TriggeringThreshold decimal.Decimal
	DisabledAt          *time.Time
	PendingSince        time.Time
	Attempts            int
	UpdatedAt           time.Time
}

// Stale reports whether a pending record is old enough to be taken over.
func (r Record) Stale(now time.Time, staleAfter time.Duration) bool {
	return r.Status == StatusPending && staleAfter > 0 && !r.PendingSince.After(now.Add(-staleAfter))
}

// Store is the durable, per-account linearizable record of disable actions.
type Store interface {
	// TryBeginDisable marks the account pending and returns Proceed when there is no record,
	// a failed record, or a stale pending record. Otherwise it returns the current state
	// without mutating it.
	TryBeginDisable(ctx context.Context, accountID string, threshold decimal.Decimal) (Decision, error)
	// CommitDisabled records a successful disable. Repeated commits are no-ops.
	CommitDisabled(ctx context.Context, accountID string) error
	// MarkFailed moves a pending record to failed so a later delivery can retry.
	MarkFailed(ctx context.Context, accountID string) error
	Get(ctx context.Context, accountID string) (Record, error)
	List(ctx context.Context, limit int) ([]Record, error)
}

// Options are shared by every backend.
type Options struct {
	PendingStaleAfter time.Duration
	Now               func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

// decide applies the begin-disable transition to the current record, if any. It returns
// the decision and, on Proceed, the record to store.
func decide(current *Record, accountID string, threshold decimal.Decimal, opts Options) (Decision, Record) {
	now := opts.now()
	next := Record{
		AccountID:           accountID,
		Status:              StatusPending,
		TriggeringThreshold: threshold,
		PendingSince:        now,
		Attempts:            1,
		UpdatedAt:           now,
	}
	if current == nil {
		return Proceed, next
	}
	switch current.Status {
	case StatusDisabled:
		return AlreadyDisabled, *current
	case StatusPending:
		if !current.Stale(now, opts.PendingStaleAfter) {
			return AlreadyPending, *current
		}
	}
	next.Attempts = current.Attempts + 1
	return Proceed, next
}

// commit applies CommitDisabled to the current record.
func commit(current Record, opts Options) (Record, bool) {
	if current.Status == StatusDisabled {
		return current, false
	}
	now := opts.now()
	current.Status = StatusDisabled
	current.DisabledAt = &now
	current.UpdatedAt = now
	return current, true
}

// fail applies MarkFailed to the current record.
func fail(current Record, opts Options) (Record, bool) {
	if current.Status != StatusPending {
		return current, false
	}
	current.Status = StatusFailed
	current.UpdatedAt = opts.now()
	return current, true
}
