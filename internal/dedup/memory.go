package dedup

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

type memoryEntry struct {
	mu     sync.Mutex
	record *Record
}

// MemoryStore keeps records in process. Each account has its own lock, so
// unrelated accounts never contend.
type MemoryStore struct {
	entries sync.Map
	opts    Options
}

// NewMemoryStore constructs an in-process store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{opts: opts}
}

func (s *MemoryStore) entry(accountID string) *memoryEntry {
	if e, ok := s.entries.Load(accountID); ok {
		return e.(*memoryEntry)
	}
	e, _ := s.entries.LoadOrStore(accountID, &memoryEntry{})
	return e.(*memoryEntry)
}

// TryBeginDisable implements Store.
func (s *MemoryStore) TryBeginDisable(ctx context.Context, accountID string, threshold decimal.Decimal) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e := s.entry(accountID)
	e.mu.Lock()
	defer e.mu.Unlock()

	decision, next := decide(e.record, accountID, threshold, s.opts)
	if decision == Proceed {
		e.record = &next
	}
	return decision, nil
}

// CommitDisabled implements Store.
func (s *MemoryStore) CommitDisabled(ctx context.Context, accountID string) error {
	return s.update(ctx, accountID, func(r Record) (Record, bool) { return commit(r, s.opts) })
}

// MarkFailed implements Store.
func (s *MemoryStore) MarkFailed(ctx context.Context, accountID string) error {
	return s.update(ctx, accountID, func(r Record) (Record, bool) { return fail(r, s.opts) })
}

func (s *MemoryStore) update(ctx context.Context, accountID string, apply func(Record) (Record, bool)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := s.entry(accountID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.record == nil {
		return ErrNotFound
	}
	if next, changed := apply(*e.record); changed {
		e.record = &next
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, accountID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	v, ok := s.entries.Load(accountID)
	if !ok {
		return Record{}, ErrNotFound
	}
	e := v.(*memoryEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record == nil {
		return Record{}, ErrNotFound
	}
	return *e.record, nil
}

// List implements Store. Records are ordered by most recent update.
func (s *MemoryStore) List(ctx context.Context, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records := make([]Record, 0)
	s.entries.Range(func(_, v any) bool {
		e := v.(*memoryEntry)
		e.mu.Lock()
		if e.record != nil {
			records = append(records, *e.record)
		}
		e.mu.Unlock()
		return true
	})
	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

var _ Store = (*MemoryStore)(nil)
