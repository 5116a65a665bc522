package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type firestoreRecord struct {
	AccountID           string     `firestore:"accountId"`
	Status              string     `firestore:"status"`
	TriggeringThreshold string     `firestore:"triggeringThreshold"`
	DisabledAt          *time.Time `firestore:"disabledAt"`
	PendingSince        time.Time  `firestore:"pendingSince"`
	Attempts            int        `firestore:"attempts"`
	UpdatedAt           time.Time  `firestore:"updatedAt"`
}

// FirestoreStore keeps one document per account and mutates it inside transactions.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	opts       Options
}

// NewFirestoreStore wires a Firestore client into a Store.
func NewFirestoreStore(client *firestore.Client, collection string, opts Options) *FirestoreStore {
	return &FirestoreStore{client: client, collection: collection, opts: opts}
}

func (s *FirestoreStore) doc(accountID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(strings.ReplaceAll(accountID, "/", "\\"))
}

// TryBeginDisable implements Store.
func (s *FirestoreStore) TryBeginDisable(ctx context.Context, accountID string, threshold decimal.Decimal) (Decision, error) {
	ref := s.doc(accountID)
	var decision Decision
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, err := s.read(tx.Get(ref))
		if err != nil {
			return err
		}
		var next Record
		decision, next = decide(current, accountID, threshold, s.opts)
		if decision != Proceed {
			return nil
		}
		return tx.Set(ref, toFirestore(next))
	})
	if err != nil {
		return 0, fmt.Errorf("firestore begin disable: %w", err)
	}
	return decision, nil
}

// CommitDisabled implements Store.
func (s *FirestoreStore) CommitDisabled(ctx context.Context, accountID string) error {
	return s.update(ctx, "commit disabled", accountID, func(r Record) (Record, bool) { return commit(r, s.opts) })
}

// MarkFailed implements Store.
func (s *FirestoreStore) MarkFailed(ctx context.Context, accountID string) error {
	return s.update(ctx, "mark failed", accountID, func(r Record) (Record, bool) { return fail(r, s.opts) })
}

func (s *FirestoreStore) update(ctx context.Context, op, accountID string, apply func(Record) (Record, bool)) error {
	ref := s.doc(accountID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, err := s.read(tx.Get(ref))
		if err != nil {
			return err
		}
		if current == nil {
			return ErrNotFound
		}
		next, changed := apply(*current)
		if !changed {
			return nil
		}
		return tx.Set(ref, toFirestore(next))
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("firestore %s: %w", op, err)
	}
	return nil
}

// Get implements Store.
func (s *FirestoreStore) Get(ctx context.Context, accountID string) (Record, error) {
	rec, err := s.read(s.doc(accountID).Get(ctx))
	if err != nil {
		return Record{}, fmt.Errorf("firestore get record: %w", err)
	}
	if rec == nil {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

// List implements Store. Records are ordered by most recent update.
func (s *FirestoreStore) List(ctx context.Context, limit int) ([]Record, error) {
	query := s.client.Collection(s.collection).OrderBy("updatedAt", firestore.Desc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("firestore list records: %w", err)
	}
	records := make([]Record, 0, len(snaps))
	for _, snap := range snaps {
		rec, err := s.read(snap, nil)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, *rec)
		}
	}
	return records, nil
}

func (s *FirestoreStore) read(snap *firestore.DocumentSnapshot, err error) (*Record, error) {
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}
	if snap == nil || !snap.Exists() {
		return nil, nil
	}
	var doc firestoreRecord
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", snap.Ref.ID, err)
	}
	rec := Record{
		AccountID:    doc.AccountID,
		Status:       Status(doc.Status),
		DisabledAt:   doc.DisabledAt,
		PendingSince: doc.PendingSince.UTC(),
		Attempts:     doc.Attempts,
		UpdatedAt:    doc.UpdatedAt.UTC(),
	}
	if doc.TriggeringThreshold != "" {
		threshold, err := decimal.NewFromString(doc.TriggeringThreshold)
		if err != nil {
			return nil, fmt.Errorf("parse threshold: %w", err)
		}
		rec.TriggeringThreshold = threshold
	}
	return &rec, nil
}

func toFirestore(r Record) firestoreRecord {
	return firestoreRecord{
		AccountID:           r.AccountID,
		Status:              string(r.Status),
		TriggeringThreshold: r.TriggeringThreshold.String(),
		DisabledAt:          r.DisabledAt,
		PendingSince:        r.PendingSince,
		Attempts:            r.Attempts,
		UpdatedAt:           r.UpdatedAt,
	}
}

var _ Store = (*FirestoreStore)(nil)
