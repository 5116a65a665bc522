package dedup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Each account lives in one hash. The scripts run atomically on the server, which
// gives per-key linearizability without client-side locks.
var (
	beginScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'disabled' then
  return 'already_disabled'
end
if status == 'pending' then
  local since = tonumber(redis.call('HGET', KEYS[1], 'pending_since') or '0')
  local stale = tonumber(ARGV[3])
  if stale <= 0 or since > tonumber(ARGV[2]) - stale then
    return 'already_pending'
  end
end
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts') or '0') + 1
redis.call('HSET', KEYS[1], 'account_id', ARGV[4], 'status', 'pending', 'threshold', ARGV[1],
  'pending_since', ARGV[2], 'attempts', attempts, 'updated_at', ARGV[2])
redis.call('HDEL', KEYS[1], 'disabled_at')
return 'proceed'
`)

	commitScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return 0
end
if status ~= 'disabled' then
  redis.call('HSET', KEYS[1], 'status', 'disabled', 'disabled_at', ARGV[1], 'updated_at', ARGV[1])
end
return 1
`)

	failScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return 0
end
if status == 'pending' then
  redis.call('HSET', KEYS[1], 'status', 'failed', 'updated_at', ARGV[1])
end
return 1
`)
)

// RedisStore persists records in Redis hashes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	opts   Options
}

// NewRedisStore wires a Redis client into a Store.
func NewRedisStore(client redis.UniversalClient, keyPrefix string, opts Options) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "budgetguard:disable:"
	}
	return &RedisStore{client: client, prefix: keyPrefix, opts: opts}
}

func (s *RedisStore) key(accountID string) string {
	return s.prefix + accountID
}

// TryBeginDisable implements Store.
func (s *RedisStore) TryBeginDisable(ctx context.Context, accountID string, threshold decimal.Decimal) (Decision, error) {
	now := s.opts.now().UnixMilli()
	res, err := beginScript.Run(ctx, s.client, []string{s.key(accountID)},
		threshold.String(), now, s.opts.PendingStaleAfter.Milliseconds(), accountID).Text()
	if err != nil {
		return 0, fmt.Errorf("redis begin disable: %w", err)
	}
	switch res {
	case "proceed":
		return Proceed, nil
	case "already_disabled":
		return AlreadyDisabled, nil
	case "already_pending":
		return AlreadyPending, nil
	default:
		return 0, fmt.Errorf("redis begin disable: unexpected reply %q", res)
	}
}

// CommitDisabled implements Store.
func (s *RedisStore) CommitDisabled(ctx context.Context, accountID string) error {
	return s.run(ctx, commitScript, "commit disabled", accountID)
}

// MarkFailed implements Store.
func (s *RedisStore) MarkFailed(ctx context.Context, accountID string) error {
	return s.run(ctx, failScript, "mark failed", accountID)
}

func (s *RedisStore) run(ctx context.Context, script *redis.Script, op, accountID string) error {
	found, err := script.Run(ctx, s.client, []string{s.key(accountID)}, s.opts.now().UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("redis %s: %w", op, err)
	}
	if found == 0 {
		return ErrNotFound
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, accountID string) (Record, error) {
	fields, err := s.client.HGetAll(ctx, s.key(accountID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("redis get record: %w", err)
	}
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}
	return decodeHash(accountID, fields)
}

// List implements Store. Order follows the keyspace scan.
func (s *RedisStore) List(ctx context.Context, limit int) ([]Record, error) {
	records := make([]Record, 0)
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		accountID := strings.TrimPrefix(iter.Val(), s.prefix)
		rec, err := s.Get(ctx, accountID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		records = append(records, rec)
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan records: %w", err)
	}
	return records, nil
}

func decodeHash(accountID string, fields map[string]string) (Record, error) {
	rec := Record{AccountID: accountID, Status: Status(fields["status"])}
	if v := fields["threshold"]; v != "" {
		threshold, err := decimal.NewFromString(v)
		if err != nil {
			return Record{}, fmt.Errorf("parse threshold: %w", err)
		}
		rec.TriggeringThreshold = threshold
	}
	if v := fields["attempts"]; v != "" {
		attempts, err := strconv.Atoi(v)
		if err != nil {
			return Record{}, fmt.Errorf("parse attempts: %w", err)
		}
		rec.Attempts = attempts
	}
	var err error
	if rec.PendingSince, err = millis(fields["pending_since"]); err != nil {
		return Record{}, err
	}
	if rec.UpdatedAt, err = millis(fields["updated_at"]); err != nil {
		return Record{}, err
	}
	if v := fields["disabled_at"]; v != "" {
		at, err := millis(v)
		if err != nil {
			return Record{}, err
		}
		rec.DisabledAt = &at
	}
	return rec, nil
}

func millis(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

var _ Store = (*RedisStore)(nil)
