package outbox

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"go.etcd.io/bbolt"

	"main/internal/schema"
)

var ErrItemNotFound = errors.New("outbox: item not found")

var (
	bucketQueue  = []byte("queue")
	bucketKeys   = []byte("keys")
	bucketFailed = []byte("failed")
	bucketState  = []byte("state")

	stateKey = []byte("sync_state")
)

// Config bounds retry behavior.
type Config struct {
	// MaxRetryCount before an item is terminally failed. Default 5.
	MaxRetryCount int
	// BackoffMin/BackoffMax bound the retry backoff. Defaults 2s/5m.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

func (cfg *Config) init() {
	if cfg.MaxRetryCount <= 0 {
		cfg.MaxRetryCount = 5
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
}

// Queue is the durable per-node outbox. Items survive restarts; scheduling
// state is plain data recomputed on each drain pass.
type Queue struct {
	db  *bbolt.DB
	cfg Config
}

// Open opens or creates the outbox database file.
func Open(path string, cfg Config) (*Queue, error) {
	cfg.init()

	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open outbox db")
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketQueue, bucketKeys, bucketFailed, bucketState} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrap(err, "create bucket "+string(name))
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Queue{db: db, cfg: cfg}, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

// Enqueue inserts a queue item. The caller fills EntityType, EntityID,
// Operation, Version and TargetNodes; identity, priority and scheduling are
// assigned here. For mutable entity types a newer pending item supersedes an
// older one with the same (entity_type, entity_id, operation); append-only
// types always enqueue independently.
func (q *Queue) Enqueue(item schema.SyncQueueItem, now time.Time) (schema.SyncQueueItem, error) {
	item.ID = uuid.NewString()
	item.Priority = item.EntityType.Priority()
	item.PendingTargets = append([]string(nil), item.TargetNodes...)
	item.CreatedAt = now.UnixMilli()
	item.ScheduledAt = now.UnixMilli()
	item.RetryCount = 0
	item.AttemptedAt = 0
	item.CompletedAt = 0
	item.Error = ""

	err := q.db.Update(func(tx *bbolt.Tx) error {
		queue := tx.Bucket(bucketQueue)
		keys := tx.Bucket(bucketKeys)

		if !item.EntityType.AppendOnly() {
			key := dedupKey(item.EntityType, item.EntityID, item.Operation)
			if prev := keys.Get(key); prev != nil {
				if err := queue.Delete(prev); err != nil {
					return errors.Wrap(err, "delete superseded item")
				}
			}
			if err := keys.Put(key, []byte(item.ID)); err != nil {
				return errors.Wrap(err, "index item key")
			}
		}

		raw, err := json.Marshal(item)
		if err != nil {
			return errors.Wrap(err, "marshal queue item")
		}
		return errors.Wrap(queue.Put([]byte(item.ID), raw), "put queue item")
	})
	if err != nil {
		return schema.SyncQueueItem{}, err
	}
	return item, nil
}

// Due returns up to limit pending items scheduled at or before now, ordered
// by (priority, scheduled_at).
func (q *Queue) Due(now time.Time, limit int) ([]schema.SyncQueueItem, error) {
	nowMs := now.UnixMilli()
	var due []schema.SyncQueueItem

	err := q.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(_, raw []byte) error {
			var item schema.SyncQueueItem
			if err := json.Unmarshal(raw, &item); err != nil {
				return errors.Wrap(err, "unmarshal queue item")
			}
			if item.ScheduledAt <= nowMs {
				due = append(due, item)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		return due[i].ScheduledAt < due[j].ScheduledAt
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// MarkAttempted stamps a delivery attempt and, for broadcast items on their
// first attempt, pins the pending target set to the peers addressed now.
func (q *Queue) MarkAttempted(id string, targets []string, now time.Time) error {
	return q.update(id, func(item *schema.SyncQueueItem) error {
		item.AttemptedAt = now.UnixMilli()
		if len(item.PendingTargets) == 0 {
			item.PendingTargets = append([]string(nil), targets...)
		}
		return nil
	})
}

// Defer pushes an item's next attempt out without counting a failure, used
// while waiting for delivery confirmations.
func (q *Queue) Defer(id string, until time.Time) error {
	return q.update(id, func(item *schema.SyncQueueItem) error {
		item.ScheduledAt = until.UnixMilli()
		return nil
	})
}

// CompleteTarget records one target's confirmation. The item is deleted only
// when every addressed target has confirmed; one unreachable peer never
// blocks completion toward the others.
func (q *Queue) CompleteTarget(id, node string, now time.Time) (done bool, err error) {
	err = q.db.Update(func(tx *bbolt.Tx) error {
		queue := tx.Bucket(bucketQueue)
		raw := queue.Get([]byte(id))
		if raw == nil {
			return errors.Wrap(ErrItemNotFound, id)
		}

		var item schema.SyncQueueItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return errors.Wrap(err, "unmarshal queue item")
		}

		remaining := item.PendingTargets[:0]
		for _, t := range item.PendingTargets {
			if t != node {
				remaining = append(remaining, t)
			}
		}
		item.PendingTargets = remaining

		if len(item.PendingTargets) > 0 {
			updated, err := json.Marshal(item)
			if err != nil {
				return errors.Wrap(err, "marshal queue item")
			}
			return errors.Wrap(queue.Put([]byte(id), updated), "put queue item")
		}

		done = true
		item.CompletedAt = now.UnixMilli()
		if !item.EntityType.AppendOnly() {
			key := dedupKey(item.EntityType, item.EntityID, item.Operation)
			keys := tx.Bucket(bucketKeys)
			if string(keys.Get(key)) == id {
				if err := keys.Delete(key); err != nil {
					return errors.Wrap(err, "drop item key index")
				}
			}
		}
		return errors.Wrap(queue.Delete([]byte(id)), "delete completed item")
	})
	return done, err
}

// Fail records a delivery failure. The item is rescheduled with capped
// exponential backoff until MaxRetryCount, then moved to the failed bucket
// with its error; it is never silently dropped.
func (q *Queue) Fail(id, cause string, now time.Time) (terminal bool, err error) {
	err = q.db.Update(func(tx *bbolt.Tx) error {
		queue := tx.Bucket(bucketQueue)
		raw := queue.Get([]byte(id))
		if raw == nil {
			return errors.Wrap(ErrItemNotFound, id)
		}

		var item schema.SyncQueueItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return errors.Wrap(err, "unmarshal queue item")
		}

		item.RetryCount++
		item.Error = cause

		if item.RetryCount > q.cfg.MaxRetryCount {
			terminal = true
			if !item.EntityType.AppendOnly() {
				key := dedupKey(item.EntityType, item.EntityID, item.Operation)
				keys := tx.Bucket(bucketKeys)
				if string(keys.Get(key)) == id {
					if err := keys.Delete(key); err != nil {
						return errors.Wrap(err, "drop item key index")
					}
				}
			}
			failedRaw, err := json.Marshal(item)
			if err != nil {
				return errors.Wrap(err, "marshal failed item")
			}
			if err := tx.Bucket(bucketFailed).Put([]byte(id), failedRaw); err != nil {
				return errors.Wrap(err, "put failed item")
			}
			return errors.Wrap(queue.Delete([]byte(id)), "delete failed item")
		}

		item.ScheduledAt = now.Add(q.backoff(item.RetryCount)).UnixMilli()
		updated, err := json.Marshal(item)
		if err != nil {
			return errors.Wrap(err, "marshal queue item")
		}
		return errors.Wrap(queue.Put([]byte(id), updated), "put queue item")
	})
	return terminal, err
}

// PendingCount returns the number of queued items awaiting delivery.
func (q *Queue) PendingCount() (int, error) {
	return q.count(bucketQueue)
}

// FailedCount returns the number of terminally failed items.
func (q *Queue) FailedCount() (int, error) {
	return q.count(bucketFailed)
}

// FailedItems lists terminally failed items for health reporting.
func (q *Queue) FailedItems(limit int) ([]schema.SyncQueueItem, error) {
	var out []schema.SyncQueueItem
	err := q.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketFailed).Cursor()
		for k, raw := c.First(); k != nil; k, raw = c.Next() {
			var item schema.SyncQueueItem
			if err := json.Unmarshal(raw, &item); err != nil {
				return errors.Wrap(err, "unmarshal failed item")
			}
			out = append(out, item)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// LoadState reads the persisted sync cursor state, defaulting to an enabled
// empty state on first run.
func (q *Queue) LoadState() (schema.SyncState, error) {
	state := schema.SyncState{SyncEnabled: true}
	err := q.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketState).Get(stateKey)
		if raw == nil {
			return nil
		}
		return errors.Wrap(json.Unmarshal(raw, &state), "unmarshal sync state")
	})
	return state, err
}

// SaveState persists the sync cursor state.
func (q *Queue) SaveState(state schema.SyncState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "marshal sync state")
	}
	return q.db.Update(func(tx *bbolt.Tx) error {
		return errors.Wrap(tx.Bucket(bucketState).Put(stateKey, raw), "put sync state")
	})
}

func (q *Queue) update(id string, fn func(*schema.SyncQueueItem) error) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		queue := tx.Bucket(bucketQueue)
		raw := queue.Get([]byte(id))
		if raw == nil {
			return errors.Wrap(ErrItemNotFound, id)
		}
		var item schema.SyncQueueItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return errors.Wrap(err, "unmarshal queue item")
		}
		if err := fn(&item); err != nil {
			return err
		}
		updated, err := json.Marshal(item)
		if err != nil {
			return errors.Wrap(err, "marshal queue item")
		}
		return errors.Wrap(queue.Put([]byte(id), updated), "put queue item")
	})
}

func (q *Queue) count(bucket []byte) (int, error) {
	var n int
	err := q.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucket).Stats().KeyN
		return nil
	})
	return n, err
}

func (q *Queue) backoff(retry int) time.Duration {
	d := q.cfg.BackoffMin << uint(retry-1)
	if d > q.cfg.BackoffMax || d <= 0 {
		return q.cfg.BackoffMax
	}
	return d
}

func dedupKey(et schema.EntityType, entityID string, op schema.SyncOperation) []byte {
	key := make([]byte, 0, len(entityID)+len(et.String())+len(op.String())+2)
	key = append(key, et.String()...)
	key = append(key, '|')
	key = append(key, entityID...)
	key = append(key, '|')
	key = append(key, op.String()...)
	return key
}
