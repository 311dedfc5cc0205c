package resolve

import (
	"encoding/json"

	"github.com/yanun0323/errors"
	"go.etcd.io/bbolt"

	"main/internal/schema"
)

var bucketConflicts = []byte("conflicts")

// Log is the permanent conflict journal. Records are appended on detection
// and never deleted.
type Log struct {
	db *bbolt.DB
}

// OpenLog opens or creates the conflict journal database file.
func OpenLog(path string) (*Log, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open conflict db")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketConflicts)
		return errors.Wrap(err, "create conflicts bucket")
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Log{db: db}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Record appends one conflict. An existing record with the same id is
// overwritten, which makes remote resolutions idempotent on redelivery.
func (l *Log) Record(c schema.SyncConflict) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal conflict")
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		return errors.Wrap(tx.Bucket(bucketConflicts).Put([]byte(c.ID), raw), "put conflict")
	})
}

// Count returns the number of journaled conflicts.
func (l *Log) Count() (int, error) {
	var n int
	err := l.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketConflicts).Stats().KeyN
		return nil
	})
	return n, err
}

// List returns up to limit journaled conflicts; limit <= 0 means all.
func (l *Log) List(limit int) ([]schema.SyncConflict, error) {
	var out []schema.SyncConflict
	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketConflicts).Cursor()
		for k, raw := c.First(); k != nil; k, raw = c.Next() {
			var conflict schema.SyncConflict
			if err := json.Unmarshal(raw, &conflict); err != nil {
				return errors.Wrap(err, "unmarshal conflict")
			}
			out = append(out, conflict)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// ForEntity returns the journaled conflicts for one entity.
func (l *Log) ForEntity(et schema.EntityType, entityID string) ([]schema.SyncConflict, error) {
	all, err := l.List(0)
	if err != nil {
		return nil, err
	}
	var out []schema.SyncConflict
	for _, c := range all {
		if c.EntityType == et && c.EntityID == entityID {
			out = append(out, c)
		}
	}
	return out, nil
}
