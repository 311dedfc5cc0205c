package store

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/yanun0323/errors"

	"main/internal/schema"
)

const memoryShards = 16

type memoryShard struct {
	mu   sync.RWMutex
	rows map[string]Record
}

// Memory is an in-process EntityStore. Keys are spread over striped shards
// so replication for one entity never blocks another.
type Memory struct {
	shards [memoryShards]*memoryShard
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	m := &Memory{}
	for i := range m.shards {
		m.shards[i] = &memoryShard{rows: make(map[string]Record)}
	}
	return m
}

func (m *Memory) shard(key string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%memoryShards]
}

func recordKey(et schema.EntityType, entityID string) string {
	return et.String() + "|" + entityID
}

func (m *Memory) Get(_ context.Context, et schema.EntityType, entityID string) (Record, error) {
	key := recordKey(et, entityID)
	s := m.shard(key)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.rows[key]
	if !ok {
		return Record{}, errors.Wrap(ErrNotFound, key)
	}
	return rec, nil
}

func (m *Memory) Put(_ context.Context, rec Record) error {
	key := recordKey(rec.EntityType, rec.EntityID)
	s := m.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.rows[key] = rec
	return nil
}

func (m *Memory) Delete(_ context.Context, et schema.EntityType, entityID string) error {
	key := recordKey(et, entityID)
	s := m.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rows, key)
	return nil
}

func (m *Memory) List(_ context.Context, et schema.EntityType, afterTs int64, afterID string, limit int) ([]Record, error) {
	var rows []Record
	for _, s := range m.shards {
		s.mu.RLock()
		for _, rec := range s.rows {
			if rec.EntityType != et {
				continue
			}
			if rec.Timestamp < afterTs {
				continue
			}
			if rec.Timestamp == afterTs && rec.EntityID <= afterID {
				continue
			}
			rows = append(rows, rec)
		}
		s.mu.RUnlock()
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Timestamp != rows[j].Timestamp {
			return rows[i].Timestamp < rows[j].Timestamp
		}
		return rows[i].EntityID < rows[j].EntityID
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (m *Memory) Counts(_ context.Context) (schema.SyncCounts, error) {
	counts := schema.SyncCounts{
		Counts:   make(map[schema.EntityType]int64),
		LatestTs: make(map[schema.EntityType]int64),
	}
	for _, s := range m.shards {
		s.mu.RLock()
		for _, rec := range s.rows {
			counts.Counts[rec.EntityType]++
			if rec.Timestamp > counts.LatestTs[rec.EntityType] {
				counts.LatestTs[rec.EntityType] = rec.Timestamp
			}
		}
		s.mu.RUnlock()
	}
	return counts, nil
}
