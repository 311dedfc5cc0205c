package store

import (
	"context"

	"github.com/yanun0323/errors"

	"main/internal/schema"
)

var ErrNotFound = errors.New("store: entity not found")

// Record is one materialized entity copy with its replication metadata.
type Record struct {
	EntityType schema.EntityType `json:"entityType" gorm:"primaryKey;column:entity_type"`
	EntityID   string            `json:"entityId" gorm:"primaryKey;column:entity_id"`
	Version    uint64            `json:"version" gorm:"column:version"`
	Timestamp  int64             `json:"timestamp" gorm:"column:timestamp;index"`
	NodeID     string            `json:"nodeId" gorm:"column:node_id"`
	Checksum   string            `json:"checksum" gorm:"column:checksum"`
	Data       []byte            `json:"data" gorm:"column:data"`
	UpdatedAt  int64             `json:"updatedAt" gorm:"column:updated_at;autoUpdateTime:milli"`
}

// TableName keeps every entity copy in one replication table; domain tables
// belong to the storage engine, not to the mesh.
func (Record) TableName() string { return "synced_entities" }

// Meta extracts the version metadata used for conflict detection.
func (r Record) Meta() schema.VersionMeta {
	return schema.VersionMeta{
		Version:   r.Version,
		Timestamp: r.Timestamp,
		NodeID:    r.NodeID,
		Checksum:  r.Checksum,
	}
}

// EntityStore is the sole write path for materializing remote entity state.
type EntityStore interface {
	// Get returns the stored copy or ErrNotFound.
	Get(ctx context.Context, et schema.EntityType, entityID string) (Record, error)
	// Put inserts or overwrites the stored copy.
	Put(ctx context.Context, rec Record) error
	// Delete removes the stored copy; deleting a missing entity is a no-op.
	Delete(ctx context.Context, et schema.EntityType, entityID string) error
	// List pages entities of one type ordered by (timestamp, entity_id),
	// returning rows strictly after the (afterTs, afterID) cursor. A zero
	// cursor starts from the beginning.
	List(ctx context.Context, et schema.EntityType, afterTs int64, afterID string, limit int) ([]Record, error)
	// Counts returns per-type row counts and latest timestamps.
	Counts(ctx context.Context) (schema.SyncCounts, error)
}
