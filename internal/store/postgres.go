package store

import (
	"context"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"main/internal/schema"
	"main/pkg/conn"
)

// Postgres materializes replicated entities into a PostgreSQL table, keeping
// the mesh's copy next to the trading rows the storage engine owns.
type Postgres struct {
	client *conn.Client
}

// NewPostgres connects and migrates the replication table.
func NewPostgres(opt conn.Option) (*Postgres, error) {
	client, err := conn.New(opt)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if err := client.DB().AutoMigrate(&Record{}); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "migrate synced_entities")
	}
	return &Postgres{client: client}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.client.Close()
}

func (p *Postgres) Get(ctx context.Context, et schema.EntityType, entityID string) (Record, error) {
	var rec Record
	err := p.client.DB().WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", et, entityID).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, errors.Wrap(ErrNotFound, recordKey(et, entityID))
	}
	if err != nil {
		return Record{}, errors.Wrap(err, "query entity")
	}
	return rec, nil
}

func (p *Postgres) Put(ctx context.Context, rec Record) error {
	err := p.client.DB().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_type"}, {Name: "entity_id"}},
			UpdateAll: true,
		}).
		Create(&rec).Error
	return errors.Wrap(err, "upsert entity")
}

func (p *Postgres) Delete(ctx context.Context, et schema.EntityType, entityID string) error {
	err := p.client.DB().WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", et, entityID).
		Delete(&Record{}).Error
	return errors.Wrap(err, "delete entity")
}

func (p *Postgres) List(ctx context.Context, et schema.EntityType, afterTs int64, afterID string, limit int) ([]Record, error) {
	var rows []Record
	q := p.client.DB().WithContext(ctx).
		Where("entity_type = ?", et).
		Where("(timestamp > ?) OR (timestamp = ? AND entity_id > ?)", afterTs, afterTs, afterID).
		Order("timestamp, entity_id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list entities")
	}
	return rows, nil
}

func (p *Postgres) Counts(ctx context.Context) (schema.SyncCounts, error) {
	var rows []struct {
		EntityType schema.EntityType
		Total      int64
		LatestTs   int64
	}
	err := p.client.DB().WithContext(ctx).
		Model(&Record{}).
		Select("entity_type, COUNT(*) AS total, MAX(timestamp) AS latest_ts").
		Group("entity_type").
		Find(&rows).Error
	if err != nil {
		return schema.SyncCounts{}, errors.Wrap(err, "count entities")
	}

	counts := schema.SyncCounts{
		Counts:   make(map[schema.EntityType]int64, len(rows)),
		LatestTs: make(map[schema.EntityType]int64, len(rows)),
	}
	for _, row := range rows {
		counts.Counts[row.EntityType] = row.Total
		counts.LatestTs[row.EntityType] = row.LatestTs
	}
	return counts, nil
}
