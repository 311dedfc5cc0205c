package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"

	"main/internal/schema"
)

func TestMemoryPutGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, schema.EntityOrder, "ord-1")
	assert.True(t, errors.Is(err, ErrNotFound))

	rec := Record{
		EntityType: schema.EntityOrder,
		EntityID:   "ord-1",
		Version:    3,
		Timestamp:  1_000,
		NodeID:     "us-1",
		Checksum:   "abc",
		Data:       []byte(`{"state":"open"}`),
	}
	require.NoError(t, m.Put(ctx, rec))

	got, err := m.Get(ctx, schema.EntityOrder, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	assert.EqualValues(t, 3, got.Meta().Version)

	// Same id under a different type is a distinct row.
	_, err = m.Get(ctx, schema.EntityTrade, "ord-1")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, m.Delete(ctx, schema.EntityOrder, "ord-1"))
	_, err = m.Get(ctx, schema.EntityOrder, "ord-1")
	assert.True(t, errors.Is(err, ErrNotFound))

	// Deleting again is a no-op.
	require.NoError(t, m.Delete(ctx, schema.EntityOrder, "ord-1"))
}

func TestMemoryListPagesByCursor(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Put(ctx, Record{
			EntityType: schema.EntityTrade,
			EntityID:   fmt.Sprintf("t-%d", i),
			Timestamp:  int64(100 * (i/2 + 1)),
		}))
	}
	require.NoError(t, m.Put(ctx, Record{EntityType: schema.EntityOrder, EntityID: "ord-1", Timestamp: 100}))

	page, err := m.List(ctx, schema.EntityTrade, 0, "", 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, []string{"t-0", "t-1", "t-2"}, ids(page))

	last := page[len(page)-1]
	page, err = m.List(ctx, schema.EntityTrade, last.Timestamp, last.EntityID, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"t-3", "t-4"}, ids(page))

	last = page[len(page)-1]
	page, err = m.List(ctx, schema.EntityTrade, last.Timestamp, last.EntityID, 3)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestMemoryCounts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Put(ctx, Record{EntityType: schema.EntityTrade, EntityID: "t-1", Timestamp: 100}))
	require.NoError(t, m.Put(ctx, Record{EntityType: schema.EntityTrade, EntityID: "t-2", Timestamp: 300}))
	require.NoError(t, m.Put(ctx, Record{EntityType: schema.EntityOrder, EntityID: "o-1", Timestamp: 200}))

	counts, err := m.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts.Counts[schema.EntityTrade])
	assert.EqualValues(t, 300, counts.LatestTs[schema.EntityTrade])
	assert.EqualValues(t, 1, counts.Counts[schema.EntityOrder])
	assert.EqualValues(t, 200, counts.LatestTs[schema.EntityOrder])
}

func TestMemoryConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("e-%d-%d", w, i)
				_ = m.Put(ctx, Record{EntityType: schema.EntityProfile, EntityID: id, Timestamp: int64(i)})
				_, _ = m.Get(ctx, schema.EntityProfile, id)
			}
		}(w)
	}
	wg.Wait()

	counts, err := m.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 400, counts.Counts[schema.EntityProfile])
}

func ids(rows []Record) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.EntityID)
	}
	return out
}
