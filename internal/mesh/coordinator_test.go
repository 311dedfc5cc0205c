package mesh

import (
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"

	"main/internal/obs"
	"main/internal/ops"
	"main/internal/outbox"
	"main/internal/resolve"
	"main/internal/schema"
	"main/internal/store"
	"main/internal/wire"
)

type testNode struct {
	coord  *Coordinator
	store  store.EntityStore
	queue  *outbox.Queue
	server *httptest.Server
}

func newTestNode(t *testing.T, id, region, primaryID string, peers []schema.PeerConfig) *testNode {
	t.Helper()
	dir := t.TempDir()

	queue, err := outbox.Open(filepath.Join(dir, "outbox.db"), outbox.Config{
		MaxRetryCount: 3,
		BackoffMin:    50 * time.Millisecond,
		BackoffMax:    time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = queue.Close() })

	conflicts, err := resolve.OpenLog(filepath.Join(dir, "conflicts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conflicts.Close() })

	st := store.NewMemory()
	cfg := ops.Loaded{
		Node: ops.NodeConfig{ID: id, Region: region, Version: "test"},
		Mesh: ops.MeshSpec{
			SharedKey:            "test-mesh-key",
			PrimaryNodeID:        primaryID,
			PingInterval:         100 * time.Millisecond,
			GossipInterval:       time.Second,
			MaxReconnectAttempts: 3,
			BackoffMin:           50 * time.Millisecond,
			BackoffMax:           time.Second,
			DialConcurrency:      4,
		},
		Sync: ops.SyncSpec{
			MaxRetryCount:        3,
			RetryBackoffMin:      50 * time.Millisecond,
			RetryBackoffMax:      time.Second,
			DrainInterval:        25 * time.Millisecond,
			BatchSize:            50,
			CompressionThreshold: 1024,
			BulkPageSize:         100,
			CountsInterval:       time.Second,
		},
		Features: ops.FeatureFlags{EnableStatusBroadcast: true, EnablePreferencesSync: true},
		Peers:    peers,
	}

	coord := New(cfg, st, queue, conflicts, obs.NewMetrics())
	node := &testNode{coord: coord, store: st, queue: queue}
	node.server = httptest.NewServer(coord.Handler())
	t.Cleanup(node.server.Close)
	return node
}

func (n *testNode) wsURL() string {
	return "ws" + strings.TrimPrefix(n.server.URL, "http")
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

func TestTwoNodeReplication(t *testing.T) {
	b := newTestNode(t, "eu-1", "eu-west", "us-1", nil)
	a := newTestNode(t, "us-1", "us-east", "us-1", []schema.PeerConfig{
		{ID: "eu-1", Region: "eu-west", WsURL: b.wsURL()},
	})

	ctx := context.Background()
	require.NoError(t, a.coord.Start(ctx))
	require.NoError(t, b.coord.Start(ctx))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.coord.Shutdown(shutdownCtx)
		_ = b.coord.Shutdown(shutdownCtx)
	}()

	waitFor(t, 5*time.Second, func() bool {
		return a.coord.linkFor("eu-1") != nil && b.coord.linkFor("us-1") != nil
	}, "links established both ways")

	data := []byte(`{"id":"ord-1","qty":"0.5","price":"61250.00"}`)
	require.NoError(t, a.coord.OnEntityMutated(ctx, schema.EntityOrder, "ord-1", schema.OpInsert, data, 1, time.Now().UnixMilli()))

	waitFor(t, 5*time.Second, func() bool {
		rec, err := b.store.Get(ctx, schema.EntityOrder, "ord-1")
		return err == nil && rec.Version == 1
	}, "order replicated to eu-1")

	rec, err := b.store.Get(ctx, schema.EntityOrder, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "us-1", rec.NodeID)
	assert.Equal(t, wire.Checksum(data), rec.Checksum)
	assert.JSONEq(t, string(data), string(rec.Data))

	// The ack removes the item from the sender's outbox.
	waitFor(t, 5*time.Second, func() bool {
		pending, err := a.queue.PendingCount()
		return err == nil && pending == 0
	}, "outbox drained after ack")
}

func TestDeleteTombstonePropagates(t *testing.T) {
	b := newTestNode(t, "eu-1", "eu-west", "us-1", nil)
	a := newTestNode(t, "us-1", "us-east", "us-1", []schema.PeerConfig{
		{ID: "eu-1", Region: "eu-west", WsURL: b.wsURL()},
	})

	ctx := context.Background()
	require.NoError(t, a.coord.Start(ctx))
	require.NoError(t, b.coord.Start(ctx))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.coord.Shutdown(shutdownCtx)
		_ = b.coord.Shutdown(shutdownCtx)
	}()

	waitFor(t, 5*time.Second, func() bool {
		return a.coord.linkFor("eu-1") != nil && b.coord.linkFor("us-1") != nil
	}, "links established")

	data := []byte(`{"id":"ord-9","status":"open"}`)
	require.NoError(t, a.coord.OnEntityMutated(ctx, schema.EntityOrder, "ord-9", schema.OpInsert, data, 1, time.Now().UnixMilli()))
	waitFor(t, 5*time.Second, func() bool {
		_, err := b.store.Get(ctx, schema.EntityOrder, "ord-9")
		return err == nil
	}, "order replicated")

	require.NoError(t, a.coord.OnEntityMutated(ctx, schema.EntityOrder, "ord-9", schema.OpDelete, nil, 2, time.Now().UnixMilli()))
	waitFor(t, 5*time.Second, func() bool {
		_, err := b.store.Get(ctx, schema.EntityOrder, "ord-9")
		return err != nil
	}, "tombstone removed the replica")
}

func TestPrimaryOwnedWritesRejectedOnReplica(t *testing.T) {
	n := newTestNode(t, "eu-1", "eu-west", "us-1", nil)
	ctx := context.Background()

	err := n.coord.OnEntityMutated(ctx, schema.EntityOrder, "ord-1", schema.OpInsert, []byte(`{}`), 1, 1)
	require.True(t, errors.Is(err, resolve.ErrNotPrimary))

	// Last-write-wins types are writable anywhere.
	require.NoError(t, n.coord.OnEntityMutated(ctx, schema.EntityPortfolio, "user-1", schema.OpUpdate, []byte(`{"balance":"10"}`), 1, 1))
	pending, err := n.queue.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestPreferencesNewestWins(t *testing.T) {
	n := newTestNode(t, "us-1", "us-east", "us-1", nil)

	n.coord.handlePreferencesSync(wire.PreferencesSync{UserID: "u1", Data: []byte(`{"theme":"dark"}`), UpdatedAt: 200, OriginNode: "eu-1"})
	n.coord.handlePreferencesSync(wire.PreferencesSync{UserID: "u1", Data: []byte(`{"theme":"light"}`), UpdatedAt: 100, OriginNode: "ap-1"})

	data, at, ok := n.coord.Preferences("u1")
	require.True(t, ok)
	assert.EqualValues(t, 200, at)
	assert.JSONEq(t, `{"theme":"dark"}`, string(data))

	n.coord.handlePreferencesSync(wire.PreferencesSync{UserID: "u1", Data: []byte(`{"theme":"auto"}`), UpdatedAt: 300, OriginNode: "ap-1"})
	data, at, ok = n.coord.Preferences("u1")
	require.True(t, ok)
	assert.EqualValues(t, 300, at)
	assert.JSONEq(t, `{"theme":"auto"}`, string(data))

	_, _, ok = n.coord.Preferences("unknown")
	assert.False(t, ok)
}

func TestSyncStatusFromRemoteCounts(t *testing.T) {
	n := newTestNode(t, "us-1", "us-east", "us-1", nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, n.store.Put(ctx, store.Record{
			EntityType: schema.EntityTrade,
			EntityID:   fmt.Sprintf("t-%d", i),
			Version:    1,
			Timestamp:  int64(100 + i),
			NodeID:     "us-1",
		}))
	}

	n.coord.countsMu.Lock()
	n.coord.remoteCounts["eu-1"] = schema.SyncCounts{
		NodeID: "eu-1",
		Counts: map[schema.EntityType]int64{
			schema.EntityTrade: 5,
			schema.EntityOrder: 2,
		},
		Timestamp: 12345,
	}
	n.coord.countsMu.Unlock()

	sync, ok := n.coord.syncStatus("eu-1")
	require.True(t, ok)
	assert.EqualValues(t, 4, sync.EntitiesAhead) // 2 trades + 2 orders
	assert.EqualValues(t, 0, sync.EntitiesBehind)
	assert.EqualValues(t, 12345, sync.LastSyncAt)
	assert.True(t, sync.Syncing)

	_, ok = n.coord.syncStatus("never-heard-from")
	assert.False(t, ok)
}

func TestHydrateQueueItem(t *testing.T) {
	n := newTestNode(t, "us-1", "us-east", "us-1", nil)
	ctx := context.Background()
	now := time.Now()

	data := []byte(`{"id":"p-1"}`)
	require.NoError(t, n.store.Put(ctx, store.Record{
		EntityType: schema.EntityPortfolio,
		EntityID:   "p-1",
		Version:    3,
		Timestamp:  500,
		NodeID:     "us-1",
		Checksum:   wire.Checksum(data),
		Data:       data,
	}))

	item := schema.SyncQueueItem{ID: "item-1", EntityType: schema.EntityPortfolio, EntityID: "p-1", Operation: schema.OpUpdate, Version: 3}
	upd, err := n.coord.hydrate(ctx, item, now)
	require.NoError(t, err)
	assert.EqualValues(t, 3, upd.msg.Version)
	assert.Equal(t, "item-1", upd.msg.Ref)
	assert.False(t, upd.msg.Deleted)
	assert.Equal(t, data, upd.msg.Data)

	del := schema.SyncQueueItem{ID: "item-2", EntityType: schema.EntityPortfolio, EntityID: "p-1", Operation: schema.OpDelete, Version: 4}
	upd, err = n.coord.hydrate(ctx, del, now)
	require.NoError(t, err)
	assert.True(t, upd.msg.Deleted)
	assert.EqualValues(t, 4, upd.msg.Version)
	assert.Empty(t, upd.msg.Data)

	missing := schema.SyncQueueItem{ID: "item-3", EntityType: schema.EntityPortfolio, EntityID: "gone", Operation: schema.OpUpdate}
	_, err = n.coord.hydrate(ctx, missing, now)
	require.Error(t, err)
}

func TestDeregisterPeer(t *testing.T) {
	n := newTestNode(t, "us-1", "us-east", "us-1", []schema.PeerConfig{
		{ID: "eu-1", Region: "eu-west", WsURL: "ws://127.0.0.1:1/ws"},
	})

	require.Equal(t, 1, n.coord.registry.Len())
	n.coord.DeregisterPeer("eu-1")
	assert.Equal(t, 0, n.coord.registry.Len())
	_, err := n.coord.registry.Get("eu-1")
	assert.Error(t, err)
}

func TestAuthRejectedWithWrongKey(t *testing.T) {
	n := newTestNode(t, "us-1", "us-east", "us-1", nil)
	now := time.Now()
	ts := now.UnixMilli()

	l := &link{out: make(chan []byte, 8), done: make(chan struct{})}
	n.coord.handleAuth(l, wire.Auth{
		ID:        "intruder",
		Region:    "xx",
		Timestamp: ts,
		Signature: wire.Sign([]byte("wrong-key"), "intruder", "xx", ts),
	}, now)

	assert.True(t, l.closed())
	assert.Nil(t, n.coord.linkFor("intruder"))
	assert.EqualValues(t, 1, n.coord.metrics.Snapshot().AuthFailures)
}

// sentMessages drains and decodes everything queued on a link's out channel.
func sentMessages(t *testing.T, l *link) []wire.Message {
	t.Helper()
	var msgs []wire.Message
	for {
		select {
		case frame := <-l.out:
			msg, err := wire.Decode(frame)
			require.NoError(t, err)
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func TestReconcileResumesFromRequestedPage(t *testing.T) {
	n := newTestNode(t, "us-1", "us-east", "us-1", nil)
	n.coord.cfg.Sync.BulkPageSize = 2
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		data := []byte(fmt.Sprintf(`{"seq":%d}`, i))
		require.NoError(t, n.store.Put(ctx, store.Record{
			EntityType: schema.EntityTrade,
			EntityID:   fmt.Sprintf("t-%d", i),
			Version:    1,
			Timestamp:  int64(1_000 + i),
			NodeID:     "us-1",
			Checksum:   wire.Checksum(data),
			Data:       data,
		}))
	}

	l := &link{out: make(chan []byte, 16), done: make(chan struct{})}
	l.setID("eu-1")
	n.coord.handleReconcileRequest(ctx, l, wire.ReconcileRequest{EntityType: schema.EntityTrade, FromPage: 2})

	msgs := sentMessages(t, l)
	require.Len(t, msgs, 2)
	first, ok := msgs[0].(wire.BulkSync)
	require.True(t, ok)
	assert.EqualValues(t, 2, first.Page)
	assert.EqualValues(t, 3, first.TotalPages)
	last, ok := msgs[1].(wire.BulkSync)
	require.True(t, ok)
	assert.EqualValues(t, 3, last.Page)
}

func TestBulkPageFailureRequestsResendOnce(t *testing.T) {
	n := newTestNode(t, "us-1", "us-east", "us-1", nil)
	ctx := context.Background()
	now := time.Now()

	good := []byte(`{"seq":1}`)
	page := wire.BulkSync{
		EntityType: schema.EntityTrade,
		Page:       1,
		TotalPages: 2,
		Entities: []schema.SyncEntity{
			{EntityID: "t-1", Version: 1, Timestamp: 1_000, Checksum: wire.Checksum(good), Data: good},
			{EntityID: "t-2", Version: 1, Timestamp: 1_001, Checksum: "deadbeef", Data: []byte(`{"seq":2}`)},
		},
	}

	l := &link{out: make(chan []byte, 16), done: make(chan struct{})}
	l.setID("eu-1")
	n.coord.handleBulkSync(ctx, l, page, now)

	var reconcile *wire.ReconcileRequest
	var probe *wire.ChecksumRequest
	for _, msg := range sentMessages(t, l) {
		switch m := msg.(type) {
		case wire.ReconcileRequest:
			reconcile = &m
		case wire.ChecksumRequest:
			probe = &m
		}
	}
	require.NotNil(t, probe, "failed row should probe the sender's checksum")
	assert.Equal(t, "t-2", probe.EntityID)
	require.NotNil(t, reconcile, "failed page should be re-requested")
	assert.EqualValues(t, 1, reconcile.FromPage)

	// Another failing page of the same run does not repeat the request.
	bad := wire.BulkSync{
		EntityType: schema.EntityTrade,
		Page:       2,
		TotalPages: 2,
		Entities: []schema.SyncEntity{
			{EntityID: "t-3", Version: 1, Timestamp: 1_002, Checksum: "deadbeef", Data: []byte(`{"seq":3}`)},
		},
	}
	n.coord.handleBulkSync(ctx, l, bad, now)
	for _, msg := range sentMessages(t, l) {
		_, isReconcile := msg.(wire.ReconcileRequest)
		assert.False(t, isReconcile)
	}
}

func TestHealthSnapshot(t *testing.T) {
	n := newTestNode(t, "us-1", "us-east", "us-1", nil)
	ctx := context.Background()

	require.NoError(t, n.coord.OnEntityMutated(ctx, schema.EntityPortfolio, "p-1", schema.OpUpdate, []byte(`{}`), 1, 1))

	m := n.coord.HealthSnapshot(time.Now())
	assert.Equal(t, "us-1", m.NodeID)
	assert.NotEmpty(t, m.ID)
	assert.EqualValues(t, 1, m.PendingSyncCount)
	assert.EqualValues(t, 0, m.FailedSyncCount)
}
