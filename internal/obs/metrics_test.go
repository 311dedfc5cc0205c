package obs

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/schema"
)

func TestCountersAndSnapshot(t *testing.T) {
	m := NewMetrics()

	m.IncSynced(schema.EntityTrade)
	m.IncSynced(schema.EntityTrade)
	m.IncSynced(schema.EntityOrder)
	m.ObserveSent(100)
	m.ObserveReceived(40)
	m.IncIntegrityFailure()
	m.IncVersionGap()
	m.IncConflictDetected()
	m.IncConflictResolved()
	m.IncSyncError()

	snap := m.Snapshot()
	assert.EqualValues(t, 2, snap.SyncedByType[schema.EntityTrade])
	assert.EqualValues(t, 1, snap.SyncedByType[schema.EntityOrder])
	assert.EqualValues(t, 1, snap.MessagesSent)
	assert.EqualValues(t, 100, snap.BytesSent)
	assert.EqualValues(t, 1, snap.MessagesReceived)
	assert.EqualValues(t, 40, snap.BytesReceived)
	assert.EqualValues(t, 1, snap.IntegrityFailures)
	assert.EqualValues(t, 1, snap.VersionGaps)
	assert.EqualValues(t, 1, snap.ConflictsDetected)
	assert.EqualValues(t, 1, snap.ConflictsResolved)
	assert.EqualValues(t, 1, snap.SyncErrors)
	assert.EqualValues(t, 3, snap.Synced1m)
	assert.EqualValues(t, 2, snap.Errors1m) // integrity failure + sync error
}

func TestLatencyStats(t *testing.T) {
	m := NewMetrics()
	m.ObserveApply(2 * time.Millisecond)
	m.ObserveApply(4 * time.Millisecond)
	m.ObserveApply(9 * time.Millisecond)

	lat := m.Snapshot().ApplyLatency
	assert.EqualValues(t, 3, lat.Count)
	assert.Equal(t, 2*time.Millisecond, lat.Min)
	assert.Equal(t, 9*time.Millisecond, lat.Max)
	assert.Equal(t, 5*time.Millisecond, lat.Avg)
}

func TestNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.IncSynced(schema.EntityTrade)
	m.ObserveSent(10)
	m.IncSyncError()
	m.ObserveApply(time.Millisecond)
	assert.Zero(t, m.Snapshot().SyncErrors)
}

func TestConcurrentUpdates(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.IncSynced(schema.EntityTrade)
				m.ObserveSent(1)
				m.ObservePing(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	require.EqualValues(t, 800, snap.SyncedByType[schema.EntityTrade])
	require.EqualValues(t, 800, snap.MessagesSent)
	require.EqualValues(t, 800, snap.PingLatency.Count)
}

func TestNodeMetricsAssembly(t *testing.T) {
	m := NewMetrics()
	m.IncSynced(schema.EntityTrade)
	m.IncConflictDetected()

	now := time.Now()
	nm := m.Snapshot().NodeMetrics("metric-1", "us-1", 4, 1, 2, now)
	assert.Equal(t, "metric-1", nm.ID)
	assert.Equal(t, "us-1", nm.NodeID)
	assert.Equal(t, now.UnixMilli(), nm.Timestamp)
	assert.EqualValues(t, 4, nm.PendingSyncCount)
	assert.EqualValues(t, 1, nm.FailedSyncCount)
	assert.EqualValues(t, 1, nm.SyncedEntities1m)
	assert.EqualValues(t, 1, nm.ConflictsDetected)
	assert.Equal(t, 2, nm.ConnectedPeers)
}
