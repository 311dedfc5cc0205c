package obs

import (
	"sync"
	"sync/atomic"
	"time"

	"main/internal/schema"
)

const maxEntityType = int(schema.EntityPredictionHistory)

// Metrics collects lightweight counters and latency stats for the mesh.
type Metrics struct {
	syncedByType [maxEntityType + 1]uint64

	messagesSent     uint64
	messagesReceived uint64
	bytesSent        uint64
	bytesReceived    uint64

	integrityFailures uint64
	authFailures      uint64
	versionGaps       uint64
	conflictsDetected uint64
	conflictsResolved uint64
	syncErrors        uint64

	syncedRecent rateWindow
	errorsRecent rateWindow

	applyLatency LatencyStats
	drainLatency LatencyStats
	pingLatency  LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	SyncedByType map[schema.EntityType]uint64

	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64

	IntegrityFailures uint64
	AuthFailures      uint64
	VersionGaps       uint64
	ConflictsDetected uint64
	ConflictsResolved uint64
	SyncErrors        uint64

	Synced1m uint32
	Errors1m uint32

	ApplyLatency LatencySnapshot
	DrainLatency LatencySnapshot
	PingLatency  LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncSynced records one applied entity of the given type.
func (m *Metrics) IncSynced(et schema.EntityType) {
	if m == nil {
		return
	}
	idx := int(et)
	if idx >= 0 && idx < len(m.syncedByType) {
		atomic.AddUint64(&m.syncedByType[idx], 1)
	}
	m.syncedRecent.Inc(time.Now())
}

// ObserveSent records one outbound wire message.
func (m *Metrics) ObserveSent(bytes int) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.messagesSent, 1)
	atomic.AddUint64(&m.bytesSent, uint64(bytes))
}

// ObserveReceived records one inbound wire message.
func (m *Metrics) ObserveReceived(bytes int) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.messagesReceived, 1)
	atomic.AddUint64(&m.bytesReceived, uint64(bytes))
}

// IncIntegrityFailure records a checksum mismatch.
func (m *Metrics) IncIntegrityFailure() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.integrityFailures, 1)
	m.errorsRecent.Inc(time.Now())
}

// IncAuthFailure records a rejected signature.
func (m *Metrics) IncAuthFailure() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.authFailures, 1)
}

// IncVersionGap records an out-of-order update on an ordered entity type.
func (m *Metrics) IncVersionGap() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.versionGaps, 1)
}

// IncConflictDetected records a detected divergence.
func (m *Metrics) IncConflictDetected() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.conflictsDetected, 1)
}

// IncConflictResolved records a resolved divergence.
func (m *Metrics) IncConflictResolved() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.conflictsResolved, 1)
}

// IncSyncError records a failed delivery or apply.
func (m *Metrics) IncSyncError() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.syncErrors, 1)
	m.errorsRecent.Inc(time.Now())
}

// ObserveApply measures local apply latency for one remote update.
func (m *Metrics) ObserveApply(d time.Duration) {
	if m == nil {
		return
	}
	m.applyLatency.Observe(d)
}

// ObserveDrain measures one outbox drain pass.
func (m *Metrics) ObserveDrain(d time.Duration) {
	if m == nil {
		return
	}
	m.drainLatency.Observe(d)
}

// ObservePing measures one peer round trip.
func (m *Metrics) ObservePing(d time.Duration) {
	if m == nil {
		return
	}
	m.pingLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	synced := make(map[schema.EntityType]uint64)
	for i := range m.syncedByType {
		if v := atomic.LoadUint64(&m.syncedByType[i]); v > 0 {
			synced[schema.EntityType(i)] = v
		}
	}
	now := time.Now()
	return Snapshot{
		SyncedByType:      synced,
		MessagesSent:      atomic.LoadUint64(&m.messagesSent),
		MessagesReceived:  atomic.LoadUint64(&m.messagesReceived),
		BytesSent:         atomic.LoadUint64(&m.bytesSent),
		BytesReceived:     atomic.LoadUint64(&m.bytesReceived),
		IntegrityFailures: atomic.LoadUint64(&m.integrityFailures),
		AuthFailures:      atomic.LoadUint64(&m.authFailures),
		VersionGaps:       atomic.LoadUint64(&m.versionGaps),
		ConflictsDetected: atomic.LoadUint64(&m.conflictsDetected),
		ConflictsResolved: atomic.LoadUint64(&m.conflictsResolved),
		SyncErrors:        atomic.LoadUint64(&m.syncErrors),
		Synced1m:          m.syncedRecent.Rate(now),
		Errors1m:          m.errorsRecent.Rate(now),
		ApplyLatency:      m.applyLatency.Snapshot(),
		DrainLatency:      m.drainLatency.Snapshot(),
		PingLatency:       m.pingLatency.Snapshot(),
	}
}

// NodeMetrics builds the self-reported health record from the snapshot and
// the queue's current depth.
func (s Snapshot) NodeMetrics(id, nodeID string, pending, failed int, connectedPeers int, now time.Time) schema.NodeMetrics {
	return schema.NodeMetrics{
		ID:                id,
		NodeID:            nodeID,
		Timestamp:         now.UnixMilli(),
		SyncLagMs:         s.ApplyLatency.Avg.Milliseconds(),
		PendingSyncCount:  uint32(pending),
		FailedSyncCount:   uint32(failed),
		SyncedEntities1m:  s.Synced1m,
		SyncErrors1m:      s.Errors1m,
		IntegrityFailures: s.IntegrityFailures,
		ConflictsDetected: s.ConflictsDetected,
		ConflictsResolved: s.ConflictsResolved,
		ConnectedPeers:    connectedPeers,
	}
}

// rateWindow counts events in the current and previous minute so a rolling
// one-minute rate survives bucket rollover.
type rateWindow struct {
	mu       sync.Mutex
	minute   int64
	current  uint32
	previous uint32
}

func (w *rateWindow) Inc(now time.Time) {
	minute := now.Unix() / 60

	w.mu.Lock()
	defer w.mu.Unlock()

	w.roll(minute)
	w.current++
}

func (w *rateWindow) Rate(now time.Time) uint32 {
	minute := now.Unix() / 60

	w.mu.Lock()
	defer w.mu.Unlock()

	w.roll(minute)
	return w.current + w.previous
}

func (w *rateWindow) roll(minute int64) {
	switch {
	case w.minute == minute:
	case w.minute == minute-1:
		w.previous = w.current
		w.current = 0
		w.minute = minute
	default:
		w.previous = 0
		w.current = 0
		w.minute = minute
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
