package mesh

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/schema"
	"main/internal/store"
	"main/internal/wire"
)

// OnEntityMutated is the local write entry point. It materializes the new
// copy, queues replication to the mesh, and wakes the drain loop. Writes to
// primary-owned entity types are rejected on non-primary nodes.
func (c *Coordinator) OnEntityMutated(ctx context.Context, et schema.EntityType, entityID string, op schema.SyncOperation, data []byte, version uint64, ts int64) error {
	if err := c.resolver.GuardLocalWrite(et); err != nil {
		return err
	}

	switch op {
	case schema.OpDelete:
		if err := c.store.Delete(ctx, et, entityID); err != nil {
			return errors.Wrap(err, "delete local copy")
		}
	default:
		if err := c.store.Put(ctx, store.Record{
			EntityType: et,
			EntityID:   entityID,
			Version:    version,
			Timestamp:  ts,
			NodeID:     c.cfg.Node.ID,
			Checksum:   wire.Checksum(data),
			Data:       data,
		}); err != nil {
			return errors.Wrap(err, "materialize local copy")
		}
	}

	if _, err := c.queue.Enqueue(schema.SyncQueueItem{
		EntityType: et,
		EntityID:   entityID,
		Operation:  op,
		Version:    version,
	}, time.Now()); err != nil {
		return errors.Wrap(err, "queue replication")
	}
	c.kickDrain()
	return nil
}

// BroadcastEntityChange queues the stored copy of an entity for delivery to
// every peer, without mutating it locally.
func (c *Coordinator) BroadcastEntityChange(ctx context.Context, et schema.EntityType, entityID string, op schema.SyncOperation) error {
	var version uint64
	if op != schema.OpDelete {
		rec, err := c.store.Get(ctx, et, entityID)
		if err != nil {
			return errors.Wrap(err, "load entity for broadcast")
		}
		version = rec.Version
	}
	if _, err := c.queue.Enqueue(schema.SyncQueueItem{
		EntityType: et,
		EntityID:   entityID,
		Operation:  op,
		Version:    version,
	}, time.Now()); err != nil {
		return errors.Wrap(err, "queue broadcast")
	}
	c.kickDrain()
	return nil
}

// SyncPreferences stores a user's preference blob locally and pushes it to
// every peer. Newest UpdatedAt wins on both sides.
func (c *Coordinator) SyncPreferences(userID string, data []byte, updatedAt int64) {
	if !c.cfg.Features.EnablePreferencesSync {
		return
	}
	msg := wire.PreferencesSync{
		UserID:     userID,
		Data:       data,
		UpdatedAt:  updatedAt,
		OriginNode: c.cfg.Node.ID,
	}
	c.handlePreferencesSync(msg)
	c.broadcast(msg)
}

// Preferences returns the newest known preference blob for a user.
func (c *Coordinator) Preferences(userID string) ([]byte, int64, bool) {
	c.prefMu.RLock()
	defer c.prefMu.RUnlock()
	p, ok := c.prefs[userID]
	if !ok {
		return nil, 0, false
	}
	return p.Data, p.UpdatedAt, true
}

// PeerStatuses reports the live view of every known peer, including how far
// each is ahead of or behind this node.
func (c *Coordinator) PeerStatuses(now time.Time) []schema.PeerStatus {
	peers := c.registry.Snapshot("")
	statuses := make([]schema.PeerStatus, 0, len(peers))
	for _, p := range peers {
		st := c.monitor.Status(p.ID, p.Region, now)
		if sync, ok := c.syncStatus(p.ID); ok {
			st.Sync = &sync
		}
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

// syncStatus derives ahead/behind totals from the peer's last reported
// counts.
func (c *Coordinator) syncStatus(peerID string) (schema.SyncStatusCounts, bool) {
	c.countsMu.RLock()
	remote, ok := c.remoteCounts[peerID]
	c.countsMu.RUnlock()
	if !ok {
		return schema.SyncStatusCounts{}, false
	}

	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	local, err := c.store.Counts(ctx)
	if err != nil {
		logs.Errorf("local counts for peer status: %+v", err)
		return schema.SyncStatusCounts{}, false
	}

	var out schema.SyncStatusCounts
	out.LastSyncAt = remote.Timestamp
	seen := make(map[schema.EntityType]bool, len(remote.Counts))
	for et, r := range remote.Counts {
		seen[et] = true
		if l := local.Counts[et]; r > l {
			out.EntitiesAhead += r - l
		} else if l > r {
			out.EntitiesBehind += l - r
		}
	}
	for et, l := range local.Counts {
		if !seen[et] {
			out.EntitiesBehind += l
		}
	}
	out.Syncing = out.EntitiesAhead > 0
	return out, true
}

// HealthSnapshot assembles the self-reported health record served on the
// metrics endpoint.
func (c *Coordinator) HealthSnapshot(now time.Time) schema.NodeMetrics {
	pending, err := c.queue.PendingCount()
	if err != nil {
		logs.Errorf("pending count for health snapshot: %+v", err)
	}
	failed, err := c.queue.FailedCount()
	if err != nil {
		logs.Errorf("failed count for health snapshot: %+v", err)
	}
	snap := c.metrics.Snapshot()
	return snap.NodeMetrics(uuid.NewString(), c.cfg.Node.ID, pending, failed, len(c.connectedIDs()), now)
}

// DeregisterPeer drops a peer from the registry and closes its link. It will
// not be redialed unless it announces itself again.
func (c *Coordinator) DeregisterPeer(id string) {
	if l := c.linkFor(id); l != nil {
		l.close()
	}
	c.mu.Lock()
	delete(c.nextDial, id)
	c.mu.Unlock()
	c.monitor.Forget(id)
	c.registry.Deregister(id)
	logs.Infof("peer %s deregistered", id)
}

// SyncCounts aggregates this node's per-type entity counts.
func (c *Coordinator) SyncCounts(ctx context.Context) (schema.SyncCounts, error) {
	counts, err := c.store.Counts(ctx)
	if err != nil {
		return schema.SyncCounts{}, err
	}
	counts.NodeID = c.cfg.Node.ID
	counts.Timestamp = time.Now().UnixMilli()
	return counts, nil
}

// RequestReconciliation asks every connected peer for a full page-by-page
// resend of one entity type.
func (c *Coordinator) RequestReconciliation(et schema.EntityType) {
	c.broadcast(wire.ReconcileRequest{EntityType: et})
}

// ConflictHistory lists recent resolved conflicts from the audit log.
func (c *Coordinator) ConflictHistory(limit int) ([]schema.SyncConflict, error) {
	return c.conflicts.List(limit)
}

// SetSyncEnabled toggles outbox draining without dropping queued items.
func (c *Coordinator) SetSyncEnabled(enabled bool) error {
	state, err := c.queue.LoadState()
	if err != nil {
		return err
	}
	state.SyncEnabled = enabled
	if err := c.queue.SaveState(state); err != nil {
		return err
	}
	if enabled {
		c.kickDrain()
	}
	return nil
}
