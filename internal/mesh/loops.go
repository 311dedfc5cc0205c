package mesh

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/outbox"
	"main/internal/schema"
	"main/internal/store"
	"main/internal/wire"
)

// pingLoop probes every connected peer and sweeps out the ones that stopped
// answering.
func (c *Coordinator) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.monitor.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.pingPeers(now)
			for _, id := range c.monitor.Sweep(now) {
				logs.Warnf("peer %s unresponsive, dropping link", id)
				if l := c.linkFor(id); l != nil {
					l.close()
				}
			}
			if c.cfg.Features.EnableStatusBroadcast {
				c.broadcast(wire.StatusBroadcast{NodeID: c.cfg.Node.ID, Peers: c.PeerStatuses(now)})
			}
		}
	}
}

func (c *Coordinator) pingPeers(now time.Time) {
	ts := now.UnixMilli()
	msg := wire.Ping{FromID: c.cfg.Node.ID, FromRegion: c.cfg.Node.Region, Timestamp: ts}
	c.mu.RLock()
	links := make([]*link, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	c.mu.RUnlock()
	for _, l := range links {
		if err := c.sendOn(l, msg); err != nil {
			continue
		}
		c.monitor.PingSent(l.id(), ts, now)
	}
}

// gossipLoop periodically re-announces this node and exchanges peer tables.
// The pull half (RequestPeers) repairs tables that drifted while a link was
// down, so the mesh reconverges without full restarts.
func (c *Coordinator) gossipLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Mesh.GossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			ts := now.UnixMilli()
			c.broadcast(wire.Announce{
				ID:        c.cfg.Node.ID,
				Region:    c.cfg.Node.Region,
				WsURL:     c.cfg.Node.WsURL,
				APIURL:    c.cfg.Node.APIURL,
				Timestamp: ts,
				Signature: wire.SignAnnounce(c.key, c.cfg.Node.ID, c.cfg.Node.Region, ts),
			})
			c.mu.RLock()
			links := make([]*link, 0, len(c.links))
			for _, l := range c.links {
				links = append(links, l)
			}
			c.mu.RUnlock()
			for _, l := range links {
				c.sendPeerTable(l)
				_ = c.sendOn(l, wire.RequestPeers{})
			}
		}
	}
}

// reconnectLoop redials peers whose backoff window has elapsed.
func (c *Coordinator) reconnectLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.mu.Lock()
			due := make([]string, 0)
			for id, at := range c.nextDial {
				if !at.After(now) {
					due = append(due, id)
					delete(c.nextDial, id)
				}
			}
			c.mu.Unlock()
			for _, id := range due {
				info, err := c.registry.Get(id)
				if err != nil {
					continue
				}
				c.dialIfUnlinked(schema.PeerConfig{ID: info.ID, Region: info.Region, WsURL: info.WsURL, APIURL: info.APIURL})
			}
		}
	}
}

// drainLoop delivers due outbox items. Items stay queued until every
// addressed peer acks; deliveries are grouped per target into batches.
func (c *Coordinator) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Sync.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.drainKick:
			c.drainOnce(ctx, time.Now())
		case now := <-ticker.C:
			c.drainOnce(ctx, now)
		}
	}
}

func (c *Coordinator) kickDrain() {
	select {
	case c.drainKick <- struct{}{}:
	default:
	}
}

// outboundUpdate is one due item hydrated with its current payload.
type outboundUpdate struct {
	item schema.SyncQueueItem
	msg  wire.DataUpdate
}

func (c *Coordinator) drainOnce(ctx context.Context, now time.Time) {
	state, err := c.queue.LoadState()
	if err == nil && !state.SyncEnabled {
		return
	}

	items, err := c.queue.Due(now, c.cfg.Sync.BatchSize)
	if err != nil {
		logs.Errorf("load due outbox items: %+v", err)
		return
	}
	if len(items) == 0 {
		return
	}
	connected := c.connectedIDs()
	if len(connected) == 0 {
		return
	}

	start := time.Now()
	defer func() { c.metrics.ObserveDrain(time.Since(start)) }()

	perTarget := make(map[string][]outboundUpdate)
	for _, item := range items {
		upd, err := c.hydrate(ctx, item, now)
		if err != nil {
			c.failDelivery(item, err.Error(), now)
			continue
		}

		targets := item.PendingTargets
		if len(targets) == 0 {
			// Broadcast item on its first attempt; pin it to the peers
			// reachable right now.
			targets = connected
		}
		reachable := targets[:0:0]
		for _, id := range targets {
			if c.linkFor(id) != nil {
				reachable = append(reachable, id)
			}
		}
		if len(reachable) == 0 {
			continue
		}
		if err := c.queue.MarkAttempted(item.ID, reachable, now); err != nil {
			logs.Errorf("mark outbox item %s attempted: %+v", item.ID, err)
			continue
		}
		if err := c.queue.Defer(item.ID, now.Add(c.ackWait())); err != nil {
			logs.Errorf("defer outbox item %s: %+v", item.ID, err)
		}
		for _, id := range reachable {
			perTarget[id] = append(perTarget[id], upd)
		}
	}

	for target, updates := range perTarget {
		c.deliver(target, updates, now)
	}
}

// failDelivery re-enters one item into the retry ladder after a send error.
func (c *Coordinator) failDelivery(item schema.SyncQueueItem, cause string, now time.Time) {
	terminal, err := c.queue.Fail(item.ID, cause, now)
	if err != nil {
		if !errors.Is(err, outbox.ErrItemNotFound) {
			logs.Errorf("fail outbox item %s: %+v", item.ID, err)
		}
		return
	}
	if terminal {
		logs.Errorf("outbox item %s (%s %s) abandoned: %s", item.ID, item.EntityType, item.EntityID, cause)
	}
}

// hydrate loads the entity payload an item refers to. A missing entity for a
// non-delete item means the queue outlived the data and the item is failed.
func (c *Coordinator) hydrate(ctx context.Context, item schema.SyncQueueItem, now time.Time) (outboundUpdate, error) {
	if item.Operation == schema.OpDelete {
		return outboundUpdate{
			item: item,
			msg: wire.DataUpdate{
				EntityType: item.EntityType,
				EntityID:   item.EntityID,
				Version:    item.Version,
				Timestamp:  now.UnixMilli(),
				NodeID:     c.cfg.Node.ID,
				Deleted:    true,
				Ref:        item.ID,
			},
		}, nil
	}
	rec, err := c.store.Get(ctx, item.EntityType, item.EntityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return outboundUpdate{}, errors.Wrap(err, "entity missing for queued update")
		}
		return outboundUpdate{}, err
	}
	return outboundUpdate{
		item: item,
		msg: wire.DataUpdate{
			EntityType: rec.EntityType,
			EntityID:   rec.EntityID,
			Version:    rec.Version,
			Timestamp:  rec.Timestamp,
			NodeID:     rec.NodeID,
			Checksum:   rec.Checksum,
			Data:       rec.Data,
			Ref:        item.ID,
		},
	}, nil
}

// deliver sends one target's updates, batching when there is more than one.
// Deletes always travel as single updates since batch items carry no
// tombstone flag.
func (c *Coordinator) deliver(target string, updates []outboundUpdate, now time.Time) {
	singles := make([]outboundUpdate, 0, len(updates))
	batchable := make([]outboundUpdate, 0, len(updates))
	for _, u := range updates {
		if u.msg.Deleted {
			singles = append(singles, u)
		} else {
			batchable = append(batchable, u)
		}
	}
	if len(batchable) == 1 {
		singles = append(singles, batchable[0])
		batchable = batchable[:0]
	}

	for _, u := range singles {
		if err := c.send(target, u.msg); err != nil {
			logs.Debugf("send update %s to %s: %+v", u.item.ID, target, err)
			c.failDelivery(u.item, err.Error(), now)
		}
	}
	if len(batchable) == 0 {
		return
	}

	batch := wire.BatchUpdate{
		Updates: make([]schema.BatchItem, 0, len(batchable)),
		Refs:    make([]string, 0, len(batchable)),
	}
	compress := false
	for _, u := range batchable {
		if len(u.msg.Data) > c.cfg.Sync.CompressionThreshold {
			compress = true
		}
	}
	for _, u := range batchable {
		data := u.msg.Data
		if compress {
			gz, err := wire.Compress(data)
			if err != nil {
				logs.Errorf("compress update %s: %+v", u.item.ID, err)
				continue
			}
			data = gz
		}
		batch.Updates = append(batch.Updates, schema.BatchItem{
			EntityType: u.msg.EntityType,
			EntityID:   u.msg.EntityID,
			Version:    u.msg.Version,
			Timestamp:  u.msg.Timestamp,
			NodeID:     u.msg.NodeID,
			Checksum:   u.msg.Checksum,
			Data:       data,
		})
		batch.Refs = append(batch.Refs, u.item.ID)
	}
	if compress {
		batch.Compression = wire.CompressionGzip
	}
	if err := c.send(target, batch); err != nil {
		logs.Debugf("send batch of %d to %s: %+v", len(batch.Updates), target, err)
		for _, u := range batchable {
			c.failDelivery(u.item, err.Error(), now)
		}
	}
}

// ackWait is how long a delivery may stay unacked before it is retried.
func (c *Coordinator) ackWait() time.Duration {
	wait := 2 * c.cfg.Sync.DrainInterval
	if wait < c.cfg.Sync.RetryBackoffMin {
		wait = c.cfg.Sync.RetryBackoffMin
	}
	return wait
}

// countsLoop exchanges aggregate per-type counts so peers can detect drift,
// and piggybacks a health report.
func (c *Coordinator) countsLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Sync.CountsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			counts, err := c.store.Counts(ctx)
			if err != nil {
				logs.Errorf("aggregate local counts: %+v", err)
				continue
			}
			counts.NodeID = c.cfg.Node.ID
			counts.Timestamp = now.UnixMilli()
			c.broadcast(wire.SyncCountsMsg{Counts: counts})

			pending, _ := c.queue.PendingCount()
			failed, _ := c.queue.FailedCount()
			snap := c.metrics.Snapshot()
			c.broadcast(wire.SyncHealthCheck{
				NodeID:       c.cfg.Node.ID,
				SyncLagMs:    snap.ApplyLatency.Avg.Milliseconds(),
				PendingSyncs: uint32(pending),
				FailedSyncs:  uint32(failed),
				ErrorCount:   snap.Errors1m,
			})
			if err := c.saveState(now); err != nil {
				logs.Warnf("persist sync state: %+v", err)
			}
		}
	}
}
