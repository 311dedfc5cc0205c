package mesh

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/outbox"
	"main/internal/replicate"
	"main/internal/schema"
	"main/internal/store"
	"main/internal/wire"
)

// handle dispatches one decoded message. Auth is the only message accepted
// on an unauthenticated link; everything else is dropped until the handshake
// completes.
func (c *Coordinator) handle(l *link, msg wire.Message, now time.Time) {
	if auth, ok := msg.(wire.Auth); ok {
		c.handleAuth(l, auth, now)
		return
	}
	if !l.authed.Load() {
		// On a link this node dialed, the peer's accept completes the
		// handshake. Anything else before auth is dropped.
		if resp, ok := msg.(wire.AuthResponse); ok && l.id() != "" {
			if !resp.Success {
				logs.Warnf("peer %s refused auth: %s", l.id(), resp.Error)
				l.close()
				return
			}
			c.adoptLink(l.id(), l)
			return
		}
		logs.Warnf("dropping %s from unauthenticated link", msg.WireType())
		return
	}

	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	switch m := msg.(type) {
	case wire.AuthResponse:
		if !m.Success {
			logs.Warnf("peer %s refused auth: %s", l.id(), m.Error)
			l.close()
		}
	case wire.Identify:
		c.handleIdentify(l, m, now)
	case wire.Announce:
		c.handleAnnounce(m, now)
	case wire.SharePeers:
		c.handleSharePeers(m)
	case wire.RequestPeers:
		c.sendPeerTable(l)
	case wire.Ping:
		c.handlePing(l, m, now)
	case wire.Pong:
		c.handlePong(l, m, now)
	case wire.StatusBroadcast:
		c.handleStatusBroadcast(m, now)
	case wire.DataUpdate:
		c.handleDataUpdate(ctx, l, m, now)
	case wire.DataRequest:
		c.handleDataRequest(ctx, l, m)
	case wire.DataResponse:
		c.handleDataResponse(ctx, l, m, now)
	case wire.BulkSync:
		c.handleBulkSync(ctx, l, m, now)
	case wire.BatchUpdate:
		c.handleBatchUpdate(ctx, l, m, now)
	case wire.DeltaUpdate:
		c.handleDeltaUpdate(ctx, l, m, now)
	case wire.UpdateAck:
		c.handleUpdateAck(l, m, now)
	case wire.ConflictDetected:
		logs.Infof("peer reported conflict on %s %s (%s v%d vs %s v%d)",
			m.EntityType, m.EntityID, m.NodeA, m.VersionA, m.NodeB, m.VersionB)
		c.metrics.IncConflictDetected()
	case wire.ConflictResolution:
		if err := c.replicator.ApplyResolution(ctx, m); err != nil {
			logs.Errorf("apply remote resolution for %s %s: %+v", m.EntityType, m.EntityID, err)
		}
	case wire.ChecksumRequest:
		c.handleChecksumRequest(ctx, l, m)
	case wire.ChecksumResponse:
		c.handleChecksumResponse(ctx, l, m)
	case wire.SyncHealthCheck:
		logs.Debugf("health from %s: lag=%dms pending=%d failed=%d", m.NodeID, m.SyncLagMs, m.PendingSyncs, m.FailedSyncs)
	case wire.SyncCountsMsg:
		c.handleSyncCounts(l, m)
	case wire.ReconcileRequest:
		c.handleReconcileRequest(ctx, l, m)
	case wire.PreferencesSync:
		c.handlePreferencesSync(m)
	default:
		logs.Warnf("unhandled message type %s from %s", msg.WireType(), l.id())
	}
}

func (c *Coordinator) handleAuth(l *link, m wire.Auth, now time.Time) {
	if err := wire.Verify(c.key, m.ID, m.Region, m.Timestamp, m.Signature, now); err != nil {
		c.metrics.IncAuthFailure()
		logs.Warnf("auth rejected for %s: %+v", m.ID, err)
		_ = c.sendOn(l, wire.AuthResponse{Success: false, Error: "invalid signature"})
		l.close()
		return
	}
	if m.ID == c.cfg.Node.ID {
		_ = c.sendOn(l, wire.AuthResponse{Success: false, Error: "self connection"})
		l.close()
		return
	}

	c.registry.Upsert(schema.PeerInfo{
		ID:       m.ID,
		Region:   m.Region,
		LastSeen: now.UnixMilli(),
		Status:   schema.PeerConnected,
	})
	c.adoptLink(m.ID, l)

	_ = c.sendOn(l, wire.AuthResponse{Success: true})
	_ = c.sendOn(l, wire.Identify{ID: c.cfg.Node.ID, Region: c.cfg.Node.Region, Version: c.cfg.Node.Version})
	c.sendPeerTable(l)
}

func (c *Coordinator) handleIdentify(l *link, m wire.Identify, now time.Time) {
	if m.ID != l.id() {
		return
	}
	c.registry.ObserveSeen(m.ID, now)
	logs.Infof("peer %s identified (region %s, version %s)", m.ID, m.Region, m.Version)
}

// handleAnnounce admits a signed newcomer into the registry and dials it if
// no link exists yet. Announces are never re-broadcast; the gossip loop makes
// the table converge instead.
func (c *Coordinator) handleAnnounce(m wire.Announce, now time.Time) {
	if err := wire.VerifyAnnounce(c.key, m.ID, m.Region, m.Timestamp, m.Signature, now); err != nil {
		c.metrics.IncAuthFailure()
		logs.Warnf("announce rejected for %s: %+v", m.ID, err)
		return
	}
	if m.ID == c.cfg.Node.ID {
		return
	}
	isNew := c.registry.Upsert(schema.PeerInfo{
		ID:       m.ID,
		Region:   m.Region,
		WsURL:    m.WsURL,
		APIURL:   m.APIURL,
		LastSeen: now.UnixMilli(),
	})
	if isNew {
		logs.Infof("discovered peer %s (%s) via announce", m.ID, m.Region)
	}
	c.dialIfUnlinked(schema.PeerConfig{ID: m.ID, Region: m.Region, WsURL: m.WsURL, APIURL: m.APIURL})
}

func (c *Coordinator) handleSharePeers(m wire.SharePeers) {
	added := c.registry.Merge(m.Peers)
	for _, p := range added {
		logs.Infof("discovered peer %s (%s) via gossip", p.ID, p.Region)
		c.dialIfUnlinked(schema.PeerConfig{ID: p.ID, Region: p.Region, WsURL: p.WsURL, APIURL: p.APIURL})
	}
}

func (c *Coordinator) dialIfUnlinked(peer schema.PeerConfig) {
	if peer.ID == c.cfg.Node.ID || peer.WsURL == "" {
		return
	}
	if c.linkFor(peer.ID) != nil {
		return
	}
	c.monitor.Track(peer.ID)
	ctx := c.ctx
	if ctx == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.connectPeer(ctx, peer)
	}()
}

func (c *Coordinator) sendPeerTable(l *link) {
	peers := c.registry.Snapshot(l.id())
	if len(peers) == 0 {
		return
	}
	_ = c.sendOn(l, wire.SharePeers{Peers: peers})
}

func (c *Coordinator) handlePing(l *link, m wire.Ping, now time.Time) {
	c.registry.ObserveSeen(m.FromID, now)
	_ = c.sendOn(l, wire.Pong{
		FromID:            c.cfg.Node.ID,
		FromRegion:        c.cfg.Node.Region,
		OriginalTimestamp: m.Timestamp,
	})
}

func (c *Coordinator) handlePong(l *link, m wire.Pong, now time.Time) {
	rtt, ok := c.monitor.PongReceived(m.FromID, m.OriginalTimestamp, now)
	if !ok {
		return
	}
	c.registry.ObserveSeen(m.FromID, now)
	c.registry.SetLatency(m.FromID, rtt)
	c.metrics.ObservePing(time.Duration(rtt * float64(time.Millisecond)))
}

func (c *Coordinator) handleStatusBroadcast(m wire.StatusBroadcast, now time.Time) {
	// Only third-party reachability: a peer's own row about us is ignored,
	// and remote observations never override a locally connected status.
	for _, p := range m.Peers {
		if p.ID == c.cfg.Node.ID || c.linkFor(p.ID) != nil {
			continue
		}
		if p.Status == schema.PeerConnected {
			c.registry.ObserveSeen(p.ID, now)
		}
	}
}

func (c *Coordinator) handleDataUpdate(ctx context.Context, l *link, m wire.DataUpdate, now time.Time) {
	res, err := c.replicator.ApplyUpdate(ctx, m, now)
	if err != nil {
		logs.Errorf("apply update %s %s from %s: %+v", m.EntityType, m.EntityID, l.id(), err)
		c.metrics.IncSyncError()
		if m.Ref != "" {
			_ = c.sendOn(l, wire.UpdateAck{FromID: c.cfg.Node.ID, Refs: []string{m.Ref}, Failed: 1, Error: err.Error()})
		}
		return
	}
	if res.Status == replicate.StatusApplied {
		c.metrics.IncSynced(m.EntityType)
	}
	if m.Ref != "" {
		ack := wire.UpdateAck{FromID: c.cfg.Node.ID, Refs: []string{m.Ref}}
		if res.Status == replicate.StatusIntegrityFailure {
			ack.Failed = 1
			ack.Error = res.Status.String()
		} else {
			ack.Applied = 1
		}
		_ = c.sendOn(l, ack)
	}
	c.emitFollowups(l, res)
}

// emitFollowups routes the side effects of applying an update: requests back
// to the sender, conflict outcomes to the whole mesh.
func (c *Coordinator) emitFollowups(l *link, res replicate.Result) {
	if res.Request != nil {
		_ = c.sendOn(l, *res.Request)
	}
	if res.ChecksumProbe != nil {
		_ = c.sendOn(l, *res.ChecksumProbe)
	}
	if res.Detected != nil {
		c.broadcast(*res.Detected)
	}
	if res.Resolution != nil {
		c.broadcast(*res.Resolution)
	}
}

func (c *Coordinator) handleDataRequest(ctx context.Context, l *link, m wire.DataRequest) {
	resp, err := c.replicator.HandleDataRequest(ctx, m)
	if err != nil {
		logs.Debugf("data request for %s %s from %s: %+v", m.EntityType, m.EntityID, l.id(), err)
		return
	}
	_ = c.sendOn(l, resp)
}

// handleDataResponse fills a gap this node asked about. The response is
// applied as a snapshot so a Strong type behind by several versions does not
// re-request forever.
func (c *Coordinator) handleDataResponse(ctx context.Context, l *link, m wire.DataResponse, now time.Time) {
	res, err := c.replicator.ApplySnapshot(ctx, m, now)
	if err != nil {
		logs.Errorf("apply data response %s %s: %+v", m.EntityType, m.EntityID, err)
		c.metrics.IncSyncError()
		return
	}
	if res.Status == replicate.StatusApplied {
		c.metrics.IncSynced(m.EntityType)
	}
	c.emitFollowups(l, res)
}

func (c *Coordinator) handleBulkSync(ctx context.Context, l *link, m wire.BulkSync, now time.Time) {
	applied, failed, results, err := c.replicator.ApplyBulkPage(ctx, m, l.id(), now)
	if err != nil {
		logs.Errorf("apply bulk page %d/%d of %s: %+v", m.Page, m.TotalPages, m.EntityType, err)
		return
	}
	for _, res := range results {
		c.emitFollowups(l, res)
	}
	logs.Infof("bulk sync %s page %d/%d from %s: applied %d, failed %d",
		m.EntityType, m.Page, m.TotalPages, l.id(), applied, failed)
	c.trackBulkPage(l, m, failed)
}

// trackBulkPage records per-peer bulk progress and re-requests a failed run
// from the first unapplied page. Pages before it are never resent.
func (c *Coordinator) trackBulkPage(l *link, m wire.BulkSync, failed int) {
	key := l.id() + "|" + m.EntityType.String()
	c.bulkMu.Lock()
	if failed == 0 {
		if m.Page == c.bulkDone[key]+1 {
			c.bulkDone[key] = m.Page
		}
		if m.Page >= m.TotalPages {
			delete(c.bulkDone, key)
			delete(c.bulkRetried, key)
		}
		c.bulkMu.Unlock()
		return
	}
	from := c.bulkDone[key] + 1
	repeat := c.bulkRetried[key] == from
	if !repeat {
		c.bulkRetried[key] = from
	}
	c.bulkMu.Unlock()
	if repeat {
		return
	}
	logs.Warnf("bulk sync %s page %d from %s had %d failed rows, re-requesting from page %d",
		m.EntityType, m.Page, l.id(), failed, from)
	_ = c.sendOn(l, wire.ReconcileRequest{EntityType: m.EntityType, FromPage: from})
}

func (c *Coordinator) handleBatchUpdate(ctx context.Context, l *link, m wire.BatchUpdate, now time.Time) {
	applied, failed, results, err := c.replicator.ApplyBatch(ctx, m, now)
	if err != nil {
		logs.Errorf("apply batch from %s: %+v", l.id(), err)
		c.metrics.IncSyncError()
		return
	}
	if len(m.Refs) == 0 {
		return
	}
	// Refs are parallel to Updates; confirm only the ones that settled.
	ack := wire.UpdateAck{FromID: c.cfg.Node.ID, Applied: applied, Failed: failed}
	for i, ref := range m.Refs {
		if ref == "" || i >= len(results) {
			continue
		}
		if results[i].Status != replicate.StatusIntegrityFailure {
			ack.Refs = append(ack.Refs, ref)
		}
	}
	_ = c.sendOn(l, ack)
	for i := range results {
		c.emitFollowups(l, results[i])
	}
}

func (c *Coordinator) handleDeltaUpdate(ctx context.Context, l *link, m wire.DeltaUpdate, now time.Time) {
	res, err := c.replicator.ApplyDelta(ctx, m, now)
	if err != nil {
		logs.Errorf("apply delta %s %s: %+v", m.EntityType, m.EntityID, err)
		c.metrics.IncSyncError()
		return
	}
	if res.Status.Applied() {
		c.metrics.IncSynced(m.EntityType)
	}
	if m.Ref != "" {
		ack := wire.UpdateAck{FromID: c.cfg.Node.ID, Refs: []string{m.Ref}}
		if res.Status.Applied() {
			ack.Applied = 1
		}
		_ = c.sendOn(l, ack)
	}
	c.emitFollowups(l, res)
}

// handleUpdateAck settles outbox deliveries for the acking peer. A refusal
// (Error set) counts as a delivery failure and re-enters the retry ladder; a
// ref the queue no longer knows is a duplicate ack and is ignored.
func (c *Coordinator) handleUpdateAck(l *link, m wire.UpdateAck, now time.Time) {
	from := m.FromID
	if from == "" {
		from = l.id()
	}
	if m.Error != "" {
		for _, ref := range m.Refs {
			terminal, err := c.queue.Fail(ref, m.Error, now)
			if err != nil {
				if !errors.Is(err, outbox.ErrItemNotFound) {
					logs.Errorf("fail outbox item %s after nack from %s: %+v", ref, from, err)
				}
				continue
			}
			if terminal {
				logs.Errorf("outbox item %s abandoned after nack from %s: %s", ref, from, m.Error)
			}
		}
		return
	}
	for _, ref := range m.Refs {
		done, err := c.queue.CompleteTarget(ref, from, now)
		if err != nil {
			if !errors.Is(err, outbox.ErrItemNotFound) {
				logs.Errorf("complete outbox item %s for %s: %+v", ref, from, err)
			}
			continue
		}
		if done {
			logs.Debugf("outbox item %s fully delivered", ref)
		}
	}
}

func (c *Coordinator) handleChecksumRequest(ctx context.Context, l *link, m wire.ChecksumRequest) {
	resp, err := c.replicator.HandleChecksumRequest(ctx, m)
	if err != nil {
		logs.Errorf("checksum request %s %s: %+v", m.EntityType, m.EntityID, err)
		return
	}
	_ = c.sendOn(l, resp)
}

// handleChecksumResponse compares a peer's stored checksum against ours and
// refetches when they diverge at the same version.
func (c *Coordinator) handleChecksumResponse(ctx context.Context, l *link, m wire.ChecksumResponse) {
	rec, err := c.store.Get(ctx, m.EntityType, m.EntityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) && m.Checksum != "" {
			_ = c.sendOn(l, wire.DataRequest{EntityType: m.EntityType, EntityID: m.EntityID})
		}
		return
	}
	if m.Version > rec.Version || (m.Version == rec.Version && m.Checksum != "" && m.Checksum != rec.Checksum) {
		c.metrics.IncIntegrityFailure()
		logs.Warnf("checksum drift on %s %s with %s (local v%d, remote v%d)",
			m.EntityType, m.EntityID, l.id(), rec.Version, m.Version)
		_ = c.sendOn(l, wire.DataRequest{EntityType: m.EntityType, EntityID: m.EntityID, SinceVersion: rec.Version})
	}
}

// handleSyncCounts records a peer's aggregate counts and requests
// reconciliation for any type where the peer is ahead.
func (c *Coordinator) handleSyncCounts(l *link, m wire.SyncCountsMsg) {
	peerID := l.id()
	c.countsMu.Lock()
	c.remoteCounts[peerID] = m.Counts
	c.countsMu.Unlock()

	ctx := c.ctx
	if ctx == nil {
		return
	}
	local, err := c.store.Counts(ctx)
	if err != nil {
		logs.Errorf("local counts for drift check: %+v", err)
		return
	}
	for et, remote := range m.Counts.Counts {
		if remote > local.Counts[et] {
			logs.Infof("peer %s has %d %s entities, local %d; requesting reconciliation",
				peerID, remote, et, local.Counts[et])
			_ = c.sendOn(l, wire.ReconcileRequest{EntityType: et})
		}
	}
}

func (c *Coordinator) handleReconcileRequest(ctx context.Context, l *link, m wire.ReconcileRequest) {
	pages, err := c.replicator.BuildBulkPages(ctx, m.EntityType, c.cfg.Sync.BulkPageSize)
	if err != nil {
		logs.Errorf("build bulk pages for %s: %+v", m.EntityType, err)
		return
	}
	sent := 0
	for _, page := range pages {
		if page.Page < m.FromPage {
			continue
		}
		if err := c.sendOn(l, page); err != nil {
			logs.Warnf("send bulk page %d/%d of %s to %s: %+v", page.Page, page.TotalPages, m.EntityType, l.id(), err)
			return
		}
		sent++
	}
	logs.Infof("sent %d reconciliation pages of %s to %s", sent, m.EntityType, l.id())
}

// handlePreferencesSync keeps the newest copy per user by UpdatedAt.
func (c *Coordinator) handlePreferencesSync(m wire.PreferencesSync) {
	if !c.cfg.Features.EnablePreferencesSync {
		return
	}
	c.prefMu.Lock()
	defer c.prefMu.Unlock()
	if cur, ok := c.prefs[m.UserID]; ok && cur.UpdatedAt >= m.UpdatedAt {
		return
	}
	c.prefs[m.UserID] = m
}
