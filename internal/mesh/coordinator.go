package mesh

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/semaphore"

	"main/internal/liveness"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/outbox"
	"main/internal/registry"
	"main/internal/replicate"
	"main/internal/resolve"
	"main/internal/schema"
	"main/internal/store"
	"main/internal/wire"
)

var (
	ErrAlreadyStarted = errors.New("mesh: coordinator already started")
	ErrNotStarted     = errors.New("mesh: coordinator not started")
)

// Coordinator owns peer connections and wires discovery, liveness,
// replication and the outbox together. A failure on one peer or entity is
// scoped to that peer or entity; the coordinator itself keeps running.
type Coordinator struct {
	cfg ops.Loaded
	key []byte

	registry   *registry.Registry
	monitor    *liveness.Monitor
	queue      *outbox.Queue
	replicator *replicate.Replicator
	resolver   *resolve.Resolver
	conflicts  *resolve.Log
	store      store.EntityStore
	metrics    *obs.Metrics

	upgrader websocket.Upgrader
	dialSem  *semaphore.Weighted

	mu       sync.RWMutex
	links    map[string]*link
	nextDial map[string]time.Time

	countsMu     sync.RWMutex
	remoteCounts map[string]schema.SyncCounts

	prefMu sync.RWMutex
	prefs  map[string]wire.PreferencesSync

	// Bulk sync progress per peer and entity type, so a failed page is
	// re-requested without resending pages already applied.
	bulkMu      sync.Mutex
	bulkDone    map[string]uint32
	bulkRetried map[string]uint32

	drainKick chan struct{}

	runMu  sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a coordinator from resolved config and the shared components.
func New(cfg ops.Loaded, st store.EntityStore, queue *outbox.Queue, conflicts *resolve.Log, metrics *obs.Metrics) *Coordinator {
	resolver := resolve.New(cfg.Node.ID, cfg.Mesh.PrimaryNodeID, conflicts)
	return &Coordinator{
		cfg: cfg,
		key: []byte(cfg.Mesh.SharedKey),

		registry: registry.New(cfg.Node.ID, cfg.Peers),
		monitor: liveness.NewMonitor(liveness.Config{
			PingInterval:         cfg.Mesh.PingInterval,
			MaxReconnectAttempts: cfg.Mesh.MaxReconnectAttempts,
			BackoffMin:           cfg.Mesh.BackoffMin,
			BackoffMax:           cfg.Mesh.BackoffMax,
		}),
		queue:      queue,
		replicator: replicate.New(cfg.Node.ID, st, resolver, metrics),
		resolver:   resolver,
		conflicts:  conflicts,
		store:      st,
		metrics:    metrics,

		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dialSem: semaphore.NewWeighted(int64(cfg.Mesh.DialConcurrency)),

		links:        make(map[string]*link),
		nextDial:     make(map[string]time.Time),
		remoteCounts: make(map[string]schema.SyncCounts),
		prefs:        make(map[string]wire.PreferencesSync),
		bulkDone:     make(map[string]uint32),
		bulkRetried:  make(map[string]uint32),
		drainKick:    make(chan struct{}, 1),
	}
}

// Start launches the background loops and dials the configured peers.
func (c *Coordinator) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.ctx != nil {
		return ErrAlreadyStarted
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	for _, peer := range c.cfg.Peers {
		c.monitor.Track(peer.ID)
		peer := peer
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.connectPeer(c.ctx, peer)
		}()
	}

	loops := []func(context.Context){
		c.pingLoop,
		c.gossipLoop,
		c.drainLoop,
		c.reconnectLoop,
		c.countsLoop,
	}
	for _, loop := range loops {
		loop := loop
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			loop(c.ctx)
		}()
	}
	logs.Infof("mesh node %s (%s) started with %d configured peers", c.cfg.Node.ID, c.cfg.Node.Region, len(c.cfg.Peers))
	return nil
}

// Shutdown stops the loops and closes every peer link.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel == nil {
		return ErrNotStarted
	}
	c.cancel()

	c.mu.Lock()
	for _, l := range c.links {
		l.close()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := c.saveState(time.Now()); err != nil {
		logs.Warnf("persist sync state on shutdown: %+v", err)
	}
	c.ctx, c.cancel = nil, nil
	return nil
}

// Handler upgrades inbound peer connections. The first message on a new
// connection must be a signed Auth.
func (c *Coordinator) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := c.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logs.Warnf("upgrade peer connection: %+v", err)
			return
		}
		l := newLink(conn)
		c.runLink(l)
	})
}

// runLink starts the read and write sides of a link and ties its lifetime to
// the coordinator's context.
func (c *Coordinator) runLink(l *link) {
	ctx := c.ctx
	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		l.writeLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.readLoop(l)
	}()
	go func() {
		defer c.wg.Done()
		if ctx == nil {
			<-l.done
			return
		}
		select {
		case <-ctx.Done():
			l.close()
		case <-l.done:
		}
	}()
}

// connectPeer dials one peer, bounded by the dial semaphore, and runs the
// outbound side of the auth handshake.
func (c *Coordinator) connectPeer(ctx context.Context, peer schema.PeerConfig) {
	if peer.WsURL == "" || peer.ID == c.cfg.Node.ID {
		return
	}
	if c.linkFor(peer.ID) != nil {
		return
	}
	if err := c.dialSem.Acquire(ctx, 1); err != nil {
		return
	}
	defer c.dialSem.Release(1)

	if c.linkFor(peer.ID) != nil {
		return
	}

	now := time.Now()
	c.monitor.MarkConnecting(peer.ID, now)
	c.registry.SetStatus(peer.ID, schema.PeerConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, peer.WsURL, nil)
	cancel()
	if err != nil {
		logs.Debugf("dial %s (%s): %+v", peer.ID, peer.WsURL, err)
		c.dialFailed(peer.ID)
		return
	}

	l := newLink(conn)
	l.setID(peer.ID)
	c.runLink(l)

	ts := now.UnixMilli()
	if err := c.sendOn(l, wire.Auth{
		ID:        c.cfg.Node.ID,
		Region:    c.cfg.Node.Region,
		Timestamp: ts,
		Signature: wire.Sign(c.key, c.cfg.Node.ID, c.cfg.Node.Region, ts),
	}); err != nil {
		l.close()
		c.dialFailed(peer.ID)
	}
}

func (c *Coordinator) dialFailed(peerID string) {
	if c.monitor.MarkDisconnected(peerID) {
		c.registry.SetStatus(peerID, schema.PeerDisconnected)
	}
	delay, failed := c.monitor.NextAttempt(peerID)
	if failed {
		c.registry.SetStatus(peerID, schema.PeerFailed)
		logs.Warnf("peer %s marked failed after repeated reconnect attempts", peerID)
		return
	}
	c.mu.Lock()
	c.nextDial[peerID] = time.Now().Add(delay)
	c.mu.Unlock()
}

// readLoop owns the connection's read side and dispatches every message.
func (c *Coordinator) readLoop(l *link) {
	defer c.dropLink(l)
	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			return
		}
		c.metrics.ObserveReceived(len(raw))

		msg, err := wire.Decode(raw)
		if err != nil {
			logs.Warnf("decode message from %s: %+v", l.id(), err)
			continue
		}
		c.handle(l, msg, time.Now())
	}
}

// dropLink tears down a dead connection and schedules a redial.
func (c *Coordinator) dropLink(l *link) {
	l.close()
	id := l.id()
	if id == "" {
		return
	}

	c.mu.Lock()
	if c.links[id] == l {
		delete(c.links, id)
	} else {
		// A replacement link is already registered for this peer.
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if c.monitor.MarkDisconnected(id) {
		c.registry.SetStatus(id, schema.PeerDisconnected)
		logs.Infof("peer %s disconnected", id)
	}
	delay, failed := c.monitor.NextAttempt(id)
	if failed {
		c.registry.SetStatus(id, schema.PeerFailed)
		return
	}
	c.mu.Lock()
	c.nextDial[id] = time.Now().Add(delay)
	c.mu.Unlock()
}

// adoptLink registers an authenticated link, replacing any older one.
func (c *Coordinator) adoptLink(id string, l *link) {
	l.setID(id)
	l.authed.Store(true)

	c.mu.Lock()
	if old, ok := c.links[id]; ok && old != l {
		old.close()
	}
	c.links[id] = l
	delete(c.nextDial, id)
	c.mu.Unlock()

	c.monitor.Track(id)
	c.monitor.MarkConnected(id)
	c.registry.SetStatus(id, schema.PeerConnected)
	c.registry.ObserveSeen(id, time.Now())
	logs.Infof("peer %s connected", id)
}

func (c *Coordinator) linkFor(id string) *link {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if l, ok := c.links[id]; ok && !l.closed() {
		return l
	}
	return nil
}

func (c *Coordinator) connectedIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.links))
	for id, l := range c.links {
		if !l.closed() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// send delivers one message to a peer by id.
func (c *Coordinator) send(peerID string, msg wire.Message) error {
	l := c.linkFor(peerID)
	if l == nil {
		return errors.Wrap(ErrNoLink, peerID)
	}
	return c.sendOn(l, msg)
}

func (c *Coordinator) sendOn(l *link, msg wire.Message) error {
	raw, err := wire.Encode(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	if err := l.enqueue(raw); err != nil {
		return err
	}
	c.metrics.ObserveSent(len(raw))
	return nil
}

// broadcast sends one message to every connected peer, best effort.
func (c *Coordinator) broadcast(msg wire.Message) {
	raw, err := wire.Encode(msg)
	if err != nil {
		logs.Errorf("encode broadcast: %+v", err)
		return
	}
	c.mu.RLock()
	links := make([]*link, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	c.mu.RUnlock()

	for _, l := range links {
		if err := l.enqueue(raw); err == nil {
			c.metrics.ObserveSent(len(raw))
		}
	}
}

func (c *Coordinator) saveState(now time.Time) error {
	pending, err := c.queue.PendingCount()
	if err != nil {
		return err
	}
	failed, err := c.queue.FailedCount()
	if err != nil {
		return err
	}
	state, err := c.queue.LoadState()
	if err != nil {
		return err
	}
	snap := c.metrics.Snapshot()
	state.PendingSyncCount = uint32(pending)
	state.FailedSyncCount = uint32(failed)
	state.LastIncrementalSyncAt = now.UnixMilli()
	state.TotalSyncedEntities = totalSynced(snap)
	return c.queue.SaveState(state)
}

func totalSynced(snap obs.Snapshot) uint64 {
	var total uint64
	for _, v := range snap.SyncedByType {
		total += v
	}
	return total
}
