package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/yanun0323/errors"

	"main/internal/schema"
)

var ErrUnknownPeer = errors.New("registry: unknown peer")

// Registry holds the local view of known mesh peers keyed by node id.
// Entries are mutated under a per-entry lock; the outer map lock only
// guards membership.
type Registry struct {
	selfID string

	mu    sync.RWMutex
	peers map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	info schema.PeerInfo
}

// New builds a registry seeded with statically configured peers.
func New(selfID string, seed []schema.PeerConfig) *Registry {
	r := &Registry{
		selfID: selfID,
		peers:  make(map[string]*entry, len(seed)),
	}
	for _, cfg := range seed {
		if cfg.ID == "" || cfg.ID == selfID {
			continue
		}
		r.peers[cfg.ID] = &entry{info: schema.PeerInfo{
			ID:     cfg.ID,
			Region: cfg.Region,
			WsURL:  cfg.WsURL,
			APIURL: cfg.APIURL,
			Status: schema.PeerDisconnected,
		}}
	}
	return r
}

// Upsert inserts or refreshes a peer from a verified Announce. Returns true
// when the peer was previously unknown.
func (r *Registry) Upsert(info schema.PeerInfo) bool {
	if info.ID == "" || info.ID == r.selfID {
		return false
	}

	r.mu.Lock()
	e, ok := r.peers[info.ID]
	if !ok {
		e = &entry{}
		r.peers[info.ID] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !ok {
		e.info = info
		return true
	}
	e.info.Region = info.Region
	// An auth handshake carries no addresses; keep the known ones.
	if info.WsURL != "" {
		e.info.WsURL = info.WsURL
	}
	if info.APIURL != "" {
		e.info.APIURL = info.APIURL
	}
	if info.LastSeen > e.info.LastSeen {
		e.info.LastSeen = info.LastSeen
	}
	return false
}

// Merge folds a gossiped peer table into the local one. Unknown ids are
// registered and returned as dial candidates; known ids only advance
// last_seen when the remote observation is more recent. The local node's
// own id is never merged.
func (r *Registry) Merge(peers []schema.PeerInfo) []schema.PeerInfo {
	var unknown []schema.PeerInfo
	for _, info := range peers {
		if info.ID == "" || info.ID == r.selfID {
			continue
		}
		remote := info
		// Remote status and latency are that node's observation, not ours.
		remote.Status = schema.PeerDisconnected
		remote.LatencyMs = 0
		if r.Upsert(remote) {
			unknown = append(unknown, remote)
		}
	}
	return unknown
}

// ObserveSeen records local evidence that a peer is alive now.
func (r *Registry) ObserveSeen(id string, at time.Time) {
	r.withEntry(id, func(info *schema.PeerInfo) {
		ms := at.UnixMilli()
		if ms > info.LastSeen {
			info.LastSeen = ms
		}
	})
}

// SetStatus records the locally observed connection status of a peer.
func (r *Registry) SetStatus(id string, status schema.PeerConnectionStatus) {
	r.withEntry(id, func(info *schema.PeerInfo) {
		info.Status = status
	})
}

// SetLatency records the locally observed latency of a peer.
func (r *Registry) SetLatency(id string, latencyMs float64) {
	r.withEntry(id, func(info *schema.PeerInfo) {
		info.LatencyMs = latencyMs
	})
}

// Get returns a copy of one peer's info.
func (r *Registry) Get(id string) (schema.PeerInfo, error) {
	r.mu.RLock()
	e, ok := r.peers[id]
	r.mu.RUnlock()
	if !ok {
		return schema.PeerInfo{}, errors.Wrap(ErrUnknownPeer, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info, nil
}

// Snapshot returns the full table minus excludeID, sorted by id. This is the
// SharePeers payload: a node only ever gossips its own table.
func (r *Registry) Snapshot(excludeID string) []schema.PeerInfo {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.peers))
	for id, e := range r.peers {
		if id == excludeID {
			continue
		}
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]schema.PeerInfo, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.info)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Deregister removes a peer explicitly. Liveness failures never remove
// entries, only explicit deregistration does.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	delete(r.peers, id)
	r.mu.Unlock()
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Registry) withEntry(id string, fn func(*schema.PeerInfo)) {
	r.mu.RLock()
	e, ok := r.peers[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	fn(&e.info)
	e.mu.Unlock()
}
