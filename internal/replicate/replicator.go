package replicate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/obs"
	"main/internal/resolve"
	"main/internal/schema"
	"main/internal/store"
	"main/internal/wire"
)

var (
	ErrDeltaPrecondition = errors.New("replicate: delta old value does not match stored state")
	ErrNotJSONObject     = errors.New("replicate: entity payload is not a JSON object")
)

// Status classifies what happened to one incoming update.
type Status uint8

const (
	// StatusApplied means the update was materialized.
	StatusApplied Status = iota
	// StatusDuplicate means an identical copy was already stored.
	StatusDuplicate
	// StatusStale means an older copy from the same origin was dropped.
	StatusStale
	// StatusConflict means a divergence was journaled and resolved.
	StatusConflict
	// StatusVersionGap means an ordered type is behind and needs a refetch.
	StatusVersionGap
	// StatusIntegrityFailure means the payload failed checksum verification.
	StatusIntegrityFailure
)

func (s Status) String() string {
	switch s {
	case StatusApplied:
		return "applied"
	case StatusDuplicate:
		return "duplicate"
	case StatusStale:
		return "stale"
	case StatusConflict:
		return "conflict"
	case StatusVersionGap:
		return "version_gap"
	case StatusIntegrityFailure:
		return "integrity_failure"
	}
	return "unknown"
}

// Applied reports whether the incoming value ended up stored.
func (s Status) Applied() bool { return s == StatusApplied }

// Result is the outcome of applying one remote update, plus any follow-up
// messages the caller should send.
type Result struct {
	Status Status

	// Request asks the sender for data this node is missing.
	Request *wire.DataRequest
	// ChecksumProbe reconciles suspected drift after an integrity failure.
	ChecksumProbe *wire.ChecksumRequest
	// Detected and Resolution are broadcast after a conflict so every peer
	// converges on the same winner.
	Detected   *wire.ConflictDetected
	Resolution *wire.ConflictResolution

	Conflict *schema.SyncConflict
}

// Replicator validates and materializes remote entity state. It is the only
// component that writes replicated entities to the store.
type Replicator struct {
	selfID   string
	store    store.EntityStore
	resolver *resolve.Resolver
	metrics  *obs.Metrics
}

// New builds a replicator writing through the given store.
func New(selfID string, st store.EntityStore, resolver *resolve.Resolver, metrics *obs.Metrics) *Replicator {
	return &Replicator{selfID: selfID, store: st, resolver: resolver, metrics: metrics}
}

// ApplyUpdate validates and applies one replicated entity version.
// Verification order: checksum first, then version, then conflict policy.
func (r *Replicator) ApplyUpdate(ctx context.Context, msg wire.DataUpdate, now time.Time) (Result, error) {
	started := time.Now()
	defer func() { r.metrics.ObserveApply(time.Since(started)) }()

	if msg.Deleted {
		return r.applyDelete(ctx, msg)
	}
	return r.apply(ctx, msg, now, true)
}

// ApplySnapshot applies a full copy served in answer to this node's own
// DataRequest. The response is the sender's current head, so the sequential
// gap check is skipped and a gapped entity catches up in one round trip.
func (r *Replicator) ApplySnapshot(ctx context.Context, msg wire.DataResponse, now time.Time) (Result, error) {
	started := time.Now()
	defer func() { r.metrics.ObserveApply(time.Since(started)) }()

	return r.apply(ctx, wire.DataUpdate{
		EntityType: msg.EntityType,
		EntityID:   msg.EntityID,
		Version:    msg.Version,
		Timestamp:  msg.Timestamp,
		NodeID:     msg.NodeID,
		Checksum:   msg.Checksum,
		Data:       msg.Data,
	}, now, false)
}

func (r *Replicator) apply(ctx context.Context, msg wire.DataUpdate, now time.Time, sequential bool) (Result, error) {
	if wire.Checksum(msg.Data) != msg.Checksum {
		r.metrics.IncIntegrityFailure()
		logs.Warnf("checksum mismatch for %s/%s from %s", msg.EntityType, msg.EntityID, msg.NodeID)
		return Result{
			Status:        StatusIntegrityFailure,
			ChecksumProbe: &wire.ChecksumRequest{EntityType: msg.EntityType, EntityID: msg.EntityID},
		}, nil
	}

	existing, err := r.store.Get(ctx, msg.EntityType, msg.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		if err := r.put(ctx, msg); err != nil {
			return Result{}, err
		}
		return Result{Status: StatusApplied}, nil
	}
	if err != nil {
		return Result{}, errors.Wrap(err, "load existing entity")
	}

	if existing.Version == msg.Version && existing.Checksum == msg.Checksum {
		return Result{Status: StatusDuplicate}, nil
	}

	if msg.Version > existing.Version {
		if sequential && msg.EntityType.Consistency() == schema.ConsistencyStrong && msg.Version != existing.Version+1 {
			r.metrics.IncVersionGap()
			return Result{
				Status:  StatusVersionGap,
				Request: &wire.DataRequest{EntityType: msg.EntityType, EntityID: msg.EntityID, SinceVersion: existing.Version},
			}, nil
		}
		if err := r.put(ctx, msg); err != nil {
			return Result{}, err
		}
		return Result{Status: StatusApplied}, nil
	}

	if msg.Version < existing.Version && msg.Timestamp < existing.Timestamp {
		// A strictly older copy is a redelivery of an already-settled
		// state, not a new divergence.
		return Result{Status: StatusStale}, nil
	}

	incoming := resolve.Side{
		NodeID:    msg.NodeID,
		Version:   msg.Version,
		Timestamp: msg.Timestamp,
		Checksum:  msg.Checksum,
		Data:      msg.Data,
	}
	current := resolve.Side{
		NodeID:    existing.NodeID,
		Version:   existing.Version,
		Timestamp: existing.Timestamp,
		Checksum:  existing.Checksum,
		Data:      existing.Data,
	}
	if !resolve.IsConflict(incoming, current) {
		return Result{Status: StatusStale}, nil
	}

	return r.resolveConflict(ctx, msg, incoming, current, now)
}

func (r *Replicator) resolveConflict(ctx context.Context, msg wire.DataUpdate, incoming, current resolve.Side, now time.Time) (Result, error) {
	r.metrics.IncConflictDetected()

	out, err := r.resolver.Resolve(msg.EntityType, msg.EntityID, incoming, current, now)
	if err != nil {
		return Result{}, err
	}
	r.metrics.IncConflictResolved()

	res := Result{
		Status:   StatusConflict,
		Conflict: &out.Conflict,
		Detected: &wire.ConflictDetected{
			EntityType: msg.EntityType,
			EntityID:   msg.EntityID,
			NodeA:      current.NodeID,
			VersionA:   current.Version,
			TimestampA: current.Timestamp,
			NodeB:      incoming.NodeID,
			VersionB:   incoming.Version,
			TimestampB: incoming.Timestamp,
		},
	}

	switch out.Verdict {
	case resolve.VerdictApplyIncoming, resolve.VerdictKeepExisting:
		winner := current
		if out.Verdict == resolve.VerdictApplyIncoming {
			winner = incoming
		}
		rec := store.Record{
			EntityType: msg.EntityType,
			EntityID:   msg.EntityID,
			Version:    out.ResolvedVersion,
			Timestamp:  winner.Timestamp,
			NodeID:     winner.NodeID,
			Checksum:   winner.Checksum,
			Data:       winner.Data,
		}
		if err := r.store.Put(ctx, rec); err != nil {
			return Result{}, errors.Wrap(err, "store conflict winner")
		}
		res.Resolution = &wire.ConflictResolution{
			EntityType:      msg.EntityType,
			EntityID:        msg.EntityID,
			WinnerNode:      out.WinnerNode,
			WinnerVersion:   out.ResolvedVersion,
			WinnerTimestamp: winner.Timestamp,
			WinnerChecksum:  winner.Checksum,
			WinnerData:      winner.Data,
			Strategy:        out.Strategy.String(),
		}
	case resolve.VerdictKeepBoth:
		// Append-only records never overwrite each other; the journal entry
		// is the only side effect.
	}
	return res, nil
}

// ApplyResolution converges on a winner another node already decided.
func (r *Replicator) ApplyResolution(ctx context.Context, msg wire.ConflictResolution) error {
	if len(msg.WinnerData) == 0 {
		return nil
	}
	existing, err := r.store.Get(ctx, msg.EntityType, msg.EntityID)
	if err == nil && existing.Version >= msg.WinnerVersion {
		return nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return errors.Wrap(err, "load existing entity")
	}
	checksum := msg.WinnerChecksum
	if checksum == "" {
		checksum = wire.Checksum(msg.WinnerData)
	}
	rec := store.Record{
		EntityType: msg.EntityType,
		EntityID:   msg.EntityID,
		Version:    msg.WinnerVersion,
		Timestamp:  msg.WinnerTimestamp,
		NodeID:     msg.WinnerNode,
		Checksum:   checksum,
		Data:       msg.WinnerData,
	}
	if err := r.store.Put(ctx, rec); err != nil {
		return errors.Wrap(err, "store resolution winner")
	}
	r.metrics.IncSynced(msg.EntityType)
	return nil
}

// ApplyDelta applies a field-level update. Every change must find the old
// value it expects; on a precondition miss the full copy is refetched.
func (r *Replicator) ApplyDelta(ctx context.Context, msg wire.DeltaUpdate, now time.Time) (Result, error) {
	existing, err := r.store.Get(ctx, msg.EntityType, msg.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{
			Status:  StatusVersionGap,
			Request: &wire.DataRequest{EntityType: msg.EntityType, EntityID: msg.EntityID},
		}, nil
	}
	if err != nil {
		return Result{}, errors.Wrap(err, "load existing entity")
	}

	if msg.Version <= existing.Version {
		return Result{Status: StatusStale}, nil
	}
	if msg.EntityType.Consistency() == schema.ConsistencyStrong && msg.Version != existing.Version+1 {
		r.metrics.IncVersionGap()
		return Result{
			Status:  StatusVersionGap,
			Request: &wire.DataRequest{EntityType: msg.EntityType, EntityID: msg.EntityID, SinceVersion: existing.Version},
		}, nil
	}

	patched, err := applyFieldChanges(existing.Data, msg.Changes)
	if err != nil {
		if errors.Is(err, ErrDeltaPrecondition) {
			logs.Warnf("delta precondition failed for %s/%s, refetching", msg.EntityType, msg.EntityID)
			return Result{
				Status:  StatusVersionGap,
				Request: &wire.DataRequest{EntityType: msg.EntityType, EntityID: msg.EntityID},
			}, nil
		}
		return Result{}, err
	}

	rec := store.Record{
		EntityType: msg.EntityType,
		EntityID:   msg.EntityID,
		Version:    msg.Version,
		Timestamp:  msg.Timestamp,
		NodeID:     msg.NodeID,
		Checksum:   wire.Checksum(patched),
		Data:       patched,
	}
	if err := r.store.Put(ctx, rec); err != nil {
		return Result{}, errors.Wrap(err, "store patched entity")
	}
	r.metrics.IncSynced(msg.EntityType)
	return Result{Status: StatusApplied}, nil
}

// ApplyBatch applies each item of a batch, decompressing payloads when the
// batch is compressed. One bad item never fails the rest; results are
// parallel to msg.Updates.
func (r *Replicator) ApplyBatch(ctx context.Context, msg wire.BatchUpdate, now time.Time) (applied, failed uint32, results []Result, err error) {
	results = make([]Result, 0, len(msg.Updates))
	for _, item := range msg.Updates {
		data := item.Data
		if msg.Compression == wire.CompressionGzip {
			data, err = wire.Decompress(item.Data)
			if err != nil {
				logs.Errorf("decompress batch item %s/%s: %+v", item.EntityType, item.EntityID, err)
				r.metrics.IncSyncError()
				results = append(results, Result{Status: StatusIntegrityFailure})
				failed++
				err = nil
				continue
			}
		}
		res, applyErr := r.ApplyUpdate(ctx, wire.DataUpdate{
			EntityType: item.EntityType,
			EntityID:   item.EntityID,
			Version:    item.Version,
			Timestamp:  item.Timestamp,
			NodeID:     item.NodeID,
			Checksum:   item.Checksum,
			Data:       data,
		}, now)
		if applyErr != nil {
			logs.Errorf("apply batch item %s/%s: %+v", item.EntityType, item.EntityID, applyErr)
			r.metrics.IncSyncError()
			results = append(results, Result{Status: StatusIntegrityFailure})
			failed++
			continue
		}
		results = append(results, res)
		if res.Status == StatusIntegrityFailure {
			failed++
			continue
		}
		applied++
		if res.Status == StatusApplied {
			r.metrics.IncSynced(item.EntityType)
		}
	}
	return applied, failed, results, nil
}

// HandleDataRequest serves this node's copy of an entity.
func (r *Replicator) HandleDataRequest(ctx context.Context, req wire.DataRequest) (wire.DataResponse, error) {
	rec, err := r.store.Get(ctx, req.EntityType, req.EntityID)
	if err != nil {
		return wire.DataResponse{}, err
	}
	return wire.DataResponse{
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		Version:    rec.Version,
		Timestamp:  rec.Timestamp,
		NodeID:     rec.NodeID,
		Checksum:   rec.Checksum,
		Data:       rec.Data,
	}, nil
}

// HandleChecksumRequest serves the stored checksum of one entity. A missing
// entity answers with an empty checksum so the peer pushes its copy.
func (r *Replicator) HandleChecksumRequest(ctx context.Context, req wire.ChecksumRequest) (wire.ChecksumResponse, error) {
	rec, err := r.store.Get(ctx, req.EntityType, req.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		return wire.ChecksumResponse{EntityType: req.EntityType, EntityID: req.EntityID}, nil
	}
	if err != nil {
		return wire.ChecksumResponse{}, err
	}
	return wire.ChecksumResponse{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Checksum:   rec.Checksum,
		Version:    rec.Version,
	}, nil
}

// BuildBulkPages snapshots one entity type into numbered pages.
func (r *Replicator) BuildBulkPages(ctx context.Context, et schema.EntityType, pageSize int) ([]wire.BulkSync, error) {
	if pageSize <= 0 {
		pageSize = 100
	}

	var (
		pages   []wire.BulkSync
		afterTs int64
		afterID string
	)
	for {
		rows, err := r.store.List(ctx, et, afterTs, afterID, pageSize)
		if err != nil {
			return nil, errors.Wrap(err, "list entities for bulk sync")
		}
		if len(rows) == 0 {
			break
		}

		entities := make([]schema.SyncEntity, 0, len(rows))
		for _, rec := range rows {
			entities = append(entities, schema.SyncEntity{
				EntityID:  rec.EntityID,
				Version:   rec.Version,
				Timestamp: rec.Timestamp,
				Checksum:  rec.Checksum,
				Data:      rec.Data,
			})
		}
		pages = append(pages, wire.BulkSync{EntityType: et, Entities: entities})

		last := rows[len(rows)-1]
		afterTs, afterID = last.Timestamp, last.EntityID
		if len(rows) < pageSize {
			break
		}
	}

	total := uint32(len(pages))
	for i := range pages {
		pages[i].Page = uint32(i + 1)
		pages[i].TotalPages = total
	}
	return pages, nil
}

// ApplyBulkPage applies one snapshot page. Checksums are verified per row;
// rows that fail are skipped and counted, never the whole page. Results are
// parallel to msg.Entities so the caller can emit per-row follow-ups.
func (r *Replicator) ApplyBulkPage(ctx context.Context, msg wire.BulkSync, sourceNode string, now time.Time) (applied, failed int, results []Result, err error) {
	results = make([]Result, 0, len(msg.Entities))
	for _, ent := range msg.Entities {
		res, applyErr := r.ApplyUpdate(ctx, wire.DataUpdate{
			EntityType: msg.EntityType,
			EntityID:   ent.EntityID,
			Version:    ent.Version,
			Timestamp:  ent.Timestamp,
			NodeID:     sourceNode,
			Checksum:   ent.Checksum,
			Data:       ent.Data,
		}, now)
		if applyErr != nil {
			r.metrics.IncSyncError()
			results = append(results, Result{Status: StatusIntegrityFailure})
			failed++
			continue
		}
		results = append(results, res)
		if res.Status == StatusIntegrityFailure {
			failed++
			continue
		}
		applied++
		if res.Status == StatusApplied {
			r.metrics.IncSynced(msg.EntityType)
		}
	}
	return applied, failed, results, nil
}

func (r *Replicator) applyDelete(ctx context.Context, msg wire.DataUpdate) (Result, error) {
	existing, err := r.store.Get(ctx, msg.EntityType, msg.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{Status: StatusDuplicate}, nil
	}
	if err != nil {
		return Result{}, errors.Wrap(err, "load existing entity")
	}
	if msg.Version <= existing.Version {
		return Result{Status: StatusStale}, nil
	}
	if err := r.store.Delete(ctx, msg.EntityType, msg.EntityID); err != nil {
		return Result{}, errors.Wrap(err, "delete entity")
	}
	r.metrics.IncSynced(msg.EntityType)
	return Result{Status: StatusApplied}, nil
}

func (r *Replicator) put(ctx context.Context, msg wire.DataUpdate) error {
	rec := store.Record{
		EntityType: msg.EntityType,
		EntityID:   msg.EntityID,
		Version:    msg.Version,
		Timestamp:  msg.Timestamp,
		NodeID:     msg.NodeID,
		Checksum:   msg.Checksum,
		Data:       msg.Data,
	}
	return errors.Wrap(r.store.Put(ctx, rec), "store entity")
}

func applyFieldChanges(data []byte, changes []schema.FieldChange) ([]byte, error) {
	doc := make(map[string]json.RawMessage)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, errors.Wrap(ErrNotJSONObject, err.Error())
		}
	}

	for _, change := range changes {
		if len(change.OldValue) > 0 {
			current, ok := doc[change.Field]
			if !ok || !jsonEqual(current, change.OldValue) {
				return nil, errors.Wrap(ErrDeltaPrecondition, change.Field)
			}
		}
		doc[change.Field] = json.RawMessage(change.NewValue)
	}

	patched, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "marshal patched entity")
	}
	return patched, nil
}

func jsonEqual(a, b json.RawMessage) bool {
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	ra, err := json.Marshal(va)
	if err != nil {
		return false
	}
	rb, err := json.Marshal(vb)
	if err != nil {
		return false
	}
	return string(ra) == string(rb)
}
