package resolve

import (
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"

	"main/internal/schema"
)

var (
	ErrNotPrimary = errors.New("resolve: local writes to primary-owned entity types must go through the primary node")
)

// Verdict is what the caller should do with the incoming update.
type Verdict uint8

const (
	// VerdictKeepExisting discards the incoming update.
	VerdictKeepExisting Verdict = iota
	// VerdictApplyIncoming overwrites local state with the incoming value.
	VerdictApplyIncoming
	// VerdictKeepBoth stores the incoming record alongside the existing one.
	VerdictKeepBoth
)

func (v Verdict) String() string {
	switch v {
	case VerdictKeepExisting:
		return "keep_existing"
	case VerdictApplyIncoming:
		return "apply_incoming"
	case VerdictKeepBoth:
		return "keep_both"
	}
	return "unknown"
}

// Side is one competing copy of an entity.
type Side struct {
	NodeID    string
	Version   uint64
	Timestamp int64
	Checksum  string
	Data      []byte
}

// Outcome is a resolved conflict: the verdict, the audited record, and the
// version the winning value converges to on every node.
type Outcome struct {
	Verdict         Verdict
	Strategy        schema.ConflictStrategy
	WinnerNode      string
	ResolvedVersion uint64
	Conflict        schema.SyncConflict
}

// IsConflict reports whether an incoming copy competes with the existing one.
// A stale-or-equal version from a different node with different content is a
// conflict; an identical checksum is just a redelivery.
func IsConflict(incoming, existing Side) bool {
	return incoming.Version <= existing.Version &&
		incoming.NodeID != existing.NodeID &&
		incoming.Checksum != existing.Checksum
}

// Resolver picks winners per entity-type strategy and journals every
// conflict it sees.
type Resolver struct {
	selfID    string
	primaryID string
	log       *Log
}

// New builds a resolver. primaryID designates the node whose value wins for
// primary-owned entity types.
func New(selfID, primaryID string, log *Log) *Resolver {
	return &Resolver{selfID: selfID, primaryID: primaryID, log: log}
}

// GuardLocalWrite rejects local mutations of primary-owned entity types on
// non-primary nodes. Such writes must be resubmitted through the primary.
func (r *Resolver) GuardLocalWrite(et schema.EntityType) error {
	if et.Strategy() == schema.StrategyPrimaryWins && r.selfID != r.primaryID {
		return errors.Wrap(ErrNotPrimary, et.String())
	}
	return nil
}

// Resolve decides between two competing copies, persists the audit record,
// and returns the outcome. The winning value is assigned max(versions)+1 so
// every node that applies the same resolution converges to the same version.
func (r *Resolver) Resolve(et schema.EntityType, entityID string, incoming, existing Side, now time.Time) (Outcome, error) {
	strategy := et.Strategy()

	out := Outcome{
		Strategy:        strategy,
		ResolvedVersion: maxVersion(incoming.Version, existing.Version) + 1,
	}

	var reason string
	switch strategy {
	case schema.StrategyMerge:
		// Append-only facts are independently valid records, never
		// competing mutable state.
		out.Verdict = VerdictKeepBoth
		out.ResolvedVersion = 0
		reason = "append-only records kept independently"

	case schema.StrategyPrimaryWins:
		switch r.primaryID {
		case incoming.NodeID:
			out.Verdict = VerdictApplyIncoming
			out.WinnerNode = incoming.NodeID
			reason = "incoming value originates from the primary node"
		case existing.NodeID:
			out.Verdict = VerdictKeepExisting
			out.WinnerNode = existing.NodeID
			reason = "existing value originates from the primary node"
		default:
			out.Verdict = VerdictKeepExisting
			out.WinnerNode = existing.NodeID
			reason = "neither side originates from the primary node"
		}

	case schema.StrategyLastWriteWins:
		out.Verdict = VerdictApplyIncoming
		out.WinnerNode = incoming.NodeID
		if existing.Timestamp > incoming.Timestamp ||
			(existing.Timestamp == incoming.Timestamp && existing.NodeID > incoming.NodeID) {
			out.Verdict = VerdictKeepExisting
			out.WinnerNode = existing.NodeID
		}
		reason = "larger timestamp wins"
		if incoming.Timestamp == existing.Timestamp {
			reason = "timestamp tie broken by node id"
		}

	case schema.StrategyReject:
		out.Verdict = VerdictKeepExisting
		out.WinnerNode = existing.NodeID
		reason = "incoming update rejected by policy"
	}

	conflict := schema.SyncConflict{
		ID:         uuid.NewString(),
		EntityType: et,
		EntityID:   entityID,

		NodeA:      existing.NodeID,
		VersionA:   existing.Version,
		DataA:      existing.Data,
		TimestampA: existing.Timestamp,

		NodeB:      incoming.NodeID,
		VersionB:   incoming.Version,
		DataB:      incoming.Data,
		TimestampB: incoming.Timestamp,

		DetectedAt:         now.UnixMilli(),
		ResolvedAt:         now.UnixMilli(),
		ResolutionStrategy: strategy.String(),
		WinnerNode:         out.WinnerNode,
		Reason:             reason,
	}

	if err := r.log.Record(conflict); err != nil {
		return Outcome{}, errors.Wrap(err, "record conflict")
	}
	out.Conflict = conflict
	return out, nil
}

// ApplyRemoteResolution journals a resolution another node already decided,
// so this node converges without re-deriving the winner.
func (r *Resolver) ApplyRemoteResolution(conflict schema.SyncConflict) error {
	return errors.Wrap(r.log.Record(conflict), "record remote resolution")
}

func maxVersion(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
