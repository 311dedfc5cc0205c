package schema

import "github.com/yanun0323/errors"

var ErrUnknownOperation = errors.New("schema: unknown sync operation")

// SyncOperation is the mutation kind carried by a queue item.
type SyncOperation uint8

const (
	OpInsert SyncOperation = iota
	OpUpdate
	OpDelete
)

var operationNames = [...]string{"insert", "update", "delete"}

func (op SyncOperation) String() string {
	if int(op) < len(operationNames) {
		return operationNames[op]
	}
	return "unknown"
}

// ParseOperation resolves the wire form of a sync operation.
func ParseOperation(name string) (SyncOperation, error) {
	for i, n := range operationNames {
		if n == name {
			return SyncOperation(i), nil
		}
	}
	return OpInsert, errors.Wrap(ErrUnknownOperation, name)
}

// MarshalText implements encoding.TextMarshaler.
func (op SyncOperation) MarshalText() ([]byte, error) {
	return []byte(op.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (op *SyncOperation) UnmarshalText(text []byte) error {
	parsed, err := ParseOperation(string(text))
	if err != nil {
		return err
	}
	*op = parsed
	return nil
}

// SyncQueueItem is one durable outbox row awaiting delivery.
type SyncQueueItem struct {
	ID         string        `json:"id"`
	EntityType EntityType    `json:"entityType"`
	EntityID   string        `json:"entityId"`
	Operation  SyncOperation `json:"operation"`
	Version    uint64        `json:"version,omitempty"`
	Priority   uint8         `json:"priority"`

	// TargetNodes addresses specific peers; nil means broadcast to all.
	TargetNodes []string `json:"targetNodes,omitempty"`
	// PendingTargets tracks which addressed peers have not confirmed yet.
	PendingTargets []string `json:"pendingTargets,omitempty"`

	RetryCount  int    `json:"retryCount"`
	CreatedAt   int64  `json:"createdAt"`
	ScheduledAt int64  `json:"scheduledAt"`
	AttemptedAt int64  `json:"attemptedAt,omitempty"`
	CompletedAt int64  `json:"completedAt,omitempty"`
	Error       string `json:"error,omitempty"`
}

// SyncConflict is the permanent audit record of two competing versions.
type SyncConflict struct {
	ID         string     `json:"id"`
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`

	NodeA      string `json:"nodeA"`
	VersionA   uint64 `json:"versionA"`
	DataA      []byte `json:"dataA,omitempty"`
	TimestampA int64  `json:"timestampA"`

	NodeB      string `json:"nodeB"`
	VersionB   uint64 `json:"versionB"`
	DataB      []byte `json:"dataB,omitempty"`
	TimestampB int64  `json:"timestampB"`

	DetectedAt         int64  `json:"detectedAt"`
	ResolvedAt         int64  `json:"resolvedAt,omitempty"`
	ResolutionStrategy string `json:"resolutionStrategy,omitempty"`
	WinnerNode         string `json:"winnerNode,omitempty"`
	Reason             string `json:"reason,omitempty"`
}

// SyncEntity is one entity row inside a bulk sync page.
type SyncEntity struct {
	EntityID  string `json:"entityId"`
	Version   uint64 `json:"version"`
	Timestamp int64  `json:"timestamp"`
	Checksum  string `json:"checksum"`
	Data      []byte `json:"data"`
}

// BatchItem is one entity update inside a batch update message.
type BatchItem struct {
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	Version    uint64     `json:"version"`
	Timestamp  int64      `json:"timestamp"`
	NodeID     string     `json:"nodeId"`
	Checksum   string     `json:"checksum"`
	Data       []byte     `json:"data"`
}

// FieldChange is a single field delta with its expected prior value.
type FieldChange struct {
	Field    string `json:"field"`
	OldValue []byte `json:"oldValue,omitempty"`
	NewValue []byte `json:"newValue"`
}

// VersionMeta is the locally stored (version, timestamp, origin) for an entity.
type VersionMeta struct {
	Version   uint64 `json:"version"`
	Timestamp int64  `json:"timestamp"`
	NodeID    string `json:"nodeId"`
	Checksum  string `json:"checksum"`
}

// SyncState is the persisted single-row cursor bookkeeping.
type SyncState struct {
	LastFullSyncAt        int64  `json:"lastFullSyncAt"`
	LastIncrementalSyncAt int64  `json:"lastIncrementalSyncAt"`
	SyncCursorPosition    uint64 `json:"syncCursorPosition"`
	PendingSyncCount      uint32 `json:"pendingSyncCount"`
	FailedSyncCount       uint32 `json:"failedSyncCount"`
	TotalSyncedEntities   uint64 `json:"totalSyncedEntities"`
	SyncEnabled           bool   `json:"syncEnabled"`
}

// SyncCounts is the aggregate drift signal exchanged between peers.
type SyncCounts struct {
	NodeID    string               `json:"nodeId"`
	Counts    map[EntityType]int64 `json:"counts"`
	LatestTs  map[EntityType]int64 `json:"latestTs"`
	Timestamp int64                `json:"timestamp"`
}

// SyncStatusCounts summarizes how far a peer is ahead or behind us.
type SyncStatusCounts struct {
	EntitiesAhead  int64 `json:"entitiesAhead"`
	EntitiesBehind int64 `json:"entitiesBehind"`
	LastSyncAt     int64 `json:"lastSyncAt"`
	Syncing        bool  `json:"syncing"`
}

// NodeMetrics is the periodic self-reported health snapshot.
type NodeMetrics struct {
	ID        string `json:"id"`
	NodeID    string `json:"nodeId"`
	Timestamp int64  `json:"timestamp"`

	SyncLagMs         int64  `json:"syncLagMs"`
	PendingSyncCount  uint32 `json:"pendingSyncCount"`
	FailedSyncCount   uint32 `json:"failedSyncCount"`
	SyncedEntities1m  uint32 `json:"syncedEntities1m"`
	SyncErrors1m      uint32 `json:"syncErrors1m"`
	IntegrityFailures uint64 `json:"integrityFailures"`
	ConflictsDetected uint64 `json:"conflictsDetected"`
	ConflictsResolved uint64 `json:"conflictsResolved"`
	ConnectedPeers    int    `json:"connectedPeers"`
}
