package wire

import (
	"encoding/json"

	"github.com/yanun0323/errors"

	"main/internal/schema"
)

var (
	ErrUnknownType   = errors.New("wire: unknown message type")
	ErrEmptyMessage  = errors.New("wire: empty message")
	ErrMissingType   = errors.New("wire: missing type discriminator")
	ErrNotJSONObject = errors.New("wire: message is not a JSON object")
)

// Type is the discriminator of a peer message variant.
type Type string

const (
	TypeAuth         Type = "auth"
	TypeAuthResponse Type = "auth_response"
	TypeIdentify     Type = "identify"

	TypeAnnounce     Type = "announce"
	TypeSharePeers   Type = "share_peers"
	TypeRequestPeers Type = "request_peers"

	TypePing            Type = "ping"
	TypePong            Type = "pong"
	TypeStatusBroadcast Type = "status_broadcast"

	TypeDataUpdate   Type = "data_update"
	TypeDataRequest  Type = "data_request"
	TypeDataResponse Type = "data_response"
	TypeBulkSync     Type = "bulk_sync"
	TypeBatchUpdate  Type = "batch_update"
	TypeDeltaUpdate  Type = "delta_update"
	TypeUpdateAck    Type = "update_ack"

	TypeConflictDetected   Type = "conflict_detected"
	TypeConflictResolution Type = "conflict_resolution"

	TypeChecksumRequest  Type = "checksum_request"
	TypeChecksumResponse Type = "checksum_response"

	TypeSyncHealthCheck  Type = "sync_health_check"
	TypeSyncCounts       Type = "sync_counts"
	TypeReconcileRequest Type = "reconcile_request"

	TypePreferencesSync Type = "preferences_sync"
)

// Message is one peer protocol variant.
type Message interface {
	WireType() Type
}

// Auth is the handshake opener, signed with the shared mesh key.
type Auth struct {
	ID        string `json:"id"`
	Region    string `json:"region"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// AuthResponse accepts or refuses an Auth.
type AuthResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Identify carries node identity and software version after auth.
type Identify struct {
	ID      string `json:"id"`
	Region  string `json:"region"`
	Version string `json:"version"`
}

// Announce introduces a node to the mesh, signed with the shared mesh key.
type Announce struct {
	ID        string `json:"id"`
	Region    string `json:"region"`
	WsURL     string `json:"wsUrl"`
	APIURL    string `json:"apiUrl"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// SharePeers gossips the sender's own peer table.
type SharePeers struct {
	Peers []schema.PeerInfo `json:"peers"`
}

// RequestPeers is the pull fallback for gossip after an idle period.
type RequestPeers struct{}

// Ping probes liveness; the receiver must echo Timestamp unmodified.
type Ping struct {
	FromID     string `json:"fromId"`
	FromRegion string `json:"fromRegion"`
	Timestamp  int64  `json:"timestamp"`
}

// Pong answers a Ping with its original timestamp.
type Pong struct {
	FromID            string `json:"fromId"`
	FromRegion        string `json:"fromRegion"`
	OriginalTimestamp int64  `json:"originalTimestamp"`
}

// StatusBroadcast shares one node's full peer health table mesh-wide.
type StatusBroadcast struct {
	NodeID string              `json:"nodeId"`
	Peers  []schema.PeerStatus `json:"peers"`
}

// DataUpdate replicates one entity version. Ref is a sender-local outbox
// reference echoed back in UpdateAck. Deleted tombstones the entity instead
// of carrying a payload.
type DataUpdate struct {
	EntityType schema.EntityType `json:"entityType"`
	EntityID   string            `json:"entityId"`
	Version    uint64            `json:"version"`
	Timestamp  int64             `json:"timestamp"`
	NodeID     string            `json:"nodeId"`
	Checksum   string            `json:"checksum"`
	Data       []byte            `json:"data,omitempty"`
	Deleted    bool              `json:"deleted,omitempty"`
	Ref        string            `json:"ref,omitempty"`
}

// DataRequest asks a peer for entity data, optionally since a known version.
type DataRequest struct {
	EntityType   schema.EntityType `json:"entityType"`
	EntityID     string            `json:"entityId"`
	SinceVersion uint64            `json:"sinceVersion,omitempty"`
}

// DataResponse answers a DataRequest.
type DataResponse struct {
	EntityType schema.EntityType `json:"entityType"`
	EntityID   string            `json:"entityId"`
	Version    uint64            `json:"version"`
	Timestamp  int64             `json:"timestamp"`
	NodeID     string            `json:"nodeId"`
	Checksum   string            `json:"checksum"`
	Data       []byte            `json:"data"`
}

// BulkSync is one page of a first-contact or recovery snapshot.
type BulkSync struct {
	EntityType schema.EntityType   `json:"entityType"`
	Entities   []schema.SyncEntity `json:"entities"`
	Page       uint32              `json:"page"`
	TotalPages uint32              `json:"totalPages"`
}

// BatchUpdate carries multiple entity updates for one peer, optionally
// gzip-compressed per item.
type BatchUpdate struct {
	Updates     []schema.BatchItem `json:"updates"`
	Compression Compression        `json:"compression,omitempty"`
	Refs        []string           `json:"refs,omitempty"`
}

// DeltaUpdate carries only changed fields; each change states the value it
// expects to replace.
type DeltaUpdate struct {
	EntityType schema.EntityType    `json:"entityType"`
	EntityID   string               `json:"entityId"`
	Version    uint64               `json:"version"`
	Timestamp  int64                `json:"timestamp"`
	NodeID     string               `json:"nodeId"`
	Changes    []schema.FieldChange `json:"changes"`
	Ref        string               `json:"ref,omitempty"`
}

// UpdateAck confirms (or refuses) replication messages by sender reference.
type UpdateAck struct {
	FromID  string   `json:"fromId"`
	Refs    []string `json:"refs"`
	Applied uint32   `json:"applied"`
	Failed  uint32   `json:"failed"`
	Error   string   `json:"error,omitempty"`
}

// ConflictDetected announces two competing versions of one entity.
type ConflictDetected struct {
	EntityType schema.EntityType `json:"entityType"`
	EntityID   string            `json:"entityId"`
	NodeA      string            `json:"nodeA"`
	VersionA   uint64            `json:"versionA"`
	TimestampA int64             `json:"timestampA"`
	NodeB      string            `json:"nodeB"`
	VersionB   uint64            `json:"versionB"`
	TimestampB int64             `json:"timestampB"`
}

// ConflictResolution broadcasts the resolved winner so peers converge
// without re-deriving it.
type ConflictResolution struct {
	EntityType      schema.EntityType `json:"entityType"`
	EntityID        string            `json:"entityId"`
	WinnerNode      string            `json:"winnerNode"`
	WinnerVersion   uint64            `json:"winnerVersion"`
	WinnerTimestamp int64             `json:"winnerTimestamp"`
	WinnerChecksum  string            `json:"winnerChecksum,omitempty"`
	WinnerData      []byte            `json:"winnerData,omitempty"`
	Strategy        string            `json:"strategy,omitempty"`
}

// ChecksumRequest asks a peer for its stored checksum of one entity.
type ChecksumRequest struct {
	EntityType schema.EntityType `json:"entityType"`
	EntityID   string            `json:"entityId"`
}

// ChecksumResponse answers a ChecksumRequest.
type ChecksumResponse struct {
	EntityType schema.EntityType `json:"entityType"`
	EntityID   string            `json:"entityId"`
	Checksum   string            `json:"checksum"`
	Version    uint64            `json:"version"`
}

// SyncHealthCheck reports a node's sync health to its peers.
type SyncHealthCheck struct {
	NodeID       string `json:"nodeId"`
	SyncLagMs    int64  `json:"syncLagMs"`
	PendingSyncs uint32 `json:"pendingSyncs"`
	FailedSyncs  uint32 `json:"failedSyncs"`
	ErrorCount   uint32 `json:"errorCount"`
}

// SyncCountsMsg exchanges aggregate per-type counts for drift detection.
type SyncCountsMsg struct {
	Counts schema.SyncCounts `json:"counts"`
}

// ReconcileRequest asks for full reconciliation of an entity type.
type ReconcileRequest struct {
	EntityType schema.EntityType `json:"entityType"`
	EntityIDs  []string          `json:"entityIds,omitempty"`
	// FromPage resumes an interrupted bulk sync; pages below it are
	// already applied and not resent.
	FromPage uint32 `json:"fromPage,omitempty"`
}

// PreferencesSync replicates a user preference blob, newest timestamp wins.
type PreferencesSync struct {
	UserID     string `json:"userId"`
	Data       []byte `json:"data"`
	UpdatedAt  int64  `json:"updatedAt"`
	OriginNode string `json:"originNode"`
}

func (Auth) WireType() Type               { return TypeAuth }
func (AuthResponse) WireType() Type       { return TypeAuthResponse }
func (Identify) WireType() Type           { return TypeIdentify }
func (Announce) WireType() Type           { return TypeAnnounce }
func (SharePeers) WireType() Type         { return TypeSharePeers }
func (RequestPeers) WireType() Type       { return TypeRequestPeers }
func (Ping) WireType() Type               { return TypePing }
func (Pong) WireType() Type               { return TypePong }
func (StatusBroadcast) WireType() Type    { return TypeStatusBroadcast }
func (DataUpdate) WireType() Type         { return TypeDataUpdate }
func (DataRequest) WireType() Type        { return TypeDataRequest }
func (DataResponse) WireType() Type       { return TypeDataResponse }
func (BulkSync) WireType() Type           { return TypeBulkSync }
func (BatchUpdate) WireType() Type        { return TypeBatchUpdate }
func (DeltaUpdate) WireType() Type        { return TypeDeltaUpdate }
func (UpdateAck) WireType() Type          { return TypeUpdateAck }
func (ConflictDetected) WireType() Type   { return TypeConflictDetected }
func (ConflictResolution) WireType() Type { return TypeConflictResolution }
func (ChecksumRequest) WireType() Type    { return TypeChecksumRequest }
func (ChecksumResponse) WireType() Type   { return TypeChecksumResponse }
func (SyncHealthCheck) WireType() Type    { return TypeSyncHealthCheck }
func (SyncCountsMsg) WireType() Type      { return TypeSyncCounts }
func (ReconcileRequest) WireType() Type   { return TypeReconcileRequest }
func (PreferencesSync) WireType() Type    { return TypePreferencesSync }

// Encode marshals a message with its type discriminator spliced into the
// leading object position.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, ErrEmptyMessage
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "marshal message body")
	}

	if len(body) < 2 || body[0] != '{' {
		return nil, ErrNotJSONObject
	}

	head := make([]byte, 0, len(body)+len(msg.WireType())+12)
	head = append(head, `{"type":"`...)
	head = append(head, msg.WireType()...)
	if len(body) == 2 {
		return append(head, '"', '}'), nil
	}
	head = append(head, '"', ',')
	return append(head, body[1:]...), nil
}

// Decode dispatches raw bytes on the type discriminator into the concrete
// variant struct.
func Decode(raw []byte) (Message, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyMessage
	}

	var envelope struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	if envelope.Type == "" {
		return nil, ErrMissingType
	}

	msg := newMessage(envelope.Type)
	if msg == nil {
		return nil, errors.Wrap(ErrUnknownType, string(envelope.Type))
	}

	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, errors.Wrap(err, "decode "+string(envelope.Type))
	}
	return deref(msg), nil
}

func newMessage(t Type) Message {
	switch t {
	case TypeAuth:
		return &Auth{}
	case TypeAuthResponse:
		return &AuthResponse{}
	case TypeIdentify:
		return &Identify{}
	case TypeAnnounce:
		return &Announce{}
	case TypeSharePeers:
		return &SharePeers{}
	case TypeRequestPeers:
		return &RequestPeers{}
	case TypePing:
		return &Ping{}
	case TypePong:
		return &Pong{}
	case TypeStatusBroadcast:
		return &StatusBroadcast{}
	case TypeDataUpdate:
		return &DataUpdate{}
	case TypeDataRequest:
		return &DataRequest{}
	case TypeDataResponse:
		return &DataResponse{}
	case TypeBulkSync:
		return &BulkSync{}
	case TypeBatchUpdate:
		return &BatchUpdate{}
	case TypeDeltaUpdate:
		return &DeltaUpdate{}
	case TypeUpdateAck:
		return &UpdateAck{}
	case TypeConflictDetected:
		return &ConflictDetected{}
	case TypeConflictResolution:
		return &ConflictResolution{}
	case TypeChecksumRequest:
		return &ChecksumRequest{}
	case TypeChecksumResponse:
		return &ChecksumResponse{}
	case TypeSyncHealthCheck:
		return &SyncHealthCheck{}
	case TypeSyncCounts:
		return &SyncCountsMsg{}
	case TypeReconcileRequest:
		return &ReconcileRequest{}
	case TypePreferencesSync:
		return &PreferencesSync{}
	default:
		return nil
	}
}

func deref(msg Message) Message {
	switch m := msg.(type) {
	case *Auth:
		return *m
	case *AuthResponse:
		return *m
	case *Identify:
		return *m
	case *Announce:
		return *m
	case *SharePeers:
		return *m
	case *RequestPeers:
		return *m
	case *Ping:
		return *m
	case *Pong:
		return *m
	case *StatusBroadcast:
		return *m
	case *DataUpdate:
		return *m
	case *DataRequest:
		return *m
	case *DataResponse:
		return *m
	case *BulkSync:
		return *m
	case *BatchUpdate:
		return *m
	case *DeltaUpdate:
		return *m
	case *UpdateAck:
		return *m
	case *ConflictDetected:
		return *m
	case *ConflictResolution:
		return *m
	case *ChecksumRequest:
		return *m
	case *ChecksumResponse:
		return *m
	case *SyncHealthCheck:
		return *m
	case *SyncCountsMsg:
		return *m
	case *ReconcileRequest:
		return *m
	case *PreferencesSync:
		return *m
	default:
		return msg
	}
}
