package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"

	"main/internal/schema"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	messages := []Message{
		Auth{ID: "osaka", Region: "ap-osaka", Timestamp: 1700000000000, Signature: "sig"},
		AuthResponse{Success: true},
		Announce{ID: "seoul", Region: "ap-seoul", WsURL: "wss://seoul/ws", APIURL: "https://seoul", Timestamp: 1, Signature: "s"},
		RequestPeers{},
		Ping{FromID: "osaka", FromRegion: "ap-osaka", Timestamp: 42},
		Pong{FromID: "seoul", FromRegion: "ap-seoul", OriginalTimestamp: 42},
		DataUpdate{
			EntityType: schema.EntityOrder,
			EntityID:   "ord-1",
			Version:    7,
			Timestamp:  1700000000123,
			NodeID:     "osaka",
			Checksum:   Checksum([]byte(`{"state":"open"}`)),
			Data:       []byte(`{"state":"open"}`),
			Ref:        "q-123",
		},
		DataRequest{EntityType: schema.EntityPosition, EntityID: "pos-1", SinceVersion: 4},
		BulkSync{
			EntityType: schema.EntityTrade,
			Entities:   []schema.SyncEntity{{EntityID: "t-1", Version: 1, Checksum: "c", Data: []byte("x")}},
			Page:       2,
			TotalPages: 9,
		},
		BatchUpdate{
			Updates:     []schema.BatchItem{{EntityType: schema.EntityTrade, EntityID: "t-2", Version: 1, NodeID: "osaka", Checksum: "c", Data: []byte("y")}},
			Compression: CompressionGzip,
			Refs:        []string{"q-1", "q-2"},
		},
		DeltaUpdate{
			EntityType: schema.EntityPortfolio,
			EntityID:   "pf-1",
			Version:    3,
			NodeID:     "seoul",
			Changes:    []schema.FieldChange{{Field: "balance", OldValue: []byte(`"100"`), NewValue: []byte(`"90"`)}},
		},
		UpdateAck{FromID: "seoul", Refs: []string{"q-123"}, Applied: 1},
		ConflictDetected{EntityType: schema.EntityPosition, EntityID: "p", NodeA: "a", VersionA: 5, NodeB: "b", VersionB: 5},
		ConflictResolution{EntityType: schema.EntityPosition, EntityID: "p", WinnerNode: "b", WinnerVersion: 6, WinnerTimestamp: 2_000, WinnerChecksum: "abc123"},
		ChecksumRequest{EntityType: schema.EntityOrder, EntityID: "ord-1"},
		ChecksumResponse{EntityType: schema.EntityOrder, EntityID: "ord-1", Checksum: "abc", Version: 7},
		SyncHealthCheck{NodeID: "osaka", SyncLagMs: 120, PendingSyncs: 3, FailedSyncs: 1},
		ReconcileRequest{EntityType: schema.EntityTrade, FromPage: 2},
		PreferencesSync{UserID: "u-1", Data: []byte(`{"theme":"dark"}`), UpdatedAt: 99, OriginNode: "osaka"},
	}

	for _, msg := range messages {
		raw, err := Encode(msg)
		require.NoErrorf(t, err, "%s", msg.WireType())
		require.Truef(t, json.Valid(raw), "%s: %s", msg.WireType(), raw)

		decoded, err := Decode(raw)
		require.NoErrorf(t, err, "%s", msg.WireType())
		assert.Equalf(t, msg, decoded, "%s", msg.WireType())
	}
}

func TestEncodeSplicesDiscriminatorFirst(t *testing.T) {
	raw, err := Encode(Ping{FromID: "a", FromRegion: "r", Timestamp: 1})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"ping","fromId":"a","fromRegion":"r","timestamp":1}`, string(raw))

	raw, err = Encode(RequestPeers{})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"request_peers"}`, string(raw))
}

func TestDecodeRejectsUnknownAndMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"type":"self_destruct"}`))
	require.True(t, errors.Is(err, ErrUnknownType))

	_, err = Decode([]byte(`{"fromId":"a"}`))
	require.True(t, errors.Is(err, ErrMissingType))

	_, err = Decode(nil)
	require.True(t, errors.Is(err, ErrEmptyMessage))

	_, err = Decode([]byte(`{"type":`))
	require.Error(t, err)
}

func TestCompressRoundTrip(t *testing.T) {
	payload := make([]byte, 64<<10)
	for i := range payload {
		payload[i] = byte(i % 7)
	}

	packed, err := Compress(payload)
	require.NoError(t, err)
	require.Less(t, len(packed), len(payload))

	unpacked, err := Decompress(packed)
	require.NoError(t, err)
	assert.Equal(t, payload, unpacked)
}
