package resolve

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"

	"main/internal/schema"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()

	log, err := OpenLog(filepath.Join(t.TempDir(), "conflicts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func TestIsConflict(t *testing.T) {
	existing := Side{NodeID: "us-1", Version: 5, Checksum: "aaa"}

	assert.True(t, IsConflict(Side{NodeID: "eu-1", Version: 5, Checksum: "bbb"}, existing))
	assert.True(t, IsConflict(Side{NodeID: "eu-1", Version: 3, Checksum: "bbb"}, existing))

	// A newer version is a plain update, not a conflict.
	assert.False(t, IsConflict(Side{NodeID: "eu-1", Version: 6, Checksum: "bbb"}, existing))
	// Same origin node cannot conflict with itself.
	assert.False(t, IsConflict(Side{NodeID: "us-1", Version: 5, Checksum: "bbb"}, existing))
	// Identical content is a redelivery.
	assert.False(t, IsConflict(Side{NodeID: "eu-1", Version: 5, Checksum: "aaa"}, existing))
}

func TestLastWriteWinsConvergence(t *testing.T) {
	now := time.UnixMilli(5_000)

	// Node A applies B's copy; node B keeps its own. Both must land on the
	// same winner and version.
	sideA := Side{NodeID: "A", Version: 5, Timestamp: 1_000, Checksum: "open", Data: []byte(`"open"`)}
	sideB := Side{NodeID: "B", Version: 5, Timestamp: 2_000, Checksum: "closed", Data: []byte(`"closed"`)}

	onA := New("A", "us-1", openTestLog(t))
	outA, err := onA.Resolve(schema.EntityPortfolio, "P", sideB, sideA, now)
	require.NoError(t, err)
	assert.Equal(t, VerdictApplyIncoming, outA.Verdict)
	assert.Equal(t, "B", outA.WinnerNode)
	assert.EqualValues(t, 6, outA.ResolvedVersion)

	logB := openTestLog(t)
	onB := New("B", "us-1", logB)
	outB, err := onB.Resolve(schema.EntityPortfolio, "P", sideA, sideB, now)
	require.NoError(t, err)
	assert.Equal(t, VerdictKeepExisting, outB.Verdict)
	assert.Equal(t, "B", outB.WinnerNode)
	assert.EqualValues(t, 6, outB.ResolvedVersion)

	count, err := logB.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	recorded, err := logB.ForEntity(schema.EntityPortfolio, "P")
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, "B", recorded[0].WinnerNode)
	assert.Equal(t, "last_write_wins", recorded[0].ResolutionStrategy)
	assert.NotZero(t, recorded[0].ResolvedAt)
}

func TestLastWriteWinsTieBreaksOnNodeID(t *testing.T) {
	r := New("A", "us-1", openTestLog(t))
	now := time.UnixMilli(5_000)

	incoming := Side{NodeID: "A", Version: 2, Timestamp: 1_000, Checksum: "x"}
	existing := Side{NodeID: "B", Version: 2, Timestamp: 1_000, Checksum: "y"}

	out, err := r.Resolve(schema.EntityStrategy, "s-1", incoming, existing, now)
	require.NoError(t, err)
	assert.Equal(t, VerdictKeepExisting, out.Verdict)
	assert.Equal(t, "B", out.WinnerNode)
	assert.Contains(t, out.Conflict.Reason, "tie")
}

func TestPrimaryWins(t *testing.T) {
	r := New("eu-1", "us-1", openTestLog(t))
	now := time.UnixMilli(5_000)

	primary := Side{NodeID: "us-1", Version: 3, Timestamp: 1_000, Checksum: "p"}
	other := Side{NodeID: "ap-1", Version: 3, Timestamp: 9_000, Checksum: "q"}

	out, err := r.Resolve(schema.EntityOrder, "ord-1", primary, other, now)
	require.NoError(t, err)
	assert.Equal(t, VerdictApplyIncoming, out.Verdict)
	assert.Equal(t, "us-1", out.WinnerNode)

	out, err = r.Resolve(schema.EntityOrder, "ord-1", other, primary, now)
	require.NoError(t, err)
	assert.Equal(t, VerdictKeepExisting, out.Verdict)
	assert.Equal(t, "us-1", out.WinnerNode)

	// Neither side from the primary keeps the existing value.
	out, err = r.Resolve(schema.EntityOrder, "ord-1",
		Side{NodeID: "ap-1", Version: 3, Checksum: "q"},
		Side{NodeID: "eu-1", Version: 3, Checksum: "r"}, now)
	require.NoError(t, err)
	assert.Equal(t, VerdictKeepExisting, out.Verdict)
	assert.Equal(t, "eu-1", out.WinnerNode)
}

func TestMergeKeepsBothWithoutWinner(t *testing.T) {
	log := openTestLog(t)
	r := New("A", "us-1", log)

	out, err := r.Resolve(schema.EntityTrade, "trade-1",
		Side{NodeID: "B", Version: 1, Checksum: "x"},
		Side{NodeID: "A", Version: 1, Checksum: "y"}, time.UnixMilli(5_000))
	require.NoError(t, err)
	assert.Equal(t, VerdictKeepBoth, out.Verdict)
	assert.Empty(t, out.WinnerNode)
	assert.Zero(t, out.ResolvedVersion)
}

func TestGuardLocalWrite(t *testing.T) {
	primary := New("us-1", "us-1", openTestLog(t))
	replica := New("eu-1", "us-1", openTestLog(t))

	assert.NoError(t, primary.GuardLocalWrite(schema.EntityOrder))
	assert.True(t, errors.Is(replica.GuardLocalWrite(schema.EntityOrder), ErrNotPrimary))
	// LastWriteWins types accept writes anywhere.
	assert.NoError(t, replica.GuardLocalWrite(schema.EntityProfile))
}

func TestRemoteResolutionIdempotent(t *testing.T) {
	log := openTestLog(t)
	r := New("A", "us-1", log)

	conflict := schema.SyncConflict{
		ID:         "c-1",
		EntityType: schema.EntityPosition,
		EntityID:   "P",
		WinnerNode: "B",
	}
	require.NoError(t, r.ApplyRemoteResolution(conflict))
	require.NoError(t, r.ApplyRemoteResolution(conflict))

	count, err := log.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
