package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	key := []byte("mesh-secret")
	now := time.UnixMilli(1700000000000)
	ts := now.UnixMilli()

	sig := Sign(key, "osaka", "ap-osaka", ts)
	require.NoError(t, Verify(key, "osaka", "ap-osaka", ts, sig, now))

	// Tampered identity fails.
	require.ErrorIs(t, Verify(key, "seoul", "ap-osaka", ts, sig, now), ErrBadSignature)
	// Wrong key fails.
	require.ErrorIs(t, Verify([]byte("other"), "osaka", "ap-osaka", ts, sig, now), ErrBadSignature)
	// Announce and Auth canonical strings are distinct.
	require.ErrorIs(t, VerifyAnnounce(key, "osaka", "ap-osaka", ts, sig, now), ErrBadSignature)

	announceSig := SignAnnounce(key, "osaka", "ap-osaka", ts)
	require.NoError(t, VerifyAnnounce(key, "osaka", "ap-osaka", ts, announceSig, now))
}

func TestVerifyRejectsSkew(t *testing.T) {
	key := []byte("mesh-secret")
	now := time.UnixMilli(1700000000000)

	stale := now.Add(-MaxClockSkew - time.Second).UnixMilli()
	sig := Sign(key, "osaka", "ap-osaka", stale)
	require.ErrorIs(t, Verify(key, "osaka", "ap-osaka", stale, sig, now), ErrTimestampSkew)

	future := now.Add(MaxClockSkew + time.Second).UnixMilli()
	sig = Sign(key, "osaka", "ap-osaka", future)
	require.ErrorIs(t, Verify(key, "osaka", "ap-osaka", future, sig, now), ErrTimestampSkew)

	edge := now.Add(-MaxClockSkew).UnixMilli()
	sig = Sign(key, "osaka", "ap-osaka", edge)
	require.NoError(t, Verify(key, "osaka", "ap-osaka", edge, sig, now))
}

func TestVerifyRejectsEmptyInputs(t *testing.T) {
	now := time.Now()
	require.ErrorIs(t, Verify(nil, "osaka", "r", now.UnixMilli(), "sig", now), ErrEmptySharedKey)
	require.ErrorIs(t, Verify([]byte("k"), "osaka", "r", now.UnixMilli(), "", now), ErrEmptySignature)
}

func TestChecksumIsStable(t *testing.T) {
	a := Checksum([]byte(`{"state":"open"}`))
	b := Checksum([]byte(`{"state":"open"}`))
	c := Checksum([]byte(`{"state":"closed"}`))
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 64)
}
