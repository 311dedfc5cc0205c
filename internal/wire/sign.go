package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/yanun0323/errors"
)

var (
	ErrBadSignature   = errors.New("wire: signature mismatch")
	ErrTimestampSkew  = errors.New("wire: timestamp outside allowed skew")
	ErrEmptySharedKey = errors.New("wire: empty shared key")
	ErrEmptySignature = errors.New("wire: empty signature")
)

// MaxClockSkew bounds how old or how far ahead a signed timestamp may be.
// Replays beyond this window are refused.
const MaxClockSkew = 5 * time.Minute

// Sign computes the hex HMAC-SHA256 of "id:region:timestamp" with the shared
// mesh key. Used by Auth.
func Sign(key []byte, id, region string, timestamp int64) string {
	return signCanonical(key, canonical("", id, region, timestamp))
}

// SignAnnounce computes the hex HMAC-SHA256 of "announce:id:region:timestamp".
func SignAnnounce(key []byte, id, region string, timestamp int64) string {
	return signCanonical(key, canonical("announce:", id, region, timestamp))
}

// Verify checks an Auth signature and its timestamp skew against now.
func Verify(key []byte, id, region string, timestamp int64, signature string, now time.Time) error {
	return verifyCanonical(key, canonical("", id, region, timestamp), timestamp, signature, now)
}

// VerifyAnnounce checks an Announce signature and its timestamp skew.
func VerifyAnnounce(key []byte, id, region string, timestamp int64, signature string, now time.Time) error {
	return verifyCanonical(key, canonical("announce:", id, region, timestamp), timestamp, signature, now)
}

func canonical(prefix, id, region string, timestamp int64) []byte {
	buf := make([]byte, 0, len(prefix)+len(id)+len(region)+22)
	buf = append(buf, prefix...)
	buf = append(buf, id...)
	buf = append(buf, ':')
	buf = append(buf, region...)
	buf = append(buf, ':')
	return strconv.AppendInt(buf, timestamp, 10)
}

func signCanonical(key, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyCanonical(key, payload []byte, timestamp int64, signature string, now time.Time) error {
	if len(key) == 0 {
		return ErrEmptySharedKey
	}
	if signature == "" {
		return ErrEmptySignature
	}

	skew := now.Sub(time.UnixMilli(timestamp))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return ErrTimestampSkew
	}

	want := signCanonical(key, payload)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// Checksum returns the hex SHA-256 of a serialized entity payload.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
