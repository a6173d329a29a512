// Package keys defines the versioned key encoding used throughout the
// engine. A stored key is the user key followed by an 8-byte big-endian
// suffix holding the bitwise complement of the commit timestamp. Plain
// byte comparison of encoded keys therefore orders user keys ascending
// and, within a user key, timestamps descending (newest first).
package keys

import (
	"bytes"
	"encoding/binary"
	"math"
)

// TimestampLen is the length of the timestamp suffix on an encoded key.
const TimestampLen = 8

// MaxTimestamp is the highest version a key can carry. Reading at
// MaxTimestamp always sees the newest version of a user key.
const MaxTimestamp = math.MaxUint64

// KeyWithTs appends the encoded timestamp suffix to key. The input slice
// is not modified.
func KeyWithTs(key []byte, ts uint64) []byte {
	out := make([]byte, len(key)+TimestampLen)
	copy(out, key)
	binary.BigEndian.PutUint64(out[len(key):], math.MaxUint64-ts)
	return out
}

// ParseKey returns the user key portion of an encoded key. The result
// aliases the input.
func ParseKey(key []byte) []byte {
	if len(key) < TimestampLen {
		return key
	}
	return key[:len(key)-TimestampLen]
}

// ParseTs extracts the timestamp from an encoded key. Keys without a
// suffix parse as timestamp 0.
func ParseTs(key []byte) uint64 {
	if len(key) < TimestampLen {
		return 0
	}
	return math.MaxUint64 - binary.BigEndian.Uint64(key[len(key)-TimestampLen:])
}

// CompareKeys orders encoded keys: user key ascending, then timestamp
// descending. Both keys must carry the timestamp suffix.
func CompareKeys(a, b []byte) int {
	if c := bytes.Compare(a[:len(a)-TimestampLen], b[:len(b)-TimestampLen]); c != 0 {
		return c
	}
	return bytes.Compare(a[len(a)-TimestampLen:], b[len(b)-TimestampLen:])
}

// SameKey reports whether two encoded keys share the same user key.
func SameKey(a, b []byte) bool {
	return bytes.Equal(ParseKey(a), ParseKey(b))
}

// IsValidUserKey checks a user key before it enters the write path.
// Keys must be non-empty and stay under 1MB.
func IsValidUserKey(key []byte) bool {
	return len(key) > 0 && len(key) <= 1<<20
}

// IsValidValue limits single values to 1GB.
func IsValidValue(value []byte) bool {
	return len(value) <= 1<<30
}
