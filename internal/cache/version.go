package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
)

// VersionFunc fingerprints a payload so refreshes can tell whether anything
// actually changed.
type VersionFunc[T any] func(T) string

// SerializedLength fingerprints by JSON byte length. Deliberately weak:
// collisions only delay an update until the next cooldown-gated refresh, and
// it avoids hashing the payload on every background check. Use ContentHash
// when a missed update is not acceptable.
func SerializedLength[T any]() VersionFunc[T] {
	return func(v T) string {
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return strconv.Itoa(len(b))
	}
}

// ContentHash fingerprints by SHA-256 of the JSON encoding.
func ContentHash[T any]() VersionFunc[T] {
	return func(v T) string {
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		sum := sha256.Sum256(b)
		return hex.EncodeToString(sum[:])
	}
}
