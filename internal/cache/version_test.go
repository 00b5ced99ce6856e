package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSerializedLengthDeterministic(t *testing.T) {
	fn := SerializedLength[payload]()
	a := payload{Title: "portfolio", Count: 12}
	b := payload{Title: "portfolio", Count: 12}
	require.Equal(t, fn(a), fn(b), "identical values must fingerprint identically")
	require.Equal(t, fn(a), fn(a))
	require.NotEmpty(t, fn(a))
}

func TestSerializedLengthToleratesCollisions(t *testing.T) {
	// Same byte length, different content: the weak default cannot tell
	// these apart. That is the documented trade-off, not a bug.
	fn := SerializedLength[payload]()
	require.Equal(t, fn(payload{Title: "aaaa"}), fn(payload{Title: "bbbb"}))
}

func TestContentHashDistinguishesContent(t *testing.T) {
	fn := ContentHash[payload]()
	require.NotEqual(t, fn(payload{Title: "aaaa"}), fn(payload{Title: "bbbb"}))
	require.Equal(t, fn(payload{Title: "same"}), fn(payload{Title: "same"}))
	require.Len(t, fn(payload{}), 64)
}
