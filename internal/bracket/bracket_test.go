package bracket

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCount_SimpleObject(t *testing.T) {
	open, close_, invalid := Count([]byte(`{"a":1}`))
	require.False(t, invalid)
	assert.Equal(t, 1, open)
	assert.Equal(t, 1, close_)
	assert.True(t, Complete(open, close_))
}

func TestCount_Nested(t *testing.T) {
	open, close_, invalid := Count([]byte(`{"a":{"b":1}`))
	require.False(t, invalid)
	assert.Equal(t, 2, open)
	assert.Equal(t, 0, close_)
	assert.False(t, Complete(open, close_))

	// Count is local to the span it is given: a span that closes braces
	// it never opened is invalid at its first '}'.
	open2, close2, invalid2 := Count([]byte(`}}`))
	require.True(t, invalid2)
	assert.Equal(t, 0, open2)
	assert.Equal(t, 1, close2)
}

func TestCount_ImbalancedStopsEarly(t *testing.T) {
	// Close before open anywhere in the stream must be flagged invalid
	// and must not keep counting past the point of imbalance.
	open, close_, invalid := Count([]byte(`}{{`))
	assert.True(t, invalid)
	assert.Equal(t, 0, open)
	assert.Equal(t, 1, close_)
}

func TestCount_EmptyInput(t *testing.T) {
	open, close_, invalid := Count(nil)
	assert.False(t, invalid)
	assert.Equal(t, 0, open)
	assert.Equal(t, 0, close_)
	assert.False(t, Complete(open, close_))
}

func TestCount_BoundedAtMaxScanBytes(t *testing.T) {
	// A span far larger than MaxScanBytes must never be scanned past
	// the bound — construct a buffer whose only brackets lie beyond the
	// cutoff and confirm they're never seen.
	buf := make([]byte, MaxScanBytes+ChunkSize)
	for i := range buf {
		buf[i] = 'x'
	}
	buf[MaxScanBytes] = '{'
	open, close_, invalid := Count(buf)
	assert.False(t, invalid)
	assert.Equal(t, 0, open)
	assert.Equal(t, 0, close_)
}

func TestCount_ChunkBoundaryAcrossBrackets(t *testing.T) {
	// A bracket pair straddling a 64-byte chunk boundary must still be
	// counted correctly.
	pad := strings.Repeat("x", ChunkSize-1)
	buf := []byte(pad + "{" + "}")
	open, close_, invalid := Count(buf)
	require.False(t, invalid)
	assert.Equal(t, 1, open)
	assert.Equal(t, 1, close_)
}
