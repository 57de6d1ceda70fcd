package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferWindow(t *testing.T) {
	b := newBuffer(8)
	require.True(t, b.empty())
	require.Equal(t, 8, b.freeSize())

	copy(b.freeArea(), "abcd")
	b.markUsed(4)
	assert.Equal(t, "abcd", string(b.usedArea()))
	assert.Equal(t, 4, b.freeSize())

	b.markFree(2)
	assert.Equal(t, "cd", string(b.usedArea()))

	// Coalescing slides the window back so the free area regrows.
	b.coalesce()
	assert.Equal(t, "cd", string(b.usedArea()))
	assert.Equal(t, 6, b.freeSize())
}

func TestBufferAppend(t *testing.T) {
	b := newBuffer(8)
	require.True(t, b.append([]byte("abcde")))
	b.markFree(5)

	// Free space at the tail is too small, but coalescing makes room.
	require.True(t, b.append([]byte("fghij")))
	assert.Equal(t, "fghij", string(b.usedArea()))

	// Larger than the whole buffer never fits.
	assert.False(t, b.append(make([]byte, 9)))
}
