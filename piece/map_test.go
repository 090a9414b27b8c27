package piece

import (
	"bytes"
	"crypto/sha1"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindsgn-studio/leecher/bitfield"
)

func TestGeometry(t *testing.T) {
	m := NewMap(5*BlockSize+100, 2*BlockSize, 0)
	require.Equal(t, 3, m.NumPieces())
	assert.Equal(t, 2*BlockSize, m.PieceLength(0))
	assert.Equal(t, BlockSize+100, m.PieceLength(2))
	assert.Equal(t, 2, m.NumBlocks(2))
	assert.Equal(t, 100, m.BlockLength(2, 1))

	b, ok := m.BlockIndex(BlockSize)
	assert.True(t, ok)
	assert.Equal(t, 1, b)
	_, ok = m.BlockIndex(7)
	assert.False(t, ok)
}

func TestFreshMapIsEmpty(t *testing.T) {
	m := NewMap(1000, 256, 64)
	assert.Equal(t, 0.0, m.CompletionFraction())
	assert.Equal(t, int64(1000), m.Left())
	for i := 0; i < m.NumPieces(); i++ {
		assert.Equal(t, Missing, m.Status(i))
	}
}

func TestBlockLifecycle(t *testing.T) {
	m := NewMap(256, 128, 64)
	now := time.Now()

	require.NoError(t, m.MarkRequested(0, 0, "a", now))
	assert.Equal(t, InProgress, m.Status(0))
	assert.Equal(t, Requested, m.BlockStatus(0, 0))

	ok, err := m.MarkReceived(0, 0, bytes.Repeat([]byte{1}, 64))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, m.IsPieceComplete(0))

	// duplicate delivery is dropped
	ok, err = m.MarkReceived(0, 0, bytes.Repeat([]byte{9}, 64))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, byte(1), m.PieceData(0)[0])

	_, err = m.MarkReceived(0, 1, make([]byte, 10))
	assert.Error(t, err)

	ok, err = m.MarkReceived(0, 1, bytes.Repeat([]byte{2}, 64))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, m.IsPieceComplete(0))

	require.NoError(t, m.MarkVerified(0))
	assert.Equal(t, Verified, m.Status(0))
	assert.Equal(t, 0.5, m.CompletionFraction())
	assert.Error(t, m.MarkRequested(0, 0, "a", now))
}

func TestTimeoutIsIdempotent(t *testing.T) {
	m := NewMap(128, 128, 64)
	require.NoError(t, m.MarkRequested(0, 1, "a", time.Now()))
	m.MarkTimedOut(0, 1)
	m.MarkTimedOut(0, 1)
	assert.Equal(t, NotRequested, m.BlockStatus(0, 1))

	// a received block is not reverted
	_, err := m.MarkReceived(0, 0, make([]byte, 64))
	require.NoError(t, err)
	m.MarkTimedOut(0, 0)
	assert.Equal(t, Received, m.BlockStatus(0, 0))
}

func TestReleaseKeepsOtherPeers(t *testing.T) {
	m := NewMap(128, 128, 64)
	now := time.Now()
	require.NoError(t, m.MarkRequested(0, 0, "a", now))
	require.NoError(t, m.MarkRequested(0, 0, "b", now))
	require.NoError(t, m.MarkRequested(0, 0, "b", now.Add(time.Second)))
	assert.Len(t, m.Requests(0, 0), 2)

	m.Release(0, 0, "a")
	assert.Equal(t, Requested, m.BlockStatus(0, 0))
	m.Release(0, 0, "b")
	assert.Equal(t, NotRequested, m.BlockStatus(0, 0))
}

func TestResetAllowsRedelivery(t *testing.T) {
	m := NewMap(128, 128, 64)
	for b := 0; b < 2; b++ {
		_, err := m.MarkReceived(0, b, make([]byte, 64))
		require.NoError(t, err)
	}
	require.True(t, m.IsPieceComplete(0))
	m.Reset(0)
	assert.Equal(t, Missing, m.Status(0))
	assert.False(t, m.IsPieceComplete(0))

	ok, err := m.MarkReceived(0, 0, make([]byte, 64))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifiedIffInBitfield(t *testing.T) {
	m := NewMap(10*64, 64, 64)
	seed := bitfield.New(10)
	seed.Set(1)
	seed.Set(7)
	m.Restore(seed)
	m.Restore(seed)

	assert.Equal(t, 2, m.Verified())
	bf := m.Bitfield()
	for i := 0; i < m.NumPieces(); i++ {
		assert.Equal(t, m.Status(i) == Verified, bf.Has(i), "piece %d", i)
	}
	assert.Equal(t, int64(8*64), m.Left())
}

func TestFractionIsMonotonic(t *testing.T) {
	m := NewMap(1000, 100, 50)
	last := m.CompletionFraction()
	for i := m.NumPieces() - 1; i >= 0; i-- {
		for b := 0; b < m.NumBlocks(i); b++ {
			_, err := m.MarkReceived(i, b, make([]byte, m.BlockLength(i, b)))
			require.NoError(t, err)
			assert.Equal(t, last, m.CompletionFraction(), "receiving alone does not advance progress")
		}
		require.NoError(t, m.MarkVerified(i))
		f := m.CompletionFraction()
		assert.True(t, f > last)
		last = f
	}
	assert.Equal(t, 1.0, last)
	assert.True(t, m.Done())
}

func TestVerifier(t *testing.T) {
	good := []byte("piece zero")
	v := NewVerifier([][20]byte{sha1.Sum(good)})
	assert.True(t, v.Verify(0, good))
	assert.False(t, v.Verify(0, []byte("tampered")))
	assert.False(t, v.Verify(1, good))
}
