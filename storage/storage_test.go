package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindsgn-studio/leecher/fault"
)

func TestSpansCrossFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, []File{
		{Path: "album/a.bin", Length: 10},
		{Path: "album/empty", Length: 0},
		{Path: "album/b.bin", Length: 5},
		{Path: "album/c.bin", Length: 20},
	}, 8)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, []Span{
		{File: 0, Offset: 8, Length: 2},
		{File: 2, Offset: 0, Length: 5},
		{File: 3, Offset: 0, Length: 1},
	}, s.BlockSpans(1, 0, 8))
	assert.Equal(t, []int{0, 2, 3}, s.PieceFiles(1))
	assert.Nil(t, s.Spans(35, 4))

	st, err := os.Stat(filepath.Join(dir, "album/c.bin"))
	require.NoError(t, err)
	assert.Equal(t, int64(20), st.Size())
	for i := range s.Files() {
		assert.False(t, s.Existed(i))
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	files := []File{{Path: "x", Length: 7}, {Path: "y", Length: 9}}
	s, err := Open(dir, files, 4)
	require.NoError(t, err)

	data := []byte("0123456789abcdef")
	for i := 0; i < 4; i++ {
		require.NoError(t, s.WritePiece(i, data[i*4:i*4+4]))
	}
	require.NoError(t, s.Sync())

	got, err := s.ReadBlock(1, 2, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte("6789ab"), got)

	_, err = s.WriteAt([]byte("zz"), 15)
	assert.True(t, fault.Is(err, fault.Storage))
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(filepath.Join(dir, "y"))
	require.NoError(t, err)
	assert.Equal(t, []byte("789abcdef"), raw)

	again, err := Open(dir, files, 4)
	require.NoError(t, err)
	defer again.Close()
	assert.True(t, again.Existed(0))
	buf := make([]byte, 16)
	_, err = again.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, buf))
}

func TestOpenRejectsEscapingPaths(t *testing.T) {
	_, err := Open(t.TempDir(), []File{{Path: "../evil", Length: 1}}, 4)
	assert.True(t, fault.Is(err, fault.Storage))
}

func TestOpenFailsOnUnwritableRoot(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	_, err := Open(filepath.Join(blocker, "sub"), []File{{Path: "a", Length: 1}}, 4)
	assert.True(t, fault.Is(err, fault.Storage))
}

func TestRemoveAll(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, []File{{Path: "gone", Length: 3}}, 4)
	require.NoError(t, err)
	require.NoError(t, s.RemoveAll())
	_, err = os.Stat(filepath.Join(dir, "gone"))
	assert.True(t, os.IsNotExist(err))
}
