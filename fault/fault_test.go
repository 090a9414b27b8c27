package fault

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := New(Storage, "write piece 3", io.ErrShortWrite)
	wrapped := errors.Wrap(base, "torrent loop")

	assert.Equal(t, Storage, KindOf(wrapped))
	assert.True(t, Is(wrapped, Storage))
	assert.False(t, Is(wrapped, Protocol))
	assert.True(t, errors.Is(wrapped, io.ErrShortWrite))
}

func TestNewNil(t *testing.T) {
	require.NoError(t, New(Input, "parse", nil))
	assert.Equal(t, Unknown, KindOf(io.EOF))
	assert.False(t, Is(nil, Unknown))
}

func TestErrorString(t *testing.T) {
	err := Errorf(Integrity, "verify", "piece %d hash mismatch", 7)
	assert.Equal(t, "integrity error: verify: piece 7 hash mismatch", err.Error())
}
