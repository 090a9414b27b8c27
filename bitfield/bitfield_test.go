package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetHasClear(t *testing.T) {
	bf := New(10)
	require.Len(t, bf, 2)

	bf.Set(0)
	bf.Set(9)
	bf.Set(42) // ignored

	assert.True(t, bf.Has(0))
	assert.True(t, bf.Has(9))
	assert.False(t, bf.Has(1))
	assert.False(t, bf.Has(42))
	assert.False(t, bf.Has(-1))
	assert.Equal(t, Bitfield{0x80, 0x40}, bf)
	assert.Equal(t, []int{0, 9}, bf.Indexes())

	bf.Clear(0)
	assert.Equal(t, 1, bf.Count())
}

func TestParse(t *testing.T) {
	bf, err := Parse([]byte{0xff, 0xc0}, 10)
	require.NoError(t, err)
	assert.True(t, bf.Complete(10))

	_, err = Parse([]byte{0xff}, 10)
	assert.Error(t, err, "short bitfield")

	_, err = Parse([]byte{0xff, 0xe0}, 10)
	assert.EqualError(t, err, "bitfield has spare bits set")

	_, err = Parse([]byte{0xff}, 8)
	assert.NoError(t, err)
}
