package bitfield

import (
	"math/bits"

	"github.com/pkg/errors"
)

// Bitfield is the wire encoding of piece ownership: the high bit of the first
// byte is piece 0. Spare bits at the end must be zero.
//
// Example:
//   - [0 0 1 0 1 0 0 0] (only pieces 2 and 4 are available)
//   - [1 1 1 1 1 1 1 1] (pieces 0 through 7 are available)
type Bitfield []byte

// New returns an empty bitfield large enough for n pieces.
func New(n int) Bitfield {
	return make(Bitfield, (n+7)/8)
}

// Parse validates a bitfield received for a torrent with n pieces.
func Parse(payload []byte, n int) (Bitfield, error) {
	if len(payload) != (n+7)/8 {
		return nil, errors.Errorf("bitfield length %d does not match %d pieces", len(payload), n)
	}
	if n%8 != 0 && len(payload) > 0 {
		spare := payload[len(payload)-1] & (0xff >> uint(n%8))
		if spare != 0 {
			return nil, errors.New("bitfield has spare bits set")
		}
	}
	bf := make(Bitfield, len(payload))
	copy(bf, payload)
	return bf, nil
}

// Has reports whether piece i is set. Out of range indexes are never set.
func (bf Bitfield) Has(i int) bool {
	byteIndex := i / 8
	if i < 0 || byteIndex >= len(bf) {
		return false
	}
	offset := i % 8
	return bf[byteIndex]>>(7-offset)&1 != 0
}

// Set marks piece i. Out of range indexes are ignored.
func (bf Bitfield) Set(i int) {
	byteIndex := i / 8
	if i < 0 || byteIndex >= len(bf) {
		return
	}
	offset := i % 8
	bf[byteIndex] |= 1 << (7 - offset)
}

// Clear unmarks piece i.
func (bf Bitfield) Clear(i int) {
	byteIndex := i / 8
	if i < 0 || byteIndex >= len(bf) {
		return
	}
	offset := i % 8
	bf[byteIndex] &^= 1 << (7 - offset)
}

// Count returns the number of set pieces.
func (bf Bitfield) Count() int {
	n := 0
	for _, b := range bf {
		n += bits.OnesCount8(b)
	}
	return n
}

// Complete reports whether all n pieces are set.
func (bf Bitfield) Complete(n int) bool {
	return bf.Count() == n
}

// Indexes returns the set pieces in ascending order.
func (bf Bitfield) Indexes() []int {
	var out []int
	for i := 0; i < len(bf)*8; i++ {
		if bf.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

// Clone returns an independent copy.
func (bf Bitfield) Clone() Bitfield {
	c := make(Bitfield, len(bf))
	copy(c, bf)
	return c
}
