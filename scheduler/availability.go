package scheduler

import (
	"github.com/RoaringBitmap/roaring"

	"github.com/mindsgn-studio/leecher/bitfield"
)

// Availability indexes which connected peers advertise which pieces, in both
// directions. It is updated incrementally on bitfield, have and disconnect.
type Availability struct {
	slots   map[string]uint32
	free    []uint32
	next    uint32
	byPiece []*roaring.Bitmap
	byPeer  map[string]*roaring.Bitmap
}

func NewAvailability(numPieces int) *Availability {
	return &Availability{
		slots:   make(map[string]uint32),
		byPiece: make([]*roaring.Bitmap, numPieces),
		byPeer:  make(map[string]*roaring.Bitmap),
	}
}

func (a *Availability) slot(peer string) uint32 {
	if s, ok := a.slots[peer]; ok {
		return s
	}
	var s uint32
	if n := len(a.free); n > 0 {
		s = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		s = a.next
		a.next++
	}
	a.slots[peer] = s
	a.byPeer[peer] = roaring.New()
	return s
}

// Have records that peer advertises piece i.
func (a *Availability) Have(peer string, i int) {
	if i < 0 || i >= len(a.byPiece) {
		return
	}
	s := a.slot(peer)
	if a.byPiece[i] == nil {
		a.byPiece[i] = roaring.New()
	}
	a.byPiece[i].Add(s)
	a.byPeer[peer].Add(uint32(i))
}

// SetBitfield records a full bitfield for peer, replacing what it had.
func (a *Availability) SetBitfield(peer string, bf bitfield.Bitfield) {
	a.clear(peer)
	a.slot(peer)
	for _, i := range bf.Indexes() {
		a.Have(peer, i)
	}
}

func (a *Availability) clear(peer string) {
	s, ok := a.slots[peer]
	if !ok {
		return
	}
	it := a.byPeer[peer].Iterator()
	for it.HasNext() {
		if b := a.byPiece[it.Next()]; b != nil {
			b.Remove(s)
		}
	}
	a.byPeer[peer].Clear()
}

// Remove forgets peer entirely.
func (a *Availability) Remove(peer string) {
	s, ok := a.slots[peer]
	if !ok {
		return
	}
	a.clear(peer)
	delete(a.slots, peer)
	delete(a.byPeer, peer)
	a.free = append(a.free, s)
}

// Count returns how many connected peers advertise piece i.
func (a *Availability) Count(i int) int {
	if i < 0 || i >= len(a.byPiece) || a.byPiece[i] == nil {
		return 0
	}
	return int(a.byPiece[i].GetCardinality())
}

// Pieces returns the pieces peer advertises. The bitmap must not be modified.
func (a *Availability) Pieces(peer string) *roaring.Bitmap {
	if b, ok := a.byPeer[peer]; ok {
		return b
	}
	return roaring.New()
}

// Peers returns the number of peers tracked.
func (a *Availability) Peers() int { return len(a.slots) }
