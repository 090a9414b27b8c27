// Package scheduler decides which blocks to request from which peer.
package scheduler

import (
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"

	"github.com/mindsgn-studio/leecher/bitfield"
	"github.com/mindsgn-studio/leecher/piece"
)

// Strategy orders candidate pieces.
type Strategy int

const (
	RarestFirst Strategy = iota
	Sequential
)

func (s Strategy) String() string {
	if s == Sequential {
		return "sequential"
	}
	return "rarest-first"
}

// ParseStrategy accepts "rarest-first" (or "") and "sequential".
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", "rarest-first", "rarest":
		return RarestFirst, nil
	case "sequential":
		return Sequential, nil
	}
	return 0, errors.Errorf("unknown strategy %q", s)
}

// Config holds the tunables.
type Config struct {
	PipelineDepth  int
	RequestTimeout time.Duration
	MaxTimeouts    int
	Strategy       Strategy
}

// DefaultConfig returns the defaults used when a field is zero.
func DefaultConfig() Config {
	return Config{
		PipelineDepth:  5,
		RequestTimeout: 60 * time.Second,
		MaxTimeouts:    3,
		Strategy:       RarestFirst,
	}
}

// Block addresses a request on the wire.
type Block struct {
	Piece  int
	Begin  int
	Length int
}

// PeerBlock pairs a block with the peer holding the request.
type PeerBlock struct {
	Peer string
	Block
}

type key struct{ piece, block int }

// Scheduler tracks outstanding requests per peer and hands out new ones. It
// shares the piece map with its owning loop and is not safe for concurrent
// use.
type Scheduler struct {
	cfg         Config
	pm          *piece.Map
	avail       *Availability
	wanted      *roaring.Bitmap
	outstanding map[string]map[key]time.Time
	strikes     map[string]int
}

func New(pm *piece.Map, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.PipelineDepth <= 0 {
		cfg.PipelineDepth = def.PipelineDepth
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxTimeouts <= 0 {
		cfg.MaxTimeouts = def.MaxTimeouts
	}
	s := &Scheduler{
		cfg:         cfg,
		pm:          pm,
		avail:       NewAvailability(pm.NumPieces()),
		wanted:      roaring.New(),
		outstanding: make(map[string]map[key]time.Time),
		strikes:     make(map[string]int),
	}
	s.Resync()
	return s
}

// Resync rebuilds the wanted set from the piece map.
func (s *Scheduler) Resync() {
	s.wanted.Clear()
	for i := 0; i < s.pm.NumPieces(); i++ {
		if s.pm.Status(i) != piece.Verified {
			s.wanted.Add(uint32(i))
		}
	}
}

// DistributedCopies is how many full copies the connected peers hold
// together: the count of the rarest piece plus the share of pieces seen more
// often than that.
func (s *Scheduler) DistributedCopies() float64 {
	n := s.pm.NumPieces()
	if n == 0 {
		return 0
	}
	rarest := s.avail.Count(0)
	for i := 1; i < n; i++ {
		if c := s.avail.Count(i); c < rarest {
			rarest = c
		}
	}
	above := 0
	for i := 0; i < n; i++ {
		if s.avail.Count(i) > rarest {
			above++
		}
	}
	return float64(rarest) + float64(above)/float64(n)
}

// PeerBitfield records a peer's full bitfield.
func (s *Scheduler) PeerBitfield(peer string, bf bitfield.Bitfield) {
	s.avail.SetBitfield(peer, bf)
}

// PeerHave records a single have.
func (s *Scheduler) PeerHave(peer string, i int) {
	s.avail.Have(peer, i)
}

// Interesting reports whether peer advertises any piece we still want.
func (s *Scheduler) Interesting(peer string) bool {
	return s.avail.Pieces(peer).Intersects(s.wanted)
}

// Outstanding returns how many requests peer holds.
func (s *Scheduler) Outstanding(peer string) int { return len(s.outstanding[peer]) }

// Strikes returns the number of timed-out requests against peer since its
// last delivered block.
func (s *Scheduler) Strikes(peer string) int { return s.strikes[peer] }

// TooManyTimeouts reports whether peer should be dropped.
func (s *Scheduler) TooManyTimeouts(peer string) bool {
	return s.strikes[peer] >= s.cfg.MaxTimeouts
}

// Endgame is true once no piece is Missing and something is still wanted.
func (s *Scheduler) Endgame() bool {
	return !s.wanted.IsEmpty() && !s.pm.AnyMissing()
}

func (s *Scheduler) block(k key) Block {
	return Block{Piece: k.piece, Begin: s.pm.BlockOffset(k.block), Length: s.pm.BlockLength(k.piece, k.block)}
}

// Next fills peer's pipeline and returns the new requests, already recorded
// in the piece map. Choked peers get nothing.
func (s *Scheduler) Next(peer string, choked bool, now time.Time) []Block {
	if choked {
		return nil
	}
	room := s.cfg.PipelineDepth - len(s.outstanding[peer])
	if room <= 0 {
		return nil
	}
	endgame := s.Endgame()
	var out []Block
	for _, i := range s.candidates(peer) {
		for b := 0; b < s.pm.NumBlocks(i) && room > 0; b++ {
			if !s.requestable(peer, i, b, endgame) {
				continue
			}
			if err := s.pm.MarkRequested(i, b, peer, now); err != nil {
				continue
			}
			reqs := s.outstanding[peer]
			if reqs == nil {
				reqs = make(map[key]time.Time)
				s.outstanding[peer] = reqs
			}
			reqs[key{i, b}] = now
			out = append(out, s.block(key{i, b}))
			room--
		}
		if room == 0 {
			break
		}
	}
	return out
}

func (s *Scheduler) requestable(peer string, i, b int, endgame bool) bool {
	switch s.pm.BlockStatus(i, b) {
	case piece.NotRequested:
		return true
	case piece.Requested:
		if !endgame {
			return false
		}
		_, mine := s.outstanding[peer][key{i, b}]
		return !mine
	}
	return false
}

// candidates returns the wanted pieces peer has, best first.
func (s *Scheduler) candidates(peer string) []int {
	has := roaring.And(s.avail.Pieces(peer), s.wanted)
	idx := make([]int, 0, has.GetCardinality())
	it := has.Iterator()
	for it.HasNext() {
		idx = append(idx, int(it.Next()))
	}
	if s.cfg.Strategy == RarestFirst {
		sort.SliceStable(idx, func(a, b int) bool {
			ca, cb := s.avail.Count(idx[a]), s.avail.Count(idx[b])
			if ca != cb {
				return ca < cb
			}
			return idx[a] < idx[b]
		})
	}
	return idx
}

// Received clears the request peer held for the delivered block and returns
// the duplicate requests other peers hold for it, which should be cancelled.
func (s *Scheduler) Received(peer string, index, begin int) []PeerBlock {
	b, ok := s.pm.BlockIndex(begin)
	if !ok {
		return nil
	}
	k := key{index, b}
	if _, had := s.outstanding[peer][k]; had {
		delete(s.outstanding[peer], k)
		s.strikes[peer] = 0
	}
	var dups []PeerBlock
	for other, reqs := range s.outstanding {
		if _, ok := reqs[k]; ok {
			delete(reqs, k)
			dups = append(dups, PeerBlock{Peer: other, Block: s.block(k)})
		}
	}
	sort.Slice(dups, func(i, j int) bool { return dups[i].Peer < dups[j].Peer })
	return dups
}

// Cancelled drops peer's request for a block, e.g. after the peer rejected it
// by choking us.
func (s *Scheduler) Cancelled(peer string, index, begin int) {
	b, ok := s.pm.BlockIndex(begin)
	if !ok {
		return
	}
	k := key{index, b}
	if _, had := s.outstanding[peer][k]; had {
		delete(s.outstanding[peer], k)
		s.pm.Release(index, b, peer)
	}
}

// Choked releases every request peer holds; a choke discards them.
func (s *Scheduler) Choked(peer string) []Block {
	return s.releaseAll(peer)
}

// Expire reverts requests older than the request timeout. Each expiry is a
// strike against the peer that held it.
func (s *Scheduler) Expire(now time.Time) []PeerBlock {
	var out []PeerBlock
	for peer, reqs := range s.outstanding {
		for k, at := range reqs {
			if now.Sub(at) < s.cfg.RequestTimeout {
				continue
			}
			delete(reqs, k)
			if len(s.pm.Requests(k.piece, k.block)) <= 1 {
				s.pm.MarkTimedOut(k.piece, k.block)
			} else {
				s.pm.Release(k.piece, k.block, peer)
			}
			s.strikes[peer]++
			out = append(out, PeerBlock{Peer: peer, Block: s.block(k)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Peer != out[j].Peer {
			return out[i].Peer < out[j].Peer
		}
		if out[i].Piece != out[j].Piece {
			return out[i].Piece < out[j].Piece
		}
		return out[i].Begin < out[j].Begin
	})
	return out
}

// PeerGone reverts all of peer's outstanding blocks and forgets it.
func (s *Scheduler) PeerGone(peer string) []Block {
	out := s.releaseAll(peer)
	delete(s.outstanding, peer)
	delete(s.strikes, peer)
	s.avail.Remove(peer)
	return out
}

func (s *Scheduler) releaseAll(peer string) []Block {
	var out []Block
	for k := range s.outstanding[peer] {
		s.pm.Release(k.piece, k.block, peer)
		out = append(out, s.block(k))
	}
	s.outstanding[peer] = nil
	sort.Slice(out, func(i, j int) bool {
		if out[i].Piece != out[j].Piece {
			return out[i].Piece < out[j].Piece
		}
		return out[i].Begin < out[j].Begin
	})
	return out
}

// PieceVerified removes a piece from the wanted set.
func (s *Scheduler) PieceVerified(i int) {
	s.wanted.Remove(uint32(i))
	s.dropPiece(i)
}

// PieceFailed forgets requests for a piece that was reset after a hash
// mismatch so it can be scheduled again.
func (s *Scheduler) PieceFailed(i int) {
	s.wanted.Add(uint32(i))
	s.dropPiece(i)
}

func (s *Scheduler) dropPiece(i int) {
	for _, reqs := range s.outstanding {
		for k := range reqs {
			if k.piece == i {
				delete(reqs, k)
			}
		}
	}
}
