// Package piece keeps the per-torrent piece and block bookkeeping and checks
// assembled pieces against their expected digests.
package piece

import (
	"time"

	"github.com/pkg/errors"

	"github.com/mindsgn-studio/leecher/bitfield"
)

// BlockSize is the unit requested over the wire.
const BlockSize = 16 * 1024

// Status is the state of a whole piece.
type Status int

const (
	Missing Status = iota
	InProgress
	Verified
)

func (s Status) String() string {
	switch s {
	case Missing:
		return "missing"
	case InProgress:
		return "in-progress"
	case Verified:
		return "verified"
	}
	return "unknown"
}

// BlockStatus is the state of one block of an in-progress piece.
type BlockStatus int

const (
	NotRequested BlockStatus = iota
	Requested
	Received
)

// Request records which peer a block was asked from and when.
type Request struct {
	Peer string
	At   time.Time
}

type block struct {
	status   BlockStatus
	requests []Request
}

type pieceState struct {
	status   Status
	blocks   []block
	data     []byte
	received int
}

// Map tracks which pieces and blocks are owned, in flight or missing. It is
// not safe for concurrent use; one torrent loop owns it.
type Map struct {
	totalLength   int64
	pieceLength   int64
	blockSize     int
	pieces        []pieceState
	verified      int
	verifiedBytes int64
}

// NewMap sizes a map for a torrent. A blockSize of 0 means BlockSize.
func NewMap(totalLength, pieceLength int64, blockSize int) *Map {
	if blockSize <= 0 {
		blockSize = BlockSize
	}
	n := 0
	if pieceLength > 0 {
		n = int((totalLength + pieceLength - 1) / pieceLength)
	}
	return &Map{
		totalLength: totalLength,
		pieceLength: pieceLength,
		blockSize:   blockSize,
		pieces:      make([]pieceState, n),
	}
}

// NumPieces returns the piece count.
func (m *Map) NumPieces() int { return len(m.pieces) }

// PieceLength returns the size of piece i; the last piece may be short.
func (m *Map) PieceLength(i int) int {
	begin := int64(i) * m.pieceLength
	end := begin + m.pieceLength
	if end > m.totalLength {
		end = m.totalLength
	}
	return int(end - begin)
}

// NumBlocks returns how many blocks piece i is split into.
func (m *Map) NumBlocks(i int) int {
	return (m.PieceLength(i) + m.blockSize - 1) / m.blockSize
}

// BlockLength returns the size of block b of piece i.
func (m *Map) BlockLength(i, b int) int {
	begin := b * m.blockSize
	end := begin + m.blockSize
	if pl := m.PieceLength(i); end > pl {
		end = pl
	}
	return end - begin
}

// BlockOffset returns the byte offset of block b within its piece.
func (m *Map) BlockOffset(b int) int { return b * m.blockSize }

// BlockIndex converts an in-piece byte offset to a block index.
func (m *Map) BlockIndex(begin int) (int, bool) {
	if begin%m.blockSize != 0 {
		return 0, false
	}
	return begin / m.blockSize, true
}

// Status returns the status of piece i.
func (m *Map) Status(i int) Status { return m.pieces[i].status }

// BlockStatus returns the status of block b of piece i.
func (m *Map) BlockStatus(i, b int) BlockStatus {
	p := &m.pieces[i]
	switch p.status {
	case Verified:
		return Received
	case Missing:
		return NotRequested
	}
	return p.blocks[b].status
}

// Requests returns the outstanding requests for block b of piece i.
func (m *Map) Requests(i, b int) []Request {
	p := &m.pieces[i]
	if p.status != InProgress {
		return nil
	}
	return append([]Request(nil), p.blocks[b].requests...)
}

func (m *Map) check(i, b int) error {
	if i < 0 || i >= len(m.pieces) {
		return errors.Errorf("piece %d out of range", i)
	}
	if b < 0 || b >= m.NumBlocks(i) {
		return errors.Errorf("block %d out of range for piece %d", b, i)
	}
	return nil
}

func (m *Map) start(i int) *pieceState {
	p := &m.pieces[i]
	if p.status == Missing {
		p.status = InProgress
		p.blocks = make([]block, m.NumBlocks(i))
		p.data = make([]byte, m.PieceLength(i))
		p.received = 0
	}
	return p
}

// MarkRequested records that block b of piece i was requested from peer.
// Several peers may hold a request for the same block during endgame.
func (m *Map) MarkRequested(i, b int, peer string, now time.Time) error {
	if err := m.check(i, b); err != nil {
		return err
	}
	if m.pieces[i].status == Verified {
		return errors.Errorf("piece %d already verified", i)
	}
	p := m.start(i)
	blk := &p.blocks[b]
	if blk.status == Received {
		return errors.Errorf("block %d of piece %d already received", b, i)
	}
	blk.status = Requested
	for k := range blk.requests {
		if blk.requests[k].Peer == peer {
			blk.requests[k].At = now
			return nil
		}
	}
	blk.requests = append(blk.requests, Request{Peer: peer, At: now})
	return nil
}

// MarkReceived stores block data. It returns false when the block was already
// received; a block is only ever accepted once.
func (m *Map) MarkReceived(i, b int, data []byte) (bool, error) {
	if err := m.check(i, b); err != nil {
		return false, err
	}
	if want := m.BlockLength(i, b); len(data) != want {
		return false, errors.Errorf("block %d of piece %d has length %d, want %d", b, i, len(data), want)
	}
	if m.pieces[i].status == Verified {
		return false, nil
	}
	p := m.start(i)
	blk := &p.blocks[b]
	if blk.status == Received {
		return false, nil
	}
	copy(p.data[m.BlockOffset(b):], data)
	blk.status = Received
	blk.requests = nil
	p.received++
	return true, nil
}

// MarkTimedOut reverts a requested block to NotRequested.
func (m *Map) MarkTimedOut(i, b int) {
	if m.check(i, b) != nil || m.pieces[i].status != InProgress {
		return
	}
	blk := &m.pieces[i].blocks[b]
	if blk.status == Requested {
		blk.status = NotRequested
		blk.requests = nil
	}
}

// Release drops peer's request for a block. The block reverts to
// NotRequested once nobody holds a request for it.
func (m *Map) Release(i, b int, peer string) {
	if m.check(i, b) != nil || m.pieces[i].status != InProgress {
		return
	}
	blk := &m.pieces[i].blocks[b]
	if blk.status != Requested {
		return
	}
	kept := blk.requests[:0]
	for _, r := range blk.requests {
		if r.Peer != peer {
			kept = append(kept, r)
		}
	}
	blk.requests = kept
	if len(kept) == 0 {
		blk.status = NotRequested
		blk.requests = nil
	}
}

// IsPieceComplete reports whether every block of piece i has been received.
func (m *Map) IsPieceComplete(i int) bool {
	p := &m.pieces[i]
	switch p.status {
	case Verified:
		return true
	case Missing:
		return false
	}
	return p.received == len(p.blocks)
}

// PieceData returns the assembled bytes of an in-progress piece.
func (m *Map) PieceData(i int) []byte {
	return m.pieces[i].data
}

// MarkVerified promotes a complete piece to Verified and drops its buffer.
func (m *Map) MarkVerified(i int) error {
	if i < 0 || i >= len(m.pieces) {
		return errors.Errorf("piece %d out of range", i)
	}
	p := &m.pieces[i]
	if p.status == Verified {
		return nil
	}
	if !m.IsPieceComplete(i) {
		return errors.Errorf("piece %d is not complete", i)
	}
	m.setVerified(i)
	return nil
}

func (m *Map) setVerified(i int) {
	p := &m.pieces[i]
	if p.status == Verified {
		return
	}
	*p = pieceState{status: Verified}
	m.verified++
	m.verifiedBytes += int64(m.PieceLength(i))
}

// Reset returns piece i to Missing, clearing all block state. It is used when
// a piece fails verification.
func (m *Map) Reset(i int) {
	if i < 0 || i >= len(m.pieces) {
		return
	}
	p := &m.pieces[i]
	if p.status == Verified {
		m.verified--
		m.verifiedBytes -= int64(m.PieceLength(i))
	}
	*p = pieceState{}
}

// Restore marks the pieces in bf as Verified without data. It is used to seed
// the map from resume state.
func (m *Map) Restore(bf bitfield.Bitfield) {
	for i := range m.pieces {
		if bf.Has(i) {
			m.setVerified(i)
		}
	}
}

// Bitfield returns the verified pieces.
func (m *Map) Bitfield() bitfield.Bitfield {
	bf := bitfield.New(len(m.pieces))
	for i := range m.pieces {
		if m.pieces[i].status == Verified {
			bf.Set(i)
		}
	}
	return bf
}

// Verified returns the number of verified pieces.
func (m *Map) Verified() int { return m.verified }

// Done reports whether every piece is verified.
func (m *Map) Done() bool { return m.verified == len(m.pieces) }

// Left returns the number of bytes not yet verified.
func (m *Map) Left() int64 { return m.totalLength - m.verifiedBytes }

// CompletionFraction returns verified bytes over total bytes, in [0,1].
func (m *Map) CompletionFraction() float64 {
	if m.totalLength <= 0 {
		return 0
	}
	f := float64(m.verifiedBytes) / float64(m.totalLength)
	if f > 1 {
		return 1
	}
	return f
}

// AnyMissing reports whether at least one piece has not been started.
func (m *Map) AnyMissing() bool {
	for i := range m.pieces {
		if m.pieces[i].status == Missing {
			return true
		}
	}
	return false
}
