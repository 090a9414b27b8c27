package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mindsgn-studio/leecher/descriptor"
	"github.com/mindsgn-studio/leecher/peerwire"
)

const (
	maxMetadataSize        = 8 << 20
	metadataRequestTimeout = 30 * time.Second
)

type metaRequest struct {
	peer string
	at   time.Time
}

// metaFetch assembles an info dictionary from ut_metadata pieces.
type metaFetch struct {
	size     int
	pieces   [][]byte
	pending  map[int]metaRequest
	received int
}

func newMetaFetch(size int) *metaFetch {
	n := (size + peerwire.MetadataPieceSize - 1) / peerwire.MetadataPieceSize
	return &metaFetch{size: size, pieces: make([][]byte, n), pending: make(map[int]metaRequest)}
}

// next picks a missing piece nobody is fetching and assigns it to peer.
func (m *metaFetch) next(peer string, now time.Time) (int, bool) {
	for i, p := range m.pieces {
		if p != nil {
			continue
		}
		if _, busy := m.pending[i]; busy {
			continue
		}
		m.pending[i] = metaRequest{peer: peer, at: now}
		return i, true
	}
	return 0, false
}

func (m *metaFetch) busy(peer string) bool {
	for _, r := range m.pending {
		if r.peer == peer {
			return true
		}
	}
	return false
}

// got stores a piece and reports whether the dictionary is complete.
func (m *metaFetch) got(i int, data []byte) (bool, error) {
	if i < 0 || i >= len(m.pieces) {
		return false, errors.Errorf("metadata piece %d of %d", i, len(m.pieces))
	}
	if want := peerwire.MetadataPieceLen(m.size, i); len(data) != want {
		return false, errors.Errorf("metadata piece %d has %d bytes, want %d", i, len(data), want)
	}
	delete(m.pending, i)
	if m.pieces[i] == nil {
		m.pieces[i] = append([]byte(nil), data...)
		m.received++
	}
	return m.received == len(m.pieces), nil
}

func (m *metaFetch) bytes() []byte {
	out := make([]byte, 0, m.size)
	for _, p := range m.pieces {
		out = append(out, p...)
	}
	return out
}

func (m *metaFetch) release(i int) { delete(m.pending, i) }

func (m *metaFetch) peerGone(peer string) {
	for i, r := range m.pending {
		if r.peer == peer {
			delete(m.pending, i)
		}
	}
}

func (m *metaFetch) expire(now time.Time) {
	for i, r := range m.pending {
		if now.Sub(r.at) >= metadataRequestTimeout {
			delete(m.pending, i)
		}
	}
}

func (t *torrent) onExtHandshake(c *peerwire.Conn) {
	if t.desc != nil {
		return
	}
	if _, ok := c.MetadataID(); !ok {
		return
	}
	size := c.MetadataSize()
	if size <= 0 || size > maxMetadataSize {
		return
	}
	if t.meta == nil {
		t.meta = newMetaFetch(size)
	} else if t.meta.size != size {
		t.log.WithField("peer", c.Addr()).Debug("peer advertises a different metadata size")
		return
	}
	t.askMetadata(c, time.Now())
}

func (t *torrent) askMetadata(c *peerwire.Conn, now time.Time) {
	if t.meta == nil || c.MetadataSize() != t.meta.size || t.meta.busy(c.Addr()) {
		return
	}
	i, ok := t.meta.next(c.Addr(), now)
	if !ok {
		return
	}
	if err := c.SendMetadata(peerwire.MetadataMsg{Type: peerwire.MetadataRequest, Piece: i}); err != nil {
		t.meta.release(i)
	}
}

func (t *torrent) retryMetadata(now time.Time) {
	t.meta.expire(now)
	for _, c := range t.peers {
		t.askMetadata(c, now)
	}
}

func (t *torrent) onMetadata(ctx context.Context, c *peerwire.Conn, m *peerwire.MetadataMsg) {
	switch m.Type {
	case peerwire.MetadataRequest:
		t.serveMetadata(c, m.Piece)
	case peerwire.MetadataReject:
		if t.meta != nil {
			t.meta.peerGone(c.Addr())
		}
	case peerwire.MetadataData:
		if t.meta == nil {
			return
		}
		done, err := t.meta.got(m.Piece, m.Data)
		if err != nil {
			t.dropPeer(c, "protocol", err)
			return
		}
		if !done {
			t.askMetadata(c, time.Now())
			return
		}
		info := t.meta.bytes()
		d, err := descriptor.FromInfo(t.id, info, t.trackerTiers())
		if err != nil {
			t.log.WithError(err).Warn("fetched metadata is invalid, starting over")
			t.meta = nil
			for _, p := range t.peers {
				t.onExtHandshake(p)
			}
			return
		}
		t.metadataReady(ctx, d)
	}
}

func (t *torrent) serveMetadata(c *peerwire.Conn, i int) {
	if t.desc == nil {
		c.SendMetadata(peerwire.MetadataMsg{Type: peerwire.MetadataReject, Piece: i})
		return
	}
	size := len(t.desc.InfoBytes)
	n := peerwire.MetadataPieceLen(size, i)
	if i < 0 || n == 0 {
		c.SendMetadata(peerwire.MetadataMsg{Type: peerwire.MetadataReject, Piece: i})
		return
	}
	off := i * peerwire.MetadataPieceSize
	c.SendMetadata(peerwire.MetadataMsg{
		Type:      peerwire.MetadataData,
		Piece:     i,
		TotalSize: size,
		Data:      t.desc.InfoBytes[off : off+n],
	})
}

// metadataReady switches a magnet torrent to a normal download.
func (t *torrent) metadataReady(ctx context.Context, d *descriptor.Descriptor) {
	t.desc = d
	t.meta = nil
	t.log = t.e.log.WithFields(logrus.Fields{"infohash": t.status.InfoHash, "name": d.Name})
	t.log.WithField("pieces", d.NumPieces()).Info("metadata received")
	if t.e.catalog != nil {
		if err := t.e.catalog.SetName(d.HexHash(), d.Name); err != nil {
			t.log.WithError(err).Warn("catalog update failed")
		}
	}

	t.prepare(ctx)
	if t.failure != nil || t.halt {
		return
	}
	for _, c := range t.peers {
		if err := c.SetNumPieces(d.NumPieces()); err != nil {
			t.dropPeer(c, "protocol", err)
			continue
		}
		t.sched.PeerBitfield(c.Addr(), c.Bitfield())
		if t.pm.Verified() > 0 {
			c.SendBitfield(t.pm.Bitfield())
		}
	}
	t.saveResume()
}
