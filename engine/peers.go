package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mindsgn-studio/leecher/fault"
	"github.com/mindsgn-studio/leecher/metrics"
	"github.com/mindsgn-studio/leecher/peerwire"
	"github.com/mindsgn-studio/leecher/piece"
)

// addConn adopts a connection after its handshake completed. It reports
// false, with c closed, when the connection was turned away.
func (t *torrent) addConn(ctx context.Context, c *peerwire.Conn) bool {
	addr := c.Addr()
	if _, dup := t.peers[addr]; dup || len(t.peers) >= t.e.cfg.MaxConnections {
		c.Close()
		return false
	}
	if t.desc != nil {
		if err := c.SetNumPieces(t.desc.NumPieces()); err != nil {
			c.Close()
			return false
		}
	}
	t.peers[addr] = c
	metrics.PeersConnected.Inc()
	c.Start(ctx, t.inbox)
	t.log.WithFields(logrus.Fields{"peer": addr, "outgoing": c.Outgoing()}).Debug("peer connected")

	if c.SupportsExtensions() {
		size := 0
		if t.desc != nil {
			size = len(t.desc.InfoBytes)
		}
		c.SendExtHandshake(size, "leecher "+Version)
	}
	if t.pm != nil && t.pm.Verified() > 0 {
		c.SendBitfield(t.pm.Bitfield())
	}
	return true
}

func (t *torrent) onDialed(ctx context.Context, r dialResult) {
	t.dialing--
	if r.err != nil {
		t.book.failed(r.addr, time.Now())
		t.log.WithError(r.err).WithField("peer", r.addr).Debug("dial failed")
		return
	}
	t.book.connected(r.addr)
	if !t.addConn(ctx, r.conn) {
		t.book.disconnected(r.addr, time.Now())
		return
	}
	t.origin[r.conn.Addr()] = r.addr
}

// dropPeer closes a connection and gives its outstanding requests back.
func (t *torrent) dropPeer(c *peerwire.Conn, reason string, err error) {
	addr := c.Addr()
	if t.peers[addr] != c {
		return
	}
	delete(t.peers, addr)
	c.Close()
	metrics.PeersConnected.Dec()
	metrics.DroppedConnections.WithLabelValues(reason).Inc()
	if t.sched != nil {
		t.sched.PeerGone(addr)
	}
	if t.meta != nil {
		t.meta.peerGone(addr)
	}
	if dial, ok := t.origin[addr]; ok {
		delete(t.origin, addr)
		t.book.disconnected(dial, time.Now())
	}
	log := t.log.WithFields(logrus.Fields{"peer": addr, "reason": reason})
	if err != nil {
		log = log.WithError(err)
	}
	log.Debug("peer dropped")
}

func (t *torrent) onInbound(ctx context.Context, in peerwire.Inbound) {
	c := in.Conn
	if t.peers[c.Addr()] != c {
		return
	}
	if in.Err != nil {
		reason := "closed"
		if fault.Is(in.Err, fault.Protocol) {
			reason = "protocol"
		}
		t.dropPeer(c, reason, in.Err)
		return
	}
	ev, err := c.Apply(in.Msg)
	if err != nil {
		t.dropPeer(c, "protocol", err)
		return
	}
	t.handle(ctx, c, ev)
	if t.peers[c.Addr()] != c {
		return
	}
	t.updateInterest(c)
	t.request(c, time.Now())
}

func (t *torrent) handle(ctx context.Context, c *peerwire.Conn, ev peerwire.Event) {
	addr := c.Addr()
	switch ev.Kind {
	case peerwire.EvChoke:
		if t.sched != nil {
			t.sched.Choked(addr)
		}
	case peerwire.EvInterested:
		if c.AmChoking && t.choker != nil && t.unchokedCount() < t.e.cfg.UnchokeSlots+1 {
			c.SendUnchoke()
		}
	case peerwire.EvNotInterested:
		if !c.AmChoking {
			c.SendChoke()
		}
	case peerwire.EvHave:
		if t.sched != nil {
			t.sched.PeerHave(addr, ev.Index)
		}
	case peerwire.EvBitfield:
		if t.sched != nil {
			t.sched.PeerBitfield(addr, c.Bitfield())
		}
	case peerwire.EvRequest:
		t.serveBlock(c, ev)
	case peerwire.EvPiece:
		t.onBlock(c, ev)
	case peerwire.EvExtHandshake:
		t.onExtHandshake(c)
	case peerwire.EvMetadata:
		t.onMetadata(ctx, c, ev.Metadata)
	}
}

// serveBlock uploads a requested block. Requests from peers we choke, or for
// pieces we do not have, are ignored.
func (t *torrent) serveBlock(c *peerwire.Conn, ev peerwire.Event) {
	if c.AmChoking || t.pm == nil || t.store == nil {
		return
	}
	if t.pm.Status(ev.Index) != piece.Verified {
		return
	}
	if ev.Begin < 0 || ev.Begin+ev.Length > t.pm.PieceLength(ev.Index) {
		t.dropPeer(c, "protocol", fault.Errorf(fault.Protocol, "peer "+c.Addr(), "request past end of piece %d", ev.Index))
		return
	}
	data, err := t.store.ReadBlock(ev.Index, ev.Begin, ev.Length)
	if err != nil {
		t.fail(err)
		return
	}
	if err := c.SendPiece(ev.Index, ev.Begin, data); err != nil {
		if errors.Is(err, peerwire.ErrQueueFull) {
			t.dropPeer(c, "closed", err)
		}
		return
	}
	t.uploaded += int64(len(data))
	metrics.UploadedBytes.Add(float64(len(data)))
}

func (t *torrent) onBlock(c *peerwire.Conn, ev peerwire.Event) {
	if t.pm == nil || t.sched == nil {
		return
	}
	addr := c.Addr()
	b, ok := t.pm.BlockIndex(ev.Begin)
	if !ok {
		t.dropPeer(c, "protocol", fault.Errorf(fault.Protocol, "peer "+addr, "block at unaligned offset %d", ev.Begin))
		return
	}
	accepted, err := t.pm.MarkReceived(ev.Index, b, ev.Data)
	if err != nil {
		t.dropPeer(c, "protocol", fault.New(fault.Protocol, "peer "+addr, err))
		return
	}
	for _, dup := range t.sched.Received(addr, ev.Index, ev.Begin) {
		if p := t.peers[dup.Peer]; p != nil {
			p.SendCancel(dup.Piece, dup.Begin, dup.Length)
		}
	}
	if !accepted {
		return
	}
	t.downloaded += int64(len(ev.Data))
	metrics.DownloadedBytes.Add(float64(len(ev.Data)))
	if t.pm.IsPieceComplete(ev.Index) {
		t.finishPiece(ev.Index)
	}
}

// finishPiece hashes a fully received piece and either persists it or throws
// it away for a retry.
func (t *torrent) finishPiece(i int) {
	last := t.pm.Verified() == t.pm.NumPieces()-1
	if last {
		t.setState(Verifying)
	}
	data := t.pm.PieceData(i)
	if !t.verifier.Verify(i, data) {
		t.pm.Reset(i)
		t.sched.PieceFailed(i)
		metrics.HashFailures.Inc()
		t.log.WithError(fault.Errorf(fault.Integrity, "verify", "piece %d hash mismatch", i)).Warn("discarding piece")
		if last {
			t.setState(Downloading)
		}
		return
	}
	if err := t.store.WritePiece(i, data); err != nil {
		t.fail(err)
		return
	}
	if err := t.pm.MarkVerified(i); err != nil {
		t.fail(err)
		return
	}
	t.sched.PieceVerified(i)
	t.publishDescriptor()
	metrics.PiecesVerified.Inc()
	for _, p := range t.peers {
		p.SendHave(i)
	}
	if t.pm.Done() {
		t.complete()
	}
}

// complete moves a finished torrent to seeding.
func (t *torrent) complete() {
	if err := t.store.Sync(); err != nil {
		t.fail(err)
		return
	}
	t.setState(Seeding)
	t.updateStats()
	t.saveResume()
	if t.announcer != nil {
		t.announcer.Completed()
	}
	t.log.Info("download complete")
	for _, c := range t.peers {
		if c.Bitfield() != nil && c.Bitfield().Complete(t.pm.NumPieces()) {
			t.dropPeer(c, "seeding", nil)
		} else if c.AmInterested {
			c.SendNotInterested()
		}
	}
}

// updateInterest keeps our interested flag in line with what the peer has.
func (t *torrent) updateInterest(c *peerwire.Conn) {
	if t.sched == nil {
		return
	}
	want := !t.pm.Done() && t.sched.Interesting(c.Addr())
	switch {
	case want && !c.AmInterested:
		c.SendInterested()
	case !want && c.AmInterested:
		c.SendNotInterested()
	}
}

func (t *torrent) request(c *peerwire.Conn, now time.Time) {
	if t.sched == nil || !c.AmInterested || t.state() != Downloading && t.state() != Verifying {
		return
	}
	for _, b := range t.sched.Next(c.Addr(), c.PeerChoking, now) {
		if err := c.SendRequest(b.Piece, b.Begin, b.Length); err != nil {
			t.sched.Cancelled(c.Addr(), b.Piece, b.Begin)
			return
		}
	}
}

func (t *torrent) requestAll(now time.Time) {
	for _, c := range t.peers {
		t.updateInterest(c)
		t.request(c, now)
	}
}

// dialMore starts outgoing connections while we are below the connection cap.
func (t *torrent) dialMore(ctx context.Context, now time.Time) {
	if t.state() == Seeding && t.pm != nil && t.pm.Done() {
		return
	}
	room := t.e.cfg.MaxConnections - len(t.peers) - t.dialing
	if room <= 0 {
		return
	}
	opts := peerwire.Options{Limits: t.e.limits, Logger: t.log}
	for _, addr := range t.book.ready(now, room) {
		t.dialing++
		addr := addr
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			c, err := peerwire.Dial(ctx, addr, t.id, t.e.peerID, opts)
			select {
			case t.dialed <- dialResult{addr: addr, conn: c, err: err}:
			case <-ctx.Done():
				if c != nil {
					c.Close()
				}
			}
		}()
	}
}
