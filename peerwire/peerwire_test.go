package peerwire

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindsgn-studio/leecher/bitfield"
	"github.com/mindsgn-studio/leecher/fault"
)

var (
	testHash = [20]byte{1, 2, 3}
	peerA    = [20]byte{'A'}
	peerB    = [20]byte{'B'}
)

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, NewRequest(3, 16384, 16384)))
	require.NoError(t, WriteMessage(&buf, nil))

	m, err := ReadMessage(&buf)
	require.NoError(t, err)
	index, begin, length, err := ParseRequest(m)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 16384, 16384}, []int{index, begin, length})

	m, err = ReadMessage(&buf)
	require.NoError(t, err)
	assert.Nil(t, m, "keep-alive")

	_, err = ReadMessage(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff, 0}))
	assert.Error(t, err)
}

func TestHandshakeBytes(t *testing.T) {
	h := NewHandshake(testHash, peerA)
	b := h.Bytes()
	require.Len(t, b, HandshakeLen)
	assert.Equal(t, byte(19), b[0])
	assert.Equal(t, "BitTorrent protocol", string(b[1:20]))

	got, err := ReadHandshake(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.True(t, got.SupportsExtensions())

	b[3] = 'x'
	_, err = ReadHandshake(bytes.NewReader(b))
	assert.Error(t, err)
}

func newTestConn(numPieces int) *Conn {
	a, b := net.Pipe()
	b.Close()
	c := newConn(a, Handshake{}, true, Options{})
	if numPieces > 0 {
		c.SetNumPieces(numPieces)
	}
	return c
}

func TestApplyFlagsAndBitfield(t *testing.T) {
	c := newTestConn(10)
	defer c.Close()
	assert.True(t, c.PeerChoking)

	ev, err := c.Apply(&Message{ID: MsgUnchoke})
	require.NoError(t, err)
	assert.Equal(t, EvUnchoke, ev.Kind)
	assert.False(t, c.PeerChoking)

	_, err = c.Apply(&Message{ID: MsgInterested})
	require.NoError(t, err)
	assert.True(t, c.PeerInterested)

	ev, err = c.Apply(&Message{ID: MsgBitfield, Payload: []byte{0x80, 0x40}})
	require.NoError(t, err)
	assert.Equal(t, EvBitfield, ev.Kind)
	assert.True(t, c.HasPiece(0))
	assert.True(t, c.HasPiece(9))

	ev, err = c.Apply(NewHave(4))
	require.NoError(t, err)
	assert.Equal(t, 4, ev.Index)
	assert.True(t, c.HasPiece(4))
}

func TestApplyRejectsMalformed(t *testing.T) {
	c := newTestConn(10)
	defer c.Close()

	for name, msg := range map[string]*Message{
		"have out of range":  NewHave(10),
		"short have":         {ID: MsgHave, Payload: []byte{1}},
		"bad bitfield":       {ID: MsgBitfield, Payload: []byte{0xff}},
		"oversized request":  NewRequest(0, 0, MaxRequestLength+1),
		"short piece":        {ID: MsgPiece, Payload: []byte{0, 0}},
		"choke with payload": {ID: MsgChoke, Payload: []byte{1}},
	} {
		_, err := c.Apply(msg)
		assert.True(t, fault.Is(err, fault.Protocol), name)
	}
}

func TestBitfieldBeforeMetadata(t *testing.T) {
	c := newTestConn(0)
	defer c.Close()

	ev, err := c.Apply(&Message{ID: MsgBitfield, Payload: []byte{0xc0}})
	require.NoError(t, err)
	assert.Equal(t, EvNone, ev.Kind)
	_, err = c.Apply(NewHave(5))
	require.NoError(t, err)

	require.NoError(t, c.SetNumPieces(6))
	assert.Equal(t, []int{0, 1, 5}, c.Bitfield().Indexes())
}

func TestHavesBeforeMetadataAreBounded(t *testing.T) {
	c := newTestConn(0)
	defer c.Close()

	for i := 0; i < MaxPendingHaves; i++ {
		_, err := c.Apply(NewHave(i))
		require.NoError(t, err)
	}
	_, err := c.Apply(NewHave(0))
	assert.True(t, fault.Is(err, fault.Protocol))
}

func TestMetadataMessages(t *testing.T) {
	c := newTestConn(0)
	defer c.Close()

	h, err := EncodeExtHandshake(20000, "leecher")
	require.NoError(t, err)
	_, err = c.Apply(h)
	require.NoError(t, err)
	id, ok := c.MetadataID()
	require.True(t, ok)
	assert.Equal(t, LocalMetadataID, id)
	assert.Equal(t, 20000, c.MetadataSize())

	tail := bytes.Repeat([]byte{7}, 20000-MetadataPieceSize)
	m, err := EncodeMetadata(LocalMetadataID, MetadataMsg{Type: MetadataData, Piece: 1, TotalSize: 20000, Data: tail})
	require.NoError(t, err)
	ev, err := c.Apply(m)
	require.NoError(t, err)
	require.Equal(t, EvMetadata, ev.Kind)
	assert.Equal(t, 1, ev.Metadata.Piece)
	assert.Equal(t, tail, ev.Metadata.Data)
}

func TestDialAndExchange(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan *Conn, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		c, err := Accept(nc, peerB, func(h [20]byte) bool { return h == testHash }, Options{})
		if err == nil {
			accepted <- c
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := Dial(ctx, ln.Addr().String(), testHash, peerA, Options{Timeout: time.Second})
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, peerB, a.RemoteID())

	var b *Conn
	select {
	case b = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("no incoming connection")
	}
	defer b.Close()
	assert.Equal(t, testHash, b.InfoHash())

	inbox := make(chan Inbound, 4)
	a.Start(ctx, make(chan Inbound, 4))
	b.Start(ctx, inbox)
	require.NoError(t, a.SendInterested())

	select {
	case in := <-inbox:
		require.NoError(t, in.Err)
		ev, err := in.Conn.Apply(in.Msg)
		require.NoError(t, err)
		assert.Equal(t, EvInterested, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}

	a.Close()
	select {
	case in := <-inbox:
		assert.Error(t, in.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
}

func TestDialClassification(t *testing.T) {
	ctx := context.Background()

	// closed port
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	_, err = Dial(ctx, addr, testHash, peerA, Options{Timeout: time.Second})
	assert.True(t, errors.Is(err, ErrRefused), "%v", err)

	// silent peer
	silent, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()
	go func() {
		nc, err := silent.Accept()
		if err == nil {
			defer nc.Close()
			time.Sleep(time.Second)
		}
	}()
	_, err = Dial(ctx, silent.Addr().String(), testHash, peerA, Options{Timeout: 100 * time.Millisecond})
	assert.True(t, errors.Is(err, ErrTimeout), "%v", err)

	// wrong torrent
	wrong, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer wrong.Close()
	go func() {
		nc, err := wrong.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		ReadHandshake(nc)
		nc.Write(NewHandshake([20]byte{9}, peerB).Bytes())
		time.Sleep(100 * time.Millisecond)
	}()
	_, err = Dial(ctx, wrong.Addr().String(), testHash, peerA, Options{Timeout: time.Second})
	assert.True(t, errors.Is(err, ErrProtocolMismatch), "%v", err)
}

func TestBitfieldMessageCopies(t *testing.T) {
	c := newTestConn(0)
	defer c.Close()
	bf := bitfield.New(8)
	require.NoError(t, c.SendBitfield(bf))
	bf.Set(0)
	frame := <-c.sendq
	assert.Equal(t, byte(0), frame[5])
}
