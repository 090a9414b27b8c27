// Package peerwire implements the BitTorrent peer wire protocol: the
// handshake, the length-prefixed message set, the extension protocol and the
// per-connection state a torrent loop needs.
package peerwire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Message types (peer wire protocol)
const (
	MsgChoke         byte = 0
	MsgUnchoke       byte = 1
	MsgInterested    byte = 2
	MsgNotInterested byte = 3
	MsgHave          byte = 4
	MsgBitfield      byte = 5
	MsgRequest       byte = 6
	MsgPiece         byte = 7
	MsgCancel        byte = 8
	MsgExtended      byte = 20
)

// MaxFrameSize bounds a single message. It leaves room for the bitfield of a
// torrent with millions of pieces.
const MaxFrameSize = 2 << 20

// MaxRequestLength is the largest block a remote peer may ask us for.
const MaxRequestLength = 128 * 1024

// Message is a decoded frame. A nil *Message is a keep-alive.
type Message struct {
	ID      byte
	Payload []byte
}

func msgName(id byte) string {
	switch id {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not-interested"
	case MsgHave:
		return "have"
	case MsgBitfield:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgPiece:
		return "piece"
	case MsgCancel:
		return "cancel"
	case MsgExtended:
		return "extended"
	}
	return "unknown"
}

// ReadMessage reads one frame. It returns (nil, nil) for a keep-alive.
func ReadMessage(r io.Reader) (*Message, error) {
	// Read 4-byte length prefix
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}

	// Keep-alive message (length = 0)
	if length == 0 {
		return nil, nil
	}
	if length > MaxFrameSize {
		return nil, errors.Errorf("frame of %d bytes exceeds limit", length)
	}

	msgData := make([]byte, length)
	if _, err := io.ReadFull(r, msgData); err != nil {
		return nil, err
	}
	return &Message{ID: msgData[0], Payload: msgData[1:]}, nil
}

// Encode serializes a message with its length prefix. A nil message encodes
// a keep-alive.
func (m *Message) Encode() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	buf := make([]byte, 5+len(m.Payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(m.Payload)))
	buf[4] = m.ID
	copy(buf[5:], m.Payload)
	return buf
}

// WriteMessage writes a single framed message.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := w.Write(m.Encode())
	return err
}

// NewHave builds a have message.
func NewHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: MsgHave, Payload: payload}
}

// NewRequest builds a request message; cancel shares the layout.
func NewRequest(index, begin, length int) *Message {
	return &Message{ID: MsgRequest, Payload: triple(index, begin, length)}
}

func NewCancel(index, begin, length int) *Message {
	return &Message{ID: MsgCancel, Payload: triple(index, begin, length)}
}

func NewPiece(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: MsgPiece, Payload: payload}
}

func triple(a, b, c int) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(a))
	binary.BigEndian.PutUint32(payload[4:8], uint32(b))
	binary.BigEndian.PutUint32(payload[8:12], uint32(c))
	return payload
}

// ParseHave returns the piece index of a have message.
func ParseHave(m *Message) (int, error) {
	if m.ID != MsgHave || len(m.Payload) != 4 {
		return 0, errors.Errorf("malformed have (id %d, %d bytes)", m.ID, len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// ParseRequest decodes a request or cancel message.
func ParseRequest(m *Message) (index, begin, length int, err error) {
	if (m.ID != MsgRequest && m.ID != MsgCancel) || len(m.Payload) != 12 {
		return 0, 0, 0, errors.Errorf("malformed %s (%d bytes)", msgName(m.ID), len(m.Payload))
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(m.Payload[8:12]))
	return index, begin, length, nil
}

// ParsePiece decodes a piece message. The returned block aliases the payload.
func ParsePiece(m *Message) (index, begin int, block []byte, err error) {
	if m.ID != MsgPiece || len(m.Payload) < 8 {
		return 0, 0, nil, errors.Errorf("malformed piece (%d bytes)", len(m.Payload))
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	return index, begin, m.Payload[8:], nil
}
