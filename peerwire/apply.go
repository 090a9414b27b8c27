package peerwire

import (
	"github.com/pkg/errors"

	"github.com/mindsgn-studio/leecher/bitfield"
)

// EventKind says what a received message means to the torrent loop.
type EventKind int

const (
	EvNone EventKind = iota
	EvChoke
	EvUnchoke
	EvInterested
	EvNotInterested
	EvHave
	EvBitfield
	EvRequest
	EvPiece
	EvCancel
	EvExtHandshake
	EvMetadata
)

// Event is a decoded message. Index, Begin, Length and Data are set for the
// kinds that carry them.
type Event struct {
	Kind     EventKind
	Index    int
	Begin    int
	Length   int
	Data     []byte
	Metadata *MetadataMsg
}

// Apply updates the connection's flags and remote bitfield from msg and
// returns the event for the loop. Any error is a protocol violation and
// fatal to the connection.
func (c *Conn) Apply(msg *Message) (Event, error) {
	if msg == nil {
		return Event{Kind: EvNone}, nil
	}
	switch msg.ID {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested:
		if len(msg.Payload) != 0 {
			return Event{}, c.protocol(errors.Errorf("%s with %d byte payload", msgName(msg.ID), len(msg.Payload)))
		}
		switch msg.ID {
		case MsgChoke:
			c.PeerChoking = true
			return Event{Kind: EvChoke}, nil
		case MsgUnchoke:
			c.PeerChoking = false
			return Event{Kind: EvUnchoke}, nil
		case MsgInterested:
			c.PeerInterested = true
			return Event{Kind: EvInterested}, nil
		default:
			c.PeerInterested = false
			return Event{Kind: EvNotInterested}, nil
		}

	case MsgHave:
		index, err := ParseHave(msg)
		if err != nil {
			return Event{}, c.protocol(err)
		}
		if c.numPieces == 0 {
			if len(c.pendingHaves) >= MaxPendingHaves {
				return Event{}, c.protocol(errors.Errorf("more than %d haves before metadata", MaxPendingHaves))
			}
			c.pendingHaves = append(c.pendingHaves, index)
			return Event{Kind: EvNone}, nil
		}
		if index >= c.numPieces {
			return Event{}, c.protocol(errors.Errorf("have for piece %d of %d", index, c.numPieces))
		}
		c.have.Set(index)
		return Event{Kind: EvHave, Index: index}, nil

	case MsgBitfield:
		if c.numPieces == 0 {
			c.pendingField = append([]byte(nil), msg.Payload...)
			return Event{Kind: EvNone}, nil
		}
		bf, err := bitfield.Parse(msg.Payload, c.numPieces)
		if err != nil {
			return Event{}, c.protocol(err)
		}
		c.have = bf
		return Event{Kind: EvBitfield}, nil

	case MsgRequest, MsgCancel:
		index, begin, length, err := ParseRequest(msg)
		if err != nil {
			return Event{}, c.protocol(err)
		}
		if length <= 0 || length > MaxRequestLength {
			return Event{}, c.protocol(errors.Errorf("request of %d bytes", length))
		}
		if c.numPieces == 0 || index >= c.numPieces {
			return Event{}, c.protocol(errors.Errorf("%s for unknown piece %d", msgName(msg.ID), index))
		}
		kind := EvRequest
		if msg.ID == MsgCancel {
			kind = EvCancel
		}
		return Event{Kind: kind, Index: index, Begin: begin, Length: length}, nil

	case MsgPiece:
		index, begin, block, err := ParsePiece(msg)
		if err != nil {
			return Event{}, c.protocol(err)
		}
		if c.numPieces == 0 || index >= c.numPieces {
			return Event{}, c.protocol(errors.Errorf("piece message for unknown piece %d", index))
		}
		c.Down.Add(len(block))
		return Event{Kind: EvPiece, Index: index, Begin: begin, Length: len(block), Data: block}, nil

	case MsgExtended:
		if len(msg.Payload) < 1 {
			return Event{}, c.protocol(errors.New("empty extended message"))
		}
		switch msg.Payload[0] {
		case ExtHandshakeID:
			h, err := decodeExtHandshake(msg.Payload[1:])
			if err != nil {
				return Event{}, c.protocol(err)
			}
			c.ext = h
			return Event{Kind: EvExtHandshake}, nil
		case LocalMetadataID:
			m, err := decodeMetadata(msg.Payload[1:])
			if err != nil {
				return Event{}, c.protocol(err)
			}
			return Event{Kind: EvMetadata, Index: m.Piece, Metadata: m}, nil
		}
		return Event{Kind: EvNone}, nil
	}

	// Unknown ids belong to extensions we did not advertise.
	c.log.WithField("id", msg.ID).Debug("ignoring unknown message")
	return Event{Kind: EvNone}, nil
}
