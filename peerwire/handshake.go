package peerwire

import (
	"io"

	"github.com/pkg/errors"
)

const protocolID = "BitTorrent protocol"

// HandshakeLen is the fixed size of a handshake.
const HandshakeLen = 68

// Handshake is the first message in each direction.
//
// Handshake format:
//
//	1 byte: protocol identifier length (19)
//	19 bytes: "BitTorrent protocol"
//	8 bytes: reserved (extensions)
//	20 bytes: info_hash
//	20 bytes: peer_id
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake returns a handshake advertising the extension protocol.
func NewHandshake(infoHash, peerID [20]byte) Handshake {
	h := Handshake{InfoHash: infoHash, PeerID: peerID}
	h.Reserved[5] |= 0x10
	return h
}

// SupportsExtensions reports the BEP 10 reserved bit.
func (h Handshake) SupportsExtensions() bool {
	return h.Reserved[5]&0x10 != 0
}

func (h Handshake) Bytes() []byte {
	buf := make([]byte, HandshakeLen)
	buf[0] = byte(len(protocolID))
	copy(buf[1:20], protocolID)
	copy(buf[20:28], h.Reserved[:])
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerID[:])
	return buf
}

// errBadProtocol marks a handshake that is not BitTorrent at all.
var errBadProtocol = errors.New("invalid protocol identifier")

// ReadHandshake reads and validates the fixed part of a handshake. The
// info-hash is returned for the caller to check.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return h, err
	}
	if buf[0] != byte(len(protocolID)) || string(buf[1:20]) != protocolID {
		return h, errBadProtocol
	}
	copy(h.Reserved[:], buf[20:28])
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}
