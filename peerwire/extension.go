package peerwire

import (
	"bytes"

	"github.com/anacrolix/torrent/bencode"
	"github.com/pkg/errors"
)

// ExtHandshakeID is the extended message id of the extension handshake.
const ExtHandshakeID = 0

// ExtMetadataName is the BEP 9 extension name.
const ExtMetadataName = "ut_metadata"

// LocalMetadataID is the id we ask peers to use when sending us ut_metadata.
const LocalMetadataID = 1

// MetadataPieceSize is the fixed ut_metadata piece size.
const MetadataPieceSize = 16 * 1024

// ut_metadata message types.
const (
	MetadataRequest = 0
	MetadataData    = 1
	MetadataReject  = 2
)

// ExtHandshake is the BEP 10 handshake dictionary.
type ExtHandshake struct {
	M            map[string]int `bencode:"m"`
	MetadataSize int            `bencode:"metadata_size,omitempty"`
	Version      string         `bencode:"v,omitempty"`
	Port         int            `bencode:"p,omitempty"`
	Reqq         int            `bencode:"reqq,omitempty"`
}

// MetadataMsg is a BEP 9 message header. Data carries the trailing piece
// bytes of a data message.
type MetadataMsg struct {
	Type      int    `bencode:"msg_type"`
	Piece     int    `bencode:"piece"`
	TotalSize int    `bencode:"total_size,omitempty"`
	Data      []byte `bencode:"-"`
}

// NewExtended wraps an extension payload.
func NewExtended(extID byte, payload []byte) *Message {
	buf := make([]byte, 1+len(payload))
	buf[0] = extID
	copy(buf[1:], payload)
	return &Message{ID: MsgExtended, Payload: buf}
}

// EncodeExtHandshake builds our extension handshake.
func EncodeExtHandshake(metadataSize int, version string) (*Message, error) {
	b, err := bencode.Marshal(ExtHandshake{
		M:            map[string]int{ExtMetadataName: LocalMetadataID},
		MetadataSize: metadataSize,
		Version:      version,
		Reqq:         250,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode extension handshake")
	}
	return NewExtended(ExtHandshakeID, b), nil
}

// EncodeMetadata builds a ut_metadata message for a peer that registered the
// extension under remoteID.
func EncodeMetadata(remoteID byte, m MetadataMsg) (*Message, error) {
	b, err := bencode.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encode ut_metadata")
	}
	return NewExtended(remoteID, append(b, m.Data...)), nil
}

// MetadataPieceLen returns the size of piece i of a metadata blob.
func MetadataPieceLen(totalSize, i int) int {
	n := totalSize - i*MetadataPieceSize
	if n > MetadataPieceSize {
		n = MetadataPieceSize
	}
	if n < 0 {
		return 0
	}
	return n
}

func decodeExtHandshake(payload []byte) (*ExtHandshake, error) {
	var h ExtHandshake
	if err := bencode.Unmarshal(payload, &h); err != nil {
		return nil, errors.Wrap(err, "decode extension handshake")
	}
	return &h, nil
}

func decodeMetadata(payload []byte) (*MetadataMsg, error) {
	var m MetadataMsg
	// Data messages carry the raw piece after the dictionary, so only the
	// leading value is decoded.
	if err := bencode.NewDecoder(bytes.NewReader(payload)).Decode(&m); err != nil {
		return nil, errors.Wrap(err, "decode ut_metadata")
	}
	if m.Type != MetadataData {
		return &m, nil
	}
	size := MetadataPieceLen(m.TotalSize, m.Piece)
	if m.TotalSize <= 0 || size == 0 || len(payload) < size {
		return nil, errors.Errorf("ut_metadata piece %d of %d bytes is malformed", m.Piece, m.TotalSize)
	}
	m.Data = payload[len(payload)-size:]
	return &m, nil
}
