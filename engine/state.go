package engine

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// State is where a torrent is in its lifecycle.
type State int

const (
	Added State = iota
	FetchingMetadata
	Checking
	Downloading
	Verifying
	Seeding
	Paused
	Failed
)

func (s State) String() string {
	switch s {
	case Added:
		return "added"
	case FetchingMetadata:
		return "fetching metadata"
	case Checking:
		return "checking"
	case Downloading:
		return "downloading"
	case Verifying:
		return "verifying"
	case Seeding:
		return "seeding"
	case Paused:
		return "paused"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Active reports whether a torrent in this state has a running loop.
func (s State) Active() bool {
	return s != Paused && s != Failed
}

// Label renders the state for humans.
func Label(s State, peers int) string {
	switch s {
	case FetchingMetadata:
		return "Fetching torrent metadata from peers..."
	case Checking:
		return "Checking existing files for integrity..."
	case Downloading:
		return fmt.Sprintf("Downloading data from %d peers...", peers)
	case Seeding:
		return fmt.Sprintf("Seeding to %d peers", peers)
	}
	name := s.String()
	return strings.ToUpper(name[:1]) + name[1:]
}

// Handle identifies a torrent in the engine; it is the info-hash.
type Handle [20]byte

func (h Handle) String() string { return hex.EncodeToString(h[:]) }

// ParseHandle decodes a hex info-hash.
func ParseHandle(s string) (Handle, error) {
	var h Handle
	if len(s) != 2*len(h) {
		return h, errors.Errorf("invalid handle length %d", len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, errors.Wrap(err, "invalid handle")
	}
	return h, nil
}

// Status is a point-in-time snapshot of one torrent.
type Status struct {
	Handle   Handle
	InfoHash string
	Name     string
	SavePath string

	State State
	Label string
	Err   error

	// Fraction is verified bytes over total bytes.
	Fraction       float64
	TotalSize      int64
	PieceLength    int64
	Pieces         int
	VerifiedPieces int

	Peers        int
	KnownPeers   int     // addresses discovery has produced
	Availability float64 // distributed copies among connected peers
	Trackers     int
	DownloadRate float64
	UploadRate   float64
	Downloaded   int64
	Uploaded     int64
}

// Done reports whether every piece is verified.
func (s Status) Done() bool {
	return s.Pieces > 0 && s.VerifiedPieces == s.Pieces
}
