// Package resume persists fast-resume records, one bencoded file per torrent.
package resume

import (
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/anacrolix/torrent/bencode"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mindsgn-studio/leecher/bitfield"
	"github.com/mindsgn-studio/leecher/fault"
)

// Ext is the resume file suffix.
const Ext = ".fastresume"

// Record is the persisted state of one torrent.
type Record struct {
	InfoHash   string     `bencode:"info-hash"`
	Name       string     `bencode:"name"`
	SavePath   string     `bencode:"save-path"`
	NumPieces  int        `bencode:"num-pieces"`
	Pieces     []byte     `bencode:"pieces"`
	Peers      []string   `bencode:"peers,omitempty"`
	Trackers   [][]string `bencode:"trackers,omitempty"`
	Info       []byte     `bencode:"info,omitempty"`
	Uploaded   int64      `bencode:"uploaded"`
	Downloaded int64      `bencode:"downloaded"`
}

// Bitfield returns the verified pieces.
func (r *Record) Bitfield() bitfield.Bitfield { return bitfield.Bitfield(r.Pieces) }

// Store keeps resume files in one directory.
type Store struct {
	dir string
	log logrus.FieldLogger
}

// NewStore creates dir if needed.
func NewStore(dir string, log logrus.FieldLogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fault.New(fault.Resume, "open resume dir", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{dir: dir, log: log}, nil
}

// Dir returns the resume directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the file a torrent's record lives in.
func (s *Store) Path(id [20]byte) string {
	return filepath.Join(s.dir, hex.EncodeToString(id[:])+Ext)
}

// Save writes r atomically: a temp file in the same directory is synced and
// renamed over the previous record.
func (s *Store) Save(id [20]byte, r *Record) error {
	r.InfoHash = hex.EncodeToString(id[:])
	b, err := bencode.Marshal(r)
	if err != nil {
		return fault.New(fault.Resume, "encode", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".fastresume-*")
	if err != nil {
		return fault.New(fault.Resume, "save", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fault.New(fault.Resume, "save", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fault.New(fault.Resume, "save", err)
	}
	if err := tmp.Close(); err != nil {
		return fault.New(fault.Resume, "save", err)
	}
	if err := os.Rename(tmp.Name(), s.Path(id)); err != nil {
		return fault.New(fault.Resume, "save", err)
	}
	return nil
}

// Load returns the stored record. A missing, unreadable or inconsistent file
// is reported as absent.
func (s *Store) Load(id [20]byte) (*Record, bool) {
	r, err := s.load(id)
	if err != nil {
		if !os.IsNotExist(errors.Cause(err)) {
			s.log.WithError(err).WithField("infohash", hex.EncodeToString(id[:])).Debug("ignoring resume data")
		}
		return nil, false
	}
	return r, true
}

func (s *Store) load(id [20]byte) (*Record, error) {
	b, err := os.ReadFile(s.Path(id))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var r Record
	if err := bencode.Unmarshal(b, &r); err != nil {
		return nil, fault.New(fault.Resume, "decode", err)
	}
	if r.InfoHash != hex.EncodeToString(id[:]) {
		return nil, fault.Errorf(fault.Resume, "decode", "record is for %s", r.InfoHash)
	}
	if r.NumPieces < 0 {
		return nil, fault.Errorf(fault.Resume, "decode", "negative piece count")
	}
	if _, err := bitfield.Parse(r.Pieces, r.NumPieces); err != nil {
		return nil, fault.New(fault.Resume, "decode", err)
	}
	return &r, nil
}

// Delete removes a torrent's record. A missing file is not an error.
func (s *Store) Delete(id [20]byte) error {
	if err := os.Remove(s.Path(id)); err != nil && !os.IsNotExist(err) {
		return fault.New(fault.Resume, "delete", err)
	}
	return nil
}
