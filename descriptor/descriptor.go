// Package descriptor builds immutable torrent descriptors from .torrent files,
// raw info dictionaries and magnet links.
package descriptor

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"

	"github.com/mindsgn-studio/leecher/fault"
)

// File is one file of the torrent. Path includes the torrent name for
// multi-file torrents.
type File struct {
	Path   []string
	Length int64
}

// RelPath joins the path components with the OS separator.
func (f File) RelPath() string { return filepath.Join(f.Path...) }

// MaxPieceLength is the largest piece length accepted. Pieces are assembled
// in memory.
const MaxPieceLength = 16 << 20

// Descriptor is everything needed to download a torrent. It is never mutated
// after construction.
type Descriptor struct {
	InfoHash    [20]byte
	Name        string
	PieceLength int64
	Pieces      [][20]byte
	Files       []File
	Trackers    [][]string
	InfoBytes   []byte
	TotalLength int64
	Private     bool
}

// NumPieces returns the piece count.
func (d *Descriptor) NumPieces() int { return len(d.Pieces) }

// HexHash returns the info-hash in lowercase hex.
func (d *Descriptor) HexHash() string { return hex.EncodeToString(d.InfoHash[:]) }

// TrackerURLs flattens the tracker tiers, dropping duplicates.
func (d *Descriptor) TrackerURLs() []string {
	return flatten(d.Trackers)
}

func flatten(tiers [][]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tier := range tiers {
		for _, u := range tier {
			if u != "" && !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	return out
}

// CleanPath trims whitespace and surrounding quotes, as left behind by
// drag-and-drop into a terminal.
func CleanPath(p string) string {
	return strings.Trim(strings.TrimSpace(p), `'"`)
}

// Load parses a .torrent file.
func Load(path string) (*Descriptor, error) {
	path = CleanPath(path)
	st, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		return nil, fault.Errorf(fault.Input, "load torrent", "path does not exist: %s", path)
	case err != nil:
		return nil, fault.New(fault.Input, "load torrent", err)
	case st.IsDir():
		return nil, fault.Errorf(fault.Input, "load torrent", "%s is a directory, not a .torrent file", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fault.New(fault.Input, "load torrent", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a bencoded metainfo document.
func Parse(r io.Reader) (*Descriptor, error) {
	mi, err := metainfo.Load(r)
	if err != nil {
		return nil, fault.New(fault.Input, "parse torrent", errors.Wrap(err, "failed to decode torrent"))
	}
	if len(mi.InfoBytes) == 0 {
		return nil, fault.Errorf(fault.Input, "parse torrent", "missing info dictionary")
	}
	trackers := mi.UpvertedAnnounceList()
	return FromInfo(mi.HashInfoBytes(), mi.InfoBytes, trackers)
}

// FromInfo builds a descriptor from a raw info dictionary, such as one fetched
// from peers for a magnet link. The dictionary must hash to infoHash.
func FromInfo(infoHash [20]byte, infoBytes []byte, trackers [][]string) (*Descriptor, error) {
	if sha1.Sum(infoBytes) != infoHash {
		return nil, fault.Errorf(fault.Input, "parse info", "info dictionary does not match info-hash %x", infoHash)
	}
	var info metainfo.Info
	if err := bencode.Unmarshal(infoBytes, &info); err != nil {
		return nil, fault.New(fault.Input, "parse info", errors.Wrap(err, "failed to decode info dictionary"))
	}

	d := &Descriptor{
		InfoHash:    infoHash,
		Name:        info.Name,
		PieceLength: info.PieceLength,
		InfoBytes:   bytes.Clone(infoBytes),
		Trackers:    trackers,
		Private:     info.Private != nil && *info.Private,
	}
	if err := d.fill(&info); err != nil {
		return nil, fault.New(fault.Input, "parse info", err)
	}
	return d, nil
}

func (d *Descriptor) fill(info *metainfo.Info) error {
	if d.Name == "" {
		return errors.New("torrent has no name")
	}
	if !safeComponent(d.Name) {
		return errors.Errorf("unsafe torrent name %q", d.Name)
	}
	if d.PieceLength <= 0 || d.PieceLength > MaxPieceLength {
		return errors.Errorf("invalid piece length %d", d.PieceLength)
	}
	if len(info.Pieces)%20 != 0 {
		return errors.Errorf("pieces field has %d bytes, not a multiple of 20", len(info.Pieces))
	}

	if len(info.Files) == 0 {
		d.Files = []File{{Path: []string{d.Name}, Length: info.Length}}
	} else {
		for _, fi := range info.Files {
			if len(fi.Path) == 0 {
				return errors.New("file with empty path")
			}
			for _, c := range fi.Path {
				if !safeComponent(c) {
					return errors.Errorf("unsafe path component %q", c)
				}
			}
			path := append([]string{d.Name}, fi.Path...)
			d.Files = append(d.Files, File{Path: path, Length: fi.Length})
		}
	}
	for _, f := range d.Files {
		if f.Length < 0 {
			return errors.Errorf("negative file length %d", f.Length)
		}
		d.TotalLength += f.Length
	}
	if d.TotalLength <= 0 {
		return errors.New("torrent has no data")
	}

	n := len(info.Pieces) / 20
	want := (d.TotalLength + d.PieceLength - 1) / d.PieceLength
	if int64(n) != want {
		return errors.Errorf("%d piece hashes for %d bytes at piece length %d", n, d.TotalLength, d.PieceLength)
	}
	d.Pieces = make([][20]byte, n)
	for i := range d.Pieces {
		copy(d.Pieces[i][:], info.Pieces[i*20:])
	}
	return nil
}

func safeComponent(c string) bool {
	return c != "" && c != "." && c != ".." && !strings.ContainsAny(c, `/\`) && !strings.ContainsRune(c, 0)
}
