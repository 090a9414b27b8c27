// Package storage maps torrent byte ranges onto sparse files on disk.
package storage

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/mindsgn-studio/leecher/fault"
)

// File is one file of the torrent, relative to the save path.
type File struct {
	Path   string
	Length int64
}

// Span is the part of a byte range that falls into one file.
type Span struct {
	File   int
	Offset int64
	Length int64
}

// Store handles disk I/O for one torrent. Handles are exclusive to the torrent
// that opened them.
type Store struct {
	root        string
	files       []File
	handles     []*os.File
	starts      []int64
	existed     []bool
	pieceLength int64
	total       int64
	closed      bool
}

// Open creates the directory tree and pre-sizes every file with Truncate so
// the filesystem can keep it sparse. Files that were already present are left
// in place and reported by Existed.
func Open(root string, files []File, pieceLength int64) (*Store, error) {
	if pieceLength <= 0 {
		return nil, fault.Errorf(fault.Storage, "open", "piece length %d", pieceLength)
	}
	s := &Store{
		root:        root,
		files:       files,
		handles:     make([]*os.File, len(files)),
		starts:      make([]int64, len(files)),
		existed:     make([]bool, len(files)),
		pieceLength: pieceLength,
	}

	// Create download directory
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fault.New(fault.Storage, "open", errors.Wrap(err, "failed to create download directory"))
	}

	for i, f := range files {
		s.starts[i] = s.total
		s.total += f.Length

		if !filepath.IsLocal(f.Path) {
			s.Close()
			return nil, fault.Errorf(fault.Storage, "open", "file path %q escapes the save path", f.Path)
		}
		path := filepath.Join(root, f.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			s.Close()
			return nil, fault.New(fault.Storage, "open", errors.Wrap(err, "failed to create directory"))
		}

		st, statErr := os.Stat(path)
		s.existed[i] = statErr == nil && st.Size() > 0

		file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			s.Close()
			return nil, fault.New(fault.Storage, "open", errors.Wrap(err, "failed to create file"))
		}
		s.handles[i] = file

		// Allocate sparse file using truncate
		if statErr != nil || st.Size() != f.Length {
			if err := file.Truncate(f.Length); err != nil {
				s.Close()
				return nil, fault.New(fault.Storage, "open", errors.Wrap(err, "failed to allocate file"))
			}
		}
	}
	return s, nil
}

// Root returns the save path.
func (s *Store) Root() string { return s.root }

// Files returns the file list.
func (s *Store) Files() []File { return s.files }

// TotalLength is the sum of all file lengths.
func (s *Store) TotalLength() int64 { return s.total }

// Existed reports whether file i had data before Open.
func (s *Store) Existed(i int) bool { return s.existed[i] }

// Spans maps [offset, offset+length) onto files, crossing file boundaries as
// needed. Zero-length files never appear.
func (s *Store) Spans(offset, length int64) []Span {
	if length <= 0 || offset < 0 || offset >= s.total {
		return nil
	}
	if offset+length > s.total {
		length = s.total - offset
	}
	// first file whose end is past offset
	i := sort.Search(len(s.files), func(i int) bool {
		return s.starts[i]+s.files[i].Length > offset
	})
	var spans []Span
	for ; i < len(s.files) && length > 0; i++ {
		f := s.files[i]
		if f.Length == 0 {
			continue
		}
		in := offset - s.starts[i]
		n := f.Length - in
		if n > length {
			n = length
		}
		spans = append(spans, Span{File: i, Offset: in, Length: n})
		offset += n
		length -= n
	}
	return spans
}

// BlockSpans maps a block of a piece onto files.
func (s *Store) BlockSpans(index, begin, length int) []Span {
	return s.Spans(int64(index)*s.pieceLength+int64(begin), int64(length))
}

// PieceFiles returns the indexes of the files piece index touches.
func (s *Store) PieceFiles(index int) []int {
	var out []int
	for _, sp := range s.Spans(int64(index)*s.pieceLength, s.pieceLength) {
		out = append(out, sp.File)
	}
	return out
}

// Write stores data, which must be exactly span.Length bytes.
func (s *Store) Write(span Span, data []byte) error {
	if int64(len(data)) != span.Length {
		return fault.Errorf(fault.Storage, "write", "span of %d bytes given %d", span.Length, len(data))
	}
	if _, err := s.handles[span.File].WriteAt(data, span.Offset); err != nil {
		return fault.New(fault.Storage, "write "+s.files[span.File].Path, err)
	}
	return nil
}

// Read returns the bytes of a span.
func (s *Store) Read(span Span) ([]byte, error) {
	buf := make([]byte, span.Length)
	if _, err := s.handles[span.File].ReadAt(buf, span.Offset); err != nil {
		return nil, fault.New(fault.Storage, "read "+s.files[span.File].Path, err)
	}
	return buf, nil
}

// WriteAt writes p at a torrent-wide offset.
func (s *Store) WriteAt(p []byte, off int64) (int, error) {
	if !s.inRange(off, len(p)) {
		return 0, fault.Errorf(fault.Storage, "write", "range %d+%d is outside the torrent", off, len(p))
	}
	spans := s.Spans(off, int64(len(p)))
	n := 0
	for _, sp := range spans {
		if err := s.Write(sp, p[n:n+int(sp.Length)]); err != nil {
			return n, err
		}
		n += int(sp.Length)
	}
	return n, nil
}

// ReadAt reads len(p) bytes at a torrent-wide offset.
func (s *Store) ReadAt(p []byte, off int64) (int, error) {
	if !s.inRange(off, len(p)) {
		return 0, fault.Errorf(fault.Storage, "read", "range %d+%d is outside the torrent", off, len(p))
	}
	spans := s.Spans(off, int64(len(p)))
	n := 0
	for _, sp := range spans {
		if _, err := s.handles[sp.File].ReadAt(p[n:n+int(sp.Length)], sp.Offset); err != nil {
			return n, fault.New(fault.Storage, "read "+s.files[sp.File].Path, err)
		}
		n += int(sp.Length)
	}
	return n, nil
}

func (s *Store) inRange(off int64, n int) bool {
	return off >= 0 && off+int64(n) <= s.total
}

// WritePiece writes a verified piece to the appropriate file(s).
func (s *Store) WritePiece(index int, data []byte) error {
	_, err := s.WriteAt(data, int64(index)*s.pieceLength)
	return err
}

// ReadBlock reads a block of a piece, e.g. to serve a peer request or to
// re-hash a piece during checking.
func (s *Store) ReadBlock(index, begin, length int) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := s.ReadAt(buf, int64(index)*s.pieceLength+int64(begin)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Sync flushes every file.
func (s *Store) Sync() error {
	for i, f := range s.handles {
		if f == nil {
			continue
		}
		if err := f.Sync(); err != nil {
			return fault.New(fault.Storage, "sync "+s.files[i].Path, err)
		}
	}
	return nil
}

// Close closes all file handles.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var first error
	for i, f := range s.handles {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && first == nil {
			first = fault.New(fault.Storage, "close "+s.files[i].Path, err)
		}
	}
	return first
}

// RemoveAll closes the store and deletes its files.
func (s *Store) RemoveAll() error {
	s.Close()
	return Remove(s.root, s.files)
}

// Remove deletes the files of a torrent that is not open. Missing files are
// skipped.
func Remove(root string, files []File) error {
	for _, f := range files {
		path := filepath.Join(root, f.Path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fault.New(fault.Storage, "remove", err)
		}
	}
	return nil
}
