// Package fault classifies engine failures by how far they are allowed to
// propagate.
package fault

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the class of a failure.
type Kind int

const (
	// Unknown is returned by KindOf for errors that carry no classification.
	Unknown Kind = iota
	// Input covers bad descriptor paths, malformed magnets and unreadable
	// torrent files. It aborts the add-torrent call only.
	Input
	// Protocol covers malformed peer messages and handshake mismatches. It
	// drops the offending connection.
	Protocol
	// Integrity is a piece hash mismatch. The piece is reset.
	Integrity
	// Storage covers disk full and permission errors. It fails the torrent.
	Storage
	// Resume covers corrupt or missing resume files. It is never fatal.
	Resume
)

func (k Kind) String() string {
	switch k {
	case Input:
		return "input"
	case Protocol:
		return "protocol"
	case Integrity:
		return "integrity"
	case Storage:
		return "storage"
	case Resume:
		return "resume"
	default:
		return "unknown"
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Cause lets errors.Cause walk through the classification.
func (e *Error) Cause() error { return e.Err }

// New classifies err. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
