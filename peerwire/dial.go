package peerwire

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Dial failure reasons. Use errors.Is to classify a Dial error.
var (
	ErrTimeout          = errors.New("peer timed out")
	ErrProtocolMismatch = errors.New("peer protocol mismatch")
	ErrRefused          = errors.New("peer refused connection")
)

// DialError carries the classified reason and the underlying error.
type DialError struct {
	Addr   string
	Reason error
	Err    error
}

func (e *DialError) Error() string {
	return e.Reason.Error() + ": " + e.Addr + ": " + e.Err.Error()
}

func (e *DialError) Is(target error) bool { return target == e.Reason }

func (e *DialError) Unwrap() error { return e.Err }

func classify(addr string, err error) error {
	reason := ErrRefused
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		reason = ErrTimeout
	case errors.Is(err, errBadProtocol):
		reason = ErrProtocolMismatch
	}
	return &DialError{Addr: addr, Reason: reason, Err: err}
}

// Dial connects to addr and performs the initiator side of the handshake.
func Dial(ctx context.Context, addr string, infoHash, peerID [20]byte, opts Options) (*Conn, error) {
	timeout := opts.timeout()
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classify(addr, err)
	}
	nc.SetDeadline(time.Now().Add(timeout))

	if _, err := nc.Write(NewHandshake(infoHash, peerID).Bytes()); err != nil {
		nc.Close()
		return nil, classify(addr, errors.Wrap(err, "handshake write failed"))
	}
	remote, err := ReadHandshake(nc)
	if err != nil {
		nc.Close()
		return nil, classify(addr, errors.Wrap(err, "handshake read failed"))
	}
	if remote.InfoHash != infoHash {
		nc.Close()
		return nil, &DialError{Addr: addr, Reason: ErrProtocolMismatch, Err: errors.New("info hash mismatch")}
	}

	// Clear deadline for normal operation
	nc.SetDeadline(time.Time{})
	return newConn(nc, remote, true, opts), nil
}

// Accept performs the responder side of the handshake on an incoming
// connection. lookup reports whether we serve the requested info-hash.
func Accept(nc net.Conn, peerID [20]byte, lookup func([20]byte) bool, opts Options) (*Conn, error) {
	addr := nc.RemoteAddr().String()
	nc.SetDeadline(time.Now().Add(opts.timeout()))

	remote, err := ReadHandshake(nc)
	if err != nil {
		nc.Close()
		return nil, classify(addr, errors.Wrap(err, "handshake read failed"))
	}
	if !lookup(remote.InfoHash) {
		nc.Close()
		return nil, &DialError{Addr: addr, Reason: ErrProtocolMismatch, Err: errors.Errorf("unknown info hash %x", remote.InfoHash)}
	}
	if _, err := nc.Write(NewHandshake(remote.InfoHash, peerID).Bytes()); err != nil {
		nc.Close()
		return nil, classify(addr, errors.Wrap(err, "handshake write failed"))
	}

	nc.SetDeadline(time.Time{})
	return newConn(nc, remote, false, opts), nil
}
