package peerwire

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mindsgn-studio/leecher/bitfield"
	"github.com/mindsgn-studio/leecher/fault"
)

const (
	// KeepAliveTimeout drops a connection that has been silent this long.
	KeepAliveTimeout = 2 * time.Minute
	// KeepAliveInterval is how often the loop sends keep-alives.
	KeepAliveInterval = 90 * time.Second

	writeTimeout     = 30 * time.Second
	defaultQueueSize = 512
)

var (
	ErrClosed              = errors.New("connection closed")
	ErrQueueFull           = errors.New("send queue full")
	ErrNoMetadataExtension = errors.New("peer does not support ut_metadata")
)

// MaxPendingHaves bounds the have messages kept while the piece count is
// still unknown.
const MaxPendingHaves = 1 << 16

// Options tune a connection.
type Options struct {
	Timeout   time.Duration
	Limits    *Limits
	QueueSize int
	Logger    logrus.FieldLogger
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return 10 * time.Second
	}
	return o.Timeout
}

// Inbound is what the connection goroutines hand to the owning loop: either a
// message or the error that ended the connection.
type Inbound struct {
	Conn *Conn
	Msg  *Message
	Err  error
}

// Conn is one live peer connection. The exported flags and the remote
// bitfield are only touched by the owning loop through Apply and the Send
// methods; the reader and writer goroutines never look at them.
type Conn struct {
	nc       net.Conn
	addr     string
	outgoing bool
	remote   Handshake
	log      logrus.FieldLogger

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	numPieces    int
	have         bitfield.Bitfield
	pendingField []byte
	pendingHaves []int
	ext          *ExtHandshake

	Down Meter
	Up   Meter

	limits    *Limits
	sendq     chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func newConn(nc net.Conn, remote Handshake, outgoing bool, opts Options) *Conn {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	addr := nc.RemoteAddr().String()
	return &Conn{
		nc:          nc,
		addr:        addr,
		outgoing:    outgoing,
		remote:      remote,
		log:         log.WithField("peer", addr),
		AmChoking:   true,
		PeerChoking: true,
		limits:      opts.Limits,
		sendq:       make(chan []byte, size),
		done:        make(chan struct{}),
	}
}

// Addr is the remote address; it doubles as the peer key in a torrent.
func (c *Conn) Addr() string { return c.addr }

// Outgoing reports whether we dialed the peer.
func (c *Conn) Outgoing() bool { return c.outgoing }

// InfoHash is the torrent the handshake was for.
func (c *Conn) InfoHash() [20]byte { return c.remote.InfoHash }

// RemoteID is the peer id sent by the remote side.
func (c *Conn) RemoteID() [20]byte { return c.remote.PeerID }

// SupportsExtensions reports the BEP 10 bit from the remote handshake.
func (c *Conn) SupportsExtensions() bool { return c.remote.SupportsExtensions() }

// Ext returns the remote extension handshake, if any was received.
func (c *Conn) Ext() *ExtHandshake { return c.ext }

// Bitfield is the remote peer's pieces. It is nil until the piece count is
// known.
func (c *Conn) Bitfield() bitfield.Bitfield { return c.have }

// HasPiece returns whether the peer has a specific piece
func (c *Conn) HasPiece(index int) bool { return c.have.Has(index) }

// Start launches the reader and writer goroutines. Messages and the final
// error are delivered on inbox.
func (c *Conn) Start(ctx context.Context, inbox chan<- Inbound) {
	go c.readLoop(ctx, inbox)
	go c.writeLoop(ctx)
}

func (c *Conn) readLoop(ctx context.Context, inbox chan<- Inbound) {
	for {
		c.nc.SetReadDeadline(time.Now().Add(KeepAliveTimeout))
		msg, err := ReadMessage(c.nc)
		if err != nil {
			if cerr := c.Err(); cerr != nil {
				err = cerr
			}
			c.deliver(ctx, inbox, Inbound{Conn: c, Err: err})
			c.Close()
			return
		}
		if msg == nil {
			continue
		}
		if msg.ID == MsgPiece && c.limits != nil {
			if err := wait(ctx, c.limits.Download, len(msg.Payload)-8); err != nil {
				c.Close()
				return
			}
		}
		if !c.deliver(ctx, inbox, Inbound{Conn: c, Msg: msg}) {
			return
		}
	}
}

func (c *Conn) deliver(ctx context.Context, inbox chan<- Inbound, in Inbound) bool {
	select {
	case inbox <- in:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case frame := <-c.sendq:
			if len(frame) > 4 && frame[4] == MsgPiece && c.limits != nil {
				if err := wait(ctx, c.limits.Upload, len(frame)-13); err != nil {
					c.Close()
					return
				}
			}
			c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := c.nc.Write(frame); err != nil {
				c.fail(errors.Wrap(err, "write"))
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			c.Close()
			return
		}
	}
}

// fail records err and closes the socket; the reader reports it.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.nc.Close()
}

// Err returns the first send-side failure.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears the connection down. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.nc.Close()
	})
	return err
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) send(m *Message) error {
	if c.Closed() {
		return ErrClosed
	}
	select {
	case c.sendq <- m.Encode():
		return nil
	default:
		c.fail(ErrQueueFull)
		return ErrQueueFull
	}
}

// SendKeepAlive queues a zero-length frame.
func (c *Conn) SendKeepAlive() error { return c.send(nil) }

// SendInterested sends an interested message
func (c *Conn) SendInterested() error {
	c.AmInterested = true
	return c.send(&Message{ID: MsgInterested})
}

// SendNotInterested sends a not interested message
func (c *Conn) SendNotInterested() error {
	c.AmInterested = false
	return c.send(&Message{ID: MsgNotInterested})
}

func (c *Conn) SendChoke() error {
	c.AmChoking = true
	return c.send(&Message{ID: MsgChoke})
}

// SendUnchoke sends an unchoke message
func (c *Conn) SendUnchoke() error {
	c.AmChoking = false
	return c.send(&Message{ID: MsgUnchoke})
}

// SendHave announces that we have a piece
func (c *Conn) SendHave(index int) error { return c.send(NewHave(index)) }

func (c *Conn) SendBitfield(bf bitfield.Bitfield) error {
	return c.send(&Message{ID: MsgBitfield, Payload: bf.Clone()})
}

// SendRequest requests a block of a piece
func (c *Conn) SendRequest(index, begin, length int) error {
	return c.send(NewRequest(index, begin, length))
}

func (c *Conn) SendCancel(index, begin, length int) error {
	return c.send(NewCancel(index, begin, length))
}

// SendPiece uploads a block and counts it.
func (c *Conn) SendPiece(index, begin int, block []byte) error {
	if err := c.send(NewPiece(index, begin, block)); err != nil {
		return err
	}
	c.Up.Add(len(block))
	return nil
}

// SendExtHandshake advertises ut_metadata and, when known, the metadata size.
func (c *Conn) SendExtHandshake(metadataSize int, version string) error {
	m, err := EncodeExtHandshake(metadataSize, version)
	if err != nil {
		return err
	}
	return c.send(m)
}

// SendMetadata sends a ut_metadata message using the id the peer registered.
func (c *Conn) SendMetadata(m MetadataMsg) error {
	id, ok := c.MetadataID()
	if !ok {
		return ErrNoMetadataExtension
	}
	msg, err := EncodeMetadata(byte(id), m)
	if err != nil {
		return err
	}
	return c.send(msg)
}

// MetadataID returns the remote ut_metadata id.
func (c *Conn) MetadataID() (int, bool) {
	if c.ext == nil {
		return 0, false
	}
	id, ok := c.ext.M[ExtMetadataName]
	return id, ok && id > 0
}

// MetadataSize returns the metadata size the peer advertised.
func (c *Conn) MetadataSize() int {
	if c.ext == nil {
		return 0
	}
	return c.ext.MetadataSize
}

// Tick advances the rate meters.
func (c *Conn) Tick(now time.Time) {
	c.Down.Tick(now)
	c.Up.Tick(now)
}

// SetNumPieces fixes the piece count once metadata is known and validates a
// bitfield or haves that arrived before it.
func (c *Conn) SetNumPieces(n int) error {
	c.numPieces = n
	if c.have == nil {
		c.have = bitfield.New(n)
	}
	if c.pendingField != nil {
		bf, err := bitfield.Parse(c.pendingField, n)
		c.pendingField = nil
		if err != nil {
			return c.protocol(err)
		}
		c.have = bf
	}
	for _, i := range c.pendingHaves {
		if i >= n {
			return c.protocol(errors.Errorf("have for piece %d of %d", i, n))
		}
		c.have.Set(i)
	}
	c.pendingHaves = nil
	return nil
}

func (c *Conn) protocol(err error) error {
	return fault.New(fault.Protocol, "peer "+c.addr, err)
}
