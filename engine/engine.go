// Package engine runs torrents: one loop per torrent owns its piece map,
// scheduler, choker and peers, and the Engine ties them to a shared listener,
// DHT node, rate limits and resume store.
package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mindsgn-studio/leecher/config"
	"github.com/mindsgn-studio/leecher/descriptor"
	"github.com/mindsgn-studio/leecher/discovery"
	"github.com/mindsgn-studio/leecher/fault"
	"github.com/mindsgn-studio/leecher/peerwire"
	"github.com/mindsgn-studio/leecher/resume"
	"github.com/mindsgn-studio/leecher/storage"
	"github.com/mindsgn-studio/leecher/tracker"
)

// Version is sent in the extension handshake.
const Version = "0.1.0"

var (
	ErrNotFound     = errors.New("torrent not found")
	ErrAlreadyAdded = errors.New("torrent already added")
	ErrClosed       = errors.New("engine closed")
	ErrNotStarted   = errors.New("engine not started")
	ErrFailed       = errors.New("torrent failed")
)

// ResumeHint says whether a stored resume record should be used.
type ResumeHint int

const (
	ResumeAuto ResumeHint = iota
	ResumeIgnore
)

// Spec describes a torrent to add. Exactly one of Descriptor and Magnet is
// set.
type Spec struct {
	Descriptor *descriptor.Descriptor
	Magnet     *descriptor.Magnet
	// Source is the .torrent path or magnet URI remembered in the catalog.
	Source   string
	SavePath string
	Resume   ResumeHint
	// Peers are dialed in addition to whatever discovery finds.
	Peers  []string
	Paused bool
}

func (s Spec) infoHash() [20]byte {
	if s.Descriptor != nil {
		return s.Descriptor.InfoHash
	}
	return s.Magnet.InfoHash
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = log }
}

// WithTrackerClient replaces the HTTP/UDP announce client.
func WithTrackerClient(c tracker.Client) Option {
	return func(e *Engine) { e.trackers = c }
}

// WithSources adds peer sources used for every torrent.
func WithSources(sources ...discovery.Source) Option {
	return func(e *Engine) { e.sources = append(e.sources, sources...) }
}

// WithCatalog uses an already open catalog instead of cfg.CatalogPath.
func WithCatalog(c *Catalog) Option {
	return func(e *Engine) { e.catalog = c }
}

// Engine is the session: everything shared by the torrents it runs.
type Engine struct {
	cfg      config.Config
	log      logrus.FieldLogger
	peerID   [20]byte
	limits   *peerwire.Limits
	resume   *resume.Store
	catalog  *Catalog
	trackers tracker.Client
	dht      *discovery.DHT
	sources  []discovery.Source

	mu       sync.Mutex
	torrents map[[20]byte]*torrent
	order    [][20]byte
	ctx      context.Context
	cancel   context.CancelFunc
	ln       net.Listener
	port     int
	closed   bool
	wg       sync.WaitGroup
}

// New builds a session from cfg. Nothing touches the network until Start.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	e := &Engine{
		cfg:      cfg,
		log:      logrus.StandardLogger(),
		torrents: make(map[[20]byte]*torrent),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.trackers == nil {
		e.trackers = tracker.NewClient()
	}

	copy(e.peerID[:8], []byte("-LE0010-"))
	if _, err := rand.Read(e.peerID[8:]); err != nil {
		return nil, errors.Wrap(err, "generate peer id")
	}
	e.limits = peerwire.NewLimits(cfg.DownloadRateLimit, cfg.UploadRateLimit)

	rs, err := resume.NewStore(cfg.ResumePath(), e.log)
	if err != nil {
		return nil, err
	}
	e.resume = rs

	if e.catalog == nil && cfg.CatalogPath != "" {
		c, err := OpenCatalog(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
		e.catalog = c
	}
	if cfg.DHT.Enabled {
		e.dht = discovery.NewDHT(discovery.DHTConfig{
			Port:           cfg.DHT.Port,
			BootstrapNodes: cfg.DHT.BootstrapNodes,
		}, e.log)
	}
	return e, nil
}

// PeerID returns the id we send in handshakes.
func (e *Engine) PeerID() [20]byte { return e.peerID }

// Port returns the bound listen port, or 0 before Start.
func (e *Engine) Port() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.port
}

// Config returns the session settings.
func (e *Engine) Config() config.Config { return e.cfg }

// SetRateLimits changes the global caps; 0 means unlimited.
func (e *Engine) SetRateLimits(download, upload int64) {
	e.limits.SetDownload(download)
	e.limits.SetUpload(upload)
}

// Start binds the first free port of the listen range and starts the DHT
// node. A DHT failure is logged and the session continues without it.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.ctx != nil {
		return nil
	}

	ln, err := listen(e.cfg.ListenPorts)
	if err != nil {
		return err
	}
	e.ln = ln
	e.port = ln.Addr().(*net.TCPAddr).Port
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.log.WithField("port", e.port).Info("listening for peers")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.acceptLoop(ln)
	}()

	if e.dht != nil {
		if err := e.dht.Start(e.ctx); err != nil {
			e.log.WithError(err).Warn("dht disabled")
			e.dht = nil
		}
	}
	return nil
}

func listen(r config.PortRange) (net.Listener, error) {
	var lastErr error
	for p := r.First; p <= r.Last; p++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, errors.Wrapf(lastErr, "no free port in %s", r)
}

func (e *Engine) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			e.log.WithError(err).Error("accept failed")
			return
		}
		go e.handleIncoming(nc)
	}
}

func (e *Engine) handleIncoming(nc net.Conn) {
	c, err := peerwire.Accept(nc, e.peerID, e.serving, peerwire.Options{Limits: e.limits, Logger: e.log})
	if err != nil {
		e.log.WithError(err).Debug("incoming handshake failed")
		return
	}
	t := e.lookup(c.InfoHash())
	if t == nil || !t.offerConn(c) {
		c.Close()
	}
}

// serving reports whether an incoming handshake is for a running torrent.
func (e *Engine) serving(ih [20]byte) bool {
	t := e.lookup(ih)
	return t != nil && t.isRunning()
}

func (e *Engine) lookup(ih [20]byte) *torrent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.torrents[ih]
}

func (e *Engine) get(h Handle) (*torrent, error) {
	if t := e.lookup(h); t != nil {
		return t, nil
	}
	return nil, errors.Wrap(ErrNotFound, h.String())
}

// AddTorrent registers a torrent and, unless spec.Paused, starts it.
func (e *Engine) AddTorrent(ctx context.Context, spec Spec) (Handle, error) {
	if spec.Descriptor == nil && spec.Magnet == nil {
		return Handle{}, fault.Errorf(fault.Input, "add torrent", "no descriptor or magnet")
	}
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	ih := spec.infoHash()
	if spec.SavePath == "" {
		spec.SavePath = e.cfg.SavePath
	}

	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return Handle{}, ErrClosed
	case e.ctx == nil:
		e.mu.Unlock()
		return Handle{}, ErrNotStarted
	case e.torrents[ih] != nil:
		e.mu.Unlock()
		return Handle(ih), ErrAlreadyAdded
	}
	t := newTorrent(e, spec)
	if spec.Resume == ResumeAuto {
		if rec, ok := e.resume.Load(ih); ok {
			t.adoptResume(rec)
		}
	}
	e.torrents[ih] = t
	e.order = append(e.order, ih)
	runCtx := e.ctx
	e.mu.Unlock()

	t.log.WithField("save_path", spec.SavePath).Info("torrent added")
	e.remember(t, spec)

	if spec.Paused {
		t.setState(Paused)
	} else {
		t.start(runCtx)
	}
	return Handle(ih), nil
}

func (e *Engine) remember(t *torrent, spec Spec) {
	if e.catalog == nil {
		return
	}
	entry := CatalogEntry{
		InfoHash:     Handle(t.id).String(),
		Name:         t.name(),
		SavePath:     spec.SavePath,
		DesiredState: DesiredStarted,
	}
	if spec.Paused {
		entry.DesiredState = DesiredStopped
	}
	if spec.Magnet != nil {
		entry.Magnet = spec.Source
		if entry.Magnet == "" {
			entry.Magnet = spec.Magnet.String()
		}
	} else {
		entry.TorrentPath = spec.Source
	}
	if err := e.catalog.Upsert(entry); err != nil {
		t.log.WithError(err).Warn("catalog update failed")
	}
}

func (e *Engine) setDesired(h Handle, state string) {
	if e.catalog == nil {
		return
	}
	if err := e.catalog.SetDesiredState(h.String(), state); err != nil {
		e.log.WithError(err).Warn("catalog update failed")
	}
}

// AddTorrentFile loads a .torrent file and adds it.
func (e *Engine) AddTorrentFile(ctx context.Context, path string, hint ResumeHint) (Handle, error) {
	d, err := descriptor.Load(path)
	if err != nil {
		return Handle{}, err
	}
	source := descriptor.CleanPath(path)
	if abs, err := filepath.Abs(source); err == nil {
		source = abs
	}
	return e.AddTorrent(ctx, Spec{Descriptor: d, Source: source, Resume: hint})
}

// AddMagnet parses a magnet link and adds it. Trackers with schemes we cannot
// announce to are dropped with a warning.
func (e *Engine) AddMagnet(ctx context.Context, uri string, hint ResumeHint) (Handle, error) {
	m, err := descriptor.ParseMagnet(uri)
	if err != nil {
		return Handle{}, err
	}
	if len(m.Dropped) > 0 {
		e.log.WithField("trackers", m.Dropped).Warn("dropped unsupported trackers from magnet")
	}
	return e.AddTorrent(ctx, Spec{Magnet: m, Source: m.String(), Resume: hint})
}

// Status returns a snapshot of one torrent.
func (e *Engine) Status(h Handle) (Status, error) {
	t, err := e.get(h)
	if err != nil {
		return Status{}, err
	}
	return t.snapshot(), nil
}

// Statuses returns a snapshot of every torrent in the order they were added.
func (e *Engine) Statuses() []Status {
	e.mu.Lock()
	ts := make([]*torrent, 0, len(e.order))
	for _, ih := range e.order {
		ts = append(ts, e.torrents[ih])
	}
	e.mu.Unlock()

	out := make([]Status, len(ts))
	for i, t := range ts {
		out[i] = t.snapshot()
	}
	return out
}

// Pause stops requesting, saves resume data and halts the torrent's loop.
func (e *Engine) Pause(ctx context.Context, h Handle) error {
	t, err := e.get(h)
	if err != nil {
		return err
	}
	if err := t.stop(ctx); err != nil {
		return err
	}
	e.setDesired(h, DesiredStopped)
	return nil
}

// Resume restarts a paused torrent. Failed torrents stay failed.
func (e *Engine) Resume(h Handle) error {
	t, err := e.get(h)
	if err != nil {
		return err
	}
	e.mu.Lock()
	ctx := e.ctx
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if t.snapshot().State == Failed {
		return errors.Wrap(ErrFailed, h.String())
	}
	t.start(ctx)
	e.setDesired(h, DesiredStarted)
	return nil
}

// Remove stops a torrent and forgets it, optionally deleting its files.
func (e *Engine) Remove(ctx context.Context, h Handle, deleteData bool) error {
	t, err := e.get(h)
	if err != nil {
		return err
	}
	if err := t.stop(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.torrents, t.id)
	for i, ih := range e.order {
		if ih == t.id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	t.forget()

	if err := e.resume.Delete(t.id); err != nil {
		t.log.WithError(err).Debug("resume delete failed")
	}
	if e.catalog != nil {
		if err := e.catalog.Delete(h.String()); err != nil {
			t.log.WithError(err).Warn("catalog delete failed")
		}
	}
	if deleteData && t.desc != nil {
		if err := storage.Remove(t.savePath, storageFiles(t.desc)); err != nil {
			return err
		}
	}
	t.log.WithField("delete_data", deleteData).Info("torrent removed")
	return nil
}

// Rehydrate re-adds every torrent remembered in the catalog. Entries that
// cannot be added are logged and skipped.
func (e *Engine) Rehydrate(ctx context.Context) (int, error) {
	if e.catalog == nil {
		return 0, nil
	}
	entries, err := e.catalog.Entries()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, entry := range entries {
		log := e.log.WithField("infohash", entry.InfoHash)
		spec := Spec{
			SavePath: entry.SavePath,
			Paused:   entry.DesiredState == DesiredStopped,
		}
		switch {
		case entry.TorrentPath != "":
			d, err := descriptor.Load(entry.TorrentPath)
			if err != nil {
				log.WithError(err).Warn("rehydrate: cannot load torrent file")
				continue
			}
			spec.Descriptor, spec.Source = d, entry.TorrentPath
		case entry.Magnet != "":
			m, err := descriptor.ParseMagnet(entry.Magnet)
			if err != nil {
				log.WithError(err).Warn("rehydrate: invalid magnet")
				continue
			}
			spec.Magnet, spec.Source = m, entry.Magnet
		default:
			log.Warn("rehydrate: entry has no source")
			continue
		}
		if _, err := e.AddTorrent(ctx, spec); err != nil {
			if errors.Is(err, ErrAlreadyAdded) {
				continue
			}
			log.WithError(err).Warn("rehydrate: add failed")
			continue
		}
		n++
	}
	return n, nil
}

// Close pauses every torrent in parallel, flushing resume records, and then
// releases the listener, DHT node and catalog.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ts := make([]*torrent, 0, len(e.torrents))
	for _, t := range e.torrents {
		ts = append(ts, t)
	}
	cancel, ln := e.cancel, e.ln
	e.mu.Unlock()

	ctx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	var g errgroup.Group
	for _, t := range ts {
		t := t
		g.Go(func() error { return t.stop(ctx) })
	}
	err := g.Wait()

	if cancel != nil {
		cancel()
	}
	if ln != nil {
		ln.Close()
	}
	e.wg.Wait()
	if cerr := e.catalog.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
