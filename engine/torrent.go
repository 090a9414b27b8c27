package engine

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mindsgn-studio/leecher/bitfield"
	"github.com/mindsgn-studio/leecher/choke"
	"github.com/mindsgn-studio/leecher/descriptor"
	"github.com/mindsgn-studio/leecher/discovery"
	"github.com/mindsgn-studio/leecher/metrics"
	"github.com/mindsgn-studio/leecher/peerwire"
	"github.com/mindsgn-studio/leecher/piece"
	"github.com/mindsgn-studio/leecher/resume"
	"github.com/mindsgn-studio/leecher/scheduler"
	"github.com/mindsgn-studio/leecher/storage"
	"github.com/mindsgn-studio/leecher/tracker"
)

const maxResumePeers = 50

var errTooManyTimeouts = errors.New("too many request timeouts")

type command int

const cmdPause command = iota

type dialResult struct {
	addr string
	conn *peerwire.Conn
	err  error
}

// torrent is one torrent of the session. Everything below the loop-owned
// marker is only touched by the goroutine running run, or while no run is
// active.
type torrent struct {
	e          *Engine
	id         [20]byte
	log        logrus.FieldLogger
	savePath   string
	magnet     *descriptor.Magnet
	extraPeers []string

	inbox    chan peerwire.Inbound
	incoming chan *peerwire.Conn
	dialed   chan dialResult
	addrs    chan []string
	cmds     chan command

	statUp, statDown, statLeft atomic.Int64

	// loop-owned
	desc       *descriptor.Descriptor
	rec        *resume.Record
	pm         *piece.Map
	verifier   *piece.Verifier
	checked    bool
	sched      *scheduler.Scheduler
	choker     *choke.Manager
	store      *storage.Store
	peers      map[string]*peerwire.Conn
	origin     map[string]string
	book       *addrBook
	dialing    int
	meta       *metaFetch
	announcer  *tracker.Announcer
	uploaded   int64
	downloaded int64
	lastPing   time.Time
	wg         *sync.WaitGroup
	failure    error
	halt       bool

	mu      sync.Mutex
	running bool
	done    chan struct{}
	status  Status
}

func newTorrent(e *Engine, spec Spec) *torrent {
	ih := spec.infoHash()
	t := &torrent{
		e:          e,
		id:         ih,
		savePath:   spec.SavePath,
		magnet:     spec.Magnet,
		desc:       spec.Descriptor,
		extraPeers: append([]string(nil), spec.Peers...),
		inbox:      make(chan peerwire.Inbound, 256),
		incoming:   make(chan *peerwire.Conn, 16),
		dialed:     make(chan dialResult, 16),
		addrs:      make(chan []string, 16),
		cmds:       make(chan command),
	}
	t.status = Status{Handle: Handle(ih), InfoHash: Handle(ih).String(), SavePath: spec.SavePath, State: Added}
	metrics.ActiveTorrents.WithLabelValues(Added.String()).Inc()
	t.log = e.log.WithFields(logrus.Fields{"infohash": t.status.InfoHash, "name": t.name()})
	t.publishDescriptor()
	return t
}

func (t *torrent) name() string {
	switch {
	case t.desc != nil:
		return t.desc.Name
	case t.magnet != nil && t.magnet.Name != "":
		return t.magnet.Name
	}
	return Handle(t.id).String()
}

// adoptResume takes over a stored record before the first run.
func (t *torrent) adoptResume(rec *resume.Record) {
	t.rec = rec
	if rec.SavePath != "" && filepath.Clean(rec.SavePath) != filepath.Clean(t.savePath) {
		// the pieces it vouches for live somewhere else; hash what is here
		t.log.WithField("resume_save_path", rec.SavePath).Debug("resume record is for another save path")
		stale := *rec
		stale.NumPieces, stale.Pieces = 0, nil
		t.rec = &stale
	}
	t.uploaded, t.downloaded = rec.Uploaded, rec.Downloaded
	t.extraPeers = append(t.extraPeers, rec.Peers...)
	if t.desc == nil && len(rec.Info) > 0 {
		d, err := descriptor.FromInfo(t.id, rec.Info, rec.Trackers)
		if err != nil {
			t.log.WithError(err).Debug("ignoring metadata in resume record")
			return
		}
		t.desc = d
		t.log = t.e.log.WithFields(logrus.Fields{"infohash": t.status.InfoHash, "name": d.Name})
		t.publishDescriptor()
	}
}

func (t *torrent) trackerTiers() [][]string {
	if t.desc != nil && len(t.desc.Trackers) > 0 {
		return t.desc.Trackers
	}
	if t.rec != nil && len(t.rec.Trackers) > 0 {
		return t.rec.Trackers
	}
	var tiers [][]string
	if t.magnet != nil {
		for _, tr := range t.magnet.Trackers {
			tiers = append(tiers, []string{tr})
		}
	}
	return tiers
}

func storageFiles(d *descriptor.Descriptor) []storage.File {
	files := make([]storage.File, len(d.Files))
	for i, f := range d.Files {
		files[i] = storage.File{Path: f.RelPath(), Length: f.Length}
	}
	return files
}

func (t *torrent) isRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *torrent) start(parent context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running || parent == nil {
		return
	}
	t.running = true
	t.done = make(chan struct{})
	ctx, cancel := context.WithCancel(parent)
	go t.run(ctx, cancel, t.done)
}

// stop asks the loop to pause and waits for it to exit.
func (t *torrent) stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	done := t.done
	t.mu.Unlock()

	select {
	case t.cmds <- cmdPause:
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// offerConn hands an accepted connection to the loop.
func (t *torrent) offerConn(c *peerwire.Conn) bool {
	if !t.isRunning() {
		return false
	}
	select {
	case t.incoming <- c:
		return true
	default:
		return false
	}
}

func (t *torrent) offerAddrs(ctx context.Context, addrs []string) {
	select {
	case t.addrs <- addrs:
	case <-ctx.Done():
	}
}

func (t *torrent) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	var wg sync.WaitGroup
	t.wg = &wg
	t.peers = make(map[string]*peerwire.Conn)
	t.origin = make(map[string]string)
	t.book = newAddrBook()
	t.dialing = 0
	t.meta = nil
	t.failure = nil
	t.halt = false
	t.announcer = nil

	defer func() {
		cancel()
		wg.Wait()
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		t.drainIncoming()
		t.drainDialed()
		close(done)
	}()

	if t.desc == nil {
		t.setState(FetchingMetadata)
		t.log.Info("fetching metadata")
	} else {
		t.prepare(ctx)
		if t.failure != nil {
			t.shutdown(Failed)
			return
		}
		if t.halt {
			t.shutdown(Paused)
			return
		}
	}
	t.startDiscovery(ctx)

	cfg := t.e.cfg
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	chokeTick := time.NewTicker(cfg.ChokeInterval)
	defer chokeTick.Stop()
	checkpoint := time.NewTicker(cfg.CheckpointInterval)
	defer checkpoint.Stop()

	t.publish()
	for {
		select {
		case <-ctx.Done():
			t.shutdown(Paused)
			return
		case <-t.cmds:
			t.shutdown(Paused)
			return
		case in := <-t.inbox:
			t.onInbound(ctx, in)
		case c := <-t.incoming:
			t.addConn(ctx, c)
		case r := <-t.dialed:
			t.onDialed(ctx, r)
		case addrs := <-t.addrs:
			t.book.add(addrs)
			t.dialMore(ctx, time.Now())
		case now := <-tick.C:
			t.tick(ctx, now)
		case <-chokeTick.C:
			t.rechoke()
		case <-checkpoint.C:
			if t.state() == Downloading {
				t.saveResume()
			}
		}
		if t.failure != nil {
			t.shutdown(Failed)
			return
		}
		if t.halt {
			t.shutdown(Paused)
			return
		}
	}
}

func (t *torrent) drainIncoming() {
	for {
		select {
		case c := <-t.incoming:
			c.Close()
		default:
			return
		}
	}
}

// drainDialed closes dial results that arrived after the loop stopped. The
// dialers have exited by now, so the buffer only shrinks.
func (t *torrent) drainDialed() {
	for {
		select {
		case r := <-t.dialed:
			if r.conn != nil {
				r.conn.Close()
			}
		default:
			t.dialing = 0
			return
		}
	}
}

// fail records the first fatal error; the loop stops after the current event.
func (t *torrent) fail(err error) {
	if t.failure != nil {
		return
	}
	t.failure = err
	t.log.WithError(err).Error("torrent failed")
}

// prepare opens storage and, the first time, checks existing data. It leaves
// the torrent Downloading or Seeding, or sets failure or halt.
func (t *torrent) prepare(ctx context.Context) {
	d := t.desc
	if t.pm == nil {
		t.pm = piece.NewMap(d.TotalLength, d.PieceLength, piece.BlockSize)
		t.verifier = piece.NewVerifier(d.Pieces)
	}
	store, err := storage.Open(t.savePath, storageFiles(d), d.PieceLength)
	if err != nil {
		t.fail(err)
		return
	}
	t.store = store

	if !t.checked {
		t.setState(Checking)
		t.publish()
		if err := t.check(ctx); err != nil {
			if err == errInterrupted {
				t.halt = true
				return
			}
			t.fail(err)
			return
		}
		t.checked = true
		t.rec = nil
		t.log.WithField("verified", t.pm.Verified()).Info("checked existing data")
	}

	strategy, _ := scheduler.ParseStrategy(t.e.cfg.Strategy)
	t.sched = scheduler.New(t.pm, scheduler.Config{
		PipelineDepth:  t.e.cfg.PipelineDepth,
		RequestTimeout: t.e.cfg.RequestTimeout,
		MaxTimeouts:    t.e.cfg.MaxRequestTimeouts,
		Strategy:       strategy,
	})
	t.choker = choke.New(t.e.cfg.UnchokeSlots)
	t.updateStats()
	t.publishDescriptor()

	if t.pm.Done() {
		t.setState(Seeding)
	} else {
		t.setState(Downloading)
	}
}

var errInterrupted = errors.New("interrupted")

// check marks pieces already on disk as verified. With a resume record its
// bitfield is trusted for pieces whose files were present; without one,
// pieces touching pre-existing files are hashed.
func (t *torrent) check(ctx context.Context) error {
	n := t.pm.NumPieces()
	ok := bitfield.New(n)
	rec := t.rec
	if rec != nil && rec.NumPieces != n {
		rec = nil
	}
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return errInterrupted
		case <-t.cmds:
			return errInterrupted
		default:
		}
		files := t.store.PieceFiles(i)
		if rec != nil {
			if rec.Bitfield().Has(i) && t.allExisted(files) {
				ok.Set(i)
			}
			continue
		}
		if !t.anyExisted(files) {
			continue
		}
		buf := make([]byte, t.pm.PieceLength(i))
		if _, err := t.store.ReadAt(buf, int64(i)*t.desc.PieceLength); err != nil {
			return err
		}
		if t.verifier.Verify(i, buf) {
			ok.Set(i)
		}
	}
	t.pm.Restore(ok)
	return nil
}

func (t *torrent) allExisted(files []int) bool {
	for _, f := range files {
		if !t.store.Existed(f) {
			return false
		}
	}
	return true
}

func (t *torrent) anyExisted(files []int) bool {
	for _, f := range files {
		if t.store.Existed(f) {
			return true
		}
	}
	return false
}

func (t *torrent) startDiscovery(ctx context.Context) {
	port := uint16(t.e.Port())
	cfg := t.e.cfg

	if cfg.Trackers.Enabled {
		if tiers := t.trackerTiers(); len(tiers) > 0 {
			a := tracker.NewAnnouncer(t.e.trackers, tracker.AnnouncerConfig{
				InfoHash:      t.id,
				PeerID:        t.e.peerID,
				Port:          port,
				Tiers:         tiers,
				AnnounceToAll: cfg.Trackers.AnnounceToAll,
				Stats:         t.announceStats,
				OnPeers:       func(p []string) { t.offerAddrs(ctx, p) },
				Logger:        t.log,
			})
			t.announcer = a
			t.mu.Lock()
			t.status.Trackers = a.NumTrackers()
			t.mu.Unlock()
			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				a.Run(ctx)
			}()
		}
	}

	var sources []discovery.Source
	if len(t.extraPeers) > 0 {
		sources = append(sources, discovery.Static(t.extraPeers))
	}
	if t.e.dht != nil && !(t.desc != nil && t.desc.Private) {
		sources = append(sources, t.e.dht)
	}
	sources = append(sources, t.e.sources...)
	if len(sources) == 0 {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := discovery.Run(ctx, sources, t.id, port, t.addrs); err != nil {
			t.log.WithError(err).Warn("peer discovery failed")
		}
	}()
}

func (t *torrent) announceStats() (int64, int64, int64) {
	return t.statUp.Load(), t.statDown.Load(), t.statLeft.Load()
}

func (t *torrent) updateStats() {
	t.statUp.Store(t.uploaded)
	t.statDown.Store(t.downloaded)
	if t.pm != nil {
		t.statLeft.Store(t.pm.Left())
	} else if t.desc != nil {
		t.statLeft.Store(t.desc.TotalLength)
	}
}

// shutdown saves resume data from the settled piece map, then closes every
// connection and the store.
func (t *torrent) shutdown(final State) {
	if t.store != nil {
		if err := t.store.Sync(); err != nil {
			t.log.WithError(err).Warn("sync failed")
		}
	}
	t.saveResume()
	for _, c := range t.peers {
		t.dropPeer(c, "shutdown", nil)
	}
	if t.store != nil {
		t.store.Close()
		t.store = nil
	}
	t.sched = nil
	t.meta = nil

	t.mu.Lock()
	if final == Failed {
		t.status.Err = t.failure
	}
	t.mu.Unlock()
	t.setState(final)
	t.publish()
	t.log.WithField("state", final.String()).Info("torrent stopped")
}

func (t *torrent) saveResume() {
	if t.desc == nil || t.pm == nil {
		return
	}
	rec := &resume.Record{
		Name:       t.desc.Name,
		SavePath:   t.savePath,
		NumPieces:  t.pm.NumPieces(),
		Pieces:     t.pm.Bitfield(),
		Peers:      t.knownPeers(),
		Trackers:   t.trackerTiers(),
		Info:       t.desc.InfoBytes,
		Uploaded:   t.uploaded,
		Downloaded: t.downloaded,
	}
	if err := t.e.resume.Save(t.id, rec); err != nil {
		metrics.ResumeSaves.WithLabelValues("error").Inc()
		t.log.WithError(err).Warn("saving resume data failed")
		return
	}
	metrics.ResumeSaves.WithLabelValues("ok").Inc()
}

// knownPeers returns the addresses we dialed successfully; incoming peers
// connect from ephemeral ports.
func (t *torrent) knownPeers() []string {
	var out []string
	for addr, c := range t.peers {
		if c.Outgoing() {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	if len(out) > maxResumePeers {
		out = out[:maxResumePeers]
	}
	return out
}

func (t *torrent) state() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.State
}

// setState publishes s together with the current piece progress, so no
// snapshot shows a new state next to stale progress.
func (t *torrent) setState(s State) {
	t.mu.Lock()
	old := t.status.State
	t.status.State = s
	if s != Failed {
		t.status.Err = nil
	}
	t.fillProgress()
	t.mu.Unlock()
	if old != s {
		metrics.ActiveTorrents.WithLabelValues(old.String()).Dec()
		metrics.ActiveTorrents.WithLabelValues(s.String()).Inc()
		t.log.WithField("state", s.String()).Debug("state changed")
	}
}

// forget drops the torrent from the state gauge once it is removed.
func (t *torrent) forget() {
	metrics.ActiveTorrents.WithLabelValues(t.state().String()).Dec()
}

func (t *torrent) publishDescriptor() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fillProgress()
}

// fillProgress copies descriptor and piece progress into the snapshot. t.mu
// must be held.
func (t *torrent) fillProgress() {
	t.status.Name = t.name()
	if t.desc != nil {
		t.status.TotalSize = t.desc.TotalLength
		t.status.PieceLength = t.desc.PieceLength
		t.status.Pieces = t.desc.NumPieces()
	}
	if t.pm != nil {
		t.status.VerifiedPieces = t.pm.Verified()
		t.status.Fraction = t.pm.CompletionFraction()
	}
}

// publish copies loop state into the snapshot read by Status.
func (t *torrent) publish() {
	var down, up float64
	for _, c := range t.peers {
		down += c.Down.Rate()
		up += c.Up.Rate()
	}
	t.updateStats()
	t.publishDescriptor()

	avail := 0.0
	if t.sched != nil {
		avail = t.sched.DistributedCopies()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Peers = len(t.peers)
	t.status.KnownPeers = t.book.len()
	t.status.Availability = avail
	t.status.DownloadRate = down
	t.status.UploadRate = up
	t.status.Downloaded = t.downloaded
	t.status.Uploaded = t.uploaded
}

func (t *torrent) snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.status
	s.Label = Label(s.State, s.Peers)
	return s
}

func (t *torrent) tick(ctx context.Context, now time.Time) {
	for _, c := range t.peers {
		c.Tick(now)
	}
	if now.Sub(t.lastPing) >= peerwire.KeepAliveInterval {
		for _, c := range t.peers {
			c.SendKeepAlive()
		}
		t.lastPing = now
	}

	if t.sched != nil {
		for _, pb := range t.sched.Expire(now) {
			metrics.RequestTimeouts.Inc()
			c := t.peers[pb.Peer]
			if c == nil {
				continue
			}
			c.SendCancel(pb.Piece, pb.Begin, pb.Length)
			if t.sched.TooManyTimeouts(pb.Peer) {
				t.dropPeer(c, "timeouts", errTooManyTimeouts)
			}
		}
		t.requestAll(now)
	}
	if t.meta != nil {
		t.retryMetadata(now)
	}
	t.dialMore(ctx, now)
	t.publish()
}

func (t *torrent) rechoke() {
	if t.choker == nil || t.pm == nil {
		return
	}
	cands := make([]choke.Candidate, 0, len(t.peers))
	for addr, c := range t.peers {
		cands = append(cands, choke.Candidate{
			Peer:         addr,
			Interested:   c.PeerInterested,
			DownloadRate: c.Down.Rate(),
			UploadRate:   c.Up.Rate(),
		})
	}
	d := t.choker.Tick(cands, t.pm.Done())
	for _, p := range d.Unchoke {
		if c := t.peers[p]; c != nil && c.AmChoking {
			c.SendUnchoke()
		}
	}
	for _, p := range d.Choke {
		if c := t.peers[p]; c != nil && !c.AmChoking {
			c.SendChoke()
		}
	}
}

// unchokedCount is used to unchoke newly interested peers between rounds
// while slots are free.
func (t *torrent) unchokedCount() int {
	n := 0
	for _, c := range t.peers {
		if !c.AmChoking {
			n++
		}
	}
	return n
}
