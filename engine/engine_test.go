package engine

import (
	"context"
	"crypto/sha1"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindsgn-studio/leecher/bitfield"
	"github.com/mindsgn-studio/leecher/config"
	"github.com/mindsgn-studio/leecher/descriptor"
	"github.com/mindsgn-studio/leecher/discovery"
	"github.com/mindsgn-studio/leecher/fault"
	"github.com/mindsgn-studio/leecher/peerwire"
	"github.com/mindsgn-studio/leecher/resume"
)

const testPieceLength = 32 * 1024

func hashPieces(data []byte, pieceLength int) []byte {
	var out []byte
	for off := 0; off < len(data); off += pieceLength {
		end := off + pieceLength
		if end > len(data) {
			end = len(data)
		}
		h := sha1.Sum(data[off:end])
		out = append(out, h[:]...)
	}
	return out
}

func randomData(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func testTorrent(t *testing.T, name string, data []byte) *descriptor.Descriptor {
	t.Helper()
	ib, err := bencode.Marshal(metainfo.Info{
		Name:        name,
		PieceLength: testPieceLength,
		Length:      int64(len(data)),
		Pieces:      hashPieces(data, testPieceLength),
	})
	require.NoError(t, err)
	d, err := descriptor.FromInfo(sha1.Sum(ib), ib, nil)
	require.NoError(t, err)
	return d
}

func writeTorrentFile(t *testing.T, d *descriptor.Descriptor) string {
	t.Helper()
	mi := metainfo.MetaInfo{InfoBytes: d.InfoBytes}
	b, err := bencode.Marshal(mi)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), d.Name+".torrent")
	require.NoError(t, os.WriteFile(path, b, 0644))
	return path
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.ListenPorts = config.PortRange{}
	cfg.DHT.Enabled = false
	cfg.Trackers.Enabled = false
	cfg.SavePath = t.TempDir()
	cfg.ResumeDir = t.TempDir()
	return cfg
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func startEngine(t *testing.T, cfg config.Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, append([]Option{WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { e.Close() })
	return e
}

func waitState(t *testing.T, e *Engine, h Handle, want State) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		var err error
		st, err = e.Status(h)
		return err == nil && st.State == want
	}, 10*time.Second, 20*time.Millisecond, "waiting for %s", want)
	return st
}

// seeder is a minimal remote peer holding every piece of one torrent.
type seeder struct {
	ln   net.Listener
	ih   [20]byte
	info []byte
	data []byte
	n    int

	mu       sync.Mutex
	requests int
}

func newSeeder(t *testing.T, d *descriptor.Descriptor, data []byte) *seeder {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &seeder{ln: ln, ih: d.InfoHash, info: d.InfoBytes, data: data, n: d.NumPieces()}
	go s.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *seeder) addr() string { return s.ln.Addr().String() }

func (s *seeder) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *seeder) acceptLoop() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(nc)
	}
}

func (s *seeder) serve(nc net.Conn) {
	defer nc.Close()
	h, err := peerwire.ReadHandshake(nc)
	if err != nil || h.InfoHash != s.ih {
		return
	}
	var id [20]byte
	copy(id[:], "-SEEDER-000000000000")
	if _, err := nc.Write(peerwire.NewHandshake(s.ih, id).Bytes()); err != nil {
		return
	}
	bf := bitfield.New(s.n)
	for i := 0; i < s.n; i++ {
		bf.Set(i)
	}
	peerwire.WriteMessage(nc, &peerwire.Message{ID: peerwire.MsgBitfield, Payload: bf})
	peerwire.WriteMessage(nc, &peerwire.Message{ID: peerwire.MsgUnchoke})

	for {
		m, err := peerwire.ReadMessage(nc)
		if err != nil {
			return
		}
		if m == nil {
			continue
		}
		switch m.ID {
		case peerwire.MsgRequest:
			index, begin, length, err := peerwire.ParseRequest(m)
			if err != nil {
				return
			}
			s.mu.Lock()
			s.requests++
			s.mu.Unlock()
			off := index*testPieceLength + begin
			if err := peerwire.WriteMessage(nc, peerwire.NewPiece(index, begin, s.data[off:off+length])); err != nil {
				return
			}
		case peerwire.MsgExtended:
			if err := s.extended(nc, m.Payload); err != nil {
				return
			}
		}
	}
}

func (s *seeder) extended(nc net.Conn, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	switch payload[0] {
	case peerwire.ExtHandshakeID:
		reply, err := peerwire.EncodeExtHandshake(len(s.info), "seeder")
		if err != nil {
			return err
		}
		return peerwire.WriteMessage(nc, reply)
	case peerwire.LocalMetadataID:
		var req peerwire.MetadataMsg
		if err := bencode.Unmarshal(payload[1:], &req); err != nil {
			return err
		}
		off := req.Piece * peerwire.MetadataPieceSize
		n := peerwire.MetadataPieceLen(len(s.info), req.Piece)
		reply, err := peerwire.EncodeMetadata(peerwire.LocalMetadataID, peerwire.MetadataMsg{
			Type:      peerwire.MetadataData,
			Piece:     req.Piece,
			TotalSize: len(s.info),
			Data:      s.info[off : off+n],
		})
		if err != nil {
			return err
		}
		return peerwire.WriteMessage(nc, reply)
	}
	return nil
}

func TestAddTorrentValidation(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer e.Close()

	d := testTorrent(t, "a.bin", randomData(1000))
	_, err = e.AddTorrent(context.Background(), Spec{Descriptor: d})
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, e.Start(context.Background()))
	assert.NotZero(t, e.Port())
	id := e.PeerID()
	assert.Equal(t, "-LE0010-", string(id[:8]))
	assert.Equal(t, cfg.SavePath, e.Config().SavePath)

	_, err = e.AddTorrent(context.Background(), Spec{})
	assert.True(t, fault.Is(err, fault.Input))

	h, err := e.AddTorrent(context.Background(), Spec{Descriptor: d, Paused: true})
	require.NoError(t, err)
	assert.Equal(t, d.HexHash(), h.String())

	_, err = e.AddTorrent(context.Background(), Spec{Descriptor: d})
	assert.ErrorIs(t, err, ErrAlreadyAdded)

	st, err := e.Status(h)
	require.NoError(t, err)
	assert.Equal(t, Paused, st.State)
	assert.Equal(t, "a.bin", st.Name)
	assert.Equal(t, 0.0, st.Fraction)
	assert.Equal(t, 1, st.Pieces)

	_, err = e.Status(Handle{1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDownloadFromSeeder(t *testing.T) {
	data := randomData(80000)
	d := testTorrent(t, "payload.bin", data)
	s := newSeeder(t, d, data)

	cfg := testConfig(t)
	e := startEngine(t, cfg, WithSources(discovery.Static{s.addr()}))

	path := writeTorrentFile(t, d)
	h, err := e.AddTorrentFile(context.Background(), path, ResumeAuto)
	require.NoError(t, err)

	st := waitState(t, e, h, Seeding)
	assert.Equal(t, 3, st.VerifiedPieces)
	assert.Equal(t, 1.0, st.Fraction)
	assert.True(t, st.Done())
	assert.Equal(t, "Seeding to 0 peers", Label(st.State, 0))

	got, err := os.ReadFile(filepath.Join(cfg.SavePath, "payload.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.GreaterOrEqual(t, s.requestCount(), 5)

	rec, ok := e.resume.Load(d.InfoHash)
	require.True(t, ok)
	assert.True(t, rec.Bitfield().Complete(3))
	assert.Equal(t, int64(len(data)), rec.Downloaded)
}

func TestSnapshotProgressMatchesState(t *testing.T) {
	data := randomData(80000)
	d := testTorrent(t, "snap.bin", data)
	s := newSeeder(t, d, data)

	e := startEngine(t, testConfig(t), WithSources(discovery.Static{s.addr()}))
	h, err := e.AddTorrentFile(context.Background(), writeTorrentFile(t, d), ResumeAuto)
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st, err := e.Status(h)
		require.NoError(t, err)
		if st.State == Seeding {
			assert.Equal(t, 3, st.VerifiedPieces)
			assert.Equal(t, 1.0, st.Fraction)
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("torrent never reached seeding")
}

func TestDownloadFromMagnet(t *testing.T) {
	data := randomData(50000)
	d := testTorrent(t, "magnet.bin", data)
	s := newSeeder(t, d, data)

	cfg := testConfig(t)
	e := startEngine(t, cfg)

	h, err := e.AddTorrent(context.Background(), Spec{
		Magnet: &descriptor.Magnet{InfoHash: d.InfoHash},
		Peers:  []string{s.addr()},
	})
	require.NoError(t, err)

	st := waitState(t, e, h, Seeding)
	assert.Equal(t, "magnet.bin", st.Name)
	assert.Equal(t, int64(len(data)), st.TotalSize)

	got, err := os.ReadFile(filepath.Join(cfg.SavePath, "magnet.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestExistingDataIsChecked(t *testing.T) {
	data := randomData(70000)
	d := testTorrent(t, "done.bin", data)
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.SavePath, "done.bin"), data, 0644))

	e := startEngine(t, cfg)
	h, err := e.AddTorrent(context.Background(), Spec{Descriptor: d, Resume: ResumeIgnore})
	require.NoError(t, err)

	st := waitState(t, e, h, Seeding)
	assert.Equal(t, d.NumPieces(), st.VerifiedPieces)
}

func TestResumeForOtherSavePathIsNotTrusted(t *testing.T) {
	data := randomData(70000)
	d := testTorrent(t, "moved.bin", data)
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.SavePath, "moved.bin"), make([]byte, len(data)), 0644))

	e := startEngine(t, cfg)
	all := bitfield.New(d.NumPieces())
	for i := 0; i < d.NumPieces(); i++ {
		all.Set(i)
	}
	require.NoError(t, e.resume.Save(d.InfoHash, &resume.Record{
		InfoHash:  d.HexHash(),
		SavePath:  filepath.Join(t.TempDir(), "elsewhere"),
		NumPieces: d.NumPieces(),
		Pieces:    all,
	}))

	h, err := e.AddTorrent(context.Background(), Spec{Descriptor: d, Resume: ResumeAuto})
	require.NoError(t, err)
	st := waitState(t, e, h, Downloading)
	assert.Equal(t, 0, st.VerifiedPieces)
}

func TestCorruptDataIsRedownloaded(t *testing.T) {
	data := randomData(70000)
	d := testTorrent(t, "fix.bin", data)
	s := newSeeder(t, d, data)
	cfg := testConfig(t)

	bad := append([]byte(nil), data...)
	bad[testPieceLength+10] ^= 0xff
	require.NoError(t, os.WriteFile(filepath.Join(cfg.SavePath, "fix.bin"), bad, 0644))

	e := startEngine(t, cfg)
	h, err := e.AddTorrent(context.Background(), Spec{Descriptor: d, Peers: []string{s.addr()}})
	require.NoError(t, err)

	waitState(t, e, h, Seeding)
	got, err := os.ReadFile(filepath.Join(cfg.SavePath, "fix.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPauseResumeRemove(t *testing.T) {
	data := randomData(40000)
	d := testTorrent(t, "idle.bin", data)
	cfg := testConfig(t)
	e := startEngine(t, cfg)
	ctx := context.Background()

	h, err := e.AddTorrent(ctx, Spec{Descriptor: d})
	require.NoError(t, err)
	st := waitState(t, e, h, Downloading)
	assert.Equal(t, "Downloading data from 0 peers...", st.Label)

	require.NoError(t, e.Pause(ctx, h))
	st, err = e.Status(h)
	require.NoError(t, err)
	assert.Equal(t, Paused, st.State)
	assert.FileExists(t, e.resume.Path(d.InfoHash))

	require.NoError(t, e.Resume(h))
	waitState(t, e, h, Downloading)

	require.NoError(t, e.Remove(ctx, h, true))
	_, err = e.Status(h)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoFileExists(t, e.resume.Path(d.InfoHash))
	assert.NoFileExists(t, filepath.Join(cfg.SavePath, "idle.bin"))
	assert.Empty(t, e.Statuses())
}

func TestStorageFailureFailsTorrent(t *testing.T) {
	d := testTorrent(t, "x.bin", randomData(1000))
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	e := startEngine(t, cfg)
	h, err := e.AddTorrent(context.Background(), Spec{Descriptor: d, SavePath: blocker})
	require.NoError(t, err)

	st := waitState(t, e, h, Failed)
	assert.Error(t, st.Err)
	assert.Equal(t, "Failed", st.Label)
	assert.ErrorIs(t, e.Resume(h), ErrFailed)
}

func TestRehydrate(t *testing.T) {
	data := randomData(20000)
	d := testTorrent(t, "kept.bin", data)
	cfg := testConfig(t)
	cfg.CatalogPath = filepath.Join(t.TempDir(), "catalog.db")
	ctx := context.Background()

	e1, err := New(cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, e1.Start(ctx))
	h, err := e1.AddTorrentFile(ctx, writeTorrentFile(t, d), ResumeAuto)
	require.NoError(t, err)
	require.NoError(t, e1.Pause(ctx, h))
	require.NoError(t, e1.Close())

	e2 := startEngine(t, cfg)
	n, err := e2.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := e2.Status(h)
	require.NoError(t, err)
	assert.Equal(t, Paused, st.State)
	assert.Equal(t, "kept.bin", st.Name)

	n, err = e2.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestClosedEngineRejectsWork(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err = e.AddTorrent(context.Background(), Spec{Descriptor: testTorrent(t, "y.bin", randomData(10))})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.Start(context.Background()), ErrClosed)
}

func TestRejectedDialIsRedialable(t *testing.T) {
	data := randomData(1000)
	d := testTorrent(t, "full.bin", data)
	s := newSeeder(t, d, data)

	cfg := testConfig(t)
	e, err := New(cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer e.Close()
	e.cfg.MaxConnections = 1

	tor := newTorrent(e, Spec{Descriptor: d, SavePath: cfg.SavePath})
	tor.peers = map[string]*peerwire.Conn{"10.9.9.9:1": nil}
	tor.origin = make(map[string]string)
	tor.book = newAddrBook()
	tor.book.add([]string{s.addr()})

	now := time.Now()
	require.Equal(t, []string{s.addr()}, tor.book.ready(now, 1))
	tor.dialing = 1

	c, err := peerwire.Dial(context.Background(), s.addr(), d.InfoHash, e.PeerID(), peerwire.Options{Logger: quietLogger()})
	require.NoError(t, err)
	tor.onDialed(context.Background(), dialResult{addr: s.addr(), conn: c})

	assert.True(t, c.Closed())
	assert.Len(t, tor.peers, 1)
	assert.Empty(t, tor.origin)
	assert.Equal(t, 0, tor.dialing)
	assert.Empty(t, tor.book.ready(now, 1))
	assert.Equal(t, []string{s.addr()}, tor.book.ready(now.Add(time.Minute), 1))
}

func TestDrainDialedClosesLateConnections(t *testing.T) {
	data := randomData(1000)
	d := testTorrent(t, "late.bin", data)
	s := newSeeder(t, d, data)

	e, err := New(testConfig(t), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer e.Close()

	tor := newTorrent(e, Spec{Descriptor: d})
	c, err := peerwire.Dial(context.Background(), s.addr(), d.InfoHash, e.PeerID(), peerwire.Options{Logger: quietLogger()})
	require.NoError(t, err)
	tor.dialed <- dialResult{addr: s.addr(), conn: c}
	tor.dialed <- dialResult{addr: "10.0.0.1:1", err: assert.AnError}
	tor.dialing = 2

	tor.drainDialed()
	assert.True(t, c.Closed())
	assert.Len(t, tor.dialed, 0)
	assert.Equal(t, 0, tor.dialing)
}
