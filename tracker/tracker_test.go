package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHash = [20]byte{0xaa, 0xbb}

const (
	udpConnect  = 0
	udpAnnounce = 1
)

func TestHTTPCompactPeers(t *testing.T) {
	queries := make(chan url.Values, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.Query()
		b, _ := bencode.Marshal(map[string]interface{}{
			"interval": 1800,
			"complete": 3,
			"peers":    string([]byte{127, 0, 0, 1, 0x1a, 0xe1, 10, 0, 0, 2, 0x1a, 0xe2}),
		})
		w.Write(b)
	}))
	defer srv.Close()

	resp, err := NewClient().Announce(context.Background(), srv.URL+"/announce", Request{
		InfoHash: testHash,
		Port:     6881,
		Left:     100,
		Event:    Started,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:6881", "10.0.0.2:6882"}, resp.Peers)
	assert.Equal(t, 30*time.Minute, resp.Interval)
	assert.Equal(t, 3, resp.Seeders)

	q := <-queries
	assert.Equal(t, string(testHash[:]), q.Get("info_hash"))
	assert.Equal(t, "started", q.Get("event"))
	assert.Equal(t, "1", q.Get("compact"))
	assert.Equal(t, "100", q.Get("left"))
}

func TestHTTPDictPeersAndFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body interface{}
		if r.URL.Path == "/fail" {
			body = map[string]interface{}{"failure reason": "unregistered torrent"}
		} else {
			body = map[string]interface{}{
				"interval": 5,
				"peers": []interface{}{
					map[string]interface{}{"ip": "192.168.1.9", "port": 51413},
				},
			}
		}
		b, _ := bencode.Marshal(body)
		w.Write(b)
	}))
	defer srv.Close()

	c := &Remote{Timeout: time.Second}
	resp, err := c.Announce(context.Background(), srv.URL, Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.1.9:51413"}, resp.Peers)
	assert.Equal(t, minInterval, resp.Interval)

	_, err = c.Announce(context.Background(), srv.URL+"/fail", Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unregistered torrent")
}

func serveUDPTracker(t *testing.T) (string, func()) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			req := buf[:n]
			action := binary.BigEndian.Uint32(req[8:12])
			tid := req[12:16]
			switch {
			case n == 16 && action == udpConnect:
				res := make([]byte, 16)
				copy(res[4:8], tid)
				binary.BigEndian.PutUint64(res[8:16], 0xfeed)
				pc.WriteTo(res, addr)
			case n >= 98 && action == udpAnnounce:
				res := make([]byte, 20, 26)
				binary.BigEndian.PutUint32(res[0:4], udpAnnounce)
				copy(res[4:8], tid)
				binary.BigEndian.PutUint32(res[8:12], 900)
				binary.BigEndian.PutUint32(res[16:20], 1)
				res = append(res, 127, 0, 0, 1, 0x1a, 0xe1)
				pc.WriteTo(res, addr)
			}
		}
	}()
	return "udp://" + pc.LocalAddr().String() + "/announce", func() { pc.Close() }
}

func TestUDPAnnounce(t *testing.T) {
	u, stop := serveUDPTracker(t)
	defer stop()

	c := &Remote{Timeout: 5 * time.Second}
	resp, err := c.Announce(context.Background(), u, Request{InfoHash: testHash, Port: 6881, Event: Started})
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:6881"}, resp.Peers)
	assert.Equal(t, 15*time.Minute, resp.Interval)
	assert.Equal(t, 1, resp.Seeders)
}

func TestUnsupportedScheme(t *testing.T) {
	_, err := NewClient().Announce(context.Background(), "wss://tracker.example", Request{})
	assert.Error(t, err)
	assert.False(t, Supported("wss://tracker.example"))
	assert.True(t, Supported("UDP://tracker.example:80"))
}

type fakeClient struct {
	mu        sync.Mutex
	events    map[string][]Event
	fail      map[string]bool
	failFirst map[string]int
}

func (f *fakeClient) Announce(ctx context.Context, u string, req Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[u] = append(f.events[u], req.Event)
	if f.fail[u] {
		return nil, assert.AnError
	}
	if f.failFirst[u] > 0 {
		f.failFirst[u]--
		return nil, assert.AnError
	}
	return &Response{Interval: time.Hour, Peers: []string{"10.1.1.1:1"}}, nil
}

func (f *fakeClient) eventsFor(u string) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events[u]...)
}

func TestAnnouncerTierFallbackAndLifecycle(t *testing.T) {
	fc := &fakeClient{events: map[string][]Event{}, fail: map[string]bool{"http://down/announce": true}}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	peers := make(chan []string, 4)
	a := NewAnnouncer(fc, AnnouncerConfig{
		InfoHash: testHash,
		Tiers:    [][]string{{"http://down/announce", "http://up/announce", "wss://ignored"}},
		Stats:    func() (int64, int64, int64) { return 0, 0, 42 },
		OnPeers:  func(p []string) { peers <- p },
		Logger:   log,
	})
	assert.Equal(t, 2, a.NumTrackers())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	select {
	case p := <-peers:
		assert.Equal(t, []string{"10.1.1.1:1"}, p)
	case <-time.After(2 * time.Second):
		t.Fatal("no peers delivered")
	}

	a.Completed()
	require.Eventually(t, func() bool {
		return len(fc.eventsFor("http://up/announce")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("announcer did not stop")
	}

	assert.Equal(t, []Event{Started, Completed, Stopped}, fc.eventsFor("http://up/announce"))
	assert.Equal(t, []Event{Started}, fc.eventsFor("http://down/announce"))
	assert.Error(t, a.Errors()["http://down/announce"])
}

func TestCompletedWaitsForStarted(t *testing.T) {
	const u = "http://flaky/announce"
	fc := &fakeClient{events: map[string][]Event{}, failFirst: map[string]int{u: 1}}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	a := NewAnnouncer(fc, AnnouncerConfig{InfoHash: testHash, Tiers: [][]string{{u}}, Logger: log})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return a.Errors()[u] != nil }, 2*time.Second, 10*time.Millisecond)
	a.Completed()
	require.Eventually(t, func() bool { return len(fc.eventsFor(u)) == 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, []Event{Started, Started, Completed, Stopped}, fc.eventsFor(u))
}
