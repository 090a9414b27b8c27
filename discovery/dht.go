package discovery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nictuku/dht"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultRouter is the mainline bootstrap node.
const DefaultRouter = "router.bittorrent.com:6881"

// DHTConfig configures the shared DHT node.
type DHTConfig struct {
	Port           int
	BootstrapNodes []string
	// RequestInterval is how often each subscribed torrent asks the DHT for
	// more peers.
	RequestInterval time.Duration
}

// peersRequester is the part of the DHT node that searches and announces.
type peersRequester interface {
	PeersRequestPort(ih string, announce bool, port int)
}

// DHT is one mainline DHT node shared by every torrent in the session.
type DHT struct {
	cfg DHTConfig
	log logrus.FieldLogger

	mu   sync.Mutex
	node peersRequester
	subs map[dht.InfoHash]map[chan<- []string]struct{}
}

func NewDHT(cfg DHTConfig, log logrus.FieldLogger) *DHT {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.RequestInterval <= 0 {
		cfg.RequestInterval = 30 * time.Second
	}
	if len(cfg.BootstrapNodes) == 0 {
		cfg.BootstrapNodes = []string{DefaultRouter}
	}
	return &DHT{
		cfg:  cfg,
		log:  log.WithField("component", "dht"),
		subs: make(map[dht.InfoHash]map[chan<- []string]struct{}),
	}
}

func (d *DHT) Name() string { return "dht" }

// Start binds the node and begins draining results. The node stops when ctx
// is done.
func (d *DHT) Start(ctx context.Context) error {
	conf := dht.NewConfig()
	conf.Port = d.cfg.Port
	conf.DHTRouters = strings.Join(d.cfg.BootstrapNodes, ",")
	conf.SaveRoutingTable = false

	node, err := dht.New(conf)
	if err != nil {
		return errors.Wrap(err, "create dht node")
	}
	if err := node.Start(); err != nil {
		return errors.Wrap(err, "start dht node")
	}
	d.mu.Lock()
	d.node = node
	d.mu.Unlock()
	d.log.WithField("port", node.Port()).Info("dht node started")

	go func() {
		for {
			select {
			case r := <-node.PeersRequestResults:
				d.dispatch(r)
			case <-ctx.Done():
				node.Stop()
				return
			}
		}
	}()
	return nil
}

func (d *DHT) dispatch(results map[dht.InfoHash][]string) {
	for ih, encoded := range results {
		peers := make([]string, 0, len(encoded))
		for _, x := range encoded {
			peers = append(peers, dht.DecodePeerAddress(x))
		}
		d.mu.Lock()
		for ch := range d.subs[ih] {
			select {
			case ch <- peers:
			default:
				// slow subscriber; the next round brings more
			}
		}
		d.mu.Unlock()
	}
}

func (d *DHT) subscribe(ih dht.InfoHash, ch chan<- []string) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subs[ih] == nil {
		d.subs[ih] = make(map[chan<- []string]struct{})
	}
	d.subs[ih][ch] = struct{}{}
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs[ih], ch)
		if len(d.subs[ih]) == 0 {
			delete(d.subs, ih)
		}
	}
}

// Peers asks the DHT for infoHash every RequestInterval and announces port as
// our peer wire port, forwarding answers to out. Port 0 searches without
// announcing.
func (d *DHT) Peers(ctx context.Context, infoHash [20]byte, port uint16, out chan<- []string) error {
	d.mu.Lock()
	node := d.node
	d.mu.Unlock()
	if node == nil {
		return errors.New("dht node not started")
	}

	ih := dht.InfoHash(string(infoHash[:]))
	unsubscribe := d.subscribe(ih, out)
	defer unsubscribe()

	ticker := time.NewTicker(d.cfg.RequestInterval)
	defer ticker.Stop()
	for {
		node.PeersRequestPort(string(ih), port != 0, int(port))
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
