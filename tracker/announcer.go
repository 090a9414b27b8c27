package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

// Stats supplies the transfer totals sent with every announce. It is called
// from announcer goroutines and must be safe for concurrent use.
type Stats func() (uploaded, downloaded, left int64)

// AnnouncerConfig configures an Announcer.
type AnnouncerConfig struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Port     uint16
	Tiers    [][]string
	// AnnounceToAll announces to every tracker instead of the first working
	// one of each tier.
	AnnounceToAll bool
	Stats         Stats
	OnPeers       func(peers []string)
	Logger        logrus.FieldLogger
}

// Announcer keeps announcing a torrent until its context ends, then sends a
// best-effort stopped event.
type Announcer struct {
	cfg       AnnouncerConfig
	client    Client
	log       logrus.FieldLogger
	completed chan struct{}
	once      sync.Once

	mu    sync.Mutex
	tiers [][]string
	last  map[string]error
}

func NewAnnouncer(client Client, cfg AnnouncerConfig) *Announcer {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	var tiers [][]string
	for _, tier := range cfg.Tiers {
		var keep []string
		for _, u := range tier {
			if Supported(u) {
				keep = append(keep, u)
			}
		}
		if len(keep) > 0 {
			tiers = append(tiers, keep)
		}
	}
	return &Announcer{
		cfg:       cfg,
		client:    client,
		log:       log,
		completed: make(chan struct{}),
		tiers:     tiers,
		last:      make(map[string]error),
	}
}

// NumTrackers returns how many usable tracker URLs the announcer has.
func (a *Announcer) NumTrackers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, t := range a.tiers {
		n += len(t)
	}
	return n
}

// Completed triggers an immediate completed announce.
func (a *Announcer) Completed() {
	a.once.Do(func() { close(a.completed) })
}

// Run blocks until ctx is done.
func (a *Announcer) Run(ctx context.Context) {
	a.mu.Lock()
	tiers := a.tiers
	a.mu.Unlock()
	if len(tiers) == 0 {
		return
	}

	var wg sync.WaitGroup
	if a.cfg.AnnounceToAll {
		for _, tier := range tiers {
			for _, u := range tier {
				wg.Add(1)
				go func(u string) {
					defer wg.Done()
					a.loop(ctx, []string{u})
				}(u)
			}
		}
	} else {
		for i := range tiers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				a.loop(ctx, tiers[i])
			}(i)
		}
	}
	wg.Wait()
}

func (a *Announcer) request(event Event) Request {
	req := Request{
		InfoHash: a.cfg.InfoHash,
		PeerID:   a.cfg.PeerID,
		Port:     a.cfg.Port,
		Event:    event,
		NumWant:  50,
	}
	if a.cfg.Stats != nil {
		req.Uploaded, req.Downloaded, req.Left = a.cfg.Stats()
	}
	return req
}

// loop announces to the first working tracker of tier, moving it to the front
// on success.
func (a *Announcer) loop(ctx context.Context, tier []string) {
	b := &backoff.Backoff{Min: 15 * time.Second, Max: 30 * time.Minute, Factor: 2, Jitter: true}
	urls := append([]string(nil), tier...)
	completed := a.completed
	event := Started
	announced := false
	// finished holds a completion seen before any started announce worked.
	finished := false

	for {
		wait := time.Duration(0)
		resp, used, err := a.announceTier(ctx, urls, event)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			wait = b.Duration()
			a.log.WithError(err).WithField("retry", wait).Warn("tracker announce failed")
		} else {
			b.Reset()
			announced = true
			event = None
			urls = promote(urls, used)
			if a.cfg.OnPeers != nil && len(resp.Peers) > 0 {
				a.cfg.OnPeers(resp.Peers)
			}
			wait = resp.Interval
			if finished {
				finished = false
				event = Completed
				wait = 0
			}
		}

		select {
		case <-ctx.Done():
		case <-time.After(wait):
			continue
		case <-completed:
			completed = nil
			if announced {
				event = Completed
			} else {
				finished = true
			}
			continue
		}
		break
	}

	if announced {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.announceTier(stopCtx, urls[:1], Stopped)
	}
}

func (a *Announcer) announceTier(ctx context.Context, urls []string, event Event) (*Response, string, error) {
	var lastErr error
	for _, u := range urls {
		resp, err := a.client.Announce(ctx, u, a.request(event))
		a.mu.Lock()
		a.last[u] = err
		a.mu.Unlock()
		if err == nil {
			a.log.WithFields(logrus.Fields{"tracker": u, "peers": len(resp.Peers), "event": string(event)}).Debug("announced")
			return resp, u, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, "", lastErr
}

// Errors returns the last announce error per tracker URL; nil entries are
// trackers whose last announce worked.
func (a *Announcer) Errors() map[string]error {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]error, len(a.last))
	for k, v := range a.last {
		out[k] = v
	}
	return out
}

func promote(urls []string, used string) []string {
	for i, u := range urls {
		if u == used {
			copy(urls[1:i+1], urls[:i])
			urls[0] = used
			break
		}
	}
	return urls
}
