package tracker

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"

	anacrolix "github.com/anacrolix/torrent/tracker"
)

// DefaultTimeout bounds one announce exchange.
const DefaultTimeout = 15 * time.Second

// Remote announces to http, https and udp trackers through the anacrolix
// tracker clients.
type Remote struct {
	Timeout   time.Duration
	UserAgent string
}

// NewClient returns a Remote with the default timeout.
func NewClient() *Remote {
	return &Remote{Timeout: DefaultTimeout, UserAgent: "leecher"}
}

func (r *Remote) Announce(ctx context.Context, announceURL string, req Request) (*Response, error) {
	if !Supported(announceURL) {
		return nil, errors.Errorf("unsupported tracker URL %q", announceURL)
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := anacrolix.Announce{
		TrackerUrl: announceURL,
		Request:    announceRequest(req),
		UserAgent:  r.UserAgent,
		Context:    ctx,
	}.Do()
	if err != nil {
		return nil, errors.Wrapf(err, "announce to %s", announceURL)
	}

	out := &Response{
		Interval: interval(int(res.Interval)),
		Seeders:  int(res.Seeders),
		Leechers: int(res.Leechers),
	}
	for _, p := range res.Peers {
		if p.IP == nil || p.Port <= 0 || p.Port > 65535 {
			continue
		}
		out.Peers = append(out.Peers, net.JoinHostPort(p.IP.String(), strconv.Itoa(p.Port)))
	}
	return out, nil
}

func announceRequest(req Request) anacrolix.AnnounceRequest {
	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}
	return anacrolix.AnnounceRequest{
		InfoHash:   req.InfoHash,
		PeerId:     req.PeerID,
		Downloaded: req.Downloaded,
		Left:       req.Left,
		Uploaded:   req.Uploaded,
		Event:      announceEvent(req.Event),
		NumWant:    numWant,
		Port:       req.Port,
	}
}

func announceEvent(e Event) anacrolix.AnnounceEvent {
	switch e {
	case Started:
		return anacrolix.Started
	case Stopped:
		return anacrolix.Stopped
	case Completed:
		return anacrolix.Completed
	}
	return anacrolix.None
}
