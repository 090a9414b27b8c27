// Package tracker announces torrents to HTTP and UDP trackers and collects the
// peers they return.
package tracker

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// Event is the announce event.
type Event string

const (
	None      Event = ""
	Started   Event = "started"
	Stopped   Event = "stopped"
	Completed Event = "completed"
)

// DefaultInterval is used when a tracker does not send one.
const DefaultInterval = 30 * time.Minute

// minInterval guards against trackers asking for a flood of announces.
const minInterval = 30 * time.Second

// Request is what we tell a tracker.
type Request struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int
}

// Response contains peer information from tracker
type Response struct {
	Interval time.Duration
	Seeders  int
	Leechers int
	Peers    []string
}

// Client announces to one tracker URL.
type Client interface {
	Announce(ctx context.Context, announceURL string, req Request) (*Response, error)
}

// Supported reports whether announceURL has a scheme Remote can use.
func Supported(announceURL string) bool {
	u, err := url.Parse(announceURL)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "udp":
		return true
	}
	return false
}

func interval(seconds int) time.Duration {
	if seconds <= 0 {
		return DefaultInterval
	}
	d := time.Duration(seconds) * time.Second
	if d < minInterval {
		return minInterval
	}
	return d
}
