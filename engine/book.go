package engine

import (
	"sort"
	"time"

	"github.com/jpillora/backoff"
)

// maxDialFailures is how many failed dials in a row retire an address.
const maxDialFailures = 5

type bookEntry struct {
	busy    bool
	retry   time.Time
	backoff *backoff.Backoff
	dead    bool
}

// addrBook remembers every address discovery produced and when each may be
// dialed again.
type addrBook struct {
	entries map[string]*bookEntry
}

func newAddrBook() *addrBook {
	return &addrBook{entries: make(map[string]*bookEntry)}
}

func (b *addrBook) add(addrs []string) {
	for _, a := range addrs {
		if _, ok := b.entries[a]; ok {
			continue
		}
		b.entries[a] = &bookEntry{backoff: &backoff.Backoff{
			Min:    5 * time.Second,
			Max:    5 * time.Minute,
			Factor: 2,
			Jitter: true,
		}}
	}
}

func (b *addrBook) len() int { return len(b.entries) }

// ready returns up to n addresses that may be dialed now and marks them busy.
func (b *addrBook) ready(now time.Time, n int) []string {
	var out []string
	for a, e := range b.entries {
		if e.busy || e.dead || now.Before(e.retry) {
			continue
		}
		out = append(out, a)
	}
	sort.Strings(out)
	if len(out) > n {
		out = out[:n]
	}
	for _, a := range out {
		b.entries[a].busy = true
	}
	return out
}

func (b *addrBook) failed(addr string, now time.Time) {
	e, ok := b.entries[addr]
	if !ok {
		return
	}
	e.busy = false
	e.retry = now.Add(e.backoff.Duration())
	if int(e.backoff.Attempt()) >= maxDialFailures {
		e.dead = true
	}
}

func (b *addrBook) connected(addr string) {
	if e, ok := b.entries[addr]; ok {
		e.backoff.Reset()
	}
}

// disconnected makes a once-connected address dialable again after the
// minimum delay.
func (b *addrBook) disconnected(addr string, now time.Time) {
	e, ok := b.entries[addr]
	if !ok {
		return
	}
	e.busy = false
	e.retry = now.Add(e.backoff.Duration())
}
