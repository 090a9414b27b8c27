// Package choke picks which interested peers we upload to.
package choke

import (
	"math/rand"
	"sort"
	"time"
)

// DefaultSlots is the number of regular unchoke slots.
const DefaultSlots = 4

// Candidate is the per-peer input to a choke round.
type Candidate struct {
	Peer       string
	Interested bool
	// DownloadRate is what the peer gives us, UploadRate what we give it.
	DownloadRate float64
	UploadRate   float64
}

// Decision lists which peers should end up unchoked and choked. The caller
// diffs it against the current flags.
type Decision struct {
	Unchoke    []string
	Choke      []string
	Optimistic string
}

// Manager runs the tit-for-tat choke rounds with one optimistic slot.
type Manager struct {
	slots      int
	optimistic string
	// queue is the optimistic rotation order; newcomers join at a random
	// position and the head moves to the back once it had its turn.
	queue []string
	rnd   *rand.Rand
}

func New(slots int) *Manager {
	if slots <= 0 {
		slots = DefaultSlots
	}
	return &Manager{slots: slots, rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Seed makes optimistic picks reproducible.
func (m *Manager) Seed(seed int64) { m.rnd = rand.New(rand.NewSource(seed)) }

// Tick ranks interested peers by what they contribute (download rate, or our
// upload rate to them when seeding), unchokes the top slots and rotates one
// optimistic unchoke among the rest.
func (m *Manager) Tick(cands []Candidate, seeding bool) Decision {
	var interested []Candidate
	for _, c := range cands {
		if c.Interested {
			interested = append(interested, c)
		}
	}
	score := func(c Candidate) float64 {
		if seeding {
			return c.UploadRate
		}
		return c.DownloadRate
	}
	sort.SliceStable(interested, func(i, j int) bool {
		si, sj := score(interested[i]), score(interested[j])
		if si != sj {
			return si > sj
		}
		return interested[i].Peer < interested[j].Peer
	})

	unchoke := make(map[string]bool)
	n := m.slots
	if n > len(interested) {
		n = len(interested)
	}
	for _, c := range interested[:n] {
		unchoke[c.Peer] = true
	}

	m.optimistic = m.rotate(interested[n:])
	if m.optimistic != "" {
		unchoke[m.optimistic] = true
	}

	var d Decision
	d.Optimistic = m.optimistic
	for _, c := range cands {
		if unchoke[c.Peer] {
			d.Unchoke = append(d.Unchoke, c.Peer)
		} else {
			d.Choke = append(d.Choke, c.Peer)
		}
	}
	sort.Strings(d.Unchoke)
	sort.Strings(d.Choke)
	return d
}

// rotate picks the next optimistic peer among rest so that every choked,
// interested peer gets a turn before anyone gets a second one.
func (m *Manager) rotate(rest []Candidate) string {
	eligible := make(map[string]bool, len(rest))
	for _, c := range rest {
		eligible[c.Peer] = true
	}
	queued := make(map[string]bool, len(m.queue))
	kept := m.queue[:0]
	for _, p := range m.queue {
		if eligible[p] {
			kept = append(kept, p)
			queued[p] = true
		}
	}
	m.queue = kept
	for _, c := range rest {
		if queued[c.Peer] {
			continue
		}
		i := len(m.queue)
		if i > 0 {
			i = m.rnd.Intn(i + 1)
		}
		m.queue = append(m.queue, "")
		copy(m.queue[i+1:], m.queue[i:])
		m.queue[i] = c.Peer
	}
	if len(m.queue) == 0 {
		return ""
	}
	next := m.queue[0]
	m.queue = append(m.queue[1:], next)
	return next
}
