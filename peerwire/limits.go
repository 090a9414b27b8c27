package peerwire

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limits holds the session-wide token buckets shared by every connection.
type Limits struct {
	Download *rate.Limiter
	Upload   *rate.Limiter
}

// NewLimits builds limiters for the given caps in bytes per second. Zero
// means unlimited.
func NewLimits(download, upload int64) *Limits {
	return &Limits{Download: newLimiter(download), Upload: newLimiter(upload)}
}

func newLimiter(bps int64) *rate.Limiter {
	if bps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(bps)
	if burst < MaxRequestLength {
		burst = MaxRequestLength
	}
	return rate.NewLimiter(rate.Limit(bps), burst)
}

// SetDownload changes the download cap at runtime.
func (l *Limits) SetDownload(bps int64) { set(l.Download, bps) }

// SetUpload changes the upload cap at runtime.
func (l *Limits) SetUpload(bps int64) { set(l.Upload, bps) }

func set(l *rate.Limiter, bps int64) {
	now := time.Now()
	if bps <= 0 {
		l.SetLimitAt(now, rate.Inf)
		return
	}
	if l.Burst() < MaxRequestLength {
		l.SetBurstAt(now, MaxRequestLength)
	}
	l.SetLimitAt(now, rate.Limit(bps))
}

func wait(ctx context.Context, l *rate.Limiter, n int) error {
	if l == nil || l.Limit() == rate.Inf || n <= 0 {
		return nil
	}
	if b := l.Burst(); n > b {
		n = b
	}
	return l.WaitN(ctx, n)
}

// Meter is a smoothed byte rate. It is owned by the torrent loop.
type Meter struct {
	window int64
	rate   float64
	last   time.Time
}

func (m *Meter) Add(n int) {
	m.window += int64(n)
}

// Tick folds the bytes seen since the previous tick into the rate.
func (m *Meter) Tick(now time.Time) {
	if m.last.IsZero() {
		m.last = now
		return
	}
	elapsed := now.Sub(m.last).Seconds()
	if elapsed <= 0 {
		return
	}
	sample := float64(m.window) / elapsed
	m.rate = 0.5*m.rate + 0.5*sample
	m.window = 0
	m.last = now
}

// Rate returns bytes per second.
func (m *Meter) Rate() float64 { return m.rate }
