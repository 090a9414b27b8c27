// Package mobile wraps the engine for gomobile bindings. One Client runs one
// torrent and every method uses simple types.
package mobile

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/mindsgn-studio/leecher/config"
	"github.com/mindsgn-studio/leecher/engine"
)

const stopTimeout = 30 * time.Second

// Client is the mobile-friendly BitTorrent client interface
// All methods use simple types compatible with gomobile
type Client struct {
	source string

	mu     sync.Mutex
	cfg    config.Config
	eng    *engine.Engine
	handle engine.Handle
	added  bool
}

// NewClient creates a client for a .torrent path or magnet link.
// downloadDir: directory where files will be saved
func NewClient(source, downloadDir string) (*Client, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, errors.New("no torrent source")
	}
	cfg := config.Default()
	cfg.SavePath = downloadDir
	return &Client{source: source, cfg: cfg}, nil
}

// Start begins downloading the torrent
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eng != nil {
		return nil
	}
	eng, err := engine.New(c.cfg)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		eng.Close()
		return err
	}
	var h engine.Handle
	if strings.HasPrefix(c.source, "magnet:") {
		h, err = eng.AddMagnet(ctx, c.source, engine.ResumeAuto)
	} else {
		h, err = eng.AddTorrentFile(ctx, c.source, engine.ResumeAuto)
	}
	if err != nil {
		eng.Close()
		return err
	}
	c.eng, c.handle, c.added = eng, h, true
	return nil
}

// Pause pauses the download
func (c *Client) Pause() error {
	eng, h, ok := c.session()
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return eng.Pause(ctx, h)
}

// Resume resumes a paused download
func (c *Client) Resume() error {
	eng, h, ok := c.session()
	if !ok {
		return nil
	}
	return eng.Resume(h)
}

// Stop saves resume data and closes all connections
func (c *Client) Stop() error {
	c.mu.Lock()
	eng := c.eng
	c.eng, c.added = nil, false
	c.mu.Unlock()
	if eng == nil {
		return nil
	}
	return eng.Close()
}

func (c *Client) session() (*engine.Engine, engine.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eng, c.handle, c.eng != nil && c.added
}

func (c *Client) status() (engine.Status, bool) {
	eng, h, ok := c.session()
	if !ok {
		return engine.Status{}, false
	}
	st, err := eng.Status(h)
	return st, err == nil
}

// GetProgress returns download progress as percentage (0-100)
func (c *Client) GetProgress() float64 {
	st, _ := c.status()
	return st.Fraction * 100.0
}

// GetDownloadSpeed returns current download speed in bytes per second
func (c *Client) GetDownloadSpeed() float64 {
	st, _ := c.status()
	return st.DownloadRate
}

// GetUploadSpeed returns current upload speed in bytes per second
func (c *Client) GetUploadSpeed() float64 {
	st, _ := c.status()
	return st.UploadRate
}

// GetNumPeers returns number of connected peers
func (c *Client) GetNumPeers() int {
	st, _ := c.status()
	return st.Peers
}

// GetStatus returns the state name, or "stopped" when not running.
func (c *Client) GetStatus() string {
	st, ok := c.status()
	if !ok {
		return "stopped"
	}
	return st.State.String()
}

// GetStatusLabel returns the human readable status line.
func (c *Client) GetStatusLabel() string {
	st, ok := c.status()
	if !ok {
		return "Stopped"
	}
	return st.Label
}

// GetError returns the failure message of a failed torrent, or "".
func (c *Client) GetError() string {
	st, _ := c.status()
	if st.Err == nil {
		return ""
	}
	return st.Err.Error()
}

// GetTorrentName returns the name of the torrent
func (c *Client) GetTorrentName() string {
	st, _ := c.status()
	return st.Name
}

// GetTotalSize returns total size in bytes, 0 until metadata is known
func (c *Client) GetTotalSize() int64 {
	st, _ := c.status()
	return st.TotalSize
}

// GetDownloadedBytes returns total downloaded bytes
func (c *Client) GetDownloadedBytes() int64 {
	st, _ := c.status()
	return st.Downloaded
}

// GetUploadedBytes returns total uploaded bytes
func (c *Client) GetUploadedBytes() int64 {
	st, _ := c.status()
	return st.Uploaded
}

// EnableSequentialMode downloads pieces in order, for streaming. It applies
// from the next Start.
func (c *Client) EnableSequentialMode() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Strategy = "sequential"
}

// SetMaxDownloadSpeed sets maximum download speed in bytes per second
// Use 0 for unlimited
func (c *Client) SetMaxDownloadSpeed(bytesPerSecond int64) {
	c.mu.Lock()
	c.cfg.DownloadRateLimit = bytesPerSecond
	eng, cfg := c.eng, c.cfg
	c.mu.Unlock()
	if eng != nil {
		eng.SetRateLimits(cfg.DownloadRateLimit, cfg.UploadRateLimit)
	}
}

// SetMaxUploadSpeed sets maximum upload speed in bytes per second
// Use 0 for unlimited
func (c *Client) SetMaxUploadSpeed(bytesPerSecond int64) {
	c.mu.Lock()
	c.cfg.UploadRateLimit = bytesPerSecond
	eng, cfg := c.eng, c.cfg
	c.mu.Unlock()
	if eng != nil {
		eng.SetRateLimits(cfg.DownloadRateLimit, cfg.UploadRateLimit)
	}
}

// SetMaxPeers sets maximum number of peer connections; applies from the next
// Start.
func (c *Client) SetMaxPeers(max int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if max > 0 {
		c.cfg.MaxConnections = max
	}
}

// SetListenPorts sets the port range tried in order; 0 picks any free port.
func (c *Client) SetListenPorts(first, last int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.ListenPorts = config.PortRange{First: first, Last: last}
}

// SetDHTEnabled turns the DHT on or off for the next Start.
func (c *Client) SetDHTEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.DHT.Enabled = enabled
}

// FormatBytes formats bytes into human-readable string
// This is a helper function that can be called from mobile apps
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}

// FormatSpeed formats speed into human-readable string
func FormatSpeed(bytesPerSecond float64) string {
	return FormatBytes(int64(bytesPerSecond)) + "/s"
}
