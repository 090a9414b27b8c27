// Package config holds the session settings and loads them from YAML.
package config

import (
	"io/ioutil"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// PortRange is an inclusive range of TCP ports, written "6881-6891" or "6881".
type PortRange struct {
	First, Last int
}

func ParsePortRange(s string) (PortRange, error) {
	s = strings.TrimSpace(s)
	first, last := s, s
	if i := strings.IndexByte(s, '-'); i >= 0 {
		first, last = s[:i], s[i+1:]
	}
	a, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return PortRange{}, errors.Errorf("invalid port range %q", s)
	}
	b, err := strconv.Atoi(strings.TrimSpace(last))
	if err != nil {
		return PortRange{}, errors.Errorf("invalid port range %q", s)
	}
	return PortRange{First: a, Last: b}, nil
}

func (r PortRange) String() string {
	if r.First == r.Last {
		return strconv.Itoa(r.First)
	}
	return strconv.Itoa(r.First) + "-" + strconv.Itoa(r.Last)
}

// UnmarshalYAML accepts both "6881-6891" and a bare port number.
func (r *PortRange) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	pr, err := ParsePortRange(s)
	if err != nil {
		return err
	}
	*r = pr
	return nil
}

func (r PortRange) MarshalYAML() (interface{}, error) {
	return r.String(), nil
}

// DHTConfig configures the shared DHT node.
type DHTConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Port           int      `yaml:"port"`
	BootstrapNodes []string `yaml:"bootstrap_nodes"`
}

// TrackerConfig configures announcing.
type TrackerConfig struct {
	Enabled       bool `yaml:"enabled"`
	AnnounceToAll bool `yaml:"announce_to_all"`
}

// Config represents the configuration used for running leecher.
type Config struct {
	ListenPorts        PortRange     `yaml:"listen_ports"`
	DownloadRateLimit  int64         `yaml:"download_rate_limit"`
	UploadRateLimit    int64         `yaml:"upload_rate_limit"`
	PipelineDepth      int           `yaml:"pipeline_depth"`
	MaxConnections     int           `yaml:"max_connections"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	MaxRequestTimeouts int           `yaml:"max_request_timeouts"`
	ChokeInterval      time.Duration `yaml:"choke_interval"`
	UnchokeSlots       int           `yaml:"unchoke_slots"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	Strategy           string        `yaml:"strategy"`

	SavePath    string `yaml:"save_path"`
	ResumeDir   string `yaml:"resume_dir"`
	CatalogPath string `yaml:"catalog_path"`

	DHT      DHTConfig     `yaml:"dht"`
	Trackers TrackerConfig `yaml:"trackers"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// Default returns the settings used when no file overrides them.
func Default() Config {
	return Config{
		ListenPorts:        PortRange{First: 6881, Last: 6891},
		PipelineDepth:      5,
		MaxConnections:     50,
		RequestTimeout:     60 * time.Second,
		MaxRequestTimeouts: 3,
		ChokeInterval:      10 * time.Second,
		UnchokeSlots:       4,
		CheckpointInterval: 30 * time.Second,
		Strategy:           "rarest-first",
		SavePath:           "./downloads",
		DHT: DHTConfig{
			Enabled:        true,
			BootstrapNodes: []string{"router.bittorrent.com:6881"},
		},
		Trackers:  TrackerConfig{Enabled: true},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// ResumePath returns where resume records live; it defaults to the save path.
func (c Config) ResumePath() string {
	if c.ResumeDir != "" {
		return c.ResumeDir
	}
	return c.SavePath
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch {
	case c.ListenPorts.First < 0 || c.ListenPorts.Last > 65535 || c.ListenPorts.First > c.ListenPorts.Last:
		return errors.Errorf("listen_ports %s is not a valid range", c.ListenPorts)
	case c.DownloadRateLimit < 0 || c.UploadRateLimit < 0:
		return errors.New("rate limits must not be negative")
	case c.PipelineDepth < 1:
		return errors.New("pipeline_depth must be at least 1")
	case c.MaxConnections < 1:
		return errors.New("max_connections must be at least 1")
	case c.RequestTimeout <= 0:
		return errors.New("request_timeout must be positive")
	case c.MaxRequestTimeouts < 1:
		return errors.New("max_request_timeouts must be at least 1")
	case c.ChokeInterval <= 0:
		return errors.New("choke_interval must be positive")
	case c.UnchokeSlots < 1:
		return errors.New("unchoke_slots must be at least 1")
	case c.CheckpointInterval <= 0:
		return errors.New("checkpoint_interval must be positive")
	case c.SavePath == "":
		return errors.New("save_path must be set")
	case c.DHT.Port < 0 || c.DHT.Port > 65535:
		return errors.Errorf("dht.port %d out of range", c.DHT.Port)
	}
	switch c.Strategy {
	case "rarest-first", "sequential":
	default:
		return errors.Errorf("unknown strategy %q", c.Strategy)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return errors.Errorf("unknown log_format %q", c.LogFormat)
	}
	return nil
}

// ConfigFile represents a namespaced YAML configuration file.
type ConfigFile struct {
	Leecher Config `yaml:"leecher"`
}

// ParseConfigFile returns the configuration in the YAML file at path, layered
// over Default.
//
// It supports relative and absolute paths and environment variables.
func ParseConfigFile(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("no config path specified")
	}

	f, err := os.Open(os.ExpandEnv(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	contents, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, err
	}

	cfgFile := ConfigFile{Leecher: Default()}
	if err := yaml.Unmarshal(contents, &cfgFile); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	if err := cfgFile.Leecher.Validate(); err != nil {
		return nil, err
	}
	return &cfgFile.Leecher, nil
}
