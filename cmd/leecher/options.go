package main

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mindsgn-studio/leecher/config"
)

// options are the command line flags.
type options struct {
	configPath string
	savePath   string
	port       int
	daemon     bool
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(o options) (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		c, err := config.ParseConfigFile(o.configPath)
		if err != nil {
			return cfg, errors.Wrap(err, "failed to read config")
		}
		cfg = *c
	}
	if o.savePath != "" {
		cfg.SavePath = o.savePath
	}
	if o.port > 0 {
		cfg.ListenPorts = config.PortRange{First: o.port, Last: o.port}
	}
	return cfg, cfg.Validate()
}

// newLogger builds the process logger. In TUI mode it writes to a file under
// the save path so log lines do not tear the screen.
func newLogger(cfg config.Config, toFile bool) (*logrus.Logger, io.Closer, error) {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, errors.Wrap(err, "log_level")
	}
	log.SetLevel(level)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if !toFile {
		return log, io.NopCloser(nil), nil
	}
	if err := os.MkdirAll(cfg.SavePath, 0755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(filepath.Join(cfg.SavePath, "leecher.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	log.SetOutput(f)
	return log, f, nil
}
