package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mindsgn-studio/leecher/engine"
	"github.com/mindsgn-studio/leecher/metrics"
	"github.com/mindsgn-studio/leecher/tui"
)

func main() {
	var o options

	var rootCmd = &cobra.Command{
		Use:     "leecher [torrent-file | magnet-uri]",
		Short:   "BitTorrent client",
		Long:    "A BitTorrent client that downloads and seeds from .torrent files and magnet links",
		Args:    cobra.MaximumNArgs(1),
		Version: engine.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			source := ""
			if len(args) == 1 {
				source = args[0]
			}
			return run(o, source)
		},
	}

	rootCmd.Flags().StringVar(&o.configPath, "config", "", "location of configuration file")
	rootCmd.Flags().StringVar(&o.savePath, "save-path", "", "directory downloads are saved to")
	rootCmd.Flags().IntVar(&o.port, "port", 0, "listen on this port instead of the configured range")
	rootCmd.Flags().BoolVar(&o.daemon, "daemon", false, "run in daemon mode (no TUI)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(o options, source string) error {
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	log, logFile, err := newLogger(cfg, !o.daemon)
	if err != nil {
		return err
	}
	defer logFile.Close()

	metrics.Register(prometheus.DefaultRegisterer)
	if cfg.MetricsAddr != "" {
		srv, err := metrics.NewServer(cfg.MetricsAddr, prometheus.DefaultGatherer, log)
		if err != nil {
			return err
		}
		defer srv.Stop(context.Background())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(cfg, engine.WithLogger(log))
	if err != nil {
		return err
	}
	// Close saves resume data for every torrent, including on Ctrl-C.
	defer func() {
		if err := eng.Close(); err != nil {
			log.WithError(err).Error("shutdown incomplete")
		}
	}()
	if err := eng.Start(ctx); err != nil {
		return err
	}
	peerID := eng.PeerID()
	log.WithFields(logrus.Fields{"port": eng.Port(), "client": string(peerID[:8])}).Info("session started")
	if n, err := eng.Rehydrate(ctx); err != nil {
		log.WithError(err).Warn("could not restore previous torrents")
	} else if n > 0 {
		log.WithField("torrents", n).Info("restored previous torrents")
	}

	var h engine.Handle
	if source != "" {
		h, err = add(ctx, eng, source)
		if err != nil && !errors.Is(err, engine.ErrAlreadyAdded) {
			return err
		}
	}

	if o.daemon {
		if source == "" {
			return runDaemon(ctx, eng, nil, os.Stdout)
		}
		return runDaemon(ctx, eng, &h, os.Stdout)
	}
	return runTUI(ctx, eng)
}

func add(ctx context.Context, eng *engine.Engine, source string) (engine.Handle, error) {
	if strings.HasPrefix(strings.TrimSpace(source), "magnet:") {
		return eng.AddMagnet(ctx, source, engine.ResumeAuto)
	}
	return eng.AddTorrentFile(ctx, source, engine.ResumeAuto)
}

type statusSource interface {
	Status(h engine.Handle) (engine.Status, error)
}

// runDaemon prints progress once a second until the torrent is seeding, then
// keeps seeding quietly until interrupted. Without a torrent it only serves
// what was restored.
func runDaemon(ctx context.Context, eng statusSource, h *engine.Handle, out io.Writer) error {
	if h == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case <-ticker.C:
		}
		st, err := eng.Status(*h)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\r%s | %.1f%% | down %s/s | up %s/s | %s",
			st.Name,
			st.Fraction*100,
			humanize.IBytes(uint64(st.DownloadRate)),
			humanize.IBytes(uint64(st.UploadRate)),
			st.Label,
		)
		switch st.State {
		case engine.Seeding:
			fmt.Fprintf(out, "\n\nDownload complete! Seeding until interrupted.\n")
			<-ctx.Done()
			return nil
		case engine.Failed:
			fmt.Fprintln(out)
			return errors.Wrap(st.Err, "download failed")
		}
	}
}

func runTUI(ctx context.Context, eng *engine.Engine) error {
	p := tea.NewProgram(tui.NewModel(eng, eng.Config()), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, "tui")
	}
	return nil
}
