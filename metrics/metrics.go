package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ActiveTorrents = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "leecher",
		Name:      "torrents",
		Help:      "Number of torrents by state.",
	}, []string{"state"})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "leecher",
		Name:      "peers_connected",
		Help:      "Total number of peers connected across all torrents.",
	})

	DownloadedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "leecher",
		Name:      "downloaded_bytes_total",
		Help:      "Piece payload bytes received from peers.",
	})

	UploadedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "leecher",
		Name:      "uploaded_bytes_total",
		Help:      "Piece payload bytes sent to peers.",
	})

	PiecesVerified = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "leecher",
		Name:      "pieces_verified_total",
		Help:      "Pieces that passed hash verification.",
	})

	HashFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "leecher",
		Name:      "hash_failures_total",
		Help:      "Pieces that failed hash verification and were reset.",
	})

	RequestTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "leecher",
		Name:      "request_timeouts_total",
		Help:      "Block requests that expired without an answer.",
	})

	DroppedConnections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leecher",
		Name:      "dropped_connections_total",
		Help:      "Peer connections closed by reason.",
	}, []string{"reason"})

	ResumeSaves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leecher",
		Name:      "resume_saves_total",
		Help:      "Resume record writes by result.",
	}, []string{"result"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		ActiveTorrents,
		PeersConnected,
		DownloadedBytes,
		UploadedBytes,
		PiecesVerified,
		HashFailures,
		RequestTimeouts,
		DroppedConnections,
		ResumeSaves,
	)
}
