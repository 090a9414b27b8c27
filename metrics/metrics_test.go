package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	HashFailures.Inc()
	DroppedConnections.WithLabelValues("timeout").Add(2)
	ActiveTorrents.WithLabelValues("downloading").Set(1)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "leecher_hash_failures_total")
	assert.Contains(t, names, "leecher_dropped_connections_total")
	assert.Equal(t, float64(2), testutil.ToFloat64(DroppedConnections.WithLabelValues("timeout")))

	assert.Panics(t, func() { Register(reg) })
}

func TestServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(PiecesVerified)
	PiecesVerified.Inc()

	log := logrus.New()
	log.SetOutput(io.Discard)
	s, err := NewServer("127.0.0.1:0", reg, log)
	require.NoError(t, err)
	defer s.Stop(context.Background())

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "leecher_pieces_verified_total")
}
