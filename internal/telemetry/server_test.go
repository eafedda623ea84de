package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestHandlerHealthz(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(Handler(prometheus.NewRegistry()))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandlerMetricsExposition(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ItemsProcessed.WithLabelValues("completed").Inc()
	m.DeadLetters.WithLabelValues("fetch_error").Inc()
	m.BytesTransferred.Add(4096)

	srv := httptest.NewServer(Handler(reg))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	require.Contains(t, text, `scraper_items_processed_total{outcome="completed"} 1`)
	require.Contains(t, text, `scraper_dead_letters_total{reason="fetch_error"} 1`)
	require.Contains(t, text, "scraper_bytes_transferred_total 4096")
}
