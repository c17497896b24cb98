package monitoring

import (
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// TestExporterServesRegistry checks that collectors registered after
// creation are scraped from the endpoint.
func TestExporterServesRegistry(t *testing.T) {
	t.Parallel()

	exporter := NewExporter(&Prometheus{
		Enable: true,
		Listen: "127.0.0.1:0",
	})
	require.Nil(t, exporter.Addr())

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "swapwatch_test_gauge",
		Help: "Test gauge.",
	})
	exporter.Registry().MustRegister(gauge)
	gauge.Set(42)

	require.NoError(t, exporter.Start())
	require.Error(t, exporter.Start())

	url := fmt.Sprintf("http://%v/metrics", exporter.Addr())
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "swapwatch_test_gauge 42")
	require.Contains(t, string(body), "go_goroutines")

	require.NoError(t, exporter.Stop())
}

func TestExporterStopWithoutStart(t *testing.T) {
	t.Parallel()

	require.NoError(t, NewExporter(DefaultConfig()).Stop())
}
