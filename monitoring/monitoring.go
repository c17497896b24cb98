package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// DefaultListen is the default address of the metrics endpoint.
	DefaultListen = "127.0.0.1:8989"

	// shutdownTimeout bounds how long Stop waits for in-flight scrapes.
	shutdownTimeout = 5 * time.Second
)

// Prometheus is the configuration of the metrics exporter.
//
//nolint:ll
type Prometheus struct {
	Enable bool   `long:"enable" description:"Export Prometheus metrics"`
	Listen string `long:"listen" description:"The interface the Prometheus exporter should listen on"`
}

// DefaultConfig returns the exporter defaults.
func DefaultConfig() *Prometheus {
	return &Prometheus{
		Listen: DefaultListen,
	}
}

// Exporter serves the metrics of a registry over HTTP.
type Exporter struct {
	cfg      *Prometheus
	registry *prometheus.Registry

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener

	wg sync.WaitGroup
}

// NewExporter creates an exporter for a fresh registry that already holds
// the Go runtime and process collectors.
func NewExporter(cfg *Prometheus) *Exporter {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
	)

	return &Exporter{
		cfg:      cfg,
		registry: registry,
	}
}

// Registry returns the registry the application registers its collectors
// with.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Start launches the exporter on the configured address.
func (e *Exporter) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.server != nil {
		return errors.New("exporter already started")
	}

	listener, err := net.Listen("tcp", e.cfg.Listen)
	if err != nil {
		return fmt.Errorf("unable to listen for prometheus on %v: %w",
			e.cfg.Listen, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		e.registry, promhttp.HandlerOpts{},
	))

	e.listener = listener
	e.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Infof("Prometheus exporter started on %v/metrics", listener.Addr())

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		err := e.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Prometheus exporter failed: %v", err)
		}
	}()

	return nil
}

// Addr returns the address the exporter listens on, or nil before Start.
func (e *Exporter) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listener == nil {
		return nil
	}

	return e.listener.Addr()
}

// Stop shuts the exporter down. It is a no-op if it was never started.
func (e *Exporter) Stop() error {
	e.mu.Lock()
	server := e.server
	e.mu.Unlock()

	if server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(
		context.Background(), shutdownTimeout,
	)
	defer cancel()

	err := server.Shutdown(ctx)
	e.wg.Wait()

	log.Info("Prometheus exporter stopped")

	return err
}
