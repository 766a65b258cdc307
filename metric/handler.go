package metric

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/trkdaq/errors"
)

// DefaultPath is where metrics are served unless configured otherwise.
const DefaultPath = "/metrics"

// Server serves the registry over HTTP with a /health endpoint next to it.
type Server struct {
	addr     string
	path     string
	registry *MetricsRegistry
	server   *http.Server
}

// ServerOption configures a Server
type ServerOption func(*serverOptions)

type serverOptions struct {
	health http.Handler
}

// WithHealthHandler serves h on /health instead of a static "OK".
func WithHealthHandler(h http.Handler) ServerOption {
	return func(o *serverOptions) {
		o.health = h
	}
}

// NewServer creates a metrics server listening on addr, e.g. ":9090".
func NewServer(addr, path string, registry *MetricsRegistry, opts ...ServerOption) *Server {
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	if path == "" {
		path = DefaultPath
	}
	if addr == "" {
		addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(registry.PrometheusRegistry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	if o.health != nil {
		mux.Handle("/health", o.health)
	} else {
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
	}

	return &Server{
		addr:     addr,
		path:     path,
		registry: registry,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Run", fmt.Sprintf("listen on %s", s.addr))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.WrapFatal(err, "Server", "Run", "serve metrics")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return errors.WrapTransient(err, "Server", "Run", "shutdown metrics server")
	}
	return nil
}

// Address returns the URL metrics are served on.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s%s", s.addr, s.path)
}
