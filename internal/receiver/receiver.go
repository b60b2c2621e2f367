// Package receiver serves the local JSON API used by the acquisition and
// presentation layers.
package receiver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/szibis/vitals-sync/internal/auth"
	"github.com/szibis/vitals-sync/internal/engine"
	"github.com/szibis/vitals-sync/internal/logging"
	"github.com/szibis/vitals-sync/internal/queue"
	"github.com/szibis/vitals-sync/internal/sample"
	"github.com/szibis/vitals-sync/internal/status"
	tlspkg "github.com/szibis/vitals-sync/internal/tls"
)

// Engine is the part of the sync engine exposed over HTTP.
type Engine interface {
	Submit(ctx context.Context, s sample.TelemetrySample) error
	SubmitAggregate(ctx context.Context, r sample.AggregatedRecord) error
	ManualSync(ctx context.Context) (engine.SyncResult, error)
	ClearQueue(ctx context.Context) (int, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Status() status.SyncStatus
	Subscribe(buffer int) (<-chan status.SyncStatus, func())
	QueueItems(ctx context.Context) ([]queue.Item, error)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// MaxRequestBodySize limits the decoded request body. Zero means 1 MiB.
	MaxRequestBodySize int64
	// ReadHeaderTimeout is the maximum duration for reading request headers.
	ReadHeaderTimeout time.Duration
	// WriteTimeout is the maximum duration before timing out writes of the
	// response. Zero means no timeout, which status streams need.
	WriteTimeout time.Duration
	// IdleTimeout is the maximum amount of time to wait for the next request
	// when keep-alives are enabled.
	IdleTimeout time.Duration
	// StreamHeartbeat is the interval of keep-alive comments on status
	// streams.
	StreamHeartbeat time.Duration
}

// Config holds the receiver configuration.
type Config struct {
	// Addr is the listen address.
	Addr string
	// TLS configuration for secure connections.
	TLS tlspkg.ServerConfig
	// Auth configuration for authentication.
	Auth auth.ServerConfig
	// Server configuration for HTTP server settings.
	Server ServerConfig
}

const defaultMaxBody = 1 << 20

// Receiver is the local API server.
type Receiver struct {
	engine    Engine
	addr      string
	server    *http.Server
	handler   http.Handler
	tlsConfig *tls.Config
	maxBody   int64
	heartbeat time.Duration

	quit     chan struct{}
	quitOnce sync.Once
}

// New creates a receiver.
func New(cfg Config, eng Engine) (*Receiver, error) {
	r := &Receiver{
		engine:    eng,
		addr:      cfg.Addr,
		maxBody:   cfg.Server.MaxRequestBodySize,
		heartbeat: cfg.Server.StreamHeartbeat,
		quit:      make(chan struct{}),
	}
	if r.maxBody <= 0 {
		r.maxBody = defaultMaxBody
	}
	if r.heartbeat <= 0 {
		r.heartbeat = 15 * time.Second
	}

	tlsConfig, err := tlspkg.NewServerTLSConfig(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config for receiver: %w", err)
	}
	r.tlsConfig = tlsConfig

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/samples", r.handleSamples)
	mux.HandleFunc("POST /v1/aggregates", r.handleAggregates)
	mux.HandleFunc("GET /v1/status", r.handleStatus)
	mux.HandleFunc("GET /v1/status/stream", r.handleStatusStream)
	mux.HandleFunc("POST /v1/sync", r.handleSync)
	mux.HandleFunc("GET /v1/queue", r.handleQueue)
	mux.HandleFunc("DELETE /v1/queue", r.handleClearQueue)
	mux.HandleFunc("POST /v1/pause", r.handlePause)
	mux.HandleFunc("POST /v1/resume", r.handleResume)

	var handler http.Handler = mux
	if cfg.Auth.Enabled {
		handler = auth.HTTPMiddleware(cfg.Auth, mux)
	}
	r.handler = handler

	readHeaderTimeout := cfg.Server.ReadHeaderTimeout
	if readHeaderTimeout == 0 {
		readHeaderTimeout = 10 * time.Second
	}
	idleTimeout := cfg.Server.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = time.Minute
	}

	r.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		TLSConfig:         r.tlsConfig,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       idleTimeout,
	}
	r.server.RegisterOnShutdown(r.closeStreams)
	return r, nil
}

// Handler returns the API handler including authentication.
func (r *Receiver) Handler() http.Handler {
	return r.handler
}

// Start serves until Stop is called. It returns nil after a clean stop.
func (r *Receiver) Start() error {
	logging.Info("API receiver started", logging.F(
		"addr", r.addr,
		"tls", r.tlsConfig != nil,
	))
	var err error
	if r.tlsConfig != nil {
		// The certificate is already in the server's TLSConfig.
		err = r.server.ListenAndServeTLS("", "")
	} else {
		err = r.server.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully stops the server and ends open status streams.
func (r *Receiver) Stop(ctx context.Context) error {
	r.closeStreams()
	return r.server.Shutdown(ctx)
}

func (r *Receiver) closeStreams() {
	r.quitOnce.Do(func() { close(r.quit) })
}

// HealthCheck returns nil if the receiver port is accepting connections.
func (r *Receiver) HealthCheck() error {
	conn, err := net.DialTimeout("tcp", r.addr, time.Second)
	if err != nil {
		return fmt.Errorf("receiver not reachable on %s: %w", r.addr, err)
	}
	conn.Close()
	return nil
}
