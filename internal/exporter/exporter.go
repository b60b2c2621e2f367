// Package exporter writes JSON documents to the remote tree store over
// HTTP and probes its reachability.
package exporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/http2"

	"github.com/szibis/vitals-sync/internal/auth"
	"github.com/szibis/vitals-sync/internal/compression"
	tlspkg "github.com/szibis/vitals-sync/internal/tls"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vitals_sync_destination_requests_total",
		Help: "Total number of requests sent to the destination by method and outcome",
	}, []string{"method", "outcome"})

	requestBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vitals_sync_destination_request_bytes_total",
		Help: "Total request body bytes sent to the destination",
	}, []string{"compression"})

	requestErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vitals_sync_destination_errors_total",
		Help: "Total number of failed destination requests by error type",
	}, []string{"error_type"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vitals_sync_destination_request_duration_seconds",
		Help:    "Latency of destination requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(requestBytesTotal)
	prometheus.MustRegister(requestErrorsTotal)
	prometheus.MustRegister(requestDuration)
}

// Writer performs writes against the destination tree.
type Writer interface {
	// Post appends body as a new child of path.
	Post(ctx context.Context, path string, body any) error
	// Patch merges the flat slash-keyed body into path.
	Patch(ctx context.Context, path string, body any) error
}

// Prober checks reachability. A nil error means reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPClientConfig holds HTTP client connection pool settings.
type HTTPClientConfig struct {
	// MaxIdleConns controls the maximum number of idle (keep-alive) connections
	// across all hosts. Zero means no limit.
	MaxIdleConns int
	// MaxIdleConnsPerHost controls the maximum idle (keep-alive) connections
	// to keep per-host.
	MaxIdleConnsPerHost int
	// IdleConnTimeout is the maximum amount of time an idle connection will
	// remain idle before closing itself.
	IdleConnTimeout time.Duration
	// ForceAttemptHTTP2 enables HTTP/2 on plain TCP endpoints too.
	ForceAttemptHTTP2 bool
	// HTTP2ReadIdleTimeout is the timeout after which a health check using ping
	// frame will be carried out if no frame is received on the connection.
	HTTP2ReadIdleTimeout time.Duration
	// HTTP2PingTimeout is the timeout after which the connection will be closed
	// if a response to Ping is not received.
	HTTP2PingTimeout time.Duration
}

// Config holds the exporter configuration.
type Config struct {
	// BaseURL is the destination root, e.g. https://project.firebaseio.com.
	BaseURL string
	// Timeout bounds every request, including the probe.
	Timeout time.Duration
	// TLS configuration for the destination.
	TLS tlspkg.ClientConfig
	// Auth selects how the session token and extra headers are sent.
	Auth auth.ClientConfig
	// Compression is applied to request bodies when set.
	Compression compression.Config
	// HTTPClient configuration for HTTP connection pooling.
	HTTPClient HTTPClientConfig
}

// HTTPExporter talks to a REST tree store where every node is addressed
// as {base}/{path}.json.
type HTTPExporter struct {
	base        *url.URL
	client      *http.Client
	timeout     time.Duration
	compression compression.Config
}

// New creates an exporter. tokens supplies the session token and may be nil.
func New(cfg Config, tokens auth.TokenSource) (*HTTPExporter, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("destination base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid destination base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("destination base URL must be http or https, got %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     cfg.HTTPClient.ForceAttemptHTTP2,
		MaxIdleConns:          cfg.HTTPClient.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.HTTPClient.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.HTTPClient.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.Timeout,
		ExpectContinueTimeout: time.Second,
	}
	if transport.MaxIdleConns == 0 {
		transport.MaxIdleConns = 16
	}
	if transport.MaxIdleConnsPerHost == 0 {
		transport.MaxIdleConnsPerHost = 16
	}
	if transport.IdleConnTimeout == 0 {
		transport.IdleConnTimeout = 90 * time.Second
	}

	tlsConfig, err := tlspkg.NewClientTLSConfig(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
	}

	if cfg.HTTPClient.ForceAttemptHTTP2 || base.Scheme == "https" {
		http2Transport, err := http2.ConfigureTransports(transport)
		if err == nil && http2Transport != nil {
			if cfg.HTTPClient.HTTP2ReadIdleTimeout > 0 {
				http2Transport.ReadIdleTimeout = cfg.HTTPClient.HTTP2ReadIdleTimeout
			}
			if cfg.HTTPClient.HTTP2PingTimeout > 0 {
				http2Transport.PingTimeout = cfg.HTTPClient.HTTP2PingTimeout
			}
		}
	}

	return &HTTPExporter{
		base: base,
		client: &http.Client{
			Transport: auth.HTTPTransport(cfg.Auth, tokens, transport),
			Timeout:   cfg.Timeout,
		},
		timeout:     cfg.Timeout,
		compression: cfg.Compression,
	}, nil
}

// Post appends body under path.
func (e *HTTPExporter) Post(ctx context.Context, path string, body any) error {
	return e.do(ctx, http.MethodPost, path, body)
}

// Patch merges body into path.
func (e *HTTPExporter) Patch(ctx context.Context, path string, body any) error {
	return e.do(ctx, http.MethodPatch, path, body)
}

// Probe fetches the tree root. Any 2xx response means reachable.
func (e *HTTPExporter) Probe(ctx context.Context) error {
	return e.do(ctx, http.MethodGet, "", nil)
}

// URL returns the request URL for path.
func (e *HTTPExporter) URL(path string) string {
	u := *e.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Trim(path, "/") + ".json"
	return u.String()
}

func (e *HTTPExporter) do(ctx context.Context, method, path string, body any) error {
	start := time.Now()
	err := e.send(ctx, method, path, body)
	requestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

	if err != nil {
		requestsTotal.WithLabelValues(method, "failure").Inc()
		requestErrorsTotal.WithLabelValues(string(TypeOf(err))).Inc()
		return err
	}
	requestsTotal.WithLabelValues(method, "success").Inc()
	return nil
}

func (e *HTTPExporter) send(ctx context.Context, method, path string, body any) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var reader io.Reader
	encoding := ""
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &WriteError{Err: err, Type: ErrorTypeClientError, Method: method, Path: path, Message: "unencodable body"}
		}
		if e.compression.Type != "" && e.compression.Type != compression.TypeNone {
			compressed, err := compression.Compress(data, e.compression)
			if err != nil {
				return &WriteError{Err: err, Type: ErrorTypeClientError, Method: method, Path: path, Message: "compression failed"}
			}
			data = compressed
			encoding = e.compression.Type.ContentEncoding()
		}
		requestBytesTotal.WithLabelValues(string(e.compressionLabel())).Add(float64(len(data)))
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.URL(path), reader)
	if err != nil {
		return &WriteError{Err: err, Type: ErrorTypeClientError, Method: method, Path: path}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return &WriteError{Err: err, Type: classifyTransportError(err), Method: method, Path: path, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &WriteError{
		Err:        errors.New("unexpected status " + strconv.Itoa(resp.StatusCode)),
		Type:       ClassifyStatus(resp.StatusCode),
		Method:     method,
		Path:       path,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(msg)),
	}
}

func (e *HTTPExporter) compressionLabel() compression.Type {
	if e.compression.Type == "" {
		return compression.TypeNone
	}
	return e.compression.Type
}
