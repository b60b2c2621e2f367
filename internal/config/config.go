// Package config loads vitals-sync settings from a YAML file and command
// line flags. Flags that are set explicitly override the file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/szibis/vitals-sync/internal/auth"
	"github.com/szibis/vitals-sync/internal/compression"
	"github.com/szibis/vitals-sync/internal/connectivity"
	"github.com/szibis/vitals-sync/internal/dedup"
	"github.com/szibis/vitals-sync/internal/engine"
	"github.com/szibis/vitals-sync/internal/exporter"
	"github.com/szibis/vitals-sync/internal/queue"
	"github.com/szibis/vitals-sync/internal/receiver"
	"github.com/szibis/vitals-sync/internal/sample"
	"github.com/szibis/vitals-sync/internal/telemetry"
	"github.com/szibis/vitals-sync/internal/throttle"
	tlspkg "github.com/szibis/vitals-sync/internal/tls"
)

// version is set at build time via ldflags
var version = "dev"

// Version returns the build version.
func Version() string { return version }

// Config holds the application configuration.
type Config struct {
	Destination  DestinationConfig  `yaml:"destination"`
	Identity     IdentityConfig     `yaml:"identity"`
	Queue        QueueConfig        `yaml:"queue"`
	Retry        RetryConfig        `yaml:"retry"`
	Throttle     ThrottleConfig     `yaml:"throttle"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Receiver     ReceiverConfig     `yaml:"receiver"`
	Admin        AdminConfig        `yaml:"admin"`
	Dedup        DedupConfig        `yaml:"dedup"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Memory       MemoryConfig       `yaml:"memory"`
	Log          LogConfig          `yaml:"log"`

	// Flags
	ConfigFile  string `yaml:"-"`
	ShowHelp    bool   `yaml:"-"`
	ShowVersion bool   `yaml:"-"`
}

// DestinationConfig describes the remote tree store.
type DestinationConfig struct {
	URL              string               `yaml:"url"`
	PathPrefix       string               `yaml:"path_prefix"`
	Timeout          Duration             `yaml:"timeout"`
	AttemptTimeout   Duration             `yaml:"attempt_timeout"`
	Metadata         bool                 `yaml:"metadata"`
	Compression      string               `yaml:"compression"`
	CompressionLevel int                  `yaml:"compression_level"`
	TokenMode        string               `yaml:"token_mode"`
	Headers          map[string]string    `yaml:"headers"`
	TLS              tlspkg.ClientConfig  `yaml:"tls"`
	HTTPClient       HTTPClientYAMLConfig `yaml:"http_client"`
}

// HTTPClientYAMLConfig holds destination connection pool settings.
type HTTPClientYAMLConfig struct {
	MaxIdleConns         int      `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost  int      `yaml:"max_idle_conns_per_host"`
	IdleConnTimeout      Duration `yaml:"idle_conn_timeout"`
	ForceHTTP2           bool     `yaml:"force_http2"`
	HTTP2ReadIdleTimeout Duration `yaml:"http2_read_idle_timeout"`
	HTTP2PingTimeout     Duration `yaml:"http2_ping_timeout"`
}

// Identity modes.
const (
	IdentityStatic    = "static"
	IdentityAnonymous = "anonymous"
)

// IdentityConfig selects how the user identity is obtained.
type IdentityConfig struct {
	Mode       string   `yaml:"mode"`
	UserID     string   `yaml:"user_id"`
	Token      string   `yaml:"token"`
	APIKey     string   `yaml:"api_key"`
	SignUpURL  string   `yaml:"sign_up_url"`
	RefreshURL string   `yaml:"refresh_url"`
	Timeout    Duration `yaml:"timeout"`
}

// QueueConfig configures the offline queue. An empty Path keeps the queue
// in memory only.
type QueueConfig struct {
	MaxSize         int    `yaml:"max_size"`
	MaxRetries      int    `yaml:"max_retries"`
	Path            string `yaml:"path"`
	Compression     string `yaml:"compression"`
	PersistPayloads bool   `yaml:"persist_payloads"`
}

// RetryConfig configures the backoff between failed queue items.
type RetryConfig struct {
	Base     float64  `yaml:"base"`
	Unit     Duration `yaml:"unit"`
	MaxDelay Duration `yaml:"max_delay"`
}

// ThrottleConfig configures per-type sample admission.
type ThrottleConfig struct {
	Types  []string `yaml:"types"`
	Window Duration `yaml:"window"`
}

// ConnectivityConfig configures reachability probing.
type ConnectivityConfig struct {
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
}

// ReceiverConfig configures the local JSON API.
type ReceiverConfig struct {
	Address            string                 `yaml:"address"`
	TLS                tlspkg.ServerConfig    `yaml:"tls"`
	Auth               ReceiverAuthYAMLConfig `yaml:"auth"`
	MaxRequestBodySize ByteSize               `yaml:"max_request_body_size"`
	ReadHeaderTimeout  Duration               `yaml:"read_header_timeout"`
	WriteTimeout       Duration               `yaml:"write_timeout"`
	IdleTimeout        Duration               `yaml:"idle_timeout"`
	StreamHeartbeat    Duration               `yaml:"stream_heartbeat"`
}

// ReceiverAuthYAMLConfig holds receiver authentication settings.
type ReceiverAuthYAMLConfig struct {
	Enabled           bool   `yaml:"enabled"`
	BearerToken       string `yaml:"bearer_token"`
	BasicAuthUsername string `yaml:"basic_username"`
	BasicAuthPassword string `yaml:"basic_password"`
}

// AdminConfig configures the metrics and health server.
type AdminConfig struct {
	Address string `yaml:"address"`
}

// DedupConfig configures duplicate sample suppression. When enabled, a
// bloom false positive drops a genuine sample; each drop is logged at
// INFO and counted.
type DedupConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Window            Duration `yaml:"window"`
	ExpectedItems     uint     `yaml:"expected_items"`
	FalsePositiveRate float64  `yaml:"false_positive_rate"`
}

// TelemetryConfig configures OTLP self-telemetry. An empty endpoint
// disables it.
type TelemetryConfig struct {
	Endpoint        string            `yaml:"endpoint"`
	Protocol        string            `yaml:"protocol"`
	Insecure        bool              `yaml:"insecure"`
	Timeout         Duration          `yaml:"timeout"`
	PushInterval    Duration          `yaml:"push_interval"`
	Compression     string            `yaml:"compression"`
	Headers         map[string]string `yaml:"headers"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"`
	Retry           struct {
		Enabled     bool     `yaml:"enabled"`
		Initial     Duration `yaml:"initial"`
		MaxInterval Duration `yaml:"max_interval"`
		MaxElapsed  Duration `yaml:"max_elapsed"`
	} `yaml:"retry"`
}

// MemoryConfig configures the soft memory limit. A zero ratio disables it.
type MemoryConfig struct {
	LimitRatio float64 `yaml:"limit_ratio"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	eng := engine.DefaultConfig()
	q := queue.DefaultConfig()
	conn := connectivity.DefaultConfig()
	dd := dedup.DefaultConfig()

	return &Config{
		Destination: DestinationConfig{
			PathPrefix:     eng.PathPrefix,
			Timeout:        Duration(10 * time.Second),
			AttemptTimeout: Duration(eng.AttemptTimeout),
			Metadata:       eng.Metadata,
			Compression:    string(compression.TypeNone),
			TokenMode:      string(auth.TokenQuery),
			HTTPClient: HTTPClientYAMLConfig{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     Duration(90 * time.Second),
			},
		},
		Identity: IdentityConfig{
			Mode:    IdentityStatic,
			Timeout: Duration(10 * time.Second),
		},
		Queue: QueueConfig{
			MaxSize:         q.MaxSize,
			MaxRetries:      q.MaxRetries,
			Compression:     string(compression.TypeZstd),
			PersistPayloads: true,
		},
		Retry: RetryConfig{
			Base:     eng.Backoff.Base,
			Unit:     Duration(eng.Backoff.Unit),
			MaxDelay: Duration(eng.Backoff.MaxDelay),
		},
		Throttle: ThrottleConfig{
			Types:  []string{string(sample.HeartRate)},
			Window: Duration(throttle.DefaultWindow),
		},
		Connectivity: ConnectivityConfig{
			Interval: Duration(conn.Interval),
			Timeout:  Duration(conn.Timeout),
		},
		Receiver: ReceiverConfig{
			Address:            ":8480",
			MaxRequestBodySize: 1 << 20,
			ReadHeaderTimeout:  Duration(10 * time.Second),
			IdleTimeout:        Duration(time.Minute),
			StreamHeartbeat:    Duration(15 * time.Second),
		},
		Admin: AdminConfig{Address: ":9480"},
		Dedup: DedupConfig{
			Enabled:           dd.Enabled,
			Window:            Duration(dd.Window),
			ExpectedItems:     dd.ExpectedItems,
			FalsePositiveRate: dd.FalsePositiveRate,
		},
		Telemetry: TelemetryConfig{
			Protocol:        string(telemetry.ProtocolGRPC),
			PushInterval:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Memory: MemoryConfig{LimitRatio: 0.9},
		Log:    LogConfig{Level: "info"},
	}
}

// ApplyDefaults fills zero values that have no meaningful zero.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Destination.PathPrefix == "" {
		c.Destination.PathPrefix = d.Destination.PathPrefix
	}
	if c.Destination.Timeout == 0 {
		c.Destination.Timeout = d.Destination.Timeout
	}
	if c.Destination.AttemptTimeout == 0 {
		c.Destination.AttemptTimeout = d.Destination.AttemptTimeout
	}
	if c.Destination.Compression == "" {
		c.Destination.Compression = d.Destination.Compression
	}
	if c.Destination.TokenMode == "" {
		c.Destination.TokenMode = d.Destination.TokenMode
	}
	if c.Identity.Mode == "" {
		c.Identity.Mode = d.Identity.Mode
	}
	if c.Queue.Compression == "" {
		c.Queue.Compression = d.Queue.Compression
	}
	if c.Retry.Unit == 0 {
		c.Retry.Unit = d.Retry.Unit
	}
	if c.Connectivity.Interval == 0 {
		c.Connectivity.Interval = d.Connectivity.Interval
	}
	if c.Connectivity.Timeout == 0 {
		c.Connectivity.Timeout = d.Connectivity.Timeout
	}
	if c.Receiver.MaxRequestBodySize == 0 {
		c.Receiver.MaxRequestBodySize = d.Receiver.MaxRequestBodySize
	}
	if c.Telemetry.Protocol == "" {
		c.Telemetry.Protocol = d.Telemetry.Protocol
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}

// ParseFlags parses os.Args. It exits with status 2 on a flag error.
func ParseFlags() (*Config, error) {
	cfg, err := Load(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return &Config{ShowHelp: true}, nil
	}
	if err != nil && strings.HasPrefix(err.Error(), "flag") {
		os.Exit(2)
	}
	return cfg, err
}

// Load builds the configuration from defaults, the file named by -config
// and the explicitly set flags, in that order.
func Load(args []string, output io.Writer) (*Config, error) {
	// First pass only discovers -config.
	probe := DefaultConfig()
	fs := newFlagSet(probe, output)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("flag: %w", err)
	}

	cfg := DefaultConfig()
	if probe.ConfigFile != "" {
		loaded, err := LoadYAML(probe.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", probe.ConfigFile, err)
		}
		cfg = loaded
	}

	fs = newFlagSet(cfg, output)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("flag: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func newFlagSet(cfg *Config, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("vitals-sync", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() { PrintUsage(output) }

	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "")

	// Destination
	d := &cfg.Destination
	fs.StringVar(&d.URL, "destination-url", d.URL, "")
	fs.StringVar(&d.PathPrefix, "destination-path-prefix", d.PathPrefix, "")
	fs.Var(&d.Timeout, "destination-timeout", "")
	fs.Var(&d.AttemptTimeout, "destination-attempt-timeout", "")
	fs.BoolVar(&d.Metadata, "destination-metadata", d.Metadata, "")
	fs.StringVar(&d.Compression, "destination-compression", d.Compression, "")
	fs.IntVar(&d.CompressionLevel, "destination-compression-level", d.CompressionLevel, "")
	fs.StringVar(&d.TokenMode, "destination-token-mode", d.TokenMode, "")
	fs.Func("destination-headers", "", func(s string) error {
		h, err := parseHeaders(s)
		d.Headers = h
		return err
	})
	fs.BoolVar(&d.TLS.Enabled, "destination-tls-enabled", d.TLS.Enabled, "")
	fs.StringVar(&d.TLS.CertFile, "destination-tls-cert", d.TLS.CertFile, "")
	fs.StringVar(&d.TLS.KeyFile, "destination-tls-key", d.TLS.KeyFile, "")
	fs.StringVar(&d.TLS.CAFile, "destination-tls-ca", d.TLS.CAFile, "")
	fs.BoolVar(&d.TLS.InsecureSkipVerify, "destination-tls-skip-verify", d.TLS.InsecureSkipVerify, "")
	fs.StringVar(&d.TLS.ServerName, "destination-tls-server-name", d.TLS.ServerName, "")
	fs.IntVar(&d.HTTPClient.MaxIdleConns, "destination-max-idle-conns", d.HTTPClient.MaxIdleConns, "")
	fs.IntVar(&d.HTTPClient.MaxIdleConnsPerHost, "destination-max-idle-conns-per-host", d.HTTPClient.MaxIdleConnsPerHost, "")
	fs.Var(&d.HTTPClient.IdleConnTimeout, "destination-idle-conn-timeout", "")
	fs.BoolVar(&d.HTTPClient.ForceHTTP2, "destination-force-http2", d.HTTPClient.ForceHTTP2, "")
	fs.Var(&d.HTTPClient.HTTP2ReadIdleTimeout, "destination-http2-read-idle-timeout", "")
	fs.Var(&d.HTTPClient.HTTP2PingTimeout, "destination-http2-ping-timeout", "")

	// Identity
	id := &cfg.Identity
	fs.StringVar(&id.Mode, "identity-mode", id.Mode, "")
	fs.StringVar(&id.UserID, "identity-user-id", id.UserID, "")
	fs.StringVar(&id.Token, "identity-token", id.Token, "")
	fs.StringVar(&id.APIKey, "identity-api-key", id.APIKey, "")
	fs.StringVar(&id.SignUpURL, "identity-sign-up-url", id.SignUpURL, "")
	fs.StringVar(&id.RefreshURL, "identity-refresh-url", id.RefreshURL, "")
	fs.Var(&id.Timeout, "identity-timeout", "")

	// Queue and retry
	q := &cfg.Queue
	fs.IntVar(&q.MaxSize, "queue-max-size", q.MaxSize, "")
	fs.IntVar(&q.MaxRetries, "queue-max-retries", q.MaxRetries, "")
	fs.StringVar(&q.Path, "queue-path", q.Path, "")
	fs.StringVar(&q.Compression, "queue-compression", q.Compression, "")
	fs.BoolVar(&q.PersistPayloads, "queue-persist-payloads", q.PersistPayloads, "")
	fs.Float64Var(&cfg.Retry.Base, "retry-base", cfg.Retry.Base, "")
	fs.Var(&cfg.Retry.Unit, "retry-unit", "")
	fs.Var(&cfg.Retry.MaxDelay, "retry-max-delay", "")

	// Throttle and connectivity
	fs.Func("throttle-types", "", func(s string) error {
		cfg.Throttle.Types = splitList(s)
		return nil
	})
	fs.Var(&cfg.Throttle.Window, "throttle-window", "")
	fs.Var(&cfg.Connectivity.Interval, "connectivity-interval", "")
	fs.Var(&cfg.Connectivity.Timeout, "connectivity-timeout", "")

	// Receiver
	r := &cfg.Receiver
	fs.StringVar(&r.Address, "receiver-listen", r.Address, "")
	fs.BoolVar(&r.TLS.Enabled, "receiver-tls-enabled", r.TLS.Enabled, "")
	fs.StringVar(&r.TLS.CertFile, "receiver-tls-cert", r.TLS.CertFile, "")
	fs.StringVar(&r.TLS.KeyFile, "receiver-tls-key", r.TLS.KeyFile, "")
	fs.StringVar(&r.TLS.CAFile, "receiver-tls-ca", r.TLS.CAFile, "")
	fs.BoolVar(&r.TLS.ClientAuth, "receiver-tls-client-auth", r.TLS.ClientAuth, "")
	fs.BoolVar(&r.Auth.Enabled, "receiver-auth-enabled", r.Auth.Enabled, "")
	fs.StringVar(&r.Auth.BearerToken, "receiver-auth-bearer-token", r.Auth.BearerToken, "")
	fs.StringVar(&r.Auth.BasicAuthUsername, "receiver-auth-basic-username", r.Auth.BasicAuthUsername, "")
	fs.StringVar(&r.Auth.BasicAuthPassword, "receiver-auth-basic-password", r.Auth.BasicAuthPassword, "")
	fs.Var(&r.MaxRequestBodySize, "receiver-max-request-body-size", "")
	fs.Var(&r.ReadHeaderTimeout, "receiver-read-header-timeout", "")
	fs.Var(&r.WriteTimeout, "receiver-write-timeout", "")
	fs.Var(&r.IdleTimeout, "receiver-idle-timeout", "")
	fs.Var(&r.StreamHeartbeat, "receiver-stream-heartbeat", "")

	// Admin, dedup, memory, log
	fs.StringVar(&cfg.Admin.Address, "admin-listen", cfg.Admin.Address, "")
	fs.BoolVar(&cfg.Dedup.Enabled, "dedup-enabled", cfg.Dedup.Enabled, "")
	fs.Var(&cfg.Dedup.Window, "dedup-window", "")
	fs.UintVar(&cfg.Dedup.ExpectedItems, "dedup-expected-items", cfg.Dedup.ExpectedItems, "")
	fs.Float64Var(&cfg.Dedup.FalsePositiveRate, "dedup-false-positive-rate", cfg.Dedup.FalsePositiveRate, "")
	fs.Float64Var(&cfg.Memory.LimitRatio, "memory-limit-ratio", cfg.Memory.LimitRatio, "")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "")

	// Telemetry
	t := &cfg.Telemetry
	fs.StringVar(&t.Endpoint, "telemetry-endpoint", t.Endpoint, "")
	fs.StringVar(&t.Protocol, "telemetry-protocol", t.Protocol, "")
	fs.BoolVar(&t.Insecure, "telemetry-insecure", t.Insecure, "")
	fs.Var(&t.Timeout, "telemetry-timeout", "")
	fs.Var(&t.PushInterval, "telemetry-push-interval", "")
	fs.StringVar(&t.Compression, "telemetry-compression", t.Compression, "")
	fs.Func("telemetry-headers", "", func(s string) error {
		h, err := telemetry.ParseHeaders(s)
		t.Headers = h
		return err
	})
	fs.Var(&t.ShutdownTimeout, "telemetry-shutdown-timeout", "")
	fs.BoolVar(&t.Retry.Enabled, "telemetry-retry-enabled", t.Retry.Enabled, "")

	return fs
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseHeaders(s string) (map[string]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	headers := make(map[string]string)
	for _, pair := range splitList(s) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("malformed header %q (want key=value)", pair)
		}
		headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return headers, nil
}

// ExporterConfig returns the destination client configuration.
func (c *Config) ExporterConfig() exporter.Config {
	d := c.Destination
	return exporter.Config{
		BaseURL: d.URL,
		Timeout: d.Timeout.D(),
		TLS:     d.TLS,
		Auth: auth.ClientConfig{
			TokenMode: auth.TokenMode(d.TokenMode),
			Headers:   d.Headers,
		},
		Compression: compression.Config{
			Type:  compression.Type(d.Compression),
			Level: compression.Level(d.CompressionLevel),
		},
		HTTPClient: exporter.HTTPClientConfig{
			MaxIdleConns:         d.HTTPClient.MaxIdleConns,
			MaxIdleConnsPerHost:  d.HTTPClient.MaxIdleConnsPerHost,
			IdleConnTimeout:      d.HTTPClient.IdleConnTimeout.D(),
			ForceAttemptHTTP2:    d.HTTPClient.ForceHTTP2,
			HTTP2ReadIdleTimeout: d.HTTPClient.HTTP2ReadIdleTimeout.D(),
			HTTP2PingTimeout:     d.HTTPClient.HTTP2PingTimeout.D(),
		},
	}
}

// IdentityProvider builds the configured identity provider.
func (c *Config) IdentityProvider() auth.IdentityProvider {
	id := c.Identity
	if id.Mode == IdentityAnonymous {
		return auth.NewAnonymousProvider(auth.AnonymousConfig{
			APIKey:     id.APIKey,
			SignUpURL:  id.SignUpURL,
			RefreshURL: id.RefreshURL,
			Timeout:    id.Timeout.D(),
		})
	}
	return auth.StaticProvider{UserID: id.UserID, Token: id.Token}
}

// QueueConfig returns the offline queue limits.
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{MaxSize: c.Queue.MaxSize, MaxRetries: c.Queue.MaxRetries}
}

// QueueStore opens the configured queue store.
func (c *Config) QueueStore() (queue.Store, error) {
	if c.Queue.Path == "" {
		return queue.NewMemoryStore(), nil
	}
	return queue.NewFileStore(queue.FileStoreConfig{
		Dir:             c.Queue.Path,
		Compression:     compression.Type(c.Queue.Compression),
		PersistPayloads: c.Queue.PersistPayloads,
	})
}

// EngineConfig returns the engine configuration.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		PathPrefix: c.Destination.PathPrefix,
		Backoff: engine.BackoffConfig{
			Base:     c.Retry.Base,
			Unit:     c.Retry.Unit.D(),
			MaxDelay: c.Retry.MaxDelay.D(),
		},
		AttemptTimeout: c.Destination.AttemptTimeout.D(),
		Metadata:       c.Destination.Metadata,
	}
}

// ThrottleConfig returns the admission throttle configuration.
func (c *Config) ThrottleConfig() throttle.Config {
	types := make([]sample.MetricType, len(c.Throttle.Types))
	for i, t := range c.Throttle.Types {
		types[i] = sample.MetricType(t)
	}
	return throttle.Config{Types: types, Window: c.Throttle.Window.D()}
}

// ConnectivityConfig returns the monitor configuration.
func (c *Config) ConnectivityConfig() connectivity.Config {
	return connectivity.Config{
		Interval: c.Connectivity.Interval.D(),
		Timeout:  c.Connectivity.Timeout.D(),
	}
}

// ReceiverConfig returns the local API configuration.
func (c *Config) ReceiverConfig() receiver.Config {
	r := c.Receiver
	return receiver.Config{
		Addr: r.Address,
		TLS:  r.TLS,
		Auth: auth.ServerConfig{
			Enabled:           r.Auth.Enabled,
			BearerToken:       r.Auth.BearerToken,
			BasicAuthUsername: r.Auth.BasicAuthUsername,
			BasicAuthPassword: r.Auth.BasicAuthPassword,
		},
		Server: receiver.ServerConfig{
			MaxRequestBodySize: int64(r.MaxRequestBodySize),
			ReadHeaderTimeout:  r.ReadHeaderTimeout.D(),
			WriteTimeout:       r.WriteTimeout.D(),
			IdleTimeout:        r.IdleTimeout.D(),
			StreamHeartbeat:    r.StreamHeartbeat.D(),
		},
	}
}

// DedupConfig returns the duplicate filter configuration.
func (c *Config) DedupConfig() dedup.Config {
	return dedup.Config{
		Enabled:           c.Dedup.Enabled,
		Window:            c.Dedup.Window.D(),
		ExpectedItems:     c.Dedup.ExpectedItems,
		FalsePositiveRate: c.Dedup.FalsePositiveRate,
	}
}

// TelemetryConfig returns the OTLP self-telemetry configuration.
func (c *Config) TelemetryConfig() telemetry.Config {
	t := c.Telemetry
	return telemetry.Config{
		Endpoint:        t.Endpoint,
		Protocol:        telemetry.Protocol(t.Protocol),
		Insecure:        t.Insecure,
		Timeout:         t.Timeout.D(),
		PushInterval:    t.PushInterval.D(),
		Compression:     t.Compression,
		Headers:         t.Headers,
		ShutdownTimeout: t.ShutdownTimeout.D(),
		Retry: telemetry.RetryConfig{
			Enabled:     t.Retry.Enabled,
			Initial:     t.Retry.Initial.D(),
			MaxInterval: t.Retry.MaxInterval.D(),
			MaxElapsed:  t.Retry.MaxElapsed.D(),
		},
	}
}

// PrintUsage prints the help message.
func PrintUsage(w io.Writer) {
	fmt.Fprint(w, `vitals-sync - offline-tolerant sync engine for biometric samples

USAGE:
    vitals-sync [OPTIONS]

DESCRIPTION:
    Accepts realtime samples and daily aggregates over a local JSON API,
    throttles and forwards them to a remote tree store, and queues writes
    while the destination is unreachable. Queued writes are replayed with
    exponential backoff when connectivity returns.

OPTIONS:
    Configuration:
        -config <path>                        YAML configuration file; explicit flags override it
        -log-level <level>                    debug, info, warn or error (default: info)
        -memory-limit-ratio <ratio>           GOMEMLIMIT as a share of the container limit, 0 disables (default: 0.9)

    Destination:
        -destination-url <url>                Tree store root, e.g. https://project.firebaseio.com
        -destination-path-prefix <node>       Node holding per-user data (default: users)
        -destination-timeout <dur>            Per-request timeout (default: 10s)
        -destination-attempt-timeout <dur>    Bound on every engine write (default: 15s)
        -destination-metadata                 Refresh the metadata node after writes (default: true)
        -destination-compression <type>       none, gzip, zstd, s2 or snappy (default: none)
        -destination-token-mode <mode>        query, bearer or none (default: query)
        -destination-headers <k=v,...>        Extra request headers
        -destination-tls-*                    enabled, cert, key, ca, skip-verify, server-name

    Identity:
        -identity-mode <mode>                 static or anonymous (default: static)
        -identity-user-id <id>                User id for static mode
        -identity-token <token>               Token for static mode
        -identity-api-key <key>               API key for anonymous sign-in

    Queue:
        -queue-max-size <n>                   Capacity, oldest evicted beyond it (default: 100)
        -queue-max-retries <n>                Failed drain attempts before an item is dropped (default: 3)
        -queue-path <dir>                     Persist the queue in dir; empty keeps it in memory
        -queue-compression <type>             Compression of persisted payloads (default: zstd)
        -queue-persist-payloads               Persist payloads, not only metadata (default: true)
        -retry-base <n>                       Backoff base (default: 2)
        -retry-unit <dur>                     Backoff unit (default: 1s)
        -retry-max-delay <dur>                Backoff cap (default: 5m)

    Admission:
        -throttle-types <list>                Throttled sample types (default: heartRate)
        -throttle-window <dur>                Minimum spacing per throttled type (default: 1s)
        -dedup-enabled                        Drop repeated identical samples (default: false);
                                              a bloom false positive also drops a new sample,
                                              at the configured false-positive rate
        -dedup-window <dur>                   Minimum memory of a sample (default: 10m)

    Connectivity:
        -connectivity-interval <dur>          Probe interval (default: 30s)
        -connectivity-timeout <dur>           Probe timeout (default: 5s)

    Receiver:
        -receiver-listen <addr>               Local JSON API address (default: ":8480")
        -receiver-max-request-body-size <n>   Body limit, e.g. 1Mi (default: 1Mi)
        -receiver-tls-*                       enabled, cert, key, ca, client-auth
        -receiver-auth-*                      enabled, bearer-token, basic-username, basic-password

    Admin:
        -admin-listen <addr>                  /metrics, /live and /ready (default: ":9480")

    Telemetry:
        -telemetry-endpoint <host:port>       OTLP endpoint; empty disables export
        -telemetry-protocol <proto>           grpc or http (default: grpc)
        -telemetry-insecure                   Plaintext connection

    Other:
        -help                                 Show this help message
        -version                              Show version

`)
}

// PrintVersion prints the version.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "vitals-sync version %s\n", version)
}
