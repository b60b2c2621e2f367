package config

import (
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/szibis/vitals-sync/internal/auth"
	"github.com/szibis/vitals-sync/internal/compression"
	"github.com/szibis/vitals-sync/internal/sample"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Destination.URL = "https://vitals.example.com"
	cfg.Identity.UserID = "u1"
	return cfg
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Queue.MaxSize != 100 || cfg.Queue.MaxRetries != 3 {
		t.Errorf("queue defaults = %+v", cfg.Queue)
	}
	if cfg.Retry.Base != 2 || cfg.Retry.Unit.D() != time.Second {
		t.Errorf("retry defaults = %+v", cfg.Retry)
	}
	if len(cfg.Throttle.Types) != 1 || cfg.Throttle.Types[0] != string(sample.HeartRate) {
		t.Errorf("throttle types = %v", cfg.Throttle.Types)
	}
	if cfg.Dedup.Enabled {
		t.Error("dedup should be disabled by default")
	}
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Validate() on defaults = %v", err)
	}
}

func TestLoadFileThenFlags(t *testing.T) {
	path := writeFile(t, `
destination:
  url: https://from-file.example.com
  compression: gzip
identity:
  mode: static
  user_id: file-user
queue:
  max_size: 50
  path: /var/lib/vitals
retry:
  max_delay: 30s
receiver:
  max_request_body_size: 64Ki
throttle:
  types: [heartRate, hrv]
  window: 2s
`)
	cfg, err := Load([]string{"-config", path, "-identity-user-id", "flag-user", "-queue-max-retries", "5"}, io.Discard)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Destination.URL != "https://from-file.example.com" || cfg.Destination.Compression != "gzip" {
		t.Errorf("destination = %+v", cfg.Destination)
	}
	if cfg.Identity.UserID != "flag-user" {
		t.Errorf("flag should override file, user_id = %q", cfg.Identity.UserID)
	}
	if cfg.Queue.MaxSize != 50 || cfg.Queue.MaxRetries != 5 {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if cfg.Queue.Compression != "zstd" {
		t.Errorf("unset keys keep defaults, compression = %q", cfg.Queue.Compression)
	}
	if cfg.Retry.MaxDelay.D() != 30*time.Second {
		t.Errorf("max_delay = %v", cfg.Retry.MaxDelay)
	}
	if cfg.Receiver.MaxRequestBodySize != 64<<10 {
		t.Errorf("max_request_body_size = %d", cfg.Receiver.MaxRequestBodySize)
	}
	if got := cfg.ThrottleConfig(); len(got.Types) != 2 || got.Window != 2*time.Second {
		t.Errorf("ThrottleConfig() = %+v", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadFlagsOnly(t *testing.T) {
	cfg, err := Load([]string{
		"-destination-url", "http://localhost:9000",
		"-destination-headers", "x-app=vitals, x-env=test",
		"-throttle-types", "heartRate,respiratoryRate",
		"-retry-unit", "250ms",
		"-receiver-max-request-body-size", "2Mi",
	}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Destination.Headers["x-env"] != "test" {
		t.Errorf("headers = %v", cfg.Destination.Headers)
	}
	if len(cfg.Throttle.Types) != 2 || cfg.Throttle.Types[1] != "respiratoryRate" {
		t.Errorf("throttle types = %v", cfg.Throttle.Types)
	}
	if cfg.Retry.Unit.D() != 250*time.Millisecond {
		t.Errorf("retry unit = %v", cfg.Retry.Unit)
	}
	if cfg.Receiver.MaxRequestBodySize != 2<<20 {
		t.Errorf("body size = %d", cfg.Receiver.MaxRequestBodySize)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}, io.Discard); err == nil {
		t.Error("expected an error for a missing file")
	}
	if _, err := Load([]string{"-config", writeFile(t, "queue:\n  max_sise: 5\n")}, io.Discard); err == nil {
		t.Error("expected an error for an unknown key")
	}
	if _, err := Load([]string{"-retry-unit", "soon"}, io.Discard); err == nil {
		t.Error("expected an error for a bad duration")
	}
	if _, err := Load([]string{"-h"}, io.Discard); !errors.Is(err, flag.ErrHelp) {
		t.Errorf("-h error = %v, want flag.ErrHelp", err)
	}
}

func TestParseYAMLEmpty(t *testing.T) {
	cfg, err := ParseYAML(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Queue.MaxSize != 100 {
		t.Errorf("empty document should yield defaults, got %+v", cfg.Queue)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"missing url", func(c *Config) { c.Destination.URL = "" }, "destination.url is required"},
		{"relative url", func(c *Config) { c.Destination.URL = "vitals.example.com" }, "absolute http(s) URL"},
		{"bad compression", func(c *Config) { c.Destination.Compression = "lz4" }, "destination.compression"},
		{"bad token mode", func(c *Config) { c.Destination.TokenMode = "cookie" }, "token_mode"},
		{"static without user", func(c *Config) { c.Identity.UserID = "" }, "identity.user_id"},
		{"anonymous without key", func(c *Config) { c.Identity.Mode = IdentityAnonymous }, "identity.api_key"},
		{"unknown identity mode", func(c *Config) { c.Identity.Mode = "oauth" }, "identity.mode"},
		{"zero queue", func(c *Config) { c.Queue.MaxSize = 0 }, "queue.max_size"},
		{"zero retries", func(c *Config) { c.Queue.MaxRetries = 0 }, "queue.max_retries"},
		{"base below one", func(c *Config) { c.Retry.Base = 0.5 }, "retry.base"},
		{"unsafe throttle type", func(c *Config) { c.Throttle.Types = []string{"heart.rate"} }, "throttle.types"},
		{"probe timeout too long", func(c *Config) { c.Connectivity.Timeout = Duration(time.Hour) }, "connectivity.timeout"},
		{"same listen address", func(c *Config) { c.Admin.Address = c.Receiver.Address }, "must differ"},
		{"auth without credentials", func(c *Config) { c.Receiver.Auth.Enabled = true }, "receiver.auth"},
		{"receiver tls without cert", func(c *Config) { c.Receiver.TLS.Enabled = true }, "receiver.tls"},
		{"dedup bad rate", func(c *Config) { c.Dedup.Enabled = true; c.Dedup.FalsePositiveRate = 1 }, "false_positive_rate"},
		{"telemetry protocol", func(c *Config) { c.Telemetry.Endpoint = "x:4317"; c.Telemetry.Protocol = "udp" }, "telemetry"},
		{"memory ratio", func(c *Config) { c.Memory.LimitRatio = 1.5 }, "memory.limit_ratio"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.MaxSize = 0
	err := cfg.Validate()
	for _, want := range []string{"destination.url", "identity.user_id", "queue.max_size"} {
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() = %v, missing %q", err, want)
		}
	}
}

func TestConverters(t *testing.T) {
	cfg := validConfig()
	cfg.Destination.TokenMode = string(auth.TokenBearer)
	cfg.Destination.Compression = "zstd"
	cfg.Retry.MaxDelay = Duration(time.Minute)

	exp := cfg.ExporterConfig()
	if exp.BaseURL != cfg.Destination.URL || exp.Auth.TokenMode != auth.TokenBearer || exp.Compression.Type != compression.TypeZstd {
		t.Errorf("ExporterConfig() = %+v", exp)
	}
	eng := cfg.EngineConfig()
	if eng.PathPrefix != "users" || eng.Backoff.MaxDelay != time.Minute || !eng.Metadata {
		t.Errorf("EngineConfig() = %+v", eng)
	}
	if q := cfg.QueueConfig(); q.MaxSize != 100 || q.MaxRetries != 3 {
		t.Errorf("QueueConfig() = %+v", q)
	}
	if _, ok := cfg.IdentityProvider().(auth.StaticProvider); !ok {
		t.Error("static mode should build a StaticProvider")
	}
	cfg.Identity.Mode = IdentityAnonymous
	if _, ok := cfg.IdentityProvider().(*auth.AnonymousProvider); !ok {
		t.Error("anonymous mode should build an AnonymousProvider")
	}

	store, err := cfg.QueueStore()
	if err != nil || store == nil {
		t.Fatalf("QueueStore() = %v, %v", store, err)
	}
	_ = store.Close()

	cfg.Receiver.Auth = ReceiverAuthYAMLConfig{Enabled: true, BearerToken: "t"}
	if r := cfg.ReceiverConfig(); !r.Auth.Enabled || r.Auth.BearerToken != "t" || r.Server.MaxRequestBodySize != 1<<20 {
		t.Errorf("ReceiverConfig() = %+v", r)
	}
	if d := cfg.DedupConfig(); d.Window != 10*time.Minute {
		t.Errorf("DedupConfig() = %+v", d)
	}
	if tc := cfg.TelemetryConfig(); tc.Protocol != "grpc" || tc.PushInterval != 30*time.Second {
		t.Errorf("TelemetryConfig() = %+v", tc)
	}
}

func TestByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"512", 512, false},
		{"64Ki", 64 << 10, false},
		{"1.5Mi", 3 << 19, false},
		{"2Gi", 2 << 30, false},
		{"256MB", 0, true},
		{"lots", 0, true},
		{"-1", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseByteSize(%q) = %d, %v", tt.in, got, err)
		}
	}
	for in, want := range map[int64]string{1 << 20: "1Mi", 1536: "1536", 3 << 30: "3Gi", 2048: "2Ki"} {
		if got := FormatByteSize(in); got != want {
			t.Errorf("FormatByteSize(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestDuration(t *testing.T) {
	var d Duration
	if err := d.Set("1m30s"); err != nil || d.D() != 90*time.Second {
		t.Errorf("Set() = %v, %v", d, err)
	}
	if err := d.Set(""); err != nil || d != 0 {
		t.Errorf("empty Set() = %v, %v", d, err)
	}
	if err := d.Set("fortnight"); err == nil {
		t.Error("expected a parse error")
	}
	if out, _ := Duration(2 * time.Second).MarshalYAML(); out != "2s" {
		t.Errorf("MarshalYAML() = %v", out)
	}
}

func TestPrintUsageAndVersion(t *testing.T) {
	var sb strings.Builder
	PrintUsage(&sb)
	if !strings.Contains(sb.String(), "-destination-url") {
		t.Error("usage does not list -destination-url")
	}
	if !strings.Contains(sb.String(), "bloom false positive") {
		t.Error("usage does not describe dedup false positives")
	}
	sb.Reset()
	PrintVersion(&sb)
	if !strings.Contains(sb.String(), Version()) {
		t.Errorf("version output = %q", sb.String())
	}
}
