package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/szibis/vitals-sync/internal/auth"
	"github.com/szibis/vitals-sync/internal/compression"
	"github.com/szibis/vitals-sync/internal/logging"
	"github.com/szibis/vitals-sync/internal/sample"
)

// Validate returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Destination.URL == "" {
		add("destination.url is required")
	} else if u, err := url.Parse(c.Destination.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("destination.url must be an absolute http(s) URL, got %q", c.Destination.URL)
	}
	if c.Destination.Timeout <= 0 {
		add("destination.timeout must be positive")
	}
	if _, err := compression.ParseType(c.Destination.Compression); err != nil {
		add("destination.compression: %v", err)
	}
	switch auth.TokenMode(c.Destination.TokenMode) {
	case auth.TokenQuery, auth.TokenBearer, auth.TokenNone:
	default:
		add("destination.token_mode must be query, bearer or none, got %q", c.Destination.TokenMode)
	}
	if err := c.Destination.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("destination.%w", err))
	}

	switch c.Identity.Mode {
	case IdentityStatic:
		if c.Identity.UserID == "" {
			add("identity.user_id is required in static mode")
		}
	case IdentityAnonymous:
		if c.Identity.APIKey == "" && c.Identity.SignUpURL == "" {
			add("identity.api_key or identity.sign_up_url is required in anonymous mode")
		}
	default:
		add("identity.mode must be static or anonymous, got %q", c.Identity.Mode)
	}

	if c.Queue.MaxSize < 1 {
		add("queue.max_size must be at least 1")
	}
	if c.Queue.MaxRetries < 1 {
		add("queue.max_retries must be at least 1")
	}
	if _, err := compression.ParseType(c.Queue.Compression); err != nil {
		add("queue.compression: %v", err)
	}
	if c.Retry.Base < 1 {
		add("retry.base must be at least 1")
	}
	if c.Retry.MaxDelay < 0 {
		add("retry.max_delay must not be negative")
	}

	for _, t := range c.Throttle.Types {
		if !sample.ValidType(sample.MetricType(t)) {
			add("throttle.types: %q is not a valid sample type", t)
		} else if !sample.Known(sample.MetricType(t)) {
			logging.Warn("throttling a sample type without a default unit", logging.F("type", t))
		}
	}
	if c.Connectivity.Interval <= 0 {
		add("connectivity.interval must be positive")
	}
	if c.Connectivity.Timeout <= 0 || c.Connectivity.Timeout > c.Connectivity.Interval {
		add("connectivity.timeout must be positive and not exceed the interval")
	}

	if c.Receiver.Address == "" {
		add("receiver.address is required")
	}
	if err := c.Receiver.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("receiver.%w", err))
	}
	if a := c.Receiver.Auth; a.Enabled && a.BearerToken == "" && a.BasicAuthUsername == "" {
		add("receiver.auth requires a bearer token or basic credentials when enabled")
	}
	if c.Admin.Address == "" {
		add("admin.address is required")
	}
	if c.Admin.Address == c.Receiver.Address {
		add("admin.address and receiver.address must differ")
	}

	if c.Dedup.Enabled {
		if c.Dedup.Window <= 0 {
			add("dedup.window must be positive")
		}
		if c.Dedup.FalsePositiveRate <= 0 || c.Dedup.FalsePositiveRate >= 1 {
			add("dedup.false_positive_rate must be in (0, 1)")
		}
	}
	if err := c.TelemetryConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Memory.LimitRatio < 0 || c.Memory.LimitRatio > 1 {
		add("memory.limit_ratio must be in [0, 1]")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}

	return errors.Join(errs...)
}
