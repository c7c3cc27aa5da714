package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var errNegativeDuration = errors.New("duration must be >= 0")

// durationKey is one duration-valued setting, addressed by its dotted path.
type durationKey struct {
	path string
	raw  string
}

// durationKeys lists every duration setting in the file.
func (c *Config) durationKeys() []durationKey {
	keys := []durationKey{
		{"http.read_timeout", c.HTTP.ReadTimeout},
		{"http.write_timeout", c.HTTP.WriteTimeout},
		{"http.idle_timeout", c.HTTP.IdleTimeout},
		{"http.shutdown_timeout", c.HTTP.ShutdownTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"transport.dial_timeout", c.Transport.DialTimeout},
		{"transport.request_timeout", c.Transport.RequestTimeout},
		{"supervisor.pairing_code_delay", c.Supervisor.PairingCodeDelay},
		{"dispatch.session_retry_wait", c.Dispatch.SessionRetryWait},
		{"dispatch.retry_wait", c.Dispatch.RetryWait},
		{"dispatch.warmup_interval", c.Dispatch.WarmupInterval},
		{"cache.ttl", c.Cache.TTL},
	}
	if c.Alerts != nil {
		keys = append(keys, durationKey{"alerts.dedup_window", c.Alerts.DedupWindow})
	}
	return keys
}

func parseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, err
	case d < 0:
		return 0, errNegativeDuration
	}
	return d, nil
}

// ParseDurationField parses a non-negative duration such as "3s". Empty input
// is zero. Errors are prefixed with path.
func ParseDurationField(path, raw string) (time.Duration, error) {
	d, err := parseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err == nil && d == 0 {
		d = def
	}
	return d, err
}
