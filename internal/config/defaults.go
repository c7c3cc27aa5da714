package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultHTTPAddr             = ":3001"
	DefaultShutdownTimeout      = 5 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultPairingCodeDelay     = 3 * time.Second
	DefaultFireRetryBudget      = 10
	DefaultRetryBudget          = 5
	DefaultSessionRetryWait     = 5 * time.Second
	DefaultRetryWait            = 3 * time.Second
	DefaultWarmupAttempts       = 12
	DefaultWarmupInterval       = 5 * time.Second
	DefaultCacheTTL             = 5 * time.Minute
	DefaultCacheSweep           = "@every 1m"
	DefaultDialTimeout          = 10 * time.Second
	DefaultRequestTimeout       = 30 * time.Second
)

// Validate checks drivers, durations and cron specs so a bad file is rejected
// before it is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	for _, k := range cfg.durationKeys() {
		if _, err := ParseDurationField(k.path, k.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if a := cfg.Alerts; a != nil && a.Enabled && (strings.TrimSpace(a.Token) == "" || a.ChatID == 0) {
		errs = append(errs, errors.New("alerts: token and chat_id are required when enabled"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite":
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Credentials.Driver)) {
	case "", "file":
	case "s3":
		if strings.TrimSpace(cfg.Credentials.Bucket) == "" {
			errs = append(errs, errors.New("credentials.bucket is required for s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("credentials.driver: unknown driver %q", cfg.Credentials.Driver))
	}

	if cfg.Supervisor.MaxReconnectAttempts < 0 || cfg.Dispatch.FireRetryBudget < 0 ||
		cfg.Dispatch.DefaultRetryBudget < 0 || cfg.Dispatch.WarmupAttempts < 0 || cfg.Cache.MaxEntries < 0 {
		errs = append(errs, errors.New("supervisor, dispatch and cache counts must be >= 0"))
	}

	parser := CronParser()
	for path, spec := range map[string]string{
		"maintenance.cache_sweep": cfg.Maintenance.CacheSweep,
		"maintenance.rearm":       cfg.Maintenance.Rearm,
	} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid cron spec %q: %w", path, spec, err))
		}
	}
	if tz := strings.TrimSpace(cfg.Maintenance.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("maintenance.timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

// CronParser accepts an optional seconds field and descriptors like "@every 1m".
func CronParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Durations below assume Validate already passed; malformed values fall back to defaults.

func dur(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", raw, def)
	if err != nil {
		return def
	}
	return d
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (c HTTPConfig) Address() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultHTTPAddr
}

func (c HTTPConfig) Timeouts() (read, write, idle, shutdown time.Duration) {
	return dur(c.ReadTimeout, 15*time.Second), dur(c.WriteTimeout, 0),
		dur(c.IdleTimeout, 60*time.Second), dur(c.ShutdownTimeout, DefaultShutdownTimeout)
}

func (c TransportConfig) Timeouts() (dial, request time.Duration) {
	return dur(c.DialTimeout, DefaultDialTimeout), dur(c.RequestTimeout, DefaultRequestTimeout)
}

func (c SupervisorConfig) Attempts() int { return orInt(c.MaxReconnectAttempts, DefaultMaxReconnectAttempts) }

func (c SupervisorConfig) PairingDelay() time.Duration {
	return dur(c.PairingCodeDelay, DefaultPairingCodeDelay)
}

func (c SupervisorConfig) Resume() bool { return c.ResumeOnStart == nil || *c.ResumeOnStart }

func (c DispatchConfig) FireBudget() int    { return orInt(c.FireRetryBudget, DefaultFireRetryBudget) }
func (c DispatchConfig) DefaultBudget() int { return orInt(c.DefaultRetryBudget, DefaultRetryBudget) }
func (c DispatchConfig) Warmups() int       { return orInt(c.WarmupAttempts, DefaultWarmupAttempts) }

func (c DispatchConfig) Waits() (session, other, warmup time.Duration) {
	return dur(c.SessionRetryWait, DefaultSessionRetryWait), dur(c.RetryWait, DefaultRetryWait),
		dur(c.WarmupInterval, DefaultWarmupInterval)
}

func (c CacheConfig) TTLOrDefault() time.Duration { return dur(c.TTL, DefaultCacheTTL) }

func (c MaintenanceConfig) SweepSpec() string {
	if s := strings.TrimSpace(c.CacheSweep); s != "" {
		return s
	}
	return DefaultCacheSweep
}

func (c MetricsConfig) PathOrDefault() string {
	if p := strings.TrimSpace(c.Path); p != "" {
		return p
	}
	return "/metrics"
}
