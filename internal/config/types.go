package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
// Omitted values fall back to the defaults documented per field.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	HTTP        HTTPConfig        `json:"http"`
	Storage     StorageConfig     `json:"storage"`
	Credentials CredentialsConfig `json:"credentials"`
	Transport   TransportConfig   `json:"transport"`
	Supervisor  SupervisorConfig  `json:"supervisor"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Cache       CacheConfig       `json:"cache"`
	Alerts      *AlertsConfig     `json:"alerts,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Metrics     MetricsConfig     `json:"metrics"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // console|json
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the dashboard API.
type HTTPConfig struct {
	Addr            string   `json:"addr,omitempty"` // default ":3001"
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
	Profiler        bool     `json:"profiler,omitempty"` // mounts /debug
	ReadTimeout     string   `json:"read_timeout,omitempty"`
	WriteTimeout    string   `json:"write_timeout,omitempty"`
	IdleTimeout     string   `json:"idle_timeout,omitempty"`
	ShutdownTimeout string   `json:"shutdown_timeout,omitempty"` // default 5s
}

// StorageConfig selects the account record store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/unlockbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // file|sqlite|postgres
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int    `json:"max_conns,omitempty"`
}

// CredentialsConfig selects where per-account credential bundles live.
type CredentialsConfig struct {
	Driver   string `json:"driver"` // file|s3
	Dir      string `json:"dir,omitempty"`
	Bucket   string `json:"bucket,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// TransportConfig points at the protocol bridge sidecar.
type TransportConfig struct {
	BridgeURL      string `json:"bridge_url"`
	DialTimeout    string `json:"dial_timeout,omitempty"`    // default 10s
	RequestTimeout string `json:"request_timeout,omitempty"` // default 30s
}

type SupervisorConfig struct {
	MaxReconnectAttempts int    `json:"max_reconnect_attempts,omitempty"` // default 5
	PairingCodeDelay     string `json:"pairing_code_delay,omitempty"`     // default 3s
	// ResumeOnStart restarts every stored account that has credentials. Default true.
	ResumeOnStart *bool `json:"resume_on_start,omitempty"`
}

type DispatchConfig struct {
	FireRetryBudget    int    `json:"fire_retry_budget,omitempty"`    // default 10
	DefaultRetryBudget int    `json:"default_retry_budget,omitempty"` // default 5
	SessionRetryWait   string `json:"session_retry_wait,omitempty"`   // default 5s
	RetryWait          string `json:"retry_wait,omitempty"`           // default 3s
	WarmupAttempts     int    `json:"warmup_attempts,omitempty"`      // default 12
	WarmupInterval     string `json:"warmup_interval,omitempty"`      // default 5s
}

type CacheConfig struct {
	TTL        string `json:"ttl,omitempty"`         // default 5m
	MaxEntries int    `json:"max_entries,omitempty"` // 0 keeps the built-in cap
}

// AlertsConfig forwards selected account events to a Telegram chat.
type AlertsConfig struct {
	Enabled     bool     `json:"enabled"`
	Token       string   `json:"token"` // do not log
	ChatID      int64    `json:"chat_id"`
	ThreadID    int      `json:"thread_id,omitempty"`
	MinLevel    string   `json:"min_level,omitempty"` // default warn
	Events      []string `json:"events,omitempty"`    // default error, armed, fire
	RatePerSec  int      `json:"rate_per_sec,omitempty"`
	DedupWindow string   `json:"dedup_window,omitempty"` // default 1m
}

// MaintenanceConfig holds cron specs for housekeeping jobs.
type MaintenanceConfig struct {
	Timezone   string `json:"timezone,omitempty"`
	CacheSweep string `json:"cache_sweep,omitempty"` // default "@every 1m"
	Rearm      string `json:"rearm,omitempty"`       // empty disables
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"` // default /metrics
}
