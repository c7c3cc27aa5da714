package app

import (
	"context"
	"strings"
	"time"

	"unlockbot/internal/alert"
	"unlockbot/internal/config"
	"unlockbot/internal/credstore"
	"unlockbot/internal/httpapi"
	"unlockbot/internal/maintenance"
	"unlockbot/internal/metacache"
	"unlockbot/internal/session"
	"unlockbot/internal/storage"
	"unlockbot/internal/transport/bridge"
	"unlockbot/pkg/logx"
)

const (
	sweepTimeout = 10 * time.Second
	rearmTimeout = 2 * time.Minute
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	busy, _ := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 0)
	return storage.Config{
		Driver:      strings.TrimSpace(sc.Driver),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}
}

func mapCredentialsConfig(cfg *config.Config) credstore.Config {
	c := cfg.Credentials
	return credstore.Config{
		Driver:   c.Driver,
		Dir:      c.Dir,
		Bucket:   c.Bucket,
		Prefix:   c.Prefix,
		Region:   c.Region,
		Endpoint: c.Endpoint,
	}
}

func mapBridgeConfig(cfg *config.Config) bridge.Config {
	dial, req := cfg.Transport.Timeouts()
	return bridge.Config{
		URL:            strings.TrimSpace(cfg.Transport.BridgeURL),
		DialTimeout:    dial,
		RequestTimeout: req,
	}
}

func mapSessionOptions(cfg *config.Config) session.Options {
	sessionWait, retryWait, warmupWait := cfg.Dispatch.Waits()
	return session.Options{
		MaxReconnectAttempts: cfg.Supervisor.Attempts(),
		PairingCodeDelay:     cfg.Supervisor.PairingDelay(),
		FireRetryBudget:      cfg.Dispatch.FireBudget(),
		DefaultRetryBudget:   cfg.Dispatch.DefaultBudget(),
		SessionRetryWait:     sessionWait,
		RetryWait:            retryWait,
		WarmupAttempts:       cfg.Dispatch.Warmups(),
		WarmupInterval:       warmupWait,
	}
}

func mapAlertConfig(cfg *config.Config) alert.Config {
	if cfg.Alerts == nil {
		return alert.Config{}
	}
	a := cfg.Alerts
	window, _ := config.ParseDurationOrDefault("alerts.dedup_window", a.DedupWindow, time.Minute)
	return alert.Config{
		Enabled:     a.Enabled,
		MinLevel:    a.MinLevel,
		Events:      a.Events,
		RatePerSec:  a.RatePerSec,
		DedupWindow: window,
	}
}

// newAlertSender returns nil when no Telegram target is configured.
func newAlertSender(cfg *config.Config) (alert.Sender, error) {
	if cfg.Alerts == nil || strings.TrimSpace(cfg.Alerts.Token) == "" || cfg.Alerts.ChatID == 0 {
		return nil, nil
	}
	return alert.NewTelegram(cfg.Alerts.Token, cfg.Alerts.ChatID, cfg.Alerts.ThreadID)
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	read, write, idle, _ := cfg.HTTP.Timeouts()
	out := httpapi.Config{
		Addr:           cfg.HTTP.Address(),
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Profiler:       cfg.HTTP.Profiler,
		ReadTimeout:    read,
		WriteTimeout:   write,
		IdleTimeout:    idle,
	}
	if cfg.Metrics.Enabled {
		out.MetricsPath = cfg.Metrics.PathOrDefault()
	}
	return out
}

// mapMaintenanceConfig binds the housekeeping jobs to their cron specs.
// rearm may be nil before the session manager exists.
func mapMaintenanceConfig(cfg *config.Config, cache *metacache.Cache, rearm func(context.Context) int, log logx.Logger) maintenance.Config {
	jobs := []maintenance.Job{{
		Name:    "metacache.sweep",
		Spec:    cfg.Maintenance.SweepSpec(),
		Timeout: sweepTimeout,
		Run: func(ctx context.Context) error {
			if n := cache.Sweep(); n > 0 {
				log.Debug("metadata cache swept", logx.Int("evicted", n))
			}
			return nil
		},
	}}
	if rearm != nil {
		jobs = append(jobs, maintenance.Job{
			Name:    "accounts.rearm",
			Spec:    strings.TrimSpace(cfg.Maintenance.Rearm),
			Timeout: rearmTimeout,
			Run: func(ctx context.Context) error {
				n := rearm(ctx)
				log.Info("scheduled re-arm", logx.Int("accounts", n))
				return nil
			},
		})
	}
	return maintenance.Config{Timezone: cfg.Maintenance.Timezone, Jobs: jobs}
}
