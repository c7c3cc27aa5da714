package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/hashicorp/go-multierror"

	"unlockbot/internal/alert"
	"unlockbot/internal/config"
	"unlockbot/internal/credstore"
	"unlockbot/internal/eventbus"
	"unlockbot/internal/httpapi"
	"unlockbot/internal/maintenance"
	"unlockbot/internal/metacache"
	"unlockbot/internal/metrics"
	"unlockbot/internal/runtime/supervisor"
	"unlockbot/internal/session"
	"unlockbot/internal/storage"
	"unlockbot/internal/transport"
	"unlockbot/internal/transport/bridge"
	"unlockbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	creds credstore.Store
	cache *metacache.Cache
	mx    *metrics.Metrics

	dialer transport.Dialer

	sessions *session.Manager
	alerts   *alert.Service
	maint    *maintenance.Service
	http     *httpapi.Server
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	store, err := storage.Open(mapStorageConfig(cfg), log)
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", cfg.Storage.Driver))

	openCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	creds, err := credstore.Open(openCtx, mapCredentialsConfig(cfg), log.With(logx.String("comp", "credstore")))
	cancel()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var cacheOpts []metacache.Option
	if cfg.Cache.MaxEntries > 0 {
		cacheOpts = append(cacheOpts, metacache.WithMaxEntries(cfg.Cache.MaxEntries))
	}
	cache := metacache.New(cfg.Cache.TTLOrDefault(), cacheOpts...)
	bus := eventbus.New()

	sender, err := newAlertSender(cfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("alerts: %w", err)
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		creds:   creds,
		cache:   cache,
		mx:      metrics.New(cache.Len),
		dialer:  bridge.NewDialer(mapBridgeConfig(cfg), log.With(logx.String("comp", "bridge"))),
		alerts:  alert.New(mapAlertConfig(cfg), sender, bus, log),
	}

	maint, err := maintenance.New(mapMaintenanceConfig(cfg, cache, a.rearm, log), log.With(logx.String("comp", "maintenance")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.maint = maint
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// HTTPAddr is the bound dashboard address once started.
func (a *App) HTTPAddr() string {
	if a.http == nil {
		return ""
	}
	return a.http.Addr()
}

func (a *App) Sessions() *session.Manager { return a.sessions }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := newAlertSender(cfg); err != nil {
			return fmt.Errorf("alerts: %w", err)
		}
		if _, err := maintenance.New(mapMaintenanceConfig(cfg, a.cache, a.rearm, logx.Nop()), logx.Nop()); err != nil {
			return err
		}
		return nil
	})

	a.sessions = session.NewManager(a.sup.Context(), session.Deps{
		Dialer:  a.dialer,
		Creds:   a.creds,
		Store:   a.store,
		Cache:   a.cache,
		Bus:     a.bus,
		Metrics: a.mx,
		Log:     a.log,
	}, mapSessionOptions(cfg))

	httpDeps := httpapi.Deps{
		Sessions: a.sessions,
		Store:    a.store,
		Bus:      a.bus,
		Log:      a.log,
	}
	if cfg.Metrics.Enabled {
		httpDeps.Metrics = a.mx.Handler()
	}
	a.http = httpapi.New(mapHTTPConfig(cfg), httpDeps)
	if err := a.http.Start(); err != nil {
		return err
	}

	a.alerts.Start(a.sup.Context())
	a.maint.Start(a.sup.Context())

	if cfg.Supervisor.Resume() {
		a.sup.Go0("sessions.resume", func(c context.Context) {
			if _, err := a.sessions.Resume(c); err != nil {
				a.log.Warn("resume failed", logx.Err(err))
			}
		})
	}

	// Debug trail of account events; the dashboard stream and alerts subscribe themselves.
	events, unsub := a.bus.Subscribe(128, nil)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("account", e.Account), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	for name, next := range a.maint.Scheduled() {
		a.log.Debug("maintenance job scheduled", logx.String("job", name), logx.Time("next", next))
	}
	if err := a.alerts.Notify("unlockbot started"); err != nil && !errors.Is(err, alert.ErrStopped) {
		a.log.Debug("startup alert skipped", logx.Err(err))
	}
	a.log.Info("app started", logx.String("http", a.http.Addr()))
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config change requires restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	prevAlerts := oldCfg.Alerts != nil && oldCfg.Alerts.Enabled
	acfg := mapAlertConfig(newCfg)
	a.alerts.Apply(acfg)
	switch {
	case prevAlerts && !acfg.Enabled:
		a.log.Info("alerts disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = a.alerts.Stop(stopCtx)
		cancel()
	case !prevAlerts && acfg.Enabled:
		a.log.Info("alerts enabled via config")
		a.alerts.Start(ctx)
	}

	if err := a.maint.Apply(mapMaintenanceConfig(newCfg, a.cache, a.rearm, a.log)); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) rearm(ctx context.Context) int {
	if a.sessions == nil {
		return 0
	}
	return a.sessions.RearmAll(ctx)
}

// Stop shuts everything down within the configured shutdown timeout and
// returns every step error.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	_, _, _, limit := a.cfgm.Get().HTTP.Timeouts()
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	a.log.Info("stopping", logx.Duration("timeout", limit))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	var result error
	step := func(name string, fn func(context.Context) error) {
		start := time.Now()
		if err := fn(ctx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	// Stop accepting requests first so no new units appear while draining.
	step("http", func(c context.Context) error { return a.http.Shutdown(c) })
	step("sessions", a.sessions.Shutdown)
	step("maintenance", func(c context.Context) error { a.maint.Stop(c); return nil })
	step("alerts", a.alerts.Stop)

	a.sup.Cancel()
	step("supervisor", a.sup.Wait)
	step("storage", func(context.Context) error { return a.store.Close() })

	runs, failed := a.maint.Stats()
	counters := a.sup.Counters()
	a.log.Info("stopped",
		logx.Int64("goroutines_active", counters.Active),
		logx.Int64("goroutines_started", int64(counters.Started)),
		logx.Int64("goroutine_panics", int64(counters.Panics)),
		logx.Any("maintenance_runs", runs),
		logx.Any("maintenance_failed", failed),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return result
}
