package alert

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"unlockbot/internal/eventbus"
	"unlockbot/internal/runtime/supervisor"
	"unlockbot/pkg/logx"
)

var ErrStopped = errors.New("alert: stopped")

// Config controls filtering and throttling.
type Config struct {
	Enabled     bool
	MinLevel    string   // applies to log events; default warn
	Events      []string // default error, armed, fire
	RatePerSec  int      // default 1
	DedupWindow time.Duration
	QueueSize   int // default 128
	RetryMax    int // default 2
	RetryWait   time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.MinLevel) == "" {
		c.MinLevel = eventbus.LevelWarn
	}
	if len(c.Events) == 0 {
		c.Events = []string{eventbus.TypeError, eventbus.TypeArmed, eventbus.TypeFire}
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	} else if c.RetryMax == 0 {
		c.RetryMax = 2
	}
	if c.RetryWait <= 0 {
		c.RetryWait = time.Second
	}
	return c
}

// Service is safe for concurrent use.
type Service struct {
	sender Sender
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	mu      sync.Mutex
	cfg     Config
	types   map[string]bool
	limiter *rate.Limiter
	queue   chan string
	sup     *supervisor.Supervisor
	unsub   func()

	dmu   sync.Mutex
	dedup map[string]time.Time
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		sender: sender,
		bus:    bus,
		log:    log.With(logx.String("comp", "alert")),
		now:    time.Now,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps filters and limits; the queue is kept.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	s.types = make(map[string]bool, len(cfg.Events))
	for _, t := range cfg.Events {
		s.types[strings.TrimSpace(t)] = true
	}
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start subscribes to the bus and launches the delivery worker. It is a no-op
// when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}
	s.queue = make(chan string, s.cfg.QueueSize)
	events, unsub := s.bus.Subscribe(s.cfg.QueueSize, nil)
	s.unsub = unsub
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))

	q := s.queue
	s.sup.Go0("alert.intake", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if text, ok := s.accept(e); ok {
					s.enqueue(q, text)
				}
			}
		}
	})
	s.sup.Go0("alert.worker", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case text := <-q:
				s.deliver(ctx, text)
			}
		}
	})
	s.log.Info("alert forwarding started", logx.Int("rate_per_sec", s.cfg.RatePerSec))
}

// Stop unsubscribes and waits for the workers until ctx ends.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup, unsub := s.sup, s.unsub
	s.sup, s.unsub, s.queue = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	if unsub != nil {
		unsub()
	}
	return sup.Stop(ctx)
}

// Notify queues a free-form alert, bypassing filters but not dedup.
func (s *Service) Notify(text string) error {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}
	if !s.dedupAllow(text) {
		return nil
	}
	s.enqueue(q, text)
	return nil
}

func (s *Service) accept(e eventbus.Event) (string, bool) {
	s.mu.Lock()
	want := s.types[e.Type]
	minLevel := s.cfg.MinLevel
	s.mu.Unlock()
	if !want {
		return "", false
	}
	if e.Type == eventbus.TypeLog && levelRank(e.Level) < levelRank(minLevel) {
		return "", false
	}
	text := Format(e)
	if !s.dedupAllow(text) {
		return "", false
	}
	return text, true
}

func (s *Service) enqueue(q chan string, text string) {
	select {
	case q <- text:
	default:
		s.log.Warn("alert dropped, queue full")
	}
}

func (s *Service) deliver(ctx context.Context, text string) {
	s.mu.Lock()
	lim := s.limiter
	cfg := s.cfg
	s.mu.Unlock()

	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.sender.Send(cctx, text)
		cancel()
		if err == nil {
			return
		}
		s.log.Debug("alert send failed", logx.Err(err), logx.Int("attempt", attempt+1))
		if attempt == cfg.RetryMax {
			s.log.Warn("alert undelivered", logx.Err(err))
			return
		}
		t := time.NewTimer(cfg.RetryWait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *Service) dedupAllow(text string) bool {
	s.mu.Lock()
	window := s.cfg.DedupWindow
	s.mu.Unlock()
	if window <= 0 {
		return true
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	key := fmt.Sprintf("%x", h.Sum64())

	now := s.now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

// Format renders an event as one alert line.
func Format(e eventbus.Event) string {
	icon := "ℹ️"
	switch {
	case e.Type == eventbus.TypeError || e.Level == eventbus.LevelError:
		icon = "🚨"
	case e.Level == eventbus.LevelWarn:
		icon = "⚠️"
	case e.Type == eventbus.TypeArmed:
		icon = "🎯"
	case e.Type == eventbus.TypeFire:
		icon = "🚀"
	}
	if e.Account == "" {
		return icon + " " + e.Message
	}
	return fmt.Sprintf("%s %s: %s", icon, e.Account, e.Message)
}

func levelRank(l string) int {
	switch l {
	case eventbus.LevelError:
		return 2
	case eventbus.LevelWarn:
		return 1
	default:
		return 0
	}
}
