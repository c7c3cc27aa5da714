// Package maintenance runs periodic housekeeping jobs on a cron schedule.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"unlockbot/pkg/logx"
)

// Job is one scheduled task. An empty Spec disables it.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type Config struct {
	Timezone string
	Jobs     []Job
}

type Service struct {
	log    logx.Logger
	parser cron.Parser

	mu     sync.Mutex
	cfg    Config
	loc    *time.Location
	c      *cron.Cron
	ctx    context.Context
	jobs   map[string]Job
	ids    map[string]cron.EntryID
	runs   map[string]int
	failed map[string]int
}

func New(cfg Config, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log: log.With(logx.String("comp", "maintenance")),
		// SecondOptional allows both 5-field and 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		runs:   map[string]int{},
		failed: map[string]int{},
	}
	if err := s.setConfigLocked(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) setConfigLocked(cfg Config) error {
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("maintenance: timezone %q: %w", tz, err)
		}
		loc = l
	}
	jobs := make(map[string]Job, len(cfg.Jobs))
	var errs []error
	for _, j := range cfg.Jobs {
		if j.Name == "" || j.Run == nil {
			errs = append(errs, errors.New("maintenance: job needs a name and a func"))
			continue
		}
		if strings.TrimSpace(j.Spec) != "" {
			if _, err := s.parser.Parse(j.Spec); err != nil {
				errs = append(errs, fmt.Errorf("maintenance: job %s: %w", j.Name, err))
				continue
			}
		}
		jobs[j.Name] = j
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.cfg = cfg
	s.loc = loc
	s.jobs = jobs
	return nil
}

// Start begins triggering. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.startLocked()
	s.log.Info("maintenance started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.ids)))
}

func (s *Service) startLocked() {
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	s.ids = map[string]cron.EntryID{}
	for name, j := range s.jobs {
		if strings.TrimSpace(j.Spec) == "" {
			continue
		}
		name := name
		id, err := s.c.AddFunc(j.Spec, func() { s.run(name) })
		if err != nil {
			s.log.Warn("job not scheduled", logx.String("job", name), logx.Err(err))
			continue
		}
		s.ids[name] = id
	}
	s.c.Start()
}

// Apply replaces the job set and restarts the scheduler when running.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	if err := s.setConfigLocked(cfg); err != nil {
		s.mu.Unlock()
		return err
	}
	old := s.c
	s.c = nil
	s.mu.Unlock()
	if old == nil {
		return nil
	}
	// Running jobs take s.mu, so wait for them unlocked.
	<-old.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.startLocked()
	s.log.Info("maintenance restarted", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.ids)))
	return nil
}

// Stop halts triggering and waits for running jobs until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// RunNow executes a job synchronously, outside the schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("maintenance: unknown job %q", name)
	}
	return s.run(name)
}

// Scheduled lists job names with a live cron entry and their next run.
func (s *Service) Scheduled() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.ids))
	if s.c == nil {
		return out
	}
	for name, id := range s.ids {
		out[name] = s.c.Entry(id).Next
	}
	return out
}

// Stats returns run and failure counts per job.
func (s *Service) Stats() (runs, failed map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs = make(map[string]int, len(s.runs))
	failed = make(map[string]int, len(s.failed))
	for k, v := range s.runs {
		runs[k] = v
	}
	for k, v := range s.failed {
		failed[k] = v
	}
	return runs, failed
}

func (s *Service) run(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	parent := s.ctx
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx := parent
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, j.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := j.Run(ctx)

	s.mu.Lock()
	s.runs[name]++
	if err != nil {
		s.failed[name]++
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("job failed", logx.String("job", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return err
	}
	s.log.Debug("job done", logx.String("job", name), logx.Duration("took", time.Since(start)))
	return nil
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
