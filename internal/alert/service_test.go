package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unlockbot/internal/eventbus"
	"unlockbot/pkg/logx"
)

type recordSender struct {
	mu    sync.Mutex
	lines []string
	fail  int
}

func (r *recordSender) Send(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return errors.New("telegram: retry later")
	}
	r.lines = append(r.lines, text)
	return nil
}

func (r *recordSender) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func start(t *testing.T, cfg Config, sender Sender) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 100
	}
	s := New(cfg, sender, bus, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, bus
}

func TestForwardsSelectedEvents(t *testing.T) {
	t.Parallel()
	rec := &recordSender{}
	_, bus := start(t, Config{}, rec)

	bus.Publish(eventbus.Event{Type: eventbus.TypeStatus, Account: "1", Message: "open"})
	bus.Publish(eventbus.Event{Type: eventbus.TypeLog, Account: "1", Level: eventbus.LevelError, Message: "ignored, log not selected"})
	bus.Publish(eventbus.Event{Type: eventbus.TypeError, Account: "1", Message: "Session logged out. Please scan QR again."})
	bus.Publish(eventbus.Event{Type: eventbus.TypeFire, Account: "1", Message: "Fire to G1: sent after 1 attempt(s)"})

	require.Eventually(t, func() bool { return len(rec.Lines()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{
		"🚨 1: Session logged out. Please scan QR again.",
		"🚀 1: Fire to G1: sent after 1 attempt(s)",
	}, rec.Lines())
}

func TestLogLevelFilter(t *testing.T) {
	t.Parallel()
	rec := &recordSender{}
	_, bus := start(t, Config{Events: []string{eventbus.TypeLog}, MinLevel: eventbus.LevelWarn}, rec)

	bus.Publish(eventbus.Event{Type: eventbus.TypeLog, Account: "1", Level: eventbus.LevelInfo, Message: "Armed and ready"})
	bus.Publish(eventbus.Event{Type: eventbus.TypeLog, Account: "1", Level: eventbus.LevelWarn, Message: "Could not warm up. Will still attempt sends."})

	require.Eventually(t, func() bool { return len(rec.Lines()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "⚠️ 1: Could not warm up. Will still attempt sends.", rec.Lines()[0])
}

func TestDedupWindow(t *testing.T) {
	t.Parallel()
	rec := &recordSender{}
	s, _ := start(t, Config{DedupWindow: time.Minute}, rec)

	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Notify("disk full"))
	require.NoError(t, s.Notify("disk full"))
	require.NoError(t, s.Notify("other"))
	require.Eventually(t, func() bool { return len(rec.Lines()) == 2 }, 2*time.Second, 10*time.Millisecond)

	now = now.Add(2 * time.Minute)
	require.NoError(t, s.Notify("disk full"))
	require.Eventually(t, func() bool { return len(rec.Lines()) == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestRetriesFailedSends(t *testing.T) {
	t.Parallel()
	rec := &recordSender{fail: 1}
	s, _ := start(t, Config{RetryWait: time.Millisecond}, rec)

	require.NoError(t, s.Notify("hello"))
	require.Eventually(t, func() bool { return len(rec.Lines()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestDisabledIsStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &recordSender{}, eventbus.New(), logx.Nop())
	s.Start(context.Background())
	assert.ErrorIs(t, s.Notify("x"), ErrStopped)
	assert.NoError(t, s.Stop(context.Background()))
}

func TestNewTelegramValidates(t *testing.T) {
	t.Parallel()
	_, err := NewTelegram("", 1, 0)
	assert.Error(t, err)
	_, err = NewTelegram("123:abc", 0, 0)
	assert.Error(t, err)

	tg, err := NewTelegram("123:abc", -100123, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(-100123), tg.chat.ID)
}
