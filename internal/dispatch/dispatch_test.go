package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unlockbot/internal/activity"
	"unlockbot/internal/eventbus"
	"unlockbot/internal/metacache"
	"unlockbot/internal/metrics"
	"unlockbot/internal/transport"
	"unlockbot/internal/transport/transporttest"
	"unlockbot/pkg/logx"
)

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) Waits() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

func newJournal(t *testing.T) (activity.Journal, <-chan eventbus.Event) {
	t.Helper()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(128, nil)
	t.Cleanup(unsub)
	return activity.New("15551234567", logx.Nop(), bus), ch
}

func drain(ch <-chan eventbus.Event) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func newSender(rec *sleepRecorder, cache *metacache.Cache) *Sender {
	return &Sender{
		Cache:       cache,
		Classifier:  NewClassifier(),
		SessionWait: 5 * time.Second,
		RetryWait:   3 * time.Second,
		Sleep:       rec.Sleep,
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	c := NewClassifier()
	cases := []struct {
		err  error
		want Category
	}{
		{errors.New("not-acceptable"), Fatal},
		{errors.New("server said forbidden"), Fatal},
		{errors.New("forbidden: session expired"), Fatal},
		{errors.New("No sessions"), Session},
		{errors.New("No SenderKeyRecord found for decryption"), Session},
		{errors.New("invalid session state"), Session},
		{errors.New("Session closed"), Transient},
		{errors.New("Forbidden"), Transient},
		{errors.New("timed out"), Transient},
		{transport.ErrSessionClosed, Transient},
		{transport.ErrNotConnected, Transient},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			assert.Equal(t, tc.want, c.Classify(tc.err))
		})
	}
}

func TestCustomRulesOrderMatters(t *testing.T) {
	t.Parallel()
	c := NewClassifier(Rule{Pattern: "rate", Category: Session}, Rule{Pattern: "rate-overlimit", Category: Fatal})
	assert.Equal(t, Session, c.Classify(errors.New("rate-overlimit")))
}

func TestSendTransientThenSuccess(t *testing.T) {
	t.Parallel()
	sess := transporttest.NewSession(true)
	failures := 3
	sess.OnSend = func(string, string) error {
		if failures > 0 {
			failures--
			return errors.New("timed out")
		}
		return nil
	}
	rec := &sleepRecorder{}
	j, events := newJournal(t)

	res := newSender(rec, nil).SendWithRetry(context.Background(), j, func() transport.Session { return sess }, "G1", "X", 5)

	assert.Equal(t, metrics.OutcomeSent, res.Outcome)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second}, rec.Waits())
	assert.Len(t, sess.Sends(), 4)

	evs := drain(events)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, eventbus.LevelInfo, last.Level)
	assert.Contains(t, last.Message, "(attempt 4/5)")
}

func TestSendFatalStopsImmediately(t *testing.T) {
	t.Parallel()
	sess := transporttest.NewSession(true)
	sess.OnSend = func(string, string) error { return errors.New("not-acceptable") }
	rec := &sleepRecorder{}
	j, _ := newJournal(t)

	res := newSender(rec, nil).SendWithRetry(context.Background(), j, func() transport.Session { return sess }, "G1", "X", 5)

	assert.Equal(t, metrics.OutcomeFatal, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, sess.Sends(), 1)
	assert.Empty(t, rec.Waits())
}

func TestSendSessionErrorRefreshesCacheOncePerRetry(t *testing.T) {
	t.Parallel()
	sess := transporttest.NewSession(true)
	sess.OnSend = func(string, string) error { return errors.New("No sessions") }
	fetches := 0
	sess.OnFetch = func(id string) (transport.Metadata, error) {
		fetches++
		if fetches == 1 {
			return transport.Metadata{}, errors.New("rate-overlimit")
		}
		return transport.Metadata{ID: id, Subject: "Drop"}, nil
	}
	cache := metacache.New(metacache.DefaultTTL)
	rec := &sleepRecorder{}
	j, events := newJournal(t)

	res := newSender(rec, cache).SendWithRetry(context.Background(), j, func() transport.Session { return sess }, "G1", "X", 3)

	assert.Equal(t, metrics.OutcomeExhausted, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []string{"G1", "G1"}, sess.Fetches())
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, rec.Waits())
	got, ok := cache.Get("G1")
	require.True(t, ok)
	assert.Equal(t, "Drop", got.Subject)

	evs := drain(events)
	assert.Contains(t, evs[len(evs)-1].Message, "Giving up after 3 attempts")
}

func TestSendWithoutSessionIsTransient(t *testing.T) {
	t.Parallel()
	rec := &sleepRecorder{}
	j, _ := newJournal(t)
	sess := transporttest.NewSession(true)
	calls := 0
	src := func() transport.Session {
		calls++
		if calls == 1 {
			return nil
		}
		return sess
	}

	res := newSender(rec, nil).SendWithRetry(context.Background(), j, src, "G1", "X", 3)
	assert.Equal(t, metrics.OutcomeSent, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []time.Duration{3 * time.Second}, rec.Waits())
}

func TestSendCanceledIsTerminal(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	sess := transporttest.NewSession(true)
	sess.OnSend = func(string, string) error {
		cancel()
		return errors.New("timed out")
	}
	j, _ := newJournal(t)
	res := newSender(&sleepRecorder{}, nil).SendWithRetry(ctx, j, func() transport.Session { return sess }, "G1", "X", 10)
	assert.Equal(t, metrics.OutcomeCanceled, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
}

func TestWarmupSucceedsAndCaches(t *testing.T) {
	t.Parallel()
	sess := transporttest.NewSession(true)
	calls := 0
	sess.OnFetch = func(id string) (transport.Metadata, error) {
		calls++
		if calls < 3 {
			return transport.Metadata{}, errors.New("timed out")
		}
		return transport.Metadata{ID: id, Subject: "Drop", Participants: []string{"a", "b"}}, nil
	}
	cache := metacache.New(metacache.DefaultTTL)
	rec := &sleepRecorder{}
	j, events := newJournal(t)

	p := &Prober{Cache: cache, Attempts: 12, Interval: 5 * time.Second, Sleep: rec.Sleep}
	assert.True(t, p.Warm(context.Background(), j, sess, "G1"))
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, rec.Waits())
	_, ok := cache.Get("G1")
	assert.True(t, ok)

	evs := drain(events)
	assert.Equal(t, "Group Drop cached (2 members)", evs[len(evs)-1].Message)
}

func TestWarmupExhausts(t *testing.T) {
	t.Parallel()
	sess := transporttest.NewSession(true)
	sess.OnFetch = func(string) (transport.Metadata, error) { return transport.Metadata{}, errors.New("item-not-found") }
	rec := &sleepRecorder{}
	j, events := newJournal(t)

	p := &Prober{Attempts: 12, Interval: 5 * time.Second, Sleep: rec.Sleep}
	assert.False(t, p.Warm(context.Background(), j, sess, "G1"))
	assert.Len(t, sess.Fetches(), 12)
	assert.Len(t, rec.Waits(), 11)

	evs := drain(events)
	last := evs[len(evs)-1]
	assert.Equal(t, eventbus.LevelError, last.Level)
	assert.Equal(t, "Failed to warm up after 12 attempts", last.Message)
}

func TestUnlocked(t *testing.T) {
	t.Parallel()
	target := &Target{ChannelID: "G1", Payload: "X", Delay: 200 * time.Millisecond}
	cases := []struct {
		name    string
		target  *Target
		updates []transport.ChannelUpdate
		want    bool
	}{
		{"no target", nil, []transport.ChannelUpdate{{ID: "G1", Open: transport.BoolPtr(true)}}, false},
		{"other channel", target, []transport.ChannelUpdate{{ID: "G2", Open: transport.BoolPtr(true)}}, false},
		{"locked", target, []transport.ChannelUpdate{{ID: "G1", Open: transport.BoolPtr(false)}}, false},
		{"unrelated change", target, []transport.ChannelUpdate{{ID: "G1"}}, false},
		{"unlock in batch", target, []transport.ChannelUpdate{{ID: "G2"}, {ID: "G1", Open: transport.BoolPtr(true)}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Unlocked(tc.target, tc.updates))
		})
	}
}

func TestRefreshChannelsIgnoresFailures(t *testing.T) {
	t.Parallel()
	sess := transporttest.NewSession(true)
	sess.OnFetch = func(id string) (transport.Metadata, error) {
		if id == "bad" {
			return transport.Metadata{}, errors.New("forbidden")
		}
		return transport.Metadata{ID: id}, nil
	}
	cache := metacache.New(metacache.DefaultTTL)
	n := RefreshChannels(context.Background(), cache, sess, []transport.ChannelUpdate{{ID: "G1"}, {ID: "bad"}, {ID: "G2"}})
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"G1", "bad", "G2"}, sess.Fetches())
	assert.Equal(t, 2, cache.Len())
}
