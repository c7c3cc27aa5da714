package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unlockbot/pkg/logx"
)

func TestNewRejectsBadSpecs(t *testing.T) {
	t.Parallel()
	noop := func(context.Context) error { return nil }

	_, err := New(Config{Jobs: []Job{{Name: "x", Spec: "not a spec", Run: noop}}}, logx.Nop())
	assert.Error(t, err)

	_, err = New(Config{Timezone: "Mars/Olympus", Jobs: []Job{{Name: "x", Spec: "@every 1m", Run: noop}}}, logx.Nop())
	assert.Error(t, err)

	_, err = New(Config{Jobs: []Job{{Spec: "@every 1m", Run: noop}}}, logx.Nop())
	assert.Error(t, err)
}

func TestRunNowCountsResults(t *testing.T) {
	t.Parallel()
	calls := 0
	svc, err := New(Config{Jobs: []Job{
		{Name: "sweep", Spec: "@every 1m", Run: func(context.Context) error { calls++; return nil }},
		{Name: "broken", Run: func(context.Context) error { return errors.New("boom") }},
	}}, logx.Nop())
	require.NoError(t, err)

	require.NoError(t, svc.RunNow("sweep"))
	assert.Error(t, svc.RunNow("broken"))
	assert.Error(t, svc.RunNow("missing"))
	assert.Equal(t, 1, calls)

	runs, failed := svc.Stats()
	assert.Equal(t, map[string]int{"sweep": 1, "broken": 1}, runs)
	assert.Equal(t, map[string]int{"broken": 1}, failed)
}

func TestTimeoutBoundsRun(t *testing.T) {
	t.Parallel()
	svc, err := New(Config{Jobs: []Job{{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}}}, logx.Nop())
	require.NoError(t, err)
	assert.ErrorIs(t, svc.RunNow("slow"), context.DeadlineExceeded)
}

func TestScheduleLifecycle(t *testing.T) {
	t.Parallel()
	ran := make(chan struct{}, 4)
	svc, err := New(Config{Timezone: "UTC", Jobs: []Job{
		{Name: "tick", Spec: "@every 1s", Run: func(context.Context) error {
			select {
			case ran <- struct{}{}:
			default:
			}
			return nil
		}},
		{Name: "manual", Run: func(context.Context) error { return nil }},
	}}, logx.Nop())
	require.NoError(t, err)

	svc.Start(context.Background())
	sched := svc.Scheduled()
	assert.Len(t, sched, 1)
	assert.Contains(t, sched, "tick")

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled job did not run")
	}

	require.NoError(t, svc.Apply(Config{Timezone: "UTC"}))
	assert.Empty(t, svc.Scheduled())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	svc.Stop(ctx)
	assert.Empty(t, svc.Scheduled())
}
