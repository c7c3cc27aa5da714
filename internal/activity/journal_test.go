package activity

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unlockbot/internal/eventbus"
	"unlockbot/pkg/logx"
)

func TestJournalPublishesLeveledEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, eventbus.ForAccount("1555"))
	defer unsub()

	var buf bytes.Buffer
	j := New("1555", logx.NewWriter(&buf, "debug"), bus)
	j.Warn("Warming up sessions... (1/12)")
	j.Emit(eventbus.TypeArmed, "armed", nil)

	e := <-ch
	assert.Equal(t, eventbus.TypeLog, e.Type)
	assert.Equal(t, eventbus.LevelWarn, e.Level)
	assert.Equal(t, "Warming up sessions... (1/12)", e.Message)
	assert.Equal(t, eventbus.TypeArmed, (<-ch).Type)
	require.Contains(t, buf.String(), `"account":"1555"`)
}

func TestZeroJournalIsSafe(t *testing.T) {
	t.Parallel()
	var j Journal
	j.Info("dropped")
	j.Emit(eventbus.TypeReady, "", nil)
}

func TestLine(t *testing.T) {
	t.Parallel()
	ts := time.Date(2024, 1, 2, 13, 4, 5, 0, time.UTC)
	assert.Equal(t, "[13:04:05] hi", Line(eventbus.Event{Time: ts, Message: "hi"}))
}
