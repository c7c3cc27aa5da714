package metacache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unlockbot/internal/transport"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestEntriesExpireAfterTTL(t *testing.T) {
	t.Parallel()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	c := New(DefaultTTL, WithClock(clk.Now))

	c.Set("G1", transport.Metadata{ID: "G1", Subject: "first"})
	clk.Advance(299 * time.Second)
	got, ok := c.Get("G1")
	require.True(t, ok)
	assert.Equal(t, "first", got.Subject)

	clk.Advance(time.Second)
	_, ok = c.Get("G1")
	assert.False(t, ok, "entry at exactly 300s must be a miss")
}

func TestSetRefreshesTTLAndReplaces(t *testing.T) {
	t.Parallel()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	c := New(DefaultTTL, WithClock(clk.Now))

	c.Set("G1", transport.Metadata{ID: "G1", Subject: "old", Participants: []string{"a"}})
	clk.Advance(200 * time.Second)
	c.Set("G1", transport.Metadata{ID: "G1", Subject: "new"})
	clk.Advance(200 * time.Second)

	got, ok := c.Get("G1")
	require.True(t, ok)
	assert.Equal(t, "new", got.Subject)
	assert.Empty(t, got.Participants, "set replaces, never merges")
}

func TestSweepDropsExpiredAndTrims(t *testing.T) {
	t.Parallel()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	c := New(time.Minute, WithClock(clk.Now), WithMaxEntries(2))

	c.Set("old", transport.Metadata{})
	clk.Advance(2 * time.Minute)
	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("G%d", i), transport.Metadata{})
		clk.Advance(time.Second)
	}

	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("G0")
	assert.False(t, ok)
	_, ok = c.Get("G2")
	assert.True(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()
	c := New(DefaultTTL)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set("G", transport.Metadata{Subject: fmt.Sprint(i)})
				_, _ = c.Get("G")
			}
		}(i)
	}
	wg.Wait()
	_, ok := c.Lookup()("G")
	assert.True(t, ok)
}
