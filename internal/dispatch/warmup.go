package dispatch

import (
	"context"
	"fmt"
	"time"

	"unlockbot/internal/activity"
	"unlockbot/internal/metacache"
	"unlockbot/internal/metrics"
	"unlockbot/internal/transport"
	"unlockbot/pkg/logx"
)

// Prober fetches target metadata until it succeeds, which also makes the
// transport establish per-member encryption sessions ahead of the first send.
type Prober struct {
	Cache    *metacache.Cache
	Attempts int
	Interval time.Duration
	Sleep    SleepFunc
	Metrics  *metrics.Metrics
}

// Warm reports whether metadata for channelID was fetched within the attempt
// budget. A canceled ctx returns false without the exhaustion log.
func (p *Prober) Warm(ctx context.Context, j activity.Journal, sess transport.Session, channelID string) bool {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	for i := 1; i <= attempts; i++ {
		if ctx.Err() != nil || sess == nil {
			return false
		}
		meta, err := sess.FetchMetadata(ctx, channelID)
		if err == nil {
			if p.Cache != nil {
				p.Cache.Set(channelID, meta)
			}
			j.Info(fmt.Sprintf("Group %s cached (%d members)", meta.Subject, len(meta.Participants)),
				logx.String("channel", channelID))
			p.Metrics.Warmup(true)
			return true
		}
		j.Warn(fmt.Sprintf("Warming up sessions... (%d/%d)", i, attempts),
			logx.String("channel", channelID), logx.Err(err))
		if i < attempts {
			if sleep(ctx, p.Interval) != nil {
				return false
			}
		}
	}

	j.Error(fmt.Sprintf("Failed to warm up after %d attempts", attempts), logx.String("channel", channelID))
	p.Metrics.Warmup(false)
	return false
}
