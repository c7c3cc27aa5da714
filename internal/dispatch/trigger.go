package dispatch

import (
	"context"
	"time"

	"unlockbot/internal/metacache"
	"unlockbot/internal/transport"
)

// Target is an immutable snapshot of what an account fires at. It is
// replaced whole when the account record is re-read.
type Target struct {
	ChannelID string        `json:"channel_id"`
	Payload   string        `json:"payload"`
	Delay     time.Duration `json:"delay"`
}

// RefreshChannels re-fetches metadata for every channel in a batch, in order.
// Individual failures are ignored.
func RefreshChannels(ctx context.Context, cache *metacache.Cache, sess transport.Session, updates []transport.ChannelUpdate) int {
	n := 0
	for _, u := range updates {
		if ctx.Err() != nil {
			break
		}
		if RefreshMetadata(ctx, cache, sess, u.ID) {
			n++
		}
	}
	return n
}

// Unlocked reports whether the batch contains the target channel with its
// open indicator set. A nil target never matches.
func Unlocked(target *Target, updates []transport.ChannelUpdate) bool {
	if target == nil || target.ChannelID == "" {
		return false
	}
	for _, u := range updates {
		if u.ID == target.ChannelID && u.Open != nil && *u.Open {
			return true
		}
	}
	return false
}
