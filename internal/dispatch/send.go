package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"unlockbot/internal/activity"
	"unlockbot/internal/metacache"
	"unlockbot/internal/metrics"
	"unlockbot/internal/transport"
	"unlockbot/pkg/logx"
)

// SessionSource returns the account's current live session, or nil.
// It is called once per attempt so a send survives a reconnect.
type SessionSource func() transport.Session

// Result describes how a send loop ended. Sends never return errors to the
// trigger; Result exists for auditing and tests.
type Result struct {
	ChannelID string
	Outcome   string // metrics.Outcome*
	Attempts  int
	Err       error // last failure, nil on success
	Started   time.Time
	Finished  time.Time
}

// Sender runs the classified retry loop.
type Sender struct {
	Cache       *metacache.Cache
	Classifier  Classifier
	SessionWait time.Duration // after a session-not-ready failure
	RetryWait   time.Duration // after any other failure
	Sleep       SleepFunc
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

func (s *Sender) sleep(ctx context.Context, d time.Duration) error {
	if s.Sleep != nil {
		return s.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

func (s *Sender) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// SendWithRetry sends payload to channelID, making at most maxRetries attempts.
// Fatal rejections stop immediately. Session-not-ready failures refresh the
// cached metadata and wait SessionWait; anything else waits RetryWait. A
// canceled ctx ends the loop without further attempts.
func (s *Sender) SendWithRetry(ctx context.Context, j activity.Journal, src SessionSource, channelID, payload string, maxRetries int) Result {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	res := Result{ChannelID: channelID, Started: s.now()}
	finish := func(outcome string, err error) Result {
		res.Outcome = outcome
		res.Err = err
		res.Finished = s.now()
		s.Metrics.SendDone(outcome, res.Finished.Sub(res.Started).Seconds())
		return res
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return finish(metrics.OutcomeCanceled, err)
		}
		res.Attempts = attempt
		s.Metrics.SendAttempt()

		var sess transport.Session
		if src != nil {
			sess = src()
		}
		err := transport.ErrNotConnected
		if sess != nil {
			err = sess.Send(ctx, channelID, payload)
		}
		if err == nil {
			j.Info(fmt.Sprintf("Sent payload %q (attempt %d/%d)", payload, attempt, maxRetries),
				logx.String("channel", channelID), logx.Int("attempt", attempt))
			return finish(metrics.OutcomeSent, nil)
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return finish(metrics.OutcomeCanceled, err)
		}

		last := attempt == maxRetries
		switch s.Classifier.Classify(err) {
		case Fatal:
			j.Error(fmt.Sprintf("Send rejected, not retrying (attempt %d/%d): %v", attempt, maxRetries, err),
				logx.String("channel", channelID))
			return finish(metrics.OutcomeFatal, err)

		case Session:
			if !last {
				j.Warn(fmt.Sprintf("Session not ready. Retrying in %s... (%d/%d)", s.SessionWait, attempt, maxRetries),
					logx.String("channel", channelID), logx.Err(err))
				RefreshMetadata(ctx, s.Cache, sess, channelID)
				if serr := s.sleep(ctx, s.SessionWait); serr != nil {
					return finish(metrics.OutcomeCanceled, err)
				}
				continue
			}
			j.Error(fmt.Sprintf("Failed to send (attempt %d/%d): %v", attempt, maxRetries, err),
				logx.String("channel", channelID))

		default:
			j.Error(fmt.Sprintf("Failed to send (attempt %d/%d): %v", attempt, maxRetries, err),
				logx.String("channel", channelID))
			if !last {
				if serr := s.sleep(ctx, s.RetryWait); serr != nil {
					return finish(metrics.OutcomeCanceled, err)
				}
				continue
			}
		}
		res.Err = err
	}

	j.Error(fmt.Sprintf("Giving up after %d attempts", maxRetries), logx.String("channel", channelID))
	return finish(metrics.OutcomeExhausted, res.Err)
}

// RefreshMetadata re-fetches one channel into the cache. Failures are ignored.
func RefreshMetadata(ctx context.Context, cache *metacache.Cache, sess transport.Session, channelID string) bool {
	if cache == nil || sess == nil || channelID == "" {
		return false
	}
	meta, err := sess.FetchMetadata(ctx, channelID)
	if err != nil {
		return false
	}
	cache.Set(channelID, meta)
	return true
}
