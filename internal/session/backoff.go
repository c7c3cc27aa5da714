package session

import "time"

// DefaultMaxReconnectAttempts bounds consecutive reconnects before an account fails.
const DefaultMaxReconnectAttempts = 5

// ReconnectDelay is 2^(n+1) seconds for the n-th retry, n from 0.
func ReconnectDelay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	return time.Duration(1<<uint(n+1)) * time.Second
}

// Backoff counts reconnects since the last confirmed open.
// It is owned by one unit loop and not safe for concurrent use.
type Backoff struct {
	attempts int
	max      int
	delay    func(n int) time.Duration
}

func NewBackoff(max int, delay func(n int) time.Duration) *Backoff {
	if max <= 0 {
		max = DefaultMaxReconnectAttempts
	}
	if delay == nil {
		delay = ReconnectDelay
	}
	return &Backoff{max: max, delay: delay}
}

func (b *Backoff) Attempts() int { return b.attempts }

// Reset is called on a confirmed open only.
func (b *Backoff) Reset() { b.attempts = 0 }

// CanRetry reports whether another reconnect is allowed.
func (b *Backoff) CanRetry() bool { return b.attempts < b.max }

// Next consumes one attempt and returns its delay. ok is false once the
// budget is spent; the counter is left unchanged in that case.
func (b *Backoff) Next() (d time.Duration, ok bool) {
	if !b.CanRetry() {
		return 0, false
	}
	d = b.delay(b.attempts)
	b.attempts++
	return d, true
}
