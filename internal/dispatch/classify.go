// Package dispatch holds the hot path: classifying send failures, the retried
// send loop, the warmup prober and unlock matching.
package dispatch

import (
	"errors"
	"strings"

	"unlockbot/internal/transport"
)

type Category int

const (
	// Transient failures are retried after the regular wait.
	Transient Category = iota
	// Session failures mean encryption state is not ready yet; retried after
	// refreshing channel metadata.
	Session
	// Fatal rejections are never retried.
	Fatal
)

func (c Category) String() string {
	switch c {
	case Session:
		return "session"
	case Fatal:
		return "fatal"
	default:
		return "transient"
	}
}

// Rule maps an error-text substring to a category. Matching is case-sensitive.
type Rule struct {
	Pattern  string
	Category Category
}

// DefaultRules is evaluated in order; fatal patterns come first so a message
// mentioning both "forbidden" and "session" is fatal.
var DefaultRules = []Rule{
	{Pattern: "not-acceptable", Category: Fatal},
	{Pattern: "forbidden", Category: Fatal},
	{Pattern: "No sessions", Category: Session},
	{Pattern: "No SenderKeyRecord", Category: Session},
	{Pattern: "session", Category: Session},
}

// Classifier picks the first matching rule; no match is Transient.
type Classifier struct {
	rules []Rule
}

func NewClassifier(rules ...Rule) Classifier {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return Classifier{rules: append([]Rule(nil), rules...)}
}

func (c Classifier) Classify(err error) Category {
	if err == nil {
		return Transient
	}
	// A missing or replaced session is not a crypto-state problem even though
	// the sentinel text mentions "session".
	if errors.Is(err, transport.ErrNotConnected) || errors.Is(err, transport.ErrSessionClosed) {
		return Transient
	}
	rules := c.rules
	if rules == nil {
		rules = DefaultRules
	}
	msg := err.Error()
	for _, r := range rules {
		if r.Pattern != "" && strings.Contains(msg, r.Pattern) {
			return r.Category
		}
	}
	return Transient
}
