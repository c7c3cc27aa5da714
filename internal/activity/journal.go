// Package activity records account-scoped messages to both the process log
// and the event bus, so dashboards see the same lines operators do.
package activity

import (
	"fmt"
	"time"

	"unlockbot/internal/eventbus"
	"unlockbot/pkg/logx"
)

// Journal is bound to one account. The zero value drops everything.
type Journal struct {
	account string
	log     logx.Logger
	bus     eventbus.Bus
}

func New(account string, log logx.Logger, bus eventbus.Bus) Journal {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return Journal{
		account: account,
		log:     log.With(logx.String("account", account)),
		bus:     bus,
	}
}

func (j Journal) Account() string { return j.account }

func (j Journal) Info(msg string, fields ...logx.Field) {
	j.write(eventbus.LevelInfo, msg, fields...)
}

func (j Journal) Warn(msg string, fields ...logx.Field) {
	j.write(eventbus.LevelWarn, msg, fields...)
}

func (j Journal) Error(msg string, fields ...logx.Field) {
	j.write(eventbus.LevelError, msg, fields...)
}

func (j Journal) write(level, msg string, fields ...logx.Field) {
	switch level {
	case eventbus.LevelWarn:
		j.log.Warn(msg, fields...)
	case eventbus.LevelError:
		j.log.Error(msg, fields...)
	default:
		j.log.Info(msg, fields...)
	}
	if j.bus != nil {
		j.bus.Publish(eventbus.Event{Type: eventbus.TypeLog, Account: j.account, Level: level, Message: msg})
	}
}

// Emit publishes a lifecycle event (qr, armed, ready, ...).
func (j Journal) Emit(typ string, message string, data any) {
	if j.bus == nil {
		return
	}
	j.bus.Publish(eventbus.Event{Type: typ, Account: j.account, Message: message, Data: data})
}

// Line renders a log event as "[HH:MM:SS] message".
func Line(e eventbus.Event) string {
	t := e.Time
	if t.IsZero() {
		t = time.Now()
	}
	return fmt.Sprintf("[%s] %s", t.Format("15:04:05"), e.Message)
}
