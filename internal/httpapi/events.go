package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"unlockbot/internal/activity"
	"unlockbot/internal/eventbus"
	"unlockbot/internal/session"
	"unlockbot/pkg/logx"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsBuffer     = 256
)

// clientMessage is what dashboards may send on the event stream.
type clientMessage struct {
	Type           string `json:"type"`
	UserID         string `json:"userId"`
	UsePairingCode bool   `json:"usePairingCode"`
}

const msgStartSession = "start-session"

// streamFilter builds the subscription filter from ?account= and a
// comma-separated ?types= list. Both are optional.
func streamFilter(r *http.Request) eventbus.Filter {
	var filters []eventbus.Filter
	if account := session.NormalizeID(r.URL.Query().Get("account")); account != "" {
		filters = append(filters, eventbus.ForAccount(account))
	}
	var types []string
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	if len(types) > 0 {
		filters = append(filters, eventbus.OfType(types...))
	}
	if len(filters) == 0 {
		return nil
	}
	return eventbus.All(filters...)
}

// streamFrame is an event as sent to dashboards; log events also carry a
// rendered "[HH:MM:SS] message" line.
type streamFrame struct {
	eventbus.Event
	Line string `json:"line,omitempty"`
}

// handleEvents streams bus events as JSON frames, filtered by streamFilter.
// Clients may send start-session messages.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := streamFilter(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer s.track(conn)()

	events, unsub := s.bus.Subscribe(wsBuffer, filter)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	replies := make(chan eventbus.Event, 8)

	go func() {
		defer cancel()
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })
		for {
			var msg clientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if reply, ok := s.handleClientMessage(msg); ok {
				select {
				case replies <- reply:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		var (
			e  eventbus.Event
			ok bool
		)
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			continue
		case e = <-replies:
		case e, ok = <-events:
			if !ok {
				return
			}
		}
		out := streamFrame{Event: e}
		if e.Type == eventbus.TypeLog {
			out.Line = activity.Line(e)
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(out); err != nil {
			s.log.Debug("event stream closed", logx.Err(err))
			return
		}
	}
}

func (s *Server) handleClientMessage(msg clientMessage) (eventbus.Event, bool) {
	switch msg.Type {
	case msgStartSession:
		s.log.Info("start-session requested", logx.String("account", session.NormalizeID(msg.UserID)),
			logx.Bool("pairing", msg.UsePairingCode))
		if _, err := s.startSession(startRequest{UserID: msg.UserID, UsePairingCode: msg.UsePairingCode}); err != nil {
			return eventbus.Event{
				Type:    eventbus.TypeError,
				Account: session.NormalizeID(msg.UserID),
				Message: err.Error(),
				Time:    time.Now(),
			}, true
		}
	}
	return eventbus.Event{}, false
}
