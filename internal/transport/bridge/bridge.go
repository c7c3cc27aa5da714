// Package bridge implements transport.Dialer over a websocket connection to a
// protocol sidecar. Each account gets its own socket; requests are correlated
// by id and server pushes become session updates.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"unlockbot/internal/transport"
	"unlockbot/pkg/logx"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	helloWait    = 10 * time.Second
	updateBuffer = 256
)

// Close codes 4000-4999 carry a protocol status as code-4000, so 4401 maps
// to transport.StatusLoggedOut.
const closeStatusBase = 4000

type Config struct {
	URL            string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	Header         http.Header
}

// RemoteError is a request rejected by the bridge. The message is kept
// verbatim so send failures can be classified by content.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string { return e.Method + ": " + e.Message }

type Dialer struct {
	cfg Config
	ws  *websocket.Dialer
	log logx.Logger
}

func NewDialer(cfg Config, log logx.Logger) *Dialer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dialer{
		cfg: cfg,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		log: log.With(logx.String("comp", "bridge")),
	}
}

func (d *Dialer) endpoint(accountID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(d.cfg.URL))
	if err != nil {
		return "", fmt.Errorf("bridge: parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("bridge: unsupported url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/sessions/" + url.PathEscape(accountID)
	return u.String(), nil
}

// Dial opens the account socket, sends stored credentials and waits for the
// hello acknowledgement before returning.
func (d *Dialer) Dial(ctx context.Context, opts transport.DialOptions) (transport.Session, error) {
	endpoint, err := d.endpoint(opts.AccountID)
	if err != nil {
		return nil, err
	}
	dctx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := d.ws.DialContext(dctx, endpoint, d.cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("bridge: dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("bridge: dial %s: %w", endpoint, err)
	}

	hello := frame{Type: frameHello, Account: opts.AccountID}
	if len(opts.Credentials) > 0 {
		if json.Valid(opts.Credentials) {
			hello.Credentials = opts.Credentials
		} else {
			d.log.Warn("stored credentials are not valid json; starting a fresh login", logx.String("account", opts.AccountID))
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("bridge: send hello: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(helloWait))
	var ack frame
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("bridge: read hello: %w", err)
	}
	if ack.Type != frameHello {
		_ = conn.Close()
		return nil, fmt.Errorf("bridge: expected hello, got %q", ack.Type)
	}
	if ack.Error != "" {
		_ = conn.Close()
		return nil, &RemoteError{Method: frameHello, Message: ack.Error}
	}

	s := newSession(conn, opts, d.cfg.RequestTimeout, d.log.With(logx.String("account", opts.AccountID)))
	s.registered.Store(ack.Registered)
	go s.readLoop()
	go s.pingLoop()
	return s, nil
}

type session struct {
	conn    *websocket.Conn
	account string
	lookup  transport.MetadataLookup
	timeout time.Duration
	log     logx.Logger

	updates    chan transport.Update
	registered atomic.Bool
	writeMu    sync.Mutex

	mu      sync.Mutex
	pending map[string]chan frame
	closed  bool
	done    chan struct{}
	once    sync.Once
}

func newSession(conn *websocket.Conn, opts transport.DialOptions, timeout time.Duration, log logx.Logger) *session {
	return &session{
		conn:    conn,
		account: opts.AccountID,
		lookup:  opts.Lookup,
		timeout: timeout,
		log:     log,
		updates: make(chan transport.Update, updateBuffer),
		pending: make(map[string]chan frame),
		done:    make(chan struct{}),
	}
}

func (s *session) Updates() <-chan transport.Update { return s.updates }

func (s *session) Registered() bool { return s.registered.Load() }

func (s *session) readLoop() {
	defer close(s.updates)
	defer s.shutdown()

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if up, ok := s.lost(err); ok {
				s.deliver(up)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch f.Type {
		case frameEvent:
			up, ok := decodeUpdate(f)
			if !ok {
				s.log.Debug("dropping malformed event", logx.String("event", f.Event))
				continue
			}
			if c := up.Connection; c != nil && c.Phase == transport.PhaseOpen {
				s.registered.Store(true)
			}
			if !s.deliver(up) {
				return
			}
		case frameResult:
			s.resolve(f)
		case frameLookup:
			go s.answerLookup(f)
		default:
			s.log.Debug("unknown frame", logx.String("type", f.Type))
		}
	}
}

// lost converts a read failure into a close update. It reports false when
// the session was closed locally.
func (s *session) lost(err error) (transport.Update, bool) {
	select {
	case <-s.done:
		return transport.Update{}, false
	default:
	}
	cu := &transport.ConnectionUpdate{Phase: transport.PhaseClose, Reason: err.Error()}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code >= closeStatusBase && ce.Code < closeStatusBase+1000 {
			cu.StatusCode = ce.Code - closeStatusBase
		}
		if ce.Text != "" {
			cu.Reason = ce.Text
		}
	}
	s.log.Debug("bridge connection lost", logx.Int("status", cu.StatusCode), logx.String("reason", cu.Reason))
	return transport.Update{Kind: transport.UpdateConnection, Connection: cu}, true
}

func (s *session) deliver(up transport.Update) bool {
	select {
	case s.updates <- up:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) resolve(f frame) {
	s.mu.Lock()
	ch, ok := s.pending[f.ID]
	delete(s.pending, f.ID)
	s.mu.Unlock()
	if ok {
		ch <- f
	}
}

func (s *session) answerLookup(f frame) {
	var p idParams
	_ = json.Unmarshal(f.Params, &p)
	var reply lookupReply
	if s.lookup != nil && p.ID != "" {
		if meta, ok := s.lookup(p.ID); ok {
			reply = lookupReply{Found: true, Meta: &meta}
		}
	}
	data, _ := json.Marshal(reply)
	if err := s.write(frame{Type: frameLookedUp, ID: f.ID, OK: true, Data: data}); err != nil {
		s.log.Debug("lookup reply failed", logx.Err(err))
	}
}

func (s *session) pingLoop() {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *session) write(f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return transport.ErrSessionClosed
	default:
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(f)
}

// call sends a request and waits for its result frame.
func (s *session) call(ctx context.Context, method string, params, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("bridge: encode %s: %w", method, err)
	}
	id := uuid.NewString()
	ch := make(chan frame, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrSessionClosed
	}
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.write(frame{Type: frameCall, ID: id, Method: method, Params: raw}); err != nil {
		if errors.Is(err, transport.ErrSessionClosed) {
			return err
		}
		return fmt.Errorf("bridge: %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return transport.ErrSessionClosed
	case res := <-ch:
		if !res.OK {
			msg := res.Error
			if msg == "" {
				msg = "request failed"
			}
			return &RemoteError{Method: method, Message: msg}
		}
		if out != nil && len(res.Data) > 0 {
			if err := json.Unmarshal(res.Data, out); err != nil {
				return fmt.Errorf("bridge: decode %s: %w", method, err)
			}
		}
		return nil
	}
}

func (s *session) FetchMetadata(ctx context.Context, channelID string) (transport.Metadata, error) {
	var meta transport.Metadata
	err := s.call(ctx, methodFetchMetadata, idParams{ID: channelID}, &meta)
	if err == nil && meta.ID == "" {
		meta.ID = channelID
	}
	return meta, err
}

func (s *session) Send(ctx context.Context, channelID, text string) error {
	return s.call(ctx, methodSend, sendParams{To: channelID, Text: text}, nil)
}

func (s *session) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	var res pairingResult
	if err := s.call(ctx, methodPairingCode, pairingParams{Phone: phone}, &res); err != nil {
		return "", err
	}
	return res.Code, nil
}

func (s *session) ListGroups(ctx context.Context) ([]transport.GroupSummary, error) {
	var groups []transport.GroupSummary
	err := s.call(ctx, methodGroups, struct{}{}, &groups)
	return groups, err
}

func (s *session) Logout(ctx context.Context) error {
	return s.call(ctx, methodLogout, struct{}{}, nil)
}

// Close ends the session; Updates is closed once the read loop exits.
func (s *session) Close() error {
	var err error
	s.once.Do(func() {
		s.shutdown()
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
