// Package transporttest provides a scriptable in-memory transport for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"unlockbot/internal/transport"
)

// SendCall records one Send invocation.
type SendCall struct {
	ChannelID string
	Text      string
}

// Session is a fake transport.Session. Hooks left nil succeed with zero values.
type Session struct {
	mu         sync.Mutex
	updates    chan transport.Update
	closed     bool
	registered bool

	OnFetch   func(channelID string) (transport.Metadata, error)
	OnSend    func(channelID, text string) error
	OnPairing func(phone string) (string, error)
	OnGroups  func() ([]transport.GroupSummary, error)
	OnLogout  func() error

	sends    []SendCall
	fetches  []string
	pairings []string
	logouts  int
}

func NewSession(registered bool) *Session {
	return &Session{updates: make(chan transport.Update, 64), registered: registered}
}

func (s *Session) Updates() <-chan transport.Update { return s.updates }

func (s *Session) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func (s *Session) SetRegistered(v bool) {
	s.mu.Lock()
	s.registered = v
	s.mu.Unlock()
}

// Push delivers an update; it is dropped once the session is closed.
func (s *Session) Push(u transport.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.updates <- u
}

func (s *Session) Open() {
	s.Push(transport.Update{Kind: transport.UpdateConnection, Connection: &transport.ConnectionUpdate{Phase: transport.PhaseOpen}})
}

func (s *Session) QR(code string) {
	s.Push(transport.Update{Kind: transport.UpdateConnection, Connection: &transport.ConnectionUpdate{Phase: transport.PhaseConnecting, QR: code}})
}

// Drop reports a close with the given status code and ends the stream.
func (s *Session) Drop(status int) {
	s.Push(transport.Update{Kind: transport.UpdateConnection, Connection: &transport.ConnectionUpdate{Phase: transport.PhaseClose, StatusCode: status}})
	_ = s.Close()
}

func (s *Session) Channels(updates ...transport.ChannelUpdate) {
	s.Push(transport.Update{Kind: transport.UpdateChannels, Channels: updates})
}

func (s *Session) Credentials(b []byte) {
	s.Push(transport.Update{Kind: transport.UpdateCredentials, Credentials: b})
}

func (s *Session) FetchMetadata(ctx context.Context, channelID string) (transport.Metadata, error) {
	s.mu.Lock()
	s.fetches = append(s.fetches, channelID)
	fn := s.OnFetch
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return transport.Metadata{}, err
	}
	if fn != nil {
		return fn(channelID)
	}
	return transport.Metadata{ID: channelID, Subject: channelID}, nil
}

func (s *Session) Send(ctx context.Context, channelID, text string) error {
	s.mu.Lock()
	s.sends = append(s.sends, SendCall{ChannelID: channelID, Text: text})
	fn := s.OnSend
	closed := s.closed
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if closed {
		return transport.ErrSessionClosed
	}
	if fn != nil {
		return fn(channelID, text)
	}
	return nil
}

func (s *Session) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	s.mu.Lock()
	s.pairings = append(s.pairings, phone)
	fn := s.OnPairing
	s.mu.Unlock()
	if fn != nil {
		return fn(phone)
	}
	return "ABCD-EFGH", nil
}

func (s *Session) ListGroups(ctx context.Context) ([]transport.GroupSummary, error) {
	s.mu.Lock()
	fn := s.OnGroups
	s.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil, nil
}

func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	s.logouts++
	fn := s.OnLogout
	s.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.updates)
	}
	return nil
}

func (s *Session) Sends() []SendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SendCall(nil), s.sends...)
}

func (s *Session) Fetches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fetches...)
}

func (s *Session) Pairings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pairings...)
}

func (s *Session) Logouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logouts
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Dialer hands out sessions built by New, recording every dial.
type Dialer struct {
	mu    sync.Mutex
	New   func(opts transport.DialOptions) (*Session, error)
	dials []transport.DialOptions
	made  []*Session
	ch    chan *Session
}

func NewDialer(newFn func(opts transport.DialOptions) (*Session, error)) *Dialer {
	if newFn == nil {
		newFn = func(opts transport.DialOptions) (*Session, error) {
			return NewSession(len(opts.Credentials) > 0), nil
		}
	}
	return &Dialer{New: newFn, ch: make(chan *Session, 64)}
}

var ErrDialRefused = errors.New("transporttest: dial refused")

func (d *Dialer) Dial(ctx context.Context, opts transport.DialOptions) (transport.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.dials = append(d.dials, opts)
	newFn := d.New
	d.mu.Unlock()

	s, err := newFn(opts)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrDialRefused
	}
	d.mu.Lock()
	d.made = append(d.made, s)
	d.mu.Unlock()
	select {
	case d.ch <- s:
	default:
	}
	return s, nil
}

// Next returns the next dialed session, or nil when ctx ends first.
func (d *Dialer) Next(ctx context.Context) *Session {
	select {
	case s := <-d.ch:
		return s
	case <-ctx.Done():
		return nil
	}
}

func (d *Dialer) Dials() []transport.DialOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]transport.DialOptions(nil), d.dials...)
}
