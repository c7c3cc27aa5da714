package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"unlockbot/internal/activity"
	"unlockbot/internal/credstore"
	"unlockbot/internal/dispatch"
	"unlockbot/internal/eventbus"
	"unlockbot/internal/runtime/supervisor"
	"unlockbot/internal/storage"
	"unlockbot/internal/transport"
	"unlockbot/pkg/logx"
)

// Unit supervises one account. A single loop goroutine owns the connection
// lifecycle, so state transitions for an account are strictly sequential.
// Work that must not block the loop (warmup, pairing, cache refresh) runs on
// a per-connection supervisor that is canceled on disconnect. Scheduled sends
// run on the unit supervisor and survive reconnects.
type Unit struct {
	id   string
	mode AuthMode
	m    *Manager
	j    activity.Journal
	log  logx.Logger
	sup  *supervisor.Supervisor
	done chan struct{}

	mu        sync.RWMutex
	state     State
	since     time.Time
	armed     bool
	target    *dispatch.Target
	sess      transport.Session
	conn      *supervisor.Supervisor
	armCancel context.CancelFunc
	attempts  int
}

func newUnit(m *Manager, id string, mode AuthMode) *Unit {
	log := m.log.With(logx.String("account", id))
	u := &Unit{
		id:    id,
		mode:  mode,
		m:     m,
		j:     activity.New(id, m.log, m.bus),
		log:   log,
		sup:   supervisor.New(m.ctx, supervisor.WithLogger(log)),
		done:  make(chan struct{}),
		state: StateIdle,
		since: time.Now(),
	}
	m.metrics.UnitState("", string(StateIdle))
	return u
}

func (u *Unit) start() {
	u.sup.Go0("unit.loop", func(ctx context.Context) {
		defer close(u.done)
		u.run(ctx)
	})
}

func (u *Unit) ID() string { return u.id }

// Done is closed when the unit loop has exited.
func (u *Unit) Done() <-chan struct{} { return u.done }

// Session returns the live session, or nil between connections.
func (u *Unit) Session() transport.Session {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.sess
}

func (u *Unit) Snapshot() Snapshot {
	u.mu.RLock()
	defer u.mu.RUnlock()
	s := Snapshot{
		AccountID: u.id,
		State:     u.state,
		Mode:      u.mode.String(),
		Armed:     u.armed,
		Connected: u.sess != nil && u.sess.Registered(),
		Attempts:  u.attempts,
		Since:     u.since,
	}
	if u.target != nil {
		t := *u.target
		s.Target = &t
	}
	return s
}

func (u *Unit) run(ctx context.Context) {
	backoff := NewBackoff(u.m.opts.MaxReconnectAttempts, u.m.opts.ReconnectDelay)
	for {
		code := u.connectOnce(ctx, backoff)
		if ctx.Err() != nil {
			u.setState(StateStopped)
			return
		}

		canRetry := backoff.CanRetry()
		u.j.Info(fmt.Sprintf("Connection closed (status: %d). Attempt %d/%d. Reconnecting: %t",
			code, backoff.Attempts()+1, backoff.max, code != transport.StatusLoggedOut && canRetry))

		var delay time.Duration
		switch {
		case code == transport.StatusLoggedOut:
			u.m.metrics.Reconnect("logged_out")
			u.terminate(StateLoggedOut, storage.StatusDisconnected, "Session logged out. Please scan QR again.")
			return
		case !canRetry:
			u.m.metrics.Reconnect("exhausted")
			u.j.Error("Max reconnect attempts reached. Stopping.")
			u.terminate(StateFailed, storage.StatusError, "Connection failed after multiple retries. Please try again.")
			return
		case code == transport.StatusRestartRequired:
			u.m.metrics.Reconnect("restart_required")
			u.j.Info("Restart required, reconnecting now")
		default:
			u.m.metrics.Reconnect("backoff")
			delay, _ = backoff.Next()
			u.j.Warn(fmt.Sprintf("Reconnecting in %s", delay))
		}

		u.mu.Lock()
		u.attempts = backoff.Attempts()
		u.mu.Unlock()
		u.setState(StateReconnecting)
		if u.m.sleep(ctx, delay) != nil {
			u.setState(StateStopped)
			return
		}
	}
}

// connectOnce dials, pumps session updates until the connection closes, and
// returns the close status code (0 when unknown).
func (u *Unit) connectOnce(ctx context.Context, backoff *Backoff) int {
	u.setState(StateConnecting)

	creds, err := u.m.creds.Load(ctx, u.id)
	if err != nil && !errors.Is(err, credstore.ErrNotFound) {
		u.j.Warn("Could not load stored credentials; starting a fresh login", logx.Err(err))
	}
	sess, err := u.m.dialer.Dial(ctx, transport.DialOptions{
		AccountID:   u.id,
		Credentials: creds,
		Lookup:      u.m.cache.Lookup(),
	})
	if err != nil {
		if ctx.Err() == nil {
			u.j.Error(fmt.Sprintf("Failed to connect: %v", err))
		}
		return 0
	}

	conn := supervisor.New(ctx, supervisor.WithLogger(u.log))
	u.mu.Lock()
	u.sess = sess
	u.conn = conn
	u.mu.Unlock()
	defer u.teardown(sess, conn)

	if !sess.Registered() {
		u.setState(StateAuthenticating)
		if u.mode == AuthPairingCode {
			conn.Go0("pairing", func(ctx context.Context) { u.requestPairingCode(ctx, sess) })
		}
	}

	updates := sess.Updates()
	for {
		var (
			up transport.Update
			ok bool
		)
		select {
		case <-ctx.Done():
			return 0
		case up, ok = <-updates:
			if !ok {
				return 0
			}
		}

		switch up.Kind {
		case transport.UpdateConnection:
			c := up.Connection
			if c == nil {
				continue
			}
			if c.QR != "" {
				u.onQR(backoff, c.QR)
			}
			switch c.Phase {
			case transport.PhaseOpen:
				backoff.Reset()
				u.onOpen(conn, sess)
			case transport.PhaseClose:
				u.setState(StateClosing)
				return c.StatusCode
			}

		case transport.UpdateChannels:
			batch := up.Channels
			conn.Go0("channels", func(ctx context.Context) { u.onChannels(ctx, sess, batch) })

		case transport.UpdateMembership:
			id := up.ChannelID
			conn.Go0("membership", func(ctx context.Context) {
				dispatch.RefreshMetadata(ctx, u.m.cache, sess, id)
			})

		case transport.UpdateCredentials:
			if len(up.Credentials) == 0 {
				continue
			}
			if err := u.m.creds.Save(ctx, u.id, up.Credentials); err != nil {
				u.j.Warn("Failed to persist credentials", logx.Err(err))
			}
		}
	}
}

func (u *Unit) teardown(sess transport.Session, conn *supervisor.Supervisor) {
	u.mu.Lock()
	if u.sess == sess {
		u.sess = nil
	}
	if u.conn == conn {
		u.conn = nil
	}
	u.armed = false
	if u.armCancel != nil {
		u.armCancel()
		u.armCancel = nil
	}
	u.mu.Unlock()

	wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := conn.Stop(wctx); err != nil {
		u.log.Debug("connection tasks did not stop cleanly", logx.Err(err))
	}
	cancel()
	_ = sess.Close()
}

func (u *Unit) onOpen(conn *supervisor.Supervisor, sess transport.Session) {
	u.mu.Lock()
	u.attempts = 0
	u.mu.Unlock()
	u.setState(StateOpen)
	u.j.Info("Connection open and authenticated")
	u.setStatus(storage.StatusConnected)
	u.j.Emit(eventbus.TypeReady, "ready", nil)
	u.startArm(conn, sess, false)
}

func (u *Unit) onQR(backoff *Backoff, code string) {
	if u.mode == AuthPairingCode {
		return
	}
	backoff.Reset()
	u.mu.Lock()
	u.attempts = 0
	u.armed = false
	u.mu.Unlock()

	url, err := QRDataURL(code)
	if err != nil {
		u.j.Warn("Failed to render QR code", logx.Err(err))
	}
	u.j.Info("QR code ready, waiting for scan")
	u.j.Emit(eventbus.TypeQR, "scan to link", map[string]string{"qr": url, "raw": code})
}

func (u *Unit) requestPairingCode(ctx context.Context, sess transport.Session) {
	if u.m.sleep(ctx, u.m.opts.PairingCodeDelay) != nil {
		return
	}
	code, err := sess.RequestPairingCode(ctx, u.id)
	if err != nil {
		if ctx.Err() == nil {
			u.j.Error(fmt.Sprintf("Failed to request pairing code: %v", err))
		}
		return
	}
	u.j.Info("Pairing code ready")
	u.j.Emit(eventbus.TypePairingCode, code, map[string]string{"code": code})
}

// startArm (re)starts target loading and warmup, canceling a previous run.
func (u *Unit) startArm(conn *supervisor.Supervisor, sess transport.Session, rearm bool) {
	u.mu.Lock()
	if u.armCancel != nil {
		u.armCancel()
	}
	ctx, cancel := context.WithCancel(conn.Context())
	u.armCancel = cancel
	u.mu.Unlock()

	conn.Go0("arm", func(context.Context) {
		defer cancel()
		u.arm(ctx, sess, rearm)
	})
}

func (u *Unit) arm(ctx context.Context, sess transport.Session, rearm bool) {
	acct, err := u.m.store.GetAccount(ctx, u.id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		if ctx.Err() == nil {
			u.j.Error("Failed to load account configuration", logx.Err(err))
			u.setArmed(false)
		}
		return
	}
	if err != nil || !acct.HasTarget() {
		u.setTarget(nil)
		u.j.Info("No target group configured yet")
		return
	}

	t := &dispatch.Target{ChannelID: acct.TargetChannelID, Payload: acct.Name, Delay: acct.Delay()}
	u.setTarget(t)
	if rearm {
		u.j.Info(fmt.Sprintf("Re-warming for %s...", t.ChannelID))
	} else {
		u.j.Info("Warming up for target group...")
	}

	ok := u.m.prober.Warm(ctx, u.j, sess, t.ChannelID)
	if ctx.Err() != nil {
		return
	}
	switch {
	case ok:
		u.setArmed(true)
		if rearm {
			u.j.Info("Re-armed")
		} else {
			u.j.Info("Armed and ready")
		}
		u.j.Emit(eventbus.TypeArmed, "Armed for "+t.ChannelID, t)
	case !rearm:
		u.setArmed(true)
		u.j.Warn("Could not warm up. Will still attempt sends.")
	}
}

func (u *Unit) onChannels(ctx context.Context, sess transport.Session, batch []transport.ChannelUpdate) {
	dispatch.RefreshChannels(ctx, u.m.cache, sess, batch)

	u.mu.RLock()
	t := u.target
	armed := u.armed
	u.mu.RUnlock()
	if !dispatch.Unlocked(t, batch) {
		return
	}
	u.j.Info(fmt.Sprintf("GROUP UNLOCKED! Armed: %t. Firing in %dms", armed, t.Delay.Milliseconds()),
		logx.String("channel", t.ChannelID))
	u.m.metrics.Fire()
	u.scheduleFire(*t)
}

// scheduleFire waits the target delay, then runs the retried send. The task
// belongs to the unit, so it resolves whichever session is live per attempt
// and is canceled when the account is deleted, logged out or fails.
func (u *Unit) scheduleFire(t dispatch.Target) {
	u.sup.Go0("fire", func(ctx context.Context) {
		if err := u.m.sleep(ctx, t.Delay); err != nil {
			u.log.Debug("scheduled send canceled before firing", logx.String("channel", t.ChannelID))
			return
		}
		res := u.m.sender.SendWithRetry(ctx, u.j, u.Session, t.ChannelID, t.Payload, u.m.opts.FireRetryBudget)
		u.audit(t, res)
	})
}

func (u *Unit) audit(t dispatch.Target, res dispatch.Result) {
	rec := storage.FireRecord{
		ID:         uuid.NewString(),
		AccountID:  u.id,
		ChannelID:  t.ChannelID,
		Payload:    t.Payload,
		Outcome:    res.Outcome,
		Attempts:   res.Attempts,
		StartedAt:  res.Started,
		FinishedAt: res.Finished,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := u.m.store.AppendFire(ctx, rec); err != nil {
		u.log.Warn("fire audit append failed", logx.Err(err))
	}
	u.j.Emit(eventbus.TypeFire, fmt.Sprintf("Fire to %s: %s after %d attempt(s)", t.ChannelID, res.Outcome, res.Attempts), rec)
}

// refresh re-reads the target and re-warms on the live connection.
func (u *Unit) refresh() error {
	u.mu.RLock()
	sess, conn := u.sess, u.conn
	u.mu.RUnlock()
	if sess == nil || conn == nil {
		u.setArmed(false)
		return transport.ErrNotConnected
	}
	u.setArmed(false)
	u.startArm(conn, sess, true)
	return nil
}

// terminate ends the unit after a logout or exhausted reconnects. The unit
// leaves the registry first so a new Start is not handed a dying unit; then
// the final status is written, credentials are wiped, the error is reported
// and pending sends are canceled.
func (u *Unit) terminate(state State, status storage.Status, msg string) {
	u.setState(state)
	u.m.release(u)
	u.mu.Lock()
	u.attempts = 0
	u.target = nil
	u.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	u.setStatusCtx(ctx, status)
	if err := u.m.creds.Delete(ctx, u.id); err != nil {
		u.log.Warn("credential wipe failed", logx.Err(err))
	}
	u.j.Error(msg)
	u.j.Emit(eventbus.TypeError, msg, nil)
	u.sup.Cancel()
}

// stop cancels the unit and waits for its loop and tasks to exit.
func (u *Unit) stop(ctx context.Context) error {
	return u.sup.Stop(ctx)
}

func (u *Unit) setState(s State) {
	u.mu.Lock()
	from := u.state
	if from == s {
		u.mu.Unlock()
		return
	}
	u.state = s
	u.since = time.Now()
	u.mu.Unlock()
	u.m.metrics.UnitState(string(from), string(s))
	u.j.Emit(eventbus.TypeStatus, string(s), nil)
}

func (u *Unit) setArmed(v bool) {
	u.mu.Lock()
	u.armed = v
	u.mu.Unlock()
}

func (u *Unit) setTarget(t *dispatch.Target) {
	u.mu.Lock()
	u.target = t
	u.armed = false
	u.mu.Unlock()
}

func (u *Unit) setStatus(status storage.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	u.setStatusCtx(ctx, status)
}

func (u *Unit) setStatusCtx(ctx context.Context, status storage.Status) {
	if err := u.m.store.SetStatus(ctx, u.id, status); err != nil {
		u.log.Warn("status write failed", logx.String("status", string(status)), logx.Err(err))
	}
}

// QRDataURL renders a scannable code as a PNG data URL.
func QRDataURL(content string) (string, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
