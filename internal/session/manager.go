package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/hashicorp/go-multierror"

	"unlockbot/internal/activity"
	"unlockbot/internal/credstore"
	"unlockbot/internal/dispatch"
	"unlockbot/internal/eventbus"
	"unlockbot/internal/metacache"
	"unlockbot/internal/metrics"
	"unlockbot/internal/storage"
	"unlockbot/internal/transport"
	"unlockbot/pkg/logx"
)

var (
	ErrAccountNotFound = errors.New("session: account not found")
	ErrInvalidAccount  = errors.New("session: invalid account id")
	ErrShuttingDown    = errors.New("session: manager is shutting down")
)

const (
	DefaultPairingCodeDelay = 3 * time.Second
	DefaultFireRetryBudget  = 10
	DefaultRetryBudget      = 5
	testFirePayload         = "."
)

// Deps are the collaborators shared by every unit.
type Deps struct {
	Dialer  transport.Dialer
	Creds   credstore.Store
	Store   storage.Store
	Cache   *metacache.Cache
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
	Log     logx.Logger
}

// Options tune unit behaviour. Zero values take the defaults.
type Options struct {
	MaxReconnectAttempts int
	PairingCodeDelay     time.Duration
	FireRetryBudget      int
	DefaultRetryBudget   int
	SessionRetryWait     time.Duration
	RetryWait            time.Duration
	WarmupAttempts       int
	WarmupInterval       time.Duration

	// Sleep and ReconnectDelay are replaced in tests.
	Sleep          dispatch.SleepFunc
	ReconnectDelay func(n int) time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.PairingCodeDelay <= 0 {
		o.PairingCodeDelay = DefaultPairingCodeDelay
	}
	if o.FireRetryBudget <= 0 {
		o.FireRetryBudget = DefaultFireRetryBudget
	}
	if o.DefaultRetryBudget <= 0 {
		o.DefaultRetryBudget = DefaultRetryBudget
	}
	if o.SessionRetryWait <= 0 {
		o.SessionRetryWait = 5 * time.Second
	}
	if o.RetryWait <= 0 {
		o.RetryWait = 3 * time.Second
	}
	if o.WarmupAttempts <= 0 {
		o.WarmupAttempts = 12
	}
	if o.WarmupInterval <= 0 {
		o.WarmupInterval = 5 * time.Second
	}
	if o.Sleep == nil {
		o.Sleep = dispatch.Sleep
	}
	if o.ReconnectDelay == nil {
		o.ReconnectDelay = ReconnectDelay
	}
	return o
}

// Manager owns the registry of account units. Each account has at most one
// live unit; Start is idempotent.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc

	dialer  transport.Dialer
	creds   credstore.Store
	store   storage.Store
	cache   *metacache.Cache
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
	opts    Options

	sender *dispatch.Sender
	prober *dispatch.Prober

	mu      sync.Mutex
	units   map[string]*Unit
	closing bool
}

func NewManager(ctx context.Context, deps Deps, opts Options) *Manager {
	if ctx == nil {
		ctx = context.Background()
	}
	opts = opts.withDefaults()
	cache := deps.Cache
	if cache == nil {
		cache = metacache.New(0)
	}
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	mctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		ctx:     mctx,
		cancel:  cancel,
		dialer:  deps.Dialer,
		creds:   deps.Creds,
		store:   deps.Store,
		cache:   cache,
		bus:     bus,
		metrics: deps.Metrics,
		log:     log.With(logx.String("comp", "session")),
		opts:    opts,
		units:   make(map[string]*Unit),
	}
	m.sender = &dispatch.Sender{
		Cache:       cache,
		Classifier:  dispatch.NewClassifier(),
		SessionWait: opts.SessionRetryWait,
		RetryWait:   opts.RetryWait,
		Sleep:       opts.Sleep,
		Metrics:     deps.Metrics,
	}
	m.prober = &dispatch.Prober{
		Cache:    cache,
		Attempts: opts.WarmupAttempts,
		Interval: opts.WarmupInterval,
		Sleep:    opts.Sleep,
		Metrics:  deps.Metrics,
	}
	return m
}

// NormalizeID keeps only the digits of a phone-number style account id.
func NormalizeID(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r <= unicode.MaxASCII && unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	return m.opts.Sleep(ctx, d)
}

// Start launches a unit for the account, or returns the live one. A unit
// that has reached a terminal state is replaced.
func (m *Manager) Start(raw string, mode AuthMode) (*Unit, error) {
	id := NormalizeID(raw)
	if id == "" {
		return nil, ErrInvalidAccount
	}
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if u, ok := m.units[id]; ok {
		state := u.Snapshot().State
		if !state.Terminal() {
			m.mu.Unlock()
			m.log.Debug("account already running", logx.String("account", id))
			return u, nil
		}
		m.log.Debug("replacing finished unit", logx.String("account", id), logx.String("state", string(state)))
	}
	u := newUnit(m, id, mode)
	m.units[id] = u
	m.mu.Unlock()

	m.log.Info("starting account", logx.String("account", id), logx.String("mode", mode.String()))
	u.start()
	return u, nil
}

// Get returns the live unit for an account.
func (m *Manager) Get(raw string) (*Unit, bool) {
	id := NormalizeID(raw)
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	return u, ok
}

// Status returns a snapshot of the account. Accounts without a live unit
// report StateIdle.
func (m *Manager) Status(raw string) Snapshot {
	id := NormalizeID(raw)
	if u, ok := m.Get(id); ok {
		return u.Snapshot()
	}
	return Snapshot{AccountID: id, State: StateIdle}
}

// All returns snapshots of every live unit ordered by account id.
func (m *Manager) All() []Snapshot {
	m.mu.Lock()
	units := make([]*Unit, 0, len(m.units))
	for _, u := range m.units {
		units = append(units, u)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(units))
	for _, u := range units {
		out = append(out, u.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// RefreshReadiness reloads the account's target and re-warms it. Without a
// live connection the account is marked not armed and ErrNotConnected is
// returned; an unknown account yields ErrAccountNotFound.
func (m *Manager) RefreshReadiness(ctx context.Context, raw string) error {
	id := NormalizeID(raw)
	u, ok := m.Get(id)
	if !ok {
		if _, err := m.store.GetAccount(ctx, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrAccountNotFound
			}
			return err
		}
		return transport.ErrNotConnected
	}
	return u.refresh()
}

// RearmAll re-warms every connected unit.
func (m *Manager) RearmAll(ctx context.Context) int {
	n := 0
	for _, s := range m.All() {
		if ctx.Err() != nil {
			break
		}
		if err := m.RefreshReadiness(ctx, s.AccountID); err == nil {
			n++
		}
	}
	return n
}

// Delete removes the account: its stored record, the remote link, the unit
// and its credentials. Pending sends are canceled.
func (m *Manager) Delete(ctx context.Context, raw string) error {
	id := NormalizeID(raw)
	if id == "" {
		return ErrInvalidAccount
	}
	var result error
	if err := m.store.DeleteAccount(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		result = multierror.Append(result, fmt.Errorf("delete record: %w", err))
	}

	m.mu.Lock()
	u, ok := m.units[id]
	delete(m.units, id)
	m.mu.Unlock()

	if ok {
		if sess := u.Session(); sess != nil {
			if err := sess.Logout(ctx); err != nil {
				m.log.Debug("logout failed during delete", logx.String("account", id), logx.Err(err))
			}
		}
		if err := u.stop(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop unit: %w", err))
		}
	}
	if err := m.creds.Delete(ctx, id); err != nil && !errors.Is(err, credstore.ErrNotFound) {
		result = multierror.Append(result, fmt.Errorf("wipe credentials: %w", err))
	}
	m.log.Info("account deleted", logx.String("account", id))
	return result
}

// Groups lists the channels the account belongs to.
func (m *Manager) Groups(ctx context.Context, raw string) ([]transport.GroupSummary, error) {
	sess, err := m.liveSession(raw)
	if err != nil {
		return nil, err
	}
	return sess.ListGroups(ctx)
}

// TestFire sends a single "." without retries.
func (m *Manager) TestFire(ctx context.Context, raw, channelID string) error {
	id := NormalizeID(raw)
	sess, err := m.liveSession(id)
	if err != nil {
		return err
	}
	j := activity.New(id, m.log, m.bus)
	if err := sess.Send(ctx, channelID, testFirePayload); err != nil {
		j.Error(fmt.Sprintf("Test fire failed: %v", err), logx.String("channel", channelID))
		return err
	}
	j.Info("Test fire sent", logx.String("channel", channelID))
	return nil
}

// Send delivers a manual message through the classified retry loop with the
// default budget. The account must be connected when the call starts; later
// attempts use whichever session is live. The result is audited like a fire.
func (m *Manager) Send(ctx context.Context, raw, channelID, payload string) (dispatch.Result, error) {
	id := NormalizeID(raw)
	if _, err := m.liveSession(id); err != nil {
		return dispatch.Result{}, err
	}
	u, ok := m.Get(id)
	if !ok {
		return dispatch.Result{}, ErrAccountNotFound
	}
	t := dispatch.Target{ChannelID: channelID, Payload: payload}
	res := m.sender.SendWithRetry(ctx, u.j, u.Session, channelID, payload, m.opts.DefaultRetryBudget)
	u.audit(t, res)
	return res, nil
}

func (m *Manager) liveSession(raw string) (transport.Session, error) {
	u, ok := m.Get(raw)
	if !ok {
		return nil, ErrAccountNotFound
	}
	sess := u.Session()
	if sess == nil || !sess.Registered() {
		return nil, transport.ErrNotConnected
	}
	return sess, nil
}

// Resume starts a unit for every account with stored credentials.
func (m *Manager) Resume(ctx context.Context) (int, error) {
	ids, err := m.creds.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list credentials: %w", err)
	}
	n := 0
	for _, id := range ids {
		if _, err := m.Start(id, AuthQR); err != nil {
			m.log.Warn("resume failed", logx.String("account", id), logx.Err(err))
			continue
		}
		n++
	}
	if n > 0 {
		m.log.Info("resumed accounts", logx.Int("count", n))
	}
	return n, nil
}

// Shutdown stops every unit and waits for them within ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	units := make([]*Unit, 0, len(m.units))
	for _, u := range m.units {
		units = append(units, u)
	}
	m.units = make(map[string]*Unit)
	m.mu.Unlock()

	m.cancel()
	var result error
	for _, u := range units {
		if err := u.stop(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("account %s: %w", u.id, err))
		}
	}
	return result
}

// release drops u from the registry if it is still the registered unit.
func (m *Manager) release(u *Unit) {
	m.mu.Lock()
	if cur, ok := m.units[u.id]; ok && cur == u {
		delete(m.units, u.id)
	}
	m.mu.Unlock()
}
