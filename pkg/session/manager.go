package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/kamishibai/pkg/conversation"
	"github.com/harunnryd/kamishibai/pkg/errorsx"
	"github.com/harunnryd/kamishibai/pkg/logging"
)

var (
	// ErrSessionNotFound is returned for an unknown or expired session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionBusy is returned under the reject policy while a turn is in flight.
	ErrSessionBusy = errors.New("session busy")
	// ErrDraining is returned once the manager stopped accepting turns.
	ErrDraining = errors.New("session manager is draining")
)

// BusyPolicy decides what a turn does while another turn of the same session runs.
type BusyPolicy string

const (
	PolicyQueue  BusyPolicy = "queue"
	PolicyReject BusyPolicy = "reject"
)

// ParseBusyPolicy maps a config value onto a policy. Unknown values queue.
func ParseBusyPolicy(v string) BusyPolicy {
	if BusyPolicy(v) == PolicyReject {
		return PolicyReject
	}
	return PolicyQueue
}

// UnlockFunc releases a distributed lock.
type UnlockFunc = func(ctx context.Context) error

// DistributedLocker serializes turns of one session across processes.
type DistributedLocker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
	TryLock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, bool, error)
}

// Factory builds an unstarted conversation for a new session.
type Factory func() *conversation.Orchestrator

// Session is one live conversation.
type Session struct {
	ID           string
	Conversation *conversation.Orchestrator
	CreatedAt    time.Time

	lastUsed time.Time
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

// Manager owns the live sessions and the one-turn-per-session rule.
type Manager struct {
	factory Factory
	policy  BusyPolicy
	locker  DistributedLocker
	lockTTL time.Duration
	idleTTL time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*lockEntry
	draining bool
	inflight sync.WaitGroup
}

// Option configures the Manager.
type Option func(*Manager)

// WithLocker sets the distributed locker.
func WithLocker(locker DistributedLocker, ttl time.Duration) Option {
	return func(m *Manager) {
		m.locker = locker
		if ttl > 0 {
			m.lockTTL = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithBusyPolicy sets the busy policy.
func WithBusyPolicy(p BusyPolicy) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithIdleTTL sets how long an unused session lives. Zero disables expiry.
func WithIdleTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.idleTTL = ttl
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a session manager.
func NewManager(factory Factory, opts ...Option) *Manager {
	m := &Manager{
		factory:  factory,
		policy:   PolicyQueue,
		lockTTL:  2 * time.Minute,
		logger:   logging.NewNop(),
		now:      time.Now,
		sessions: make(map[string]*Session),
		locks:    make(map[string]*lockEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrDefault(m.logger)
	return m
}

// Create starts a new session and returns it with its opening snapshot.
func (m *Manager) Create(ctx context.Context) (*Session, conversation.Snapshot, error) {
	m.mu.Lock()
	draining := m.draining
	m.mu.Unlock()
	if draining {
		return nil, conversation.Snapshot{}, ErrDraining
	}

	orc := m.factory()
	snap, err := orc.Start(ctx)
	if err != nil {
		return nil, conversation.Snapshot{}, err
	}
	now := m.now()
	sess := &Session{
		ID:           uuid.NewString(),
		Conversation: orc,
		CreatedAt:    now,
		lastUsed:     now,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	m.logger.Info("session_created", "session_id", sess.ID, "scene", snap.Scene, "page", snap.Page)
	return sess, snap, nil
}

// Get returns a live session and refreshes its idle timer.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, errorsx.Wrap(ErrSessionNotFound, errorsx.ReasonSessionNotFound)
	}
	sess.lastUsed = m.now()
	return sess, nil
}

// Delete removes a session. A turn already running finishes on its own.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return errorsx.Wrap(ErrSessionNotFound, errorsx.ReasonSessionNotFound)
	}
	delete(m.sessions, id)
	m.logger.Info("session_deleted", "session_id", id)
	return nil
}

// IDs lists the live session ids in sorted order.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// WithTurn runs fn as the only turn of the session. fn must return when the
// turn is fully committed.
func (m *Manager) WithTurn(ctx context.Context, id string, fn func(ctx context.Context, sess *Session) error) error {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return ErrDraining
	}
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return errorsx.Wrap(ErrSessionNotFound, errorsx.ReasonSessionNotFound)
	}
	entry := m.acquireEntry(id)
	m.inflight.Add(1)
	m.mu.Unlock()

	defer m.inflight.Done()
	defer m.releaseEntry(id)

	if err := m.lockLocal(ctx, entry); err != nil {
		return err
	}
	defer func() { <-entry.sem }()

	if m.locker != nil {
		unlock, err := m.lockDistributed(ctx, id)
		if err != nil {
			return err
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn("session_unlock_failed", "session_id", id, "reason_code", string(errorsx.Reason(err)), "error", err)
			}
		}()
	}

	m.touch(sess)
	defer m.touch(sess)
	return fn(ctx, sess)
}

func (m *Manager) lockLocal(ctx context.Context, entry *lockEntry) error {
	if m.policy == PolicyReject {
		select {
		case entry.sem <- struct{}{}:
			return nil
		default:
			return errorsx.Wrap(ErrSessionBusy, errorsx.ReasonSessionBusy)
		}
	}
	select {
	case entry.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) lockDistributed(ctx context.Context, id string) (UnlockFunc, error) {
	if m.policy == PolicyReject {
		unlock, ok, err := m.locker.TryLock(ctx, id, m.lockTTL)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errorsx.Wrap(ErrSessionBusy, errorsx.ReasonSessionBusy)
		}
		return unlock, nil
	}
	return m.locker.Lock(ctx, id, m.lockTTL)
}

func (m *Manager) acquireEntry(id string) *lockEntry {
	entry, ok := m.locks[id]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		m.locks[id] = entry
	}
	entry.refs++
	return entry
}

func (m *Manager) releaseEntry(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.locks[id]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, id)
	}
}

func (m *Manager) touch(sess *Session) {
	m.mu.Lock()
	sess.lastUsed = m.now()
	m.mu.Unlock()
}

// Sweep removes sessions idle for longer than the idle TTL. Sessions with a
// turn in flight are kept.
func (m *Manager) Sweep() int {
	if m.idleTTL <= 0 {
		return 0
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, sess := range m.sessions {
		if _, busy := m.locks[id]; busy {
			continue
		}
		if now.Sub(sess.lastUsed) > m.idleTTL {
			delete(m.sessions, id)
			removed++
			m.logger.Info("session_expired", "session_id", id)
		}
	}
	return removed
}

// Run sweeps idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if m.idleTTL <= 0 {
		return
	}
	interval := m.idleTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Drain stops accepting turns and waits for in-flight turns to finish.
func (m *Manager) Drain() error {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()
	m.inflight.Wait()
	m.logger.Info("session_manager_drained")
	return nil
}
