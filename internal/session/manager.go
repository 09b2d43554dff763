package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/iqbridge/iqbridge/internal/domain"
)

// lockRetryInterval is the poll interval while waiting for a shared lock.
const lockRetryInterval = 100 * time.Millisecond

// Config tunes the session manager.
type Config struct {
	// IdleThreshold is how long an unused session survives before the next
	// acquire or the sweep discards it.
	IdleThreshold time.Duration

	// KeepAliveInterval is the period of the background liveness sweep.
	KeepAliveInterval time.Duration

	// QuietPeriod exempts recently-used sessions from keep-alive probes.
	QuietPeriod time.Duration

	// MaxAccounts caps the number of concurrently cached sessions; the
	// least recently used session is evicted to admit a new account.
	MaxAccounts int

	// SharedLocks additionally takes the cross-replica lock inside
	// exclusive scopes. LockTTL bounds how long such a lock may be held.
	SharedLocks bool
	LockTTL     time.Duration
}

// entry is one cached account session. The semaphore lives in its own map so
// exclusion survives reconnects and evictions.
type entry struct {
	conn      domain.BrokerConn
	creds     domain.Credentials
	createdAt time.Time
	lastUsed  time.Time
}

// accountSem is a per-account exclusion semaphore with a reference count, so
// the sems map holds only accounts with an exclusive scope in flight.
type accountSem struct {
	ch   chan struct{}
	refs int
}

// Manager owns every upstream connection. It caches one authenticated
// session per account key, hands them out for single operations, serializes
// exclusive scopes per account, and keeps warm sessions alive in the
// background.
type Manager struct {
	dialer domain.BrokerDialer
	locks  domain.LockManager // nil unless shared locks are enabled
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	sems    map[string]*accountSem
	closed  bool

	// reconnects collapses concurrent re-handshakes for the same account.
	reconnects singleflight.Group
}

// NewManager builds a session manager. locks may be nil when shared locks
// are disabled.
func NewManager(dialer domain.BrokerDialer, locks domain.LockManager, cfg Config, logger *slog.Logger) *Manager {
	if !cfg.SharedLocks {
		locks = nil
	}
	return &Manager{
		dialer:  dialer,
		locks:   locks,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "session")),
		entries: make(map[string]*entry),
		sems:    make(map[string]*accountSem),
	}
}

// Connect establishes (or refreshes) the session for the given credentials
// and caches it under the account key. An existing live session is reused
// without a new handshake.
func (m *Manager) Connect(ctx context.Context, creds domain.Credentials) (domain.BrokerConn, error) {
	key := creds.AccountKey()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, domain.ErrClosed
	}
	if e, ok := m.entries[key]; ok {
		conn := e.conn
		m.mu.Unlock()
		if conn.IsAlive(ctx) {
			m.touch(key)
			return conn, nil
		}
		// Dead handle; fall through to a fresh handshake.
	} else {
		m.mu.Unlock()
	}

	conn, err := m.handshake(ctx, key, creds)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Acquire returns the live session for an already-connected account,
// transparently re-authenticating with the stored credentials when the
// cached session is dead or idle past the threshold. An unknown account key
// yields ErrNotFound.
func (m *Manager) Acquire(ctx context.Context, accountKey string) (domain.BrokerConn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, domain.ErrClosed
	}
	e, ok := m.entries[accountKey]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: account %q not connected: %w", accountKey, domain.ErrNotFound)
	}
	conn := e.conn
	creds := e.creds
	stale := time.Since(e.lastUsed) > m.cfg.IdleThreshold
	m.mu.Unlock()

	if !stale && conn.IsAlive(ctx) {
		m.touch(accountKey)
		return conn, nil
	}

	m.logger.InfoContext(ctx, "re-authenticating stale session",
		slog.String("account", accountKey),
		slog.Bool("idle", stale))

	return m.handshake(ctx, accountKey, creds)
}

// WithExclusive runs fn with the account's session while holding the
// per-account exclusion, so sequences like balance-mode switch followed by
// placement cannot interleave across requests. With shared locks enabled the
// cross-replica lock is taken as well.
func (m *Manager) WithExclusive(ctx context.Context, accountKey string, fn func(ctx context.Context, conn domain.BrokerConn) error) error {
	sem := m.semRef(accountKey)
	defer m.semUnref(accountKey)

	select {
	case sem.ch <- struct{}{}:
		defer func() { <-sem.ch }()
	case <-ctx.Done():
		return fmt.Errorf("session: wait for %q: %w", accountKey, ctx.Err())
	}

	if m.locks != nil {
		unlock, err := m.acquireSharedLock(ctx, accountKey)
		if err != nil {
			return err
		}
		defer unlock()
	}

	conn, err := m.Acquire(ctx, accountKey)
	if err != nil {
		return err
	}
	return fn(ctx, conn)
}

// Evict drops and closes the cached session for an account, if any.
func (m *Manager) Evict(accountKey string) {
	m.mu.Lock()
	e, ok := m.entries[accountKey]
	if ok {
		delete(m.entries, accountKey)
	}
	m.mu.Unlock()

	if ok {
		_ = e.conn.Close()
	}
}

// Run drives the keep-alive sweep until the context is canceled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// Close evicts and closes every cached session. Subsequent calls on the
// manager fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for key, e := range entries {
		if err := e.conn.Close(); err != nil {
			m.logger.Warn("close session",
				slog.String("account", key),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// handshake performs one authenticated dial and installs the result,
// collapsing concurrent attempts for the same key.
func (m *Manager) handshake(ctx context.Context, key string, creds domain.Credentials) (domain.BrokerConn, error) {
	v, err, _ := m.reconnects.Do(key, func() (any, error) {
		conn, err := m.dialer.Authenticate(ctx, key, creds)
		if err != nil {
			return nil, err
		}
		m.install(key, creds, conn)
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(domain.BrokerConn), nil
}

// install caches a freshly-authenticated session, closing whatever handle it
// replaces and evicting the least recently used account when over capacity.
func (m *Manager) install(key string, creds domain.Credentials, conn domain.BrokerConn) {
	now := time.Now()
	var displaced []domain.BrokerConn

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	if old, ok := m.entries[key]; ok {
		displaced = append(displaced, old.conn)
	} else if m.cfg.MaxAccounts > 0 && len(m.entries) >= m.cfg.MaxAccounts {
		if victim := m.lruKeyLocked(); victim != "" {
			displaced = append(displaced, m.entries[victim].conn)
			delete(m.entries, victim)
			m.logger.Info("evicted least recently used session",
				slog.String("account", victim))
		}
	}
	m.entries[key] = &entry{
		conn:      conn,
		creds:     creds,
		createdAt: now,
		lastUsed:  now,
	}
	m.mu.Unlock()

	for _, c := range displaced {
		_ = c.Close()
	}
}

// lruKeyLocked returns the key of the least recently used entry. Callers
// hold m.mu.
func (m *Manager) lruKeyLocked() string {
	var (
		victim string
		oldest time.Time
	)
	for key, e := range m.entries {
		if victim == "" || e.lastUsed.Before(oldest) {
			victim = key
			oldest = e.lastUsed
		}
	}
	return victim
}

// sweep probes every quiescent session, reconnects dead ones once with the
// stored credentials, and evicts sessions idle past the threshold.
func (m *Manager) sweep(ctx context.Context) {
	type probe struct {
		key   string
		conn  domain.BrokerConn
		creds domain.Credentials
	}

	m.mu.Lock()
	var probes []probe
	for key, e := range m.entries {
		idle := time.Since(e.lastUsed)
		if idle > m.cfg.IdleThreshold {
			// Expired; drop without probing. The next acquire gets a
			// fresh handshake.
			delete(m.entries, key)
			go func(c domain.BrokerConn) { _ = c.Close() }(e.conn)
			m.logger.Info("evicted idle session", slog.String("account", key))
			continue
		}
		if idle < m.cfg.QuietPeriod {
			continue
		}
		probes = append(probes, probe{key: key, conn: e.conn, creds: e.creds})
	}
	m.mu.Unlock()

	for _, p := range probes {
		if p.conn.IsAlive(ctx) {
			continue
		}
		m.logger.Warn("keep-alive probe failed, reconnecting",
			slog.String("account", p.key))
		if _, err := m.handshake(ctx, p.key, p.creds); err != nil {
			m.logger.Error("keep-alive reconnect failed, evicting",
				slog.String("account", p.key),
				slog.String("error", err.Error()))
			m.Evict(p.key)
		}
	}
}

// acquireSharedLock polls the cross-replica lock until acquired or the
// context expires.
func (m *Manager) acquireSharedLock(ctx context.Context, accountKey string) (func(), error) {
	key := "session:" + accountKey
	for {
		unlock, err := m.locks.Acquire(ctx, key, m.cfg.LockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("session: shared lock %q: %w", accountKey, err)
		}
		select {
		case <-time.After(lockRetryInterval):
		case <-ctx.Done():
			return nil, fmt.Errorf("session: shared lock %q: %w", accountKey, ctx.Err())
		}
	}
}

// touch refreshes the last-used stamp for an account.
func (m *Manager) touch(accountKey string) {
	m.mu.Lock()
	if e, ok := m.entries[accountKey]; ok {
		e.lastUsed = time.Now()
	}
	m.mu.Unlock()
}

// semRef returns the per-account exclusion semaphore, creating it on first
// use and taking a reference. Every caller holds its reference until done,
// so exclusion stays on one channel for as long as any scope is in flight.
func (m *Manager) semRef(accountKey string) *accountSem {
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, ok := m.sems[accountKey]
	if !ok {
		sem = &accountSem{ch: make(chan struct{}, 1)}
		m.sems[accountKey] = sem
	}
	sem.refs++
	return sem
}

// semUnref drops one reference, removing the semaphore once nothing holds it
// so the map stays bounded by concurrently-active accounts.
func (m *Manager) semUnref(accountKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, ok := m.sems[accountKey]
	if !ok {
		return
	}
	sem.refs--
	if sem.refs <= 0 {
		delete(m.sems, accountKey)
	}
}
