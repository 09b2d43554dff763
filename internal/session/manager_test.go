package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iqbridge/iqbridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		IdleThreshold:     time.Minute,
		KeepAliveInterval: time.Minute,
		QuietPeriod:       0,
		MaxAccounts:       8,
	}
}

// stubConn is a controllable BrokerConn.
type stubConn struct {
	alive  atomic.Bool
	closed atomic.Bool
}

func newStubConn() *stubConn {
	c := &stubConn{}
	c.alive.Store(true)
	return c
}

func (c *stubConn) IsAlive(context.Context) bool { return c.alive.Load() && !c.closed.Load() }
func (c *stubConn) GetBalance(context.Context, domain.BalanceMode) (float64, error) {
	return 0, nil
}
func (c *stubConn) SetBalanceMode(context.Context, domain.BalanceMode) error { return nil }
func (c *stubConn) PlaceTrade(context.Context, string, domain.Direction, float64, int) (int64, error) {
	return 0, nil
}
func (c *stubConn) ListOpenAssets(context.Context) (map[string]map[string]domain.AssetSchedule, error) {
	return nil, nil
}
func (c *stubConn) Close() error {
	c.closed.Store(true)
	return nil
}

// stubDialer hands out fresh stubConns and counts handshakes.
type stubDialer struct {
	mu    sync.Mutex
	dials int
	err   error
	conns []*stubConn
}

func (d *stubDialer) Authenticate(_ context.Context, _ string, _ domain.Credentials) (domain.BrokerConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	c := newStubConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *stubDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

var testCreds = domain.Credentials{Email: "trader@test", Password: "pw"}

func TestConnectReusesLiveSession(t *testing.T) {
	dialer := &stubDialer{}
	m := NewManager(dialer, nil, testConfig(), testLogger())
	defer m.Close()

	first, err := m.Connect(context.Background(), testCreds)
	require.NoError(t, err)

	second, err := m.Connect(context.Background(), testCreds)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestConnectReplacesDeadSession(t *testing.T) {
	dialer := &stubDialer{}
	m := NewManager(dialer, nil, testConfig(), testLogger())
	defer m.Close()

	first, err := m.Connect(context.Background(), testCreds)
	require.NoError(t, err)
	first.(*stubConn).alive.Store(false)

	second, err := m.Connect(context.Background(), testCreds)
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, 2, dialer.dialCount())
	assert.True(t, first.(*stubConn).closed.Load(), "replaced handle must be closed")
}

func TestAcquireUnknownAccount(t *testing.T) {
	m := NewManager(&stubDialer{}, nil, testConfig(), testLogger())
	defer m.Close()

	_, err := m.Acquire(context.Background(), "nobody@test")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAcquireReauthenticatesDeadSession(t *testing.T) {
	dialer := &stubDialer{}
	m := NewManager(dialer, nil, testConfig(), testLogger())
	defer m.Close()

	first, err := m.Connect(context.Background(), testCreds)
	require.NoError(t, err)
	first.(*stubConn).alive.Store(false)

	conn, err := m.Acquire(context.Background(), testCreds.AccountKey())
	require.NoError(t, err)

	assert.NotSame(t, first, conn)
	assert.Equal(t, 2, dialer.dialCount())
}

func TestAcquireTreatsIdleSessionAsStale(t *testing.T) {
	dialer := &stubDialer{}
	cfg := testConfig()
	cfg.IdleThreshold = time.Millisecond
	m := NewManager(dialer, nil, cfg, testLogger())
	defer m.Close()

	_, err := m.Connect(context.Background(), testCreds)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	_, err = m.Acquire(context.Background(), testCreds.AccountKey())
	require.NoError(t, err)
	assert.Equal(t, 2, dialer.dialCount(), "idle session must get a fresh handshake")
}

func TestAcquireAuthFailurePropagates(t *testing.T) {
	dialer := &stubDialer{}
	m := NewManager(dialer, nil, testConfig(), testLogger())
	defer m.Close()

	first, err := m.Connect(context.Background(), testCreds)
	require.NoError(t, err)
	first.(*stubConn).alive.Store(false)

	dialer.mu.Lock()
	dialer.err = &domain.AuthError{Reason: "password changed"}
	dialer.mu.Unlock()

	_, err = m.Acquire(context.Background(), testCreds.AccountKey())
	var authErr *domain.AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestWithExclusiveSerializesPerAccount(t *testing.T) {
	dialer := &stubDialer{}
	m := NewManager(dialer, nil, testConfig(), testLogger())
	defer m.Close()

	_, err := m.Connect(context.Background(), testCreds)
	require.NoError(t, err)

	var inside atomic.Int32
	var overlapped atomic.Bool
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithExclusive(context.Background(), testCreds.AccountKey(), func(context.Context, domain.BrokerConn) error {
				if inside.Add(1) > 1 {
					overlapped.Store(true)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, overlapped.Load(), "exclusive scopes must not overlap")
}

func TestWithExclusiveDifferentAccountsRunConcurrently(t *testing.T) {
	dialer := &stubDialer{}
	m := NewManager(dialer, nil, testConfig(), testLogger())
	defer m.Close()

	_, err := m.Connect(context.Background(), domain.Credentials{Email: "a@test", Password: "pw"})
	require.NoError(t, err)
	_, err = m.Connect(context.Background(), domain.Credentials{Email: "b@test", Password: "pw"})
	require.NoError(t, err)

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = m.WithExclusive(context.Background(), "a@test", func(context.Context, domain.BrokerConn) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err = m.WithExclusive(ctx, "b@test", func(context.Context, domain.BrokerConn) error {
		return nil
	})
	assert.NoError(t, err, "one account's scope must not block another account")
}

func TestWithExclusiveReleasesSemaphore(t *testing.T) {
	dialer := &stubDialer{}
	m := NewManager(dialer, nil, testConfig(), testLogger())
	defer m.Close()

	_, err := m.Connect(context.Background(), testCreds)
	require.NoError(t, err)

	err = m.WithExclusive(context.Background(), testCreds.AccountKey(), func(context.Context, domain.BrokerConn) error {
		return nil
	})
	require.NoError(t, err)

	m.mu.Lock()
	remaining := len(m.sems)
	m.mu.Unlock()
	assert.Zero(t, remaining, "an idle account must not pin a semaphore")
}

func TestWithExclusiveHonorsContext(t *testing.T) {
	dialer := &stubDialer{}
	m := NewManager(dialer, nil, testConfig(), testLogger())
	defer m.Close()

	_, err := m.Connect(context.Background(), testCreds)
	require.NoError(t, err)

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = m.WithExclusive(context.Background(), testCreds.AccountKey(), func(context.Context, domain.BrokerConn) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err = m.WithExclusive(ctx, testCreds.AccountKey(), func(context.Context, domain.BrokerConn) error {
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMaxAccountsEvictsLeastRecentlyUsed(t *testing.T) {
	dialer := &stubDialer{}
	cfg := testConfig()
	cfg.MaxAccounts = 1
	m := NewManager(dialer, nil, cfg, testLogger())
	defer m.Close()

	first, err := m.Connect(context.Background(), domain.Credentials{Email: "a@test", Password: "pw"})
	require.NoError(t, err)

	_, err = m.Connect(context.Background(), domain.Credentials{Email: "b@test", Password: "pw"})
	require.NoError(t, err)

	assert.True(t, first.(*stubConn).closed.Load(), "evicted session must be closed")
	_, err = m.Acquire(context.Background(), "a@test")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSweepEvictsIdleAndReconnectsDead(t *testing.T) {
	dialer := &stubDialer{}
	cfg := testConfig()
	cfg.IdleThreshold = time.Hour
	m := NewManager(dialer, nil, cfg, testLogger())
	defer m.Close()

	conn, err := m.Connect(context.Background(), testCreds)
	require.NoError(t, err)
	conn.(*stubConn).alive.Store(false)

	m.sweep(context.Background())

	assert.Equal(t, 2, dialer.dialCount(), "sweep must reconnect a dead session")

	fresh, err := m.Acquire(context.Background(), testCreds.AccountKey())
	require.NoError(t, err)
	assert.NotSame(t, conn, fresh)
}

func TestSweepEvictsWhenReconnectFails(t *testing.T) {
	dialer := &stubDialer{}
	cfg := testConfig()
	cfg.IdleThreshold = time.Hour
	m := NewManager(dialer, nil, cfg, testLogger())
	defer m.Close()

	conn, err := m.Connect(context.Background(), testCreds)
	require.NoError(t, err)
	conn.(*stubConn).alive.Store(false)

	dialer.mu.Lock()
	dialer.err = errors.New("upstream down")
	dialer.mu.Unlock()

	m.sweep(context.Background())

	_, err = m.Acquire(context.Background(), testCreds.AccountKey())
	assert.Error(t, err)
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	dialer := &stubDialer{}
	m := NewManager(dialer, nil, testConfig(), testLogger())

	conn, err := m.Connect(context.Background(), testCreds)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.True(t, conn.(*stubConn).closed.Load())

	_, err = m.Connect(context.Background(), testCreds)
	assert.ErrorIs(t, err, domain.ErrClosed)

	_, err = m.Acquire(context.Background(), testCreds.AccountKey())
	assert.ErrorIs(t, err, domain.ErrClosed)
}
