package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iqbridge/iqbridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// svcConn is a scriptable BrokerConn for service tests.
type svcConn struct {
	balances    map[domain.BalanceMode]float64
	mode        domain.BalanceMode
	modeErr     error
	tradeID     int64
	placeErr    error
	placedAsset string
	schedule    map[string]map[string]domain.AssetSchedule
	profile     domain.Profile
	candles     []domain.Candle
}

func (c *svcConn) IsAlive(context.Context) bool { return true }

func (c *svcConn) GetBalance(_ context.Context, mode domain.BalanceMode) (float64, error) {
	return c.balances[mode], nil
}

func (c *svcConn) SetBalanceMode(_ context.Context, mode domain.BalanceMode) error {
	if c.modeErr != nil {
		return c.modeErr
	}
	c.mode = mode
	return nil
}

func (c *svcConn) PlaceTrade(_ context.Context, asset string, _ domain.Direction, _ float64, _ int) (int64, error) {
	if c.placeErr != nil {
		return 0, c.placeErr
	}
	c.placedAsset = asset
	return c.tradeID, nil
}

func (c *svcConn) ListOpenAssets(context.Context) (map[string]map[string]domain.AssetSchedule, error) {
	return c.schedule, nil
}

func (c *svcConn) GetProfile(context.Context) (domain.Profile, error) {
	return c.profile, nil
}

func (c *svcConn) GetCandles(context.Context, string, int, int) ([]domain.Candle, error) {
	return c.candles, nil
}

func (c *svcConn) Close() error { return nil }

// bareConn offers no optional capabilities.
type bareConn struct{}

func (bareConn) IsAlive(context.Context) bool { return true }
func (bareConn) GetBalance(context.Context, domain.BalanceMode) (float64, error) {
	return 0, nil
}
func (bareConn) SetBalanceMode(context.Context, domain.BalanceMode) error { return nil }
func (bareConn) PlaceTrade(context.Context, string, domain.Direction, float64, int) (int64, error) {
	return 0, nil
}
func (bareConn) ListOpenAssets(context.Context) (map[string]map[string]domain.AssetSchedule, error) {
	return nil, nil
}
func (bareConn) Close() error { return nil }

// fakeSessions satisfies SessionManager with a single canned connection.
type fakeSessions struct {
	conn           domain.BrokerConn
	connectErr     error
	acquireErr     error
	connectCalls   int
	exclusiveCalls int
}

func (s *fakeSessions) Connect(_ context.Context, _ domain.Credentials) (domain.BrokerConn, error) {
	s.connectCalls++
	if s.connectErr != nil {
		return nil, s.connectErr
	}
	return s.conn, nil
}

func (s *fakeSessions) Acquire(_ context.Context, _ string) (domain.BrokerConn, error) {
	if s.acquireErr != nil {
		return nil, s.acquireErr
	}
	return s.conn, nil
}

func (s *fakeSessions) WithExclusive(ctx context.Context, accountKey string, fn func(context.Context, domain.BrokerConn) error) error {
	s.exclusiveCalls++
	if s.acquireErr != nil {
		return s.acquireErr
	}
	return fn(ctx, s.conn)
}

// fakeResolver returns a canned outcome and records how it was invoked.
type fakeResolver struct {
	outcome domain.SettlementOutcome
	err     error
	stake   float64
	calls   int
}

func (r *fakeResolver) Resolve(_ context.Context, _ domain.BrokerConn, _ string, _ int64, stake float64) (domain.SettlementOutcome, error) {
	r.calls++
	r.stake = stake
	return r.outcome, r.err
}

// memStore is an in-memory TradeStore.
type memStore struct {
	trades   map[int64]domain.PendingTrade
	outcomes map[int64]domain.SettlementOutcome
	deleted  []int64
	putErr   error
}

func newMemStore() *memStore {
	return &memStore{
		trades:   make(map[int64]domain.PendingTrade),
		outcomes: make(map[int64]domain.SettlementOutcome),
	}
}

func (s *memStore) Put(_ context.Context, t domain.PendingTrade) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.trades[t.ID] = t
	return nil
}

func (s *memStore) Get(_ context.Context, _ string, tradeID int64) (domain.PendingTrade, error) {
	t, ok := s.trades[tradeID]
	if !ok {
		return domain.PendingTrade{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *memStore) Delete(_ context.Context, _ string, tradeID int64) error {
	delete(s.trades, tradeID)
	s.deleted = append(s.deleted, tradeID)
	return nil
}

func (s *memStore) PutOutcome(_ context.Context, _ string, o domain.SettlementOutcome) error {
	s.outcomes[o.TradeID] = o
	return nil
}

func (s *memStore) GetOutcome(_ context.Context, _ string, tradeID int64) (domain.SettlementOutcome, error) {
	o, ok := s.outcomes[tradeID]
	if !ok {
		return domain.SettlementOutcome{}, domain.ErrNotFound
	}
	return o, nil
}

func openSchedule() map[string]map[string]domain.AssetSchedule {
	return map[string]map[string]domain.AssetSchedule{
		"turbo": {
			"EURUSD": {Open: true, Payout: 87},
			"GBPUSD": {Open: false, Payout: 80},
		},
		"binary": {
			"EURUSD": {Open: true, Payout: 85},
		},
	}
}

func validRequest() domain.TradeRequest {
	return domain.TradeRequest{
		Asset:     "EURUSD",
		Direction: domain.DirectionCall,
		Amount:    2.0,
		Duration:  1,
		Mode:      domain.ModePractice,
	}
}

// sessionCreds carries no password: requests ride an established session.
var sessionCreds = domain.Credentials{Email: "trader@test"}

var fullCreds = domain.Credentials{Email: "trader@test", Password: "pw"}

func TestPlaceTradeHappyPath(t *testing.T) {
	conn := &svcConn{tradeID: 42, schedule: openSchedule()}
	sessions := &fakeSessions{conn: conn}
	store := newMemStore()
	svc := NewTradingService(sessions, &fakeResolver{}, store, testLogger())

	pending, err := svc.PlaceTrade(context.Background(), sessionCreds, validRequest())
	require.NoError(t, err)

	assert.Equal(t, int64(42), pending.ID)
	assert.Equal(t, "trader@test", pending.AccountKey)
	assert.Equal(t, 2.0, pending.Amount)
	assert.Equal(t, 1, sessions.exclusiveCalls, "placement must run in the exclusive scope")
	assert.Equal(t, domain.ModePractice, conn.mode)
	assert.Contains(t, store.trades, int64(42))
}

func TestPlaceTradeConnectsWithSuppliedPassword(t *testing.T) {
	conn := &svcConn{tradeID: 42, schedule: openSchedule()}
	sessions := &fakeSessions{conn: conn}
	svc := NewTradingService(sessions, &fakeResolver{}, newMemStore(), testLogger())

	pending, err := svc.PlaceTrade(context.Background(), fullCreds, validRequest())
	require.NoError(t, err)

	assert.Equal(t, int64(42), pending.ID)
	assert.Equal(t, 1, sessions.connectCalls, "a password in the request must establish the session")
}

func TestPlaceTradeBadPasswordSurfacesAuthError(t *testing.T) {
	sessions := &fakeSessions{connectErr: &domain.AuthError{Reason: "invalid password"}}
	svc := NewTradingService(sessions, &fakeResolver{}, newMemStore(), testLogger())

	_, err := svc.PlaceTrade(context.Background(), fullCreds, validRequest())

	var authErr *domain.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}

func TestPlaceTradeWithoutSessionOrPassword(t *testing.T) {
	sessions := &fakeSessions{acquireErr: domain.ErrNotFound}
	svc := NewTradingService(sessions, &fakeResolver{}, newMemStore(), testLogger())

	_, err := svc.PlaceTrade(context.Background(), sessionCreds, validRequest())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, sessions.connectCalls)
}

func TestPlaceTradeClosedAsset(t *testing.T) {
	conn := &svcConn{tradeID: 42, schedule: openSchedule()}
	sessions := &fakeSessions{conn: conn}
	store := newMemStore()
	svc := NewTradingService(sessions, &fakeResolver{}, store, testLogger())

	req := validRequest()
	req.Asset = "GBPUSD"

	_, err := svc.PlaceTrade(context.Background(), sessionCreds, req)

	var placementErr *domain.PlacementError
	require.ErrorAs(t, err, &placementErr)
	assert.Empty(t, conn.placedAsset, "no upstream placement for a closed asset")
	assert.Empty(t, store.trades)
}

func TestPlaceTradeDurationSelectsScheduleBucket(t *testing.T) {
	// GBPUSD is closed for turbo; a long expiry must consult the binary
	// bucket instead, where it does not exist at all.
	conn := &svcConn{tradeID: 42, schedule: openSchedule()}
	sessions := &fakeSessions{conn: conn}
	svc := NewTradingService(sessions, &fakeResolver{}, newMemStore(), testLogger())

	req := validRequest()
	req.Duration = 15

	_, err := svc.PlaceTrade(context.Background(), sessionCreds, req)
	require.NoError(t, err, "EURUSD is open for binary")

	req.Asset = "GBPUSD"
	_, err = svc.PlaceTrade(context.Background(), sessionCreds, req)
	var placementErr *domain.PlacementError
	assert.ErrorAs(t, err, &placementErr)
}

func TestPlaceTradeValidation(t *testing.T) {
	svc := NewTradingService(&fakeSessions{}, &fakeResolver{}, newMemStore(), testLogger())

	cases := []struct {
		name   string
		mutate func(*domain.TradeRequest)
	}{
		{"missing asset", func(r *domain.TradeRequest) { r.Asset = "" }},
		{"bad direction", func(r *domain.TradeRequest) { r.Direction = "sideways" }},
		{"zero amount", func(r *domain.TradeRequest) { r.Amount = 0 }},
		{"negative amount", func(r *domain.TradeRequest) { r.Amount = -1 }},
		{"zero duration", func(r *domain.TradeRequest) { r.Duration = 0 }},
		{"bad mode", func(r *domain.TradeRequest) { r.Mode = "DEMO" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)

			_, err := svc.PlaceTrade(context.Background(), sessionCreds, req)
			var placementErr *domain.PlacementError
			assert.ErrorAs(t, err, &placementErr)
		})
	}
}

func TestPlaceTradeStoreFailureDoesNotFailTrade(t *testing.T) {
	conn := &svcConn{tradeID: 42, schedule: openSchedule()}
	store := newMemStore()
	store.putErr = errors.New("redis down")
	svc := NewTradingService(&fakeSessions{conn: conn}, &fakeResolver{}, store, testLogger())

	pending, err := svc.PlaceTrade(context.Background(), sessionCreds, validRequest())
	require.NoError(t, err, "an accepted trade must not fail on metadata loss")
	assert.Equal(t, int64(42), pending.ID)
}

func TestGetTradeOutcomePassesStakeAndDeletesSettled(t *testing.T) {
	conn := &svcConn{}
	store := newMemStore()
	store.trades[42] = domain.PendingTrade{ID: 42, Amount: 2.0}
	resolver := &fakeResolver{outcome: domain.SettlementOutcome{
		TradeID: 42,
		Status:  domain.StatusClosed,
		Result:  domain.ResultWin,
		Profit:  1.8,
	}}
	svc := NewTradingService(&fakeSessions{conn: conn}, resolver, store, testLogger())

	out, err := svc.GetTradeOutcome(context.Background(), sessionCreds, 42)
	require.NoError(t, err)

	assert.Equal(t, domain.ResultWin, out.Result)
	assert.Equal(t, 2.0, resolver.stake)
	assert.Equal(t, []int64{42}, store.deleted)
}

func TestGetTradeOutcomeServesRecordedOutcome(t *testing.T) {
	// A settled loss is recorded with its forced profit. The repeat query
	// must serve that record instead of re-running the chain, which would no
	// longer know the stake and could report the raw upstream residual.
	store := newMemStore()
	store.trades[42] = domain.PendingTrade{ID: 42, Amount: 10}
	resolver := &fakeResolver{outcome: domain.SettlementOutcome{
		TradeID:  42,
		Status:   domain.StatusClosed,
		Result:   domain.ResultLoss,
		Profit:   -10,
		Strategy: "batch",
	}}
	svc := NewTradingService(&fakeSessions{conn: &svcConn{}}, resolver, store, testLogger())

	first, err := svc.GetTradeOutcome(context.Background(), sessionCreds, 42)
	require.NoError(t, err)
	require.Equal(t, -10.0, first.Profit)
	require.Contains(t, store.outcomes, int64(42), "terminal outcome must be recorded")

	second, err := svc.GetTradeOutcome(context.Background(), sessionCreds, 42)
	require.NoError(t, err)

	assert.Equal(t, 1, resolver.calls, "a recorded outcome must not re-run the chain")
	assert.Equal(t, first, second)
	assert.Equal(t, -10.0, second.Profit)
}

func TestGetTradeOutcomeOpenKeepsMetadata(t *testing.T) {
	store := newMemStore()
	store.trades[42] = domain.PendingTrade{ID: 42, Amount: 2.0}
	resolver := &fakeResolver{outcome: domain.SettlementOutcome{
		TradeID: 42,
		Status:  domain.StatusOpen,
	}}
	svc := NewTradingService(&fakeSessions{conn: &svcConn{}}, resolver, store, testLogger())

	out, err := svc.GetTradeOutcome(context.Background(), sessionCreds, 42)
	require.NoError(t, err)

	assert.True(t, out.StillOpen())
	assert.Empty(t, store.deleted)
	assert.Empty(t, store.outcomes, "an open trade has no terminal outcome to record")
	assert.Contains(t, store.trades, int64(42))
}

func TestGetTradeOutcomeMissingMetadataResolvesWithoutStake(t *testing.T) {
	resolver := &fakeResolver{
		stake: -1,
		outcome: domain.SettlementOutcome{
			TradeID: 42,
			Status:  domain.StatusClosed,
			Result:  domain.ResultLoss,
			Profit:  -1.5,
		},
	}
	svc := NewTradingService(&fakeSessions{conn: &svcConn{}}, resolver, newMemStore(), testLogger())

	out, err := svc.GetTradeOutcome(context.Background(), sessionCreds, 42)
	require.NoError(t, err)

	assert.Zero(t, resolver.stake, "unknown stake resolves as zero")
	assert.Equal(t, domain.ResultLoss, out.Result)
}

func TestGetTradeOutcomeNotConnected(t *testing.T) {
	sessions := &fakeSessions{acquireErr: domain.ErrNotFound}
	svc := NewTradingService(sessions, &fakeResolver{}, newMemStore(), testLogger())

	_, err := svc.GetTradeOutcome(context.Background(), sessionCreds, 42)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConnectBuildsSummary(t *testing.T) {
	conn := &svcConn{
		balances: map[domain.BalanceMode]float64{
			domain.ModePractice: 10000,
			domain.ModeReal:     52.3,
		},
		profile: domain.Profile{Name: "Trader", UserID: 9, Currency: "USD"},
	}
	svc := NewTradingService(&fakeSessions{conn: conn}, &fakeResolver{}, newMemStore(), testLogger())

	summary, err := svc.Connect(context.Background(), fullCreds)
	require.NoError(t, err)

	assert.Equal(t, 10000.0, summary.PracticeBalance)
	assert.Equal(t, 52.3, summary.RealBalance)
	assert.Equal(t, "Trader", summary.Name)
	assert.Equal(t, "USD", summary.Currency)
}

func TestConnectAuthFailure(t *testing.T) {
	sessions := &fakeSessions{connectErr: &domain.AuthError{Reason: "invalid credentials"}}
	svc := NewTradingService(sessions, &fakeResolver{}, newMemStore(), testLogger())

	_, err := svc.Connect(context.Background(), domain.Credentials{Email: "trader@test", Password: "bad"})

	var authErr *domain.AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestGetBalanceConnectsWithSuppliedPassword(t *testing.T) {
	conn := &svcConn{balances: map[domain.BalanceMode]float64{domain.ModeReal: 52.3}}
	sessions := &fakeSessions{conn: conn}
	svc := NewTradingService(sessions, &fakeResolver{}, newMemStore(), testLogger())

	balance, err := svc.GetBalance(context.Background(), fullCreds, domain.ModeReal)
	require.NoError(t, err)

	assert.Equal(t, 52.3, balance)
	assert.Equal(t, 1, sessions.connectCalls)
}

func TestListOpenAssetsFlattensAndSorts(t *testing.T) {
	conn := &svcConn{schedule: openSchedule()}
	svc := NewTradingService(&fakeSessions{conn: conn}, &fakeResolver{}, newMemStore(), testLogger())

	assets, err := svc.ListOpenAssets(context.Background(), sessionCreds)
	require.NoError(t, err)

	require.Len(t, assets, 2, "closed assets are excluded")
	assert.Equal(t, domain.OpenAsset{Symbol: "EURUSD", OptionType: "binary", Payout: 85}, assets[0])
	assert.Equal(t, domain.OpenAsset{Symbol: "EURUSD", OptionType: "turbo", Payout: 87}, assets[1])
}

func TestGetPriceUsesLatestCandle(t *testing.T) {
	conn := &svcConn{candles: []domain.Candle{
		{Close: 1.1001},
		{Close: 1.1004},
	}}
	svc := NewTradingService(&fakeSessions{conn: conn}, &fakeResolver{}, newMemStore(), testLogger())

	price, err := svc.GetPrice(context.Background(), sessionCreds, "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, 1.1004, price)
}

func TestGetCandlesUnsupportedConnection(t *testing.T) {
	svc := NewTradingService(&fakeSessions{conn: &bareConn{}}, &fakeResolver{}, newMemStore(), testLogger())

	_, err := svc.GetCandles(context.Background(), sessionCreds, "EURUSD", 60, 10)
	assert.ErrorIs(t, err, domain.ErrNotSupported)
}
