package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/iqbridge/iqbridge/internal/domain"
)

// SessionManager is the slice of the session layer the trading service
// consumes.
type SessionManager interface {
	// Connect establishes or reuses the session for the credentials.
	Connect(ctx context.Context, creds domain.Credentials) (domain.BrokerConn, error)

	// Acquire hands out the live session for a connected account.
	Acquire(ctx context.Context, accountKey string) (domain.BrokerConn, error)

	// WithExclusive runs fn holding the account's exclusion, so stateful
	// sequences on the shared connection cannot interleave.
	WithExclusive(ctx context.Context, accountKey string, fn func(ctx context.Context, conn domain.BrokerConn) error) error
}

// OutcomeResolver determines the settlement outcome of a placed trade.
type OutcomeResolver interface {
	Resolve(ctx context.Context, conn domain.BrokerConn, accountKey string, tradeID int64, stake float64) (domain.SettlementOutcome, error)
}

// TradeStore is the persistence the trading service needs: pending-trade
// metadata while a trade is open, the recorded outcome once it settles.
type TradeStore interface {
	domain.PendingTradeStore
	domain.SettledOutcomeStore
}

// spotTimeframeSec is the candle size used to derive a spot price.
const spotTimeframeSec = 1

// TradingService is the brokerage facade: account sessions in, validated
// placements and settled outcomes out.
type TradingService struct {
	sessions SessionManager
	resolver OutcomeResolver
	trades   TradeStore
	logger   *slog.Logger
}

// NewTradingService creates a TradingService with all required dependencies.
func NewTradingService(
	sessions SessionManager,
	resolver OutcomeResolver,
	trades TradeStore,
	logger *slog.Logger,
) *TradingService {
	return &TradingService{
		sessions: sessions,
		resolver: resolver,
		trades:   trades,
		logger:   logger,
	}
}

// session hands out the account's connection. Requests carrying a password
// get the connect-on-demand path: a cached live session is reused, anything
// else gets a fresh handshake that surfaces AuthError on bad credentials.
// Password-less requests only reach sessions established earlier.
func (s *TradingService) session(ctx context.Context, creds domain.Credentials) (domain.BrokerConn, error) {
	if creds.Password != "" {
		return s.sessions.Connect(ctx, creds)
	}
	return s.sessions.Acquire(ctx, creds.AccountKey())
}

// Connect authenticates the account (or reuses its live session) and returns
// the account summary: both balances plus profile data when the upstream
// connection exposes a profile.
func (s *TradingService) Connect(ctx context.Context, creds domain.Credentials) (domain.AccountSummary, error) {
	conn, err := s.sessions.Connect(ctx, creds)
	if err != nil {
		return domain.AccountSummary{}, fmt.Errorf("trading_service: connect: %w", err)
	}

	summary, err := s.summaryFrom(ctx, conn, creds.AccountKey())
	if err != nil {
		return domain.AccountSummary{}, fmt.Errorf("trading_service: connect: %w", err)
	}

	s.logger.InfoContext(ctx, "trading_service: account connected",
		slog.String("account", creds.AccountKey()),
	)
	return summary, nil
}

// summaryFrom reads both balances and the profile off a live connection.
func (s *TradingService) summaryFrom(ctx context.Context, conn domain.BrokerConn, accountKey string) (domain.AccountSummary, error) {
	var summary domain.AccountSummary
	var err error
	if summary.PracticeBalance, err = conn.GetBalance(ctx, domain.ModePractice); err != nil {
		return domain.AccountSummary{}, fmt.Errorf("practice balance: %w", err)
	}
	if summary.RealBalance, err = conn.GetBalance(ctx, domain.ModeReal); err != nil {
		return domain.AccountSummary{}, fmt.Errorf("real balance: %w", err)
	}

	if pp, ok := conn.(domain.ProfileProvider); ok {
		profile, err := pp.GetProfile(ctx)
		if err != nil {
			s.logger.WarnContext(ctx, "trading_service: profile fetch failed",
				slog.String("account", accountKey),
				slog.String("error", err.Error()),
			)
		} else {
			summary.Name = profile.Name
			summary.UserID = profile.UserID
			summary.Currency = profile.Currency
		}
	}
	return summary, nil
}

// GetBalance returns the balance of the given mode for the account.
func (s *TradingService) GetBalance(ctx context.Context, creds domain.Credentials, mode domain.BalanceMode) (float64, error) {
	conn, err := s.session(ctx, creds)
	if err != nil {
		return 0, fmt.Errorf("trading_service: get balance: %w", err)
	}
	balance, err := conn.GetBalance(ctx, mode)
	if err != nil {
		return 0, fmt.Errorf("trading_service: get balance: %w", err)
	}
	return balance, nil
}

// PlaceTrade validates and places a binary option. The balance-mode switch,
// the asset availability check, and the placement run inside the account's
// exclusive scope so concurrent requests cannot trade on each other's mode.
func (s *TradingService) PlaceTrade(ctx context.Context, creds domain.Credentials, req domain.TradeRequest) (domain.PendingTrade, error) {
	if err := validateRequest(req); err != nil {
		return domain.PendingTrade{}, fmt.Errorf("trading_service: place trade: %w", err)
	}

	// Make sure a session exists before taking the exclusion, so a request
	// carrying credentials works without a prior connect call.
	accountKey := creds.AccountKey()
	if _, err := s.session(ctx, creds); err != nil {
		return domain.PendingTrade{}, fmt.Errorf("trading_service: place trade: %w", err)
	}

	var tradeID int64
	err := s.sessions.WithExclusive(ctx, accountKey, func(ctx context.Context, conn domain.BrokerConn) error {
		if err := conn.SetBalanceMode(ctx, req.Mode); err != nil {
			return fmt.Errorf("set balance mode %s: %w", req.Mode, err)
		}

		schedule, err := conn.ListOpenAssets(ctx)
		if err != nil {
			return fmt.Errorf("list open assets: %w", err)
		}
		optionType := optionTypeFor(req.Duration)
		if !schedule[optionType][req.Asset].Open {
			return &domain.PlacementError{
				Reason: fmt.Sprintf("asset %s is not available for %s trading right now", req.Asset, optionType),
			}
		}

		tradeID, err = conn.PlaceTrade(ctx, req.Asset, req.Direction, req.Amount, req.Duration)
		if err != nil {
			return fmt.Errorf("open option: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.PendingTrade{}, fmt.Errorf("trading_service: place trade: %w", err)
	}

	pending := domain.PendingTrade{
		ID:         tradeID,
		AccountKey: accountKey,
		Asset:      req.Asset,
		Direction:  req.Direction,
		Amount:     req.Amount,
		Duration:   req.Duration,
		Mode:       req.Mode,
		PlacedAt:   time.Now().UTC(),
	}

	// Metadata loss must not fail a trade that upstream already accepted.
	if err := s.trades.Put(ctx, pending); err != nil {
		s.logger.WarnContext(ctx, "trading_service: store pending trade failed",
			slog.Int64("trade_id", tradeID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "trading_service: trade placed",
		slog.Int64("trade_id", tradeID),
		slog.String("account", accountKey),
		slog.String("asset", req.Asset),
		slog.String("direction", string(req.Direction)),
		slog.Float64("amount", req.Amount),
	)
	return pending, nil
}

// GetTradeOutcome returns the settlement outcome of a placed trade. A trade
// that already settled serves its recorded outcome; an open trade runs the
// resolution chain, and a terminal verdict is recorded back before the
// placement metadata is dropped. A trade whose metadata has expired is still
// resolved; its loss profit is then whatever upstream reports rather than
// the exact negated stake.
func (s *TradingService) GetTradeOutcome(ctx context.Context, creds domain.Credentials, tradeID int64) (domain.SettlementOutcome, error) {
	accountKey := creds.AccountKey()

	recorded, err := s.trades.GetOutcome(ctx, accountKey, tradeID)
	switch {
	case err == nil:
		return recorded, nil
	case errors.Is(err, domain.ErrNotFound):
	default:
		s.logger.WarnContext(ctx, "trading_service: recorded outcome lookup failed",
			slog.Int64("trade_id", tradeID),
			slog.String("error", err.Error()),
		)
	}

	conn, err := s.session(ctx, creds)
	if err != nil {
		return domain.SettlementOutcome{}, fmt.Errorf("trading_service: trade outcome: %w", err)
	}

	var stake float64
	pending, err := s.trades.Get(ctx, accountKey, tradeID)
	switch {
	case err == nil:
		stake = pending.Amount
	case errors.Is(err, domain.ErrNotFound):
		// Placed before a restart past the metadata TTL, or by another
		// gateway. Resolve without the stake.
	default:
		s.logger.WarnContext(ctx, "trading_service: pending trade lookup failed",
			slog.Int64("trade_id", tradeID),
			slog.String("error", err.Error()),
		)
	}

	outcome, err := s.resolver.Resolve(ctx, conn, accountKey, tradeID, stake)
	if err != nil {
		return domain.SettlementOutcome{}, fmt.Errorf("trading_service: trade outcome: %w", err)
	}

	if !outcome.StillOpen() {
		if err := s.trades.PutOutcome(ctx, accountKey, outcome); err != nil {
			s.logger.WarnContext(ctx, "trading_service: record outcome failed",
				slog.Int64("trade_id", tradeID),
				slog.String("error", err.Error()),
			)
		}
		if err := s.trades.Delete(ctx, accountKey, tradeID); err != nil {
			s.logger.WarnContext(ctx, "trading_service: delete settled trade failed",
				slog.Int64("trade_id", tradeID),
				slog.String("error", err.Error()),
			)
		}
	}
	return outcome, nil
}

// ListOpenAssets returns every currently tradable asset with its payout,
// sorted by option type then symbol.
func (s *TradingService) ListOpenAssets(ctx context.Context, creds domain.Credentials) ([]domain.OpenAsset, error) {
	conn, err := s.session(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("trading_service: list open assets: %w", err)
	}

	schedule, err := conn.ListOpenAssets(ctx)
	if err != nil {
		return nil, fmt.Errorf("trading_service: list open assets: %w", err)
	}

	var assets []domain.OpenAsset
	for optionType, bySymbol := range schedule {
		for symbol, sched := range bySymbol {
			if !sched.Open {
				continue
			}
			assets = append(assets, domain.OpenAsset{
				Symbol:     symbol,
				OptionType: optionType,
				Payout:     sched.Payout,
			})
		}
	}
	sort.Slice(assets, func(i, j int) bool {
		if assets[i].OptionType != assets[j].OptionType {
			return assets[i].OptionType < assets[j].OptionType
		}
		return assets[i].Symbol < assets[j].Symbol
	})
	return assets, nil
}

// GetCandles returns count OHLC bars of the given timeframe for an asset.
// Connections without market data yield ErrNotSupported.
func (s *TradingService) GetCandles(ctx context.Context, creds domain.Credentials, asset string, timeframeSec, count int) ([]domain.Candle, error) {
	conn, err := s.session(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("trading_service: get candles: %w", err)
	}

	cp, ok := conn.(domain.CandleProvider)
	if !ok {
		return nil, fmt.Errorf("trading_service: get candles: %w", domain.ErrNotSupported)
	}
	candles, err := cp.GetCandles(ctx, asset, timeframeSec, count)
	if err != nil {
		return nil, fmt.Errorf("trading_service: get candles: %w", err)
	}
	return candles, nil
}

// GetPrice returns the latest spot price of an asset, derived from the most
// recent one-second candle.
func (s *TradingService) GetPrice(ctx context.Context, creds domain.Credentials, asset string) (float64, error) {
	candles, err := s.GetCandles(ctx, creds, asset, spotTimeframeSec, 1)
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		return 0, fmt.Errorf("trading_service: get price: no market data for %s", asset)
	}
	return candles[len(candles)-1].Close, nil
}

// validateRequest rejects malformed placements before any upstream call.
func validateRequest(req domain.TradeRequest) error {
	if req.Asset == "" {
		return &domain.PlacementError{Reason: "asset is required"}
	}
	switch req.Direction {
	case domain.DirectionCall, domain.DirectionPut:
	default:
		return &domain.PlacementError{Reason: fmt.Sprintf("direction must be %q or %q", domain.DirectionCall, domain.DirectionPut)}
	}
	if req.Amount <= 0 {
		return &domain.PlacementError{Reason: "amount must be positive"}
	}
	if req.Duration <= 0 {
		return &domain.PlacementError{Reason: "duration must be at least one minute"}
	}
	switch req.Mode {
	case domain.ModePractice, domain.ModeReal:
	default:
		return &domain.PlacementError{Reason: fmt.Sprintf("mode must be %q or %q", domain.ModePractice, domain.ModeReal)}
	}
	return nil
}

// optionTypeFor maps expiry to the schedule bucket: turbo up to five
// minutes, classic binary beyond.
func optionTypeFor(durationMin int) string {
	if durationMin <= 5 {
		return "turbo"
	}
	return "binary"
}
