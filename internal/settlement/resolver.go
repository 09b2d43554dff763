package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/iqbridge/iqbridge/internal/domain"
)

// Config tunes the resolver.
type Config struct {
	// StrategyTimeout bounds each individual strategy call.
	StrategyTimeout time.Duration

	// SettleDelay is the wait between the ledger refresh and the lookup,
	// covering upstream eventual consistency.
	SettleDelay time.Duration

	// BatchSize is how many recently-closed operations the batch scan
	// pulls.
	BatchSize int

	// QueryLimit and QueryWindow rate-limit the expensive strategies per
	// account. A zero limit disables the gate.
	QueryLimit  int
	QueryWindow time.Duration
}

// verdict is the raw product of one strategy before normalization.
type verdict struct {
	conclusive bool
	result     domain.TradeResult
	profit     float64
}

// Resolver determines the outcome of a placed trade. Upstream exposes the
// verdict through several channels of varying freshness and cost; the
// resolver tries them cheapest first and takes the first conclusive answer.
// When every channel is inconclusive the trade is reported still open rather
// than failed.
type Resolver struct {
	cfg     Config
	limiter domain.RateLimiter // nil disables the expensive-strategy gate
	logger  *slog.Logger
}

// NewResolver builds a resolver. limiter may be nil.
func NewResolver(cfg Config, limiter domain.RateLimiter, logger *slog.Logger) *Resolver {
	return &Resolver{
		cfg:     cfg,
		limiter: limiter,
		logger:  logger.With(slog.String("component", "settlement")),
	}
}

// Resolve runs the strategy chain for the trade over the given connection.
// stake is the placed amount, used to normalize loss profits; zero means the
// stake is unknown and loss profits are passed through as reported.
func (r *Resolver) Resolve(ctx context.Context, conn domain.BrokerConn, accountKey string, tradeID int64, stake float64) (domain.SettlementOutcome, error) {
	type strategy struct {
		name      string
		expensive bool
		run       func(ctx context.Context) (verdict, error)
	}

	var chain []strategy
	if q, ok := conn.(domain.DirectSettlementQuerier); ok {
		chain = append(chain, strategy{name: "direct", run: func(ctx context.Context) (verdict, error) {
			return r.queryDirect(ctx, q, tradeID)
		}})
	}
	if q, ok := conn.(domain.AsyncOrderQuerier); ok {
		chain = append(chain, strategy{name: "order", run: func(ctx context.Context) (verdict, error) {
			return r.queryOrder(ctx, q, tradeID)
		}})
	}
	if q, ok := conn.(domain.LedgerQuerier); ok {
		chain = append(chain, strategy{name: "ledger", expensive: true, run: func(ctx context.Context) (verdict, error) {
			return r.queryLedger(ctx, q, tradeID)
		}})
	}
	if q, ok := conn.(domain.ClosedBatchLister); ok {
		chain = append(chain, strategy{name: "batch", expensive: true, run: func(ctx context.Context) (verdict, error) {
			return r.scanBatch(ctx, q, tradeID)
		}})
	}

	for _, s := range chain {
		if s.expensive && !r.allowExpensive(ctx, accountKey) {
			r.logger.DebugContext(ctx, "expensive strategy rate-limited",
				slog.String("strategy", s.name),
				slog.Int64("trade_id", tradeID))
			continue
		}

		sctx, cancel := context.WithTimeout(ctx, r.cfg.StrategyTimeout)
		v, err := s.run(sctx)
		cancel()

		if err != nil {
			if errors.Is(err, domain.ErrInconclusive) {
				r.logger.DebugContext(ctx, "strategy inconclusive",
					slog.String("strategy", s.name),
					slog.Int64("trade_id", tradeID))
			} else {
				r.logger.WarnContext(ctx, "strategy failed",
					slog.String("strategy", s.name),
					slog.Int64("trade_id", tradeID),
					slog.String("error", err.Error()))
			}
			continue
		}
		if !v.conclusive {
			continue
		}

		out := normalize(v, tradeID, stake)
		out.Strategy = s.name
		r.logger.InfoContext(ctx, "trade settled",
			slog.Int64("trade_id", tradeID),
			slog.String("result", string(out.Result)),
			slog.Float64("profit", out.Profit),
			slog.String("strategy", s.name))
		return out, nil
	}

	// Every channel came up empty. The trade is simply still running.
	return domain.SettlementOutcome{
		TradeID: tradeID,
		Status:  domain.StatusOpen,
	}, nil
}

// queryDirect is the cheapest channel: a single lookup whose recorded result
// is the signed profit.
func (r *Resolver) queryDirect(ctx context.Context, q domain.DirectSettlementQuerier, tradeID int64) (verdict, error) {
	profit, err := q.QuerySettlementDirect(ctx, tradeID)
	if err != nil {
		return verdict{}, err
	}
	return verdict{conclusive: true, result: resultFromProfit(profit), profit: profit}, nil
}

// queryOrder derives the profit from the generic async-order record as
// credited minus enrolled, conclusive only once the order reports closed.
func (r *Resolver) queryOrder(ctx context.Context, q domain.AsyncOrderQuerier, tradeID int64) (verdict, error) {
	order, err := q.QueryAsyncOrder(ctx, tradeID)
	if err != nil {
		return verdict{}, err
	}
	if order.Status != domain.OrderStatusClosed {
		return verdict{}, nil
	}
	profit := order.CreditedAmount - order.EnrolledAmount
	return verdict{conclusive: true, result: resultFromProfit(profit), profit: profit}, nil
}

// queryLedger refreshes the recent-operations ledger, waits out upstream
// eventual consistency, then looks the trade up. The ledger labels the
// result instead of signing the profit; a label that contradicts the number
// is treated as inconclusive rather than trusted.
func (r *Resolver) queryLedger(ctx context.Context, q domain.LedgerQuerier, tradeID int64) (verdict, error) {
	if err := q.RefreshLedger(ctx); err != nil {
		return verdict{}, fmt.Errorf("refresh ledger: %w", err)
	}

	select {
	case <-time.After(r.cfg.SettleDelay):
	case <-ctx.Done():
		return verdict{}, ctx.Err()
	}

	entry, err := q.LookupLedger(ctx, tradeID)
	if err != nil {
		return verdict{}, err
	}

	switch strings.ToLower(entry.Label) {
	case "win":
		if entry.Profit <= 0 {
			return verdict{}, domain.ErrInconclusive
		}
		return verdict{conclusive: true, result: domain.ResultWin, profit: entry.Profit}, nil
	case "lose", "loose":
		// Losses are sometimes reported unsigned; force the sign.
		return verdict{conclusive: true, result: domain.ResultLoss, profit: -math.Abs(entry.Profit)}, nil
	case "equal":
		return verdict{conclusive: true, result: domain.ResultTie, profit: 0}, nil
	default:
		return verdict{}, domain.ErrInconclusive
	}
}

// scanBatch lists the most recently closed operations and scans for the
// trade. Field names vary between upstream versions, so the win and stake
// amounts are read through their known aliases.
func (r *Resolver) scanBatch(ctx context.Context, q domain.ClosedBatchLister, tradeID int64) (verdict, error) {
	records, err := q.ListRecentClosed(ctx, r.cfg.BatchSize)
	if err != nil {
		return verdict{}, err
	}

	for _, rec := range records {
		if rec.ID != tradeID {
			continue
		}
		win := firstSet(rec.WinAmount, rec.Win, rec.Profit)
		staked := firstSet(rec.Amount, rec.AmountEnrolled)
		if win == nil || staked == nil {
			return verdict{}, domain.ErrInconclusive
		}
		profit := *win - *staked
		return verdict{conclusive: true, result: resultFromProfit(profit), profit: profit}, nil
	}
	return verdict{}, domain.ErrInconclusive
}

// allowExpensive consults the per-account rate gate for the costly
// strategies. Gate failures fail open: a broken limiter must not leave
// trades unresolvable.
func (r *Resolver) allowExpensive(ctx context.Context, accountKey string) bool {
	if r.limiter == nil || r.cfg.QueryLimit <= 0 {
		return true
	}
	ok, err := r.limiter.Allow(ctx, "settlement:"+accountKey, r.cfg.QueryLimit, r.cfg.QueryWindow)
	if err != nil {
		r.logger.WarnContext(ctx, "settlement rate gate unavailable",
			slog.String("error", err.Error()))
		return true
	}
	return ok
}

// normalize maps a raw verdict onto the outcome invariant: wins keep their
// positive profit, ties are exactly zero, and losses are exactly minus the
// stake when the stake is known.
func normalize(v verdict, tradeID int64, stake float64) domain.SettlementOutcome {
	out := domain.SettlementOutcome{
		TradeID: tradeID,
		Status:  domain.StatusClosed,
		Result:  v.result,
		Profit:  v.profit,
	}
	switch v.result {
	case domain.ResultTie:
		out.Profit = 0
	case domain.ResultLoss:
		if stake > 0 {
			out.Profit = -stake
		} else if out.Profit > 0 {
			out.Profit = -out.Profit
		}
	}
	return out
}

// resultFromProfit classifies a signed profit.
func resultFromProfit(profit float64) domain.TradeResult {
	switch {
	case profit > 0:
		return domain.ResultWin
	case profit < 0:
		return domain.ResultLoss
	default:
		return domain.ResultTie
	}
}

// firstSet returns the first non-nil pointer.
func firstSet(ptrs ...*float64) *float64 {
	for _, p := range ptrs {
		if p != nil {
			return p
		}
	}
	return nil
}
