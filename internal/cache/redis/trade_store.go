package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iqbridge/iqbridge/internal/domain"
)

// TradeStore implements domain.PendingTradeStore and
// domain.SettledOutcomeStore using Redis hashes. Each pending trade is
// stored at key "trade:{accountKey}:{tradeID}" with one field per metadata
// attribute; its terminal outcome, once resolved, lives at
// "outcome:{accountKey}:{tradeID}". Both expire after the configured TTL so
// abandoned trades clean themselves up.
type TradeStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewTradeStore creates a TradeStore backed by the given Client. ttl bounds
// how long metadata for an unresolved trade is retained.
func NewTradeStore(c *Client, ttl time.Duration) *TradeStore {
	return &TradeStore{rdb: c.Underlying(), ttl: ttl}
}

func tradeKey(accountKey string, tradeID int64) string {
	return "trade:" + accountKey + ":" + strconv.FormatInt(tradeID, 10)
}

// Put stores the placement metadata for a pending trade.
func (ts *TradeStore) Put(ctx context.Context, t domain.PendingTrade) error {
	key := tradeKey(t.AccountKey, t.ID)
	fields := map[string]interface{}{
		"asset":     t.Asset,
		"direction": string(t.Direction),
		"amount":    strconv.FormatFloat(t.Amount, 'f', -1, 64),
		"duration":  strconv.Itoa(t.Duration),
		"mode":      string(t.Mode),
		"placed_at": strconv.FormatInt(t.PlacedAt.UnixNano(), 10),
	}

	pipe := ts.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, ts.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put trade %d: %w", t.ID, err)
	}
	return nil
}

// Get retrieves the placement metadata for a trade. It returns
// domain.ErrNotFound when the key does not exist or has expired.
func (ts *TradeStore) Get(ctx context.Context, accountKey string, tradeID int64) (domain.PendingTrade, error) {
	key := tradeKey(accountKey, tradeID)
	vals, err := ts.rdb.HGetAll(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.PendingTrade{}, fmt.Errorf("redis: get trade %d: %w", tradeID, err)
	}
	if len(vals) == 0 {
		return domain.PendingTrade{}, domain.ErrNotFound
	}

	t := domain.PendingTrade{
		ID:         tradeID,
		AccountKey: accountKey,
		Asset:      vals["asset"],
		Direction:  domain.Direction(vals["direction"]),
		Mode:       domain.BalanceMode(vals["mode"]),
	}

	if s, ok := vals["amount"]; ok {
		amount, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return domain.PendingTrade{}, fmt.Errorf("redis: parse trade %d amount: %w", tradeID, err)
		}
		t.Amount = amount
	}
	if s, ok := vals["duration"]; ok {
		d, err := strconv.Atoi(s)
		if err != nil {
			return domain.PendingTrade{}, fmt.Errorf("redis: parse trade %d duration: %w", tradeID, err)
		}
		t.Duration = d
	}
	if s, ok := vals["placed_at"]; ok {
		ns, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return domain.PendingTrade{}, fmt.Errorf("redis: parse trade %d placed_at: %w", tradeID, err)
		}
		t.PlacedAt = time.Unix(0, ns)
	}

	return t, nil
}

// Delete removes the metadata for a resolved trade. Deleting a missing key
// is not an error.
func (ts *TradeStore) Delete(ctx context.Context, accountKey string, tradeID int64) error {
	if err := ts.rdb.Del(ctx, tradeKey(accountKey, tradeID)).Err(); err != nil {
		return fmt.Errorf("redis: delete trade %d: %w", tradeID, err)
	}
	return nil
}

func outcomeKey(accountKey string, tradeID int64) string {
	return "outcome:" + accountKey + ":" + strconv.FormatInt(tradeID, 10)
}

// PutOutcome records the terminal outcome of a settled trade under
// "outcome:{accountKey}:{tradeID}", expiring on the same TTL as the
// placement metadata.
func (ts *TradeStore) PutOutcome(ctx context.Context, accountKey string, o domain.SettlementOutcome) error {
	key := outcomeKey(accountKey, o.TradeID)
	fields := map[string]interface{}{
		"status":   string(o.Status),
		"result":   string(o.Result),
		"profit":   strconv.FormatFloat(o.Profit, 'f', -1, 64),
		"strategy": o.Strategy,
	}

	pipe := ts.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, ts.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put outcome %d: %w", o.TradeID, err)
	}
	return nil
}

// GetOutcome retrieves the recorded outcome for a settled trade. It returns
// domain.ErrNotFound when the trade has no recorded outcome.
func (ts *TradeStore) GetOutcome(ctx context.Context, accountKey string, tradeID int64) (domain.SettlementOutcome, error) {
	key := outcomeKey(accountKey, tradeID)
	vals, err := ts.rdb.HGetAll(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.SettlementOutcome{}, fmt.Errorf("redis: get outcome %d: %w", tradeID, err)
	}
	if len(vals) == 0 {
		return domain.SettlementOutcome{}, domain.ErrNotFound
	}

	o := domain.SettlementOutcome{
		TradeID:  tradeID,
		Status:   domain.TradeStatus(vals["status"]),
		Result:   domain.TradeResult(vals["result"]),
		Strategy: vals["strategy"],
	}
	if s, ok := vals["profit"]; ok {
		profit, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return domain.SettlementOutcome{}, fmt.Errorf("redis: parse outcome %d profit: %w", tradeID, err)
		}
		o.Profit = profit
	}
	return o, nil
}

// Compile-time interface checks.
var (
	_ domain.PendingTradeStore   = (*TradeStore)(nil)
	_ domain.SettledOutcomeStore = (*TradeStore)(nil)
)
