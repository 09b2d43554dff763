package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/iqbridge/iqbridge/internal/cache/redis"
	"github.com/iqbridge/iqbridge/internal/config"
	"github.com/iqbridge/iqbridge/internal/domain"
	"github.com/iqbridge/iqbridge/internal/platform/iqoption"
	"github.com/iqbridge/iqbridge/internal/service"
	"github.com/iqbridge/iqbridge/internal/session"
	"github.com/iqbridge/iqbridge/internal/settlement"
)

// Dependencies bundles everything the running gateway needs. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	TradeStore  service.TradeStore
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager

	Sessions *session.Manager
	Resolver *settlement.Resolver
	Trading  *service.TradingService
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.TradeStore = redis.NewTradeStore(redisClient, cfg.Redis.TradeTTL.Duration)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)

	// --- Upstream dialer and session manager ---
	dialer := iqoption.NewDialer(iqoption.Config{
		WsURL:            cfg.IQOption.WsURL,
		LoginURL:         cfg.IQOption.LoginURL,
		HandshakeTimeout: cfg.IQOption.HandshakeTimeout.Duration,
		RequestTimeout:   cfg.IQOption.RequestTimeout.Duration,
	}, logger)

	deps.Sessions = session.NewManager(dialer, deps.LockManager, session.Config{
		IdleThreshold:     cfg.Session.IdleThreshold.Duration,
		KeepAliveInterval: cfg.Session.KeepAliveInterval.Duration,
		QuietPeriod:       cfg.Session.QuietPeriod.Duration,
		MaxAccounts:       cfg.Session.MaxAccounts,
		SharedLocks:       cfg.Session.SharedLocks,
		LockTTL:           cfg.Session.LockTTL.Duration,
	}, logger)
	closers = append(closers, func() { _ = deps.Sessions.Close() })

	// --- Settlement resolver ---
	deps.Resolver = settlement.NewResolver(settlement.Config{
		StrategyTimeout: cfg.Settlement.StrategyTimeout.Duration,
		SettleDelay:     cfg.Settlement.SettleDelay.Duration,
		BatchSize:       cfg.Settlement.BatchSize,
		QueryLimit:      cfg.Settlement.QueryLimit,
		QueryWindow:     cfg.Settlement.QueryWindow.Duration,
	}, deps.RateLimiter, logger)

	// --- Service layer ---
	deps.Trading = service.NewTradingService(deps.Sessions, deps.Resolver, deps.TradeStore, logger)

	return deps, cleanup, nil
}
