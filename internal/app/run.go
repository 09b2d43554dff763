package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iqbridge/iqbridge/internal/crypto"
	"github.com/iqbridge/iqbridge/internal/server"
	"github.com/iqbridge/iqbridge/internal/server/handler"
)

// warmConnectTimeout bounds the startup handshake for the configured warm
// account.
const warmConnectTimeout = 30 * time.Second

// serve starts the session keep-alive sweep and the HTTP server, optionally
// pre-warming the configured account, and blocks until the context is
// cancelled or a component fails.
func (a *App) serve(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	// Session keep-alive sweep.
	g.Go(func() error {
		err := deps.Sessions.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	// Warm account: connect at startup so the first trade needs no
	// handshake. A failure is logged, not fatal; the account can still
	// connect through the API.
	a.warmAccount(ctx, deps)

	// HTTP server.
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(),
		Account: handler.NewAccountHandler(deps.Trading, a.logger),
		Trade:   handler.NewTradeHandler(deps.Trading, a.logger),
		Market:  handler.NewMarketHandler(deps.Trading, a.logger),
	}, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	return g.Wait()
}

// warmAccount connects the account configured for pre-warming, if any.
func (a *App) warmAccount(ctx context.Context, deps *Dependencies) {
	acct := a.cfg.Account
	if acct.Password == "" && acct.EncryptedCredsPath == "" {
		return
	}

	creds, err := crypto.LoadCredentials(crypto.CredsConfig{
		Email:         acct.Email,
		Password:      acct.Password,
		EncryptedPath: acct.EncryptedCredsPath,
		FilePassword:  acct.CredsPassword,
	})
	if err != nil {
		a.logger.WarnContext(ctx, "warm account: load credentials failed",
			slog.String("error", err.Error()),
		)
		return
	}

	connectCtx, cancel := context.WithTimeout(ctx, warmConnectTimeout)
	defer cancel()

	if _, err := deps.Trading.Connect(connectCtx, creds); err != nil {
		a.logger.WarnContext(ctx, "warm account: connect failed",
			slog.String("account", creds.AccountKey()),
			slog.String("error", err.Error()),
		)
		return
	}
	a.logger.InfoContext(ctx, "warm account connected",
		slog.String("account", creds.AccountKey()),
	)
}
