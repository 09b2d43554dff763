// Package iqoption is the upstream brokerage client. It authenticates over
// HTTP, then speaks the IQ Option websocket protocol: a "ssid" message binds
// the socket to the session, and every API operation travels inside a
// "sendMessage" envelope correlated by request id.
package iqoption

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/iqbridge/iqbridge/internal/domain"
)

// Config holds the endpoints and timeouts of the upstream client.
type Config struct {
	WsURL    string
	LoginURL string
	// HandshakeTimeout bounds the full authenticate sequence.
	HandshakeTimeout time.Duration
	// RequestTimeout bounds each individual websocket request.
	RequestTimeout time.Duration
}

// Dialer implements domain.BrokerDialer against the IQ Option platform.
type Dialer struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewDialer creates a Dialer with the given configuration.
func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	return &Dialer{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.HandshakeTimeout,
		},
		logger: logger.With(slog.String("component", "iqoption")),
	}
}

// Authenticate performs the HTTP login, dials the websocket, and binds the
// session to the socket. On any failure the partially-built connection is
// torn down and no handle is returned.
func (d *Dialer) Authenticate(ctx context.Context, accountKey string, creds domain.Credentials) (domain.BrokerConn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
	defer cancel()

	ssid, err := d.login(ctx, creds)
	if err != nil {
		return nil, err
	}

	conn, err := dialConn(ctx, d.cfg, d.logger.With(slog.String("account", accountKey)))
	if err != nil {
		return nil, err
	}

	if err := conn.bindSession(ctx, ssid); err != nil {
		_ = conn.Close()
		return nil, err
	}

	// Prefetch balances so balance-mode switches have their ids at hand.
	if err := conn.refreshBalances(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	d.logger.InfoContext(ctx, "authenticated",
		slog.String("account", accountKey),
	)

	return conn, nil
}

// login exchanges credentials for a websocket session id. Upstream rejection
// diagnostics are passed through verbatim in the returned AuthError.
func (d *Dialer) login(ctx context.Context, creds domain.Credentials) (string, error) {
	body, err := json.Marshal(loginRequest{
		Identifier: creds.Email,
		Password:   creds.Password,
	})
	if err != nil {
		return "", fmt.Errorf("iqoption: marshal login: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.LoginURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("iqoption: create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", &domain.ConnectError{Reason: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &domain.ConnectError{Reason: "read login response: " + err.Error()}
	}

	var parsed loginResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &domain.ConnectError{Reason: fmt.Sprintf("malformed login response (HTTP %d)", resp.StatusCode)}
	}

	if resp.StatusCode != http.StatusOK || parsed.Data.SSID == "" {
		reason := "login rejected"
		if len(parsed.Errors) > 0 && parsed.Errors[0].Title != "" {
			reason = parsed.Errors[0].Title
		}
		return "", &domain.AuthError{Reason: reason}
	}

	return parsed.Data.SSID, nil
}

// Compile-time interface check.
var _ domain.BrokerDialer = (*Dialer)(nil)
