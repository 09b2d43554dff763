package iqoption

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iqbridge/iqbridge/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// ssid is the message that binds the socket to the authenticated session.
	msgSSID = "ssid"

	// Inner sendMessage operation names.
	opGetBalances     = "get-balances"
	opOpenOption      = "binary-options.open-option"
	opGetOption       = "binary-options.get-option"
	opGetOrder        = "get-order"
	opRefreshHistory  = "portfolio.refresh-history"
	opGetHistory      = "portfolio.get-history"
	opGetClosedBatch  = "get-options"
	opGetInitData     = "get-initialization-data"
	opGetProfile      = "get-profile"
	opGetCandles      = "get-candles"

	// statusOK is the upstream success status on correlated responses.
	statusOK = 2000

	// ledgerHistoryLimit is how many ledger rows one lookup pulls.
	ledgerHistoryLimit = 100
)

// Conn is one authenticated websocket connection. It implements
// domain.BrokerConn plus every optional settlement capability.
type Conn struct {
	ws     *websocket.Conn
	cfg    Config
	logger *slog.Logger

	// writeMu serializes writes; gorilla connections allow one writer.
	writeMu sync.Mutex

	// pendingMu guards pending, keyed by request id.
	pendingMu sync.Mutex
	pending   map[string]chan wsResponse

	// authCh receives the one-shot result of the ssid bind.
	authCh chan bool

	seq    atomic.Int64
	closed atomic.Bool
	done   chan struct{}

	// balanceMu guards the balance table and the active selection.
	balanceMu     sync.Mutex
	balances      map[domain.BalanceMode]balanceMsg
	activeBalance balanceMsg
	activeMode    domain.BalanceMode
}

// dialConn establishes the websocket and starts the read and ping loops.
func dialConn(ctx context.Context, cfg Config, logger *slog.Logger) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	ws, _, err := dialer.DialContext(ctx, cfg.WsURL, nil)
	if err != nil {
		return nil, &domain.ConnectError{Reason: "dial websocket: " + err.Error()}
	}

	c := &Conn{
		ws:       ws,
		cfg:      cfg,
		logger:   logger,
		pending:  make(map[string]chan wsResponse),
		authCh:   make(chan bool, 1),
		done:     make(chan struct{}),
		balances: make(map[domain.BalanceMode]balanceMsg),
	}

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// bindSession sends the ssid message and waits for the upstream verdict.
func (c *Conn) bindSession(ctx context.Context, ssid string) error {
	if err := c.write(wsRequest{Name: msgSSID, Msg: ssid}); err != nil {
		return &domain.ConnectError{Reason: "send ssid: " + err.Error()}
	}

	select {
	case ok := <-c.authCh:
		if !ok {
			return &domain.AuthError{Reason: "session rejected by upstream"}
		}
		return nil
	case <-c.done:
		return &domain.ConnectError{Reason: "connection closed during handshake"}
	case <-ctx.Done():
		return &domain.ConnectError{Reason: "handshake timed out"}
	}
}

// IsAlive probes the connection with a websocket ping. A closed or
// unwritable connection is dead; the probe never blocks past the write
// deadline.
func (c *Conn) IsAlive(ctx context.Context) bool {
	if c.closed.Load() {
		return false
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	err := c.ws.WriteControl(websocket.PingMessage, nil, deadline)
	c.writeMu.Unlock()

	return err == nil
}

// GetBalance returns the current amount of the balance for the given mode.
func (c *Conn) GetBalance(ctx context.Context, mode domain.BalanceMode) (float64, error) {
	if err := c.refreshBalances(ctx); err != nil {
		return 0, err
	}

	c.balanceMu.Lock()
	defer c.balanceMu.Unlock()

	b, ok := c.balances[mode]
	if !ok {
		return 0, fmt.Errorf("iqoption: no %s balance on this account", mode)
	}
	return b.Amount, nil
}

// SetBalanceMode selects which balance subsequent placements draw from.
func (c *Conn) SetBalanceMode(ctx context.Context, mode domain.BalanceMode) error {
	if err := c.refreshBalances(ctx); err != nil {
		return err
	}

	c.balanceMu.Lock()
	defer c.balanceMu.Unlock()

	b, ok := c.balances[mode]
	if !ok {
		return fmt.Errorf("iqoption: no %s balance on this account", mode)
	}
	c.activeBalance = b
	c.activeMode = mode
	return nil
}

// PlaceTrade opens a binary option against the active balance and returns
// the upstream trade id.
func (c *Conn) PlaceTrade(ctx context.Context, asset string, dir domain.Direction, amount float64, durationMin int) (int64, error) {
	c.balanceMu.Lock()
	balance := c.activeBalance
	c.balanceMu.Unlock()

	if balance.ID == 0 {
		return 0, fmt.Errorf("iqoption: balance mode not selected")
	}

	body := openOptionBody{
		UserBalanceID: balance.ID,
		Active:        asset,
		Direction:     string(dir),
		Price:         amount,
		Expired:       time.Now().Add(time.Duration(durationMin) * time.Minute).Unix(),
		OptionTypeID:  optionTypeForDuration(durationMin),
	}

	raw, err := c.call(ctx, opOpenOption, "2.0", body)
	if err != nil {
		return 0, err
	}

	var placed openOptionMsg
	if err := json.Unmarshal(raw, &placed); err != nil {
		return 0, fmt.Errorf("iqoption: decode open-option: %w", err)
	}
	if placed.ID == 0 {
		reason := placed.Message
		if reason == "" {
			reason = "order rejected"
		}
		return 0, &domain.PlacementError{Reason: reason}
	}

	return placed.ID, nil
}

// optionTypeForDuration maps expiry to the upstream option type: turbo for
// expiries up to five minutes, classic binary beyond.
func optionTypeForDuration(durationMin int) int {
	if durationMin <= 5 {
		return 3 // turbo
	}
	return 1 // binary
}

// QuerySettlementDirect asks upstream for the recorded result of a trade.
// The returned value is the signed profit; domain.ErrInconclusive means the
// option has no recorded result yet.
func (c *Conn) QuerySettlementDirect(ctx context.Context, tradeID int64) (float64, error) {
	raw, err := c.call(ctx, opGetOption, "1.0", map[string]int64{"option_id": tradeID})
	if err != nil {
		return 0, err
	}

	var opt optionMsg
	if err := json.Unmarshal(raw, &opt); err != nil {
		return 0, fmt.Errorf("iqoption: decode get-option: %w", err)
	}
	if opt.Status != domain.OrderStatusClosed || opt.Result == nil {
		return 0, domain.ErrInconclusive
	}
	return *opt.Result, nil
}

// QueryAsyncOrder looks a trade up through the generic async-order channel.
func (c *Conn) QueryAsyncOrder(ctx context.Context, tradeID int64) (domain.AsyncOrder, error) {
	raw, err := c.call(ctx, opGetOrder, "1.0", map[string]int64{"order_id": tradeID})
	if err != nil {
		return domain.AsyncOrder{}, err
	}

	var order orderMsg
	if err := json.Unmarshal(raw, &order); err != nil {
		return domain.AsyncOrder{}, fmt.Errorf("iqoption: decode get-order: %w", err)
	}
	if order.Status == "" {
		return domain.AsyncOrder{}, domain.ErrInconclusive
	}

	return domain.AsyncOrder{
		Status:         order.Status,
		CreditedAmount: order.Credited,
		EnrolledAmount: order.Enrolled,
	}, nil
}

// RefreshLedger forces upstream to rebuild its recent-operations history.
func (c *Conn) RefreshLedger(ctx context.Context) error {
	_, err := c.call(ctx, opRefreshHistory, "1.0", map[string]any{})
	return err
}

// LookupLedger searches the refreshed history ledger for the trade.
func (c *Conn) LookupLedger(ctx context.Context, tradeID int64) (domain.LedgerEntry, error) {
	raw, err := c.call(ctx, opGetHistory, "2.0", map[string]int{"limit": ledgerHistoryLimit})
	if err != nil {
		return domain.LedgerEntry{}, err
	}

	var hist struct {
		Positions []historyPositionMsg `json:"positions"`
	}
	if err := json.Unmarshal(raw, &hist); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("iqoption: decode history: %w", err)
	}

	for _, p := range hist.Positions {
		if p.ExternalID == tradeID {
			return domain.LedgerEntry{
				Label:  p.Win,
				Profit: p.ProfitAmount,
			}, nil
		}
	}
	return domain.LedgerEntry{}, domain.ErrInconclusive
}

// ListRecentClosed bulk-lists the n most recently closed operations.
func (c *Conn) ListRecentClosed(ctx context.Context, n int) ([]domain.ClosedRecord, error) {
	raw, err := c.call(ctx, opGetClosedBatch, "1.0", map[string]any{
		"limit":  n,
		"status": domain.OrderStatusClosed,
	})
	if err != nil {
		return nil, err
	}

	var batch struct {
		Options []domain.ClosedRecord `json:"options"`
	}
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, fmt.Errorf("iqoption: decode closed batch: %w", err)
	}
	return batch.Options, nil
}

// ListOpenAssets returns the current trading schedule, keyed by option type
// then symbol.
func (c *Conn) ListOpenAssets(ctx context.Context) (map[string]map[string]domain.AssetSchedule, error) {
	raw, err := c.call(ctx, opGetInitData, "3.0", map[string]any{})
	if err != nil {
		return nil, err
	}

	var init struct {
		Binary struct {
			Actives map[string]initAssetMsg `json:"actives"`
		} `json:"binary"`
		Turbo struct {
			Actives map[string]initAssetMsg `json:"actives"`
		} `json:"turbo"`
	}
	if err := json.Unmarshal(raw, &init); err != nil {
		return nil, fmt.Errorf("iqoption: decode initialization data: %w", err)
	}

	schedule := map[string]map[string]domain.AssetSchedule{
		"binary": scheduleFromActives(init.Binary.Actives),
		"turbo":  scheduleFromActives(init.Turbo.Actives),
	}
	return schedule, nil
}

// scheduleFromActives flattens upstream initialization assets into the
// schedule shape, keyed by symbol.
func scheduleFromActives(actives map[string]initAssetMsg) map[string]domain.AssetSchedule {
	out := make(map[string]domain.AssetSchedule, len(actives))
	for _, a := range actives {
		if a.Name == "" {
			continue
		}
		out[a.Name] = domain.AssetSchedule{
			Open:   a.Enabled,
			Payout: 100 - a.Option.Profit.Commission,
		}
	}
	return out
}

// GetProfile fetches the account profile.
func (c *Conn) GetProfile(ctx context.Context) (domain.Profile, error) {
	raw, err := c.call(ctx, opGetProfile, "1.0", map[string]any{})
	if err != nil {
		return domain.Profile{}, err
	}

	var p profileMsg
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Profile{}, fmt.Errorf("iqoption: decode profile: %w", err)
	}
	return domain.Profile{
		Name:     p.Name,
		UserID:   p.UserID,
		Currency: p.Currency,
	}, nil
}

// GetCandles fetches count candles of the given timeframe ending now.
func (c *Conn) GetCandles(ctx context.Context, asset string, timeframeSec, count int) ([]domain.Candle, error) {
	raw, err := c.call(ctx, opGetCandles, "2.0", map[string]any{
		"active": asset,
		"size":   timeframeSec,
		"count":  count,
		"to":     time.Now().Unix(),
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Candles []domain.Candle `json:"candles"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("iqoption: decode candles: %w", err)
	}
	return resp.Candles, nil
}

// Close shuts down the websocket connection. It is safe to call more than
// once.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	return c.ws.Close()
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// refreshBalances reloads the balance table from upstream.
func (c *Conn) refreshBalances(ctx context.Context) error {
	raw, err := c.call(ctx, opGetBalances, "1.0", map[string]any{})
	if err != nil {
		return err
	}

	var balances []balanceMsg
	if err := json.Unmarshal(raw, &balances); err != nil {
		return fmt.Errorf("iqoption: decode balances: %w", err)
	}

	c.balanceMu.Lock()
	defer c.balanceMu.Unlock()

	for _, b := range balances {
		switch b.Type {
		case balanceTypeReal:
			c.balances[domain.ModeReal] = b
		case balanceTypePractice:
			c.balances[domain.ModePractice] = b
		}
	}
	// Keep the active selection pointing at the refreshed entry.
	if c.activeMode != "" {
		if b, ok := c.balances[c.activeMode]; ok {
			c.activeBalance = b
		}
	}
	return nil
}

// call sends one sendMessage operation and waits for the correlated
// response, bounded by the request timeout and the caller's context.
func (c *Conn) call(ctx context.Context, name, version string, body any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, &domain.ConnectError{Reason: "connection closed"}
	}

	id := strconv.FormatInt(c.seq.Add(1), 10)
	ch := make(chan wsResponse, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	req := wsRequest{
		Name:      "sendMessage",
		RequestID: id,
		Msg: sendMessageBody{
			Name:    name,
			Version: version,
			Body:    body,
		},
	}
	if err := c.write(req); err != nil {
		return nil, &domain.ConnectError{Reason: name + ": " + err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	select {
	case resp := <-ch:
		if resp.Status != 0 && resp.Status != statusOK {
			var em errorMsg
			_ = json.Unmarshal(resp.Msg, &em)
			if em.Message == "" {
				em.Message = fmt.Sprintf("status %d", resp.Status)
			}
			return nil, fmt.Errorf("iqoption: %s: %s", name, em.Message)
		}
		return resp.Msg, nil
	case <-c.done:
		return nil, &domain.ConnectError{Reason: "connection closed"}
	case <-ctx.Done():
		return nil, fmt.Errorf("iqoption: %s: %w", name, ctx.Err())
	}
}

// write marshals and sends one envelope under the write lock.
func (c *Conn) write(req wsRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", req.Name, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads messages until the connection dies, routing correlated
// responses to their waiters and handling the few push messages the gateway
// cares about.
func (c *Conn) readLoop() {
	defer func() {
		_ = c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, message, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("read loop terminated", slog.String("error", err.Error()))
			}
			return
		}

		c.handleMessage(message)
	}
}

// handleMessage routes one inbound envelope.
func (c *Conn) handleMessage(raw []byte) {
	var resp wsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return // silently drop unparseable messages
	}

	if resp.RequestID != "" {
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.RequestID]
		c.pendingMu.Unlock()
		if ok {
			select {
			case ch <- resp:
			default:
			}
		}
		return
	}

	switch resp.Name {
	case "authenticated":
		var ok bool
		if err := json.Unmarshal(resp.Msg, &ok); err != nil {
			ok = false
		}
		select {
		case c.authCh <- ok:
		default:
		}
	case "heartbeat", "timeSync":
		// Keep-alive noise; the pong handler already tracks liveness.
	}
}

// pingLoop sends periodic ping messages to keep the websocket alive.
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Compile-time capability checks.
var (
	_ domain.BrokerConn              = (*Conn)(nil)
	_ domain.DirectSettlementQuerier = (*Conn)(nil)
	_ domain.AsyncOrderQuerier       = (*Conn)(nil)
	_ domain.LedgerQuerier           = (*Conn)(nil)
	_ domain.ClosedBatchLister       = (*Conn)(nil)
	_ domain.ProfileProvider         = (*Conn)(nil)
	_ domain.CandleProvider          = (*Conn)(nil)
)
