package domain

import "context"

// BrokerDialer performs the upstream authentication handshake and hands back
// a live connection. Implementations return *AuthError when the upstream
// rejects the credentials and *ConnectError on transport failures; no partial
// connection is ever returned alongside an error.
type BrokerDialer interface {
	Authenticate(ctx context.Context, accountKey string, creds Credentials) (BrokerConn, error)
}

// BrokerConn is the capability set of an authenticated upstream connection.
// The session manager is the sole owner of these handles; other components
// only borrow one for the scope of a single operation.
//
// Settlement-related capabilities are optional and feature-detected through
// the narrow interfaces below, so a minimal client still satisfies
// BrokerConn. A connection offering none of them leaves every trade open
// forever; that is a documented limitation of such deployments, not an error.
type BrokerConn interface {
	// IsAlive probes connection liveness. It must be cheap and bounded.
	IsAlive(ctx context.Context) bool

	GetBalance(ctx context.Context, mode BalanceMode) (float64, error)
	SetBalanceMode(ctx context.Context, mode BalanceMode) error

	// PlaceTrade opens a binary option and returns the upstream trade id.
	// Rejections surface as *PlacementError with the upstream reason.
	PlaceTrade(ctx context.Context, asset string, dir Direction, amount float64, durationMin int) (int64, error)

	// ListOpenAssets maps option type ("binary", "turbo") to symbol to its
	// current schedule.
	ListOpenAssets(ctx context.Context) (map[string]map[string]AssetSchedule, error)

	Close() error
}

// AssetSchedule is the upstream trading state of one asset: whether it is
// currently open and the payout percentage a winning trade earns.
type AssetSchedule struct {
	Open   bool `json:"open"`
	Payout int  `json:"payout"`
}

// DirectSettlementQuerier is settlement strategy 1: ask the upstream system
// directly whether a trade id has a recorded result. The returned value is
// the signed profit. ErrInconclusive means no result is recorded yet.
type DirectSettlementQuerier interface {
	QuerySettlementDirect(ctx context.Context, tradeID int64) (float64, error)
}

// AsyncOrder is the upstream generic async-order record for a trade.
type AsyncOrder struct {
	Status         string  // conclusive only when OrderStatusClosed
	CreditedAmount float64 // amount credited back on close
	EnrolledAmount float64 // amount enrolled at placement
}

// OrderStatusClosed is the async-order status indicating the option closed.
const OrderStatusClosed = "closed"

// AsyncOrderQuerier is settlement strategy 2: the generic async-order
// channel. ErrInconclusive means the order is unknown to that channel.
type AsyncOrderQuerier interface {
	QueryAsyncOrder(ctx context.Context, tradeID int64) (AsyncOrder, error)
}

// LedgerEntry is one row of the upstream recent-operations ledger. Result is
// encoded as a tri-state label rather than a number.
type LedgerEntry struct {
	Label  string  // "win", "lose" (upstream sometimes spells it "loose"), "equal"
	Profit float64 // may be reported unsigned for losses
}

// LedgerQuerier is settlement strategy 3: force a ledger refresh, then look
// the trade up after upstream eventual consistency has settled.
type LedgerQuerier interface {
	RefreshLedger(ctx context.Context) error
	LookupLedger(ctx context.Context, tradeID int64) (LedgerEntry, error)
}

// ClosedRecord is one raw record from the bulk recently-closed listing.
// Field names vary across upstream versions, so every known alias is
// modeled; the settlement adapter picks whichever is present.
type ClosedRecord struct {
	ID             int64    `json:"id"`
	WinAmount      *float64 `json:"win_amount,omitempty"`
	Win            *float64 `json:"win,omitempty"`
	Profit         *float64 `json:"profit,omitempty"`
	Amount         *float64 `json:"amount,omitempty"`
	AmountEnrolled *float64 `json:"amount_enrolled,omitempty"`
}

// ClosedBatchLister is settlement strategy 4: bulk-list the most recently
// closed operations for a linear scan.
type ClosedBatchLister interface {
	ListRecentClosed(ctx context.Context, n int) ([]ClosedRecord, error)
}

// ProfileProvider exposes the account profile for the connect summary.
type ProfileProvider interface {
	GetProfile(ctx context.Context) (Profile, error)
}

// CandleProvider exposes market data for the candle and spot-price
// endpoints.
type CandleProvider interface {
	GetCandles(ctx context.Context, asset string, timeframeSec, count int) ([]Candle, error)
}
