package domain

import "time"

// Direction is the side of a binary option.
type Direction string

const (
	DirectionCall Direction = "call"
	DirectionPut  Direction = "put"
)

// BalanceMode selects which upstream balance a trade is placed against.
type BalanceMode string

const (
	ModePractice BalanceMode = "PRACTICE"
	ModeReal     BalanceMode = "REAL"
)

// Credentials identify an upstream brokerage account. The email doubles as
// the account key for session caching and locking.
type Credentials struct {
	Email    string
	Password string
}

// AccountKey is the session-cache and lock key for these credentials.
func (c Credentials) AccountKey() string {
	return c.Email
}

// TradeRequest carries the parameters of a placement request.
type TradeRequest struct {
	Asset     string
	Direction Direction
	Amount    float64
	Duration  int // expiry in minutes
	Mode      BalanceMode
}

// PendingTrade is a placed trade awaiting settlement. The identifier is
// assigned by the upstream system at placement time; the rest is placement
// metadata retained for amount reconciliation when upstream strategies report
// ambiguous profit fields.
type PendingTrade struct {
	ID         int64
	AccountKey string
	Asset      string
	Direction  Direction
	Amount     float64
	Duration   int
	Mode       BalanceMode
	PlacedAt   time.Time
}

// OpenAsset describes a tradable asset currently open upstream.
type OpenAsset struct {
	Symbol     string `json:"name"`
	OptionType string `json:"type"` // "binary" or "turbo"
	Payout     int    `json:"payout"`
}

// Candle is one OHLC bar from upstream market data.
type Candle struct {
	From   int64   `json:"from"`
	To     int64   `json:"to"`
	Open   float64 `json:"open"`
	Close  float64 `json:"close"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Volume float64 `json:"volume"`
}

// Profile is the upstream account profile returned on connect.
type Profile struct {
	Name     string
	UserID   int64
	Currency string
}

// AccountSummary is the response of the connect operation: both balances plus
// profile data, matching what dashboards expect after a first login.
type AccountSummary struct {
	PracticeBalance float64
	RealBalance     float64
	Currency        string
	Name            string
	UserID          int64
}
