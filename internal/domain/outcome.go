package domain

// TradeStatus says whether a trade has settled.
type TradeStatus string

const (
	StatusOpen   TradeStatus = "open"
	StatusClosed TradeStatus = "closed"
)

// TradeResult is the settled verdict of a closed trade.
type TradeResult string

const (
	ResultWin  TradeResult = "win"
	ResultLoss TradeResult = "loss"
	ResultTie  TradeResult = "tie"
)

// SettlementOutcome is the normalized verdict for one trade.
//
// Invariant: result and profit are mutually consistent. result=win implies
// profit > 0, result=tie implies profit == 0, and result=loss implies
// profit == -stake exactly, regardless of which strategy produced the raw
// numbers. Strategy names the resolver step that produced the verdict and is
// diagnostic only.
type SettlementOutcome struct {
	TradeID  int64       `json:"trade_id"`
	Status   TradeStatus `json:"status"`
	Result   TradeResult `json:"result,omitempty"`
	Profit   float64     `json:"profit"`
	Strategy string      `json:"strategy,omitempty"`
}

// StillOpen reports whether the trade has not settled yet.
func (o SettlementOutcome) StillOpen() bool {
	return o.Status == StatusOpen
}
