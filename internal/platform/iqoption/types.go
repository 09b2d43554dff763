package iqoption

import "encoding/json"

// wsRequest is the outer envelope for every message sent to the upstream
// websocket.
type wsRequest struct {
	Name      string `json:"name"`
	Msg       any    `json:"msg,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// wsResponse is the outer envelope for every message received from the
// upstream websocket. Push messages carry no request id.
type wsResponse struct {
	Name      string          `json:"name"`
	Msg       json.RawMessage `json:"msg"`
	RequestID string          `json:"request_id,omitempty"`
	Status    int             `json:"status,omitempty"`
}

// sendMessageBody is the inner envelope for API operations, carried inside a
// "sendMessage" request.
type sendMessageBody struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Body    any    `json:"body"`
}

// errorMsg is the upstream error payload; Message is surfaced verbatim.
type errorMsg struct {
	Message string `json:"message"`
}

// loginRequest is the HTTP login body.
type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// loginResponse is the HTTP login response. On rejection Errors carries the
// upstream diagnostics.
type loginResponse struct {
	Data struct {
		SSID string `json:"ssid"`
	} `json:"data"`
	Errors []struct {
		Title string `json:"title"`
	} `json:"errors"`
}

// balanceMsg is one entry of the get-balances response. Type 1 is the real
// balance, type 4 the practice balance.
type balanceMsg struct {
	ID       int64   `json:"id"`
	Type     int     `json:"type"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

const (
	balanceTypeReal     = 1
	balanceTypePractice = 4
)

// openOptionBody is the body of a binary-options.open-option request.
type openOptionBody struct {
	UserBalanceID int64   `json:"user_balance_id"`
	Active        string  `json:"active"`
	Direction     string  `json:"direction"`
	Price         float64 `json:"price"`
	Expired       int64   `json:"expired"`
	OptionTypeID  int     `json:"option_type_id"`
}

// openOptionMsg is the response to an open-option request.
type openOptionMsg struct {
	ID      int64  `json:"id"`
	Message string `json:"message"`
}

// optionMsg is the response to a direct settlement query. Result is the
// signed profit, absent while the option is still running.
type optionMsg struct {
	Status string   `json:"status"`
	Result *float64 `json:"result"`
}

// orderMsg is the response of the generic async-order channel.
type orderMsg struct {
	Status   string  `json:"status"`
	Credited float64 `json:"amount_credited"`
	Enrolled float64 `json:"amount_enrolled"`
}

// historyPositionMsg is one row of the portfolio history ledger.
type historyPositionMsg struct {
	ExternalID   int64   `json:"external_id"`
	Win          string  `json:"win"`
	ProfitAmount float64 `json:"profit_amount"`
}

// initAssetMsg is one asset of the initialization data. The payout is
// derived as 100 minus the broker commission.
type initAssetMsg struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Option  struct {
		Profit struct {
			Commission int `json:"commission"`
		} `json:"profit"`
	} `json:"option"`
}

// profileMsg is the get-profile response.
type profileMsg struct {
	Name     string `json:"name"`
	UserID   int64  `json:"user_id"`
	Currency string `json:"currency"`
}
