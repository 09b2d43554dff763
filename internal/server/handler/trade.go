package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/iqbridge/iqbridge/internal/domain"
)

// TradeService defines the methods that the trade handler requires from the
// service layer.
type TradeService interface {
	PlaceTrade(ctx context.Context, creds domain.Credentials, req domain.TradeRequest) (domain.PendingTrade, error)
	GetTradeOutcome(ctx context.Context, creds domain.Credentials, tradeID int64) (domain.SettlementOutcome, error)
}

// TradeHandler serves placement and settlement endpoints.
type TradeHandler struct {
	trades TradeService
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler with the given service and logger.
func NewTradeHandler(trades TradeService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		trades: trades,
		logger: logger,
	}
}

// placeTradeRequest is the body of a placement request. The password is
// optional for accounts with an established session.
type placeTradeRequest struct {
	Email     string  `json:"email"`
	Password  string  `json:"password,omitempty"`
	Asset     string  `json:"asset"`
	Direction string  `json:"direction"`
	Amount    float64 `json:"amount"`
	Duration  int     `json:"duration"`
	Mode      string  `json:"mode,omitempty"`
}

// placeTradeResponse wraps the placement response.
type placeTradeResponse struct {
	Status  string `json:"status"`
	TradeID int64  `json:"trade_id"`
}

// PlaceTrade opens a binary option for a connected account.
// POST /api/trade
func (h *TradeHandler) PlaceTrade(w http.ResponseWriter, r *http.Request) {
	var req placeTradeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	mode, ok := parseMode(req.Mode)
	if !ok {
		writeError(w, http.StatusBadRequest, "mode must be PRACTICE or REAL")
		return
	}

	creds := domain.Credentials{Email: req.Email, Password: req.Password}
	pending, err := h.trades.PlaceTrade(r.Context(), creds, domain.TradeRequest{
		Asset:     req.Asset,
		Direction: domain.Direction(req.Direction),
		Amount:    req.Amount,
		Duration:  req.Duration,
		Mode:      mode,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "place trade", err)
		return
	}

	writeJSON(w, http.StatusCreated, placeTradeResponse{
		Status:  "placed",
		TradeID: pending.ID,
	})
}

// tradeResultRequest is the body of a settlement request.
type tradeResultRequest struct {
	Email    string `json:"email"`
	Password string `json:"password,omitempty"`
}

// TradeResult resolves the settlement outcome of a placed trade. An
// unsettled trade reports status "open" with HTTP 200; only lookup failures
// are errors.
// POST /api/trade/{id}/result
func (h *TradeHandler) TradeResult(w http.ResponseWriter, r *http.Request) {
	tradeID, err := strconv.ParseInt(pathParam(r, "id"), 10, 64)
	if err != nil || tradeID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid trade id")
		return
	}

	var req tradeResultRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	creds := domain.Credentials{Email: req.Email, Password: req.Password}
	outcome, err := h.trades.GetTradeOutcome(r.Context(), creds, tradeID)
	if err != nil {
		writeServiceError(w, r, h.logger, "resolve trade", err)
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}
