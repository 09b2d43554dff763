package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/iqbridge/iqbridge/internal/domain"
)

// MarketService defines the methods that the market handler requires from
// the service layer.
type MarketService interface {
	ListOpenAssets(ctx context.Context, creds domain.Credentials) ([]domain.OpenAsset, error)
	GetCandles(ctx context.Context, creds domain.Credentials, asset string, timeframeSec, count int) ([]domain.Candle, error)
	GetPrice(ctx context.Context, creds domain.Credentials, asset string) (float64, error)
}

// MarketHandler serves asset schedule and market data endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logger,
	}
}

// assetsRequest is the body of an open-assets request. The password is
// optional for accounts with an established session.
type assetsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password,omitempty"`
}

// listAssetsResponse wraps the open-assets response.
type listAssetsResponse struct {
	Assets []domain.OpenAsset `json:"assets"`
}

// ListAssets returns every currently tradable asset with its payout.
// POST /api/assets
func (h *MarketHandler) ListAssets(w http.ResponseWriter, r *http.Request) {
	var req assetsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	creds := domain.Credentials{Email: req.Email, Password: req.Password}
	assets, err := h.markets.ListOpenAssets(r.Context(), creds)
	if err != nil {
		writeServiceError(w, r, h.logger, "list assets", err)
		return
	}
	if assets == nil {
		assets = []domain.OpenAsset{}
	}

	writeJSON(w, http.StatusOK, listAssetsResponse{Assets: assets})
}

// candlesRequest is the body of a candles request.
type candlesRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password,omitempty"`
	Asset     string `json:"asset"`
	Timeframe int    `json:"timeframe"` // candle size in seconds
	Count     int    `json:"count"`
}

// maxCandles caps a single candle request.
const maxCandles = 1000

// Candles returns OHLC bars for an asset.
// POST /api/candles
func (h *MarketHandler) Candles(w http.ResponseWriter, r *http.Request) {
	var req candlesRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Email == "" || req.Asset == "" {
		writeError(w, http.StatusBadRequest, "email and asset are required")
		return
	}
	if req.Timeframe <= 0 {
		req.Timeframe = 60
	}
	if req.Count <= 0 {
		req.Count = 100
	}
	if req.Count > maxCandles {
		req.Count = maxCandles
	}

	creds := domain.Credentials{Email: req.Email, Password: req.Password}
	candles, err := h.markets.GetCandles(r.Context(), creds, req.Asset, req.Timeframe, req.Count)
	if err != nil {
		writeServiceError(w, r, h.logger, "get candles", err)
		return
	}
	if candles == nil {
		candles = []domain.Candle{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"asset":   req.Asset,
		"candles": candles,
	})
}

// priceRequest is the body of a spot-price request.
type priceRequest struct {
	Email    string `json:"email"`
	Password string `json:"password,omitempty"`
	Asset    string `json:"asset"`
}

// Price returns the latest spot price of an asset.
// POST /api/price
func (h *MarketHandler) Price(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Email == "" || req.Asset == "" {
		writeError(w, http.StatusBadRequest, "email and asset are required")
		return
	}

	creds := domain.Credentials{Email: req.Email, Password: req.Password}
	price, err := h.markets.GetPrice(r.Context(), creds, req.Asset)
	if err != nil {
		writeServiceError(w, r, h.logger, "get price", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"asset": req.Asset,
		"price": price,
	})
}
