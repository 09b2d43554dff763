package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/iqbridge/iqbridge/internal/domain"
)

// AccountService defines the methods that the account handler requires from
// the service layer.
type AccountService interface {
	Connect(ctx context.Context, creds domain.Credentials) (domain.AccountSummary, error)
	GetBalance(ctx context.Context, creds domain.Credentials, mode domain.BalanceMode) (float64, error)
}

// AccountHandler serves account session and balance endpoints.
type AccountHandler struct {
	accounts AccountService
	logger   *slog.Logger
}

// NewAccountHandler creates an AccountHandler with the given service and
// logger.
func NewAccountHandler(accounts AccountService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		accounts: accounts,
		logger:   logger,
	}
}

// connectRequest is the body of a connect request.
type connectRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// connectResponse wraps the connect response.
type connectResponse struct {
	Status          string  `json:"status"`
	Email           string  `json:"email"`
	Name            string  `json:"name,omitempty"`
	UserID          int64   `json:"user_id,omitempty"`
	Currency        string  `json:"currency,omitempty"`
	PracticeBalance float64 `json:"practice_balance"`
	RealBalance     float64 `json:"real_balance"`
}

// Connect authenticates an account and caches its session.
// POST /api/connect
func (h *AccountHandler) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	summary, err := h.accounts.Connect(r.Context(), domain.Credentials{
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "connect", err)
		return
	}

	writeJSON(w, http.StatusOK, connectResponse{
		Status:          "connected",
		Email:           req.Email,
		Name:            summary.Name,
		UserID:          summary.UserID,
		Currency:        summary.Currency,
		PracticeBalance: summary.PracticeBalance,
		RealBalance:     summary.RealBalance,
	})
}

// balanceRequest is the body of a balance request. The password is optional
// for accounts with an established session.
type balanceRequest struct {
	Email    string `json:"email"`
	Password string `json:"password,omitempty"`
	Mode     string `json:"mode,omitempty"`
}

// GetBalance returns the balance of one mode for a connected account.
// POST /api/balance
func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	var req balanceRequest
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
	balance, err := h.accounts.GetBalance(r.Context(), creds, mode)
	if err != nil {
		writeServiceError(w, r, h.logger, "get balance", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"email":   req.Email,
		"mode":    string(mode),
		"balance": balance,
	})
}
