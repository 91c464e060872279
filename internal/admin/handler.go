package admin

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/httpx"
	"github.com/atmx/options-engine/internal/model"
)

// DefaultRequestTimeout bounds an admin operation when none is configured.
const DefaultRequestTimeout = 10 * time.Second

// Handler exposes the admin Service over HTTP.
type Handler struct {
	svc     *Service
	timeout time.Duration
}

// NewHandler creates the admin HTTP handler.
func NewHandler(svc *Service, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Handler{svc: svc, timeout: timeout}
}

// Register mounts the admin routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Post("/trades/{tradeId}/control", h.ControlTrade)
		r.Post("/trading-controls", h.SetTradingControl)
		r.Get("/trading-controls/{userId}", h.GetTradingControl)
		r.Get("/balances/{userId}", h.GetBalance)
		r.Put("/balances/{userId}", h.AdjustBalance)
		r.Get("/ledger/{userId}", h.GetLedger)
		r.Get("/reconciliation", h.Reconciliation)
	})
	r.Post("/superadmin/deposit", h.Deposit)
}

// --- Request/Response types ---

// ControlTradeRequest is the JSON body for POST /admin/trades/{tradeId}/control.
type ControlTradeRequest struct {
	Action string `json:"action" validate:"required,oneof=win lose cancel"`
}

// ControlTradeResponse reports a forced settlement.
type ControlTradeResponse struct {
	Trade    model.Trade     `json:"trade"`
	Profit   decimal.Decimal `json:"profit"`
	Balance  decimal.Decimal `json:"balance"`
	Degraded bool            `json:"degraded"`
}

// TradingControlRequest is the JSON body for POST /admin/trading-controls.
type TradingControlRequest struct {
	UserID      string `json:"userId" validate:"required"`
	ControlType string `json:"controlType" validate:"required,oneof=win normal lose"`
}

// TradingControlResponse carries a user's outcome mode.
type TradingControlResponse struct {
	UserID      string            `json:"userId"`
	ControlType model.OutcomeMode `json:"controlType"`
	Degraded    bool              `json:"degraded,omitempty"`
}

// BalanceResponse is a user's balance.
type BalanceResponse struct {
	UserID   string          `json:"userId"`
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
	Degraded bool            `json:"degraded,omitempty"`
}

// AdjustBalanceRequest is the JSON body for PUT /admin/balances/{userId}.
type AdjustBalanceRequest struct {
	Balance *decimal.Decimal `json:"balance" validate:"required"`
	Action  string           `json:"action" validate:"required,oneof=add subtract set"`
	Note    string           `json:"note,omitempty" validate:"max=256"`
}

// BalanceChangeResponse reports an applied adjustment.
type BalanceChangeResponse struct {
	UserID     string          `json:"userId"`
	OldBalance decimal.Decimal `json:"oldBalance"`
	NewBalance decimal.Decimal `json:"newBalance"`
	Degraded   bool            `json:"degraded"`
}

// DepositRequest is the JSON body for POST /superadmin/deposit.
type DepositRequest struct {
	UserID string           `json:"userId" validate:"required"`
	Amount *decimal.Decimal `json:"amount" validate:"required"`
	Note   string           `json:"note,omitempty" validate:"max=256"`
}

// DepositResponse reports a deposit.
type DepositResponse struct {
	User       BalanceResponse `json:"user"`
	OldBalance decimal.Decimal `json:"oldBalance"`
	NewBalance decimal.Decimal `json:"newBalance"`
}

// LedgerResponse lists a user's ledger.
type LedgerResponse struct {
	UserID     string              `json:"userId"`
	Balance    decimal.Decimal     `json:"balance"`
	LedgerSum  decimal.Decimal     `json:"ledgerSum"`
	Consistent bool                `json:"consistent"`
	Entries    []model.LedgerEntry `json:"entries"`
	Degraded   bool                `json:"degraded"`
}

// ReconciliationResponse is the degraded-write backlog.
type ReconciliationResponse struct {
	Pending map[string]int `json:"pending"`
	Total   int            `json:"total"`
}

// --- HTTP Handlers ---

// run executes op within the admin timeout. An operation that outlives it
// is answered with 503 while it finishes in the background.
func (h *Handler) run(w http.ResponseWriter, r *http.Request, status int, op func(ctx context.Context) (any, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := op(ctx)
		done <- result{v, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			httpx.WriteError(w, r, res.err)
			return
		}
		httpx.WriteJSON(w, status, res.v)
	case <-ctx.Done():
		slog.Warn("admin request timed out", "method", r.Method, "path", r.URL.Path, "timeout", h.timeout)
		httpx.WriteError(w, r, fmt.Errorf("%w: admin request timed out", model.ErrPersistenceUnavailable))
	}
}

// ControlTrade handles POST /admin/trades/{tradeId}/control
func (h *Handler) ControlTrade(w http.ResponseWriter, r *http.Request) {
	var req ControlTradeRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	tradeID := chi.URLParam(r, "tradeId")

	h.run(w, r, http.StatusOK, func(ctx context.Context) (any, error) {
		s, err := h.svc.ForceSettle(ctx, tradeID, req.Action)
		if err != nil {
			return nil, err
		}
		return ControlTradeResponse{Trade: s.Trade, Profit: s.Profit, Balance: s.Balance, Degraded: s.Degraded}, nil
	})
}

// SetTradingControl handles POST /admin/trading-controls
func (h *Handler) SetTradingControl(w http.ResponseWriter, r *http.Request) {
	var req TradingControlRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	h.run(w, r, http.StatusOK, func(ctx context.Context) (any, error) {
		mode, degraded, err := h.svc.SetOutcomeMode(ctx, req.UserID, req.ControlType)
		if err != nil {
			return nil, err
		}
		return TradingControlResponse{UserID: req.UserID, ControlType: mode, Degraded: degraded}, nil
	})
}

// GetTradingControl handles GET /admin/trading-controls/{userId}
func (h *Handler) GetTradingControl(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	h.run(w, r, http.StatusOK, func(ctx context.Context) (any, error) {
		mode, err := h.svc.GetOutcomeMode(ctx, userID)
		if err != nil {
			return nil, err
		}
		return TradingControlResponse{UserID: userID, ControlType: mode}, nil
	})
}

// GetBalance handles GET /admin/balances/{userId}
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	h.run(w, r, http.StatusOK, func(ctx context.Context) (any, error) {
		acct, degraded, err := h.svc.GetBalance(ctx, userID)
		if err != nil {
			return nil, err
		}
		return balanceResponse(acct, degraded), nil
	})
}

// AdjustBalance handles PUT /admin/balances/{userId}
func (h *Handler) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	var req AdjustBalanceRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	userID := chi.URLParam(r, "userId")

	h.run(w, r, http.StatusOK, func(ctx context.Context) (any, error) {
		c, err := h.svc.AdjustBalance(ctx, userID, *req.Balance, req.Action, req.Note)
		if err != nil {
			return nil, err
		}
		return BalanceChangeResponse{
			UserID:     c.UserID,
			OldBalance: c.OldBalance,
			NewBalance: c.NewBalance,
			Degraded:   c.Degraded,
		}, nil
	})
}

// GetLedger handles GET /admin/ledger/{userId}
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	h.run(w, r, http.StatusOK, func(ctx context.Context) (any, error) {
		rep, err := h.svc.ListLedger(ctx, userID)
		if err != nil {
			return nil, err
		}
		return LedgerResponse{
			UserID:     userID,
			Balance:    rep.Account.Balance,
			LedgerSum:  rep.Sum,
			Consistent: rep.Consistent,
			Entries:    rep.Entries,
			Degraded:   rep.Degraded,
		}, nil
	})
}

// Reconciliation handles GET /admin/reconciliation
func (h *Handler) Reconciliation(w http.ResponseWriter, _ *http.Request) {
	pending := h.svc.PendingWrites()
	total := 0
	for _, n := range pending {
		total += n
	}
	httpx.WriteJSON(w, http.StatusOK, ReconciliationResponse{Pending: pending, Total: total})
}

// Deposit handles POST /superadmin/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	h.run(w, r, http.StatusOK, func(ctx context.Context) (any, error) {
		c, err := h.svc.Deposit(ctx, req.UserID, *req.Amount, req.Note)
		if err != nil {
			return nil, err
		}
		return DepositResponse{
			User: BalanceResponse{
				UserID:   c.UserID,
				Balance:  c.NewBalance,
				Currency: model.Currency,
				Degraded: c.Degraded,
			},
			OldBalance: c.OldBalance,
			NewBalance: c.NewBalance,
		}, nil
	})
}

func balanceResponse(acct model.Account, degraded bool) BalanceResponse {
	return BalanceResponse{
		UserID:   acct.UserID,
		Balance:  acct.Balance,
		Currency: acct.Currency,
		Degraded: degraded,
	}
}
