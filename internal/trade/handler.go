package trade

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/httpx"
	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/pricefeed"
	"github.com/atmx/options-engine/internal/symbol"
)

// Handler exposes the Manager over HTTP.
type Handler struct {
	manager *Manager
	feed    pricefeed.Feed // fills in entryPrice when the client omits it
}

// NewHandler creates the trade HTTP handler. feed may be nil, in which case
// entryPrice is mandatory.
func NewHandler(m *Manager, feed pricefeed.Feed) *Handler {
	return &Handler{manager: m, feed: feed}
}

// Register mounts the public trade routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Post("/trades", h.PlaceTrade)
	r.Post("/trades/complete", h.CompleteTrade)
	r.Get("/trades/{tradeId}", h.GetTrade)
	r.Get("/users/{userId}/trades", h.ListUserTrades)
}

// --- Request/Response types ---

// PlaceTradeRequest is the JSON body for POST /trades.
type PlaceTradeRequest struct {
	UserID     string           `json:"userId" validate:"required"`
	Symbol     string           `json:"symbol" validate:"required"`
	Direction  string           `json:"direction" validate:"required,oneof=up down"`
	Amount     *decimal.Decimal `json:"amount" validate:"required"` // stake in USDT
	Duration   int              `json:"duration" validate:"required"`
	EntryPrice *decimal.Decimal `json:"entryPrice,omitempty"` // optional; taken from the price feed when absent
}

// PlaceTradeResponse is the JSON body returned from POST /trades.
type PlaceTradeResponse struct {
	Trade    model.Trade     `json:"trade"`
	Balance  decimal.Decimal `json:"balance"`
	Degraded bool            `json:"degraded"`
}

// CompleteTradeRequest is the JSON body for POST /trades/complete. Won and
// Payout are accepted for compatibility and ignored.
type CompleteTradeRequest struct {
	TradeID string           `json:"tradeId" validate:"required"`
	UserID  string           `json:"userId" validate:"required"`
	Won     *bool            `json:"won,omitempty"`
	Amount  *decimal.Decimal `json:"amount" validate:"required"`
	Payout  *decimal.Decimal `json:"payout,omitempty"`
}

// CompleteTradeResponse is the JSON body returned from POST /trades/complete.
type CompleteTradeResponse struct {
	NewBalance decimal.Decimal `json:"newBalance"`
	Trade      model.Trade     `json:"trade"`
	Profit     decimal.Decimal `json:"profit"`
	Degraded   bool            `json:"degraded"`
}

// --- HTTP Handlers ---

// PlaceTrade handles POST /trades
func (h *Handler) PlaceTrade(w http.ResponseWriter, r *http.Request) {
	var req PlaceTradeRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	ctx := r.Context()

	var entry decimal.Decimal
	switch {
	case req.EntryPrice != nil:
		entry = *req.EntryPrice
	case h.feed != nil:
		sym, err := symbol.Normalize(req.Symbol)
		if err != nil {
			httpx.WriteError(w, r, model.NewValidationError("symbol", err.Error()))
			return
		}
		entry, err = h.feed.Price(ctx, sym)
		if err != nil {
			slog.Warn("no entry price available", "symbol", sym, "err", err)
			httpx.WriteError(w, r, model.NewValidationError("entryPrice", "is required: no market price available"))
			return
		}
	default:
		httpx.WriteError(w, r, model.NewValidationError("entryPrice", "is required"))
		return
	}

	p, err := h.manager.PlaceTrade(ctx, PlaceRequest{
		UserID:          req.UserID,
		Symbol:          req.Symbol,
		Direction:       model.Direction(req.Direction),
		Stake:           *req.Amount,
		DurationSeconds: req.Duration,
		EntryPrice:      entry,
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, PlaceTradeResponse{
		Trade:    p.Trade,
		Balance:  p.Balance,
		Degraded: p.Degraded,
	})
}

// CompleteTrade handles POST /trades/complete
// Settles an expired trade on the owner's request; the result is decided
// server-side.
func (h *Handler) CompleteTrade(w http.ResponseWriter, r *http.Request) {
	var req CompleteTradeRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	if req.Won != nil || req.Payout != nil {
		slog.Debug("ignoring client-supplied outcome", "trade_id", req.TradeID)
	}

	s, err := h.manager.CompleteFromClient(r.Context(), ClientCompletion{
		TradeID: req.TradeID,
		UserID:  req.UserID,
		Stake:   *req.Amount,
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, CompleteTradeResponse{
		NewBalance: s.Balance,
		Trade:      s.Trade,
		Profit:     s.Profit,
		Degraded:   s.Degraded,
	})
}

// GetTrade handles GET /trades/{tradeId}
func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := h.manager.GetTrade(r.Context(), chi.URLParam(r, "tradeId"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]model.Trade{"trade": t})
}

// ListUserTrades handles GET /users/{userId}/trades
func (h *Handler) ListUserTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.manager.ListUserTrades(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string][]model.Trade{"trades": trades})
}
