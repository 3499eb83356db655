package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradeassist/order-engine/internal/model"
	"github.com/tradeassist/order-engine/internal/risk"
)

// submitOrderRequest is the POST /orders body. Decimal fields accept JSON
// numbers or strings; strings are preferred to avoid float precision loss.
type submitOrderRequest struct {
	PortfolioID    string          `json:"portfolio_id"`
	PairID         string          `json:"pair_id"`
	Side           model.OrderSide `json:"side"`
	Type           model.OrderType `json:"type"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	StopPrice      decimal.Decimal `json:"stop_price"`
	Source         string          `json:"source"`
	IdempotencyKey string          `json:"idempotency_key"`
	ReduceOnly     bool            `json:"reduce_only"`
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	source := model.IntentSource(req.Source)
	if req.Source == "" {
		source = model.SourceManual
	}

	o, err := s.coord.SubmitIntent(r.Context(), risk.Intent{
		PortfolioID:    req.PortfolioID,
		PairID:         req.PairID,
		Side:           req.Side,
		Type:           req.Type,
		Quantity:       req.Quantity,
		Price:          req.Price,
		StopPrice:      req.StopPrice,
		Source:         source,
		IdempotencyKey: req.IdempotencyKey,
		ReduceOnly:     req.ReduceOnly,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.store.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.coord.CancelOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleListOpenOrders(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "id")
	if _, err := s.store.GetPortfolio(r.Context(), portfolioID); err != nil {
		writeError(w, err)
		return
	}
	orders, err := s.store.ListOpenOrders(r.Context(), portfolioID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "id")
	if _, err := s.store.GetPortfolio(r.Context(), portfolioID); err != nil {
		writeError(w, err)
		return
	}
	positions, err := s.store.ListOpenPositions(r.Context(), portfolioID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// portfolioSummary is the GET /portfolios/{id}/summary response.
type portfolioSummary struct {
	Portfolio     *model.Portfolio `json:"portfolio"`
	OpenOrders    int              `json:"open_orders"`
	OpenPositions int              `json:"open_positions"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
	Equity        decimal.Decimal  `json:"equity"`
}

func (s *Server) handlePortfolioSummary(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "id")

	p, err := s.store.GetPortfolio(r.Context(), portfolioID)
	if err != nil {
		writeError(w, err)
		return
	}
	orders, err := s.store.ListOpenOrders(r.Context(), portfolioID)
	if err != nil {
		writeError(w, err)
		return
	}
	positions, err := s.store.ListOpenPositions(r.Context(), portfolioID)
	if err != nil {
		writeError(w, err)
		return
	}

	unrealized := decimal.Zero
	for i := range positions {
		unrealized = unrealized.Add(positions[i].UnrealizedPnL)
	}

	writeJSON(w, http.StatusOK, portfolioSummary{
		Portfolio:     p,
		OpenOrders:    len(orders),
		OpenPositions: len(positions),
		UnrealizedPnL: unrealized,
		Equity:        p.CurrentBalance.Add(unrealized),
	})
}
