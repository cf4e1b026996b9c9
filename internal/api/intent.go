package api

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradegate/backend/internal/risk"
	"github.com/tradegate/backend/internal/schema"
)

type intentRequest struct {
	Intent      *schema.OrderIntent `json:"intent"`
	MarketPrice *decimal.Decimal    `json:"market_price,omitempty"`
}

// resolvePrice prefers the caller-supplied price and falls back to a
// live snapshot from the adapter.
func (s *Server) resolvePrice(ctx context.Context, req *intentRequest) (decimal.Decimal, error) {
	if req.MarketPrice != nil && req.MarketPrice.IsPositive() {
		return *req.MarketPrice, nil
	}
	snap, err := s.deps.Adapter.GetMarketSnapshot(ctx, req.Intent.Instrument)
	if err != nil {
		return decimal.Zero, err
	}
	price, ok := snap.Price()
	if !ok {
		return decimal.Zero, &schema.ValidationError{Fields: map[string]string{
			"market_price": "no market price available for " + req.Intent.Instrument.Symbol,
		}}
	}
	return price, nil
}

func (s *Server) decodeIntent(w http.ResponseWriter, r *http.Request) (*intentRequest, bool) {
	var req intentRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "malformed request body: "+err.Error())
		return nil, false
	}
	if req.Intent == nil {
		badRequest(w, "intent is required")
		return nil, false
	}
	return &req, true
}

// POST /api/v1/propose validates an intent and returns the normalized
// form plus simulation warnings. Nothing is stored.
func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Kill.CheckOrRaise("propose_order"); err != nil {
		writeError(w, err)
		return
	}
	req, ok := s.decodeIntent(w, r)
	if !ok {
		return
	}
	if err := req.Intent.Validate(); err != nil {
		writeError(w, err)
		return
	}

	price, err := s.resolvePrice(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	portfolio, err := s.deps.Adapter.GetPortfolio(r.Context(), req.Intent.AccountID)
	if err != nil {
		writeError(w, err)
		return
	}
	result := s.deps.Simulator.Simulate(req.Intent, portfolio, price)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":       true,
		"intent":      req.Intent,
		"intent_hash": req.Intent.Hash(),
		"warnings":    result.Warnings,
	})
}

// POST /api/v1/simulate runs the cost simulator on an intent.
func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeIntent(w, r)
	if !ok {
		return
	}
	if err := req.Intent.Validate(); err != nil {
		writeError(w, err)
		return
	}

	price, err := s.resolvePrice(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	portfolio, err := s.deps.Adapter.GetPortfolio(r.Context(), req.Intent.AccountID)
	if err != nil {
		writeError(w, err)
		return
	}

	result := s.deps.Simulator.Simulate(req.Intent, portfolio, price)
	writeJSON(w, http.StatusOK, map[string]interface{}{"simulation": result})
}

// POST /api/v1/risk/evaluate runs simulation plus the risk gate. A REJECT
// decision is a normal 200 response, not an HTTP error.
func (s *Server) handleRiskEvaluate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeIntent(w, r)
	if !ok {
		return
	}
	if err := req.Intent.Validate(); err != nil {
		writeError(w, err)
		return
	}

	price, err := s.resolvePrice(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	portfolio, err := s.deps.Adapter.GetPortfolio(r.Context(), req.Intent.AccountID)
	if err != nil {
		writeError(w, err)
		return
	}

	result := s.deps.Simulator.Simulate(req.Intent, portfolio, price)
	decision := s.deps.Risk.Evaluate(risk.Input{
		Intent:      req.Intent,
		Portfolio:   portfolio,
		Simulation:  &result,
		CurrentTime: time.Now().UTC(),
		Counters:    s.deps.Counters(),
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"decision":   decision,
		"simulation": result,
	})
}
