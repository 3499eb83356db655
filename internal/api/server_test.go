package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeassist/order-engine/internal/engine"
	"github.com/tradeassist/order-engine/internal/events"
	"github.com/tradeassist/order-engine/internal/exchange"
	"github.com/tradeassist/order-engine/internal/ledger"
	"github.com/tradeassist/order-engine/internal/model"
	"github.com/tradeassist/order-engine/internal/order"
	"github.com/tradeassist/order-engine/internal/reconcile"
	"github.com/tradeassist/order-engine/internal/risk"
	"github.com/tradeassist/order-engine/internal/store"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newTestServer(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	bus := events.NewBus()
	hub := events.NewHub(bus)
	go hub.Run()

	paper := exchange.NewPaperConnector(decimal.Zero)
	paper.SetPrice("BTC/USDT", d("100"))

	machine := order.NewMachine(st, bus)
	led := ledger.New(st, bus)
	locks := reconcile.NewPortfolioLocks()
	rec := reconcile.New(st, machine, led, locks)
	coord := engine.New(st, risk.NewGate(d("0.02")), machine, led, rec, paper, paper, bus, locks, engine.Config{
		SubmitTimeout: time.Second,
		ExchangeRPS:   100,
	})

	ctx := context.Background()
	st.CreatePair(ctx, &model.TradingPair{
		ID: "pair-1", Symbol: "BTC/USDT", BaseCurrency: "BTC", QuoteCurrency: "USDT",
		Exchange: "binance", MinOrderSize: d("0.001"), QuantityPrecision: 8, PricePrecision: 2,
		IsActive: true,
	})
	st.CreatePortfolio(ctx, &model.Portfolio{
		ID: "pf-1", UserID: "u-1", Name: "test", Exchange: "binance",
		InitialBalance: d("10000"), CurrentBalance: d("10000"),
		CreatedAt: time.Now().UTC(),
	})
	st.PutRiskProfile(ctx, &model.RiskProfile{
		PortfolioID: "pf-1", MaxPositionSize: d("0.5"), MaxDailyLoss: d("0.05"),
		MaxOpenPositions: 5,
	})

	ts := httptest.NewServer(NewServer(coord, st, hub).Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func doPost(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestSubmitOrderEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doPost(t, ts.URL+"/api/v1/orders", map[string]any{
		"portfolio_id": "pf-1",
		"pair_id":      "pair-1",
		"side":         "buy",
		"type":         "market",
		"quantity":     "1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	o := decode[model.Order](t, resp)
	if o.ID == "" || o.Status != model.StatusPending || o.Source != model.SourceManual {
		t.Errorf("order = %+v", o)
	}
}

func TestSubmitOrderBadBody(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/orders", "application/json", bytes.NewReader([]byte("{")))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSubmitOrderValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doPost(t, ts.URL+"/api/v1/orders", map[string]any{
		"portfolio_id": "pf-1",
		"pair_id":      "pair-1",
		"side":         "buy",
		"type":         "limit", // missing price
		"quantity":     "1",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSubmitOrderRiskRejection(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doPost(t, ts.URL+"/api/v1/orders", map[string]any{
		"portfolio_id": "pf-1",
		"pair_id":      "pair-1",
		"side":         "buy",
		"type":         "market",
		"quantity":     "100", // 10000 notional > 5000 limit
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["reason"] != "POSITION_LIMIT_EXCEEDED" {
		t.Errorf("reason = %q", body["reason"])
	}
}

func TestGetOrderNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/orders/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelOrderEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doPost(t, ts.URL+"/api/v1/orders", map[string]any{
		"portfolio_id": "pf-1",
		"pair_id":      "pair-1",
		"side":         "buy",
		"type":         "limit",
		"quantity":     "1",
		"price":        "50",
	})
	o := decode[model.Order](t, resp)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/orders/"+o.ID, nil)
	dresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if dresp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", dresp.StatusCode)
	}
	got := decode[model.Order](t, dresp)
	if got.Status != model.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestPortfolioSummaryEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/portfolios/pf-1/summary")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	sum := decode[portfolioSummary](t, resp)
	if sum.Portfolio == nil || sum.Portfolio.ID != "pf-1" {
		t.Fatalf("summary = %+v", sum)
	}
	if !sum.Equity.Equal(d("10000")) {
		t.Errorf("equity = %s, want 10000", sum.Equity)
	}

	resp, err = http.Get(ts.URL + "/api/v1/portfolios/unknown/summary")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown portfolio status = %d, want 404", resp.StatusCode)
	}
}

func TestListEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, path := range []string{"/api/v1/portfolios/pf-1/orders", "/api/v1/portfolios/pf-1/positions"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
