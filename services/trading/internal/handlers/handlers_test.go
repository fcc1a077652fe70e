package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/sharex/sharex/services/testutil"
	"github.com/sharex/sharex/services/trading/internal/engine"
	"github.com/sharex/sharex/services/trading/internal/service"
	"github.com/sharex/sharex/services/trading/internal/storage"
)

var secret = []byte("test-secret")

type apiFixture struct {
	router *gin.Engine
	store  *storage.MemoryStore
	anon   *testutil.Client
	seller *testutil.Client
	buyer  *testutil.Client
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	store := storage.NewMemory()
	if err := store.UpsertInstrument(ctx, storage.Instrument{Symbol: "ACME", Name: "Acme Corp", Price: decimal.NewFromInt(10), Status: storage.InstrumentStatusOpen}); err != nil {
		t.Fatalf("seed instrument: %v", err)
	}
	if err := store.UpsertInstrument(ctx, storage.Instrument{Symbol: "HALT", Name: "Halted Inc", Price: decimal.NewFromInt(5), Status: storage.InstrumentStatusHalted}); err != nil {
		t.Fatalf("seed instrument: %v", err)
	}
	if err := store.Deposit(ctx, testutil.TraderOwnerID, decimal.NewFromInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := store.GrantShares(ctx, testutil.DemoOwnerID, "ACME", 50, decimal.NewFromInt(8)); err != nil {
		t.Fatalf("grant: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := service.NewMetrics(prometheus.NewRegistry())
	eng := engine.New(store, engine.DefaultConfig(), logger, metrics)
	svc := service.NewOrderService(eng, store, nil, logger, metrics)

	router := gin.New()
	New(svc, logger).Register(router, secret, nil, nil)

	anon := testutil.NewClient(t, router, "")
	return &apiFixture{
		router: router,
		store:  store,
		anon:   anon,
		seller: anon.As(token(t, testutil.DemoOwnerID)),
		buyer:  anon.As(token(t, testutil.TraderOwnerID)),
	}
}

func token(t *testing.T, owner uuid.UUID) string {
	t.Helper()
	tok, err := testutil.GenerateJWT(owner, secret, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}
	return tok
}

func TestOrdersRequireAuth(t *testing.T) {
	api := newAPI(t)
	resp := api.anon.Post("/orders", map[string]any{"instrument": "ACME"})
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthenticated)
}

func TestSubmitAndMatch(t *testing.T) {
	api := newAPI(t)

	resp := api.seller.Post("/orders", map[string]any{
		"instrument": "acme", "side": "sell", "type": "limit", "quantity": 5, "price": "10",
	})
	testutil.AssertHTTPStatus(t, resp, http.StatusCreated)
	sell := testutil.DecodeJSON[submitResponse](t, resp)
	if sell.Status != storage.OrderStatusPending || sell.Order.Remaining != 5 {
		t.Fatalf("expected resting sell order, got %+v", sell)
	}

	resp = api.buyer.Post("/orders", map[string]any{
		"instrument": "ACME", "side": "buy", "type": "market", "quantity": "5",
	})
	testutil.AssertHTTPStatus(t, resp, http.StatusCreated)
	buy := testutil.DecodeJSON[submitResponse](t, resp)
	if buy.Status != storage.OrderStatusFilled || len(buy.Trades) != 1 {
		t.Fatalf("expected filled order with one trade, got %+v", buy)
	}
	tr := buy.Trades[0]
	if tr.Price != "10" || tr.Gross != "50.00" || tr.BuyerFee != "0.25" || tr.SellerFee != "0.25" {
		t.Fatalf("unexpected trade %+v", tr)
	}

	resp = api.buyer.Get("/balance")
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	bal := testutil.DecodeJSON[map[string]string](t, resp)
	if bal["available"] != "949.75" {
		t.Fatalf("expected 949.75, got %v", bal)
	}

	resp = api.seller.Get("/orders/" + sell.Order.OrderID + "/trades")
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	trades := testutil.DecodeJSON[map[string][]tradeItem](t, resp)
	if len(trades["trades"]) != 1 {
		t.Fatalf("expected 1 trade for sell order, got %d", len(trades["trades"]))
	}

	resp = api.buyer.Get("/holdings")
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	holdings := testutil.DecodeJSON[map[string][]holdingItem](t, resp)
	if len(holdings["holdings"]) != 1 || holdings["holdings"][0].Shares != 5 {
		t.Fatalf("unexpected holdings %+v", holdings)
	}
}

func TestMarketOrderWithoutLiquidity(t *testing.T) {
	api := newAPI(t)
	resp := api.buyer.Post("/orders", map[string]any{
		"instrument": "ACME", "side": "buy", "type": "market", "quantity": 1,
	})
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	body := testutil.DecodeJSON[map[string]string](t, resp)
	if body["status"] != "no_liquidity" || body["code"] != "NO_LIQUIDITY" {
		t.Fatalf("unexpected body %v", body)
	}

	resp = api.buyer.Get("/orders")
	list := testutil.DecodeJSON[map[string][]orderItem](t, resp)
	if len(list["orders"]) != 0 {
		t.Fatalf("expected nothing persisted, got %d orders", len(list["orders"]))
	}
}

func TestSubmitValidationErrors(t *testing.T) {
	api := newAPI(t)
	tests := []struct {
		name string
		body any
		code string
	}{
		{"not an object", "[1,2]", testutil.ErrorCodeInvalidRequest},
		{"bad symbol", map[string]any{"instrument": "AC ME", "side": "buy", "type": "market", "quantity": 1}, testutil.ErrorCodeInvalidRequest},
		{"fractional quantity", map[string]any{"instrument": "ACME", "side": "buy", "type": "limit", "quantity": 1.5, "price": "10"}, testutil.ErrorCodeInvalidQuantity},
		{"text quantity", map[string]any{"instrument": "ACME", "side": "buy", "type": "market", "quantity": "many"}, testutil.ErrorCodeInvalidQuantity},
		{"text price", map[string]any{"instrument": "ACME", "side": "buy", "type": "limit", "quantity": 1, "price": "abc"}, testutil.ErrorCodeInvalidPrice},
		{"bad expiry", map[string]any{"instrument": "ACME", "side": "buy", "type": "limit", "quantity": 1, "price": "10", "expires_at": "soon"}, testutil.ErrorCodeInvalidExpiry},
		{"bad side", map[string]any{"instrument": "ACME", "side": "hold", "type": "limit", "quantity": 1, "price": "10"}, testutil.ErrorCodeInvalidSide},
		{"bad type", map[string]any{"instrument": "ACME", "side": "buy", "type": "stop", "quantity": 1}, testutil.ErrorCodeInvalidOrderType},
		{"zero quantity", map[string]any{"instrument": "ACME", "side": "buy", "type": "market", "quantity": 0}, testutil.ErrorCodeInvalidQuantity},
		{"missing price", map[string]any{"instrument": "ACME", "side": "buy", "type": "limit", "quantity": 1}, testutil.ErrorCodeInvalidPrice},
		{"far price", map[string]any{"instrument": "ACME", "side": "buy", "type": "limit", "quantity": 1, "price": "100"}, testutil.ErrorCodePriceOutOfRange},
		{"halted", map[string]any{"instrument": "HALT", "side": "buy", "type": "limit", "quantity": 1, "price": "5"}, testutil.ErrorCodeInstrumentNotTradable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := api.buyer.Post("/orders", tc.body)
			testutil.AssertErrorCode(t, resp, tc.code)
		})
	}
}

func TestCancelFlow(t *testing.T) {
	api := newAPI(t)
	resp := api.seller.Post("/orders", map[string]any{
		"instrument": "ACME", "side": "sell", "type": "limit", "quantity": 5, "price": "10",
	})
	testutil.AssertHTTPStatus(t, resp, http.StatusCreated)
	id := testutil.DecodeJSON[submitResponse](t, resp).Order.OrderID

	resp = api.buyer.Delete("/orders/" + id)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)

	resp = api.buyer.Get("/orders/" + id)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeOrderNotFound)

	resp = api.seller.Delete("/orders/" + id)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	cancelled := testutil.DecodeJSON[orderItem](t, resp)
	if cancelled.Status != storage.OrderStatusCancelled || cancelled.Cancelled != 5 {
		t.Fatalf("unexpected cancelled order %+v", cancelled)
	}

	resp = api.seller.Delete("/orders/" + id)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeAlreadyCancelled)

	resp = api.seller.Delete("/orders/not-a-uuid")
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)

	resp = api.seller.Delete("/orders/" + uuid.NewString())
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeOrderNotFound)
}

func TestInstrumentEndpoints(t *testing.T) {
	api := newAPI(t)
	for _, price := range []string{"10.5", "11"} {
		resp := api.seller.Post("/orders", map[string]any{
			"instrument": "ACME", "side": "sell", "type": "limit", "quantity": 2, "price": price,
		})
		testutil.AssertHTTPStatus(t, resp, http.StatusCreated)
	}

	resp := api.buyer.Get("/instruments/acme")
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	inst := testutil.DecodeJSON[instrumentItem](t, resp)
	if inst.Symbol != "ACME" || inst.Status != storage.InstrumentStatusOpen {
		t.Fatalf("unexpected instrument %+v", inst)
	}

	resp = api.buyer.Get("/instruments/ACME/book?depth=1")
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	book := testutil.DecodeJSON[bookResponse](t, resp)
	if len(book.Asks) != 1 || book.Asks[0].Price != "10.5" || len(book.Bids) != 0 {
		t.Fatalf("unexpected book %+v", book)
	}

	resp = api.buyer.Get("/instruments/ACME/book?depth=x")
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)

	resp = api.buyer.Get("/instruments/NOPE/ticks")
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInstrumentNotFound)

	resp = api.buyer.Get("/instruments/ACME/trades")
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
}

type failingService struct {
	OrderService
	err error
}

func (f failingService) Submit(context.Context, engine.SubmitRequest) (*engine.SubmitResult, error) {
	return nil, f.err
}

func TestSubmitErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		err  error
		code string
	}{
		{&engine.Error{Code: engine.CodeTradeExecutionFailed, Message: "retries exhausted", Err: storage.ErrSerialization}, testutil.ErrorCodeExecutionFailed},
		{errors.New("connection refused"), testutil.ErrorCodeInternalError},
	}
	for _, tc := range tests {
		router := gin.New()
		New(failingService{err: tc.err}, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(router, secret, nil, nil)
		resp := testutil.NewClient(t, router, token(t, testutil.TraderOwnerID)).Post("/orders", map[string]any{
			"instrument": "ACME", "side": "buy", "type": "market", "quantity": 1,
		})
		testutil.AssertErrorCode(t, resp, tc.code)
	}
}
