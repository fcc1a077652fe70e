package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sharex/sharex/services/trading/internal/storage"
)

const testSymbol = "ACME"

var (
	ownerA = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	ownerB = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	ownerC = uuid.MustParse("00000000-0000-0000-0000-00000000000c")
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)}
}

// Now advances one millisecond per call so creation times are strictly increasing.
func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *storage.MemoryStore
	engine *Engine
	clock  *testClock
	cfg    Config
}

func newHarness(t *testing.T, begin func(*storage.MemoryStore) TxBeginner) *harness {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	if err := store.UpsertInstrument(ctx, storage.Instrument{Symbol: testSymbol, Name: "Acme Corp", Price: dec("10"), Status: storage.InstrumentStatusOpen}); err != nil {
		t.Fatalf("seed instrument: %v", err)
	}
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	clock := newTestClock()

	var beginner TxBeginner = store
	if begin != nil {
		beginner = begin(store)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &harness{
		t:      t,
		ctx:    ctx,
		store:  store,
		engine: New(beginner, cfg, logger, nil, WithClock(clock.Now)),
		clock:  clock,
		cfg:    cfg,
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func (h *harness) deposit(owner uuid.UUID, amount string) {
	h.t.Helper()
	if err := h.store.Deposit(h.ctx, owner, dec(amount)); err != nil {
		h.t.Fatalf("deposit: %v", err)
	}
}

func (h *harness) grant(owner uuid.UUID, shares int64, cost string) {
	h.t.Helper()
	if err := h.store.GrantShares(h.ctx, owner, testSymbol, shares, dec(cost)); err != nil {
		h.t.Fatalf("grant shares: %v", err)
	}
}

func (h *harness) limit(owner uuid.UUID, side string, qty int64, price string) *SubmitResult {
	h.t.Helper()
	res, err := h.engine.Submit(h.ctx, SubmitRequest{
		OwnerID:    owner,
		Instrument: testSymbol,
		Kind:       storage.KindLimit,
		Side:       side,
		Quantity:   qty,
		LimitPrice: decPtr(price),
	})
	if err != nil {
		h.t.Fatalf("submit limit %s %d @ %s: %v", side, qty, price, err)
	}
	return res
}

func (h *harness) market(owner uuid.UUID, side string, qty int64) (*SubmitResult, error) {
	return h.engine.Submit(h.ctx, SubmitRequest{
		OwnerID:    owner,
		Instrument: testSymbol,
		Kind:       storage.KindMarket,
		Side:       side,
		Quantity:   qty,
	})
}

func (h *harness) order(id uuid.UUID) *storage.Order {
	h.t.Helper()
	o, err := h.store.GetOrder(h.ctx, id)
	if err != nil {
		h.t.Fatalf("get order %s: %v", id, err)
	}
	return o
}

func (h *harness) balance(owner uuid.UUID) decimal.Decimal {
	h.t.Helper()
	b, err := h.store.GetBalance(h.ctx, owner)
	if err != nil {
		h.t.Fatalf("get balance: %v", err)
	}
	return b.Available
}

func (h *harness) shares(owner uuid.UUID) int64 {
	h.t.Helper()
	holdings, err := h.store.ListHoldings(h.ctx, owner)
	if err != nil {
		h.t.Fatalf("list holdings: %v", err)
	}
	for _, hd := range holdings {
		if hd.Instrument == testSymbol {
			return hd.Shares
		}
	}
	return 0
}

func (h *harness) holding(owner uuid.UUID) storage.Holding {
	h.t.Helper()
	holdings, err := h.store.ListHoldings(h.ctx, owner)
	if err != nil {
		h.t.Fatalf("list holdings: %v", err)
	}
	for _, hd := range holdings {
		if hd.Instrument == testSymbol {
			return hd
		}
	}
	h.t.Fatalf("no holding for %s", owner)
	return storage.Holding{}
}

func (h *harness) totalCash(owners ...uuid.UUID) decimal.Decimal {
	total := h.balance(h.cfg.PlatformAccountID)
	for _, o := range owners {
		total = total.Add(h.balance(o))
	}
	return total
}

func (h *harness) totalShares(owners ...uuid.UUID) int64 {
	var total int64
	for _, o := range owners {
		total += h.shares(o)
	}
	return total
}

func assertCode(t *testing.T, err error, want *Error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", want.Code)
	}
	if !errors.Is(err, want) {
		t.Fatalf("expected %s, got %v", want.Code, err)
	}
}

func TestFullFillMarketBuy(t *testing.T) {
	h := newHarness(t, nil)
	h.grant(ownerA, 100, "8")
	h.deposit(ownerB, "2000")

	sell := h.limit(ownerA, storage.SideSell, 100, "10")
	if sell.Order.Status != storage.OrderStatusPending {
		t.Fatalf("expected resting sell to be pending, got %s", sell.Order.Status)
	}

	res, err := h.market(ownerB, storage.SideBuy, 100)
	if err != nil {
		t.Fatalf("market buy: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	trade := res.Trades[0]
	if trade.Quantity != 100 || !trade.Price.Equal(dec("10")) {
		t.Fatalf("expected 100 @ 10, got %d @ %s", trade.Quantity, trade.Price)
	}
	if !trade.Gross.Equal(dec("1000")) || !trade.BuyerFee.Equal(dec("5")) || !trade.SellerFee.Equal(dec("5")) {
		t.Fatalf("unexpected amounts gross=%s buyer_fee=%s seller_fee=%s", trade.Gross, trade.BuyerFee, trade.SellerFee)
	}
	if res.Order.Status != storage.OrderStatusFilled || res.Order.Remaining != 0 {
		t.Fatalf("expected incoming filled, got %s remaining %d", res.Order.Status, res.Order.Remaining)
	}
	if got := h.order(sell.Order.ID).Status; got != storage.OrderStatusFilled {
		t.Fatalf("expected resting order filled, got %s", got)
	}

	if got := h.shares(ownerA); got != 0 {
		t.Fatalf("expected seller shares 0, got %d", got)
	}
	if got := h.shares(ownerB); got != 100 {
		t.Fatalf("expected buyer shares 100, got %d", got)
	}
	// 2000 - 100*10*(1+0.005)
	if got := h.balance(ownerB); !got.Equal(dec("995")) {
		t.Fatalf("expected buyer balance 995, got %s", got)
	}
	// 100*10*(1-0.005)
	if got := h.balance(ownerA); !got.Equal(dec("995")) {
		t.Fatalf("expected seller balance 995, got %s", got)
	}
	if got := h.balance(h.cfg.PlatformAccountID); !got.Equal(dec("10")) {
		t.Fatalf("expected platform fees 10, got %s", got)
	}

	inst, err := h.store.GetInstrument(h.ctx, testSymbol)
	if err != nil {
		t.Fatalf("get instrument: %v", err)
	}
	if !inst.Price.Equal(dec("10")) {
		t.Fatalf("expected instrument price 10, got %s", inst.Price)
	}
	ticks, err := h.store.ListPriceTicks(h.ctx, testSymbol, 10)
	if err != nil {
		t.Fatalf("list ticks: %v", err)
	}
	if len(ticks) != 1 || ticks[0].TradeID != trade.ID || ticks[0].Volume != 100 {
		t.Fatalf("expected one tick for trade, got %+v", ticks)
	}

	buyer := h.holding(ownerB)
	if !buyer.AverageCost.Equal(dec("10")) || !buyer.Invested.Equal(dec("1000")) {
		t.Fatalf("expected buyer avg 10 invested 1000, got avg %s invested %s", buyer.AverageCost, buyer.Invested)
	}
	seller := h.holding(ownerA)
	if !seller.Invested.IsZero() {
		t.Fatalf("expected seller invested 0 after selling out, got %s", seller.Invested)
	}
}

func TestPartialFillAcrossTwoCandidates(t *testing.T) {
	h := newHarness(t, nil)
	h.grant(ownerA, 60, "9")
	h.grant(ownerB, 60, "9")
	h.deposit(ownerC, "5000")

	first := h.limit(ownerA, storage.SideSell, 60, "10")
	second := h.limit(ownerB, storage.SideSell, 60, "10")

	res := h.limit(ownerC, storage.SideBuy, 100, "10")
	if len(res.Trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(res.Trades))
	}
	if res.Trades[0].SellOrderID != first.Order.ID || res.Trades[0].Quantity != 60 {
		t.Fatalf("expected first trade 60 against earlier order, got %d against %s", res.Trades[0].Quantity, res.Trades[0].SellOrderID)
	}
	if res.Trades[1].SellOrderID != second.Order.ID || res.Trades[1].Quantity != 40 {
		t.Fatalf("expected second trade 40 against later order, got %d against %s", res.Trades[1].Quantity, res.Trades[1].SellOrderID)
	}

	a := h.order(first.Order.ID)
	if a.Status != storage.OrderStatusFilled || a.Remaining != 0 || a.Filled != 60 {
		t.Fatalf("expected A filled, got %s filled=%d remaining=%d", a.Status, a.Filled, a.Remaining)
	}
	b := h.order(second.Order.ID)
	if b.Status != storage.OrderStatusPartial || b.Remaining != 20 || b.Filled != 40 {
		t.Fatalf("expected B partial remaining 20, got %s filled=%d remaining=%d", b.Status, b.Filled, b.Remaining)
	}
	if res.Order.Status != storage.OrderStatusFilled {
		t.Fatalf("expected incoming filled, got %s", res.Order.Status)
	}
	if len(res.Resting) != 2 {
		t.Fatalf("expected 2 resting orders touched, got %d", len(res.Resting))
	}
}

func TestLimitPriceNeverCrossed(t *testing.T) {
	h := newHarness(t, nil)
	h.grant(ownerA, 50, "9")
	h.deposit(ownerB, "5000")

	h.limit(ownerA, storage.SideSell, 50, "12")
	res := h.limit(ownerB, storage.SideBuy, 50, "10")

	if len(res.Trades) != 0 {
		t.Fatalf("expected no trades, got %d", len(res.Trades))
	}
	if res.Order.Status != storage.OrderStatusPending || res.Order.Remaining != 50 {
		t.Fatalf("expected pending with full remaining, got %s remaining %d", res.Order.Status, res.Order.Remaining)
	}
	if got := h.balance(ownerB); !got.Equal(dec("5000")) {
		t.Fatalf("expected untouched balance, got %s", got)
	}
}

func TestPriceTimePriority(t *testing.T) {
	h := newHarness(t, nil)
	h.grant(ownerA, 20, "9")
	h.grant(ownerC, 10, "9")
	h.deposit(ownerB, "10000")

	first := h.limit(ownerA, storage.SideSell, 10, "10")
	second := h.limit(ownerC, storage.SideSell, 10, "10")
	third := h.limit(ownerA, storage.SideSell, 10, "11")

	res, err := h.market(ownerB, storage.SideBuy, 30)
	if err != nil {
		t.Fatalf("market buy: %v", err)
	}
	want := []uuid.UUID{first.Order.ID, second.Order.ID, third.Order.ID}
	if len(res.Trades) != len(want) {
		t.Fatalf("expected %d trades, got %d", len(want), len(res.Trades))
	}
	for i, id := range want {
		if res.Trades[i].SellOrderID != id {
			t.Fatalf("trade %d: expected sell order %s, got %s", i, id, res.Trades[i].SellOrderID)
		}
	}
	if !res.Trades[2].Price.Equal(dec("11")) {
		t.Fatalf("expected last fill at 11, got %s", res.Trades[2].Price)
	}
}

func TestPriceBeatsTime(t *testing.T) {
	h := newHarness(t, nil)
	h.grant(ownerA, 10, "9")
	h.grant(ownerC, 10, "9")
	h.deposit(ownerB, "10000")

	expensive := h.limit(ownerA, storage.SideSell, 10, "11")
	cheap := h.limit(ownerC, storage.SideSell, 10, "10")

	res, err := h.market(ownerB, storage.SideBuy, 15)
	if err != nil {
		t.Fatalf("market buy: %v", err)
	}
	if len(res.Trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(res.Trades))
	}
	if res.Trades[0].SellOrderID != cheap.Order.ID || res.Trades[1].SellOrderID != expensive.Order.ID {
		t.Fatalf("expected cheaper order first")
	}
}

func TestSellSideTakesHighestBidFirst(t *testing.T) {
	h := newHarness(t, nil)
	h.deposit(ownerA, "10000")
	h.deposit(ownerC, "10000")
	h.grant(ownerB, 20, "9")

	low := h.limit(ownerA, storage.SideBuy, 10, "9")
	high := h.limit(ownerC, storage.SideBuy, 10, "10")

	res := h.limit(ownerB, storage.SideSell, 20, "9")
	if len(res.Trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(res.Trades))
	}
	if res.Trades[0].BuyOrderID != high.Order.ID || !res.Trades[0].Price.Equal(dec("10")) {
		t.Fatalf("expected highest bid at its own price first, got %s @ %s", res.Trades[0].BuyOrderID, res.Trades[0].Price)
	}
	if res.Trades[1].BuyOrderID != low.Order.ID || !res.Trades[1].Price.Equal(dec("9")) {
		t.Fatalf("expected lower bid second")
	}
}

func TestSelfTradeIsSkipped(t *testing.T) {
	h := newHarness(t, nil)
	h.grant(ownerA, 10, "9")
	h.grant(ownerB, 10, "9")
	h.deposit(ownerA, "1000")

	h.limit(ownerA, storage.SideSell, 10, "10")
	other := h.limit(ownerB, storage.SideSell, 10, "10")

	res, err := h.market(ownerA, storage.SideBuy, 10)
	if err != nil {
		t.Fatalf("market buy: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	if res.Trades[0].SellOrderID != other.Order.ID || res.Trades[0].SellerID == res.Trades[0].BuyerID {
		t.Fatalf("expected trade against other owner")
	}
}

func TestMarketOrderWithOnlyOwnOrdersHasNoLiquidity(t *testing.T) {
	h := newHarness(t, nil)
	h.grant(ownerA, 10, "9")
	h.deposit(ownerA, "1000")
	h.limit(ownerA, storage.SideSell, 10, "10")

	_, err := h.market(ownerA, storage.SideBuy, 10)
	assertCode(t, err, ErrNoLiquidity)

	orders, err := h.store.ListOrders(h.ctx, ownerA, storage.OrderFilter{Instrument: testSymbol, Status: storage.OrderStatusCancelled})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("expected market order not to be persisted, got %d", len(orders))
	}
}

func TestMarketOrderOnEmptyBook(t *testing.T) {
	h := newHarness(t, nil)
	h.deposit(ownerB, "1000")

	_, err := h.market(ownerB, storage.SideBuy, 10)
	assertCode(t, err, ErrNoLiquidity)

	orders, err := h.store.ListOrders(h.ctx, ownerB, storage.OrderFilter{})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("expected nothing persisted, got %d orders", len(orders))
	}
}

func TestMarketRemainderIsCancelled(t *testing.T) {
	h := newHarness(t, nil)
	h.grant(ownerA, 30, "9")
	h.deposit(ownerB, "10000")
	h.limit(ownerA, storage.SideSell, 30, "10")

	res, err := h.market(ownerB, storage.SideBuy, 50)
	if err != nil {
		t.Fatalf("market buy: %v", err)
	}
	o := res.Order
	if o.Status != storage.OrderStatusCancelled || o.Filled != 30 || o.Remaining != 0 || o.Cancelled != 20 {
		t.Fatalf("expected cancelled with 30 filled and 20 closed, got %s filled=%d remaining=%d cancelled=%d",
			o.Status, o.Filled, o.Remaining, o.Cancelled)
	}
}

func TestInsufficientFundsSkipsCandidate(t *testing.T) {
	h := newHarness(t, nil)
	h.grant(ownerA, 100, "9")
	h.deposit(ownerB, "500")
	resting := h.limit(ownerA, storage.SideSell, 100, "10")

	res := h.limit(ownerB, storage.SideBuy, 100, "10")
	if len(res.Trades) != 0 {
		t.Fatalf("expected no trades, got %d", len(res.Trades))
	}
	if res.Order.Status != storage.OrderStatusPending {
		t.Fatalf("expected incoming to rest, got %s", res.Order.Status)
	}
	if got := h.order(resting.Order.ID); got.Remaining != 100 {
		t.Fatalf("expected resting untouched, got remaining %d", got.Remaining)
	}
	if got := h.balance(ownerB); !got.Equal(dec("500")) {
		t.Fatalf("expected buyer balance unchanged, got %s", got)
	}
}

func TestInsufficientSharesSkipsToNextCandidate(t *testing.T) {
	h := newHarness(t, nil)
	h.grant(ownerA, 10, "9")
	h.grant(ownerC, 10, "9")
	h.deposit(ownerB, "10000")

	h.limit(ownerA, storage.SideSell, 10, "10")
	oversold := h.limit(ownerA, storage.SideSell, 10, "10")
	fromC := h.limit(ownerC, storage.SideSell, 10, "10")

	res, err := h.market(ownerB, storage.SideBuy, 20)
	if err != nil {
		t.Fatalf("market buy: %v", err)
	}
	if len(res.Trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(res.Trades))
	}
	if res.Trades[1].SellOrderID != fromC.Order.ID {
		t.Fatalf("expected second trade against C, got %s", res.Trades[1].SellOrderID)
	}
	if got := h.order(oversold.Order.ID); got.Status != storage.OrderStatusPending || got.Remaining != 10 {
		t.Fatalf("expected skipped order untouched, got %s remaining %d", got.Status, got.Remaining)
	}
	if got := h.shares(ownerA); got != 0 {
		t.Fatalf("expected A to have 0 shares, got %d", got)
	}
}

func TestConservationAcrossTrades(t *testing.T) {
	h := newHarness(t, nil)
	owners := []uuid.UUID{ownerA, ownerB, ownerC}
	h.grant(ownerA, 200, "9")
	h.grant(ownerC, 75, "9.5")
	h.deposit(ownerB, "20000")
	h.deposit(ownerC, "3000")

	cashBefore := h.totalCash(owners...)
	sharesBefore := h.totalShares(owners...)

	h.limit(ownerA, storage.SideSell, 120, "10.03")
	h.limit(ownerC, storage.SideSell, 40, "9.97")
	if _, err := h.market(ownerB, storage.SideBuy, 130); err != nil {
		t.Fatalf("market buy: %v", err)
	}
	h.limit(ownerC, storage.SideBuy, 33, "10.10")

	if got := h.totalCash(owners...); !got.Equal(cashBefore) {
		t.Fatalf("cash not conserved: before %s after %s", cashBefore, got)
	}
	if got := h.totalShares(owners...); got != sharesBefore {
		t.Fatalf("shares not conserved: before %d after %d", sharesBefore, got)
	}
}

func TestCancelLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	h.grant(ownerA, 10, "9")
	res := h.limit(ownerA, storage.SideSell, 10, "10")
	id := res.Order.ID

	_, err := h.engine.Cancel(h.ctx, id, ownerB)
	assertCode(t, err, ErrUnauthorized)

	_, err = h.engine.Cancel(h.ctx, uuid.New(), ownerA)
	assertCode(t, err, ErrOrderNotFound)

	cancelled, err := h.engine.Cancel(h.ctx, id, ownerA)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != storage.OrderStatusCancelled || cancelled.Remaining != 0 || cancelled.Cancelled != 10 {
		t.Fatalf("unexpected cancelled order %+v", cancelled)
	}

	_, err = h.engine.Cancel(h.ctx, id, ownerA)
	assertCode(t, err, ErrOrderAlreadyCancelled)

	if got := h.order(id); got.Status != storage.OrderStatusCancelled {
		t.Fatalf("expected order to stay cancelled, got %s", got.Status)
	}
}

func TestCancelPartialKeepsFilled(t *testing.T) {
	h := newHarness(t, nil)
	h.grant(ownerA, 100, "9")
	h.deposit(ownerB, "10000")
	resting := h.limit(ownerA, storage.SideSell, 100, "10")
	if _, err := h.market(ownerB, storage.SideBuy, 40); err != nil {
		t.Fatalf("market buy: %v", err)
	}

	cancelled, err := h.engine.Cancel(h.ctx, resting.Order.ID, ownerA)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Filled != 40 || cancelled.Remaining != 0 || cancelled.Cancelled != 60 {
		t.Fatalf("expected filled 40 cancelled 60, got filled=%d remaining=%d cancelled=%d",
			cancelled.Filled, cancelled.Remaining, cancelled.Cancelled)
	}
}

func TestCancelFilledOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.grant(ownerA, 10, "9")
	h.deposit(ownerB, "1000")
	resting := h.limit(ownerA, storage.SideSell, 10, "10")
	if _, err := h.market(ownerB, storage.SideBuy, 10); err != nil {
		t.Fatalf("market buy: %v", err)
	}

	_, err := h.engine.Cancel(h.ctx, resting.Order.ID, ownerA)
	assertCode(t, err, ErrOrderAlreadyFilled)
}

func TestExpiry(t *testing.T) {
	h := newHarness(t, nil)
	h.grant(ownerA, 10, "9")
	h.grant(ownerC, 10, "9")

	expiresAt := h.clock.Now().Add(time.Hour)
	short, err := h.engine.Submit(h.ctx, SubmitRequest{
		OwnerID: ownerA, Instrument: testSymbol, Kind: storage.KindLimit, Side: storage.SideSell,
		Quantity: 10, LimitPrice: decPtr("10"), ExpiresAt: &expiresAt,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	long := h.limit(ownerC, storage.SideSell, 10, "10")
	if long.Order.ExpiresAt == nil || long.Order.ExpiresAt.Sub(long.Order.CreatedAt) != h.cfg.DefaultExpiry {
		t.Fatalf("expected default expiry of %s", h.cfg.DefaultExpiry)
	}

	h.clock.Advance(2 * time.Hour)
	expired, err := h.engine.ExpireDue(h.ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != short.Order.ID {
		t.Fatalf("expected only the short-lived order to expire, got %d", len(expired))
	}
	if got := h.order(short.Order.ID); got.Status != storage.OrderStatusExpired || got.Remaining != 0 {
		t.Fatalf("expected expired with no remaining, got %s remaining %d", got.Status, got.Remaining)
	}

	_, err = h.engine.Cancel(h.ctx, short.Order.ID, ownerA)
	assertCode(t, err, ErrOrderAlreadyExpired)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.store.UpsertInstrument(h.ctx, storage.Instrument{Symbol: "HALT", Price: dec("5"), Status: storage.InstrumentStatusHalted}); err != nil {
		t.Fatalf("seed instrument: %v", err)
	}
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		req  SubmitRequest
		want *Error
	}{
		{"unknown kind", SubmitRequest{Kind: "stop", Side: "buy", Quantity: 1}, ErrInvalidOrderType},
		{"unknown side", SubmitRequest{Kind: "market", Side: "hold", Quantity: 1}, ErrInvalidSide},
		{"zero quantity", SubmitRequest{Kind: "market", Side: "buy", Quantity: 0}, ErrInvalidQuantity},
		{"above max", SubmitRequest{Kind: "market", Side: "buy", Quantity: h.cfg.MaxQuantity + 1}, ErrInvalidQuantity},
		{"limit without price", SubmitRequest{Kind: "limit", Side: "buy", Quantity: 1}, ErrInvalidPrice},
		{"negative price", SubmitRequest{Kind: "limit", Side: "buy", Quantity: 1, LimitPrice: decPtr("-1")}, ErrInvalidPrice},
		{"sub-cent price", SubmitRequest{Kind: "limit", Side: "buy", Quantity: 1, LimitPrice: decPtr("10.001")}, ErrInvalidPrice},
		{"market with price", SubmitRequest{Kind: "market", Side: "buy", Quantity: 1, LimitPrice: decPtr("10")}, ErrInvalidPrice},
		{"past expiry", SubmitRequest{Kind: "limit", Side: "buy", Quantity: 1, LimitPrice: decPtr("10"), ExpiresAt: &past}, ErrInvalidExpiry},
		{"far from reference", SubmitRequest{Kind: "limit", Side: "buy", Quantity: 1, LimitPrice: decPtr("100")}, ErrPriceOutOfRange},
		{"halted", SubmitRequest{Instrument: "HALT", Kind: "limit", Side: "buy", Quantity: 1, LimitPrice: decPtr("5")}, ErrInstrumentNotTradable},
		{"unknown instrument", SubmitRequest{Instrument: "NOPE", Kind: "limit", Side: "buy", Quantity: 1, LimitPrice: decPtr("5")}, ErrInstrumentNotTradable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			req.OwnerID = ownerA
			if req.Instrument == "" {
				req.Instrument = testSymbol
			}
			_, err := h.engine.Submit(h.ctx, req)
			assertCode(t, err, tc.want)
			if !IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	orders, err := h.store.ListOrders(h.ctx, ownerA, storage.OrderFilter{})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("expected no orders persisted, got %d", len(orders))
	}
}

type flakyStore struct {
	store    *storage.MemoryStore
	mu       sync.Mutex
	failures int
	begins   int
}

func (f *flakyStore) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := f.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.begins++
	f.mu.Unlock()
	return &flakyTx{Tx: tx, parent: f}, nil
}

type flakyTx struct {
	storage.Tx
	parent *flakyStore
}

func (t *flakyTx) Commit(ctx context.Context) error {
	t.parent.mu.Lock()
	fail := t.parent.failures > 0
	if fail {
		t.parent.failures--
	}
	t.parent.mu.Unlock()
	if fail {
		_ = t.Tx.Rollback(ctx)
		return storage.ErrSerialization
	}
	return t.Tx.Commit(ctx)
}

func TestSubmitRetriesSerializationFailures(t *testing.T) {
	flaky := &flakyStore{}
	h := newHarness(t, func(s *storage.MemoryStore) TxBeginner {
		flaky.store = s
		return flaky
	})
	h.grant(ownerA, 10, "9")

	flaky.mu.Lock()
	flaky.failures = 2
	flaky.mu.Unlock()

	res := h.limit(ownerA, storage.SideSell, 10, "10")
	if flaky.begins != 3 {
		t.Fatalf("expected 3 attempts, got %d", flaky.begins)
	}
	if _, err := h.store.GetOrder(h.ctx, res.Order.ID); err != nil {
		t.Fatalf("expected order persisted after retry: %v", err)
	}
}

func TestSubmitRetryBudgetExhausted(t *testing.T) {
	flaky := &flakyStore{}
	h := newHarness(t, func(s *storage.MemoryStore) TxBeginner {
		flaky.store = s
		return flaky
	})
	h.grant(ownerA, 10, "9")
	h.deposit(ownerB, "1000")
	h.limit(ownerA, storage.SideSell, 10, "10")

	flaky.mu.Lock()
	flaky.failures = 10
	flaky.begins = 0
	flaky.mu.Unlock()

	_, err := h.market(ownerB, storage.SideBuy, 10)
	assertCode(t, err, ErrTradeExecutionFailed)
	if !errors.Is(err, storage.ErrSerialization) {
		t.Fatalf("expected cause to be kept, got %v", err)
	}
	if flaky.begins != h.cfg.RetryAttempts {
		t.Fatalf("expected %d attempts, got %d", h.cfg.RetryAttempts, flaky.begins)
	}
	if got := h.balance(ownerB); !got.Equal(dec("1000")) {
		t.Fatalf("expected no partial effects, balance %s", got)
	}
	if got := h.shares(ownerA); got != 10 {
		t.Fatalf("expected no partial effects, shares %d", got)
	}
}
