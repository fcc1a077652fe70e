package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type holdingKey struct {
	owner      uuid.UUID
	instrument string
}

type memState struct {
	orders      map[uuid.UUID]Order
	trades      []Trade
	holdings    map[holdingKey]Holding
	instruments map[string]Instrument
	balances    map[uuid.UUID]Balance
	ticks       []PriceTick
	orderSeq    int64
	tickSeq     int64
}

func newMemState() *memState {
	return &memState{
		orders:      map[uuid.UUID]Order{},
		holdings:    map[holdingKey]Holding{},
		instruments: map[string]Instrument{},
		balances:    map[uuid.UUID]Balance{},
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		orders:      make(map[uuid.UUID]Order, len(s.orders)),
		trades:      append([]Trade(nil), s.trades...),
		holdings:    make(map[holdingKey]Holding, len(s.holdings)),
		instruments: make(map[string]Instrument, len(s.instruments)),
		balances:    make(map[uuid.UUID]Balance, len(s.balances)),
		ticks:       append([]PriceTick(nil), s.ticks...),
		orderSeq:    s.orderSeq,
		tickSeq:     s.tickSeq,
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.holdings {
		c.holdings[k] = v
	}
	for k, v := range s.instruments {
		c.instruments[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	return c
}

// MemoryStore keeps all state in process. Transactions run one at a time
// against a private copy of the state that replaces the shared copy on
// commit, which makes them trivially serializable.
type MemoryStore struct {
	sem   chan struct{}
	mu    sync.RWMutex
	state *memState
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		sem:   make(chan struct{}, 1),
		state: newMemState(),
	}
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return &memTx{store: s, state: snapshot}, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) GetOrder(_ context.Context, id uuid.UUID) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.state.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, ownerID uuid.UUID, filter OrderFilter) ([]Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Order
	for _, o := range s.state.orders {
		if o.OwnerID != ownerID {
			continue
		}
		if filter.Instrument != "" && o.Instrument != filter.Instrument {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Seq > out[j].Seq
	})
	if limit := clampLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) OpenOrders(_ context.Context, instrument string) ([]Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now().UTC()
	var out []Order
	for _, o := range s.state.orders {
		if o.Instrument == instrument && o.Open() && !expiredAt(&o, now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) ListTradesForOrder(_ context.Context, orderID uuid.UUID) ([]Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Trade
	for _, t := range s.state.trades {
		if t.BuyOrderID == orderID || t.SellOrderID == orderID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, instrument string, limit int) ([]Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = clampLimit(limit)
	var out []Trade
	for i := len(s.state.trades) - 1; i >= 0 && len(out) < limit; i-- {
		if s.state.trades[i].Instrument == instrument {
			out = append(out, s.state.trades[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) ListHoldings(_ context.Context, ownerID uuid.UUID) ([]Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Holding
	for k, h := range s.state.holdings {
		if k.owner == ownerID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, ownerID uuid.UUID) (Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.state.balances[ownerID]
	if !ok {
		return Balance{OwnerID: ownerID, Available: decimal.Zero}, nil
	}
	return b, nil
}

func (s *MemoryStore) GetInstrument(_ context.Context, symbol string) (*Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.state.instruments[symbol]
	if !ok {
		return nil, ErrNotFound
	}
	return &inst, nil
}

func (s *MemoryStore) ListPriceTicks(_ context.Context, symbol string, limit int) ([]PriceTick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = clampLimit(limit)
	var out []PriceTick
	for i := len(s.state.ticks) - 1; i >= 0 && len(out) < limit; i-- {
		if s.state.ticks[i].Instrument == symbol {
			out = append(out, s.state.ticks[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertInstrument(ctx context.Context, inst Instrument) error {
	return s.apply(ctx, func(st *memState) {
		if inst.UpdatedAt.IsZero() {
			inst.UpdatedAt = time.Now().UTC()
		}
		if existing, ok := st.instruments[inst.Symbol]; ok {
			if inst.Name == "" {
				inst.Name = existing.Name
			}
			if !inst.Price.IsPositive() {
				inst.Price = existing.Price
			}
		}
		st.instruments[inst.Symbol] = inst
	})
}

// Deposit credits an owner's cash balance outside of trading.
func (s *MemoryStore) Deposit(ctx context.Context, ownerID uuid.UUID, amount decimal.Decimal) error {
	return s.apply(ctx, func(st *memState) {
		b := st.balances[ownerID]
		b.OwnerID = ownerID
		b.Available = b.Available.Add(amount)
		b.UpdatedAt = time.Now().UTC()
		st.balances[ownerID] = b
	})
}

// GrantShares adds shares to an owner's holding at the given cost per share.
func (s *MemoryStore) GrantShares(ctx context.Context, ownerID uuid.UUID, instrument string, shares int64, cost decimal.Decimal) error {
	return s.apply(ctx, func(st *memState) {
		key := holdingKey{owner: ownerID, instrument: instrument}
		now := time.Now().UTC()
		h, ok := st.holdings[key]
		if !ok {
			h = Holding{OwnerID: ownerID, Instrument: instrument, CreatedAt: now}
		}
		h.Shares += shares
		h.Invested = h.Invested.Add(cost.Mul(decimal.NewFromInt(shares)))
		if h.Shares > 0 {
			h.AverageCost = h.Invested.Div(decimal.NewFromInt(h.Shares))
		}
		h.UpdatedAt = now
		st.holdings[key] = h
	})
}

func (s *MemoryStore) apply(ctx context.Context, fn func(st *memState)) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	fn(tx.(*memTx).state)
	return tx.Commit(ctx)
}

type memTx struct {
	store *MemoryStore
	state *memState
	done  bool
}

func (t *memTx) InsertOrder(_ context.Context, order *Order) error {
	if t.done {
		return ErrTxDone
	}
	if _, ok := t.state.orders[order.ID]; ok {
		return ErrConflict
	}
	if _, ok := t.state.instruments[order.Instrument]; !ok {
		return ErrNotFound
	}
	t.state.orderSeq++
	order.Seq = t.state.orderSeq
	t.state.orders[order.ID] = *order
	return nil
}

func (t *memTx) GetOrderForUpdate(_ context.Context, id uuid.UUID) (*Order, error) {
	if t.done {
		return nil, ErrTxDone
	}
	o, ok := t.state.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (t *memTx) UpdateOrder(_ context.Context, order *Order) error {
	if t.done {
		return ErrTxDone
	}
	existing, ok := t.state.orders[order.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Filled = order.Filled
	existing.Remaining = order.Remaining
	existing.Cancelled = order.Cancelled
	existing.Status = order.Status
	existing.UpdatedAt = order.UpdatedAt
	t.state.orders[order.ID] = existing
	return nil
}

func (t *memTx) MatchCandidates(_ context.Context, q CandidateQuery) ([]Order, error) {
	if t.done {
		return nil, ErrTxDone
	}
	var out []Order
	for _, o := range t.state.orders {
		if o.Instrument != q.Instrument || o.Side != q.Side || o.Kind != KindLimit {
			continue
		}
		if !o.Open() || expiredAt(&o, q.Now) {
			continue
		}
		if q.ExcludeOwner != uuid.Nil && o.OwnerID == q.ExcludeOwner {
			continue
		}
		if q.LimitPrice != nil && !crosses(q.Side, o.Price(), *q.LimitPrice) {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if cmp := out[i].Price().Cmp(out[j].Price()); cmp != 0 {
			if q.Side == SideBuy {
				return cmp > 0
			}
			return cmp < 0
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (t *memTx) DueForExpiry(_ context.Context, now time.Time, limit int) ([]Order, error) {
	if t.done {
		return nil, ErrTxDone
	}
	var out []Order
	for _, o := range t.state.orders {
		if o.Kind == KindLimit && (o.Status == OrderStatusPending || o.Status == OrderStatusPartial) && expiredAt(&o, now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) GetInstrument(_ context.Context, symbol string) (*Instrument, error) {
	if t.done {
		return nil, ErrTxDone
	}
	inst, ok := t.state.instruments[symbol]
	if !ok {
		return nil, ErrNotFound
	}
	return &inst, nil
}

func (t *memTx) UpdateInstrumentPrice(_ context.Context, symbol string, price decimal.Decimal, at time.Time) error {
	if t.done {
		return ErrTxDone
	}
	inst, ok := t.state.instruments[symbol]
	if !ok {
		return ErrNotFound
	}
	inst.Price = price
	inst.UpdatedAt = at
	t.state.instruments[symbol] = inst
	return nil
}

func (t *memTx) InsertPriceTick(_ context.Context, tick *PriceTick) error {
	if t.done {
		return ErrTxDone
	}
	t.state.tickSeq++
	tick.ID = t.state.tickSeq
	t.state.ticks = append(t.state.ticks, *tick)
	return nil
}

func (t *memTx) GetBalanceForUpdate(_ context.Context, ownerID uuid.UUID) (*Balance, error) {
	if t.done {
		return nil, ErrTxDone
	}
	b, ok := t.state.balances[ownerID]
	if !ok {
		b = Balance{OwnerID: ownerID, Available: decimal.Zero, UpdatedAt: time.Now().UTC()}
		t.state.balances[ownerID] = b
	}
	return &b, nil
}

func (t *memTx) UpdateBalance(_ context.Context, balance *Balance) error {
	if t.done {
		return ErrTxDone
	}
	t.state.balances[balance.OwnerID] = *balance
	return nil
}

func (t *memTx) GetHoldingForUpdate(_ context.Context, ownerID uuid.UUID, instrument string) (*Holding, error) {
	if t.done {
		return nil, ErrTxDone
	}
	h, ok := t.state.holdings[holdingKey{owner: ownerID, instrument: instrument}]
	if !ok {
		return nil, ErrNotFound
	}
	return &h, nil
}

func (t *memTx) UpsertHolding(_ context.Context, h *Holding) error {
	if t.done {
		return ErrTxDone
	}
	t.state.holdings[holdingKey{owner: h.OwnerID, instrument: h.Instrument}] = *h
	return nil
}

func (t *memTx) InsertTrade(_ context.Context, trade *Trade) error {
	if t.done {
		return ErrTxDone
	}
	t.state.trades = append(t.state.trades, *trade)
	return nil
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.store.mu.Lock()
	t.store.state = t.state
	t.store.mu.Unlock()
	<-t.store.sem
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	<-t.store.sem
	return nil
}

// crosses reports whether a resting order on side at price can trade
// against an incoming limit.
func crosses(side string, price, limit decimal.Decimal) bool {
	if side == SideSell {
		return price.LessThanOrEqual(limit)
	}
	return price.GreaterThanOrEqual(limit)
}

func expiredAt(o *Order, now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}
