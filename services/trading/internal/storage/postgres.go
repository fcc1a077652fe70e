package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	orderColumns = `id, seq, owner_id, instrument, kind, side, quantity, limit_price::text,
		filled_quantity, remaining_quantity, cancelled_quantity, status, created_at, updated_at, expires_at`
	tradeColumns = `id, buy_order_id, sell_order_id, buyer_id, seller_id, instrument, quantity,
		price::text, gross::text, buyer_fee::text, seller_fee::text, executed_at`

	defaultListLimit = 100
	maxListLimit     = 500
)

type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &pgTx{tx: tx, logger: s.logger}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return order, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, ownerID uuid.UUID, filter OrderFilter) ([]Order, error) {
	args := []any{ownerID}
	clauses := []string{"owner_id = $1"}
	if filter.Instrument != "" {
		args = append(args, filter.Instrument)
		clauses = append(clauses, fmt.Sprintf("instrument = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	args = append(args, clampLimit(filter.Limit))

	query := fmt.Sprintf(`SELECT %s FROM orders WHERE %s ORDER BY created_at DESC, seq DESC LIMIT $%d`,
		orderColumns, strings.Join(clauses, " AND "), len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (s *PostgresStore) OpenOrders(ctx context.Context, instrument string) ([]Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE instrument = $1 AND status IN ('pending', 'partial') AND remaining_quantity > 0
		  AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY seq
	`, instrument, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (s *PostgresStore) ListTradesForOrder(ctx context.Context, orderID uuid.UUID) ([]Trade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE buy_order_id = $1 OR sell_order_id = $1
		ORDER BY executed_at, id
	`, orderID)
	if err != nil {
		return nil, err
	}
	return collectTrades(rows)
}

func (s *PostgresStore) ListTrades(ctx context.Context, instrument string, limit int) ([]Trade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE instrument = $1
		ORDER BY executed_at DESC
		LIMIT $2
	`, instrument, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectTrades(rows)
}

func (s *PostgresStore) ListHoldings(ctx context.Context, ownerID uuid.UUID) ([]Holding, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT owner_id, instrument, shares, average_cost::text, invested::text, created_at, updated_at
		FROM holdings
		WHERE owner_id = $1
		ORDER BY instrument
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, *h)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return holdings, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, ownerID uuid.UUID) (Balance, error) {
	row := s.pool.QueryRow(ctx, `SELECT owner_id, available::text, updated_at FROM balances WHERE owner_id = $1`, ownerID)
	b, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{OwnerID: ownerID, Available: decimal.Zero}, nil
		}
		return Balance{}, err
	}
	return *b, nil
}

func (s *PostgresStore) GetInstrument(ctx context.Context, symbol string) (*Instrument, error) {
	return getInstrument(ctx, s.pool, symbol)
}

func (s *PostgresStore) ListPriceTicks(ctx context.Context, symbol string, limit int) ([]PriceTick, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, instrument, price::text, volume, trade_id, recorded_at
		FROM price_ticks
		WHERE instrument = $1
		ORDER BY id DESC
		LIMIT $2
	`, symbol, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ticks []PriceTick
	for rows.Next() {
		var tick PriceTick
		var priceStr string
		if err := rows.Scan(&tick.ID, &tick.Instrument, &priceStr, &tick.Volume, &tick.TradeID, &tick.RecordedAt); err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse tick price: %w", err)
		}
		tick.Price = price
		ticks = append(ticks, tick)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ticks, nil
}

func (s *PostgresStore) UpsertInstrument(ctx context.Context, inst Instrument) error {
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO instruments (symbol, name, price, status, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (symbol) DO UPDATE
		SET name = CASE WHEN EXCLUDED.name = '' THEN instruments.name ELSE EXCLUDED.name END,
		    price = CASE WHEN EXCLUDED.price > 0 THEN EXCLUDED.price ELSE instruments.price END,
		    status = EXCLUDED.status,
		    updated_at = EXCLUDED.updated_at
	`, inst.Symbol, inst.Name, inst.Price.String(), inst.Status, inst.UpdatedAt)
	return err
}

type pgTx struct {
	tx     pgx.Tx
	logger *slog.Logger
}

func (t *pgTx) InsertOrder(ctx context.Context, order *Order) error {
	var limitPrice *string
	if order.LimitPrice != nil {
		v := order.LimitPrice.String()
		limitPrice = &v
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO orders (id, owner_id, instrument, kind, side, quantity, limit_price,
			filled_quantity, remaining_quantity, cancelled_quantity, status, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING seq
	`, order.ID, order.OwnerID, order.Instrument, order.Kind, order.Side, order.Quantity, limitPrice,
		order.Filled, order.Remaining, order.Cancelled, order.Status, order.CreatedAt, order.UpdatedAt, order.ExpiresAt,
	).Scan(&order.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*Order, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return order, nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, order *Order) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE orders
		SET filled_quantity = $1, remaining_quantity = $2, cancelled_quantity = $3, status = $4, updated_at = $5
		WHERE id = $6
	`, order.Filled, order.Remaining, order.Cancelled, order.Status, order.UpdatedAt, order.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) MatchCandidates(ctx context.Context, q CandidateQuery) ([]Order, error) {
	where := []string{
		"instrument = $1", "side = $2", "status IN ('pending', 'partial')", "remaining_quantity > 0",
		"kind = 'limit'", "(expires_at IS NULL OR expires_at > $3)",
	}
	args := []any{q.Instrument, q.Side, q.Now}
	if q.ExcludeOwner != uuid.Nil {
		args = append(args, q.ExcludeOwner)
		where = append(where, fmt.Sprintf("owner_id <> $%d", len(args)))
	}
	priceOrder := "ASC"
	bound := "<="
	if q.Side == SideBuy {
		priceOrder = "DESC"
		bound = ">="
	}
	if q.LimitPrice != nil {
		args = append(args, q.LimitPrice.String())
		where = append(where, fmt.Sprintf("limit_price %s $%d::numeric", bound, len(args)))
	}

	rows, err := t.tx.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY limit_price `+priceOrder+`, created_at ASC, seq ASC
		FOR UPDATE
	`, args...)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

// DueForExpiry locks up to limit expired orders. A non-positive limit
// returns all of them.
func (t *pgTx) DueForExpiry(ctx context.Context, now time.Time, limit int) ([]Order, error) {
	var batch *int
	if limit > 0 {
		batch = &limit
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE kind = 'limit' AND status IN ('pending', 'partial') AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at, seq
		LIMIT $2
		FOR UPDATE
	`, now, batch)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (t *pgTx) GetInstrument(ctx context.Context, symbol string) (*Instrument, error) {
	return getInstrument(ctx, t.tx, symbol)
}

func (t *pgTx) UpdateInstrumentPrice(ctx context.Context, symbol string, price decimal.Decimal, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE instruments SET price = $1, updated_at = $2 WHERE symbol = $3`, price.String(), at, symbol)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertPriceTick(ctx context.Context, tick *PriceTick) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO price_ticks (instrument, price, volume, trade_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, tick.Instrument, tick.Price.String(), tick.Volume, tick.TradeID, tick.RecordedAt).Scan(&tick.ID)
}

func (t *pgTx) GetBalanceForUpdate(ctx context.Context, ownerID uuid.UUID) (*Balance, error) {
	b, err := t.getBalanceForUpdate(ctx, ownerID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	if _, err := t.tx.Exec(ctx, `
		INSERT INTO balances (owner_id, available, updated_at)
		VALUES ($1, 0, now())
		ON CONFLICT (owner_id) DO NOTHING
	`, ownerID); err != nil {
		return nil, err
	}
	return t.getBalanceForUpdate(ctx, ownerID)
}

func (t *pgTx) getBalanceForUpdate(ctx context.Context, ownerID uuid.UUID) (*Balance, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT owner_id, available::text, updated_at
		FROM balances
		WHERE owner_id = $1
		FOR UPDATE
	`, ownerID)
	return scanBalance(row)
}

func (t *pgTx) UpdateBalance(ctx context.Context, balance *Balance) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE balances SET available = $1, updated_at = $2 WHERE owner_id = $3
	`, balance.Available.String(), balance.UpdatedAt, balance.OwnerID)
	return err
}

func (t *pgTx) GetHoldingForUpdate(ctx context.Context, ownerID uuid.UUID, instrument string) (*Holding, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT owner_id, instrument, shares, average_cost::text, invested::text, created_at, updated_at
		FROM holdings
		WHERE owner_id = $1 AND instrument = $2
		FOR UPDATE
	`, ownerID, instrument)
	h, err := scanHolding(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return h, nil
}

func (t *pgTx) UpsertHolding(ctx context.Context, h *Holding) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO holdings (owner_id, instrument, shares, average_cost, invested, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (owner_id, instrument) DO UPDATE
		SET shares = EXCLUDED.shares,
		    average_cost = EXCLUDED.average_cost,
		    invested = EXCLUDED.invested,
		    updated_at = EXCLUDED.updated_at
	`, h.OwnerID, h.Instrument, h.Shares, h.AverageCost.String(), h.Invested.String(), h.CreatedAt, h.UpdatedAt)
	return err
}

func (t *pgTx) InsertTrade(ctx context.Context, trade *Trade) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO trades (id, buy_order_id, sell_order_id, buyer_id, seller_id, instrument, quantity,
			price, gross, buyer_fee, seller_fee, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, trade.ID, trade.BuyOrderID, trade.SellOrderID, trade.BuyerID, trade.SellerID, trade.Instrument, trade.Quantity,
		trade.Price.String(), trade.Gross.String(), trade.BuyerFee.String(), trade.SellerFee.String(), trade.ExecutedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (t *pgTx) Commit(ctx context.Context) error {
	err := t.tx.Commit(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return ErrTxDone
	}
	return err
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	if err != nil {
		t.logger.Warn("rollback failed", "error", err)
	}
	return err
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getInstrument(ctx context.Context, q rowQuerier, symbol string) (*Instrument, error) {
	var inst Instrument
	var priceStr string
	row := q.QueryRow(ctx, `SELECT symbol, name, price::text, status, updated_at FROM instruments WHERE symbol = $1`, symbol)
	if err := row.Scan(&inst.Symbol, &inst.Name, &priceStr, &inst.Status, &inst.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return nil, fmt.Errorf("parse instrument price: %w", err)
	}
	inst.Price = price
	return &inst, nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var limitPrice *string
	if err := row.Scan(&o.ID, &o.Seq, &o.OwnerID, &o.Instrument, &o.Kind, &o.Side, &o.Quantity, &limitPrice,
		&o.Filled, &o.Remaining, &o.Cancelled, &o.Status, &o.CreatedAt, &o.UpdatedAt, &o.ExpiresAt); err != nil {
		return nil, err
	}
	if limitPrice != nil {
		price, err := decimal.NewFromString(*limitPrice)
		if err != nil {
			return nil, fmt.Errorf("parse limit price: %w", err)
		}
		o.LimitPrice = &price
	}
	return &o, nil
}

func collectOrders(rows pgx.Rows) ([]Order, error) {
	defer rows.Close()
	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return orders, nil
}

func collectTrades(rows pgx.Rows) ([]Trade, error) {
	defer rows.Close()
	var trades []Trade
	for rows.Next() {
		var tr Trade
		var price, gross, buyerFee, sellerFee string
		if err := rows.Scan(&tr.ID, &tr.BuyOrderID, &tr.SellOrderID, &tr.BuyerID, &tr.SellerID, &tr.Instrument,
			&tr.Quantity, &price, &gross, &buyerFee, &sellerFee, &tr.ExecutedAt); err != nil {
			return nil, err
		}
		var err error
		if tr.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse trade price: %w", err)
		}
		if tr.Gross, err = decimal.NewFromString(gross); err != nil {
			return nil, fmt.Errorf("parse trade gross: %w", err)
		}
		if tr.BuyerFee, err = decimal.NewFromString(buyerFee); err != nil {
			return nil, fmt.Errorf("parse buyer fee: %w", err)
		}
		if tr.SellerFee, err = decimal.NewFromString(sellerFee); err != nil {
			return nil, fmt.Errorf("parse seller fee: %w", err)
		}
		trades = append(trades, tr)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return trades, nil
}

func scanHolding(row pgx.Row) (*Holding, error) {
	var h Holding
	var avgStr, investedStr string
	if err := row.Scan(&h.OwnerID, &h.Instrument, &h.Shares, &avgStr, &investedStr, &h.CreatedAt, &h.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if h.AverageCost, err = decimal.NewFromString(avgStr); err != nil {
		return nil, fmt.Errorf("parse average cost: %w", err)
	}
	if h.Invested, err = decimal.NewFromString(investedStr); err != nil {
		return nil, fmt.Errorf("parse invested: %w", err)
	}
	return &h, nil
}

func scanBalance(row pgx.Row) (*Balance, error) {
	var b Balance
	var availableStr string
	if err := row.Scan(&b.OwnerID, &availableStr, &b.UpdatedAt); err != nil {
		return nil, err
	}
	available, err := decimal.NewFromString(availableStr)
	if err != nil {
		return nil, fmt.Errorf("parse available balance: %w", err)
	}
	b.Available = available
	return &b, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
