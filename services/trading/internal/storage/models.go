package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	KindMarket = "market"
	KindLimit  = "limit"

	SideBuy  = "buy"
	SideSell = "sell"

	OrderStatusPending   = "pending"
	OrderStatusPartial   = "partial"
	OrderStatusFilled    = "filled"
	OrderStatusCancelled = "cancelled"
	OrderStatusExpired   = "expired"

	InstrumentStatusOpen   = "open"
	InstrumentStatusHalted = "halted"
)

type Order struct {
	ID         uuid.UUID
	Seq        int64
	OwnerID    uuid.UUID
	Instrument string
	Kind       string
	Side       string
	Quantity   int64
	LimitPrice *decimal.Decimal
	Filled     int64
	Remaining  int64
	// Cancelled is the quantity closed without trading (cancel, expiry, unfilled market remainder).
	Cancelled int64
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt *time.Time
}

// Open reports whether the order can still trade.
func (o *Order) Open() bool {
	return (o.Status == OrderStatusPending || o.Status == OrderStatusPartial) && o.Remaining > 0
}

// Price returns the limit price, or zero for market orders.
func (o *Order) Price() decimal.Decimal {
	if o.LimitPrice == nil {
		return decimal.Zero
	}
	return *o.LimitPrice
}

type Trade struct {
	ID          uuid.UUID
	BuyOrderID  uuid.UUID
	SellOrderID uuid.UUID
	BuyerID     uuid.UUID
	SellerID    uuid.UUID
	Instrument  string
	Quantity    int64
	Price       decimal.Decimal
	Gross       decimal.Decimal
	BuyerFee    decimal.Decimal
	SellerFee   decimal.Decimal
	ExecutedAt  time.Time
}

type Holding struct {
	OwnerID     uuid.UUID
	Instrument  string
	Shares      int64
	AverageCost decimal.Decimal
	Invested    decimal.Decimal
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Instrument struct {
	Symbol    string
	Name      string
	Price     decimal.Decimal
	Status    string
	UpdatedAt time.Time
}

func (i *Instrument) Tradable() bool {
	return i.Status == InstrumentStatusOpen
}

type PriceTick struct {
	ID         int64
	Instrument string
	Price      decimal.Decimal
	Volume     int64
	TradeID    uuid.UUID
	RecordedAt time.Time
}

type Balance struct {
	OwnerID   uuid.UUID
	Available decimal.Decimal
	UpdatedAt time.Time
}

// BookLevel aggregates the open quantity resting at one price.
type BookLevel struct {
	Price    decimal.Decimal
	Quantity int64
	Orders   int
}

type OrderFilter struct {
	Instrument string
	Status     string
	Limit      int
}

// CandidateQuery selects resting orders on Side for Instrument, ordered by
// price-time priority. Orders expired as of Now are excluded, as are orders
// owned by ExcludeOwner. A non-nil LimitPrice keeps only prices that cross
// it: asks at or below it, bids at or above it.
type CandidateQuery struct {
	Instrument   string
	Side         string
	Now          time.Time
	ExcludeOwner uuid.UUID
	LimitPrice   *decimal.Decimal
}
