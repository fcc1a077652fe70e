package events

import (
	"strconv"
	"time"

	"github.com/sharex/sharex/libs/kafka"
	"github.com/sharex/sharex/services/trading/internal/engine"
	"github.com/sharex/sharex/services/trading/internal/storage"
)

const (
	TypeTradeExecuted = "trade.executed"
	TypePriceUpdated  = "price.updated"
	TypeOrderUpdated  = "order.updated"

	eventVersion = 1
)

// Event is one outbound notification. Key orders events of the same entity
// on the Kafka side; Instrument routes websocket subscribers.
type Event struct {
	Type       string
	Key        string
	Instrument string
	Payload    any
}

type TradeExecutedEvent struct {
	kafka.Envelope
	TradeID     string `json:"trade_id"`
	Instrument  string `json:"instrument"`
	BuyOrderID  string `json:"buy_order_id"`
	SellOrderID string `json:"sell_order_id"`
	Price       string `json:"price"`
	Quantity    int64  `json:"quantity"`
	Gross       string `json:"gross"`
	NewPrice    string `json:"new_price"`
	ExecutedAt  string `json:"executed_at"`
}

type PriceUpdatedEvent struct {
	kafka.Envelope
	Instrument string `json:"instrument"`
	Price      string `json:"price"`
	Volume     int64  `json:"volume"`
	TradeID    string `json:"trade_id"`
	RecordedAt string `json:"recorded_at"`
}

type OrderUpdatedEvent struct {
	kafka.Envelope
	OrderID    string `json:"order_id"`
	Instrument string `json:"instrument"`
	Side       string `json:"side"`
	Status     string `json:"status"`
	Filled     int64  `json:"filled"`
	Remaining  int64  `json:"remaining"`
	UpdatedAt  string `json:"updated_at"`
}

// FromSubmit builds the events for one committed matching pass: each trade
// with its price update, then the incoming order and every resting order
// it touched.
func FromSubmit(res *engine.SubmitResult) []Event {
	if res == nil {
		return nil
	}
	out := make([]Event, 0, 2*len(res.Trades)+1+len(res.Resting))
	for _, t := range res.Trades {
		out = append(out, tradeEvents(t)...)
	}
	out = append(out, orderEvent(res.Order))
	for _, o := range res.Resting {
		out = append(out, orderEvent(o))
	}
	return out
}

// FromOrders builds order.updated events for orders closed outside a pass.
func FromOrders(orders []storage.Order) []Event {
	out := make([]Event, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderEvent(o))
	}
	return out
}

func tradeEvents(t storage.Trade) []Event {
	executedAt := t.ExecutedAt.UTC().Format(time.RFC3339Nano)
	return []Event{
		{
			Type:       TypeTradeExecuted,
			Key:        t.Instrument,
			Instrument: t.Instrument,
			Payload: TradeExecutedEvent{
				Envelope:    envelope(TypeTradeExecuted, t.ExecutedAt, t.ID.String()),
				TradeID:     t.ID.String(),
				Instrument:  t.Instrument,
				BuyOrderID:  t.BuyOrderID.String(),
				SellOrderID: t.SellOrderID.String(),
				Price:       t.Price.String(),
				Quantity:    t.Quantity,
				Gross:       t.Gross.String(),
				NewPrice:    t.Price.String(),
				ExecutedAt:  executedAt,
			},
		},
		{
			Type:       TypePriceUpdated,
			Key:        t.Instrument,
			Instrument: t.Instrument,
			Payload: PriceUpdatedEvent{
				Envelope:   envelope(TypePriceUpdated, t.ExecutedAt, t.ID.String()),
				Instrument: t.Instrument,
				Price:      t.Price.String(),
				Volume:     t.Quantity,
				TradeID:    t.ID.String(),
				RecordedAt: executedAt,
			},
		},
	}
}

func orderEvent(o storage.Order) Event {
	return Event{
		Type:       TypeOrderUpdated,
		Key:        o.ID.String(),
		Instrument: o.Instrument,
		Payload: OrderUpdatedEvent{
			Envelope:   envelope(TypeOrderUpdated, o.UpdatedAt, o.ID.String(), o.Status, strconv.FormatInt(o.Remaining, 10)),
			OrderID:    o.ID.String(),
			Instrument: o.Instrument,
			Side:       o.Side,
			Status:     o.Status,
			Filled:     o.Filled,
			Remaining:  o.Remaining,
			UpdatedAt:  o.UpdatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

// envelope stamps an event with the time the fact happened; a rebuilt event
// encodes to the same bytes.
func envelope(eventType string, occurredAt time.Time, identity ...string) kafka.Envelope {
	env, _ := kafka.NewEnvelope(eventType, eventVersion, occurredAt, identity...)
	return env
}
