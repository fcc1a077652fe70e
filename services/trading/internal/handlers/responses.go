package handlers

import (
	"github.com/sharex/sharex/services/trading/internal/storage"
)

type orderItem struct {
	OrderID    string  `json:"order_id"`
	Instrument string  `json:"instrument"`
	Type       string  `json:"type"`
	Side       string  `json:"side"`
	Price      *string `json:"price,omitempty"`
	Quantity   int64   `json:"quantity"`
	Filled     int64   `json:"filled"`
	Remaining  int64   `json:"remaining"`
	Cancelled  int64   `json:"cancelled"`
	Status     string  `json:"status"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
	ExpiresAt  string  `json:"expires_at,omitempty"`
}

type tradeItem struct {
	TradeID     string `json:"trade_id"`
	Instrument  string `json:"instrument"`
	BuyOrderID  string `json:"buy_order_id"`
	SellOrderID string `json:"sell_order_id"`
	Price       string `json:"price"`
	Quantity    int64  `json:"quantity"`
	Gross       string `json:"gross"`
	BuyerFee    string `json:"buyer_fee"`
	SellerFee   string `json:"seller_fee"`
	ExecutedAt  string `json:"executed_at"`
}

type submitResponse struct {
	Status string      `json:"status"`
	Order  orderItem   `json:"order"`
	Trades []tradeItem `json:"trades"`
}

type holdingItem struct {
	Instrument  string `json:"instrument"`
	Shares      int64  `json:"shares"`
	AverageCost string `json:"average_cost"`
	Invested    string `json:"invested"`
	UpdatedAt   string `json:"updated_at"`
}

type instrumentItem struct {
	Symbol    string `json:"symbol"`
	Name      string `json:"name"`
	Price     string `json:"price"`
	Status    string `json:"status"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type levelItem struct {
	Price    string `json:"price"`
	Quantity int64  `json:"quantity"`
	Orders   int    `json:"orders"`
}

type bookResponse struct {
	Instrument string      `json:"instrument"`
	Bids       []levelItem `json:"bids"`
	Asks       []levelItem `json:"asks"`
	AsOf       string      `json:"as_of"`
}

type tickItem struct {
	Price      string `json:"price"`
	Volume     int64  `json:"volume"`
	TradeID    string `json:"trade_id"`
	RecordedAt string `json:"recorded_at"`
}

func orderToItem(o storage.Order) orderItem {
	item := orderItem{
		OrderID:    o.ID.String(),
		Instrument: o.Instrument,
		Type:       o.Kind,
		Side:       o.Side,
		Quantity:   o.Quantity,
		Filled:     o.Filled,
		Remaining:  o.Remaining,
		Cancelled:  o.Cancelled,
		Status:     o.Status,
		CreatedAt:  formatTime(o.CreatedAt),
		UpdatedAt:  formatTime(o.UpdatedAt),
	}
	if o.LimitPrice != nil {
		price := o.LimitPrice.String()
		item.Price = &price
	}
	if o.ExpiresAt != nil {
		item.ExpiresAt = formatTime(*o.ExpiresAt)
	}
	return item
}

func tradeToItem(t storage.Trade) tradeItem {
	return tradeItem{
		TradeID:     t.ID.String(),
		Instrument:  t.Instrument,
		BuyOrderID:  t.BuyOrderID.String(),
		SellOrderID: t.SellOrderID.String(),
		Price:       t.Price.String(),
		Quantity:    t.Quantity,
		Gross:       t.Gross.StringFixed(2),
		BuyerFee:    t.BuyerFee.StringFixed(2),
		SellerFee:   t.SellerFee.StringFixed(2),
		ExecutedAt:  formatTime(t.ExecutedAt),
	}
}

func tradesToItems(trades []storage.Trade) []tradeItem {
	items := make([]tradeItem, 0, len(trades))
	for _, t := range trades {
		items = append(items, tradeToItem(t))
	}
	return items
}

func levelsToItems(levels []storage.BookLevel) []levelItem {
	items := make([]levelItem, 0, len(levels))
	for _, l := range levels {
		items = append(items, levelItem{Price: l.Price.String(), Quantity: l.Quantity, Orders: l.Orders})
	}
	return items
}
