package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sharex/sharex/libs/auth"
	"github.com/sharex/sharex/services/trading/internal/engine"
	"github.com/sharex/sharex/services/trading/internal/service"
	"github.com/sharex/sharex/services/trading/internal/storage"
	"github.com/sharex/sharex/services/trading/internal/validation"
)

type OrderService interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (*engine.SubmitResult, error)
	Cancel(ctx context.Context, ownerID, orderID uuid.UUID) (*storage.Order, error)
	GetOrder(ctx context.Context, ownerID, orderID uuid.UUID) (*storage.Order, error)
	ListOrders(ctx context.Context, ownerID uuid.UUID, filter storage.OrderFilter) ([]storage.Order, error)
	TradesForOrder(ctx context.Context, ownerID, orderID uuid.UUID) ([]storage.Trade, error)
	Holdings(ctx context.Context, ownerID uuid.UUID) ([]storage.Holding, error)
	Balance(ctx context.Context, ownerID uuid.UUID) (storage.Balance, error)
	Instrument(ctx context.Context, symbol string) (*storage.Instrument, error)
	PriceTicks(ctx context.Context, symbol string, limit int) ([]storage.PriceTick, error)
	RecentTrades(ctx context.Context, symbol string, limit int) ([]storage.Trade, error)
	Book(ctx context.Context, symbol string, depth int) (engine.BookView, error)
}

type Handler struct {
	Service OrderService
	Logger  *slog.Logger
}

type errorResponse struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Fields  []validation.FieldError `json:"fields,omitempty"`
}

func New(svc OrderService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Logger: logger}
}

// Register mounts the API. submitLimiter guards order submission only and
// may be nil; stream serves the websocket feed and may be nil.
func (h *Handler) Register(r *gin.Engine, jwtSecret []byte, submitLimiter gin.HandlerFunc, stream http.Handler) {
	group := r.Group("/", auth.Middleware(jwtSecret))

	submit := []gin.HandlerFunc{h.CreateOrder}
	if submitLimiter != nil {
		submit = append([]gin.HandlerFunc{submitLimiter}, submit...)
	}
	group.POST("/orders", submit...)
	group.GET("/orders", h.ListOrders)
	group.GET("/orders/:id", h.GetOrder)
	group.DELETE("/orders/:id", h.CancelOrder)
	group.GET("/orders/:id/trades", h.OrderTrades)
	group.GET("/holdings", h.Holdings)
	group.GET("/balance", h.Balance)

	group.GET("/instruments/:symbol", h.GetInstrument)
	group.GET("/instruments/:symbol/book", h.Book)
	group.GET("/instruments/:symbol/trades", h.InstrumentTrades)
	group.GET("/instruments/:symbol/ticks", h.PriceTicks)

	if stream != nil {
		group.GET("/ws", gin.WrapH(stream))
	}
}

func (h *Handler) CreateOrder(c *gin.Context) {
	ownerID, ok := auth.OwnerID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "missing owner", nil)
		return
	}

	var req validation.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	parsed, errs := validation.ParseOrderRequest(req)
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, errs.Code(), "invalid request", errs)
		return
	}

	res, err := h.Service.Submit(c.Request.Context(), engine.SubmitRequest{
		OwnerID:    ownerID,
		Instrument: parsed.Instrument,
		Kind:       parsed.Type,
		Side:       parsed.Side,
		Quantity:   parsed.Quantity,
		LimitPrice: parsed.Price,
		ExpiresAt:  parsed.ExpiresAt,
	})
	if err != nil {
		if errors.Is(err, engine.ErrNoLiquidity) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "no_liquidity",
				"code":    string(engine.CodeNoLiquidity),
				"message": "no opposing orders available",
			})
			return
		}
		h.writeDomainError(c, "submit order", err)
		return
	}

	trades := make([]tradeItem, 0, len(res.Trades))
	for _, t := range res.Trades {
		trades = append(trades, tradeToItem(t))
	}
	c.JSON(http.StatusCreated, submitResponse{
		Status: res.Order.Status,
		Order:  orderToItem(res.Order),
		Trades: trades,
	})
}

func (h *Handler) ListOrders(c *gin.Context) {
	ownerID, ok := auth.OwnerID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "missing owner", nil)
		return
	}
	limit, err := validation.ParseLimit(c.Query("limit"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}

	orders, err := h.Service.ListOrders(c.Request.Context(), ownerID, storage.OrderFilter{
		Instrument: c.Query("instrument"),
		Status:     c.Query("status"),
		Limit:      limit,
	})
	if err != nil {
		h.writeDomainError(c, "list orders", err)
		return
	}
	items := make([]orderItem, 0, len(orders))
	for _, o := range orders {
		items = append(items, orderToItem(o))
	}
	c.JSON(http.StatusOK, gin.H{"orders": items})
}

func (h *Handler) GetOrder(c *gin.Context) {
	ownerID, orderID, ok := h.ownerAndOrder(c)
	if !ok {
		return
	}
	order, err := h.Service.GetOrder(c.Request.Context(), ownerID, orderID)
	if err != nil {
		h.writeDomainError(c, "get order", err)
		return
	}
	c.JSON(http.StatusOK, orderToItem(*order))
}

func (h *Handler) CancelOrder(c *gin.Context) {
	ownerID, orderID, ok := h.ownerAndOrder(c)
	if !ok {
		return
	}
	order, err := h.Service.Cancel(c.Request.Context(), ownerID, orderID)
	if err != nil {
		h.writeDomainError(c, "cancel order", err)
		return
	}
	c.JSON(http.StatusOK, orderToItem(*order))
}

func (h *Handler) OrderTrades(c *gin.Context) {
	ownerID, orderID, ok := h.ownerAndOrder(c)
	if !ok {
		return
	}
	trades, err := h.Service.TradesForOrder(c.Request.Context(), ownerID, orderID)
	if err != nil {
		h.writeDomainError(c, "order trades", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": tradesToItems(trades)})
}

func (h *Handler) Holdings(c *gin.Context) {
	ownerID, ok := auth.OwnerID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "missing owner", nil)
		return
	}
	holdings, err := h.Service.Holdings(c.Request.Context(), ownerID)
	if err != nil {
		h.writeDomainError(c, "list holdings", err)
		return
	}
	items := make([]holdingItem, 0, len(holdings))
	for _, hd := range holdings {
		items = append(items, holdingItem{
			Instrument:  hd.Instrument,
			Shares:      hd.Shares,
			AverageCost: hd.AverageCost.String(),
			Invested:    hd.Invested.String(),
			UpdatedAt:   formatTime(hd.UpdatedAt),
		})
	}
	c.JSON(http.StatusOK, gin.H{"holdings": items})
}

func (h *Handler) Balance(c *gin.Context) {
	ownerID, ok := auth.OwnerID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "missing owner", nil)
		return
	}
	bal, err := h.Service.Balance(c.Request.Context(), ownerID)
	if err != nil {
		h.writeDomainError(c, "get balance", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"available": bal.Available.StringFixed(2)})
}

func (h *Handler) GetInstrument(c *gin.Context) {
	inst, err := h.Service.Instrument(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		h.writeDomainError(c, "get instrument", err)
		return
	}
	c.JSON(http.StatusOK, instrumentItem{
		Symbol:    inst.Symbol,
		Name:      inst.Name,
		Price:     inst.Price.String(),
		Status:    inst.Status,
		UpdatedAt: formatTime(inst.UpdatedAt),
	})
}

func (h *Handler) Book(c *gin.Context) {
	depth, err := validation.ParseLimit(c.Query("depth"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "depth must be a non-negative integer", nil)
		return
	}
	book, err := h.Service.Book(c.Request.Context(), c.Param("symbol"), depth)
	if err != nil {
		h.writeDomainError(c, "order book", err)
		return
	}
	c.JSON(http.StatusOK, bookResponse{
		Instrument: book.Instrument,
		Bids:       levelsToItems(book.Bids),
		Asks:       levelsToItems(book.Asks),
		AsOf:       formatTime(book.AsOf),
	})
}

func (h *Handler) InstrumentTrades(c *gin.Context) {
	limit, err := validation.ParseLimit(c.Query("limit"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	trades, err := h.Service.RecentTrades(c.Request.Context(), c.Param("symbol"), limit)
	if err != nil {
		h.writeDomainError(c, "instrument trades", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": tradesToItems(trades)})
}

func (h *Handler) PriceTicks(c *gin.Context) {
	limit, err := validation.ParseLimit(c.Query("limit"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	ticks, err := h.Service.PriceTicks(c.Request.Context(), c.Param("symbol"), limit)
	if err != nil {
		h.writeDomainError(c, "price ticks", err)
		return
	}
	items := make([]tickItem, 0, len(ticks))
	for _, t := range ticks {
		items = append(items, tickItem{
			Price:      t.Price.String(),
			Volume:     t.Volume,
			TradeID:    t.TradeID.String(),
			RecordedAt: formatTime(t.RecordedAt),
		})
	}
	c.JSON(http.StatusOK, gin.H{"ticks": items})
}

func (h *Handler) ownerAndOrder(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	ownerID, ok := auth.OwnerID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "missing owner", nil)
		return uuid.Nil, uuid.Nil, false
	}
	orderID, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id", nil)
		return uuid.Nil, uuid.Nil, false
	}
	return ownerID, orderID, true
}

// writeDomainError maps engine codes onto HTTP statuses. Anything without
// a code is logged and hidden behind INTERNAL_ERROR.
func (h *Handler) writeDomainError(c *gin.Context, op string, err error) {
	if errors.Is(err, service.ErrInstrumentNotFound) {
		writeError(c, http.StatusNotFound, "INSTRUMENT_NOT_FOUND", "instrument not found", nil)
		return
	}
	var de *engine.Error
	if errors.As(err, &de) {
		status := statusForCode(de.Code)
		if status >= http.StatusInternalServerError {
			h.Logger.Error(op+" failed", "code", de.Code, "error", err)
		}
		writeError(c, status, string(de.Code), de.Message, nil)
		return
	}
	h.Logger.Error(op+" failed", "error", err)
	writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
}

func statusForCode(code engine.Code) int {
	switch code {
	case engine.CodeInvalidOrderType, engine.CodeInvalidSide, engine.CodeInvalidQuantity,
		engine.CodeInvalidPrice, engine.CodeInvalidExpiry, engine.CodePriceOutOfRange,
		engine.CodeInstrumentNotTradable, engine.CodeInsufficientFunds, engine.CodeInsufficientShares:
		return http.StatusBadRequest
	case engine.CodeUnauthorized:
		return http.StatusForbidden
	case engine.CodeOrderNotFound:
		return http.StatusNotFound
	case engine.CodeOrderAlreadyFilled, engine.CodeOrderAlreadyCancelled, engine.CodeOrderAlreadyExpired:
		return http.StatusConflict
	case engine.CodeTradeExecutionFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, status int, code, message string, fields []validation.FieldError) {
	c.JSON(status, errorResponse{Code: code, Message: message, Fields: fields})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
