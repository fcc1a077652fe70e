package engine

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeInvalidOrderType      Code = "INVALID_ORDER_TYPE"
	CodeInvalidSide           Code = "INVALID_SIDE"
	CodeInvalidQuantity       Code = "INVALID_QUANTITY"
	CodeInvalidPrice          Code = "INVALID_PRICE"
	CodeInvalidExpiry         Code = "INVALID_EXPIRY"
	CodePriceOutOfRange       Code = "PRICE_OUT_OF_RANGE"
	CodeInstrumentNotTradable Code = "INSTRUMENT_NOT_TRADABLE"
	CodeNoLiquidity           Code = "NO_LIQUIDITY"
	CodeInsufficientFunds     Code = "INSUFFICIENT_FUNDS"
	CodeInsufficientShares    Code = "INSUFFICIENT_SHARES"
	CodeOrderNotFound         Code = "ORDER_NOT_FOUND"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeOrderAlreadyFilled    Code = "ORDER_ALREADY_FILLED"
	CodeOrderAlreadyCancelled Code = "ORDER_ALREADY_CANCELLED"
	CodeOrderAlreadyExpired   Code = "ORDER_ALREADY_EXPIRED"
	CodeTradeExecutionFailed  Code = "TRADE_EXECUTION_FAILED"
)

// Error is a domain failure identified by Code. Two errors match under
// errors.Is when their codes are equal.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrInvalidOrderType      = &Error{Code: CodeInvalidOrderType, Message: "kind must be market or limit"}
	ErrInvalidSide           = &Error{Code: CodeInvalidSide, Message: "side must be buy or sell"}
	ErrInvalidQuantity       = &Error{Code: CodeInvalidQuantity, Message: "quantity out of bounds"}
	ErrInvalidPrice          = &Error{Code: CodeInvalidPrice, Message: "invalid limit price"}
	ErrInvalidExpiry         = &Error{Code: CodeInvalidExpiry, Message: "invalid expiry"}
	ErrPriceOutOfRange       = &Error{Code: CodePriceOutOfRange, Message: "limit price too far from reference price"}
	ErrInstrumentNotTradable = &Error{Code: CodeInstrumentNotTradable, Message: "instrument not open for trading"}
	ErrNoLiquidity           = &Error{Code: CodeNoLiquidity, Message: "no opposing orders available"}
	ErrInsufficientFunds     = &Error{Code: CodeInsufficientFunds, Message: "insufficient funds"}
	ErrInsufficientShares    = &Error{Code: CodeInsufficientShares, Message: "insufficient shares"}
	ErrOrderNotFound         = &Error{Code: CodeOrderNotFound, Message: "order not found"}
	ErrUnauthorized          = &Error{Code: CodeUnauthorized, Message: "order belongs to another owner"}
	ErrOrderAlreadyFilled    = &Error{Code: CodeOrderAlreadyFilled, Message: "order already filled"}
	ErrOrderAlreadyCancelled = &Error{Code: CodeOrderAlreadyCancelled, Message: "order already cancelled"}
	ErrOrderAlreadyExpired   = &Error{Code: CodeOrderAlreadyExpired, Message: "order already expired"}
	ErrTradeExecutionFailed  = &Error{Code: CodeTradeExecutionFailed, Message: "transaction retries exhausted"}
)

func newError(base *Error, format string, args ...any) *Error {
	return &Error{Code: base.Code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the domain code from err, if any.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// IsValidation reports whether err was rejected before anything was persisted.
func IsValidation(err error) bool {
	code, ok := CodeOf(err)
	if !ok {
		return false
	}
	switch code {
	case CodeInvalidOrderType, CodeInvalidSide, CodeInvalidQuantity, CodeInvalidPrice,
		CodeInvalidExpiry, CodePriceOutOfRange, CodeInstrumentNotTradable:
		return true
	}
	return false
}
