package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sharex/sharex/services/trading/internal/engine"
)

const codeInvalidRequest = "INVALID_REQUEST"

type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	return "invalid request"
}

// Code is the error code reported for the whole request: the first field's.
func (v ValidationErrors) Code() string {
	if len(v) == 0 || v[0].Code == "" {
		return codeInvalidRequest
	}
	return v[0].Code
}

// Numeric keeps a JSON number or string verbatim so that a malformed value
// is reported against its field rather than as an undecodable body.
type Numeric string

func (n *Numeric) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	switch {
	case raw == "null":
		*n = ""
	case strings.HasPrefix(raw, `"`):
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = Numeric(s)
	default:
		*n = Numeric(raw)
	}
	return nil
}

var symbolPattern = regexp.MustCompile(`^[A-Z][A-Z0-9.]{0,11}$`)

// OrderRequest is the raw order payload as it arrives over HTTP. Quantity
// and price accept both JSON numbers and numeric strings.
type OrderRequest struct {
	Instrument string  `json:"instrument"`
	Side       string  `json:"side"`
	Type       string  `json:"type"`
	Quantity   Numeric `json:"quantity"`
	Price      Numeric `json:"price,omitempty"`
	ExpiresAt  string  `json:"expires_at,omitempty"`
}

// Order is a syntactically valid order request. Business rules such as
// quantity bounds and price bands are left to the engine.
type Order struct {
	Instrument string
	Side       string
	Type       string
	Quantity   int64
	Price      *decimal.Decimal
	ExpiresAt  *time.Time
}

func ParseOrderRequest(req OrderRequest) (Order, ValidationErrors) {
	var errs ValidationErrors
	out := Order{
		Instrument: NormalizeSymbol(req.Instrument),
		Side:       strings.ToLower(strings.TrimSpace(req.Side)),
		Type:       strings.ToLower(strings.TrimSpace(req.Type)),
	}

	if out.Instrument == "" {
		errs = append(errs, fieldError("instrument", codeInvalidRequest, "instrument is required"))
	} else if !symbolPattern.MatchString(out.Instrument) {
		errs = append(errs, fieldError("instrument", codeInvalidRequest, "instrument must be a ticker symbol"))
	}
	if out.Side == "" {
		errs = append(errs, fieldError("side", string(engine.CodeInvalidSide), "side is required"))
	}
	if out.Type == "" {
		errs = append(errs, fieldError("type", string(engine.CodeInvalidOrderType), "type is required"))
	}

	qty, err := parseQuantity(string(req.Quantity))
	if err != nil {
		errs = append(errs, fieldError("quantity", string(engine.CodeInvalidQuantity), err.Error()))
	}
	out.Quantity = qty

	if trimmed := strings.TrimSpace(string(req.Price)); trimmed != "" {
		price, err := decimal.NewFromString(trimmed)
		if err != nil {
			errs = append(errs, fieldError("price", string(engine.CodeInvalidPrice), "price must be a decimal"))
		} else {
			out.Price = &price
		}
	}

	if trimmed := strings.TrimSpace(req.ExpiresAt); trimmed != "" {
		expires, err := time.Parse(time.RFC3339, trimmed)
		if err != nil {
			errs = append(errs, fieldError("expires_at", string(engine.CodeInvalidExpiry), "expires_at must be RFC3339"))
		} else {
			expires = expires.UTC()
			out.ExpiresAt = &expires
		}
	}

	return out, errs
}

func fieldError(field, code, message string) FieldError {
	return FieldError{Field: field, Code: code, Message: message}
}

func parseQuantity(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("quantity is required")
	}
	qty, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("quantity must be a whole number of shares")
	}
	return qty, nil
}

// ParseLimit reads an optional positive page size.
func ParseLimit(raw string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return n, nil
}

func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
