package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	ErrorCodeInvalidRequest        = "INVALID_REQUEST"
	ErrorCodeInvalidOrderType      = "INVALID_ORDER_TYPE"
	ErrorCodeInvalidSide           = "INVALID_SIDE"
	ErrorCodePriceOutOfRange       = "PRICE_OUT_OF_RANGE"
	ErrorCodeInvalidQuantity       = "INVALID_QUANTITY"
	ErrorCodeInvalidPrice          = "INVALID_PRICE"
	ErrorCodeInvalidExpiry         = "INVALID_EXPIRY"
	ErrorCodeInstrumentNotTradable = "INSTRUMENT_NOT_TRADABLE"
	ErrorCodeUnauthenticated       = "UNAUTHENTICATED"
	ErrorCodeUnauthorized          = "UNAUTHORIZED"
	ErrorCodeRateLimited           = "RATE_LIMITED"
	ErrorCodeOrderNotFound         = "ORDER_NOT_FOUND"
	ErrorCodeInstrumentNotFound    = "INSTRUMENT_NOT_FOUND"
	ErrorCodeAlreadyCancelled      = "ORDER_ALREADY_CANCELLED"
	ErrorCodeAlreadyFilled         = "ORDER_ALREADY_FILLED"
	ErrorCodeAlreadyExpired        = "ORDER_ALREADY_EXPIRED"
	ErrorCodeExecutionFailed       = "TRADE_EXECUTION_FAILED"
	ErrorCodeInternalError         = "INTERNAL_ERROR"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func AssertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	if resp.Code != getHTTPStatusForErrorCode(expectedCode) {
		t.Fatalf("expected status %d, got %d: %s", getHTTPStatusForErrorCode(expectedCode), resp.Code, resp.Body.String())
	}

	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}

	if errResp.Code != expectedCode {
		t.Fatalf("expected error code %q, got %q", expectedCode, errResp.Code)
	}
}

func AssertHTTPStatus(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()
	if resp.Code != expectedStatus {
		t.Fatalf("expected status %d, got %d: %s", expectedStatus, resp.Code, resp.Body.String())
	}
}

func getHTTPStatusForErrorCode(code string) int {
	switch code {
	case ErrorCodeInvalidRequest, ErrorCodeInvalidOrderType, ErrorCodeInvalidSide, ErrorCodeInvalidQuantity,
		ErrorCodeInvalidPrice, ErrorCodeInvalidExpiry, ErrorCodePriceOutOfRange, ErrorCodeInstrumentNotTradable:
		return http.StatusBadRequest
	case ErrorCodeUnauthenticated:
		return http.StatusUnauthorized
	case ErrorCodeUnauthorized:
		return http.StatusForbidden
	case ErrorCodeOrderNotFound, ErrorCodeInstrumentNotFound:
		return http.StatusNotFound
	case ErrorCodeAlreadyCancelled, ErrorCodeAlreadyFilled, ErrorCodeAlreadyExpired:
		return http.StatusConflict
	case ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrorCodeExecutionFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
