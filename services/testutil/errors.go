package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	ErrorCodeInvalidRequest      = "INVALID_REQUEST"
	ErrorCodeNotFound            = "NOT_FOUND"
	ErrorCodeInsufficientFunds   = "INSUFFICIENT_FUNDS"
	ErrorCodeInsufficientHolding = "INSUFFICIENT_HOLDING"
	ErrorCodeAccountInactive     = "ACCOUNT_INACTIVE"
	ErrorCodeConflict            = "CONFLICT"
	ErrorCodeCurrencyUnsupported = "CURRENCY_UNSUPPORTED"
	ErrorCodeInternalError       = "INTERNAL_ERROR"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func AssertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	if resp.Code != getHTTPStatusForErrorCode(expectedCode) {
		t.Fatalf("expected status %d, got %d", getHTTPStatusForErrorCode(expectedCode), resp.Code)
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
	case ErrorCodeInvalidRequest, ErrorCodeInsufficientFunds, ErrorCodeInsufficientHolding:
		return http.StatusBadRequest
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeAccountInactive, ErrorCodeConflict:
		return http.StatusConflict
	case ErrorCodeCurrencyUnsupported:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
