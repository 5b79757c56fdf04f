package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	ErrorCodeInvalidRequest    = "INVALID_REQUEST"
	ErrorCodeUnauthorized      = "UNAUTHORIZED"
	ErrorCodeForbidden         = "FORBIDDEN"
	ErrorCodeNotFound          = "NOT_FOUND"
	ErrorCodeConflict          = "CONFLICT"
	ErrorCodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	ErrorCodeActivePosition    = "ACTIVE_POSITION"
	ErrorCodeDelayNotMet       = "WITHDRAWAL_DELAY_NOT_MET"
	ErrorCodeAlreadyExecuted   = "ALREADY_EXECUTED"
	ErrorCodeInvariant         = "INVARIANT_VIOLATION"
	ErrorCodeReconcileMismatch = "RECONCILIATION_MISMATCH"
	ErrorCodeLedgerUnavailable = "LEDGER_UNAVAILABLE"
	ErrorCodeInternalError     = "INTERNAL_ERROR"
	ErrorCodeRateLimited       = "RATE_LIMITED"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func AssertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	if resp.Code != getHTTPStatusForErrorCode(expectedCode) {
		t.Fatalf("expected status %d, got %d (%s)", getHTTPStatusForErrorCode(expectedCode), resp.Code, resp.Body.String())
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
		t.Fatalf("expected status %d, got %d (%s)", expectedStatus, resp.Code, resp.Body.String())
	}
}

func getHTTPStatusForErrorCode(code string) int {
	switch code {
	case ErrorCodeInvalidRequest:
		return http.StatusBadRequest
	case ErrorCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrorCodeForbidden:
		return http.StatusForbidden
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeConflict, ErrorCodeReconcileMismatch:
		return http.StatusConflict
	case ErrorCodeInsufficientFunds, ErrorCodeActivePosition, ErrorCodeDelayNotMet, ErrorCodeAlreadyExecuted, ErrorCodeInvariant:
		return http.StatusUnprocessableEntity
	case ErrorCodeLedgerUnavailable:
		return http.StatusBadGateway
	case ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
