package handlers

import (
	"errors"
	"net/http"

	"github.com/AfshinJalili/collateral/services/vault/internal/account"
	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
	Class   string `json:"class,omitempty"`
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{Code: code, Message: message})
}

// ledgerStatus maps a ledger error to its HTTP status and response code.
func ledgerStatus(err error) (int, string) {
	switch {
	case errors.Is(err, account.ErrInvalidAmount),
		errors.Is(err, account.ErrSameVault),
		errors.Is(err, account.ErrInvalidAuthority),
		errors.Is(err, account.ErrInvalidWithdrawalRequest):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, account.ErrUnauthorized),
		errors.Is(err, account.ErrInvalidVaultAuthority):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, account.ErrAccountNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, account.ErrAccountExists),
		errors.Is(err, account.ErrAuthorizationAlreadyExists),
		errors.Is(err, account.ErrAuthorizedCallersCapacity):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, account.ErrInsufficientFunds),
		errors.Is(err, account.ErrInsufficientLockedFunds):
		return http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS"
	case errors.Is(err, account.ErrActivePosition):
		return http.StatusUnprocessableEntity, "ACTIVE_POSITION"
	case errors.Is(err, account.ErrWithdrawalDelayNotMet):
		return http.StatusUnprocessableEntity, "WITHDRAWAL_DELAY_NOT_MET"
	case errors.Is(err, account.ErrAlreadyExecuted):
		return http.StatusUnprocessableEntity, "ALREADY_EXECUTED"
	case errors.Is(err, account.ErrOverflow),
		errors.Is(err, account.ErrUnderflow):
		return http.StatusUnprocessableEntity, "INVARIANT_VIOLATION"
	default:
		return http.StatusBadGateway, "LEDGER_UNAVAILABLE"
	}
}
