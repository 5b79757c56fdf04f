package account

import "errors"

// Class groups ledger errors by how callers are expected to react to them.
type Class string

const (
	ClassInvariant      Class = "InvariantViolation"
	ClassAuthorization  Class = "AuthorizationFailure"
	ClassWorkflow       Class = "WorkflowFailure"
	ClassInfrastructure Class = "InfrastructureFailure"
)

// Error is a ledger rejection. Values are compared by identity, so callers use
// errors.Is against the exported sentinels.
type Error struct {
	Code  string
	Class Class
	msg   string
}

func (e *Error) Error() string { return e.msg }

var byCode = map[string]*Error{}

func newError(code string, class Class, msg string) *Error {
	e := &Error{Code: code, Class: class, msg: msg}
	byCode[code] = e
	return e
}

var (
	ErrOverflow                = newError("Overflow", ClassInvariant, "arithmetic overflow")
	ErrUnderflow               = newError("Underflow", ClassInvariant, "arithmetic underflow")
	ErrInsufficientFunds       = newError("InsufficientFunds", ClassInvariant, "insufficient funds")
	ErrInsufficientLockedFunds = newError("InsufficientLockedFunds", ClassInvariant, "insufficient locked funds")
	ErrActivePosition          = newError("ActivePosition", ClassInvariant, "vault has an active position")
	ErrInvalidAmount           = newError("InvalidAmount", ClassInvariant, "amount must be greater than zero")
	ErrSameVault               = newError("SameVault", ClassInvariant, "source and destination vault are the same")

	ErrUnauthorized               = newError("Unauthorized", ClassAuthorization, "unauthorized")
	ErrInvalidAuthority           = newError("InvalidAuthority", ClassAuthorization, "invalid authority")
	ErrAuthorizationAlreadyExists = newError("AuthorizationAlreadyExists", ClassAuthorization, "caller already authorized")
	ErrAuthorizedCallersCapacity  = newError("AuthorizedProgramsCapacity", ClassAuthorization, "authorized caller capacity reached")
	ErrInvalidVaultAuthority      = newError("InvalidVaultAuthority", ClassAuthorization, "invalid vault authority")

	ErrWithdrawalDelayNotMet    = newError("WithdrawalDelayNotMet", ClassWorkflow, "withdrawal delay not met")
	ErrAlreadyExecuted          = newError("AlreadyExecuted", ClassWorkflow, "withdrawal already executed")
	ErrInvalidWithdrawalRequest = newError("InvalidWithdrawalRequest", ClassWorkflow, "invalid withdrawal request")

	ErrAccountNotFound = newError("AccountNotFound", ClassWorkflow, "account not found")
	ErrAccountExists   = newError("AccountExists", ClassWorkflow, "account already exists")
)

// Lookup returns the sentinel registered under code.
func Lookup(code string) (*Error, bool) {
	e, ok := byCode[code]
	return e, ok
}

// ClassOf reports the class of err. Anything that is not a ledger rejection is
// an infrastructure failure.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassInfrastructure
}

// CodeOf returns the ledger error code carried by err, or "" for other errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
