package payerr

import (
	"errors"
	"fmt"
)

// Code identifies one of the closed set of engine failures.
// Transport layers map codes to status codes; nothing outside this
// package invents new ones.
type Code string

const (
	CodeDuplicateRequest    Code = "DUPLICATE_REQUEST"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeWalletNotFound      Code = "WALLET_NOT_FOUND"
	CodeNoApplicableCharge  Code = "NO_APPLICABLE_CHARGE"
	CodeNoPayinScheme       Code = "NO_PAYIN_SCHEME"
	CodeNoPayoutScheme      Code = "NO_PAYOUT_SCHEME"
	CodeAmountBelowMin      Code = "AMOUNT_BELOW_MIN_LIMIT"
	CodeAmountExceedsMax    Code = "AMOUNT_EXCEEDS_MAX_LIMIT"
	CodeNoApiConfig         Code = "NO_API_CONFIG"
	CodeVendorTechnical     Code = "TELE"
	CodeTransactionNotFound Code = "TRANSACTION_NOT_FOUND"
	CodeAlreadyResolved     Code = "ALREADY_RESOLVED"
	CodeInvalidAmount       Code = "INVALID_AMOUNT"
)

// Error is the tagged error carried across the engine. The wrapped cause
// (if any) stays internal; callers see only Code and Message.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on Code so sentinel comparisons work through wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// New builds an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an internal cause. The cause is logged, never surfaced.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Sentinels for errors.Is checks.
var (
	ErrDuplicateRequest    = &Error{Code: CodeDuplicateRequest, Message: "request already processed"}
	ErrInsufficientBalance = &Error{Code: CodeInsufficientBalance, Message: "insufficient wallet balance"}
	ErrWalletNotFound      = &Error{Code: CodeWalletNotFound, Message: "wallet not found"}
	ErrNoApplicableCharge  = &Error{Code: CodeNoApplicableCharge, Message: "no charge tier matches amount"}
	ErrNoApiConfig         = &Error{Code: CodeNoApiConfig, Message: "no default api configuration"}
	ErrVendorTechnical     = &Error{Code: CodeVendorTechnical, Message: "technical error, please contact support"}
	ErrTransactionNotFound = &Error{Code: CodeTransactionNotFound, Message: "transaction not found"}
	ErrAlreadyResolved     = &Error{Code: CodeAlreadyResolved, Message: "transaction already in terminal state"}
)

// CodeOf extracts the Code from err, or empty if err is not an engine error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
