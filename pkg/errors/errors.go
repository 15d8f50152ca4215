package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrPaymentNotFound      = fmt.Errorf("payment %w", ErrNotFound)
	ErrUserNotFound         = fmt.Errorf("user %w", ErrNotFound)
	ErrProductNotFound      = fmt.Errorf("product %w", ErrNotFound)
	ErrNotificationNotFound = fmt.Errorf("notification %w", ErrNotFound)

	ErrInvalidTransition       = errors.New("invalid status transition")
	ErrInvalidState            = errors.New("invalid payment state")
	ErrInsufficientBalance     = errors.New("insufficient coin balance")
	ErrGatewayUnavailable      = errors.New("payment gateway unavailable")
	ErrRefundRejected          = errors.New("refund rejected by payment gateway")
	ErrAuthFailure             = errors.New("authentication failed")
	ErrForbidden               = errors.New("forbidden")
	ErrInvalidInput            = errors.New("invalid input")
	ErrInvalidAmount           = fmt.Errorf("%w: amount must be positive and within limits", ErrInvalidInput)
	ErrInvalidStatus           = fmt.Errorf("%w: unknown payment status", ErrInvalidInput)
	ErrInvalidEntryType        = fmt.Errorf("%w: unknown ledger entry type", ErrInvalidInput)
	ErrAlreadyOwned            = errors.New("product already owned")
	ErrRequestAlreadyProcessed = errors.New("request already processed")
	ErrRefundInProgress        = errors.New("refund already in progress")

	ErrNilPayment      = errors.New("payment is nil")
	ErrNilLedgerEntry  = errors.New("ledger entry is nil")
	ErrNilStatusLog    = errors.New("status log is nil")
	ErrNilNotification = errors.New("notification is nil")
)

// Stable error codes exposed at the HTTP boundary.
const (
	CodeNotFound            = "NOT_FOUND"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeInvalidState        = "INVALID_STATE"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeGatewayUnavailable  = "GATEWAY_UNAVAILABLE"
	CodeRefundRejected      = "REFUND_REJECTED"
	CodeAuthFailure         = "AUTH_FAILURE"
	CodeForbidden           = "FORBIDDEN"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeConflict            = "CONFLICT"
	CodeInternal            = "INTERNAL"
)

// Code maps an error to its stable code. Unknown errors are INTERNAL.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrInsufficientBalance):
		return CodeInsufficientBalance
	case errors.Is(err, ErrGatewayUnavailable):
		return CodeGatewayUnavailable
	case errors.Is(err, ErrRefundRejected):
		return CodeRefundRejected
	case errors.Is(err, ErrAuthFailure):
		return CodeAuthFailure
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrAlreadyOwned), errors.Is(err, ErrRequestAlreadyProcessed),
		errors.Is(err, ErrRefundInProgress):
		return CodeConflict
	default:
		return CodeInternal
	}
}
