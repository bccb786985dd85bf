// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	// Expected ledger outcomes. Callers log them and move on.
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInsufficientHoldings = errors.New("insufficient holdings")

	ErrConfigurationMismatch = errors.New("configuration mismatch")
	ErrPriceUnavailable      = errors.New("price unavailable")
	ErrOrderRejected         = errors.New("order rejected")
	ErrInsufficientRealFunds = errors.New("insufficient real funds")

	ErrAccountNotFound   = errors.New("account not found")
	ErrStateNotFound     = errors.New("state not found")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrInputValidation   = errors.New("input validation failed")
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrDatabaseError     = errors.New("database error")
)

// LedgerError describes a rejected ledger mutation on a virtual account.
type LedgerError struct {
	AccountID string
	Op        string
	Code      string
	Err       error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger [%s] %s %s: %v", e.AccountID, e.Op, e.Code, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// NewLedgerError creates a new LedgerError.
func NewLedgerError(accountID, op, code string, err error) *LedgerError {
	return &LedgerError{
		AccountID: accountID,
		Op:        op,
		Code:      code,
		Err:       err,
	}
}

// BrokerError represents an error from the broker API.
type BrokerError struct {
	Code    string
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%s]: %s", e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(code, message string, err error) *BrokerError {
	return &BrokerError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	AccountID string
	Symbol    string
	Action    string
	Reason    string
	Err       error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.AccountID, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.AccountID, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(accountID, symbol, action, reason string, err error) *OrderError {
	return &OrderError{
		AccountID: accountID,
		Symbol:    symbol,
		Action:    action,
		Reason:    reason,
		Err:       err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInputValidation
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}

// IsExpected reports whether err is a normal, recoverable trading outcome
// rather than a failure worth escalating.
func IsExpected(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInsufficientHoldings) ||
		errors.Is(err, ErrInsufficientRealFunds)
}
