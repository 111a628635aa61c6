// Package errors provides the error taxonomy shared by the trading pipeline.
//
// Errors are grouped by how the orchestrator reacts to them:
//   - DataGapError: the bar is skipped and logged.
//   - RiskRejection: the intent is dropped and logged; never retried.
//   - BrokerTransientError: retried with backoff by the execution gateway.
//   - BrokerFatalError: trading halts for the affected symbol only.
//   - PortfolioConsistencyError: the whole run halts.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Standard sentinel errors
var (
	ErrInvalidOrder      = errors.New("invalid order")
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderInFlight     = errors.New("order already outstanding for symbol")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrSymbolNotFound    = errors.New("symbol not found")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrDataNotFound      = errors.New("data not found")
	ErrDatabaseError     = errors.New("database error")
	ErrNotAuthenticated  = errors.New("not authenticated")
)

// ReasonCode classifies why an intent or order did not go through.
type ReasonCode string

// Rejection and cancellation reason codes.
const (
	ReasonPositionLimit     ReasonCode = "position_limit"
	ReasonMaxOpenPositions  ReasonCode = "max_open_positions"
	ReasonInsufficientCash  ReasonCode = "insufficient_cash"
	ReasonInsufficientPos   ReasonCode = "insufficient_position"
	ReasonNoChange          ReasonCode = "no_change"
	ReasonInvalidIntent     ReasonCode = "invalid_intent"
	ReasonOrderInFlight     ReasonCode = "order_in_flight"
	ReasonBrokerUnavailable ReasonCode = "broker_unavailable"
	ReasonBrokerRejected    ReasonCode = "broker_rejected"
	ReasonEndOfData         ReasonCode = "end_of_data"
	ReasonFillTimeout       ReasonCode = "fill_timeout"
)

// DataGapError reports a missing, duplicate or out-of-order bar.
type DataGapError struct {
	Symbol    string
	Timestamp time.Time
	Previous  time.Time
	Message   string
}

func (e *DataGapError) Error() string {
	return fmt.Sprintf("data gap [%s] at %s (previous %s): %s",
		e.Symbol, e.Timestamp.Format(time.RFC3339), e.Previous.Format(time.RFC3339), e.Message)
}

// NewDataGapError creates a new DataGapError.
func NewDataGapError(symbol string, ts, prev time.Time, message string) *DataGapError {
	return &DataGapError{
		Symbol:    symbol,
		Timestamp: ts,
		Previous:  prev,
		Message:   message,
	}
}

// RiskRejection is returned by the risk manager when an intent violates a limit.
type RiskRejection struct {
	Symbol  string
	Side    string
	Code    ReasonCode
	Current float64
	Limit   float64
	Message string
}

func (e *RiskRejection) Error() string {
	return fmt.Sprintf("risk rejection [%s] %s %s: %s (current: %.2f, limit: %.2f)",
		e.Code, e.Side, e.Symbol, e.Message, e.Current, e.Limit)
}

// NewRiskRejection creates a new RiskRejection.
func NewRiskRejection(symbol, side string, code ReasonCode, current, limit float64, message string) *RiskRejection {
	return &RiskRejection{
		Symbol:  symbol,
		Side:    side,
		Code:    code,
		Current: current,
		Limit:   limit,
		Message: message,
	}
}

// BrokerTransientError is a recoverable broker failure (network, rate limit, 5xx).
type BrokerTransientError struct {
	Op  string
	Err error
}

func (e *BrokerTransientError) Error() string {
	return fmt.Sprintf("broker transient error [%s]: %v", e.Op, e.Err)
}

func (e *BrokerTransientError) Unwrap() error {
	return e.Err
}

// NewBrokerTransientError creates a new BrokerTransientError.
func NewBrokerTransientError(op string, err error) *BrokerTransientError {
	return &BrokerTransientError{Op: op, Err: err}
}

// BrokerFatalError is an unrecoverable broker failure (auth, unknown symbol).
type BrokerFatalError struct {
	Op     string
	Symbol string
	Err    error
}

func (e *BrokerFatalError) Error() string {
	return fmt.Sprintf("broker fatal error [%s] %s: %v", e.Op, e.Symbol, e.Err)
}

func (e *BrokerFatalError) Unwrap() error {
	return e.Err
}

// NewBrokerFatalError creates a new BrokerFatalError.
func NewBrokerFatalError(op, symbol string, err error) *BrokerFatalError {
	return &BrokerFatalError{Op: op, Symbol: symbol, Err: err}
}

// PortfolioConsistencyError signals that an invariant of the portfolio was violated.
type PortfolioConsistencyError struct {
	Symbol   string
	Quantity int64
	Message  string
}

func (e *PortfolioConsistencyError) Error() string {
	return fmt.Sprintf("portfolio consistency error [%s] qty=%d: %s", e.Symbol, e.Quantity, e.Message)
}

// NewPortfolioConsistencyError creates a new PortfolioConsistencyError.
func NewPortfolioConsistencyError(symbol string, qty int64, message string) *PortfolioConsistencyError {
	return &PortfolioConsistencyError{Symbol: symbol, Quantity: qty, Message: message}
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

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// IsTransient reports whether err is a retryable broker failure.
func IsTransient(err error) bool {
	var t *BrokerTransientError
	return errors.As(err, &t)
}

// IsBrokerFatal reports whether err halts trading for a symbol.
func IsBrokerFatal(err error) bool {
	var f *BrokerFatalError
	return errors.As(err, &f)
}

// IsDataGap reports whether err is a DataGapError.
func IsDataGap(err error) bool {
	var g *DataGapError
	return errors.As(err, &g)
}

// IsPortfolioConsistency reports whether err must halt the whole run.
func IsPortfolioConsistency(err error) bool {
	var p *PortfolioConsistencyError
	return errors.As(err, &p)
}

// AsRejection extracts a RiskRejection from err's chain.
func AsRejection(err error) (*RiskRejection, bool) {
	var r *RiskRejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
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
