// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrReferenceNotFound = errors.New("reference level not found")
	ErrNoContractFound   = errors.New("no contract found")
	ErrInsufficientBars  = errors.New("insufficient bars")
	ErrMalformedBar      = errors.New("malformed bar")
	ErrInvalidTransition = errors.New("invalid position transition")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrDataNotFound      = errors.New("data not found")
	ErrDatabaseError     = errors.New("database error")
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrRateLimited       = errors.New("rate limited")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrTimeout           = errors.New("operation timed out")
)

// BrokerError represents an error from a market-data provider.
type BrokerError struct {
	Provider string
	Code     string
	Message  string
	Err      error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error [%s/%s]: %s: %v", e.Provider, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%s/%s]: %s", e.Provider, e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(provider, code, message string, err error) *BrokerError {
	return &BrokerError{
		Provider: provider,
		Code:     code,
		Message:  message,
		Err:      err,
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

// Unwrap lets callers match every validation failure against ErrConfigInvalid.
func (e *ValidationError) Unwrap() error {
	return ErrConfigInvalid
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// DataError represents a data-related error.
type DataError struct {
	DataType string
	Symbol   string
	Message  string
	Err      error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error [%s] %s: %s: %v", e.DataType, e.Symbol, e.Message, e.Err)
	}
	return fmt.Sprintf("data error [%s] %s: %s", e.DataType, e.Symbol, e.Message)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// NewDataError creates a new DataError.
func NewDataError(dataType, symbol, message string, err error) *DataError {
	return &DataError{
		DataType: dataType,
		Symbol:   symbol,
		Message:  message,
		Err:      err,
	}
}

// SessionError reports a failure that ended one trading day's replay.
type SessionError struct {
	Date  string
	Stage string // setup, calibrate, replay
	Err   error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s failed during %s: %v", e.Date, e.Stage, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// NewSessionError creates a new SessionError.
func NewSessionError(date, stage string, err error) *SessionError {
	return &SessionError{
		Date:  date,
		Stage: stage,
		Err:   err,
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
