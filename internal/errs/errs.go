// Package errs defines the error taxonomy shared by the execution engine.
//
// ValidationError and ConfigurationError are raised before any I/O and are
// never retried. NetworkError marks a transient transport failure that the
// executor may retry. OrderError is the terminal failure surfaced to callers
// once an order intent cannot be completed.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrKillSwitch is returned when live order placement is blocked by the
	// operator kill switch.
	ErrKillSwitch = errors.New("errs: kill switch engaged")

	// ErrInvalidMode is returned for an execution mode other than LIVE or
	// SIMULATED.
	ErrInvalidMode = errors.New("errs: invalid execution mode")

	// ErrZeroFill is returned when an order completed with no executed quantity.
	ErrZeroFill = errors.New("errs: order executed zero quantity")

	// ErrNoResponse is returned when every placement attempt failed.
	ErrNoResponse = errors.New("errs: no order response after retries")

	// ErrBelowMinimum is wrapped by validation errors for amounts or
	// quantities below an exchange or configured minimum.
	ErrBelowMinimum = errors.New("errs: below minimum")

	// ErrNoPosition is returned when an operation needs an open position.
	ErrNoPosition = errors.New("errs: no open position")
)

// ValidationError is a pre-trade constraint violation.
type ValidationError struct {
	Symbol     string
	Field      string
	Value      string
	Constraint string
	Msg        string
	Err        error
}

func (e *ValidationError) Error() string {
	s := "validation: " + e.Msg
	if e.Symbol != "" {
		s += " [" + e.Symbol + "]"
	}
	if e.Field != "" {
		s += fmt.Sprintf(" (%s=%s", e.Field, e.Value)
		if e.Constraint != "" {
			s += ", " + e.Constraint
		}
		s += ")"
	}
	return s
}

func (e *ValidationError) Unwrap() error { return e.Err }

// OrderError is a terminal order failure: broker rejection, zero fill,
// exhausted retries or a blocked intent.
type OrderError struct {
	Symbol        string
	Side          string
	ClientOrderID string
	Msg           string
	Err           error
}

func (e *OrderError) Error() string {
	s := fmt.Sprintf("order %s %s: %s", e.Side, e.Symbol, e.Msg)
	if e.ClientOrderID != "" {
		s += " (client_order_id=" + e.ClientOrderID + ")"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *OrderError) Unwrap() error { return e.Err }

// NetworkError wraps a transient transport failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ConfigurationError is fatal for the current intent.
type ConfigurationError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("configuration: %s: %s", e.Field, e.Msg)
	}
	return "configuration: " + e.Msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a NetworkError.
func IsTransient(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConfiguration reports whether err is (or wraps) a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsOrder reports whether err is (or wraps) an OrderError.
func IsOrder(err error) bool {
	var oe *OrderError
	return errors.As(err, &oe)
}
