package errors

import (
	"errors"
	"fmt"
)

// Category classifies engine errors by disposition (see the propagation
// policy in the execution coordinator).
type Category string

const (
	// Recoverable pre-trade rejections; returned before any side effect.
	CategoryRisk      Category = "RISK"
	CategorySizing    Category = "SIZING"
	CategoryLiquidity Category = "LIQUIDITY"

	// Fatal for the current attempt.
	CategoryConnector Category = "CONNECTOR"
	CategoryExecution Category = "EXECUTION"

	// Logged, best-effort.
	CategoryConfig      Category = "CONFIG"
	CategoryPersistence Category = "PERSISTENCE"
)

// EngineError is a categorized error with component context.
type EngineError struct {
	Category   Category
	Component  string
	Operation  string
	Message    string
	Underlying error
	Retryable  bool
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Category, e.Component, e.Operation, e.Message, e.Underlying)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Category, e.Component, e.Operation, e.Message)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *EngineError) Unwrap() error {
	return e.Underlying
}

// IsFatal reports whether the error ends the current execution attempt.
func (e *EngineError) IsFatal() bool {
	return e.Category == CategoryConnector || e.Category == CategoryExecution
}

// New creates a categorized engine error.
func New(category Category, component, operation, message string) *EngineError {
	return &EngineError{
		Category:  category,
		Component: component,
		Operation: operation,
		Message:   message,
	}
}

// Wrap wraps an existing error with engine error context.
func Wrap(err error, category Category, component, operation string) *EngineError {
	if err == nil {
		return nil
	}
	return &EngineError{
		Category:   category,
		Component:  component,
		Operation:  operation,
		Message:    "operation failed",
		Underlying: err,
	}
}

// Common constructors.

func NewSizingError(component, message string) *EngineError {
	return New(CategorySizing, component, "size", message)
}

func NewLiquidityError(component, message string) *EngineError {
	return New(CategoryLiquidity, component, "pre-trade check", message)
}

func NewConnectorInitError(component string, err error) *EngineError {
	return Wrap(err, CategoryConnector, component, "init connector")
}

func NewExecutionError(component string, err error) *EngineError {
	e := Wrap(err, CategoryExecution, component, "place order")
	e.Retryable = true
	return e
}

func NewPersistenceError(component string, err error) *EngineError {
	return Wrap(err, CategoryPersistence, component, "persist")
}

// RiskRejection is returned when a risk guard blocks a signal. It carries the
// guard's reason so callers can report why the trade was refused.
type RiskRejection struct {
	Reason string
}

// Error implements the error interface.
func (r *RiskRejection) Error() string {
	return "trade rejected: " + r.Reason
}

// NewRiskRejection creates a rejection with the given guard reason.
func NewRiskRejection(reason string) *RiskRejection {
	return &RiskRejection{Reason: reason}
}

// AsRiskRejection extracts the rejection reason when err is (or wraps) a
// RiskRejection.
func AsRiskRejection(err error) (*RiskRejection, bool) {
	var r *RiskRejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// CategoryOf returns the category of an EngineError, or "" for other errors.
func CategoryOf(err error) Category {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}
