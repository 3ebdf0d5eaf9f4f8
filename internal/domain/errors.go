package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals a missing resource (e.g. an unprovisioned member budget).
	ErrNotFound = errors.New("not found")
	// ErrInvalidUsage signals a malformed token usage record.
	ErrInvalidUsage = errors.New("invalid token usage")
	// ErrBudgetExhausted signals that a debit was refused because the budget is already spent.
	ErrBudgetExhausted = errors.New("token budget exhausted")
	// ErrIdentityRequired signals a request that carries neither a member nor a guest identity.
	ErrIdentityRequired = errors.New("identity required")
	// ErrProviderError signals an LLM provider failure.
	ErrProviderError = errors.New("llm provider error")
)

// InvalidUsageError wraps ErrInvalidUsage with the offending field.
type InvalidUsageError struct {
	Field  string
	Reason string
}

func (e *InvalidUsageError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInvalidUsage.Error(), e.Field, e.Reason)
}

func (e *InvalidUsageError) Unwrap() error { return ErrInvalidUsage }

// NewInvalidUsage creates an invalid usage error for field.
func NewInvalidUsage(field, reason string) error {
	return &InvalidUsageError{Field: field, Reason: reason}
}
