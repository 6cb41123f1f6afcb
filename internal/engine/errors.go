package engine

import (
	"errors"
	"fmt"
	"strings"

	"bidline/internal/domain"
	"bidline/internal/repo"
)

// Error kinds exposed by Kind and mapped to API error codes.
const (
	KindNotFound            = "not_found"
	KindConflict            = "conflict"
	KindInsufficientBalance = "insufficient_balance"
	KindNotAllowed          = "not_allowed"
	KindValidation          = "validation"
)

type NotFoundError struct {
	Entity string
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (NotFoundError) Kind() string { return KindNotFound }

// Is lets callers keep matching on repo.ErrNotFound.
func (NotFoundError) Is(target error) bool { return target == repo.ErrNotFound }

// ConflictError reports a lost race or a state that changed under the caller.
// It is never retried by the engine.
type ConflictError struct {
	Entity string
	ID     string
	Reason string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s %s conflict: %s", e.Entity, e.ID, e.Reason)
}

func (ConflictError) Kind() string { return KindConflict }

type InsufficientBalanceError struct {
	UserID  string
	Account domain.Account
	Balance int64
	Amount  int64
}

func (e InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s for user %s: have %d, need %d", e.Account, e.UserID, e.Balance, e.Amount)
}

func (InsufficientBalanceError) Kind() string { return KindInsufficientBalance }

type NotAllowedError struct {
	Op     string
	Reason string
}

func (e NotAllowedError) Error() string {
	return fmt.Sprintf("%s not allowed: %s", e.Op, e.Reason)
}

func (NotAllowedError) Kind() string { return KindNotAllowed }

type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (ValidationError) Kind() string { return KindValidation }

// KindOf returns the kind of a typed engine error, or "" for anything else.
func KindOf(err error) string {
	var k interface{ Kind() string }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return ""
}

func notFound(err error, entity, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return NotFoundError{Entity: entity, ID: id}
	}
	return err
}

func staleOr(err error, entity, id, reason string) error {
	if errors.Is(err, repo.ErrStale) || isUniqueViolation(err) {
		return ConflictError{Entity: entity, ID: id, Reason: reason}
	}
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
