package engine

import (
	"errors"
	"fmt"

	"etdflow/internal/domain"
	"etdflow/internal/engine/auth"
	"etdflow/internal/repo"
)

var (
	// ErrAlreadySubmitted rejects a second verification from an agency that
	// has already responded.
	ErrAlreadySubmitted = errors.New("verification already submitted")
	// ErrConflictingUpdate reports a lost optimistic-lock race. Callers retry
	// the whole operation against fresh state.
	ErrConflictingUpdate = errors.New("conflicting update")
)

// InvalidTransitionError reports a from/to pair outside the transition table.
type InvalidTransitionError struct {
	From domain.Status
	To   domain.Status
	Role domain.Role
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s (role %s)", e.From, e.To, e.Role)
}

// ValidationError names the missing or malformed input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return ValidationError{Field: field, Reason: reason}
}

// Error kinds reported to callers and used as metric outcomes.
const (
	KindOK                = "ok"
	KindInvalidTransition = "invalid_transition"
	KindForbidden         = "forbidden"
	KindValidation        = "validation_failed"
	KindAlreadySubmitted  = "already_submitted"
	KindNotFound          = "not_found"
	KindConflictingUpdate = "conflicting_update"
	KindInternal          = "internal"
)

// Kind classifies err into one of the Kind constants.
func Kind(err error) string {
	var (
		transition InvalidTransitionError
		forbidden  auth.ForbiddenError
		validation ValidationError
	)
	switch {
	case err == nil:
		return KindOK
	case errors.As(err, &transition):
		return KindInvalidTransition
	case errors.As(err, &forbidden):
		return KindForbidden
	case errors.As(err, &validation):
		return KindValidation
	case errors.Is(err, ErrAlreadySubmitted):
		return KindAlreadySubmitted
	case errors.Is(err, repo.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflictingUpdate):
		return KindConflictingUpdate
	}
	return KindInternal
}
