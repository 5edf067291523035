package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrParse is returned when an uploaded file or its columns cannot be read.
	ErrParse = errors.New("parse error")
	// ErrUnresolvedReference is returned when a label does not match an active reference entity.
	ErrUnresolvedReference = errors.New("unresolved reference")
	// ErrValidation is returned when a field fails a type or range check.
	ErrValidation = errors.New("validation error")
	// ErrDuplicateImport marks content that was already promoted by an earlier session.
	ErrDuplicateImport = errors.New("duplicate import")
	// ErrInvalidStateTransition is returned when an operation is not allowed for the current status.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrPromotion is returned when the atomic copy to production fails.
	ErrPromotion = errors.New("promotion error")
	// ErrNotFound is returned for unknown import, reference or data point ids.
	ErrNotFound = errors.New("not found")
	// ErrUnknownTemplate is returned for template ids outside the registry.
	ErrUnknownTemplate = errors.New("unknown template")
	// ErrBadRequest is returned when required upload fields are missing or malformed.
	ErrBadRequest = errors.New("bad request")
)

// RequestError lists the individual problems found in a request.
type RequestError struct {
	Problems []string
}

// NewRequestError builds a RequestError from one or more problems.
func NewRequestError(problems ...string) *RequestError {
	return &RequestError{Problems: problems}
}

func (e *RequestError) Error() string {
	if len(e.Problems) == 0 {
		return ErrBadRequest.Error()
	}
	return fmt.Sprintf("%s: %s", ErrBadRequest, strings.Join(e.Problems, "; "))
}

func (e *RequestError) Unwrap() error {
	return ErrBadRequest
}

// PromotionError identifies the first staged row that could not be written to production.
type PromotionError struct {
	RowNumber int
	Err       error
}

func (e *PromotionError) Error() string {
	if e.RowNumber > 0 {
		return fmt.Sprintf("%s: row %d: %v", ErrPromotion, e.RowNumber, e.Err)
	}
	return fmt.Sprintf("%s: %v", ErrPromotion, e.Err)
}

func (e *PromotionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPromotion}
	}
	return []error{ErrPromotion, e.Err}
}

// TransitionError reports an operation attempted from an incompatible status.
type TransitionError struct {
	From ImportStatus
	To   ImportStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot move import from %s to %s", ErrInvalidStateTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}

// ErrorCode maps an error onto the stable code used in API responses.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBadRequest):
		return "BAD_REQUEST"
	case errors.Is(err, ErrUnknownTemplate):
		return "UNKNOWN_TEMPLATE"
	case errors.Is(err, ErrParse):
		return "PARSE_ERROR"
	case errors.Is(err, ErrPromotion):
		return "PROMOTION_ERROR"
	case errors.Is(err, ErrInvalidStateTransition):
		return "INVALID_STATE_TRANSITION"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrUnresolvedReference):
		return "UNRESOLVED_REFERENCE"
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrDuplicateImport):
		return "DUPLICATE_IMPORT"
	default:
		return "INTERNAL"
	}
}
