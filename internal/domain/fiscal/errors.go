package fiscal

import (
	"errors"
	"fmt"

	"github.com/erp/fiscal/internal/domain/shared"
)

// Error codes surfaced to API clients and stored on records.
const (
	CodeValidation = "NFE_VALIDATION"
	CodeCredential = "NFE_CREDENTIAL"
	CodeRejected   = "NFE_REJECTED"
)

// Precondition failures. None of these are retried by the worker.
var (
	ErrEmissionNotAuthorized = shared.NewDomainError("NFE_NOT_AUTHORIZED", "Emission is not authorized")
	ErrMissingProtocol       = shared.NewDomainError("NFE_MISSING_PROTOCOL", "Emission has no authorization protocol")
	ErrAlreadyAuthorized     = shared.NewDomainError("NFE_ALREADY_AUTHORIZED", "Order already has an authorized emission")
	ErrEmissionInProgress    = shared.NewDomainError("NFE_IN_PROGRESS", "Order already has an emission in progress")
	ErrAlreadyCancelled      = shared.NewDomainError("NFE_ALREADY_CANCELLED", "Emission is already cancelled")
	ErrDuplicateNumber       = shared.NewDomainError("NFE_DUPLICATE_NUMBER", "Document number already used for this series")
)

// ValidationError reports a missing or malformed field of the document.
// Field uses the layout path of the element (e.g. "emit.enderEmit.cMun").
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Permanent marks the error as not worth retrying
func (e *ValidationError) Permanent() bool { return true }

// NewValidationError reports a problem with the named field
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func missing(field string) *ValidationError {
	return NewValidationError(field, "is required")
}

// CredentialError reports a signing credential that could not be loaded
type CredentialError struct {
	Reason string
	Err    error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential: %s: %v", e.Reason, e.Err)
	}
	return "credential: " + e.Reason
}

func (e *CredentialError) Unwrap() error { return e.Err }

// Permanent is false; credential failures count against the job's attempts
func (e *CredentialError) Permanent() bool { return false }

// NewCredentialError wraps err with a credential failure reason
func NewCredentialError(reason string, err error) *CredentialError {
	return &CredentialError{Reason: reason, Err: err}
}

// RejectionError carries the authority's status code and reason for a
// document or event it refused.
type RejectionError struct {
	Code   string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("rejected by authority: %s %s", e.Code, e.Reason)
}

// Permanent marks the error as not worth retrying
func (e *RejectionError) Permanent() bool { return true }

// InfrastructureError wraps a network or storage failure. The worker retries
// these with backoff.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// Permanent reports false so the job is retried
func (e *InfrastructureError) Permanent() bool { return false }

// NewInfrastructureError wraps err with the failing operation name
func NewInfrastructureError(op string, err error) *InfrastructureError {
	return &InfrastructureError{Op: op, Err: err}
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRejection reports whether err is a RejectionError
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}
