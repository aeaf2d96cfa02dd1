package fiscal

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/google/uuid"
)

// Cancellation reason bounds, in characters after whitespace normalization
const (
	ReasonMinLength = 15
	ReasonMaxLength = 255
)

// EventTypeCancellation is the event code of a cancellation (tpEvento)
const EventTypeCancellation = "110111"

// CancellationStatus represents the lifecycle state of a cancellation event
type CancellationStatus string

const (
	CancellationStatusPending    CancellationStatus = "pending"
	CancellationStatusProcessing CancellationStatus = "processing"
	CancellationStatusAuthorized CancellationStatus = "authorized"
	CancellationStatusRejected   CancellationStatus = "rejected"
	CancellationStatusFailed     CancellationStatus = "failed"
)

// IsValid checks if the status is a valid CancellationStatus
func (s CancellationStatus) IsValid() bool {
	switch s {
	case CancellationStatusPending, CancellationStatusProcessing, CancellationStatusAuthorized,
		CancellationStatusRejected, CancellationStatusFailed:
		return true
	}
	return false
}

// String returns the string representation of CancellationStatus
func (s CancellationStatus) String() string {
	return string(s)
}

// CanTransitionTo checks if the status can transition to the target status.
// A failed event goes back to processing when it is retried.
func (s CancellationStatus) CanTransitionTo(target CancellationStatus) bool {
	switch s {
	case CancellationStatusPending:
		return target == CancellationStatusProcessing || target == CancellationStatusAuthorized ||
			target == CancellationStatusRejected || target == CancellationStatusFailed
	case CancellationStatusFailed:
		return target == CancellationStatusProcessing || target == CancellationStatusAuthorized ||
			target == CancellationStatusRejected
	case CancellationStatusProcessing:
		return target == CancellationStatusAuthorized || target == CancellationStatusRejected ||
			target == CancellationStatusFailed
	}
	return false
}

// IsTerminal reports whether the event reached a final outcome
func (s CancellationStatus) IsTerminal() bool {
	return s == CancellationStatusAuthorized || s == CancellationStatusRejected
}

// Cancellation is a request to register a cancellation event for an
// authorized emission
type Cancellation struct {
	shared.BaseAggregateRoot
	EmissionID    uuid.UUID
	Sequence      int
	Reason        string
	Status        CancellationStatus
	EventProtocol string
	StatusCode    string
	StatusReason  string
	ResponsePath  string
	LastError     string
	RegisteredAt  *time.Time
}

// NormalizeReason collapses runs of whitespace and enforces length bounds
func NormalizeReason(reason string) (string, error) {
	normalized := strings.Join(strings.Fields(reason), " ")
	n := utf8.RuneCountInString(normalized)
	if n < ReasonMinLength || n > ReasonMaxLength {
		return "", NewValidationError("xJust",
			fmt.Sprintf("must have between %d and %d characters", ReasonMinLength, ReasonMaxLength))
	}
	return normalized, nil
}

// NewCancellation creates a pending cancellation request
func NewCancellation(emissionID uuid.UUID, sequence int, reason string, now time.Time) (*Cancellation, error) {
	if emissionID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_EMISSION", "Emission ID cannot be empty")
	}
	if sequence < 1 {
		return nil, shared.NewDomainError("INVALID_SEQUENCE", "Event sequence must be positive")
	}
	normalized, err := NormalizeReason(reason)
	if err != nil {
		return nil, err
	}
	return &Cancellation{
		BaseAggregateRoot: shared.NewBaseAggregateRoot(now),
		EmissionID:        emissionID,
		Sequence:          sequence,
		Reason:            normalized,
		Status:            CancellationStatusPending,
	}, nil
}

func (c *Cancellation) transition(target CancellationStatus, now time.Time) error {
	if !c.Status.CanTransitionTo(target) {
		return shared.NewDomainError("INVALID_STATE",
			fmt.Sprintf("Cannot move cancellation from %s to %s", c.Status, target))
	}
	c.Status = target
	c.Touch(now)
	return nil
}

// MarkProcessing records that the event is being sent
func (c *Cancellation) MarkProcessing(now time.Time) error {
	return c.transition(CancellationStatusProcessing, now)
}

// Authorize records the registration of the event
func (c *Cancellation) Authorize(protocol, code, reason, responsePath string, at time.Time) error {
	if err := c.transition(CancellationStatusAuthorized, at); err != nil {
		return err
	}
	registeredAt := at.UTC()
	c.EventProtocol = protocol
	c.StatusCode = code
	c.StatusReason = reason
	c.ResponsePath = responsePath
	c.LastError = ""
	c.RegisteredAt = &registeredAt
	return nil
}

// Reject records a refusal of the event
func (c *Cancellation) Reject(code, reason string, now time.Time) error {
	if err := c.transition(CancellationStatusRejected, now); err != nil {
		return err
	}
	c.StatusCode = code
	c.StatusReason = reason
	return nil
}

// RecordAttemptError keeps a processing event in processing and notes why
// the last transmission did not get an answer
func (c *Cancellation) RecordAttemptError(errMsg string, now time.Time) error {
	if c.Status != CancellationStatusProcessing {
		return shared.NewDomainError("INVALID_STATE",
			fmt.Sprintf("Cannot record an attempt error on a %s cancellation", c.Status))
	}
	c.LastError = errMsg
	c.Touch(now)
	return nil
}

// MarkFailed records that the event was given up without an answer from
// the authority. A failed event no longer blocks a new request.
func (c *Cancellation) MarkFailed(errMsg string, now time.Time) error {
	if err := c.transition(CancellationStatusFailed, now); err != nil {
		return err
	}
	c.LastError = errMsg
	return nil
}
