package fiscal

import (
	"fmt"
	"time"

	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/google/uuid"
)

// ModelNFe is the document model code of the electronic invoice
const ModelNFe = "55"

// EmissionStatus represents the lifecycle state of an emission record
type EmissionStatus string

const (
	EmissionStatusDraft      EmissionStatus = "draft"
	EmissionStatusSigned     EmissionStatus = "signed"
	EmissionStatusProcessing EmissionStatus = "processing"
	EmissionStatusAuthorized EmissionStatus = "authorized"
	EmissionStatusDenied     EmissionStatus = "denied"
	EmissionStatusError      EmissionStatus = "error"
	EmissionStatusCancelled  EmissionStatus = "cancelled"

	// EmissionStatusRejected appears on records written by the legacy
	// emitter. It is never assigned here and IsValid rejects it.
	EmissionStatusRejected EmissionStatus = "rejected"
)

// IsValid checks if the status is a valid EmissionStatus
func (s EmissionStatus) IsValid() bool {
	switch s {
	case EmissionStatusDraft, EmissionStatusSigned, EmissionStatusProcessing,
		EmissionStatusAuthorized, EmissionStatusDenied, EmissionStatusError, EmissionStatusCancelled:
		return true
	}
	return false
}

// String returns the string representation of EmissionStatus
func (s EmissionStatus) String() string {
	return string(s)
}

// CanTransitionTo checks if the status can transition to the target status
func (s EmissionStatus) CanTransitionTo(target EmissionStatus) bool {
	switch s {
	case EmissionStatusDraft:
		return target == EmissionStatusSigned || target == EmissionStatusError
	case EmissionStatusSigned:
		return target == EmissionStatusProcessing || target == EmissionStatusError
	case EmissionStatusProcessing:
		return target == EmissionStatusProcessing || target == EmissionStatusAuthorized ||
			target == EmissionStatusDenied || target == EmissionStatusError
	case EmissionStatusAuthorized:
		return target == EmissionStatusCancelled
	}
	return false
}

// IsTerminal reports whether no further submission can change the record
func (s EmissionStatus) IsTerminal() bool {
	switch s {
	case EmissionStatusDenied, EmissionStatusError, EmissionStatusCancelled:
		return true
	}
	return false
}

// Artifacts holds the storage paths of the documents produced for an emission
type Artifacts struct {
	RawXML      string
	SignedXML   string
	ProtocolXML string
	ProofXML    string
}

// Emission is one attempt to emit a fiscal document for an order
type Emission struct {
	shared.BaseAggregateRoot
	CompanyID      uuid.UUID
	OrderID        uuid.UUID
	AccessKey      string
	Model          string
	Series         int
	Number         int64
	Environment    Environment
	Status         EmissionStatus
	Offline        bool
	IssuedAt       time.Time
	ProtocolNumber string
	ReceiptNumber  string
	StatusCode     string
	StatusReason   string
	Artifacts      Artifacts
	Metadata       map[string]any
	AuthorizedAt   *time.Time
	CancelledAt    *time.Time
}

// EmissionParams are the values fixed when an emission record is created
type EmissionParams struct {
	CompanyID   uuid.UUID
	OrderID     uuid.UUID
	AccessKey   AccessKey
	Series      int
	Number      int64
	Environment Environment
	IssuedAt    time.Time
	Offline     bool
}

// NewEmission creates a draft emission record
func NewEmission(p EmissionParams) (*Emission, error) {
	if p.CompanyID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_COMPANY", "Company ID cannot be empty")
	}
	if p.OrderID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_ORDER", "Order ID cannot be empty")
	}
	if p.AccessKey.IsZero() {
		return nil, shared.NewDomainError("INVALID_ACCESS_KEY", "Access key cannot be empty")
	}
	if p.Number < 1 {
		return nil, shared.NewDomainError("INVALID_NUMBER", "Document number must be positive")
	}
	if !p.Environment.IsValid() {
		return nil, shared.NewDomainError("INVALID_ENVIRONMENT", "Unknown authority environment")
	}

	return &Emission{
		BaseAggregateRoot: shared.NewBaseAggregateRoot(p.IssuedAt),
		CompanyID:         p.CompanyID,
		OrderID:           p.OrderID,
		AccessKey:         p.AccessKey.String(),
		Model:             ModelNFe,
		Series:            p.Series,
		Number:            p.Number,
		Environment:       p.Environment,
		Status:            EmissionStatusDraft,
		Offline:           p.Offline,
		IssuedAt:          p.IssuedAt.UTC(),
		Metadata:          map[string]any{},
	}, nil
}

func (e *Emission) transition(target EmissionStatus, now time.Time) error {
	if !e.Status.CanTransitionTo(target) {
		return shared.NewDomainError("INVALID_STATE",
			fmt.Sprintf("Cannot move emission from %s to %s", e.Status, target))
	}
	e.Status = target
	e.Touch(now)
	return nil
}

// MarkSigned records the stored raw and signed documents
func (e *Emission) MarkSigned(rawPath, signedPath string, now time.Time) error {
	if err := e.transition(EmissionStatusSigned, now); err != nil {
		return err
	}
	e.Artifacts.RawXML = rawPath
	e.Artifacts.SignedXML = signedPath
	return nil
}

// MarkProcessing records that the document was sent to the authority
func (e *Emission) MarkProcessing(now time.Time) error {
	return e.transition(EmissionStatusProcessing, now)
}

// KeepProcessing records a "still processing" answer from the authority
func (e *Emission) KeepProcessing(code, reason, receipt string, now time.Time) error {
	if err := e.transition(EmissionStatusProcessing, now); err != nil {
		return err
	}
	e.StatusCode = code
	e.StatusReason = reason
	if receipt != "" {
		e.ReceiptNumber = receipt
	}
	return nil
}

// Authorize records the authority's authorization protocol
func (e *Emission) Authorize(protocol, code, reason, protocolPath, proofPath string, at time.Time) error {
	if protocol == "" {
		return ErrMissingProtocol
	}
	if err := e.transition(EmissionStatusAuthorized, at); err != nil {
		return err
	}
	authorizedAt := at.UTC()
	e.ProtocolNumber = protocol
	e.StatusCode = code
	e.StatusReason = reason
	e.Artifacts.ProtocolXML = protocolPath
	e.Artifacts.ProofXML = proofPath
	e.AuthorizedAt = &authorizedAt
	return nil
}

// Deny records a denial of use
func (e *Emission) Deny(code, reason string, now time.Time) error {
	if err := e.transition(EmissionStatusDenied, now); err != nil {
		return err
	}
	e.StatusCode = code
	e.StatusReason = reason
	return nil
}

// Fail moves the record to error, keeping whatever code the authority sent
func (e *Emission) Fail(code, reason string, now time.Time) error {
	if err := e.transition(EmissionStatusError, now); err != nil {
		return err
	}
	e.StatusCode = code
	e.StatusReason = reason
	return nil
}

// Cancel records a registered cancellation event
func (e *Emission) Cancel(at time.Time) error {
	if err := e.transition(EmissionStatusCancelled, at); err != nil {
		return err
	}
	cancelledAt := at.UTC()
	e.CancelledAt = &cancelledAt
	return nil
}

// EnsureCancellable checks that a cancellation event may be requested
func (e *Emission) EnsureCancellable() error {
	switch {
	case e.Status == EmissionStatusCancelled:
		return ErrAlreadyCancelled
	case e.Status != EmissionStatusAuthorized:
		return ErrEmissionNotAuthorized
	case e.ProtocolNumber == "":
		return ErrMissingProtocol
	}
	return nil
}

// SetMetadata overlays values onto the record's audit metadata
func (e *Emission) SetMetadata(values map[string]any) {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	for k, v := range values {
		e.Metadata[k] = v
	}
}
