package models

import (
	"time"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/google/uuid"
)

// EmissionModel is the persistence model for emission records. The unique
// index on (company, model, series, number, environment) is the last line of
// defence against a reused document number.
type EmissionModel struct {
	AggregateModel
	CompanyID      uuid.UUID             `gorm:"type:uuid;not null;uniqueIndex:uq_nfe_emissions_number,priority:1"`
	OrderID        uuid.UUID             `gorm:"type:uuid;not null;index"`
	AccessKey      string                `gorm:"type:varchar(44);not null;uniqueIndex"`
	Model          string                `gorm:"type:varchar(2);not null;uniqueIndex:uq_nfe_emissions_number,priority:2"`
	Series         int                   `gorm:"not null;uniqueIndex:uq_nfe_emissions_number,priority:3"`
	Number         int64                 `gorm:"not null;uniqueIndex:uq_nfe_emissions_number,priority:4"`
	Environment    string                `gorm:"type:varchar(1);not null;uniqueIndex:uq_nfe_emissions_number,priority:5"`
	Status         fiscal.EmissionStatus `gorm:"type:varchar(20);not null;index"`
	Offline        bool                  `gorm:"not null;default:false"`
	IssuedAt       time.Time             `gorm:"not null"`
	ProtocolNumber string                `gorm:"type:varchar(20)"`
	ReceiptNumber  string                `gorm:"type:varchar(20)"`
	StatusCode     string                `gorm:"type:varchar(10)"`
	StatusReason   string                `gorm:"type:text"`
	RawXMLPath     string                `gorm:"type:varchar(500)"`
	SignedXMLPath  string                `gorm:"type:varchar(500)"`
	ProtocolPath   string                `gorm:"type:varchar(500)"`
	ProofPath      string                `gorm:"type:varchar(500)"`
	Metadata       []byte                `gorm:"type:jsonb"`
	AuthorizedAt   *time.Time
	CancelledAt    *time.Time
}

// TableName returns the table name for GORM
func (EmissionModel) TableName() string {
	return "nfe_emissions"
}

// ToDomain converts the persistence model to a domain Emission. A metadata
// column that cannot be repaired is kept under the raw key instead of
// failing the read.
func (m *EmissionModel) ToDomain() *fiscal.Emission {
	metadata, err := fiscal.RepairMetadata(m.Metadata)
	if err != nil {
		metadata = map[string]any{fiscal.MetadataRawKey: string(m.Metadata)}
	}
	return &fiscal.Emission{
		BaseAggregateRoot: m.ToDomainAggregateRoot(),
		CompanyID:         m.CompanyID,
		OrderID:           m.OrderID,
		AccessKey:         m.AccessKey,
		Model:             m.Model,
		Series:            m.Series,
		Number:            m.Number,
		Environment:       fiscal.Environment(m.Environment),
		Status:            m.Status,
		Offline:           m.Offline,
		IssuedAt:          m.IssuedAt.UTC(),
		ProtocolNumber:    m.ProtocolNumber,
		ReceiptNumber:     m.ReceiptNumber,
		StatusCode:        m.StatusCode,
		StatusReason:      m.StatusReason,
		Artifacts: fiscal.Artifacts{
			RawXML:      m.RawXMLPath,
			SignedXML:   m.SignedXMLPath,
			ProtocolXML: m.ProtocolPath,
			ProofXML:    m.ProofPath,
		},
		Metadata:     metadata,
		AuthorizedAt: utcPtr(m.AuthorizedAt),
		CancelledAt:  utcPtr(m.CancelledAt),
	}
}

// FromDomain populates the persistence model from a domain Emission
func (m *EmissionModel) FromDomain(e *fiscal.Emission) error {
	metadata, err := fiscal.CanonicalMetadata(e.Metadata)
	if err != nil {
		return err
	}
	m.FromDomainAggregateRoot(e.BaseAggregateRoot)
	m.CompanyID = e.CompanyID
	m.OrderID = e.OrderID
	m.AccessKey = e.AccessKey
	m.Model = e.Model
	m.Series = e.Series
	m.Number = e.Number
	m.Environment = string(e.Environment)
	m.Status = e.Status
	m.Offline = e.Offline
	m.IssuedAt = e.IssuedAt
	m.ProtocolNumber = e.ProtocolNumber
	m.ReceiptNumber = e.ReceiptNumber
	m.StatusCode = e.StatusCode
	m.StatusReason = e.StatusReason
	m.RawXMLPath = e.Artifacts.RawXML
	m.SignedXMLPath = e.Artifacts.SignedXML
	m.ProtocolPath = e.Artifacts.ProtocolXML
	m.ProofPath = e.Artifacts.ProofXML
	m.Metadata = metadata
	m.AuthorizedAt = e.AuthorizedAt
	m.CancelledAt = e.CancelledAt
	return nil
}

// EmissionModelFromDomain creates a new persistence model from a domain Emission
func EmissionModelFromDomain(e *fiscal.Emission) (*EmissionModel, error) {
	m := &EmissionModel{}
	if err := m.FromDomain(e); err != nil {
		return nil, err
	}
	return m, nil
}

// CancellationModel is the persistence model for cancellation events
type CancellationModel struct {
	AggregateModel
	EmissionID    uuid.UUID                 `gorm:"type:uuid;not null;uniqueIndex:uq_nfe_cancellations_seq,priority:1"`
	Sequence      int                       `gorm:"not null;uniqueIndex:uq_nfe_cancellations_seq,priority:2"`
	Reason        string                    `gorm:"type:varchar(255);not null"`
	Status        fiscal.CancellationStatus `gorm:"type:varchar(20);not null"`
	EventProtocol string                    `gorm:"type:varchar(20)"`
	StatusCode    string                    `gorm:"type:varchar(10)"`
	StatusReason  string                    `gorm:"type:text"`
	ResponsePath  string                    `gorm:"type:varchar(500)"`
	LastError     string                    `gorm:"type:text"`
	RegisteredAt  *time.Time
}

// TableName returns the table name for GORM
func (CancellationModel) TableName() string {
	return "nfe_cancellations"
}

// ToDomain converts the persistence model to a domain Cancellation
func (m *CancellationModel) ToDomain() *fiscal.Cancellation {
	return &fiscal.Cancellation{
		BaseAggregateRoot: m.ToDomainAggregateRoot(),
		EmissionID:        m.EmissionID,
		Sequence:          m.Sequence,
		Reason:            m.Reason,
		Status:            m.Status,
		EventProtocol:     m.EventProtocol,
		StatusCode:        m.StatusCode,
		StatusReason:      m.StatusReason,
		ResponsePath:      m.ResponsePath,
		LastError:         m.LastError,
		RegisteredAt:      utcPtr(m.RegisteredAt),
	}
}

// FromDomain populates the persistence model from a domain Cancellation
func (m *CancellationModel) FromDomain(c *fiscal.Cancellation) {
	m.FromDomainAggregateRoot(c.BaseAggregateRoot)
	m.EmissionID = c.EmissionID
	m.Sequence = c.Sequence
	m.Reason = c.Reason
	m.Status = c.Status
	m.EventProtocol = c.EventProtocol
	m.StatusCode = c.StatusCode
	m.StatusReason = c.StatusReason
	m.ResponsePath = c.ResponsePath
	m.LastError = c.LastError
	m.RegisteredAt = c.RegisteredAt
}

// CancellationModelFromDomain creates a new persistence model from a domain Cancellation
func CancellationModelFromDomain(c *fiscal.Cancellation) *CancellationModel {
	m := &CancellationModel{}
	m.FromDomain(c)
	return m
}

// SequenceModel holds the next document number of one numbering scope
type SequenceModel struct {
	CompanyID   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Model       string    `gorm:"type:varchar(2);primaryKey"`
	Series      int       `gorm:"primaryKey;autoIncrement:false"`
	Environment string    `gorm:"type:varchar(1);primaryKey"`
	NextNumber  int64     `gorm:"not null;default:1"`
	UpdatedAt   time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (SequenceModel) TableName() string {
	return "fiscal_sequences"
}
