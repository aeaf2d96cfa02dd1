package fiscal

import (
	"time"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/domain/queue"
	"github.com/google/uuid"
)

// EmitRequest asks for a document for an order
type EmitRequest struct {
	OrderID uuid.UUID
	// Offline stops after signing; nothing is sent to the authority
	Offline bool
}

// CancelRequest asks for a cancellation event
type CancelRequest struct {
	EmissionID uuid.UUID
	Reason     string
}

// EmissionResponse is the external view of an emission record
type EmissionResponse struct {
	ID             uuid.UUID  `json:"id"`
	CompanyID      uuid.UUID  `json:"company_id"`
	OrderID        uuid.UUID  `json:"order_id"`
	AccessKey      string     `json:"access_key"`
	Model          string     `json:"model"`
	Series         int        `json:"series"`
	Number         int64      `json:"number"`
	Environment    string     `json:"environment"`
	Status         string     `json:"status"`
	Offline        bool       `json:"offline"`
	IssuedAt       time.Time  `json:"issued_at"`
	ProtocolNumber string     `json:"protocol_number,omitempty"`
	ReceiptNumber  string     `json:"receipt_number,omitempty"`
	StatusCode     string     `json:"status_code,omitempty"`
	StatusReason   string     `json:"status_reason,omitempty"`
	AuthorizedAt   *time.Time `json:"authorized_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	JobID          *uuid.UUID `json:"job_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// CancellationResponse is the external view of a cancellation event
type CancellationResponse struct {
	ID            uuid.UUID  `json:"id"`
	EmissionID    uuid.UUID  `json:"emission_id"`
	Sequence      int        `json:"sequence"`
	Reason        string     `json:"reason"`
	Status        string     `json:"status"`
	EventProtocol string     `json:"event_protocol,omitempty"`
	StatusCode    string     `json:"status_code,omitempty"`
	StatusReason  string     `json:"status_reason,omitempty"`
	RegisteredAt  *time.Time `json:"registered_at,omitempty"`
	JobID         *uuid.UUID `json:"job_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// JobResponse is the operator view of a background job
type JobResponse struct {
	ID          uuid.UUID  `json:"id"`
	JobType     string     `json:"job_type"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	RunAt       time.Time  `json:"run_at"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ToEmissionResponse converts a domain emission to its response
func ToEmissionResponse(e *fiscal.Emission) EmissionResponse {
	return EmissionResponse{
		ID:             e.ID,
		CompanyID:      e.CompanyID,
		OrderID:        e.OrderID,
		AccessKey:      e.AccessKey,
		Model:          e.Model,
		Series:         e.Series,
		Number:         e.Number,
		Environment:    e.Environment.String(),
		Status:         e.Status.String(),
		Offline:        e.Offline,
		IssuedAt:       e.IssuedAt,
		ProtocolNumber: e.ProtocolNumber,
		ReceiptNumber:  e.ReceiptNumber,
		StatusCode:     e.StatusCode,
		StatusReason:   e.StatusReason,
		AuthorizedAt:   e.AuthorizedAt,
		CancelledAt:    e.CancelledAt,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

// ToEmissionResponses converts a list of emissions
func ToEmissionResponses(list []fiscal.Emission) []EmissionResponse {
	out := make([]EmissionResponse, len(list))
	for i := range list {
		out[i] = ToEmissionResponse(&list[i])
	}
	return out
}

// ToCancellationResponse converts a domain cancellation to its response
func ToCancellationResponse(c *fiscal.Cancellation) CancellationResponse {
	return CancellationResponse{
		ID:            c.ID,
		EmissionID:    c.EmissionID,
		Sequence:      c.Sequence,
		Reason:        c.Reason,
		Status:        c.Status.String(),
		EventProtocol: c.EventProtocol,
		StatusCode:    c.StatusCode,
		StatusReason:  c.StatusReason,
		RegisteredAt:  c.RegisteredAt,
		CreatedAt:     c.CreatedAt,
	}
}

// ToCancellationResponses converts a list of cancellations
func ToCancellationResponses(list []fiscal.Cancellation) []CancellationResponse {
	out := make([]CancellationResponse, len(list))
	for i := range list {
		out[i] = ToCancellationResponse(&list[i])
	}
	return out
}

// ToJobResponse converts a queued job to its response
func ToJobResponse(j *queue.Job) JobResponse {
	return JobResponse{
		ID:          j.ID,
		JobType:     j.JobType,
		Status:      string(j.Status),
		Attempts:    j.Attempts,
		RunAt:       j.RunAt,
		LastError:   j.LastError,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		CompletedAt: j.CompletedAt,
	}
}
