package fiscal

import (
	"context"

	"github.com/google/uuid"
)

// NumberingScope identifies one document number sequence
type NumberingScope struct {
	CompanyID   uuid.UUID
	Model       string
	Series      int
	Environment Environment
}

// SequenceCounter hands out document numbers. Advance never moves the
// counter backwards: next becomes max(next, used+1).
type SequenceCounter interface {
	Peek(ctx context.Context, scope NumberingScope) (int64, error)
	Advance(ctx context.Context, scope NumberingScope, used int64) error
}

// EmissionRepository persists emission records
type EmissionRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*Emission, error)
	// FindCurrentByOrder returns the latest emission of the order that is not
	// in a terminal failure state
	FindCurrentByOrder(ctx context.Context, orderID uuid.UUID) (*Emission, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]Emission, error)
	Create(ctx context.Context, e *Emission) error
	Update(ctx context.Context, e *Emission) error
}

// CancellationRepository persists cancellation events
type CancellationRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*Cancellation, error)
	// ListByEmission returns events newest first
	ListByEmission(ctx context.Context, emissionID uuid.UUID) ([]Cancellation, error)
	NextSequence(ctx context.Context, emissionID uuid.UUID) (int, error)
	Create(ctx context.Context, c *Cancellation) error
	Update(ctx context.Context, c *Cancellation) error
}

// SourceRepository loads the records a document is assembled from
type SourceRepository interface {
	LoadEmissionSource(ctx context.Context, orderID uuid.UUID) (*EmissionSource, error)
}

// OrderStatusRepository reads and writes the order's fiscal summary
type OrderStatusRepository interface {
	GetFiscalStatus(ctx context.Context, orderID uuid.UUID) (OrderFiscalStatus, error)
	SetFiscalStatus(ctx context.Context, orderID uuid.UUID, status OrderFiscalStatus) error
}
