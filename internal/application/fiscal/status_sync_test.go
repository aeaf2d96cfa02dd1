package fiscal_test

import (
	"context"
	"errors"
	"testing"

	app "github.com/erp/fiscal/internal/application/fiscal"
	domain "github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingOrders struct {
	fakeOrders
	setErr error
}

func (f *failingOrders) SetFiscalStatus(ctx context.Context, orderID uuid.UUID, status domain.OrderFiscalStatus) error {
	if f.setErr != nil {
		return f.setErr
	}
	return f.fakeOrders.SetFiscalStatus(ctx, orderID, status)
}

func TestStatusSynchronizer_Sync(t *testing.T) {
	tests := []struct {
		name   string
		status domain.EmissionStatus
		want   domain.OrderFiscalStatus
	}{
		{"authorized", domain.EmissionStatusAuthorized, domain.OrderFiscalStatusAuthorized},
		{"cancelled", domain.EmissionStatusCancelled, domain.OrderFiscalStatusCancelled},
		{"denied", domain.EmissionStatusDenied, domain.OrderFiscalStatusError},
		{"error", domain.EmissionStatusError, domain.OrderFiscalStatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders := newFakeOrders()
			sync := app.NewStatusSynchronizer(orders, nil)
			orderID := uuid.New()

			got, err := sync.Sync(context.Background(), orderID, tt.status)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, orders.status(orderID))
			assert.Equal(t, 1, orders.writes)
		})
	}
}

func TestStatusSynchronizer_Sync_IsIdempotent(t *testing.T) {
	orders := newFakeOrders()
	sync := app.NewStatusSynchronizer(orders, nil)
	orderID := uuid.New()

	for i := 0; i < 3; i++ {
		_, err := sync.Sync(context.Background(), orderID, domain.EmissionStatusAuthorized)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, orders.reads)
	assert.Equal(t, 1, orders.writes)
}

func TestStatusSynchronizer_Sync_InFlightClearsStaleError(t *testing.T) {
	for _, status := range []domain.EmissionStatus{
		domain.EmissionStatusDraft, domain.EmissionStatusSigned, domain.EmissionStatusProcessing,
	} {
		t.Run(status.String(), func(t *testing.T) {
			orders := newFakeOrders()
			sync := app.NewStatusSynchronizer(orders, nil)
			orderID := uuid.New()
			orders.statuses[orderID] = domain.OrderFiscalStatusError

			got, err := sync.Sync(context.Background(), orderID, status)
			require.NoError(t, err)
			assert.Equal(t, domain.OrderFiscalStatusNone, got)
			assert.Equal(t, domain.OrderFiscalStatusNone, orders.status(orderID))
			assert.Equal(t, 1, orders.writes)
		})
	}
}

func TestStatusSynchronizer_Sync_InFlightOnCleanOrderDoesNotWrite(t *testing.T) {
	orders := newFakeOrders()
	sync := app.NewStatusSynchronizer(orders, nil)
	orderID := uuid.New()

	got, err := sync.Sync(context.Background(), orderID, domain.EmissionStatusSigned)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFiscalStatusNone, got)
	assert.Equal(t, 1, orders.reads)
	assert.Zero(t, orders.writes)
}

func TestStatusSynchronizer_Sync_WriteFailure(t *testing.T) {
	orders := &failingOrders{
		fakeOrders: fakeOrders{statuses: map[uuid.UUID]domain.OrderFiscalStatus{}},
		setErr:     errors.New("database is locked"),
	}
	sync := app.NewStatusSynchronizer(orders, nil)

	_, err := sync.Sync(context.Background(), uuid.New(), domain.EmissionStatusCancelled)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
}
