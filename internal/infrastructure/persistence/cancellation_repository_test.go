package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testReason = "Pedido cancelado pelo cliente antes da entrega"

func TestGormCancellationRepository_Lifecycle(t *testing.T) {
	db := setupFiscalTestDB(t)
	repo := NewGormCancellationRepository(db)
	ctx := context.Background()
	emissionID := uuid.New()

	seq, err := repo.NextSequence(ctx, emissionID)
	require.NoError(t, err)
	assert.Equal(t, 1, seq)

	first, err := fiscal.NewCancellation(emissionID, seq, testReason, fixtureNow)
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, first))

	require.NoError(t, first.MarkProcessing(fixtureNow))
	require.NoError(t, repo.Update(ctx, first))
	require.NoError(t, first.Reject("494", "Rejeicao: Chave de Acesso inexistente", fixtureNow))
	require.NoError(t, repo.Update(ctx, first))

	seq, err = repo.NextSequence(ctx, emissionID)
	require.NoError(t, err)
	assert.Equal(t, 2, seq)

	second, err := fiscal.NewCancellation(emissionID, seq, testReason, fixtureNow.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, second))

	list, err := repo.ListByEmission(ctx, emissionID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 2, list[0].Sequence)
	assert.Equal(t, 1, list[1].Sequence)
	assert.Equal(t, fiscal.CancellationStatusRejected, list[1].Status)
	assert.Equal(t, "494", list[1].StatusCode)
	assert.Equal(t, 3, list[1].Version)
}

func TestGormCancellationRepository_DuplicateSequence(t *testing.T) {
	repo := NewGormCancellationRepository(setupFiscalTestDB(t))
	ctx := context.Background()
	emissionID := uuid.New()

	a, err := fiscal.NewCancellation(emissionID, 1, testReason, fixtureNow)
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, a))

	b, err := fiscal.NewCancellation(emissionID, 1, testReason, fixtureNow)
	require.NoError(t, err)
	assert.ErrorIs(t, repo.Create(ctx, b), shared.ErrAlreadyExists)
}

func TestGormCancellationRepository_FindByID(t *testing.T) {
	repo := NewGormCancellationRepository(setupFiscalTestDB(t))
	ctx := context.Background()

	_, err := repo.FindByID(ctx, uuid.New())
	assert.ErrorIs(t, err, shared.ErrNotFound)

	c, err := fiscal.NewCancellation(uuid.New(), 1, testReason, fixtureNow)
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, c))

	found, err := repo.FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, testReason, found.Reason)
	assert.Equal(t, fiscal.CancellationStatusPending, found.Status)
}
