package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/erp/fiscal/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGormEmissionRepository_CreateAndFind(t *testing.T) {
	db := setupFiscalTestDB(t)
	repo := NewGormEmissionRepository(db)
	ctx := context.Background()

	e := newTestEmission(t, uuid.New(), uuid.New(), 42)
	e.SetMetadata(map[string]any{"operator": "ana"})
	require.NoError(t, repo.Create(ctx, e))

	found, err := repo.FindByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.AccessKey, found.AccessKey)
	assert.Equal(t, int64(42), found.Number)
	assert.Equal(t, fiscal.EmissionStatusDraft, found.Status)
	assert.Equal(t, fiscal.EnvironmentHomologation, found.Environment)
	assert.Equal(t, "ana", found.Metadata["operator"])
	assert.True(t, fixtureNow.Equal(found.IssuedAt))
	assert.Equal(t, 1, found.Version)
}

func TestGormEmissionRepository_FindByID_NotFound(t *testing.T) {
	repo := NewGormEmissionRepository(setupFiscalTestDB(t))

	_, err := repo.FindByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestGormEmissionRepository_Create_DuplicateNumber(t *testing.T) {
	db := setupFiscalTestDB(t)
	repo := NewGormEmissionRepository(db)
	ctx := context.Background()
	companyID := uuid.New()

	first := newTestEmission(t, companyID, uuid.New(), 7)
	require.NoError(t, repo.Create(ctx, first))

	second := newTestEmission(t, companyID, uuid.New(), 7)
	// a different random code gives a different key for the same number
	second.AccessKey = first.AccessKey[:35] + "87654321" + "0"

	err := repo.Create(ctx, second)
	assert.ErrorIs(t, err, fiscal.ErrDuplicateNumber)
}

func TestGormEmissionRepository_Create_SecondLiveEmissionForOrder(t *testing.T) {
	db := setupFiscalTestDB(t)
	repo := NewGormEmissionRepository(db)
	ctx := context.Background()
	companyID, orderID := uuid.New(), uuid.New()

	first := newTestEmission(t, companyID, orderID, 1)
	require.NoError(t, repo.Create(ctx, first))

	second := newTestEmission(t, companyID, orderID, 2)
	assert.ErrorIs(t, repo.Create(ctx, second), fiscal.ErrEmissionInProgress)

	require.NoError(t, first.Fail("", "signing failed", fixtureNow))
	require.NoError(t, repo.Update(ctx, first))
	assert.NoError(t, repo.Create(ctx, second), "a failed emission frees the order")
}

func TestGormEmissionRepository_Update(t *testing.T) {
	db := setupFiscalTestDB(t)
	repo := NewGormEmissionRepository(db)
	ctx := context.Background()

	e := newTestEmission(t, uuid.New(), uuid.New(), 1)
	require.NoError(t, repo.Create(ctx, e))

	require.NoError(t, e.MarkSigned("nfe/raw.xml", "nfe/signed.xml", fixtureNow.Add(time.Minute)))
	require.NoError(t, repo.Update(ctx, e))
	assert.Equal(t, 2, e.Version)

	found, err := repo.FindByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, fiscal.EmissionStatusSigned, found.Status)
	assert.Equal(t, "nfe/signed.xml", found.Artifacts.SignedXML)
	assert.Equal(t, 2, found.Version)

	t.Run("stale version is a conflict", func(t *testing.T) {
		stale := *found
		stale.Version = 1
		require.NoError(t, stale.MarkProcessing(fixtureNow.Add(2*time.Minute)))

		err := repo.Update(ctx, &stale)
		assert.ErrorIs(t, err, shared.ErrConcurrencyConflict)
		assert.Equal(t, 1, stale.Version)
	})

	t.Run("missing record", func(t *testing.T) {
		ghost := newTestEmission(t, uuid.New(), uuid.New(), 99)
		assert.ErrorIs(t, repo.Update(ctx, ghost), shared.ErrNotFound)
	})
}

func TestGormEmissionRepository_FindCurrentByOrder(t *testing.T) {
	db := setupFiscalTestDB(t)
	repo := NewGormEmissionRepository(db)
	ctx := context.Background()
	companyID, orderID := uuid.New(), uuid.New()

	failed := newTestEmission(t, companyID, orderID, 1)
	require.NoError(t, repo.Create(ctx, failed))
	require.NoError(t, failed.Fail("", "signing failed", fixtureNow))
	require.NoError(t, repo.Update(ctx, failed))

	_, err := repo.FindCurrentByOrder(ctx, orderID)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	retry := newTestEmission(t, companyID, orderID, 2)
	retry.CreatedAt = fixtureNow.Add(time.Minute)
	require.NoError(t, repo.Create(ctx, retry))

	current, err := repo.FindCurrentByOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, retry.ID, current.ID)

	all, err := repo.ListByOrder(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, retry.ID, all[0].ID)
}

func TestGormEmissionRepository_RepairsCorruptedMetadata(t *testing.T) {
	db := setupFiscalTestDB(t)
	repo := NewGormEmissionRepository(db)
	ctx := context.Background()

	e := newTestEmission(t, uuid.New(), uuid.New(), 3)
	require.NoError(t, repo.Create(ctx, e))

	// an indexed character map of `{"a":1}` with a later field merged in
	corrupted := `{"0":"{","1":"\"","2":"a","3":"\"","4":":","5":"1","6":"}","operator":"ana"}`
	require.NoError(t, db.Model(&models.EmissionModel{}).
		Where("id = ?", e.ID).
		Update("metadata", []byte(corrupted)).Error)

	found, err := repo.FindByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(1), found.Metadata["a"])
	assert.Equal(t, "ana", found.Metadata["operator"])
	assert.NotContains(t, found.Metadata, "0")
}
