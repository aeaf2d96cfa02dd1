package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/erp/fiscal/internal/domain/queue"
	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitPayload struct {
	EmissionID string `json:"emission_id"`
}

func enqueueTestJob(t *testing.T, repo *GormJobRepository, jobType string, runAt time.Time) *queue.Job {
	t.Helper()
	job, err := queue.NewJob(jobType, emitPayload{EmissionID: uuid.NewString()}, runAt)
	require.NoError(t, err)
	require.NoError(t, repo.Enqueue(context.Background(), job))
	return job
}

func TestGormJobRepository_ClaimNext(t *testing.T) {
	db := setupFiscalTestDB(t)
	repo := NewGormJobRepository(db, fixedClock)
	ctx := context.Background()

	later := enqueueTestJob(t, repo, queue.JobTypeEmit, fixtureNow.Add(-time.Minute))
	oldest := enqueueTestJob(t, repo, queue.JobTypeEmit, fixtureNow.Add(-time.Hour))
	enqueueTestJob(t, repo, queue.JobTypeEmit, fixtureNow.Add(time.Hour))
	enqueueTestJob(t, repo, queue.JobTypeCancel, fixtureNow.Add(-2*time.Hour))

	claimed, err := repo.ClaimNext(ctx, queue.JobTypeEmit, fixtureNow)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, oldest.ID, claimed.ID)
	assert.Equal(t, queue.JobStatusProcessing, claimed.Status)

	var payload emitPayload
	require.NoError(t, claimed.DecodePayload(&payload))
	assert.NotEmpty(t, payload.EmissionID)

	claimed, err = repo.ClaimNext(ctx, queue.JobTypeEmit, fixtureNow)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, later.ID, claimed.ID)

	// the remaining emit job is not due yet
	claimed, err = repo.ClaimNext(ctx, queue.JobTypeEmit, fixtureNow)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestGormJobRepository_UpdateAndFind(t *testing.T) {
	db := setupFiscalTestDB(t)
	repo := NewGormJobRepository(db, fixedClock)
	ctx := context.Background()

	job := enqueueTestJob(t, repo, queue.JobTypeEmit, fixtureNow)
	claimed, err := repo.ClaimNext(ctx, queue.JobTypeEmit, fixtureNow)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	claimed.RecordFailure("authority unreachable", queue.DefaultMaxAttempts, queue.DefaultBaseDelay, fixtureNow)
	require.NoError(t, repo.Update(ctx, claimed))

	found, err := repo.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusPending, found.Status)
	assert.Equal(t, 1, found.Attempts)
	assert.Equal(t, "authority unreachable", found.LastError)
	assert.True(t, fixtureNow.Add(2 * queue.DefaultBaseDelay).Equal(found.RunAt))

	_, err = repo.FindByID(ctx, uuid.New())
	assert.ErrorIs(t, err, shared.ErrNotFound)

	ghost, err := queue.NewJob(queue.JobTypeEmit, emitPayload{}, fixtureNow)
	require.NoError(t, err)
	assert.ErrorIs(t, repo.Update(ctx, ghost), shared.ErrNotFound)
}

func TestGormJobRepository_ReleaseStaleAndCount(t *testing.T) {
	db := setupFiscalTestDB(t)
	repo := NewGormJobRepository(db, fixedClock)
	ctx := context.Background()

	enqueueTestJob(t, repo, queue.JobTypeCancel, fixtureNow.Add(-time.Hour))
	enqueueTestJob(t, repo, queue.JobTypeCancel, fixtureNow.Add(-time.Hour))

	// claimed an hour ago and never finished
	_, err := repo.ClaimNext(ctx, queue.JobTypeCancel, fixtureNow.Add(-time.Hour))
	require.NoError(t, err)

	counts, err := repo.CountByStatus(ctx, queue.JobTypeCancel)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[queue.JobStatusPending])
	assert.Equal(t, int64(1), counts[queue.JobStatusProcessing])

	released, err := repo.ReleaseStale(ctx, queue.JobTypeCancel, fixtureNow.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	counts, err = repo.CountByStatus(ctx, queue.JobTypeCancel)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[queue.JobStatusPending])
	assert.Zero(t, counts[queue.JobStatusProcessing])
}

func TestGormJobRepository_ClaimNext_Postgres(t *testing.T) {
	jobColumns := []string{"id", "job_type", "payload", "status", "attempts", "run_at", "last_error", "created_at", "updated_at", "completed_at"}

	t.Run("claims with skip locked", func(t *testing.T) {
		database, mock, mockDB := newMockDatabase(t)
		defer mockDB.Close()
		repo := NewGormJobRepository(database.DB, fixedClock)

		id := uuid.New()
		mock.ExpectQuery(`UPDATE fiscal_jobs SET status = \$1, updated_at = \$2 .*FOR UPDATE SKIP LOCKED \) AND status = \$6 RETURNING \*`).
			WithArgs("processing", sqlmock.AnyArg(), queue.JobTypeEmit, "pending", sqlmock.AnyArg(), "pending").
			WillReturnRows(sqlmock.NewRows(jobColumns).AddRow(
				id.String(), queue.JobTypeEmit, []byte(`{"emission_id":"x"}`), "processing", 0,
				fixtureNow, "", fixtureNow, fixtureNow, nil,
			))

		job, err := repo.ClaimNext(context.Background(), queue.JobTypeEmit, fixtureNow)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, id, job.ID)
		assert.Equal(t, queue.JobStatusProcessing, job.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns nil when nothing is due", func(t *testing.T) {
		database, mock, mockDB := newMockDatabase(t)
		defer mockDB.Close()
		repo := NewGormJobRepository(database.DB, fixedClock)

		mock.ExpectQuery(`UPDATE fiscal_jobs`).
			WillReturnRows(sqlmock.NewRows(jobColumns))

		job, err := repo.ClaimNext(context.Background(), queue.JobTypeCancel, fixtureNow)
		require.NoError(t, err)
		assert.Nil(t, job)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
