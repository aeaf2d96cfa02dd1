package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/erp/fiscal/internal/domain/queue"
	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/erp/fiscal/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// claimNextStatement moves the oldest due job to processing in a single
// statement. On PostgreSQL the subquery takes the row with SKIP LOCKED so
// several workers can poll the same table without blocking on each other;
// the outer status guard keeps engines without row locks from claiming a
// row twice.
func claimNextStatement(dialect string) string {
	lock := ""
	if dialect == "postgres" {
		lock = "FOR UPDATE SKIP LOCKED"
	}
	return `UPDATE fiscal_jobs SET status = ?, updated_at = ?
WHERE id = (
	SELECT id FROM fiscal_jobs
	WHERE job_type = ? AND status = ? AND run_at <= ?
	ORDER BY run_at, created_at
	LIMIT 1
	` + lock + `
) AND status = ?
RETURNING *`
}

// GormJobRepository implements queue.Repository using GORM
type GormJobRepository struct {
	db    *gorm.DB
	clock shared.Clock
}

// NewGormJobRepository creates a new GormJobRepository. A nil clock uses the
// system time.
func NewGormJobRepository(db *gorm.DB, clock shared.Clock) *GormJobRepository {
	return &GormJobRepository{db: db, clock: clock}
}

// Enqueue persists a new job
func (r *GormJobRepository) Enqueue(ctx context.Context, job *queue.Job) error {
	return r.db.WithContext(ctx).Create(models.JobModelFromDomain(job)).Error
}

// ClaimNext atomically claims the oldest due pending job of jobType.
// It returns nil, nil when nothing is due.
func (r *GormJobRepository) ClaimNext(ctx context.Context, jobType string, now time.Time) (*queue.Job, error) {
	now = now.UTC()
	var rows []models.JobModel
	err := r.db.WithContext(ctx).
		Raw(claimNextStatement(r.db.Dialector.Name()),
			queue.JobStatusProcessing, now, jobType, queue.JobStatusPending, now, queue.JobStatusPending).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].ToDomain(), nil
}

// Update persists the job's status, attempts and schedule
func (r *GormJobRepository) Update(ctx context.Context, job *queue.Job) error {
	model := models.JobModelFromDomain(job)
	result := r.db.WithContext(ctx).
		Model(&models.JobModel{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{
			"status":       model.Status,
			"attempts":     model.Attempts,
			"run_at":       model.RunAt,
			"last_error":   model.LastError,
			"updated_at":   model.UpdatedAt,
			"completed_at": model.CompletedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// FindByID retrieves a job by ID
func (r *GormJobRepository) FindByID(ctx context.Context, id uuid.UUID) (*queue.Job, error) {
	var model models.JobModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// ReleaseStale returns jobs stuck in processing since before to pending.
// A worker that died mid-job leaves its claim behind; this hands it back.
func (r *GormJobRepository) ReleaseStale(ctx context.Context, jobType string, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.JobModel{}).
		Where("job_type = ? AND status = ? AND updated_at < ?", jobType, queue.JobStatusProcessing, before.UTC()).
		Updates(map[string]any{
			"status":     queue.JobStatusPending,
			"updated_at": r.clock.Now(),
		})
	return result.RowsAffected, result.Error
}

// CountByStatus returns the number of jobs of jobType in each status
func (r *GormJobRepository) CountByStatus(ctx context.Context, jobType string) (map[queue.JobStatus]int64, error) {
	var rows []struct {
		Status queue.JobStatus
		Count  int64
	}
	if err := r.db.WithContext(ctx).
		Model(&models.JobModel{}).
		Select("status, COUNT(*) AS count").
		Where("job_type = ?", jobType).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[queue.JobStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

var _ queue.Repository = (*GormJobRepository)(nil)
