package persistence

import (
	"context"
	"errors"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/erp/fiscal/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormCancellationRepository implements CancellationRepository using GORM
type GormCancellationRepository struct {
	db *gorm.DB
}

// NewGormCancellationRepository creates a new GormCancellationRepository
func NewGormCancellationRepository(db *gorm.DB) *GormCancellationRepository {
	return &GormCancellationRepository{db: db}
}

// FindByID finds a cancellation event by its ID
func (r *GormCancellationRepository) FindByID(ctx context.Context, id uuid.UUID) (*fiscal.Cancellation, error) {
	var model models.CancellationModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// ListByEmission returns the cancellation events of an emission, newest first
func (r *GormCancellationRepository) ListByEmission(ctx context.Context, emissionID uuid.UUID) ([]fiscal.Cancellation, error) {
	var rows []models.CancellationModel
	if err := r.db.WithContext(ctx).
		Where("emission_id = ?", emissionID).
		Order("sequence DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]fiscal.Cancellation, len(rows))
	for i := range rows {
		result[i] = *rows[i].ToDomain()
	}
	return result, nil
}

// NextSequence returns the next event sequence number for the emission
func (r *GormCancellationRepository) NextSequence(ctx context.Context, emissionID uuid.UUID) (int, error) {
	var maxSeq *int
	if err := r.db.WithContext(ctx).
		Model(&models.CancellationModel{}).
		Where("emission_id = ?", emissionID).
		Select("MAX(sequence)").
		Scan(&maxSeq).Error; err != nil {
		return 0, err
	}
	if maxSeq == nil {
		return 1, nil
	}
	return *maxSeq + 1, nil
}

// Create inserts a new cancellation event
func (r *GormCancellationRepository) Create(ctx context.Context, c *fiscal.Cancellation) error {
	if err := r.db.WithContext(ctx).Create(models.CancellationModelFromDomain(c)).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return shared.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// Update saves the cancellation event with optimistic locking
func (r *GormCancellationRepository) Update(ctx context.Context, c *fiscal.Cancellation) error {
	currentVersion := c.Version
	c.IncrementVersion()
	model := models.CancellationModelFromDomain(c)

	result := r.db.WithContext(ctx).
		Model(&models.CancellationModel{}).
		Where("id = ? AND version = ?", c.ID, currentVersion).
		Updates(map[string]any{
			"status":         model.Status,
			"event_protocol": model.EventProtocol,
			"status_code":    model.StatusCode,
			"status_reason":  model.StatusReason,
			"response_path":  model.ResponsePath,
			"last_error":     model.LastError,
			"registered_at":  model.RegisteredAt,
			"version":        model.Version,
			"updated_at":     model.UpdatedAt,
		})
	if result.Error != nil {
		c.Version = currentVersion
		return result.Error
	}
	if result.RowsAffected == 0 {
		c.Version = currentVersion
		var count int64
		r.db.WithContext(ctx).Model(&models.CancellationModel{}).Where("id = ?", c.ID).Count(&count)
		if count == 0 {
			return shared.ErrNotFound
		}
		return shared.ErrConcurrencyConflict
	}
	return nil
}

var _ fiscal.CancellationRepository = (*GormCancellationRepository)(nil)
